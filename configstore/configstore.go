// Package configstore implements ConfigStore (C3): versioned config
// bundles plus the preset resolver, with a cache in front of the backing
// store. Grounded on the teacher's core.Config/LoadFromEnv layering (a
// defaulted base overridden by named profiles) and the versioned-record
// pattern from orchestration's Redis stores, adapted from a JSON task blob
// to a YAML-sourced, version-stamped ConfigBundle.
package configstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alias8818/CouncilRouter-sub001/core"
)

// Backend is the durable, versioned storage boundary: "a relational store
// with columns (id, config_type, config_data, version, created_at,
// active)" per the spec's abstract persisted-state layout. ConfigStore
// wraps a Backend with an in-memory cache and preset validation.
type Backend interface {
	// ActiveBundle returns the currently active config bundle, or
	// core.ErrNotFound if none has been published yet.
	ActiveBundle(ctx context.Context) (*core.ConfigBundle, error)
	// PublishBundle inserts a new version and atomically deactivates the
	// prior one, returning the bundle with Version set.
	PublishBundle(ctx context.Context, bundle core.ConfigBundle) (*core.ConfigBundle, error)
	// Preset looks up a named preset's config bundle override.
	Preset(ctx context.Context, name string) (*core.ConfigBundle, error)
}

// ConfigStore is C3: the active config plus named presets, cached in
// front of Backend so hot-path orchestration doesn't hit the store on
// every request.
type ConfigStore struct {
	backend Backend
	logger  core.Logger

	knownPresets map[string]struct{}

	mu          sync.RWMutex
	cached      *core.ConfigBundle
	cachedAt    time.Time
	cacheTTL    time.Duration
}

// New builds a ConfigStore. knownPresets is the closed set of valid preset
// names (spec §4.1 step 1: validated before any DB lookup); it is supplied
// at boot from the deployment's preset manifest, independent of whatever
// presets backend happens to have persisted.
func New(backend Backend, knownPresets []string, logger core.Logger) *ConfigStore {
	set := make(map[string]struct{}, len(knownPresets))
	for _, p := range knownPresets {
		set[p] = struct{}{}
	}
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("configstore")
	}
	return &ConfigStore{
		backend:      backend,
		logger:       logger,
		knownPresets: set,
		cacheTTL:     30 * time.Second,
	}
}

// KnownPresetNames lists the valid preset names, for the supplemental
// GET /api/v1/config/presets endpoint.
func (s *ConfigStore) KnownPresetNames() []string {
	names := make([]string, 0, len(s.knownPresets))
	for n := range s.knownPresets {
		names = append(names, n)
	}
	return names
}

// IsKnownPreset reports whether name is in the validated preset set.
func (s *ConfigStore) IsKnownPreset(name string) bool {
	_, ok := s.knownPresets[name]
	return ok
}

// Resolve returns the effective ConfigBundle for a request: the named
// preset's override if presetName is non-empty, else the active bundle.
// An unknown preset name is rejected with CodeConfigError before any
// backend I/O, per spec §4.1 step 1 / §8 property 12 / scenario S6.
func (s *ConfigStore) Resolve(ctx context.Context, presetName string) (*core.ConfigBundle, error) {
	if presetName != "" {
		if !s.IsKnownPreset(presetName) {
			return nil, core.NewError("configstore.Resolve", core.CodeConfigError,
				fmt.Sprintf("unknown preset %q", presetName), core.ErrInvalidConfiguration)
		}
		bundle, err := s.backend.Preset(ctx, presetName)
		if err != nil {
			return nil, fmt.Errorf("configstore: load preset %q: %w", presetName, err)
		}
		if err := bundle.Synthesis.Validate(); err != nil {
			return nil, err
		}
		return bundle, nil
	}
	return s.active(ctx)
}

func (s *ConfigStore) active(ctx context.Context) (*core.ConfigBundle, error) {
	s.mu.RLock()
	if s.cached != nil && time.Since(s.cachedAt) < s.cacheTTL {
		cached := s.cached
		s.mu.RUnlock()
		return cached, nil
	}
	s.mu.RUnlock()

	bundle, err := s.backend.ActiveBundle(ctx)
	if err != nil {
		return nil, fmt.Errorf("configstore: load active bundle: %w", err)
	}
	if err := bundle.Synthesis.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cached = bundle
	s.cachedAt = time.Now()
	s.mu.Unlock()

	return bundle, nil
}

// Publish validates and stores a new active bundle, invalidating the
// in-memory cache.
func (s *ConfigStore) Publish(ctx context.Context, bundle core.ConfigBundle) (*core.ConfigBundle, error) {
	if err := bundle.Synthesis.Validate(); err != nil {
		return nil, err
	}
	stored, err := s.backend.PublishBundle(ctx, bundle)
	if err != nil {
		return nil, fmt.Errorf("configstore: publish: %w", err)
	}

	s.mu.Lock()
	s.cached = stored
	s.cachedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("config bundle published", map[string]interface{}{"version": stored.Version})
	return stored, nil
}

// LoadYAML parses a YAML-encoded ConfigBundle, the format boot-time
// defaults and operator overrides are authored in (mirrors the teacher's
// config.go YAML loading for framework settings).
func LoadYAML(data []byte) (core.ConfigBundle, error) {
	var bundle core.ConfigBundle
	if err := yaml.Unmarshal(data, &bundle); err != nil {
		return core.ConfigBundle{}, core.NewError("configstore.LoadYAML", core.CodeConfigError, "invalid config YAML", err)
	}
	if err := bundle.Synthesis.Validate(); err != nil {
		return core.ConfigBundle{}, err
	}
	return bundle, nil
}
