package configstore

import (
	"context"
	"sync"

	"github.com/alias8818/CouncilRouter-sub001/core"
)

// MemoryBackend is an in-process Backend for tests and local development,
// modeled on the teacher's in-memory test doubles (e.g. orchestrator_test's
// MockAIClient) applied to the versioned-config boundary instead of an AI
// client.
type MemoryBackend struct {
	mu      sync.Mutex
	active  *core.ConfigBundle
	nextVer int
	presets map[string]core.ConfigBundle
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend seeds the backend with an initial active bundle
// (version 1) and a set of named presets.
func NewMemoryBackend(initial core.ConfigBundle, presets map[string]core.ConfigBundle) *MemoryBackend {
	initial.Version = 1
	return &MemoryBackend{
		active:  &initial,
		nextVer: 2,
		presets: presets,
	}
}

func (b *MemoryBackend) ActiveBundle(ctx context.Context) (*core.ConfigBundle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active == nil {
		return nil, core.ErrNotFound
	}
	cp := *b.active
	return &cp, nil
}

func (b *MemoryBackend) PublishBundle(ctx context.Context, bundle core.ConfigBundle) (*core.ConfigBundle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bundle.Version = b.nextVer
	b.nextVer++
	b.active = &bundle
	cp := bundle
	return &cp, nil
}

func (b *MemoryBackend) Preset(ctx context.Context, name string) (*core.ConfigBundle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bundle, ok := b.presets[name]
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := bundle
	return &cp, nil
}
