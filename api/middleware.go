package api

import (
	"context"
	"net/http"
)

type principalContextKey struct{}

// withAuth authenticates the request before any other validation runs
// (spec §8 property 8), attaching the resolved Principal to the request
// context for handlers to read via principalFrom.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, authErr := s.auth.Authenticate(r.Context(), r)
		if authErr != nil {
			writeError(w, r, authErr)
			return
		}
		ctx := context.WithValue(r.Context(), principalContextKey{}, principal)
		next(w, r.WithContext(ctx))
	}
}

func principalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalContextKey{}).(*Principal)
	return p
}
