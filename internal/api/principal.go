package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/seantiz/crucible/internal/model"
)

const (
	headerTenant = "X-Tenant"
	headerUser   = "X-User"
	headerRole   = "X-Role"
)

type principalKey struct{}

// requirePrincipal reads the authenticated user from the headers set by the
// fronting gateway. Tenant and user are mandatory.
func (s *Server) requirePrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := model.Principal{
			Tenant: strings.TrimSpace(r.Header.Get(headerTenant)),
			User:   strings.TrimSpace(r.Header.Get(headerUser)),
			Role:   strings.TrimSpace(r.Header.Get(headerRole)),
		}
		if p.Tenant == "" || p.User == "" {
			s.writeError(w, http.StatusUnauthorized, "missing "+headerTenant+" or "+headerUser+" header")
			return
		}
		ctx := context.WithValue(r.Context(), principalKey{}, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func principalFrom(ctx context.Context) model.Principal {
	p, _ := ctx.Value(principalKey{}).(model.Principal)
	return p
}
