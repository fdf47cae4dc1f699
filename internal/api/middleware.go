package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/coordcore/coordinator/internal/auth"
)

type contextKey string

const principalKey contextKey = "principal"

// principalFrom returns the authenticated principal attached by requireScope.
func principalFrom(ctx context.Context) *auth.Principal {
	p, _ := ctx.Value(principalKey).(*auth.Principal)
	return p
}

// requireScope authenticates the bearer token and checks the principal's
// scope against the allowed set. Admin passes every check.
func (s *Server) requireScope(next http.HandlerFunc, scopes ...auth.Scope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		p, err := s.validator.Validate(token, sourceAddr(r))
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrRateLimited):
				writeError(w, http.StatusTooManyRequests, ErrTooManyRequests, "too many failed authentications")
			case errors.Is(err, auth.ErrExpiredToken):
				writeError(w, http.StatusUnauthorized, ErrUnauthenticated, "token expired")
			case errors.Is(err, auth.ErrDisabledToken):
				writeError(w, http.StatusUnauthorized, ErrUnauthenticated, "token disabled")
			default:
				writeError(w, http.StatusUnauthorized, ErrUnauthenticated, "invalid credentials")
			}
			return
		}

		if p.Scope != auth.ScopeAdmin {
			allowed := false
			for _, sc := range scopes {
				if p.Scope == sc {
					allowed = true
					break
				}
			}
			if !allowed {
				writeError(w, http.StatusForbidden, ErrForbidden, "scope not permitted for this plane")
				return
			}
		}

		next(w, r.WithContext(context.WithValue(r.Context(), principalKey, p)))
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// sourceAddr is the fail-limiter key: the remote IP without the port.
func sourceAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
