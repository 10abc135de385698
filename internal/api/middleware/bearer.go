package middleware

import (
	"context"
	"net/http"

	"github.com/identra/identra/internal/oauth"
	"github.com/identra/identra/internal/rbac"
)

type contextKey string

const bearerKey contextKey = "bearer"

// BearerFromContext returns the verified bearer context placed by
// RequireBearer, or nil.
func BearerFromContext(ctx context.Context) *oauth.BearerContext {
	bc, _ := ctx.Value(bearerKey).(*oauth.BearerContext)
	return bc
}

// BearerAuth guards handlers behind a protocol access token. Scope checks
// run against the token, permission checks against the resolved RBAC
// graph of the token's subject.
type BearerAuth struct {
	oauth *oauth.Service
	eval  *rbac.Evaluator
}

func NewBearerAuth(svc *oauth.Service, eval *rbac.Evaluator) *BearerAuth {
	return &BearerAuth{oauth: svc, eval: eval}
}

// Require validates the bearer token and enforces the given scopes and
// permissions. Empty slices skip the respective check.
func (a *BearerAuth) Require(scopes, permissions []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" {
				unauthorized(w, "missing bearer token")
				return
			}
			bearer, err := a.oauth.ValidateBearer(r.Context(), token)
			if err != nil {
				unauthorized(w, "token is invalid or expired")
				return
			}

			for _, scope := range scopes {
				if !hasScope(bearer.Scopes, scope) {
					forbidden(w, "insufficient_scope", "token lacks scope "+scope)
					return
				}
			}

			if len(permissions) > 0 {
				if bearer.UserID == nil {
					forbidden(w, "insufficient_permissions", "token has no user subject")
					return
				}
				results, err := a.eval.AllowsBatch(r.Context(), *bearer.UserID, permissions)
				if err != nil {
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = w.Write([]byte(`{"error":"server_error"}`))
					return
				}
				for _, p := range permissions {
					if !results[p] {
						forbidden(w, "insufficient_permissions", "missing permission "+p)
						return
					}
				}
			}

			next.ServeHTTP(w, r.WithContext(
				context.WithValue(r.Context(), bearerKey, bearer)))
		})
	}
}

func hasScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}

func unauthorized(w http.ResponseWriter, description string) {
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"invalid_token","error_description":"` + description + `"}`))
}

func forbidden(w http.ResponseWriter, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_, _ = w.Write([]byte(`{"error":"` + code + `","error_description":"` + description + `"}`))
}
