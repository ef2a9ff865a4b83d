package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

type contextKey string

const principalKey contextKey = "principal"

// Principal is the identity the hosting platform's authentication gate
// forwards with each request. This service consumes it; it never performs
// authentication itself.
type Principal struct {
	IdentityProvider string   `json:"identityProvider"`
	UserID           string   `json:"userId"`
	UserDetails      string   `json:"userDetails"`
	UserRoles        []string `json:"userRoles"`
}

// RequirePrincipal rejects requests that arrive without the platform's
// base64-encoded principal header.
func RequirePrincipal() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get("x-ms-client-principal")
			if raw == "" {
				writeError(w, http.StatusUnauthorized, "missing client principal")
				return
			}

			decoded, err := base64.StdEncoding.DecodeString(raw)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "malformed client principal")
				return
			}
			var p Principal
			if err := json.Unmarshal(decoded, &p); err != nil || p.UserID == "" {
				log.Debug().Err(err).Msg("Rejected unparsable client principal")
				writeError(w, http.StatusUnauthorized, "malformed client principal")
				return
			}

			ctx := context.WithValue(r.Context(), principalKey, &p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// PrincipalFromContext returns the caller identity set by RequirePrincipal.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok
}
