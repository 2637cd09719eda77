package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"clinsalud.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// Endpoints reachable without a session. Login and refresh obviously;
// route-decision serves the frontend middleware for anonymous visitors too.
var publicPaths = []string{
	"/v1/auth/login",
	"/v1/auth/refresh",
	"/v1/auth/route-decision",
	"/v1/info",
	"/metrics",
	"/healthz",
	"/readyz",
	"/",
}

// withSession hydrates the session claim from the bearer token. Public
// paths pass through either way, but still get the claim attached when a
// valid token is present (route-decision needs it).
func (a *API) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		token, tokenErr := extractBearerToken(r.Header.Get(authHeader))
		if tokenErr == nil {
			claim, err := auth.ParseSessionToken(token)
			if err == nil {
				ctx := auth.ContextWithClaim(r.Context(), claim)
				ctx = auth.ContextWithToken(ctx, token)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			if !isPublicPath(r.URL.Path) {
				writeError(w, r, http.StatusUnauthorized, "invalid session token")
				return
			}
		}

		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		writeError(w, r, http.StatusUnauthorized, "missing session token")
	})
}

// requireClaim fetches the session claim or writes a 401.
func requireClaim(w http.ResponseWriter, r *http.Request) (auth.Claim, bool) {
	claim, ok := auth.ClaimFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return auth.Claim{}, false
	}
	return claim, true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
