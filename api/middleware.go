package api

import (
	"context"
	"net/http"
)

type contextKey int

const identityKey contextKey = iota

// identityHeader names the authenticated principal established by the
// deployment's front-end authentication layer. Identity issuance itself is
// outside this service; the header is trusted input from that layer.
const identityHeader = "X-Identity"

// RequireIdentity rejects requests that carry no authenticated principal
// and stores the identity on the request context.
func (a *API) RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(identityHeader)
		if id == "" {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		ctx := context.WithValue(r.Context(), identityKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func identityFromContext(ctx context.Context) string {
	id, _ := ctx.Value(identityKey).(string)
	return id
}
