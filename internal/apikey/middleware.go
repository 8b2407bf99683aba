package apikey

import (
	"context"
	"net/http"
	"strconv"

	"github.com/allyourbase/smsgw/internal/httputil"
	"github.com/allyourbase/smsgw/internal/store"
)

type ctxKey struct{}

// Middleware implements spec.md §4.7 in full: bearer extraction, prefix
// lookup + verify, hourly rate limit, response headers, and the async
// last_used_at touch. On success the matched ApiKey is attached to the
// request context for downstream handlers (message creation, listing).
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		values := r.Header.Values("X-Api-Key")
		if len(values) == 0 {
			writeAuthError(w, "Missing API key")
			return
		}
		if len(values) > 1 {
			writeAuthError(w, "Multiple API keys provided")
			return
		}
		presented := values[0]
		if presented == "" {
			writeAuthError(w, "Missing API key")
			return
		}

		key, err := s.store.FindByPrefixAndVerify(r.Context(), presented)
		if err != nil {
			writeAuthError(w, "Invalid API key")
			return
		}

		limit := s.effectiveLimit(key)
		allowed, remaining, reset := s.limiter.Allow(key.ID, limit)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))

		if !allowed {
			httputil.WriteJSON(w, http.StatusTooManyRequests, map[string]string{"error": "Rate limit exceeded"})
			return
		}

		s.queueTouch(key.ID)

		ctx := context.WithValue(r.Context(), ctxKey{}, key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeAuthError(w http.ResponseWriter, message string) {
	httputil.WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": message})
}

// FromContext retrieves the authenticated ApiKey from a request context
// processed by Middleware. Returns nil if absent.
func FromContext(ctx context.Context) *store.ApiKey {
	key, _ := ctx.Value(ctxKey{}).(*store.ApiKey)
	return key
}
