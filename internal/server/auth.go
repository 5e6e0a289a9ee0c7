package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"lyncmos/internal/engine/auth"
)

// PlatformKeyHeader carries the consumer's platform key.
const PlatformKeyHeader = "X-Platform-Key"

type platformKeyKey struct{}

func withPlatformKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, platformKeyKey{}, key)
}

func platformKeyFromContext(ctx context.Context) string {
	key, _ := ctx.Value(platformKeyKey{}).(string)
	return key
}

// newPlatformKeyMiddleware lifts the platform key into the request context.
// Endpoints decide themselves whether they need one.
func newPlatformKeyMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			key := strings.TrimSpace(req.Header.Get(PlatformKeyHeader))
			if key == "" {
				next.ServeHTTP(w, req)
				return
			}
			next.ServeHTTP(w, req.WithContext(withPlatformKey(req.Context(), key)))
		})
	}
}

// requireCapability authorizes the request's platform key.
func requireCapability(ctx context.Context, svc auth.Service, capability string) (auth.ConsumerIdentity, error) {
	return svc.Authorize(platformKeyFromContext(ctx), capability)
}

func newRequestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, req.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, req)
			log.WithFields(logrus.Fields{
				"method":     req.Method,
				"path":       req.URL.Path,
				"status":     ww.Status(),
				"duration":   time.Since(start).String(),
				"request_id": middleware.GetReqID(req.Context()),
			}).Debug("http: request")
		})
	}
}
