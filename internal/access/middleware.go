package access

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/partsbay/partsbay/internal/shared"
)

// Decider is the part of Service the middleware depends on.
type Decider interface {
	Decide(ctx context.Context, req Request) (Decision, error)
	Feature(ctx context.Context, principalID int64, code string) (Decision, error)
	Module(ctx context.Context, principalID int64, key string) (Decision, error)
}

// Middleware wires access checks into HTTP handlers. Requests without a
// principal or with a denied decision get 403; storage failures get 500.
type Middleware struct {
	Service Decider
	Logger  *slog.Logger
}

// RequireCapability ensures the current principal may perform action on capability.
func (m Middleware) RequireCapability(capability string, action Action) func(http.Handler) http.Handler {
	return m.require("require capability", func(ctx context.Context, principalID int64) (Decision, error) {
		return m.Service.Decide(ctx, Request{PrincipalID: principalID, Capability: capability, Action: action})
	})
}

// RequireModule ensures the module is enabled and accessible to the current principal.
func (m Middleware) RequireModule(key string) func(http.Handler) http.Handler {
	return m.require("require module", func(ctx context.Context, principalID int64) (Decision, error) {
		return m.Service.Module(ctx, principalID, key)
	})
}

// RequireFeature ensures the feature is visible to the current principal.
func (m Middleware) RequireFeature(code string) func(http.Handler) http.Handler {
	return m.require("require feature", func(ctx context.Context, principalID int64) (Decision, error) {
		return m.Service.Feature(ctx, principalID, code)
	})
}

func (m Middleware) require(op string, check func(context.Context, int64) (Decision, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principalID, ok := shared.PrincipalFromContext(r.Context())
			if !ok {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			d, err := check(r.Context(), principalID)
			if err != nil {
				if m.Logger != nil {
					m.Logger.Error(op, slog.Int64("principal_id", principalID), slog.Any("error", err))
				}
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			if !d.Allowed() {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
