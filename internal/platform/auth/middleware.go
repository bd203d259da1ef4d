package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/serveml-labs/serveml-go/internal/platform/httpserver"
)

// Middleware authenticates every request and stores the resulting identity
// in the request context. Health endpoints are skipped so probes never need
// credentials.
type Middleware struct {
	Logger        *slog.Logger
	Authenticator Authenticator
	SkipPrefixes  []string
}

func (m Middleware) Wrap(next http.Handler) http.Handler {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range m.SkipPrefixes {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		identity, err := m.Authenticator.Authenticate(r.Context(), r)
		if err != nil {
			if errors.Is(err, ErrUnauthenticated) {
				httpserver.WriteJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
				return
			}
			logger.Error("authentication failed", "path", r.URL.Path, "error", err)
			httpserver.WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal_server_error"})
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), identity)))
	})
}

// AuthenticatorFor builds the authenticator matching the configured mode.
func AuthenticatorFor(ctx context.Context, cfg Config) (Authenticator, error) {
	switch cfg.Mode {
	case ModeOIDC:
		return NewOIDCAuthenticator(ctx, cfg)
	case ModeDev:
		return NewDevAuthenticator(cfg), nil
	case ModeDisabled:
		return AnonymousAuthenticator{}, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode: %q", cfg.Mode)
	}
}
