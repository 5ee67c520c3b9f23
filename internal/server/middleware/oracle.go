package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/aetherwave/internal/crypto"
	"github.com/alanyoungcy/aetherwave/internal/domain"
)

// OracleOwner is the caller recorded for requests authenticated by the
// oracle secret alone.
const OracleOwner domain.Owner = "oracle"

// OracleConfig lists who may close and resolve markets.
type OracleConfig struct {
	Auth      crypto.OracleAuth
	Resolvers []domain.Owner
	Now       func() time.Time
}

// Oracle returns middleware guarding market administration. A request is let
// through when it carries a valid oracle HMAC or comes from a listed resolver.
// With neither a secret nor resolvers configured any identified caller may
// pass.
func Oracle(cfg OracleConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	resolvers := make(map[domain.Owner]bool, len(cfg.Resolvers))
	for _, r := range cfg.Resolvers {
		if owner, err := crypto.ParseOwner(string(r)); err == nil {
			resolvers[owner] = true
		}
	}
	open := !cfg.Auth.Enabled() && len(resolvers) == 0

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, identified := CallerFrom(r.Context())

			if cfg.Auth.Enabled() && r.Header.Get(crypto.HeaderOracleSignature) != "" {
				body, err := bufferBody(r)
				if err == nil {
					err = cfg.Auth.Verify(r.Header, r.Method, r.URL.Path, body, cfg.Now())
				}
				if err != nil {
					logger.WarnContext(r.Context(), "oracle signature rejected",
						slog.String("path", r.URL.Path),
						slog.String("error", err.Error()),
					)
					writeError(w, http.StatusUnauthorized, "invalid oracle signature")
					return
				}
				if !identified {
					r = r.WithContext(WithCaller(r.Context(), OracleOwner))
				}
				next.ServeHTTP(w, r)
				return
			}

			switch {
			case !identified:
				writeError(w, http.StatusUnauthorized, "caller required")
			case open || resolvers[caller]:
				next.ServeHTTP(w, r)
			default:
				writeError(w, http.StatusForbidden, "caller may not administer markets")
			}
		})
	}
}
