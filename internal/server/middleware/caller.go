package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/aetherwave/internal/crypto"
	"github.com/alanyoungcy/aetherwave/internal/domain"
)

// Caller identity headers.
const (
	HeaderAddress   = "X-Aether-Address"
	HeaderTimestamp = "X-Aether-Timestamp"
	HeaderNonce     = "X-Aether-Nonce"
	HeaderSignature = "X-Aether-Signature"
)

const maxNonceLen = 128

var (
	errUnverified = errors.New("request signature not verified")
	errReplayed   = errors.New("request nonce already used")
)

type callerKey struct{}

// WithCaller returns a context carrying an authenticated caller.
func WithCaller(ctx context.Context, owner domain.Owner) context.Context {
	if info, ok := ctx.Value(requestInfoKey{}).(*requestInfo); ok {
		info.caller = owner
	}
	return context.WithValue(ctx, callerKey{}, owner)
}

// CallerFrom returns the caller attached by the Caller middleware.
func CallerFrom(ctx context.Context) (domain.Owner, bool) {
	owner, ok := ctx.Value(callerKey{}).(domain.Owner)
	return owner, ok && owner != ""
}

// CallerConfig controls how request signatures are checked.
type CallerConfig struct {
	// RequireSignature makes the signature headers mandatory. When false the
	// address header is trusted as is, which only suits a private network.
	RequireSignature bool
	MaxSkew          time.Duration
	// Nonces rejects a signed request whose nonce was seen before. Nil
	// disables replay protection.
	Nonces domain.NonceStore
	Now    func() time.Time
}

// Caller returns middleware that identifies the caller of each request.
//
// A request without an address header passes through anonymously; handlers
// that need a caller reject it. A request with an address must, when
// signatures are required, carry a unix timestamp within MaxSkew, a nonce
// not used before and an EIP-191 signature by that address over the method,
// path, timestamp, nonce and body hash.
func Caller(cfg CallerConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxSkew <= 0 {
		cfg.MaxSkew = 30 * time.Second
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr := strings.TrimSpace(r.Header.Get(HeaderAddress))
			if addr == "" {
				next.ServeHTTP(w, r)
				return
			}

			owner, err := crypto.ParseOwner(addr)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid caller address")
				return
			}

			if cfg.RequireSignature {
				nonce, err := verifyRequest(r, owner, cfg)
				if err == nil {
					err = claimNonce(r.Context(), cfg.Nonces, owner, nonce, cfg.MaxSkew)
				}
				if err != nil && !errors.Is(err, errReplayed) && !errors.Is(err, errUnverified) {
					logger.ErrorContext(r.Context(), "caller nonce check failed",
						slog.String("caller", string(owner)),
						slog.String("error", err.Error()),
					)
					writeError(w, http.StatusServiceUnavailable, "caller verification unavailable")
					return
				}
				if err != nil {
					logger.WarnContext(r.Context(), "caller signature rejected",
						slog.String("caller", string(owner)),
						slog.String("path", r.URL.Path),
						slog.String("error", err.Error()),
					)
					writeError(w, http.StatusUnauthorized, "invalid caller signature")
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), owner)))
		})
	}
}

// verifyRequest checks the timestamp and signature of r and returns its
// nonce. Every failure wraps errUnverified.
func verifyRequest(r *http.Request, owner domain.Owner, cfg CallerConfig) (string, error) {
	ts, err := strconv.ParseInt(strings.TrimSpace(r.Header.Get(HeaderTimestamp)), 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: bad timestamp", errUnverified)
	}
	if err := crypto.CheckTimestamp(ts, cfg.Now(), cfg.MaxSkew); err != nil {
		return "", fmt.Errorf("%w: %v", errUnverified, err)
	}
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	if nonce == "" || len(nonce) > maxNonceLen {
		return "", fmt.Errorf("%w: missing or oversized nonce", errUnverified)
	}
	body, err := bufferBody(r)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errUnverified, err)
	}
	payload := crypto.RequestPayload(r.Method, r.URL.Path, ts, nonce, body)
	if err := crypto.Verify(payload, r.Header.Get(HeaderSignature), owner); err != nil {
		return "", fmt.Errorf("%w: %v", errUnverified, err)
	}
	return nonce, nil
}

// claimNonce records nonce for owner. A timestamp stays acceptable for
// maxSkew either side of now, so the claim must outlive twice that.
func claimNonce(ctx context.Context, nonces domain.NonceStore, owner domain.Owner, nonce string, maxSkew time.Duration) error {
	if nonces == nil {
		return nil
	}
	fresh, err := nonces.Claim(ctx, "caller:"+string(owner)+":"+nonce, 2*maxSkew)
	if err != nil {
		return err
	}
	if !fresh {
		return errReplayed
	}
	return nil
}
