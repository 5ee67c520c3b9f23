package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alanyoungcy/aetherwave/internal/crypto"
	"github.com/alanyoungcy/aetherwave/internal/domain"
	"github.com/alanyoungcy/aetherwave/internal/server/handler"
	"github.com/alanyoungcy/aetherwave/internal/server/middleware"
	"github.com/alanyoungcy/aetherwave/internal/service"
	"github.com/alanyoungcy/aetherwave/internal/store/memory"
)

const (
	aliceKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	alice    = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	bob      = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	maker    = "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHandler(t *testing.T, cfg Config, checks map[string]handler.HealthCheck) http.Handler {
	t.Helper()
	logger := discardLogger()
	store := memory.New()
	svc := service.NewLedgerService(service.LedgerConfig{LedgerID: "main"}, service.LedgerDeps{
		Store: store,
		Audit: store,
	}, logger)
	return NewHandler(cfg, Handlers{
		Health: handler.NewHealthHandler("main", checks, logger),
		Ledger: handler.NewLedgerHandler(svc, logger),
	}, nil, logger)
}

func do(t *testing.T, h http.Handler, method, path, caller, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if caller != "" {
		req.Header.Set(middleware.HeaderAddress, caller)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status=%d want %d body=%s", rec.Code, want, rec.Body.String())
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return v
}

func fund(t *testing.T, h http.Handler, owner, amount string) {
	t.Helper()
	expectStatus(t, do(t, h, http.MethodPost, "/api/users/register", owner, ""), http.StatusOK)
	expectStatus(t, do(t, h, http.MethodPost, "/api/deposits", owner, `{"amount":"`+amount+`"}`), http.StatusOK)
}

func TestMarketLifecycleOverHTTP(t *testing.T) {
	h := newTestHandler(t, Config{}, nil)
	fund(t, h, alice, "100")
	fund(t, h, bob, "100")

	rec := do(t, h, http.MethodPost, "/api/markets", maker, `{"description":"rain tomorrow?"}`)
	expectStatus(t, rec, http.StatusCreated)
	m := decode[domain.Market](t, rec)
	if m.ID != 1 || m.Status != domain.MarketStatusOpen || m.Creator != maker {
		t.Fatalf("market=%+v", m)
	}

	expectStatus(t, do(t, h, http.MethodPost, "/api/markets/1/bets", alice, `{"side":"yes","amount":"60"}`), http.StatusCreated)
	rec = do(t, h, http.MethodPost, "/api/markets/1/bets", bob, `{"side":"no","amount":"40"}`)
	expectStatus(t, rec, http.StatusCreated)
	if u := decode[domain.User](t, rec); u.Balance != domain.Tokens(60) || len(u.ActiveBets) != 1 {
		t.Fatalf("bob after bet=%+v", u)
	}

	rec = do(t, h, http.MethodGet, "/api/markets?status=open", "", "")
	expectStatus(t, rec, http.StatusOK)
	if ms := decode[[]domain.Market](t, rec); len(ms) != 1 || ms[0].TotalPool() != domain.Tokens(100) {
		t.Fatalf("open markets=%+v", ms)
	}

	expectStatus(t, do(t, h, http.MethodPost, "/api/markets/1/close", maker, ""), http.StatusOK)
	expectStatus(t, do(t, h, http.MethodPost, "/api/markets/1/bets", alice, `{"side":"yes","amount":"1"}`), http.StatusConflict)

	rec = do(t, h, http.MethodPost, "/api/markets/1/resolve", maker, `{"outcome":true}`)
	expectStatus(t, rec, http.StatusOK)
	res := decode[struct {
		Market     domain.Market     `json:"market"`
		Settlement domain.Settlement `json:"settlement"`
	}](t, rec)
	if res.Market.Status != domain.MarketStatusResolved || len(res.Settlement.Payouts) != 1 {
		t.Fatalf("resolve=%+v", res)
	}

	rec = do(t, h, http.MethodGet, "/api/users/"+alice, "", "")
	expectStatus(t, rec, http.StatusOK)
	if u := decode[domain.User](t, rec); u.Balance != domain.Tokens(140) || len(u.ActiveBets) != 0 {
		t.Fatalf("alice=%+v", u)
	}

	expectStatus(t, do(t, h, http.MethodPost, "/api/markets/1/resolve", maker, `{"outcome":false}`), http.StatusConflict)

	rec = do(t, h, http.MethodGet, "/api/audit?limit=2", "", "")
	expectStatus(t, rec, http.StatusOK)
	if entries := decode[[]domain.AuditEntry](t, rec); len(entries) != 2 || entries[0].Event != string(domain.OpResolveMarket) {
		t.Fatalf("audit=%+v", entries)
	}
}

func TestCreateMarketWithExpiry(t *testing.T) {
	h := newTestHandler(t, Config{}, nil)
	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	rec := do(t, h, http.MethodPost, "/api/markets", maker,
		`{"description":"by the hour","expires_at":"`+expires.Format(time.RFC3339)+`"}`)
	expectStatus(t, rec, http.StatusCreated)
	m := decode[domain.Market](t, rec)
	if m.ExpiresAt == nil || !m.ExpiresAt.Equal(expires) {
		t.Fatalf("expires_at=%v want %v", m.ExpiresAt, expires)
	}

	expectStatus(t, do(t, h, http.MethodPost, "/api/markets", maker,
		`{"description":"too late","expires_at":"2001-01-01T00:00:00Z"}`), http.StatusBadRequest)
}

func TestErrorStatusMapping(t *testing.T) {
	h := newTestHandler(t, Config{}, nil)
	fund(t, h, alice, "10")

	tests := []struct {
		name   string
		method string
		path   string
		caller string
		body   string
		want   int
	}{
		{"no caller", http.MethodPost, "/api/deposits", "", `{"amount":"1"}`, http.StatusUnauthorized},
		{"bad caller", http.MethodPost, "/api/deposits", "alice", `{"amount":"1"}`, http.StatusUnauthorized},
		{"deposit unregistered", http.MethodPost, "/api/deposits", bob, `{"amount":"1"}`, http.StatusNotFound},
		{"unknown market", http.MethodPost, "/api/markets/9/bets", alice, `{"side":"yes","amount":"1"}`, http.StatusNotFound},
		{"insufficient", http.MethodPost, "/api/markets/9/bets", alice, `{"side":"yes","amount":"11"}`, http.StatusConflict},
		{"zero amount", http.MethodPost, "/api/markets/9/bets", alice, `{"side":"yes","amount":"0"}`, http.StatusBadRequest},
		{"bad side", http.MethodPost, "/api/markets/9/bets", alice, `{"side":"maybe","amount":"1"}`, http.StatusBadRequest},
		{"negative amount", http.MethodPost, "/api/deposits", alice, `{"amount":"-1"}`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/deposits", alice, `{"amount":"1","bonus":"5"}`, http.StatusBadRequest},
		{"bad market id", http.MethodGet, "/api/markets/abc", "", "", http.StatusBadRequest},
		{"missing market", http.MethodGet, "/api/markets/4", "", "", http.StatusNotFound},
		{"missing outcome", http.MethodPost, "/api/markets/1/resolve", alice, `{}`, http.StatusBadRequest},
		{"bad owner", http.MethodGet, "/api/users/nobody", "", "", http.StatusBadRequest},
		{"unknown user", http.MethodGet, "/api/users/" + maker, "", "", http.StatusNotFound},
		{"bad audit since", http.MethodGet, "/api/audit?since=yesterday", "", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectStatus(t, do(t, h, tt.method, tt.path, tt.caller, tt.body), tt.want)
		})
	}
}

func TestSignedCaller(t *testing.T) {
	now := time.Unix(1_780_000_000, 0)
	h := newTestHandler(t, Config{
		Caller: middleware.CallerConfig{
			RequireSignature: true,
			MaxSkew:          time.Minute,
			Nonces:           memory.NewNonces(),
			Now:              func() time.Time { return now },
		},
	}, nil)
	signer, err := crypto.NewSigner(aliceKey)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}

	var seq int
	signedWithNonce := func(path, body string, ts int64, nonce string, key *crypto.Signer) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
		req.Header.Set(middleware.HeaderAddress, alice)
		req.Header.Set(middleware.HeaderTimestamp, strconv.FormatInt(ts, 10))
		req.Header.Set(middleware.HeaderNonce, nonce)
		sig, err := key.Sign(crypto.RequestPayload(http.MethodPost, path, ts, nonce, []byte(body)))
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		req.Header.Set(middleware.HeaderSignature, sig)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}
	signed := func(path, body string, ts int64, key *crypto.Signer) *httptest.ResponseRecorder {
		seq++
		return signedWithNonce(path, body, ts, "n-"+strconv.Itoa(seq), key)
	}

	expectStatus(t, signed("/api/users/register", "", now.Unix(), signer), http.StatusOK)
	rec := signed("/api/deposits", `{"amount":"5"}`, now.Unix(), signer)
	expectStatus(t, rec, http.StatusOK)
	if u := decode[domain.User](t, rec); u.Balance != domain.Tokens(5) {
		t.Fatalf("user=%+v", u)
	}

	// Stale timestamp.
	expectStatus(t, signed("/api/deposits", `{"amount":"5"}`, now.Add(-2*time.Minute).Unix(), signer), http.StatusUnauthorized)

	// Address header without a signature.
	expectStatus(t, do(t, h, http.MethodPost, "/api/deposits", alice, `{"amount":"5"}`), http.StatusUnauthorized)

	// Signature by a different key.
	other, _ := crypto.NewSigner("0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d")
	expectStatus(t, signed("/api/deposits", `{"amount":"5"}`, now.Unix(), other), http.StatusUnauthorized)

	// A captured deposit replayed with its original nonce.
	expectStatus(t, signedWithNonce("/api/deposits", `{"amount":"5"}`, now.Unix(), "dep-once", signer), http.StatusOK)
	expectStatus(t, signedWithNonce("/api/deposits", `{"amount":"5"}`, now.Unix(), "dep-once", signer), http.StatusUnauthorized)

	// Missing nonce.
	expectStatus(t, signedWithNonce("/api/deposits", `{"amount":"5"}`, now.Unix(), "", signer), http.StatusUnauthorized)

	rec = do(t, h, http.MethodGet, "/api/users/"+alice, "", "")
	if u := decode[domain.User](t, rec); u.Balance != domain.Tokens(10) {
		t.Fatalf("balance after replay=%s want %s", u.Balance, domain.Tokens(10))
	}
}

type failingNonces struct{}

func (failingNonces) Claim(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("redis down")
}

func TestCallerNonceStoreOutage(t *testing.T) {
	now := time.Unix(1_780_000_000, 0)
	h := newTestHandler(t, Config{
		Caller: middleware.CallerConfig{
			RequireSignature: true,
			MaxSkew:          time.Minute,
			Nonces:           failingNonces{},
			Now:              func() time.Time { return now },
		},
	}, nil)
	signer, _ := crypto.NewSigner(aliceKey)

	ts := now.Unix()
	req := httptest.NewRequest(http.MethodPost, "/api/users/register", nil)
	req.Header.Set(middleware.HeaderAddress, alice)
	req.Header.Set(middleware.HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(middleware.HeaderNonce, "n-1")
	sig, _ := signer.Sign(crypto.RequestPayload(http.MethodPost, "/api/users/register", ts, "n-1", nil))
	req.Header.Set(middleware.HeaderSignature, sig)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	expectStatus(t, rec, http.StatusServiceUnavailable)
}

func TestOracleGuardsMarketAdministration(t *testing.T) {
	oracle := crypto.OracleAuth{Secret: "s3cret", MaxSkew: time.Minute}
	h := newTestHandler(t, Config{
		Oracle: middleware.OracleConfig{Auth: oracle, Resolvers: []domain.Owner{maker}},
	}, nil)
	expectStatus(t, do(t, h, http.MethodPost, "/api/markets", alice, `{"description":"q"}`), http.StatusCreated)

	expectStatus(t, do(t, h, http.MethodPost, "/api/markets/1/close", alice, ""), http.StatusForbidden)
	expectStatus(t, do(t, h, http.MethodPost, "/api/markets/1/close", "", ""), http.StatusUnauthorized)
	expectStatus(t, do(t, h, http.MethodPost, "/api/markets/1/close", maker, ""), http.StatusOK)

	body := []byte(`{"outcome":false}`)
	req := httptest.NewRequest(http.MethodPost, "/api/markets/1/resolve", bytes.NewReader(body))
	oracle.SetHeaders(req, body, time.Now())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	expectStatus(t, rec, http.StatusOK)

	req = httptest.NewRequest(http.MethodPost, "/api/markets/1/resolve", bytes.NewReader(body))
	req.Header.Set(crypto.HeaderOracleTimestamp, strconv.FormatInt(time.Now().Unix(), 10))
	req.Header.Set(crypto.HeaderOracleSignature, "Zm9yZ2Vk")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	expectStatus(t, rec, http.StatusUnauthorized)
}

func TestAPIKeyAndHealth(t *testing.T) {
	failing := errors.New("connection refused")
	h := newTestHandler(t, Config{APIKey: "k"}, map[string]handler.HealthCheck{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return failing },
	})

	rec := do(t, h, http.MethodGet, "/api/health", "", "")
	expectStatus(t, rec, http.StatusServiceUnavailable)
	health := decode[struct {
		Status       string            `json:"status"`
		Dependencies map[string]string `json:"dependencies"`
	}](t, rec)
	if health.Status != "degraded" || health.Dependencies["postgres"] != "ok" || health.Dependencies["redis"] != failing.Error() {
		t.Fatalf("health=%+v", health)
	}

	expectStatus(t, do(t, h, http.MethodGet, "/api/markets", "", ""), http.StatusUnauthorized)

	req := httptest.NewRequest(http.MethodGet, "/api/markets", nil)
	req.Header.Set("Authorization", "Bearer k")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	expectStatus(t, rec, http.StatusOK)
	if rec.Header().Get(middleware.HeaderRequestID) == "" {
		t.Fatal("missing request id")
	}
	if rec.Body.String() != "[]" {
		t.Fatalf("body=%s", rec.Body.String())
	}
}

type denyLimiter struct{ keys []string }

func (d *denyLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	d.keys = append(d.keys, key)
	return false, nil
}

func TestRateLimitKeysByCaller(t *testing.T) {
	limiter := &denyLimiter{}
	h := newTestHandler(t, Config{RateLimiter: limiter, RateLimit: 5}, nil)

	rec := do(t, h, http.MethodGet, "/api/markets", alice, "")
	expectStatus(t, rec, http.StatusTooManyRequests)
	if len(limiter.keys) != 1 || limiter.keys[0] != "api:owner:0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266" {
		t.Fatalf("keys=%v", limiter.keys)
	}
}
