package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/aetherwave/internal/crypto"
	"github.com/alanyoungcy/aetherwave/internal/domain"
	"github.com/alanyoungcy/aetherwave/internal/ledger"
)

// Ledger is the part of the ledger service the HTTP API uses.
type Ledger interface {
	Execute(ctx context.Context, caller domain.Owner, op domain.Operation) (ledger.Result, error)
	User(ctx context.Context, owner domain.Owner) (domain.User, error)
	Market(ctx context.Context, id domain.MarketID) (domain.Market, error)
	Markets(ctx context.Context) ([]domain.Market, error)
	AuditLog(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error)
}

// LedgerHandler serves user, market and audit endpoints.
type LedgerHandler struct {
	svc    Ledger
	logger *slog.Logger
}

// NewLedgerHandler creates a LedgerHandler.
func NewLedgerHandler(svc Ledger, logger *slog.Logger) *LedgerHandler {
	return &LedgerHandler{svc: svc, logger: logger.With(slog.String("handler", "ledger"))}
}

type depositRequest struct {
	Amount domain.Amount `json:"amount"`
}

type createMarketRequest struct {
	Description string     `json:"description"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

type betRequest struct {
	Side   domain.BetSide `json:"side"`
	Amount domain.Amount  `json:"amount"`
}

type resolveRequest struct {
	Outcome *bool `json:"outcome"`
}

type resolveResponse struct {
	Market     domain.Market      `json:"market"`
	Settlement *domain.Settlement `json:"settlement"`
}

// Register creates a zero-balance user for the caller. Registering twice is
// harmless.
// POST /api/users/register
func (h *LedgerHandler) Register(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	if _, err := h.svc.Execute(r.Context(), caller, domain.Operation{Kind: domain.OpRegisterUser}); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	h.writeUser(w, r, caller, http.StatusOK)
}

// Deposit credits the caller's balance.
// POST /api/deposits
func (h *LedgerHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req depositRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	op := domain.Operation{Kind: domain.OpDeposit, Amount: req.Amount}
	if _, err := h.svc.Execute(r.Context(), caller, op); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	h.writeUser(w, r, caller, http.StatusOK)
}

// CreateMarket opens a market created by the caller.
// POST /api/markets
func (h *LedgerHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req createMarketRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(time.Now()) {
		writeError(w, http.StatusBadRequest, "expires_at must be in the future")
		return
	}
	op := domain.Operation{Kind: domain.OpCreateMarket, Description: req.Description, ExpiresAt: req.ExpiresAt}
	res, err := h.svc.Execute(r.Context(), caller, op)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	h.writeMarket(w, r, res.MarketID, http.StatusCreated)
}

// ListMarkets lists markets by ascending ID, optionally filtered by status.
// GET /api/markets?status=open
func (h *LedgerHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := h.svc.Markets(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if status := domain.MarketStatus(r.URL.Query().Get("status")); status != "" {
		filtered := markets[:0]
		for _, m := range markets {
			if m.Status == status {
				filtered = append(filtered, m)
			}
		}
		markets = filtered
	}
	if markets == nil {
		markets = []domain.Market{}
	}
	writeJSON(w, http.StatusOK, markets)
}

// GetMarket returns a single market.
// GET /api/markets/{id}
func (h *LedgerHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id, err := marketIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.writeMarket(w, r, id, http.StatusOK)
}

// PlaceBet stakes part of the caller's balance on one side of a market.
// POST /api/markets/{id}/bets
func (h *LedgerHandler) PlaceBet(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, err := marketIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req betRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	op := domain.Operation{Kind: domain.OpPlaceBet, MarketID: id, Side: req.Side, Amount: req.Amount}
	if _, err := h.svc.Execute(r.Context(), caller, op); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	h.writeUser(w, r, caller, http.StatusCreated)
}

// CloseMarket stops a market from taking bets.
// POST /api/markets/{id}/close
func (h *LedgerHandler) CloseMarket(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, err := marketIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := h.svc.Execute(r.Context(), caller, domain.Operation{Kind: domain.OpCloseMarket, MarketID: id}); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	h.writeMarket(w, r, id, http.StatusOK)
}

// ResolveMarket records a market's outcome and settles its bets.
// POST /api/markets/{id}/resolve
func (h *LedgerHandler) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, err := marketIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req resolveRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Outcome == nil {
		writeError(w, http.StatusBadRequest, "outcome is required")
		return
	}

	op := domain.Operation{Kind: domain.OpResolveMarket, MarketID: id, Outcome: *req.Outcome}
	res, err := h.svc.Execute(r.Context(), caller, op)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	m, err := h.svc.Market(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, resolveResponse{Market: m, Settlement: res.Settlement})
}

// GetUser returns a user's balance and active bets.
// GET /api/users/{owner}
func (h *LedgerHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	owner, err := crypto.ParseOwner(r.PathValue("owner"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.writeUser(w, r, owner, http.StatusOK)
}

// ListAudit returns audit entries newest first.
// GET /api/audit?limit=50&offset=0&since=...&until=...
func (h *LedgerHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := h.svc.AuditLog(r.Context(), opts)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *LedgerHandler) writeUser(w http.ResponseWriter, r *http.Request, owner domain.Owner, status int) {
	u, err := h.svc.User(r.Context(), owner)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, status, u)
}

func (h *LedgerHandler) writeMarket(w http.ResponseWriter, r *http.Request, id domain.MarketID, status int) {
	m, err := h.svc.Market(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, status, m)
}
