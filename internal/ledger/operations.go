package ledger

import (
	"time"

	"github.com/alanyoungcy/aetherwave/internal/domain"
)

// RegisterUser creates a zero-balance user for owner. Registering an
// existing user is a no-op.
func (s *State) RegisterUser(owner domain.Owner) {
	if _, ok := s.users[owner]; ok {
		return
	}
	s.users[owner] = &domain.User{
		Owner:      owner,
		Balance:    0,
		ActiveBets: make(map[domain.MarketID]domain.Bet),
	}
}

// Deposit credits amount to an existing user. The amount is trusted; the
// caller is the value-creation boundary.
func (s *State) Deposit(owner domain.Owner, amount domain.Amount) error {
	u, ok := s.users[owner]
	if !ok {
		return domain.ErrUserNotFound
	}
	u.Balance = u.Balance.SaturatingAdd(amount)
	return nil
}

// CreateMarket registers creator if needed and opens a new market stamped
// with at. A non-nil expiresAt stops the market taking bets from that
// instant. It returns the new market's identifier.
func (s *State) CreateMarket(creator domain.Owner, description string, expiresAt *time.Time, at time.Time) domain.MarketID {
	s.RegisterUser(creator)

	id := s.nextMarketID
	m := &domain.Market{
		ID:          id,
		Description: description,
		Creator:     creator,
		Status:      domain.MarketStatusOpen,
		CreatedAt:   at,
	}
	if expiresAt != nil {
		e := expiresAt.UTC()
		m.ExpiresAt = &e
	}
	s.markets[id] = m
	s.nextMarketID++
	return id
}

// PlaceBet stakes amount from user's balance on one side of a market.
//
// Checks run in a fixed order and stop at the first failure: amount,
// user, balance, market, status. A market past its expiry counts as not
// open. A user holding a bet on the same market
// has it refunded and replaced, so the balance check counts that stake as
// available.
func (s *State) PlaceBet(user domain.Owner, marketID domain.MarketID, side domain.BetSide, amount domain.Amount, at time.Time) error {
	if amount.IsZero() {
		return domain.ErrInvalidBetAmount
	}
	if !side.Valid() {
		return domain.ErrInvalidBetSide
	}

	u, ok := s.users[user]
	if !ok {
		return domain.ErrUserNotFound
	}

	prior, hasPrior := u.ActiveBets[marketID]
	available := u.Balance
	if hasPrior {
		available = available.SaturatingAdd(prior.Amount)
	}
	if available < amount {
		return domain.ErrInsufficientBalance
	}

	m, ok := s.markets[marketID]
	if !ok {
		return domain.ErrMarketNotFound
	}
	if m.Status != domain.MarketStatusOpen || m.Expired(at) {
		return domain.ErrMarketNotOpen
	}

	if hasPrior {
		u.Balance = u.Balance.SaturatingAdd(prior.Amount)
		debitPool(m, prior.Side, prior.Amount)
	}

	u.Balance = u.Balance.SaturatingSub(amount)
	creditPool(m, side, amount)

	u.ActiveBets[marketID] = domain.Bet{
		User:     user,
		MarketID: marketID,
		Side:     side,
		Amount:   amount,
		PlacedAt: at,
	}
	return nil
}

// CloseMarket stops an open market from taking further bets. Active bets
// remain until the market is resolved.
func (s *State) CloseMarket(marketID domain.MarketID, at time.Time) error {
	m, ok := s.markets[marketID]
	if !ok {
		return domain.ErrMarketNotFound
	}
	if m.Status != domain.MarketStatusOpen {
		return domain.ErrMarketNotOpen
	}
	m.Status = domain.MarketStatusClosed
	m.ClosedAt = &at
	return nil
}

// ResolveMarket records the outcome of an open or closed market and settles
// every bet on it. Resolving a market twice fails with ErrMarketNotOpen.
func (s *State) ResolveMarket(marketID domain.MarketID, outcome bool, at time.Time) (domain.Settlement, error) {
	m, ok := s.markets[marketID]
	if !ok {
		return domain.Settlement{}, domain.ErrMarketNotFound
	}
	if m.Status == domain.MarketStatusResolved {
		return domain.Settlement{}, domain.ErrMarketNotOpen
	}

	m.Status = domain.MarketStatusResolved
	m.Resolution = &outcome
	m.ResolvedAt = &at

	return s.distribute(m, outcome), nil
}

func creditPool(m *domain.Market, side domain.BetSide, amount domain.Amount) {
	if side == domain.BetSideYes {
		m.YesPool = m.YesPool.SaturatingAdd(amount)
		return
	}
	m.NoPool = m.NoPool.SaturatingAdd(amount)
}

func debitPool(m *domain.Market, side domain.BetSide, amount domain.Amount) {
	if side == domain.BetSideYes {
		m.YesPool = m.YesPool.SaturatingSub(amount)
		return
	}
	m.NoPool = m.NoPool.SaturatingSub(amount)
}
