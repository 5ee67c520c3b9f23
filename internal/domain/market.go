package domain

import "time"

// Owner is an opaque, globally unique principal. At the HTTP and message
// boundaries it is a checksummed Ethereum address.
type Owner string

// MarketID identifies a market. Identifiers are assigned in increasing order
// starting at 1 and are never reused.
type MarketID uint64

// BetSide is the outcome a bet backs.
type BetSide string

const (
	BetSideYes BetSide = "yes"
	BetSideNo  BetSide = "no"
)

// Valid reports whether s is a known side.
func (s BetSide) Valid() bool {
	return s == BetSideYes || s == BetSideNo
}

// Wins reports whether a bet on s pays out under outcome.
func (s BetSide) Wins(outcome bool) bool {
	return (s == BetSideYes && outcome) || (s == BetSideNo && !outcome)
}

// MarketStatus represents the lifecycle state of a market.
type MarketStatus string

const (
	MarketStatusOpen     MarketStatus = "open"
	MarketStatusClosed   MarketStatus = "closed"
	MarketStatusResolved MarketStatus = "resolved"
)

// Market is a binary-outcome market with one stake pool per side.
type Market struct {
	ID          MarketID     `json:"id"`
	Description string       `json:"description"`
	Creator     Owner        `json:"creator"`
	YesPool     Amount       `json:"yes_pool"`
	NoPool      Amount       `json:"no_pool"`
	Status      MarketStatus `json:"status"`
	Resolution  *bool        `json:"resolution,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	ClosedAt    *time.Time   `json:"closed_at,omitempty"`
	ResolvedAt  *time.Time   `json:"resolved_at,omitempty"`
	ExpiresAt   *time.Time   `json:"expires_at,omitempty"`
}

// TotalPool returns YesPool+NoPool, saturating.
func (m Market) TotalPool() Amount {
	return m.YesPool.SaturatingAdd(m.NoPool)
}

// Expired reports whether m stopped taking bets at or before at.
func (m Market) Expired(at time.Time) bool {
	return m.ExpiresAt != nil && !at.Before(*m.ExpiresAt)
}

// Pool returns the pool backing side.
func (m Market) Pool(side BetSide) Amount {
	if side == BetSideYes {
		return m.YesPool
	}
	return m.NoPool
}

// Bet is a user's single active stake on a market.
type Bet struct {
	User     Owner     `json:"user"`
	MarketID MarketID  `json:"market_id"`
	Side     BetSide   `json:"side"`
	Amount   Amount    `json:"amount"`
	PlacedAt time.Time `json:"placed_at"`
}

// User holds a balance and at most one active bet per market.
type User struct {
	Owner      Owner            `json:"owner"`
	Balance    Amount           `json:"balance"`
	ActiveBets map[MarketID]Bet `json:"active_bets"`
}

// Clone returns a deep copy of u.
func (u User) Clone() User {
	out := u
	out.ActiveBets = make(map[MarketID]Bet, len(u.ActiveBets))
	for id, b := range u.ActiveBets {
		out.ActiveBets[id] = b
	}
	return out
}

// Clone returns a deep copy of m.
func (m Market) Clone() Market {
	out := m
	if m.Resolution != nil {
		r := *m.Resolution
		out.Resolution = &r
	}
	if m.ClosedAt != nil {
		t := *m.ClosedAt
		out.ClosedAt = &t
	}
	if m.ResolvedAt != nil {
		t := *m.ResolvedAt
		out.ResolvedAt = &t
	}
	if m.ExpiresAt != nil {
		t := *m.ExpiresAt
		out.ExpiresAt = &t
	}
	return out
}

// Snapshot is the full persisted ledger state. The host loads it before
// every invocation and stores it back afterwards.
//
// Applied maps the ID of every delivered inter-ledger message to the time it
// was applied. It is saved in the same write as the effects of the message,
// so a redelivery after a crash is recognised.
type Snapshot struct {
	Users        map[Owner]User       `json:"users"`
	Markets      map[MarketID]Market  `json:"markets"`
	NextMarketID MarketID             `json:"next_market_id"`
	Applied      map[string]time.Time `json:"applied,omitempty"`
}

// EmptySnapshot returns the state of a freshly instantiated ledger.
func EmptySnapshot() Snapshot {
	return Snapshot{
		Users:        make(map[Owner]User),
		Markets:      make(map[MarketID]Market),
		NextMarketID: 1,
		Applied:      make(map[string]time.Time),
	}
}

// Clone returns a deep copy of s.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		Users:        make(map[Owner]User, len(s.Users)),
		Markets:      make(map[MarketID]Market, len(s.Markets)),
		NextMarketID: s.NextMarketID,
		Applied:      make(map[string]time.Time, len(s.Applied)),
	}
	for k, u := range s.Users {
		out.Users[k] = u.Clone()
	}
	for k, m := range s.Markets {
		out.Markets[k] = m.Clone()
	}
	for id, at := range s.Applied {
		out.Applied[id] = at
	}
	return out
}
