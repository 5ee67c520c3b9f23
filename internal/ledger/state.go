// Package ledger implements the accounting core of the prediction market: a
// single-threaded state machine over users, markets and bets.
//
// A State is owned exclusively by one invocation. The host loads it from a
// snapshot, applies exactly one operation and stores the snapshot back. Every
// operation validates all of its preconditions before touching any state, so
// a rejected operation leaves the State unchanged.
package ledger

import (
	"sort"
	"time"

	"github.com/alanyoungcy/aetherwave/internal/domain"
)

// State is the in-memory ledger.
type State struct {
	users        map[domain.Owner]*domain.User
	markets      map[domain.MarketID]*domain.Market
	nextMarketID domain.MarketID
	applied      map[string]time.Time
}

// New returns an empty ledger whose first market will get ID 1.
func New() *State {
	return FromSnapshot(domain.EmptySnapshot())
}

// FromSnapshot materialises a State from a persisted snapshot. The snapshot
// is copied; later mutations of the State do not affect it.
func FromSnapshot(snap domain.Snapshot) *State {
	s := &State{
		users:        make(map[domain.Owner]*domain.User, len(snap.Users)),
		markets:      make(map[domain.MarketID]*domain.Market, len(snap.Markets)),
		nextMarketID: snap.NextMarketID,
		applied:      make(map[string]time.Time, len(snap.Applied)),
	}
	for id, at := range snap.Applied {
		s.applied[id] = at
	}
	if s.nextMarketID == 0 {
		s.nextMarketID = 1
	}
	for owner, u := range snap.Users {
		c := u.Clone()
		c.Owner = owner
		s.users[owner] = &c
	}
	for id, m := range snap.Markets {
		c := m.Clone()
		c.ID = id
		s.markets[id] = &c
		if id >= s.nextMarketID {
			s.nextMarketID = id + 1
		}
	}
	return s
}

// Snapshot returns a deep copy of the current state for persistence.
func (s *State) Snapshot() domain.Snapshot {
	out := domain.Snapshot{
		Users:        make(map[domain.Owner]domain.User, len(s.users)),
		Markets:      make(map[domain.MarketID]domain.Market, len(s.markets)),
		NextMarketID: s.nextMarketID,
		Applied:      make(map[string]time.Time, len(s.applied)),
	}
	for id, at := range s.applied {
		out.Applied[id] = at
	}
	for owner, u := range s.users {
		out.Users[owner] = u.Clone()
	}
	for id, m := range s.markets {
		out.Markets[id] = m.Clone()
	}
	return out
}

// NextMarketID returns the identifier the next created market will receive.
func (s *State) NextMarketID() domain.MarketID {
	return s.nextMarketID
}

// Applied reports whether the message with the given ID has been applied.
func (s *State) Applied(id string) bool {
	_, ok := s.applied[id]
	return ok
}

// PruneApplied forgets message IDs applied before cutoff and returns how many
// were dropped.
func (s *State) PruneApplied(cutoff time.Time) int {
	n := 0
	for id, at := range s.applied {
		if at.Before(cutoff) {
			delete(s.applied, id)
			n++
		}
	}
	return n
}

// User returns a copy of the user record for owner.
func (s *State) User(owner domain.Owner) (domain.User, bool) {
	u, ok := s.users[owner]
	if !ok {
		return domain.User{}, false
	}
	return u.Clone(), true
}

// Market returns a copy of the market with the given id.
func (s *State) Market(id domain.MarketID) (domain.Market, bool) {
	m, ok := s.markets[id]
	if !ok {
		return domain.Market{}, false
	}
	return m.Clone(), true
}

// Markets lists every market in ascending identifier order.
func (s *State) Markets() []domain.Market {
	out := make([]domain.Market, 0, len(s.markets))
	for _, m := range s.markets {
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Users lists every user ordered by owner.
func (s *State) Users() []domain.User {
	out := make([]domain.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Owner < out[j].Owner })
	return out
}

// TotalValue is the sum of all balances and all unresolved pools. Only
// deposits change it.
func (s *State) TotalValue() domain.Amount {
	var total domain.Amount
	for _, u := range s.users {
		total = total.SaturatingAdd(u.Balance)
	}
	for _, m := range s.markets {
		if m.Status != domain.MarketStatusResolved {
			total = total.SaturatingAdd(m.TotalPool())
		}
	}
	return total
}

// sortedOwners returns user keys in a stable order so settlement output is
// deterministic.
func (s *State) sortedOwners() []domain.Owner {
	owners := make([]domain.Owner, 0, len(s.users))
	for o := range s.users {
		owners = append(owners, o)
	}
	sort.Slice(owners, func(i, j int) bool { return owners[i] < owners[j] })
	return owners
}
