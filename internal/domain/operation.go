package domain

import (
	"fmt"
	"time"
)

// OperationKind names a ledger mutation.
type OperationKind string

const (
	OpRegisterUser  OperationKind = "register_user"
	OpDeposit       OperationKind = "deposit"
	OpCreateMarket  OperationKind = "create_market"
	OpPlaceBet      OperationKind = "place_bet"
	OpCloseMarket   OperationKind = "close_market"
	OpResolveMarket OperationKind = "resolve_market"
)

// Operation is a caller-authenticated command. The subject identity is not
// part of the operation; the host supplies it from the authenticated caller.
type Operation struct {
	Kind        OperationKind `json:"kind"`
	Amount      Amount        `json:"amount,omitempty"`
	Description string        `json:"description,omitempty"`
	MarketID    MarketID      `json:"market_id,omitempty"`
	Side        BetSide       `json:"side,omitempty"`
	Outcome     bool          `json:"outcome,omitempty"`
	ExpiresAt   *time.Time    `json:"expires_at,omitempty"`
}

// Message is an inter-ledger command. It mirrors Operation but carries the
// subject identity explicitly, together with a transport envelope used by the
// relay to authenticate and deduplicate deliveries.
type Message struct {
	ID          string        `json:"id"`
	Origin      string        `json:"origin"`
	SentAt      time.Time     `json:"sent_at"`
	Kind        OperationKind `json:"kind"`
	Owner       Owner         `json:"owner,omitempty"`
	Amount      Amount        `json:"amount,omitempty"`
	Description string        `json:"description,omitempty"`
	MarketID    MarketID      `json:"market_id,omitempty"`
	Side        BetSide       `json:"side,omitempty"`
	Outcome     bool          `json:"outcome,omitempty"`
	ExpiresAt   *time.Time    `json:"expires_at,omitempty"`
	Signature   string        `json:"signature,omitempty"`
}

// MessageFor converts an operation applied on behalf of subject into the
// equivalent inter-ledger message. The envelope fields are left empty.
func MessageFor(subject Owner, op Operation) Message {
	msg := Message{
		Kind:        op.Kind,
		Amount:      op.Amount,
		Description: op.Description,
		MarketID:    op.MarketID,
		Side:        op.Side,
		Outcome:     op.Outcome,
		ExpiresAt:   op.ExpiresAt,
	}
	switch op.Kind {
	case OpCloseMarket, OpResolveMarket:
	default:
		msg.Owner = subject
	}
	return msg
}

// SigningPayload returns the canonical byte string covered by a message
// signature. The signature field itself is excluded.
func (m Message) SigningPayload() []byte {
	var expires int64
	if m.ExpiresAt != nil {
		expires = m.ExpiresAt.UnixNano()
	}
	return []byte(fmt.Sprintf("aetherwave-message\n%s\n%s\n%d\n%s\n%s\n%s\n%q\n%d\n%s\n%t\n%d",
		m.ID, m.Origin, m.SentAt.UnixNano(), m.Kind, m.Owner,
		m.Amount, m.Description, m.MarketID, m.Side, m.Outcome, expires,
	))
}

// Payout is a single credit made during settlement.
type Payout struct {
	Owner  Owner  `json:"owner"`
	Amount Amount `json:"amount"`
	Refund bool   `json:"refund,omitempty"`
}

// Settlement describes how a resolved market's pool was distributed.
type Settlement struct {
	MarketID    MarketID `json:"market_id"`
	Outcome     bool     `json:"outcome"`
	TotalPool   Amount   `json:"total_pool"`
	WinningPool Amount   `json:"winning_pool"`
	Payouts     []Payout `json:"payouts"`
	Dust        Amount   `json:"dust"`
	DustTo      Owner    `json:"dust_to,omitempty"`
	Voided      bool     `json:"voided"`
}

// Distributed returns the sum of all payouts plus dust.
func (s Settlement) Distributed() Amount {
	total := s.Dust
	for _, p := range s.Payouts {
		total = total.SaturatingAdd(p.Amount)
	}
	return total
}

// Event is published after every applied mutation.
type Event struct {
	ID         string        `json:"id"`
	Ledger     string        `json:"ledger"`
	Kind       OperationKind `json:"kind"`
	Owner      Owner         `json:"owner,omitempty"`
	MarketID   MarketID      `json:"market_id,omitempty"`
	Amount     Amount        `json:"amount,omitempty"`
	Side       BetSide       `json:"side,omitempty"`
	Settlement *Settlement   `json:"settlement,omitempty"`
	Version    uint64        `json:"version"`
	Source     string        `json:"source"`
	At         time.Time     `json:"at"`
}
