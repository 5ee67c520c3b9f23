package ledger

import (
	"fmt"
	"time"

	"github.com/alanyoungcy/aetherwave/internal/domain"
)

// Result carries the outputs of an applied operation.
type Result struct {
	MarketID   domain.MarketID
	Settlement *domain.Settlement
}

// Execute applies a caller-authenticated operation. The caller becomes the
// owner, creator or bettor as the operation requires.
func (s *State) Execute(caller domain.Owner, op domain.Operation, at time.Time) (Result, error) {
	return s.apply(op.Kind, caller, op.Amount, op.Description, op.MarketID, op.Side, op.Outcome, op.ExpiresAt, at)
}

// Apply applies an inter-ledger message. The subject identity is taken from
// the message instead of an authenticated caller.
//
// A message with an ID is applied at most once: its ID is recorded with the
// rest of the state, and a repeat fails with ErrDuplicateMessage.
func (s *State) Apply(msg domain.Message, at time.Time) (Result, error) {
	if msg.ID != "" && s.Applied(msg.ID) {
		return Result{}, domain.ErrDuplicateMessage
	}
	res, err := s.apply(msg.Kind, msg.Owner, msg.Amount, msg.Description, msg.MarketID, msg.Side, msg.Outcome, msg.ExpiresAt, at)
	if err != nil {
		return Result{}, err
	}
	if msg.ID != "" {
		s.applied[msg.ID] = at
	}
	return res, nil
}

func (s *State) apply(
	kind domain.OperationKind,
	subject domain.Owner,
	amount domain.Amount,
	description string,
	marketID domain.MarketID,
	side domain.BetSide,
	outcome bool,
	expiresAt *time.Time,
	at time.Time,
) (Result, error) {
	switch kind {
	case domain.OpRegisterUser:
		s.RegisterUser(subject)
		return Result{}, nil
	case domain.OpDeposit:
		return Result{}, s.Deposit(subject, amount)
	case domain.OpCreateMarket:
		return Result{MarketID: s.CreateMarket(subject, description, expiresAt, at)}, nil
	case domain.OpPlaceBet:
		if err := s.PlaceBet(subject, marketID, side, amount, at); err != nil {
			return Result{}, err
		}
		return Result{MarketID: marketID}, nil
	case domain.OpCloseMarket:
		if err := s.CloseMarket(marketID, at); err != nil {
			return Result{}, err
		}
		return Result{MarketID: marketID}, nil
	case domain.OpResolveMarket:
		st, err := s.ResolveMarket(marketID, outcome, at)
		if err != nil {
			return Result{}, err
		}
		return Result{MarketID: marketID, Settlement: &st}, nil
	default:
		return Result{}, fmt.Errorf("%w: %q", domain.ErrUnknownOperation, kind)
	}
}
