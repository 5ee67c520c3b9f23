package ledger

import "github.com/alanyoungcy/aetherwave/internal/domain"

// distribute settles every active bet on m after it has been marked
// resolved. Winners share the whole pool pro rata to their stake in the
// winning pool; losers get nothing. Every bet on m is removed.
//
// Truncation dust goes to the market creator. If nobody backed the winning
// side the market is voided and each stake is returned to its owner.
func (s *State) distribute(m *domain.Market, outcome bool) domain.Settlement {
	total := m.TotalPool()
	winningSide := domain.BetSideNo
	if outcome {
		winningSide = domain.BetSideYes
	}
	winning := m.Pool(winningSide)

	st := domain.Settlement{
		MarketID:    m.ID,
		Outcome:     outcome,
		TotalPool:   total,
		WinningPool: winning,
	}

	voided := !total.IsZero() && winning.IsZero()
	st.Voided = voided

	var paid domain.Amount
	for _, owner := range s.sortedOwners() {
		u := s.users[owner]
		bet, ok := u.ActiveBets[m.ID]
		if !ok {
			continue
		}
		delete(u.ActiveBets, m.ID)

		if total.IsZero() {
			continue
		}

		var credit domain.Amount
		switch {
		case voided:
			credit = bet.Amount
		case bet.Side.Wins(outcome):
			credit = domain.MulDiv(bet.Amount, total, winning)
		default:
			continue
		}
		if credit.IsZero() {
			continue
		}

		u.Balance = u.Balance.SaturatingAdd(credit)
		paid = paid.SaturatingAdd(credit)
		st.Payouts = append(st.Payouts, domain.Payout{
			Owner:  owner,
			Amount: credit,
			Refund: voided,
		})
	}

	if dust := total.SaturatingSub(paid); !dust.IsZero() {
		s.RegisterUser(m.Creator)
		creator := s.users[m.Creator]
		creator.Balance = creator.Balance.SaturatingAdd(dust)
		st.Dust = dust
		st.DustTo = m.Creator
	}

	return st
}
