package ledger

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/alanyoungcy/aetherwave/internal/domain"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

const (
	alice = domain.Owner("0xA11CE")
	bob   = domain.Owner("0xB0B")
	carol = domain.Owner("0xCA201")
	maker = domain.Owner("0xMAKER")
)

func funded(t *testing.T, balances map[domain.Owner]domain.Amount) *State {
	t.Helper()
	s := New()
	for owner, amt := range balances {
		s.RegisterUser(owner)
		if err := s.Deposit(owner, amt); err != nil {
			t.Fatalf("deposit %s: %v", owner, err)
		}
	}
	return s
}

func balance(t *testing.T, s *State, owner domain.Owner) domain.Amount {
	t.Helper()
	u, ok := s.User(owner)
	if !ok {
		t.Fatalf("user %s not found", owner)
	}
	return u.Balance
}

func TestRegisterUserIsIdempotent(t *testing.T) {
	s := New()
	s.RegisterUser(alice)
	if err := s.Deposit(alice, 50); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	id := s.CreateMarket(bob, "rain tomorrow?", nil, t0)
	if err := s.PlaceBet(alice, id, domain.BetSideYes, 20, t0); err != nil {
		t.Fatalf("place bet: %v", err)
	}

	before, _ := s.User(alice)
	s.RegisterUser(alice)
	after, _ := s.User(alice)

	if after.Balance != before.Balance {
		t.Fatalf("balance changed: %s -> %s", before.Balance, after.Balance)
	}
	if len(after.ActiveBets) != 1 || after.ActiveBets[id] != before.ActiveBets[id] {
		t.Fatalf("bets changed: %+v -> %+v", before.ActiveBets, after.ActiveBets)
	}
}

func TestDepositRequiresUser(t *testing.T) {
	s := New()
	if err := s.Deposit(alice, 10); !errors.Is(err, domain.ErrUserNotFound) {
		t.Fatalf("err=%v want ErrUserNotFound", err)
	}
	if _, ok := s.User(alice); ok {
		t.Fatal("deposit must not register the user")
	}
}

func TestDepositSaturates(t *testing.T) {
	s := funded(t, map[domain.Owner]domain.Amount{alice: domain.MaxAmount - 5})
	if err := s.Deposit(alice, 100); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if got := balance(t, s, alice); got != domain.MaxAmount {
		t.Fatalf("balance=%d want MaxAmount", uint64(got))
	}
}

func TestCreateMarketAssignsIncreasingIDs(t *testing.T) {
	s := New()
	first := s.CreateMarket(alice, "first", nil, t0)
	second := s.CreateMarket(bob, "second", nil, t0.Add(time.Second))

	if first != 1 || second != 2 {
		t.Fatalf("ids=%d,%d want 1,2", first, second)
	}
	if s.NextMarketID() != 3 {
		t.Fatalf("next=%d want 3", s.NextMarketID())
	}
	m, ok := s.Market(second)
	if !ok {
		t.Fatal("market 2 missing")
	}
	if m.Status != domain.MarketStatusOpen || m.Resolution != nil || !m.CreatedAt.Equal(t0.Add(time.Second)) {
		t.Fatalf("unexpected market %+v", m)
	}
	if m.Creator != bob || m.YesPool != 0 || m.NoPool != 0 {
		t.Fatalf("unexpected market %+v", m)
	}
	if _, ok := s.User(bob); !ok {
		t.Fatal("creator was not registered")
	}
}

func TestPlaceBetValidationOrder(t *testing.T) {
	tests := []struct {
		name   string
		user   domain.Owner
		market domain.MarketID
		side   domain.BetSide
		amount domain.Amount
		want   error
	}{
		{"zero amount before unknown user", "0xNOBODY", 99, domain.BetSideYes, 0, domain.ErrInvalidBetAmount},
		{"unknown user before market", "0xNOBODY", 99, domain.BetSideYes, 5, domain.ErrUserNotFound},
		{"balance before market", alice, 99, domain.BetSideYes, 500, domain.ErrInsufficientBalance},
		{"unknown market", alice, 99, domain.BetSideYes, 5, domain.ErrMarketNotFound},
		{"resolved market", alice, 2, domain.BetSideNo, 5, domain.ErrMarketNotOpen},
		{"bad side", alice, 1, domain.BetSide("maybe"), 5, domain.ErrInvalidBetSide},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := funded(t, map[domain.Owner]domain.Amount{alice: 100})
			s.CreateMarket(maker, "open", nil, t0)
			resolved := s.CreateMarket(maker, "done", nil, t0)
			if _, err := s.ResolveMarket(resolved, true, t0); err != nil {
				t.Fatalf("resolve: %v", err)
			}
			before := s.Snapshot()

			err := s.PlaceBet(tt.user, tt.market, tt.side, tt.amount, t0)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err=%v want %v", err, tt.want)
			}
			assertSnapshotEqual(t, before, s.Snapshot())
		})
	}
}

func TestPlaceBetInsufficientBalanceLeavesStateUnchanged(t *testing.T) {
	s := funded(t, map[domain.Owner]domain.Amount{alice: 10})
	id := s.CreateMarket(maker, "m", nil, t0)

	err := s.PlaceBet(alice, id, domain.BetSideYes, 50, t0)
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("err=%v want ErrInsufficientBalance", err)
	}
	if got := balance(t, s, alice); got != 10 {
		t.Fatalf("balance=%s want 10 units", got)
	}
	m, _ := s.Market(id)
	if m.YesPool != 0 || m.NoPool != 0 {
		t.Fatalf("pools changed: yes=%d no=%d", m.YesPool, m.NoPool)
	}
}

func TestPlaceBetUnknownMarketRegardlessOfBalance(t *testing.T) {
	s := funded(t, map[domain.Owner]domain.Amount{alice: domain.MaxAmount})
	if err := s.PlaceBet(alice, 42, domain.BetSideYes, 1, t0); !errors.Is(err, domain.ErrMarketNotFound) {
		t.Fatalf("err=%v want ErrMarketNotFound", err)
	}
}

func TestSimpleSettlement(t *testing.T) {
	s := funded(t, map[domain.Owner]domain.Amount{alice: 100, bob: 100})
	id := s.CreateMarket(maker, "will it rain?", nil, t0)

	if err := s.PlaceBet(alice, id, domain.BetSideYes, 60, t0); err != nil {
		t.Fatalf("alice bet: %v", err)
	}
	if err := s.PlaceBet(bob, id, domain.BetSideNo, 40, t0); err != nil {
		t.Fatalf("bob bet: %v", err)
	}

	m, _ := s.Market(id)
	if m.YesPool != 60 || m.NoPool != 40 || m.TotalPool() != 100 {
		t.Fatalf("pools yes=%d no=%d", m.YesPool, m.NoPool)
	}

	st, err := s.ResolveMarket(id, true, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := balance(t, s, alice); got != 140 {
		t.Fatalf("alice=%d want 140", uint64(got))
	}
	if got := balance(t, s, bob); got != 60 {
		t.Fatalf("bob=%d want 60", uint64(got))
	}
	if st.TotalPool != 100 || st.WinningPool != 60 || st.Dust != 0 || st.Voided {
		t.Fatalf("settlement=%+v", st)
	}
	if len(st.Payouts) != 1 || st.Payouts[0] != (domain.Payout{Owner: alice, Amount: 100}) {
		t.Fatalf("payouts=%+v", st.Payouts)
	}

	m, _ = s.Market(id)
	if m.Status != domain.MarketStatusResolved || m.Resolution == nil || !*m.Resolution {
		t.Fatalf("market=%+v", m)
	}
	for _, owner := range []domain.Owner{alice, bob} {
		u, _ := s.User(owner)
		if _, ok := u.ActiveBets[id]; ok {
			t.Fatalf("%s still holds a bet on %d", owner, id)
		}
	}
}

func TestResolveEmptyMarketIsNoop(t *testing.T) {
	s := funded(t, map[domain.Owner]domain.Amount{alice: 7, bob: 9})
	id := s.CreateMarket(maker, "nobody cares", nil, t0)

	st, err := s.ResolveMarket(id, false, t0)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(st.Payouts) != 0 || st.Dust != 0 {
		t.Fatalf("settlement=%+v", st)
	}
	if balance(t, s, alice) != 7 || balance(t, s, bob) != 9 || balance(t, s, maker) != 0 {
		t.Fatal("balances changed")
	}
}

func TestResolveTwiceIsRejected(t *testing.T) {
	s := funded(t, map[domain.Owner]domain.Amount{alice: 10, bob: 10})
	id := s.CreateMarket(maker, "m", nil, t0)
	_ = s.PlaceBet(alice, id, domain.BetSideYes, 10, t0)
	_ = s.PlaceBet(bob, id, domain.BetSideNo, 10, t0)

	if _, err := s.ResolveMarket(id, true, t0); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	before := s.Snapshot()
	if _, err := s.ResolveMarket(id, false, t0); !errors.Is(err, domain.ErrMarketNotOpen) {
		t.Fatalf("err=%v want ErrMarketNotOpen", err)
	}
	assertSnapshotEqual(t, before, s.Snapshot())
}

func TestResolveUnknownMarket(t *testing.T) {
	s := New()
	if _, err := s.ResolveMarket(3, true, t0); !errors.Is(err, domain.ErrMarketNotFound) {
		t.Fatalf("err=%v want ErrMarketNotFound", err)
	}
}

func TestRoundingDustGoesToCreator(t *testing.T) {
	s := funded(t, map[domain.Owner]domain.Amount{alice: 10, bob: 10, carol: 10})
	id := s.CreateMarket(maker, "m", nil, t0)
	_ = s.PlaceBet(alice, id, domain.BetSideYes, 1, t0)
	_ = s.PlaceBet(bob, id, domain.BetSideYes, 2, t0)
	_ = s.PlaceBet(carol, id, domain.BetSideNo, 2, t0)

	before := s.TotalValue()
	st, err := s.ResolveMarket(id, true, t0)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// total 5, winning 3: alice floor(5/3)=1, bob floor(10/3)=3, dust 1.
	if balance(t, s, alice) != 9+1 || balance(t, s, bob) != 8+3 || balance(t, s, carol) != 8 {
		t.Fatalf("balances alice=%d bob=%d carol=%d",
			uint64(balance(t, s, alice)), uint64(balance(t, s, bob)), uint64(balance(t, s, carol)))
	}
	if st.Dust != 1 || st.DustTo != maker || balance(t, s, maker) != 1 {
		t.Fatalf("dust=%d to %s maker=%d", uint64(st.Dust), st.DustTo, uint64(balance(t, s, maker)))
	}
	if st.Distributed() != st.TotalPool {
		t.Fatalf("distributed %d of %d", uint64(st.Distributed()), uint64(st.TotalPool))
	}
	if after := s.TotalValue(); after != before {
		t.Fatalf("value %d -> %d", uint64(before), uint64(after))
	}
}

func TestNoWinnersVoidsMarket(t *testing.T) {
	s := funded(t, map[domain.Owner]domain.Amount{alice: 30, bob: 30})
	id := s.CreateMarket(maker, "m", nil, t0)
	_ = s.PlaceBet(alice, id, domain.BetSideNo, 10, t0)
	_ = s.PlaceBet(bob, id, domain.BetSideNo, 25, t0)

	st, err := s.ResolveMarket(id, true, t0)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !st.Voided || len(st.Payouts) != 2 {
		t.Fatalf("settlement=%+v", st)
	}
	if balance(t, s, alice) != 30 || balance(t, s, bob) != 30 {
		t.Fatal("stakes were not refunded")
	}
}

func TestRebetRefundsPriorStake(t *testing.T) {
	s := funded(t, map[domain.Owner]domain.Amount{alice: 100})
	id := s.CreateMarket(maker, "m", nil, t0)

	if err := s.PlaceBet(alice, id, domain.BetSideYes, 80, t0); err != nil {
		t.Fatalf("first bet: %v", err)
	}
	// 20 free + 80 refunded covers a 90 stake.
	if err := s.PlaceBet(alice, id, domain.BetSideNo, 90, t0.Add(time.Minute)); err != nil {
		t.Fatalf("second bet: %v", err)
	}

	u, _ := s.User(alice)
	if u.Balance != 10 {
		t.Fatalf("balance=%d want 10", uint64(u.Balance))
	}
	bet := u.ActiveBets[id]
	if len(u.ActiveBets) != 1 || bet.Side != domain.BetSideNo || bet.Amount != 90 {
		t.Fatalf("bets=%+v", u.ActiveBets)
	}
	m, _ := s.Market(id)
	if m.YesPool != 0 || m.NoPool != 90 {
		t.Fatalf("pools yes=%d no=%d", m.YesPool, m.NoPool)
	}

	if err := s.PlaceBet(alice, id, domain.BetSideNo, 101, t0); !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("err=%v want ErrInsufficientBalance", err)
	}
}

func TestClosedMarketRejectsBetsButResolves(t *testing.T) {
	s := funded(t, map[domain.Owner]domain.Amount{alice: 50, bob: 50})
	id := s.CreateMarket(maker, "m", nil, t0)
	_ = s.PlaceBet(alice, id, domain.BetSideYes, 50, t0)

	if err := s.CloseMarket(id, t0.Add(time.Minute)); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.CloseMarket(id, t0); !errors.Is(err, domain.ErrMarketNotOpen) {
		t.Fatalf("second close err=%v", err)
	}
	if err := s.PlaceBet(bob, id, domain.BetSideNo, 10, t0); !errors.Is(err, domain.ErrMarketNotOpen) {
		t.Fatalf("bet on closed err=%v", err)
	}
	if _, err := s.ResolveMarket(id, true, t0); err != nil {
		t.Fatalf("resolve closed: %v", err)
	}
	if balance(t, s, alice) != 50 {
		t.Fatalf("alice=%d want 50", uint64(balance(t, s, alice)))
	}
	if err := s.CloseMarket(404, t0); !errors.Is(err, domain.ErrMarketNotFound) {
		t.Fatalf("close unknown err=%v", err)
	}
}

func TestExpiredMarketRejectsBets(t *testing.T) {
	s := funded(t, map[domain.Owner]domain.Amount{alice: 50})
	expires := t0.Add(time.Hour)
	id := s.CreateMarket(maker, "before noon?", &expires, t0)

	if err := s.PlaceBet(alice, id, domain.BetSideYes, 10, t0.Add(59*time.Minute)); err != nil {
		t.Fatalf("bet before expiry: %v", err)
	}
	if err := s.PlaceBet(alice, id, domain.BetSideNo, 10, expires); !errors.Is(err, domain.ErrMarketNotOpen) {
		t.Fatalf("bet at expiry err=%v", err)
	}
	m, _ := s.Market(id)
	if m.Pool(domain.BetSideYes) != 10 || m.Pool(domain.BetSideNo) != 0 {
		t.Fatalf("pools yes=%d no=%d", uint64(m.YesPool), uint64(m.NoPool))
	}

	st, err := s.ResolveMarket(id, true, expires.Add(time.Minute))
	if err != nil {
		t.Fatalf("resolve after expiry: %v", err)
	}
	if st.Distributed() != st.TotalPool || balance(t, s, alice) != 50 {
		t.Fatalf("settlement=%+v alice=%d", st, uint64(balance(t, s, alice)))
	}
}

func TestApplyRecordsMessageIDs(t *testing.T) {
	s := funded(t, map[domain.Owner]domain.Amount{alice: 0})
	msg := domain.Message{ID: "m-1", Kind: domain.OpDeposit, Owner: alice, Amount: 30}

	if _, err := s.Apply(msg, t0); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := s.Apply(msg, t0); !errors.Is(err, domain.ErrDuplicateMessage) {
		t.Fatalf("second apply err=%v", err)
	}
	if balance(t, s, alice) != 30 {
		t.Fatalf("alice=%d want 30", uint64(balance(t, s, alice)))
	}

	rejected := domain.Message{ID: "m-2", Kind: domain.OpDeposit, Owner: carol, Amount: 1}
	if _, err := s.Apply(rejected, t0); !errors.Is(err, domain.ErrUserNotFound) {
		t.Fatalf("rejected err=%v", err)
	}
	if s.Applied("m-2") {
		t.Fatal("rejected message recorded as applied")
	}

	restored := FromSnapshot(s.Snapshot())
	if !restored.Applied("m-1") {
		t.Fatal("applied id lost in snapshot")
	}
	if n := restored.PruneApplied(t0.Add(time.Second)); n != 1 || restored.Applied("m-1") {
		t.Fatalf("pruned=%d", n)
	}
	if !s.Applied("m-1") {
		t.Fatal("pruning a copy changed the original")
	}
}

func TestSnapshotRoundTripIsIsolated(t *testing.T) {
	s := funded(t, map[domain.Owner]domain.Amount{alice: 10})
	id := s.CreateMarket(maker, "m", nil, t0)
	_ = s.PlaceBet(alice, id, domain.BetSideYes, 4, t0)

	snap := s.Snapshot()
	restored := FromSnapshot(snap)
	if err := restored.Deposit(alice, 1); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if snap.Users[alice].Balance != 6 {
		t.Fatalf("snapshot mutated through restored state")
	}
	if restored.NextMarketID() != 2 {
		t.Fatalf("next=%d want 2", restored.NextMarketID())
	}
	if got := restored.Markets(); len(got) != 1 || got[0].YesPool != 4 {
		t.Fatalf("markets=%+v", got)
	}
}

func TestExecuteAndApplyDispatch(t *testing.T) {
	s := New()
	if _, err := s.Execute(alice, domain.Operation{Kind: domain.OpRegisterUser}, t0); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := s.Apply(domain.Message{Kind: domain.OpDeposit, Owner: alice, Amount: 20}, t0); err != nil {
		t.Fatalf("deposit message: %v", err)
	}
	res, err := s.Execute(bob, domain.Operation{Kind: domain.OpCreateMarket, Description: "d"}, t0)
	if err != nil || res.MarketID != 1 {
		t.Fatalf("create: res=%+v err=%v", res, err)
	}
	if _, err := s.Execute(alice, domain.Operation{Kind: domain.OpPlaceBet, MarketID: 1, Side: domain.BetSideYes, Amount: 5}, t0); err != nil {
		t.Fatalf("bet: %v", err)
	}
	res, err = s.Apply(domain.Message{Kind: domain.OpResolveMarket, MarketID: 1, Outcome: true}, t0)
	if err != nil || res.Settlement == nil || res.Settlement.TotalPool != 5 {
		t.Fatalf("resolve: res=%+v err=%v", res, err)
	}
	if _, err := s.Execute(alice, domain.Operation{Kind: "transfer"}, t0); !errors.Is(err, domain.ErrUnknownOperation) {
		t.Fatalf("unknown op err=%v", err)
	}
	if _, err := s.Apply(domain.Message{Kind: domain.OpDeposit, Owner: carol, Amount: 1}, t0); !errors.Is(err, domain.ErrUserNotFound) {
		t.Fatalf("deposit for unknown user err=%v", err)
	}
}

// TestRandomSequencesPreserveInvariants drives the ledger with random
// operations and checks conservation, non-negativity and bet bookkeeping
// after every step.
func TestRandomSequencesPreserveInvariants(t *testing.T) {
	owners := []domain.Owner{alice, bob, carol, maker}
	rng := rand.New(rand.NewSource(7))

	for run := 0; run < 50; run++ {
		s := New()
		var deposited domain.Amount

		for step := 0; step < 200; step++ {
			owner := owners[rng.Intn(len(owners))]
			marketID := domain.MarketID(rng.Intn(int(s.NextMarketID())) + 1)

			switch rng.Intn(6) {
			case 0:
				s.RegisterUser(owner)
			case 1:
				amt := domain.Amount(rng.Intn(1000))
				if err := s.Deposit(owner, amt); err == nil {
					deposited += amt
				}
			case 2:
				s.CreateMarket(owner, "random", nil, t0)
			case 3, 4:
				side := domain.BetSideYes
				if rng.Intn(2) == 0 {
					side = domain.BetSideNo
				}
				_ = s.PlaceBet(owner, marketID, side, domain.Amount(rng.Intn(300)), t0)
			case 5:
				if rng.Intn(3) == 0 {
					_ = s.CloseMarket(marketID, t0)
				} else {
					_, _ = s.ResolveMarket(marketID, rng.Intn(2) == 0, t0)
				}
			}

			checkInvariants(t, s, deposited)
		}
	}
}

func checkInvariants(t *testing.T, s *State, deposited domain.Amount) {
	t.Helper()

	if got := s.TotalValue(); got != deposited {
		t.Fatalf("conservation: total=%d deposited=%d", uint64(got), uint64(deposited))
	}

	staked := make(map[domain.MarketID]domain.Amount)
	for _, u := range s.Users() {
		for id, bet := range u.ActiveBets {
			if bet.MarketID != id || bet.User != u.Owner {
				t.Fatalf("bet keyed under %d/%s is %+v", id, u.Owner, bet)
			}
			m, ok := s.Market(id)
			if !ok || m.Status == domain.MarketStatusResolved {
				t.Fatalf("bet on missing or resolved market %d", id)
			}
			staked[id] += bet.Amount
		}
	}
	for _, m := range s.Markets() {
		if m.Status == domain.MarketStatusResolved {
			if staked[m.ID] != 0 {
				t.Fatalf("resolved market %d still has stakes", m.ID)
			}
			continue
		}
		if m.TotalPool() != staked[m.ID] {
			t.Fatalf("market %d pool=%d stakes=%d", m.ID, uint64(m.TotalPool()), uint64(staked[m.ID]))
		}
	}
}

func assertSnapshotEqual(t *testing.T, want, got domain.Snapshot) {
	t.Helper()
	if want.NextMarketID != got.NextMarketID || len(want.Users) != len(got.Users) || len(want.Markets) != len(got.Markets) {
		t.Fatalf("snapshot shape changed: %+v -> %+v", want, got)
	}
	for owner, wu := range want.Users {
		gu := got.Users[owner]
		if wu.Balance != gu.Balance || len(wu.ActiveBets) != len(gu.ActiveBets) {
			t.Fatalf("user %s changed: %+v -> %+v", owner, wu, gu)
		}
		for id, b := range wu.ActiveBets {
			if gu.ActiveBets[id] != b {
				t.Fatalf("bet %s/%d changed", owner, id)
			}
		}
	}
	for id, wm := range want.Markets {
		gm := got.Markets[id]
		if wm.YesPool != gm.YesPool || wm.NoPool != gm.NoPool || wm.Status != gm.Status {
			t.Fatalf("market %d changed: %+v -> %+v", id, wm, gm)
		}
	}
}
