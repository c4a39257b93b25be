// README: Ledger tests: replay invariant, guards, holds and concurrent posting.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"rideflow/internal/testutil"
	"rideflow/internal/types"
)

func money(v string) types.Money {
	return decimal.RequireFromString(v)
}

func ledgers(t *testing.T) map[string]*Ledger {
	out := map[string]*Ledger{"memory": NewLedger(NewMemoryStore(), nil)}
	if db := testutil.PostgresOptional(t, "wallet_reservations", "wallet_transactions", "wallets"); db != nil {
		out["postgres"] = NewLedger(NewPGStore(db), nil)
	}
	return out
}

func assertReplay(t *testing.T, l *Ledger, o Owner) Reconciliation {
	t.Helper()
	rec, err := l.Verify(context.Background(), o)
	if err != nil {
		t.Fatalf("verify %s: %v", o, err)
	}
	if !rec.Consistent {
		t.Fatalf("ledger of %s inconsistent: %+v", o, rec)
	}
	return rec
}

func TestCreditDriverEarning(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			d := Driver("driver-1")
			if _, err := l.Credit(ctx, CreditCommand{Owner: d, Amount: money("15"), Type: TxTopUp, Reference: "seed"}); err != nil {
				t.Fatalf("seed: %v", err)
			}
			before, _ := l.Wallet(ctx, d)
			tx, err := l.Credit(ctx, CreditCommand{Owner: d, Amount: money("80"), Type: TxRideEarning, Reference: "ride-1:settlement"})
			if err != nil {
				t.Fatalf("credit: %v", err)
			}
			after, _ := l.Wallet(ctx, d)
			if !after.Balance.Equal(before.Balance.Add(money("80"))) || !tx.BalanceAfter.Equal(after.Balance) {
				t.Fatalf("balance %s -> %s, tx %s", before.Balance, after.Balance, tx.BalanceAfter)
			}
			if !after.TotalEarned.Equal(before.TotalEarned.Add(money("80"))) {
				t.Fatalf("total earned = %s", after.TotalEarned)
			}
			if !after.TotalToppedUp.Equal(money("15")) {
				t.Fatalf("total topped up = %s", after.TotalToppedUp)
			}
			assertReplay(t, l, d)
		})
	}
}

func TestDebitGuards(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r := Rider("rider-1")
			_, _ = l.Credit(ctx, CreditCommand{Owner: r, Amount: money("50"), Type: TxTopUp, Reference: "topup-1"})

			_, err := l.Debit(ctx, DebitCommand{Owner: r, Amount: money("80"), Type: TxRidePayment, Reference: "ride-1:settlement"})
			if !errors.Is(err, ErrInsufficientBalance) {
				t.Fatalf("err = %v, want ErrInsufficientBalance", err)
			}
			_, err = l.Debit(ctx, DebitCommand{Owner: r, Amount: money("80"), Reference: "x", AllowOverdraft: true})
			if !errors.Is(err, ErrBadRequest) {
				t.Fatalf("rider overdraft: %v", err)
			}
			w, _ := l.Wallet(ctx, r)
			if !w.Balance.Equal(money("50")) {
				t.Fatalf("failed debit changed balance to %s", w.Balance)
			}

			d := Driver("driver-1")
			tx, err := l.Debit(ctx, DebitCommand{Owner: d, Amount: money("12.5"), Type: TxAdjustment, Reference: "correction-1", AllowOverdraft: true})
			if err != nil {
				t.Fatalf("driver overdraft: %v", err)
			}
			if !tx.BalanceAfter.Equal(money("-12.5")) {
				t.Fatalf("balance after = %s", tx.BalanceAfter)
			}
			assertReplay(t, l, r)
			assertReplay(t, l, d)

			for _, amt := range []string{"0", "-5"} {
				if _, err := l.Credit(ctx, CreditCommand{Owner: r, Amount: money(amt), Reference: "bad-" + amt}); !errors.Is(err, ErrInvalidAmount) {
					t.Fatalf("credit %s: %v", amt, err)
				}
			}
			if _, err := l.Credit(ctx, CreditCommand{Owner: r, Amount: money("1")}); !errors.Is(err, ErrBadRequest) {
				t.Fatalf("missing reference: %v", err)
			}
		})
	}
}

func TestDuplicateReference(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			d := Driver("driver-dup")
			cmd := CreditCommand{Owner: d, Amount: money("10"), Type: TxRideEarning, Reference: "ride-9:settlement"}
			if _, err := l.Credit(ctx, cmd); err != nil {
				t.Fatalf("first credit: %v", err)
			}
			if _, err := l.Credit(ctx, cmd); !errors.Is(err, ErrDuplicateReference) {
				t.Fatalf("err = %v, want ErrDuplicateReference", err)
			}
			ok, _ := l.HasReference(ctx, d, "ride-9:settlement")
			if !ok {
				t.Fatal("reference not recorded")
			}
			// the same reference on another wallet is independent
			if _, err := l.Credit(ctx, CreditCommand{Owner: Rider("driver-dup"), Amount: money("10"), Type: TxTopUp, Reference: "ride-9:settlement"}); err != nil {
				t.Fatalf("other wallet: %v", err)
			}
			txs, _ := l.Transactions(ctx, d, 0)
			if len(txs) != 1 {
				t.Fatalf("transactions = %d, want 1", len(txs))
			}
		})
	}
}

func TestPostIsAllOrNothing(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			d, r := Driver("driver-aon"), Rider("rider-aon")
			_, _ = l.Credit(ctx, CreditCommand{Owner: r, Amount: money("50"), Type: TxTopUp, Reference: "topup"})

			_, err := l.Post(ctx, []Entry{
				{Owner: d, Amount: money("64"), Type: TxRideEarning, Reference: "ride-2:settlement"},
				{Owner: r, Amount: money("-80"), Type: TxRidePayment, Reference: "ride-2:settlement"},
			})
			if !errors.Is(err, ErrInsufficientBalance) {
				t.Fatalf("err = %v, want ErrInsufficientBalance", err)
			}
			if w, err := l.Wallet(ctx, d); err == nil && !w.Balance.IsZero() {
				t.Fatalf("driver credited despite failed unit: %s", w.Balance)
			}
			if ok, _ := l.HasReference(ctx, d, "ride-2:settlement"); ok {
				t.Fatal("driver leg persisted")
			}

			txs, err := l.Post(ctx, []Entry{
				{Owner: d, Amount: money("40"), Type: TxRideEarning, Reference: "ride-3:settlement"},
				{Owner: r, Amount: money("-50"), Type: TxRidePayment, Reference: "ride-3:settlement"},
			})
			if err != nil {
				t.Fatalf("post: %v", err)
			}
			if len(txs) != 2 || !txs[1].BalanceAfter.IsZero() {
				t.Fatalf("unexpected transactions: %+v", txs)
			}
			w, _ := l.Wallet(ctx, r)
			if !w.TotalSpent.Equal(money("50")) {
				t.Fatalf("total spent = %s", w.TotalSpent)
			}
			assertReplay(t, l, d)
			assertReplay(t, l, r)
		})
	}
}

func TestReserveReleaseCapture(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			d := Driver("driver-wd")
			_, _ = l.Credit(ctx, CreditCommand{Owner: d, Amount: money("100"), Type: TxRideEarning, Reference: "earn"})

			if _, _, err := l.Reserve(ctx, d, money("150"), "wd-0"); !errors.Is(err, ErrInsufficientBalance) {
				t.Fatalf("over-reserve: %v", err)
			}
			hold, tx, err := l.Reserve(ctx, d, money("60"), "wd-1")
			if err != nil {
				t.Fatalf("reserve: %v", err)
			}
			if tx.Status != TxHeld || !tx.Amount.Equal(money("-60")) {
				t.Fatalf("hold row = %+v", tx)
			}
			w, _ := l.Wallet(ctx, d)
			if !w.Balance.Equal(money("40")) || !w.Held.Equal(money("60")) {
				t.Fatalf("after hold balance=%s held=%s", w.Balance, w.Held)
			}

			if _, _, err := l.Release(ctx, hold.ID); err != nil {
				t.Fatalf("release: %v", err)
			}
			if _, _, err := l.Capture(ctx, hold.ID); !errors.Is(err, ErrInvalidReservation) {
				t.Fatalf("capture released hold: %v", err)
			}
			w, _ = l.Wallet(ctx, d)
			if !w.Balance.Equal(money("100")) || !w.Held.IsZero() {
				t.Fatalf("after release balance=%s held=%s", w.Balance, w.Held)
			}

			hold2, _, err := l.Reserve(ctx, d, money("30"), "wd-2")
			if err != nil {
				t.Fatalf("reserve 2: %v", err)
			}
			_, capTx, err := l.Capture(ctx, hold2.ID)
			if err != nil {
				t.Fatalf("capture: %v", err)
			}
			if !capTx.Amount.IsZero() || capTx.Type != TxWithdrawal {
				t.Fatalf("capture row = %+v", capTx)
			}
			w, _ = l.Wallet(ctx, d)
			if !w.Balance.Equal(money("70")) || !w.Held.IsZero() || !w.TotalWithdrawn.Equal(money("30")) {
				t.Fatalf("after capture %+v", w)
			}
			got, _ := l.Reservation(ctx, hold2.ID)
			if got.State != ReservationCaptured || got.ClosedAt == nil {
				t.Fatalf("reservation = %+v", got)
			}
			if _, _, err := l.Release(ctx, "missing"); !errors.Is(err, ErrReservationNotFound) {
				t.Fatalf("release missing: %v", err)
			}
			assertReplay(t, l, d)
		})
	}
}

func TestVerifyDetectsDrift(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	l := NewLedger(store, nil)
	d := Driver("driver-drift")
	_, _ = l.Credit(ctx, CreditCommand{Owner: d, Amount: money("10"), Type: TxRideEarning, Reference: "a"})
	_, _ = l.Credit(ctx, CreditCommand{Owner: d, Amount: money("5"), Type: TxRideEarning, Reference: "b"})
	assertReplay(t, l, d)

	store.mu.Lock()
	store.wallets[d].Balance = money("99")
	store.mu.Unlock()
	rec, err := l.Verify(ctx, d)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if rec.Consistent || !rec.Replayed.Equal(money("15")) {
		t.Fatalf("drift not detected: %+v", rec)
	}
	if _, err := l.Verify(ctx, Driver("nobody")); !errors.Is(err, ErrWalletNotFound) {
		t.Fatalf("verify missing: %v", err)
	}
}

func TestConcurrentPostingKeepsReplayInvariant(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r := Rider("rider-race")
			drivers := []Owner{Driver("d-a"), Driver("d-b")}
			_, _ = l.Credit(ctx, CreditCommand{Owner: r, Amount: money("100"), Type: TxTopUp, Reference: "topup"})

			start := make(chan struct{})
			var wg sync.WaitGroup
			var mu sync.Mutex
			paid := 0
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					<-start
					ref := fmt.Sprintf("ride-%d:settlement", i)
					_, err := l.Post(ctx, []Entry{
						{Owner: drivers[i%2], Amount: money("8"), Type: TxRideEarning, Reference: ref},
						{Owner: r, Amount: money("-10"), Type: TxRidePayment, Reference: ref},
					})
					if err == nil {
						mu.Lock()
						paid++
						mu.Unlock()
						return
					}
					if !errors.Is(err, ErrInsufficientBalance) {
						t.Errorf("post %d: %v", i, err)
					}
				}(i)
			}
			close(start)
			wg.Wait()

			if paid != 10 {
				t.Fatalf("paid rides = %d, want 10", paid)
			}
			w, _ := l.Wallet(ctx, r)
			if !w.Balance.IsZero() {
				t.Fatalf("rider balance = %s", w.Balance)
			}
			assertReplay(t, l, r)
			for _, d := range drivers {
				assertReplay(t, l, d)
			}
		})
	}
}
