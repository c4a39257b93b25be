package wallet

import (
	"time"

	"github.com/shopspring/decimal"

	"rideflow/internal/types"
)

func newWallet(o Owner, now time.Time) *Wallet {
	return &Wallet{Owner: o, Currency: types.DefaultCurrency, UpdatedAt: now}
}

// applyEntry mutates w for e and returns the ledger row to append. Both
// stores call it inside their critical section.
func applyEntry(w *Wallet, e Entry, now time.Time) (Transaction, error) {
	amount := types.RoundMoney(e.Amount)
	hold := types.RoundMoney(e.Hold)
	next := w.Balance.Add(amount)
	if amount.IsNegative() && next.IsNegative() && !(e.AllowOverdraft && w.Owner.Kind == OwnerDriver) {
		return Transaction{}, ErrInsufficientBalance
	}
	held := w.Held.Add(hold)
	if held.IsNegative() {
		return Transaction{}, ErrInvalidReservation
	}

	w.Balance = next
	w.Held = held
	switch e.Type {
	case TxRideEarning, TxCancellationEarning:
		w.TotalEarned = w.TotalEarned.Add(amount)
	case TxRidePayment, TxCancellationFee:
		w.TotalSpent = w.TotalSpent.Sub(amount)
	case TxTopUp:
		w.TotalToppedUp = w.TotalToppedUp.Add(amount)
	case TxWithdrawal:
		w.TotalWithdrawn = w.TotalWithdrawn.Sub(amount.Add(hold))
	}
	w.UpdatedAt = now

	status := TxCompleted
	if e.Type == TxWithdrawalHold {
		status = TxHeld
	}
	return Transaction{
		ID:           types.NewID(),
		Owner:        w.Owner,
		Amount:       amount,
		BalanceAfter: w.Balance,
		Type:         e.Type,
		Description:  e.Description,
		ReferenceID:  e.Reference,
		Status:       status,
		CreatedAt:    now,
	}, nil
}

// replay sums signed amounts in ledger order and checks every balance_after.
func replay(w Wallet, txs []Transaction) Reconciliation {
	rec := Reconciliation{Owner: w.Owner, Balance: w.Balance, Transactions: len(txs)}
	running := decimal.Zero
	for _, tx := range txs {
		running = running.Add(tx.Amount)
		if !running.Equal(tx.BalanceAfter) {
			rec.Mismatches = append(rec.Mismatches, tx.Seq)
		}
	}
	rec.Replayed = running
	rec.Consistent = len(rec.Mismatches) == 0 && running.Equal(w.Balance)
	return rec
}

// closingEntry is the ledger row that ends a hold.
func closingEntry(r Reservation, state ReservationState) (Entry, error) {
	if r.State != ReservationHeld {
		return Entry{}, ErrInvalidReservation
	}
	switch state {
	case ReservationReleased:
		return Entry{
			Owner:       r.Owner,
			Amount:      r.Amount,
			Hold:        r.Amount.Neg(),
			Type:        TxWithdrawalRelease,
			Reference:   r.Reference + ":release",
			Description: "withdrawal hold released",
		}, nil
	case ReservationCaptured:
		return Entry{
			Owner:       r.Owner,
			Amount:      decimal.Zero,
			Hold:        r.Amount.Neg(),
			Type:        TxWithdrawal,
			Reference:   r.Reference + ":capture",
			Description: "withdrawal paid out",
		}, nil
	}
	return Entry{}, ErrInvalidReservation
}
