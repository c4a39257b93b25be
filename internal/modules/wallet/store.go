// README: Ledger persistence contract shared by the memory and PostgreSQL stores.
package wallet

import (
	"context"
	"time"

	"rideflow/internal/types"
)

// Store applies entries atomically. Post either appends one transaction per
// entry or changes nothing.
type Store interface {
	Post(ctx context.Context, entries []Entry, now time.Time) ([]Transaction, error)
	Reserve(ctx context.Context, r Reservation, now time.Time) (Transaction, error)
	CloseReservation(ctx context.Context, id types.ID, state ReservationState, now time.Time) (Reservation, Transaction, error)
	Reservation(ctx context.Context, id types.ID) (Reservation, error)
	Wallet(ctx context.Context, o Owner) (Wallet, error)
	// Transactions lists a wallet's rows oldest first; limit <= 0 means all.
	Transactions(ctx context.Context, o Owner, limit int) ([]Transaction, error)
	HasReference(ctx context.Context, o Owner, reference string) (bool, error)
}

func holdEntry(r Reservation) Entry {
	return Entry{
		Owner:       r.Owner,
		Amount:      r.Amount.Neg(),
		Hold:        r.Amount,
		Type:        TxWithdrawalHold,
		Reference:   r.Reference + ":hold",
		Description: "withdrawal hold",
	}
}
