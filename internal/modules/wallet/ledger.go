// README: Ledger is the only sanctioned mutation path for wallet balances.
package wallet

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"rideflow/internal/types"
)

var (
	ErrInsufficientBalance = errors.New("insufficient wallet balance")
	ErrDuplicateReference  = errors.New("duplicate ledger reference")
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrInvalidReservation  = errors.New("reservation is not held")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrBadRequest          = errors.New("bad request")
)

type Ledger struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

func NewLedger(store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, logger: logger, now: time.Now}
}

type CreditCommand struct {
	Owner       Owner
	Amount      types.Money
	Type        TxType
	Reference   string
	Description string
}

type DebitCommand struct {
	Owner          Owner
	Amount         types.Money
	Type           TxType
	Reference      string
	Description    string
	AllowOverdraft bool
}

func (l *Ledger) Credit(ctx context.Context, cmd CreditCommand) (Transaction, error) {
	if cmd.Type == "" {
		cmd.Type = TxAdjustment
	}
	e := Entry{Owner: cmd.Owner, Amount: cmd.Amount, Type: cmd.Type, Reference: cmd.Reference, Description: cmd.Description}
	if err := validate(e.Owner, cmd.Amount, cmd.Reference); err != nil {
		return Transaction{}, err
	}
	return l.postOne(ctx, e)
}

// Debit fails with ErrInsufficientBalance unless the wallet is a driver
// wallet and AllowOverdraft is set.
func (l *Ledger) Debit(ctx context.Context, cmd DebitCommand) (Transaction, error) {
	if cmd.Type == "" {
		cmd.Type = TxAdjustment
	}
	if err := validate(cmd.Owner, cmd.Amount, cmd.Reference); err != nil {
		return Transaction{}, err
	}
	if cmd.AllowOverdraft && cmd.Owner.Kind != OwnerDriver {
		return Transaction{}, ErrBadRequest
	}
	return l.postOne(ctx, Entry{
		Owner:          cmd.Owner,
		Amount:         cmd.Amount.Neg(),
		Type:           cmd.Type,
		Reference:      cmd.Reference,
		Description:    cmd.Description,
		AllowOverdraft: cmd.AllowOverdraft,
	})
}

// Post applies several entries as one unit. Amounts are signed.
func (l *Ledger) Post(ctx context.Context, entries []Entry) ([]Transaction, error) {
	if len(entries) == 0 {
		return nil, ErrBadRequest
	}
	for _, e := range entries {
		if !e.Owner.Kind.Valid() || e.Owner.ID == "" || e.Reference == "" || e.Type == "" {
			return nil, ErrBadRequest
		}
		if e.AllowOverdraft && e.Owner.Kind != OwnerDriver {
			return nil, ErrBadRequest
		}
	}
	txs, err := l.store.Post(ctx, entries, l.now())
	if err != nil {
		return nil, err
	}
	for _, tx := range txs {
		l.checkBalance(tx)
	}
	return txs, nil
}

// Reserve places a withdrawal hold; the amount leaves the spendable balance.
func (l *Ledger) Reserve(ctx context.Context, owner Owner, amount types.Money, reference string) (Reservation, Transaction, error) {
	return l.reserve(ctx, owner, amount, reference, nil)
}

// RequestWithdrawal is Reserve with the account the money will be paid to.
func (l *Ledger) RequestWithdrawal(ctx context.Context, owner Owner, amount types.Money, reference string, account PayoutAccount) (Reservation, Transaction, error) {
	if err := account.Validate(); err != nil {
		return Reservation{}, Transaction{}, err
	}
	return l.reserve(ctx, owner, amount, reference, &account)
}

func (l *Ledger) reserve(ctx context.Context, owner Owner, amount types.Money, reference string, account *PayoutAccount) (Reservation, Transaction, error) {
	if err := validate(owner, amount, reference); err != nil {
		return Reservation{}, Transaction{}, err
	}
	now := l.now()
	r := Reservation{
		ID:        types.NewID(),
		Owner:     owner,
		Amount:    types.RoundMoney(amount),
		Reference: reference,
		Account:   account,
		State:     ReservationHeld,
		CreatedAt: now,
	}
	tx, err := l.store.Reserve(ctx, r, now)
	if err != nil {
		return Reservation{}, Transaction{}, err
	}
	l.logger.Info("withdrawal hold placed", "owner", owner.String(), "amount", r.Amount.String(), "reservation_id", r.ID)
	return r, tx, nil
}

// Release returns a held amount to the balance.
func (l *Ledger) Release(ctx context.Context, reservationID types.ID) (Reservation, Transaction, error) {
	return l.close(ctx, reservationID, ReservationReleased)
}

// Capture finalises a hold as a withdrawal. The money already left the
// balance at Reserve, so the appended row carries a zero amount.
func (l *Ledger) Capture(ctx context.Context, reservationID types.ID) (Reservation, Transaction, error) {
	return l.close(ctx, reservationID, ReservationCaptured)
}

func (l *Ledger) Reservation(ctx context.Context, id types.ID) (Reservation, error) {
	return l.store.Reservation(ctx, id)
}

func (l *Ledger) HasReference(ctx context.Context, owner Owner, reference string) (bool, error) {
	return l.store.HasReference(ctx, owner, reference)
}

func (l *Ledger) Wallet(ctx context.Context, owner Owner) (Wallet, error) {
	return l.store.Wallet(ctx, owner)
}

func (l *Ledger) Transactions(ctx context.Context, owner Owner, limit int) ([]Transaction, error) {
	return l.store.Transactions(ctx, owner, limit)
}

// Verify replays the full ledger of owner against its materialised balance.
func (l *Ledger) Verify(ctx context.Context, owner Owner) (Reconciliation, error) {
	w, err := l.store.Wallet(ctx, owner)
	if err != nil {
		return Reconciliation{}, err
	}
	txs, err := l.store.Transactions(ctx, owner, 0)
	if err != nil {
		return Reconciliation{}, err
	}
	rec := replay(w, txs)
	if !rec.Consistent {
		l.logger.Error("ledger replay mismatch", "owner", owner.String(),
			"balance", rec.Balance.String(), "replayed", rec.Replayed.String(), "mismatches", len(rec.Mismatches))
	}
	return rec, nil
}

func (l *Ledger) close(ctx context.Context, id types.ID, state ReservationState) (Reservation, Transaction, error) {
	r, tx, err := l.store.CloseReservation(ctx, id, state, l.now())
	if err != nil {
		return Reservation{}, Transaction{}, err
	}
	l.logger.Info("withdrawal hold closed", "reservation_id", id, "state", state, "amount", r.Amount.String())
	return r, tx, nil
}

func (l *Ledger) postOne(ctx context.Context, e Entry) (Transaction, error) {
	txs, err := l.store.Post(ctx, []Entry{e}, l.now())
	if err != nil {
		return Transaction{}, err
	}
	l.checkBalance(txs[0])
	return txs[0], nil
}

// checkBalance flags a negative rider balance, which the debit guard forbids.
func (l *Ledger) checkBalance(tx Transaction) {
	if tx.Owner.Kind == OwnerRider && tx.BalanceAfter.IsNegative() {
		l.logger.Error("rider balance negative despite guard", "owner", tx.Owner.String(), "balance", tx.BalanceAfter.String())
	}
}

func validate(owner Owner, amount types.Money, reference string) error {
	if !owner.Kind.Valid() || owner.ID == "" || reference == "" {
		return ErrBadRequest
	}
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	return nil
}
