// README: Ledger store backed by PostgreSQL. Wallet rows are locked FOR UPDATE in owner order.
package wallet

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"rideflow/internal/types"
)

type PGStore struct {
	db *pgxpool.Pool
}

var _ Store = (*PGStore)(nil)

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

const walletColumns = `owner_kind, owner_id, currency, balance, held, total_earned, total_spent, total_withdrawn, total_topped_up, updated_at`

const reservationColumns = `id, owner_kind, owner_id, amount, reference, state, created_at, closed_at,
	payout_method, payout_bank_code, payout_account_number, payout_holder_name, payout_phone`

const txColumns = `id, seq, owner_kind, owner_id, amount, balance_after, type, description, reference_id, status, created_at`

func scanWallet(row pgx.Row) (Wallet, error) {
	var w Wallet
	err := row.Scan(&w.Owner.Kind, &w.Owner.ID, &w.Currency, &w.Balance, &w.Held,
		&w.TotalEarned, &w.TotalSpent, &w.TotalWithdrawn, &w.TotalToppedUp, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Wallet{}, ErrWalletNotFound
	}
	return w, err
}

func (s *PGStore) Post(ctx context.Context, entries []Entry, now time.Time) ([]Transaction, error) {
	var out []Transaction
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		var err error
		out, err = postTx(ctx, tx, entries, now)
		return err
	})
	return out, err
}

func postTx(ctx context.Context, tx pgx.Tx, entries []Entry, now time.Time) ([]Transaction, error) {
	owners := make([]Owner, 0, len(entries))
	seen := make(map[Owner]bool)
	for _, e := range entries {
		if !seen[e.Owner] {
			seen[e.Owner] = true
			owners = append(owners, e.Owner)
		}
	}
	sort.Slice(owners, func(i, j int) bool { return owners[i].Less(owners[j]) })

	wallets := make(map[Owner]*Wallet, len(owners))
	for _, o := range owners {
		_, err := tx.Exec(ctx, `
			INSERT INTO wallets (owner_kind, owner_id, currency, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (owner_kind, owner_id) DO NOTHING`,
			string(o.Kind), string(o.ID), types.DefaultCurrency, now)
		if err != nil {
			return nil, err
		}
		w, err := scanWallet(tx.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets
			WHERE owner_kind = $1 AND owner_id = $2 FOR UPDATE`, string(o.Kind), string(o.ID)))
		if err != nil {
			return nil, err
		}
		wallets[o] = &w
	}

	out := make([]Transaction, 0, len(entries))
	for _, e := range entries {
		t, err := applyEntry(wallets[e.Owner], e, now)
		if err != nil {
			return nil, err
		}
		err = tx.QueryRow(ctx, `
			INSERT INTO wallet_transactions (
				id, owner_kind, owner_id, amount, balance_after, type, description, reference_id, status, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING seq`,
			string(t.ID), string(t.Owner.Kind), string(t.Owner.ID), t.Amount, t.BalanceAfter,
			string(t.Type), t.Description, t.ReferenceID, string(t.Status), t.CreatedAt,
		).Scan(&t.Seq)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateReference
		}
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}

	for _, o := range owners {
		w := wallets[o]
		_, err := tx.Exec(ctx, `
			UPDATE wallets
			SET balance = $1, held = $2, total_earned = $3, total_spent = $4,
				total_withdrawn = $5, total_topped_up = $6, updated_at = $7
			WHERE owner_kind = $8 AND owner_id = $9`,
			w.Balance, w.Held, w.TotalEarned, w.TotalSpent, w.TotalWithdrawn, w.TotalToppedUp, w.UpdatedAt,
			string(o.Kind), string(o.ID))
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *PGStore) Reserve(ctx context.Context, r Reservation, now time.Time) (Transaction, error) {
	var out Transaction
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		txs, err := postTx(ctx, tx, []Entry{holdEntry(r)}, now)
		if err != nil {
			return err
		}
		acc := toAccountColumns(r.Account)
		_, err = tx.Exec(ctx, `
			INSERT INTO wallet_reservations (
				id, owner_kind, owner_id, amount, reference, state, created_at,
				payout_method, payout_bank_code, payout_account_number, payout_holder_name, payout_phone
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			string(r.ID), string(r.Owner.Kind), string(r.Owner.ID), r.Amount, r.Reference, string(r.State), r.CreatedAt,
			acc.method, acc.bankCode, acc.accountNumber, acc.holderName, acc.phone)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateReference
		}
		if err != nil {
			return err
		}
		out = txs[0]
		return nil
	})
	return out, err
}

func (s *PGStore) CloseReservation(ctx context.Context, id types.ID, state ReservationState, now time.Time) (Reservation, Transaction, error) {
	var res Reservation
	var out Transaction
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		r, err := scanReservation(tx.QueryRow(ctx, `SELECT `+reservationColumns+`
			FROM wallet_reservations WHERE id = $1 FOR UPDATE`, string(id)))
		if err != nil {
			return err
		}
		e, err := closingEntry(r, state)
		if err != nil {
			return err
		}
		txs, err := postTx(ctx, tx, []Entry{e}, now)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE wallet_reservations SET state = $1, closed_at = $2 WHERE id = $3`,
			string(state), now, string(id)); err != nil {
			return err
		}
		r.State = state
		closed := now
		r.ClosedAt = &closed
		res, out = r, txs[0]
		return nil
	})
	return res, out, err
}

func (s *PGStore) Reservation(ctx context.Context, id types.ID) (Reservation, error) {
	return scanReservation(s.db.QueryRow(ctx, `SELECT `+reservationColumns+`
		FROM wallet_reservations WHERE id = $1`, string(id)))
}

// accountColumns is a PayoutAccount flattened to nullable columns.
type accountColumns struct {
	method, bankCode, accountNumber, holderName, phone *string
}

func toAccountColumns(a *PayoutAccount) accountColumns {
	if a == nil {
		return accountColumns{}
	}
	method := string(a.Method)
	return accountColumns{
		method:        &method,
		bankCode:      &a.BankCode,
		accountNumber: &a.AccountNumber,
		holderName:    &a.HolderName,
		phone:         &a.Phone,
	}
}

func scanReservation(row pgx.Row) (Reservation, error) {
	var r Reservation
	var acc accountColumns
	err := row.Scan(&r.ID, &r.Owner.Kind, &r.Owner.ID, &r.Amount, &r.Reference, &r.State, &r.CreatedAt, &r.ClosedAt,
		&acc.method, &acc.bankCode, &acc.accountNumber, &acc.holderName, &acc.phone)
	if errors.Is(err, pgx.ErrNoRows) {
		return Reservation{}, ErrReservationNotFound
	}
	if err != nil {
		return Reservation{}, err
	}
	if acc.method != nil {
		r.Account = &PayoutAccount{
			Method:        PayoutMethod(*acc.method),
			BankCode:      deref(acc.bankCode),
			AccountNumber: deref(acc.accountNumber),
			HolderName:    deref(acc.holderName),
			Phone:         deref(acc.phone),
		}
	}
	return r, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (s *PGStore) Wallet(ctx context.Context, o Owner) (Wallet, error) {
	return scanWallet(s.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets
		WHERE owner_kind = $1 AND owner_id = $2`, string(o.Kind), string(o.ID)))
}

func (s *PGStore) Transactions(ctx context.Context, o Owner, limit int) ([]Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM wallet_transactions
		WHERE owner_kind = $1 AND owner_id = $2 ORDER BY seq`
	args := []any{string(o.Kind), string(o.ID)}
	if limit > 0 {
		query = `SELECT * FROM (SELECT ` + txColumns + ` FROM wallet_transactions
			WHERE owner_kind = $1 AND owner_id = $2 ORDER BY seq DESC LIMIT $3) t ORDER BY seq`
		args = append(args, limit)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Transaction
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.ID, &t.Seq, &t.Owner.Kind, &t.Owner.ID, &t.Amount, &t.BalanceAfter,
			&t.Type, &t.Description, &t.ReferenceID, &t.Status, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PGStore) HasReference(ctx context.Context, o Owner, reference string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM wallet_transactions
			WHERE owner_kind = $1 AND owner_id = $2 AND reference_id = $3
		)`, string(o.Kind), string(o.ID), reference).Scan(&exists)
	return exists, err
}
