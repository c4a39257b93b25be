package wallet

import (
	"context"
	"sync"
	"time"

	"rideflow/internal/types"
)

// MemoryStore keeps every wallet behind one mutex.
type MemoryStore struct {
	mu           sync.Mutex
	wallets      map[Owner]*Wallet
	txs          map[Owner][]Transaction
	refs         map[Owner]map[string]struct{}
	reservations map[types.ID]*Reservation
	seq          int64
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:      make(map[Owner]*Wallet),
		txs:          make(map[Owner][]Transaction),
		refs:         make(map[Owner]map[string]struct{}),
		reservations: make(map[types.ID]*Reservation),
	}
}

func (m *MemoryStore) Post(_ context.Context, entries []Entry, now time.Time) ([]Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.postLocked(entries, now)
}

func (m *MemoryStore) postLocked(entries []Entry, now time.Time) ([]Transaction, error) {
	seen := make(map[Owner]map[string]struct{})
	staged := make(map[Owner]*Wallet)
	out := make([]Transaction, 0, len(entries))
	for _, e := range entries {
		if _, dup := m.refs[e.Owner][e.Reference]; dup {
			return nil, ErrDuplicateReference
		}
		if _, dup := seen[e.Owner][e.Reference]; dup {
			return nil, ErrDuplicateReference
		}
		if seen[e.Owner] == nil {
			seen[e.Owner] = make(map[string]struct{})
		}
		seen[e.Owner][e.Reference] = struct{}{}

		w, ok := staged[e.Owner]
		if !ok {
			if cur, exists := m.wallets[e.Owner]; exists {
				cp := *cur
				w = &cp
			} else {
				w = newWallet(e.Owner, now)
			}
			staged[e.Owner] = w
		}
		tx, err := applyEntry(w, e, now)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}

	for o, w := range staged {
		m.wallets[o] = w
	}
	for i := range out {
		m.seq++
		out[i].Seq = m.seq
		o := out[i].Owner
		m.txs[o] = append(m.txs[o], out[i])
		if m.refs[o] == nil {
			m.refs[o] = make(map[string]struct{})
		}
		m.refs[o][out[i].ReferenceID] = struct{}{}
	}
	return out, nil
}

func (m *MemoryStore) Reserve(_ context.Context, r Reservation, now time.Time) (Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reservations[r.ID]; ok {
		return Transaction{}, ErrDuplicateReference
	}
	txs, err := m.postLocked([]Entry{holdEntry(r)}, now)
	if err != nil {
		return Transaction{}, err
	}
	cp := r
	if r.Account != nil {
		acc := *r.Account
		cp.Account = &acc
	}
	m.reservations[r.ID] = &cp
	return txs[0], nil
}

func (m *MemoryStore) CloseReservation(_ context.Context, id types.ID, state ReservationState, now time.Time) (Reservation, Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[id]
	if !ok {
		return Reservation{}, Transaction{}, ErrReservationNotFound
	}
	e, err := closingEntry(*r, state)
	if err != nil {
		return Reservation{}, Transaction{}, err
	}
	txs, err := m.postLocked([]Entry{e}, now)
	if err != nil {
		return Reservation{}, Transaction{}, err
	}
	r.State = state
	closed := now
	r.ClosedAt = &closed
	return *r, txs[0], nil
}

func (m *MemoryStore) Reservation(_ context.Context, id types.ID) (Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[id]
	if !ok {
		return Reservation{}, ErrReservationNotFound
	}
	return *r, nil
}

func (m *MemoryStore) Wallet(_ context.Context, o Owner) (Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[o]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	return *w, nil
}

func (m *MemoryStore) Transactions(_ context.Context, o Owner, limit int) ([]Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.txs[o]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]Transaction, len(all))
	copy(out, all)
	return out, nil
}

func (m *MemoryStore) HasReference(_ context.Context, o Owner, reference string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.refs[o][reference]
	return ok, nil
}
