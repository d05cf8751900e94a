package transactions

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/txguard/internal/pagination"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[int64]*Transaction
	byUser map[int64][]*Transaction // sorted by (Timestamp, ID)
	now    func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[int64]*Transaction),
		byUser: make(map[int64][]*Transaction),
		now:    time.Now,
	}
}

func (m *MemoryStore) Create(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byID[tx.ID]; exists {
		return ErrDuplicateID
	}
	if err := prepareCreate(tx, m.now()); err != nil {
		return err
	}

	c := tx.Clone()
	m.byID[c.ID] = c

	list := m.byUser[c.UserID]
	i := sort.Search(len(list), func(i int) bool { return less(c, list[i]) })
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = c
	m.byUser[c.UserID] = list
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id int64) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return tx.Clone(), nil
}

func (m *MemoryStore) MarkChargeback(ctx context.Context, id int64) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	changed, err := tx.MarkChargeback()
	if err != nil {
		return nil, err
	}
	if changed {
		tx.UpdatedAt = m.now()
	}
	return tx.Clone(), nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID int64, cursor *pagination.Cursor, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.byUser[userID]
	result := make([]*Transaction, 0, limit)
	for i := len(list) - 1; i >= 0 && len(result) < limit; i-- {
		if beforeCursor(list[i], cursor) {
			result = append(result, list[i].Clone())
		}
	}
	return result, nil
}

func (m *MemoryStore) TransactionsInWindow(ctx context.Context, userID int64, from, to time.Time) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return memoryView{m}.TransactionsInWindow(ctx, userID, from, to)
}

func (m *MemoryStore) HasChargeback(ctx context.Context, userID int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return memoryView{m}.HasChargeback(ctx, userID)
}

func (m *MemoryStore) HasDeniedTransaction(ctx context.Context, userID int64, from, to time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return memoryView{m}.HasDeniedTransaction(ctx, userID, from, to)
}

// Snapshot holds the read lock for the duration of fn, so every read inside
// observes the same state.
func (m *MemoryStore) Snapshot(ctx context.Context, fn func(History) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(memoryView{m})
}

// memoryView reads without locking; the caller holds m.mu.
type memoryView struct {
	m *MemoryStore
}

func (v memoryView) TransactionsInWindow(ctx context.Context, userID int64, from, to time.Time) ([]*Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	list := v.m.byUser[userID]
	start := sort.Search(len(list), func(i int) bool { return !list[i].Timestamp.Before(from) })

	var result []*Transaction
	for _, tx := range list[start:] {
		if tx.Timestamp.After(to) {
			break
		}
		result = append(result, tx.Clone())
	}
	return result, nil
}

func (v memoryView) HasChargeback(ctx context.Context, userID int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	for _, tx := range v.m.byUser[userID] {
		if tx.Chargeback {
			return true, nil
		}
	}
	return false, nil
}

func (v memoryView) HasDeniedTransaction(ctx context.Context, userID int64, from, to time.Time) (bool, error) {
	txs, err := v.TransactionsInWindow(ctx, userID, from, to)
	if err != nil {
		return false, err
	}
	for _, tx := range txs {
		if tx.Recommendation == RecommendationDeny {
			return true, nil
		}
	}
	return false, nil
}

func less(a, b *Transaction) bool {
	if a.Timestamp.Equal(b.Timestamp) {
		return a.ID < b.ID
	}
	return a.Timestamp.Before(b.Timestamp)
}
