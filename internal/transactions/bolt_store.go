package transactions

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "github.com/boltdb/bolt"
	"github.com/mbd888/txguard/internal/pagination"
)

var (
	bucketTransactions = []byte("transactions")
	bucketUserHistory  = []byte("user_history")
	bucketChargebacks  = []byte("chargebacks")
)

// BoltStore is an embedded single-file Store. History for each user lives in
// its own nested bucket keyed by (timestamp, id), so window reads are a
// cursor seek plus a forward scan.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// OpenBoltStore opens (or creates) the database file at path and ensures the
// top-level buckets exist.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketTransactions, bucketUserHistory, bucketChargebacks} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}
	return &BoltStore{db: db, now: time.Now}, nil
}

// Close releases the database file lock.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Ping checks that the database file is still open and readable.
func (s *BoltStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(btx *bolt.Tx) error {
		if btx.Bucket(bucketTransactions) == nil {
			return fmt.Errorf("bucket %s missing", bucketTransactions)
		}
		return nil
	})
}

func (s *BoltStore) Create(ctx context.Context, tx *Transaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(btx *bolt.Tx) error {
		records := btx.Bucket(bucketTransactions)
		idKey := itob(tx.ID)
		if records.Get(idKey) != nil {
			return ErrDuplicateID
		}
		if err := prepareCreate(tx, s.now().UTC()); err != nil {
			return err
		}
		data, err := json.Marshal(tx)
		if err != nil {
			return err
		}
		if err := records.Put(idKey, data); err != nil {
			return err
		}
		user, err := btx.Bucket(bucketUserHistory).CreateBucketIfNotExists(itob(tx.UserID))
		if err != nil {
			return err
		}
		return user.Put(historyKey(tx.Timestamp, tx.ID), idKey)
	})
}

func (s *BoltStore) Get(ctx context.Context, id int64) (*Transaction, error) {
	var out *Transaction
	err := s.db.View(func(btx *bolt.Tx) error {
		tx, err := loadTransaction(btx, id)
		out = tx
		return err
	})
	return out, err
}

func (s *BoltStore) MarkChargeback(ctx context.Context, id int64) (*Transaction, error) {
	var out *Transaction
	err := s.db.Update(func(btx *bolt.Tx) error {
		tx, err := loadTransaction(btx, id)
		if err != nil {
			return err
		}
		changed, err := tx.MarkChargeback()
		if err != nil {
			return err
		}
		out = tx
		if !changed {
			return nil
		}
		tx.UpdatedAt = s.now().UTC()
		data, err := json.Marshal(tx)
		if err != nil {
			return err
		}
		if err := btx.Bucket(bucketTransactions).Put(itob(id), data); err != nil {
			return err
		}
		return btx.Bucket(bucketChargebacks).Put(itob(tx.UserID), []byte{1})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) ListByUser(ctx context.Context, userID int64, cursor *pagination.Cursor, limit int) ([]*Transaction, error) {
	result := make([]*Transaction, 0, limit)
	err := s.db.View(func(btx *bolt.Tx) error {
		user := btx.Bucket(bucketUserHistory).Bucket(itob(userID))
		if user == nil {
			return nil
		}
		c := user.Cursor()
		var k, v []byte
		if cursor == nil {
			k, v = c.Last()
		} else {
			seek := historyKey(cursor.At, cursor.ID)
			k, v = c.Seek(seek)
			// Seek lands on the first key >= cursor; step back past it.
			if k == nil {
				k, v = c.Last()
			}
			for k != nil && bytes.Compare(k, seek) >= 0 {
				k, v = c.Prev()
			}
		}
		for ; k != nil && len(result) < limit; k, v = c.Prev() {
			tx, err := loadTransaction(btx, btoi(v))
			if err != nil {
				return err
			}
			result = append(result, tx)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *BoltStore) TransactionsInWindow(ctx context.Context, userID int64, from, to time.Time) ([]*Transaction, error) {
	var out []*Transaction
	err := s.db.View(func(btx *bolt.Tx) error {
		var err error
		out, err = boltView{btx}.TransactionsInWindow(ctx, userID, from, to)
		return err
	})
	return out, err
}

func (s *BoltStore) HasChargeback(ctx context.Context, userID int64) (bool, error) {
	var out bool
	err := s.db.View(func(btx *bolt.Tx) error {
		var err error
		out, err = boltView{btx}.HasChargeback(ctx, userID)
		return err
	})
	return out, err
}

func (s *BoltStore) HasDeniedTransaction(ctx context.Context, userID int64, from, to time.Time) (bool, error) {
	var out bool
	err := s.db.View(func(btx *bolt.Tx) error {
		var err error
		out, err = boltView{btx}.HasDeniedTransaction(ctx, userID, from, to)
		return err
	})
	return out, err
}

// Snapshot runs fn inside a single read transaction.
func (s *BoltStore) Snapshot(ctx context.Context, fn func(History) error) error {
	return s.db.View(func(btx *bolt.Tx) error {
		return fn(boltView{btx})
	})
}

type boltView struct {
	btx *bolt.Tx
}

func (v boltView) TransactionsInWindow(ctx context.Context, userID int64, from, to time.Time) ([]*Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	user := v.btx.Bucket(bucketUserHistory).Bucket(itob(userID))
	if user == nil {
		return nil, nil
	}
	lower := historyKey(from, minID)
	upper := historyKey(to, maxID)

	var result []*Transaction
	c := user.Cursor()
	for k, val := c.Seek(lower); k != nil && bytes.Compare(k, upper) <= 0; k, val = c.Next() {
		tx, err := loadTransaction(v.btx, btoi(val))
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, nil
}

func (v boltView) HasChargeback(ctx context.Context, userID int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return v.btx.Bucket(bucketChargebacks).Get(itob(userID)) != nil, nil
}

func (v boltView) HasDeniedTransaction(ctx context.Context, userID int64, from, to time.Time) (bool, error) {
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

func loadTransaction(btx *bolt.Tx, id int64) (*Transaction, error) {
	data := btx.Bucket(bucketTransactions).Get(itob(id))
	if data == nil {
		return nil, ErrNotFound
	}
	var tx Transaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("failed to decode transaction %d: %w", id, err)
	}
	return &tx, nil
}

const (
	minID = int64(-1 << 63)
	maxID = int64(1<<63 - 1)
)

// itob encodes a signed id so that byte order matches numeric order.
func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v)^(1<<63))
	return b
}

func btoi(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b) ^ (1 << 63))
}

func historyKey(ts time.Time, id int64) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[:8], uint64(ts.UnixNano())^(1<<63))
	copy(b[8:], itob(id))
	return b
}
