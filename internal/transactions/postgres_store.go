package transactions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mbd888/txguard/internal/logging"
	"github.com/mbd888/txguard/internal/pagination"
	"github.com/mbd888/txguard/internal/retry"
	"golang.org/x/sync/semaphore"
)

const (
	pqUniqueViolation        = "23505"
	pqSerializationFailure   = "40001"
	pqDeadlockDetected       = "40P01"
	transactionSelectColumns = `id, merchant_id, user_id, device_id, card_number, transaction_date,
		amount, recommendation, violations, rule_set, has_cbk, created_at, updated_at`
)

// snapshotRetry covers serialization conflicts with concurrent writers.
var snapshotRetry = retry.Policy{
	Attempts:  3,
	BaseDelay: 20 * time.Millisecond,
	MaxDelay:  200 * time.Millisecond,
}

// PostgresStore persists transactions in PostgreSQL. The schema lives in the
// goose migrations under migrations/.
type PostgresStore struct {
	db *sql.DB
	// lockSlots caps the connections pinned by LockUser; nil when the pool
	// is unbounded.
	lockSlots *semaphore.Weighted
}

// NewPostgresStore creates a PostgreSQL-backed transaction store. Call it
// after sizing the pool: the advisory lock budget is derived from
// MaxOpenConnections.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	p := &PostgresStore{db: db}
	if n := advisoryLockSlots(db.Stats().MaxOpenConnections); n > 0 {
		p.lockSlots = semaphore.NewWeighted(int64(n))
	}
	return p
}

// advisoryLockSlots returns how many connections may hold advisory locks at
// once. A lock holder needs one more connection for its reads and insert, so
// at most half the pool is pinned and the other half always drains.
func advisoryLockSlots(maxOpen int) int {
	if maxOpen <= 0 {
		return 0
	}
	return max(maxOpen/2, 1)
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (p *PostgresStore) Create(ctx context.Context, tx *Transaction) error {
	if err := prepareCreate(tx, time.Now().UTC()); err != nil {
		return err
	}

	var deviceID sql.NullInt64
	if tx.DeviceID != nil {
		deviceID = sql.NullInt64{Int64: *tx.DeviceID, Valid: true}
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transactions (
			id, merchant_id, user_id, device_id, card_number, transaction_date,
			amount, recommendation, violations, rule_set, has_cbk, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, FALSE, $11, $12)`,
		tx.ID, tx.MerchantID, tx.UserID, deviceID, tx.CardNumber, tx.Timestamp.UTC(),
		tx.Amount, string(tx.Recommendation), pq.Array(nonNil(tx.Violations)), tx.RuleSet,
		tx.CreatedAt, tx.UpdatedAt,
	)
	if pgCode(err) == pqUniqueViolation {
		return ErrDuplicateID
	}
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id int64) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+transactionSelectColumns+` FROM transactions WHERE id = $1`, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return tx, err
}

// MarkChargeback flips the flag in a single transaction holding a row lock,
// so concurrent flags on the same record serialize.
func (p *PostgresStore) MarkChargeback(ctx context.Context, id int64) (*Transaction, error) {
	dbTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin chargeback: %w", err)
	}
	defer func() { _ = dbTx.Rollback() }()

	row := dbTx.QueryRowContext(ctx,
		`SELECT `+transactionSelectColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	changed, err := tx.MarkChargeback()
	if err != nil {
		return nil, err
	}
	if changed {
		tx.UpdatedAt = time.Now().UTC()
		if _, err := dbTx.ExecContext(ctx,
			`UPDATE transactions SET has_cbk = TRUE, updated_at = $2 WHERE id = $1 AND has_cbk = FALSE`,
			id, tx.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to flag chargeback: %w", err)
		}
	}
	if err := dbTx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit chargeback: %w", err)
	}
	return tx, nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID int64, cursor *pagination.Cursor, limit int) ([]*Transaction, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if cursor == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+transactionSelectColumns+` FROM transactions
			WHERE user_id = $1
			ORDER BY transaction_date DESC, id DESC
			LIMIT $2`, userID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+transactionSelectColumns+` FROM transactions
			WHERE user_id = $1 AND (transaction_date, id) < ($2, $3)
			ORDER BY transaction_date DESC, id DESC
			LIMIT $4`, userID, cursor.At, cursor.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanTransactions(rows)
}

func (p *PostgresStore) TransactionsInWindow(ctx context.Context, userID int64, from, to time.Time) ([]*Transaction, error) {
	return postgresView{p.db}.TransactionsInWindow(ctx, userID, from, to)
}

func (p *PostgresStore) HasChargeback(ctx context.Context, userID int64) (bool, error) {
	return postgresView{p.db}.HasChargeback(ctx, userID)
}

func (p *PostgresStore) HasDeniedTransaction(ctx context.Context, userID int64, from, to time.Time) (bool, error) {
	return postgresView{p.db}.HasDeniedTransaction(ctx, userID, from, to)
}

// Snapshot runs fn inside a read-only REPEATABLE READ transaction. Every
// query fn issues sees the same committed state. Serialization failures are
// retried; any other error is returned as is.
func (p *PostgresStore) Snapshot(ctx context.Context, fn func(History) error) error {
	policy := snapshotRetry
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		logging.L(ctx).Debug("retrying history snapshot", "attempt", attempt, "wait", wait, "error", err)
	}
	return retry.Do(ctx, policy, func() error {
		dbTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
		if err != nil {
			return retry.Permanent(fmt.Errorf("failed to begin snapshot: %w", err))
		}
		defer func() { _ = dbTx.Rollback() }()

		if err := fn(postgresView{dbTx}); err != nil {
			return classify(err)
		}
		if err := dbTx.Commit(); err != nil {
			return classify(err)
		}
		return nil
	})
}

// LockUser takes a session-level advisory lock keyed by user id on a
// dedicated connection. It first waits for one of the store's lock slots so
// lock holders can never starve the pool they need for their own queries.
// The returned func releases the lock, the connection and the slot.
func (p *PostgresStore) LockUser(ctx context.Context, userID int64) (func(), error) {
	releaseSlot := func() {}
	if p.lockSlots != nil {
		if err := p.lockSlots.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("failed to wait for lock slot: %w", err)
		}
		releaseSlot = func() { p.lockSlots.Release(1) }
	}

	conn, err := p.db.Conn(ctx)
	if err != nil {
		releaseSlot()
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, userID); err != nil {
		_ = conn.Close()
		releaseSlot()
		return nil, fmt.Errorf("failed to lock user %d: %w", userID, err)
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, userID)
		_ = conn.Close()
		releaseSlot()
	}, nil
}

// Ping checks database connectivity.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

type postgresView struct {
	q queryer
}

func (v postgresView) TransactionsInWindow(ctx context.Context, userID int64, from, to time.Time) ([]*Transaction, error) {
	rows, err := v.q.QueryContext(ctx, `
		SELECT `+transactionSelectColumns+` FROM transactions
		WHERE user_id = $1 AND transaction_date BETWEEN $2 AND $3
		ORDER BY transaction_date ASC, id ASC`, userID, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query window: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanTransactions(rows)
}

func (v postgresView) HasChargeback(ctx context.Context, userID int64) (bool, error) {
	var exists bool
	err := v.q.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM transactions WHERE user_id = $1 AND has_cbk)`, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check chargeback: %w", err)
	}
	return exists, nil
}

func (v postgresView) HasDeniedTransaction(ctx context.Context, userID int64, from, to time.Time) (bool, error) {
	var exists bool
	err := v.q.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM transactions
			WHERE user_id = $1 AND recommendation = 'deny' AND transaction_date BETWEEN $2 AND $3
		)`, userID, from.UTC(), to.UTC(),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check denied transactions: %w", err)
	}
	return exists, nil
}

// --- scanners ---

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(sc scanner) (*Transaction, error) {
	tx := &Transaction{}
	var (
		deviceID       sql.NullInt64
		recommendation string
		violations     pq.StringArray
	)
	err := sc.Scan(
		&tx.ID, &tx.MerchantID, &tx.UserID, &deviceID, &tx.CardNumber, &tx.Timestamp,
		&tx.Amount, &recommendation, &violations, &tx.RuleSet, &tx.Chargeback,
		&tx.CreatedAt, &tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if deviceID.Valid {
		d := deviceID.Int64
		tx.DeviceID = &d
	}
	tx.Recommendation = Recommendation(recommendation)
	if len(violations) > 0 {
		tx.Violations = []string(violations)
	}
	return tx, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

func pgCode(err error) pq.ErrorCode {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code
	}
	return ""
}

// classify marks everything except serialization conflicts as permanent.
func classify(err error) error {
	switch pgCode(err) {
	case pqSerializationFailure, pqDeadlockDetected:
		return err
	}
	return retry.Permanent(err)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
