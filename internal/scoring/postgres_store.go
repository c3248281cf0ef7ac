package scoring

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"time"

	"github.com/mbd888/creditrisk/internal/customers"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// unlockTimeout bounds the advisory unlock issued after the caller's context
// may already be done.
const unlockTimeout = 5 * time.Second

// PostgresStore implements Store backed by PostgreSQL.
//
// WithCustomer serializes per customer with a session-level advisory lock
// taken on a dedicated connection before the REPEATABLE READ transaction
// begins, so the snapshot always includes every write committed by the
// previous lock holder.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed profile store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// lockKey maps a customer ID onto the bigint advisory lock space.
func lockKey(customerID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("credit_profile:" + customerID))
	return int64(h.Sum64())
}

func (p *PostgresStore) WithCustomer(ctx context.Context, customerID string, fn func(ProfileTx) error) (err error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	key := lockKey(customerID)
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, key); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}
	defer func() {
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unlockTimeout)
		defer cancel()
		if _, uerr := conn.ExecContext(uctx, `SELECT pg_advisory_unlock($1)`, key); uerr != nil {
			// Never hand a connection still holding the lock back to the pool.
			_ = conn.Raw(func(any) error { return driver.ErrBadConn })
		}
	}()

	// Stamped before BEGIN so the snapshot is no older than the stamp.
	var snapshot int64
	if err := conn.QueryRowContext(ctx, `SELECT nextval('credit_profile_snapshot_seq')`).Scan(&snapshot); err != nil {
		return fmt.Errorf("snapshot sequence: %w", err)
	}

	tx, err := conn.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&pgTx{tx: tx, customerID: customerID, snapshot: snapshot}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const profileColumns = `customer_id, score, risk_band, features, updated_at, stale, stale_reason, stale_since`

func (p *PostgresStore) Get(ctx context.Context, customerID string) (*Profile, error) {
	return getProfile(ctx, p.db, customerID)
}

func (p *PostgresStore) List(ctx context.Context, f ProfileFilter) ([]*Profile, error) {
	var where []string
	var args []any
	if f.RiskBand != "" {
		args = append(args, string(f.RiskBand))
		where = append(where, fmt.Sprintf("risk_band = $%d", len(args)))
	}
	if f.Stale != nil {
		args = append(args, *f.Stale)
		where = append(where, fmt.Sprintf("stale = $%d", len(args)))
	}
	if f.Cursor != nil {
		args = append(args, f.Cursor.CreatedAt, f.Cursor.ID)
		where = append(where, fmt.Sprintf("(updated_at, customer_id) < ($%d, $%d)", len(args)-1, len(args)))
	}

	query := "SELECT " + profileColumns + " FROM credit_profiles"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC, customer_id DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Profile
	for rows.Next() {
		prof, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, prof)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Watermark(ctx context.Context) (int64, error) {
	var v int64
	if err := p.db.QueryRowContext(ctx, `SELECT nextval('credit_profile_snapshot_seq')`).Scan(&v); err != nil {
		return 0, fmt.Errorf("watermark: %w", err)
	}
	return v, nil
}

func (p *PostgresStore) MarkStale(ctx context.Context, customerID, reason string, since time.Time) (bool, error) {
	return p.MarkStaleBefore(ctx, customerID, reason, since, math.MaxInt64)
}

func (p *PostgresStore) MarkStaleBefore(ctx context.Context, customerID, reason string, since time.Time, watermark int64) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE credit_profiles
		SET stale = TRUE, stale_reason = $2, stale_since = COALESCE(stale_since, $3)
		WHERE customer_id = $1 AND snapshot_seq < $4
	`, customerID, reason, since, watermark)
	if err != nil {
		return false, fmt.Errorf("mark stale: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *PostgresStore) Summary(ctx context.Context) (*Summary, error) {
	sum := newSummary()
	var avg sql.NullFloat64
	var minScore, maxScore sql.NullInt64
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE stale), AVG(score), MIN(score), MAX(score)
		FROM credit_profiles
	`).Scan(&sum.Profiles, &sum.Stale, &avg, &minScore, &maxScore)
	if err != nil {
		return nil, fmt.Errorf("summarize profiles: %w", err)
	}
	sum.AvgScore = avg.Float64
	sum.MinScore = int(minScore.Int64)
	sum.MaxScore = int(maxScore.Int64)

	rows, err := p.db.QueryContext(ctx, `SELECT risk_band, COUNT(*) FROM credit_profiles GROUP BY risk_band`)
	if err != nil {
		return nil, fmt.Errorf("count bands: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var band string
		var n int
		if err := rows.Scan(&band, &n); err != nil {
			return nil, err
		}
		sum.BandCount[Band(band)] = n
	}
	return sum, rows.Err()
}

// DeleteCustomerData removes the customer's profile. Deleting the customer
// row cascades here too.
func (p *PostgresStore) DeleteCustomerData(ctx context.Context, customerID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM credit_profiles WHERE customer_id = $1`, customerID)
	return err
}

type pgTx struct {
	tx         *sql.Tx
	customerID string
	snapshot   int64
}

func (t *pgTx) History(ctx context.Context) (*customers.History, error) {
	return customers.LoadHistory(ctx, t.tx, t.customerID)
}

func (t *pgTx) Current(ctx context.Context) (*Profile, error) {
	return getProfile(ctx, t.tx, t.customerID)
}

func (t *pgTx) Put(ctx context.Context, prof *Profile) error {
	if prof.CustomerID != t.customerID {
		return ErrInvalidProfile
	}
	if err := prof.Validate(); err != nil {
		return err
	}
	features, err := json.Marshal(prof.Features)
	if err != nil {
		return fmt.Errorf("encode features: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO credit_profiles (customer_id, score, risk_band, features, updated_at, stale, stale_reason, stale_since, snapshot_seq)
		VALUES ($1, $2, $3, $4, $5, FALSE, '', NULL, $6)
		ON CONFLICT (customer_id) DO UPDATE SET
			score = EXCLUDED.score,
			risk_band = EXCLUDED.risk_band,
			features = EXCLUDED.features,
			updated_at = EXCLUDED.updated_at,
			stale = FALSE,
			stale_reason = '',
			stale_since = NULL,
			snapshot_seq = EXCLUDED.snapshot_seq
	`, prof.CustomerID, prof.Score, string(prof.RiskBand), features, prof.UpdatedAt, t.snapshot)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	prof.Stale, prof.StaleReason, prof.StaleSince = false, "", nil
	return nil
}

func getProfile(ctx context.Context, q customers.Querier, customerID string) (*Profile, error) {
	row := q.QueryRowContext(ctx, "SELECT "+profileColumns+" FROM credit_profiles WHERE customer_id = $1", customerID)
	prof, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProfileNotFound
	}
	return prof, err
}

type scannable interface {
	Scan(dest ...any) error
}

func scanProfile(row scannable) (*Profile, error) {
	var (
		prof       Profile
		band       string
		features   []byte
		staleSince sql.NullTime
	)
	if err := row.Scan(&prof.CustomerID, &prof.Score, &band, &features, &prof.UpdatedAt,
		&prof.Stale, &prof.StaleReason, &staleSince); err != nil {
		return nil, err
	}
	prof.RiskBand = Band(band)
	if len(features) > 0 {
		if err := json.Unmarshal(features, &prof.Features); err != nil {
			return nil, fmt.Errorf("decode features: %w", err)
		}
	}
	if staleSince.Valid {
		t := staleSince.Time
		prof.StaleSince = &t
	}
	return &prof, nil
}
