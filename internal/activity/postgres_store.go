package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore persists entries in the activity_logs table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed activity store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, e *Entry) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO activity_logs (
			id, customer_id, action, severity, description, metadata,
			actor_type, actor_id, ip_address, user_agent, request_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6::JSONB, $7, $8, $9, $10, $11, $12)
	`,
		e.ID, nullString(e.CustomerID), string(e.Action), string(e.Severity), e.Description, string(meta),
		e.ActorType, e.ActorID, e.IPAddress, e.UserAgent, e.RequestID, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert activity log: %w", err)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Entry, error) {
	where, args := buildWhere(f)
	if f.Cursor != nil {
		args = append(args, f.Cursor.CreatedAt, f.Cursor.ID)
		where = append(where, fmt.Sprintf("(a.created_at, a.id) < ($%d, $%d::UUID)", len(args)-1, len(args)))
	}

	query := `SELECT a.id, COALESCE(a.customer_id::TEXT, ''), a.action, a.severity, a.description,
			a.metadata::TEXT, a.actor_type, a.actor_id, a.ip_address, a.user_agent, a.request_id, a.created_at
		FROM activity_logs a
		LEFT JOIN customers c ON c.id = a.customer_id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY a.created_at DESC, a.id DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query activity logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		e := &Entry{}
		var action, severity, meta string
		if err := rows.Scan(&e.ID, &e.CustomerID, &action, &severity, &e.Description,
			&meta, &e.ActorType, &e.ActorID, &e.IPAddress, &e.UserAgent, &e.RequestID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity log: %w", err)
		}
		e.Action = Action(action)
		e.Severity = Severity(severity)
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", e.ID, err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Stats(ctx context.Context, f Filter, now time.Time) (*Stats, error) {
	where, args := buildWhere(f)
	args = append(args, startOfDay(now))
	query := fmt.Sprintf(`SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE a.severity IN ('error', 'critical')),
			COUNT(*) FILTER (WHERE a.created_at >= $%d)
		FROM activity_logs a
		LEFT JOIN customers c ON c.id = a.customer_id`, len(args))
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	s := &Stats{}
	if err := p.db.QueryRowContext(ctx, query, args...).Scan(&s.Total, &s.ErrorCount, &s.TodayCount); err != nil {
		return nil, fmt.Errorf("activity stats: %w", err)
	}
	return s, nil
}

func (p *PostgresStore) DeleteCustomerData(ctx context.Context, customerID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM activity_logs WHERE customer_id = $1`, customerID)
	if err != nil {
		return fmt.Errorf("delete activity logs: %w", err)
	}
	return nil
}

// buildWhere turns the filter into positional predicates over
// activity_logs a LEFT JOIN customers c.
func buildWhere(f Filter) ([]string, []any) {
	var where []string
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if f.CustomerID != "" {
		add("a.customer_id = $%d", f.CustomerID)
	}
	if f.Action != "" {
		add("a.action = $%d", string(f.Action))
	}
	if f.Severity != "" {
		add("a.severity = $%d", string(f.Severity))
	}
	if !f.From.IsZero() {
		add("a.created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("a.created_at < $%d", f.To)
	}
	if f.Search != "" {
		args = append(args, "%"+escapeLike(f.Search)+"%")
		n := len(args)
		where = append(where, fmt.Sprintf(
			"(a.description ILIKE $%d OR c.full_name ILIKE $%d OR c.email ILIKE $%d)", n, n, n))
	}
	return where, args
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
