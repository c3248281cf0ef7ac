package customers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// Querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore implements Store backed by PostgreSQL. The schema lives in
// the migrations package.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed customer store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
)

// mapPQError translates constraint violations into package errors.
func mapPQError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch string(pqErr.Code) {
	case pqUniqueViolation:
		if pqErr.Constraint == "idx_customers_email" {
			return ErrEmailTaken
		}
	case pqForeignKeyViolation:
		switch pqErr.Constraint {
		case "orders_customer_id_fkey", "payments_customer_id_fkey":
			return ErrCustomerNotFound
		case "payments_order_id_fkey":
			return ErrOrderNotFound
		}
	}
	return err
}

// --- customers ---

func (p *PostgresStore) CreateCustomer(ctx context.Context, c *Customer) error {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO customers (id, full_name, email, phone, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, NOW()))
		RETURNING created_at
	`, c.ID, c.FullName, c.Email, c.Phone, nullTime(c.CreatedAt)).Scan(&c.CreatedAt)
	if err != nil {
		if mapped := mapPQError(err); mapped != err {
			return mapped
		}
		return fmt.Errorf("insert customer: %w", err)
	}
	return nil
}

const customerColumns = `id, full_name, email, phone, created_at`

func (p *PostgresStore) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = $1`, id)
	return scanCustomer(row)
}

func (p *PostgresStore) GetCustomerByEmail(ctx context.Context, email string) (*Customer, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers WHERE LOWER(email) = LOWER($1)`, email)
	return scanCustomer(row)
}

func (p *PostgresStore) UpdateCustomer(ctx context.Context, c *Customer) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE customers SET full_name = $2, email = $3, phone = $4 WHERE id = $1
	`, c.ID, c.FullName, c.Email, c.Phone)
	if err != nil {
		if mapped := mapPQError(err); mapped != err {
			return mapped
		}
		return fmt.Errorf("update customer: %w", err)
	}
	return expectOne(result, ErrCustomerNotFound)
}

// DeleteCustomer removes the customer; foreign keys cascade to orders,
// payments, credit_profiles and activity_logs.
func (p *PostgresStore) DeleteCustomer(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM customers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete customer: %w", err)
	}
	return expectOne(result, ErrCustomerNotFound)
}

func (p *PostgresStore) ListCustomers(ctx context.Context, f CustomerFilter) ([]*Customer, error) {
	var where []string
	var args []any
	if f.Query != "" {
		args = append(args, "%"+escapeLike(f.Query)+"%")
		where = append(where, fmt.Sprintf("(full_name ILIKE $%[1]d OR email ILIKE $%[1]d OR phone ILIKE $%[1]d)", len(args)))
	}
	if f.Cursor != nil {
		args = append(args, f.Cursor.CreatedAt, f.Cursor.ID)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d::UUID)", len(args)-1, len(args)))
	}

	rows, err := p.db.QueryContext(ctx, listQuery("SELECT "+customerColumns+" FROM customers", where, f.Limit, &args), args...)
	if err != nil {
		return nil, fmt.Errorf("list customers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// --- orders ---

func (p *PostgresStore) CreateOrder(ctx context.Context, o *Order) error {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO orders (customer_id, amount, status, created_at)
		VALUES ($1, $2, $3, COALESCE($4, NOW()))
		RETURNING id, created_at
	`, o.CustomerID, o.Amount, string(o.Status), nullTime(o.CreatedAt)).Scan(&o.ID, &o.CreatedAt)
	if err != nil {
		if mapped := mapPQError(err); mapped != err {
			return mapped
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

const orderColumns = `id, customer_id, amount, status, created_at`

func (p *PostgresStore) GetOrder(ctx context.Context, id int64) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	return scanOrder(row)
}

func (p *PostgresStore) UpdateOrder(ctx context.Context, o *Order) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders SET status = $2, amount = $3 WHERE id = $1
	`, o.ID, string(o.Status), o.Amount)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	return expectOne(result, ErrOrderNotFound)
}

// DeleteOrder removes the order; payments.order_id is set to NULL by the
// foreign key.
func (p *PostgresStore) DeleteOrder(ctx context.Context, id int64) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM orders WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete order: %w", err)
	}
	return expectOne(result, ErrOrderNotFound)
}

func (p *PostgresStore) ListOrders(ctx context.Context, f OrderFilter) ([]*Order, error) {
	var where []string
	var args []any
	if f.CustomerID != "" {
		args = append(args, f.CustomerID)
		where = append(where, fmt.Sprintf("customer_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Cursor != nil {
		cid, err := f.Cursor.Int64ID()
		if err != nil {
			return nil, err
		}
		args = append(args, f.Cursor.CreatedAt, cid)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}

	rows, err := p.db.QueryContext(ctx, listQuery("SELECT "+orderColumns+" FROM orders", where, f.Limit, &args), args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

// --- payments ---

func (p *PostgresStore) CreatePayment(ctx context.Context, pay *Payment) error {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO payments (customer_id, order_id, method, success, amount, created_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))
		RETURNING id, created_at
	`, pay.CustomerID, nullInt64(pay.OrderID), string(pay.Method), pay.Success, pay.Amount,
		nullTime(pay.CreatedAt)).Scan(&pay.ID, &pay.CreatedAt)
	if err != nil {
		if mapped := mapPQError(err); mapped != err {
			return mapped
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

const paymentColumns = `id, customer_id, order_id, method, success, amount, created_at`

func (p *PostgresStore) GetPayment(ctx context.Context, id int64) (*Payment, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	return scanPayment(row)
}

func (p *PostgresStore) UpdatePayment(ctx context.Context, pay *Payment) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payments SET method = $2, success = $3, amount = $4 WHERE id = $1
	`, pay.ID, string(pay.Method), pay.Success, pay.Amount)
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	return expectOne(result, ErrPaymentNotFound)
}

func (p *PostgresStore) DeletePayment(ctx context.Context, id int64) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM payments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete payment: %w", err)
	}
	return expectOne(result, ErrPaymentNotFound)
}

func (p *PostgresStore) ListPayments(ctx context.Context, f PaymentFilter) ([]*Payment, error) {
	var where []string
	var args []any
	if f.CustomerID != "" {
		args = append(args, f.CustomerID)
		where = append(where, fmt.Sprintf("customer_id = $%d", len(args)))
	}
	if f.Method != "" {
		args = append(args, string(f.Method))
		where = append(where, fmt.Sprintf("method = $%d", len(args)))
	}
	if f.Success != nil {
		args = append(args, *f.Success)
		where = append(where, fmt.Sprintf("success = $%d", len(args)))
	}
	if f.OrderID != nil {
		args = append(args, *f.OrderID)
		where = append(where, fmt.Sprintf("order_id = $%d", len(args)))
	}
	if f.Cursor != nil {
		cid, err := f.Cursor.Int64ID()
		if err != nil {
			return nil, err
		}
		args = append(args, f.Cursor.CreatedAt, cid)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}

	rows, err := p.db.QueryContext(ctx, listQuery("SELECT "+paymentColumns+" FROM payments", where, f.Limit, &args), args...)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Payment
	for rows.Next() {
		pay, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pay)
	}
	return result, rows.Err()
}

func (p *PostgresStore) History(ctx context.Context, customerID string) (*History, error) {
	return LoadHistory(ctx, p.db, customerID)
}

// LoadHistory reads a customer's full order and payment history through q.
// Inside a transaction both reads see the same snapshot.
func LoadHistory(ctx context.Context, q Querier, customerID string) (*History, error) {
	var exists bool
	if err := q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM customers WHERE id = $1)`, customerID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check customer: %w", err)
	}
	if !exists {
		return nil, ErrCustomerNotFound
	}

	h := &History{}

	orderRows, err := q.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE customer_id = $1 ORDER BY id`, customerID)
	if err != nil {
		return nil, fmt.Errorf("load orders: %w", err)
	}
	for orderRows.Next() {
		o, err := scanOrder(orderRows)
		if err != nil {
			_ = orderRows.Close()
			return nil, err
		}
		h.Orders = append(h.Orders, *o)
	}
	if err := orderRows.Close(); err != nil {
		return nil, err
	}

	payRows, err := q.QueryContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE customer_id = $1 ORDER BY id`, customerID)
	if err != nil {
		return nil, fmt.Errorf("load payments: %w", err)
	}
	defer func() { _ = payRows.Close() }()
	for payRows.Next() {
		pay, err := scanPayment(payRows)
		if err != nil {
			return nil, err
		}
		h.Payments = append(h.Payments, *pay)
	}
	return h, payRows.Err()
}

// --- helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanCustomer(row scannable) (*Customer, error) {
	c := &Customer{}
	if err := row.Scan(&c.ID, &c.FullName, &c.Email, &c.Phone, &c.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCustomerNotFound
		}
		return nil, fmt.Errorf("scan customer: %w", err)
	}
	return c, nil
}

func scanOrder(row scannable) (*Order, error) {
	o := &Order{}
	var status string
	if err := row.Scan(&o.ID, &o.CustomerID, &o.Amount, &status, &o.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("scan order: %w", err)
	}
	o.Status = OrderStatus(status)
	return o, nil
}

func scanPayment(row scannable) (*Payment, error) {
	pay := &Payment{}
	var orderID sql.NullInt64
	var method string
	if err := row.Scan(&pay.ID, &pay.CustomerID, &orderID, &method, &pay.Success, &pay.Amount, &pay.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("scan payment: %w", err)
	}
	pay.Method = PaymentMethod(method)
	if orderID.Valid {
		id := orderID.Int64
		pay.OrderID = &id
	}
	return pay, nil
}

// listQuery appends WHERE, keyset ordering and LIMIT to base.
func listQuery(base string, where []string, limit int, args *[]any) string {
	q := base
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC"
	if limit > 0 {
		*args = append(*args, limit)
		q += fmt.Sprintf(" LIMIT $%d", len(*args))
	}
	return q
}

func expectOne(result sql.Result, notFound error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

// nullTime maps the zero time to NULL so the column default applies.
func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
