package customers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/creditrisk/internal/activity"
	"github.com/mbd888/creditrisk/internal/idgen"
	"github.com/mbd888/creditrisk/internal/traces"
	"github.com/mbd888/creditrisk/internal/validation"
)

// Service validates and applies writes to customers, orders and payments.
// Order and payment writes commit first and then trigger a score recompute;
// a failed recompute never rolls the write back.
type Service struct {
	store      Store
	recomputer Recomputer
	activity   ActivityRecorder
	dependents []Dependent
	logger     *slog.Logger
}

// NewService creates a new customer service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// WithRecomputer sets the credit profile recomputer called after every
// order or payment write.
func (s *Service) WithRecomputer(r Recomputer) *Service {
	s.recomputer = r
	return s
}

// WithActivity sets the audit trail recorder.
func (s *Service) WithActivity(a ActivityRecorder) *Service {
	s.activity = a
	return s
}

// WithDependents registers stores holding per-customer data to purge on delete.
func (s *Service) WithDependents(deps ...Dependent) *Service {
	s.dependents = append(s.dependents, deps...)
	return s
}

// WriteOption adjusts a create call.
type WriteOption func(*writeOptions)

type writeOptions struct {
	createdAt time.Time
}

// WithCreatedAt back-dates the created row. Used by seeding.
func WithCreatedAt(t time.Time) WriteOption {
	return func(o *writeOptions) { o.createdAt = t.UTC() }
}

func applyOptions(opts []WriteOption) writeOptions {
	var o writeOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// --- customers ---

// CreateCustomer registers a new customer. Emails are stored lowercased.
func (s *Service) CreateCustomer(ctx context.Context, req CreateCustomerRequest, opts ...WriteOption) (*Customer, error) {
	ctx, span := traces.StartSpan(ctx, "customers.create_customer")
	defer span.End()

	c := &Customer{
		ID:        idgen.New(),
		FullName:  validation.SanitizeString(req.FullName, validation.MaxNameLength),
		Email:     validation.NormalizeEmail(req.Email),
		Phone:     strings.TrimSpace(req.Phone),
		CreatedAt: applyOptions(opts).createdAt,
	}
	if err := validateCustomer(c); err != nil {
		return nil, err
	}
	if err := s.store.CreateCustomer(ctx, c); err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	s.record(ctx, activity.Entry{
		CustomerID:  c.ID,
		Action:      activity.ActionCustomerCreated,
		Description: fmt.Sprintf("Customer %s created", c.FullName),
		Metadata:    map[string]any{"email": c.Email},
	})
	return c, nil
}

func (s *Service) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	return s.store.GetCustomer(ctx, id)
}

func (s *Service) GetCustomerByEmail(ctx context.Context, email string) (*Customer, error) {
	return s.store.GetCustomerByEmail(ctx, validation.NormalizeEmail(email))
}

func (s *Service) ListCustomers(ctx context.Context, f CustomerFilter) ([]*Customer, error) {
	return s.store.ListCustomers(ctx, f)
}

// UpdateCustomer applies the non-nil fields of req.
func (s *Service) UpdateCustomer(ctx context.Context, id string, req UpdateCustomerRequest) (*Customer, error) {
	c, err := s.store.GetCustomer(ctx, id)
	if err != nil {
		return nil, err
	}

	changed := map[string]any{}
	if req.FullName != nil {
		c.FullName = validation.SanitizeString(*req.FullName, validation.MaxNameLength)
		changed["fullName"] = c.FullName
	}
	if req.Email != nil {
		c.Email = validation.NormalizeEmail(*req.Email)
		changed["email"] = c.Email
	}
	if req.Phone != nil {
		c.Phone = strings.TrimSpace(*req.Phone)
		changed["phone"] = c.Phone
	}
	if err := validateCustomer(c); err != nil {
		return nil, err
	}
	if err := s.store.UpdateCustomer(ctx, c); err != nil {
		return nil, err
	}

	s.record(ctx, activity.Entry{
		CustomerID:  c.ID,
		Action:      activity.ActionCustomerUpdated,
		Description: fmt.Sprintf("Customer %s updated", c.FullName),
		Metadata:    changed,
	})
	return c, nil
}

// DeleteCustomer removes the customer and everything derived from it.
func (s *Service) DeleteCustomer(ctx context.Context, id string) error {
	c, err := s.store.GetCustomer(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteCustomer(ctx, id); err != nil {
		return err
	}

	var errs []error
	for _, d := range s.dependents {
		if err := d.DeleteCustomerData(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}

	// The customer row is gone, so the entry is a system event.
	s.record(ctx, activity.Entry{
		Action:      activity.ActionCustomerDeleted,
		Severity:    activity.SeverityWarning,
		Description: fmt.Sprintf("Customer %s (%s) deleted", c.FullName, c.Email),
		Metadata:    map[string]any{"customer_id": id, "email": c.Email},
	})

	if len(errs) > 0 {
		err := errors.Join(errs...)
		s.logger.Error("customer deleted but dependent data remains", "customer_id", id, "error", err)
		return fmt.Errorf("purge customer data: %w", err)
	}
	return nil
}

// --- orders ---

// CreateOrder saves a new order and recomputes the customer's score. If the
// recompute fails the order is still returned, with an error wrapping
// ErrScoreNotUpdated.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest, opts ...WriteOption) (*Order, error) {
	ctx, span := traces.StartSpan(ctx, "customers.create_order", traces.CustomerID(req.CustomerID))
	defer span.End()

	amount, err := normalizeAmount(req.Amount)
	if err != nil {
		return nil, err
	}
	status := req.Status
	if status == "" {
		status = StatusPlaced
	}
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	o := &Order{
		CustomerID: req.CustomerID,
		Amount:     amount,
		Status:     status,
		CreatedAt:  applyOptions(opts).createdAt,
	}
	if err := s.store.CreateOrder(ctx, o); err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	s.recordOrder(ctx, o, activity.ActionOrderCreated, nil)
	return o, s.recompute(ctx, o.CustomerID, TriggerOrderSaved)
}

func (s *Service) GetOrder(ctx context.Context, id int64) (*Order, error) {
	return s.store.GetOrder(ctx, id)
}

func (s *Service) ListOrders(ctx context.Context, f OrderFilter) ([]*Order, error) {
	return s.store.ListOrders(ctx, f)
}

// UpdateOrder changes status and/or amount, then recomputes.
func (s *Service) UpdateOrder(ctx context.Context, id int64, req UpdateOrderRequest) (*Order, error) {
	ctx, span := traces.StartSpan(ctx, "customers.update_order", traces.OrderID(id))
	defer span.End()

	o, err := s.store.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	previous := o.Status

	if req.Status != nil {
		if !req.Status.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, *req.Status)
		}
		o.Status = *req.Status
	}
	if req.Amount != nil {
		if o.Amount, err = normalizeAmount(*req.Amount); err != nil {
			return nil, err
		}
	}
	if err := s.store.UpdateOrder(ctx, o); err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	s.recordOrder(ctx, o, activity.ActionOrderStatusChanged, map[string]any{"previous_status": string(previous)})
	return o, s.recompute(ctx, o.CustomerID, TriggerOrderSaved)
}

// DeleteOrder removes an order, unlinking its payments, then recomputes.
func (s *Service) DeleteOrder(ctx context.Context, id int64) error {
	ctx, span := traces.StartSpan(ctx, "customers.delete_order", traces.OrderID(id))
	defer span.End()

	o, err := s.store.GetOrder(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteOrder(ctx, id); err != nil {
		traces.RecordError(span, err)
		return err
	}

	s.record(ctx, activity.Entry{
		CustomerID:  o.CustomerID,
		Action:      activity.ActionOrderDeleted,
		Description: fmt.Sprintf("Order #%d deleted - Amount: %s", o.ID, o.Amount.StringFixed(2)),
		Metadata: map[string]any{
			"order_id":     o.ID,
			"order_status": string(o.Status),
			"order_amount": o.Amount.StringFixed(2),
		},
	})
	return s.recompute(ctx, o.CustomerID, TriggerOrderDeleted)
}

// --- payments ---

// CreatePayment records a payment attempt and recomputes. A referenced
// order must belong to the same customer.
func (s *Service) CreatePayment(ctx context.Context, req CreatePaymentRequest, opts ...WriteOption) (*Payment, error) {
	ctx, span := traces.StartSpan(ctx, "customers.create_payment", traces.CustomerID(req.CustomerID))
	defer span.End()

	amount, err := normalizeAmount(req.Amount)
	if err != nil {
		return nil, err
	}
	if !req.Method.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMethod, req.Method)
	}
	if req.OrderID != nil {
		o, err := s.store.GetOrder(ctx, *req.OrderID)
		if err != nil {
			return nil, err
		}
		if o.CustomerID != req.CustomerID {
			return nil, ErrOrderCustomerMismatch
		}
	}
	success := true
	if req.Success != nil {
		success = *req.Success
	}

	p := &Payment{
		CustomerID: req.CustomerID,
		OrderID:    req.OrderID,
		Method:     req.Method,
		Success:    success,
		Amount:     amount,
		CreatedAt:  applyOptions(opts).createdAt,
	}
	if err := s.store.CreatePayment(ctx, p); err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	s.recordPayment(ctx, p)
	return p, s.recompute(ctx, p.CustomerID, TriggerPaymentSaved)
}

func (s *Service) GetPayment(ctx context.Context, id int64) (*Payment, error) {
	return s.store.GetPayment(ctx, id)
}

func (s *Service) ListPayments(ctx context.Context, f PaymentFilter) ([]*Payment, error) {
	return s.store.ListPayments(ctx, f)
}

// UpdatePayment changes method, success and/or amount, then recomputes.
func (s *Service) UpdatePayment(ctx context.Context, id int64, req UpdatePaymentRequest) (*Payment, error) {
	ctx, span := traces.StartSpan(ctx, "customers.update_payment", traces.PaymentID(id))
	defer span.End()

	p, err := s.store.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Method != nil {
		if !req.Method.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidMethod, *req.Method)
		}
		p.Method = *req.Method
	}
	if req.Success != nil {
		p.Success = *req.Success
	}
	if req.Amount != nil {
		if p.Amount, err = normalizeAmount(*req.Amount); err != nil {
			return nil, err
		}
	}
	if err := s.store.UpdatePayment(ctx, p); err != nil {
		traces.RecordError(span, err)
		return nil, err
	}

	s.recordPayment(ctx, p)
	return p, s.recompute(ctx, p.CustomerID, TriggerPaymentSaved)
}

// DeletePayment removes a payment, then recomputes.
func (s *Service) DeletePayment(ctx context.Context, id int64) error {
	ctx, span := traces.StartSpan(ctx, "customers.delete_payment", traces.PaymentID(id))
	defer span.End()

	p, err := s.store.GetPayment(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeletePayment(ctx, id); err != nil {
		traces.RecordError(span, err)
		return err
	}

	s.record(ctx, activity.Entry{
		CustomerID:  p.CustomerID,
		Action:      activity.ActionPaymentDeleted,
		Description: fmt.Sprintf("Payment #%d deleted - Method: %s - Amount: %s", p.ID, p.Method, p.Amount.StringFixed(2)),
		Metadata:    paymentMetadata(p),
	})
	return s.recompute(ctx, p.CustomerID, TriggerPaymentDeleted)
}

// History returns the customer's full order and payment history.
func (s *Service) History(ctx context.Context, customerID string) (*History, error) {
	return s.store.History(ctx, customerID)
}

// --- helpers ---

// recompute asks for a fresh profile. The triggering write is already
// committed, so a failure is reported alongside the saved entity.
func (s *Service) recompute(ctx context.Context, customerID, trigger string) error {
	if s.recomputer == nil {
		return nil
	}
	if err := s.recomputer.Recompute(ctx, customerID, trigger); err != nil {
		return fmt.Errorf("%w: %w", ErrScoreNotUpdated, err)
	}
	return nil
}

func (s *Service) record(ctx context.Context, e activity.Entry) {
	if s.activity != nil {
		s.activity.Record(ctx, e)
	}
}

func (s *Service) recordOrder(ctx context.Context, o *Order, action activity.Action, extra map[string]any) {
	meta := map[string]any{
		"order_id":     o.ID,
		"order_status": string(o.Status),
		"order_amount": o.Amount.StringFixed(2),
	}
	for k, v := range extra {
		meta[k] = v
	}
	s.record(ctx, activity.Entry{
		CustomerID:  o.CustomerID,
		Action:      action,
		Severity:    OrderSeverity(o.Status),
		Description: fmt.Sprintf("Order #%d %s - Amount: %s", o.ID, o.Status, o.Amount.StringFixed(2)),
		Metadata:    meta,
	})
}

func (s *Service) recordPayment(ctx context.Context, p *Payment) {
	action, severity, outcome := activity.ActionPaymentSuccess, activity.SeverityInfo, "successful"
	if !p.Success {
		action, severity, outcome = activity.ActionPaymentFailed, activity.SeverityError, "failed"
	}
	s.record(ctx, activity.Entry{
		CustomerID:  p.CustomerID,
		Action:      action,
		Severity:    severity,
		Description: fmt.Sprintf("Payment #%d %s - Method: %s - Amount: %s", p.ID, outcome, p.Method, p.Amount.StringFixed(2)),
		Metadata:    paymentMetadata(p),
	})
}

// OrderSeverity grades an order event: returns are errors, cancellations
// warnings, everything else info.
func OrderSeverity(status OrderStatus) activity.Severity {
	switch status {
	case StatusReturned:
		return activity.SeverityError
	case StatusCancelled:
		return activity.SeverityWarning
	default:
		return activity.SeverityInfo
	}
}

func paymentMetadata(p *Payment) map[string]any {
	meta := map[string]any{
		"payment_id":      p.ID,
		"payment_method":  string(p.Method),
		"payment_amount":  p.Amount.StringFixed(2),
		"payment_success": p.Success,
	}
	if p.OrderID != nil {
		meta["order_id"] = *p.OrderID
	}
	return meta
}

// normalizeAmount enforces 0 <= amount < 10^10 and rounds to cents.
func normalizeAmount(d decimal.Decimal) (decimal.Decimal, error) {
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: must not be negative", ErrInvalidAmount)
	}
	rounded := d.Round(2)
	if rounded.GreaterThanOrEqual(MaxAmount) {
		return decimal.Zero, fmt.Errorf("%w: must be below %s", ErrInvalidAmount, MaxAmount.String())
	}
	return rounded, nil
}

func validateCustomer(c *Customer) error {
	errs := validation.Validate(
		validation.Required("fullName", c.FullName),
		validation.Required("email", c.Email),
		validation.ValidEmail("email", c.Email),
		validation.ValidPhone("phone", c.Phone),
		validation.MaxLength("phone", c.Phone, validation.MaxPhoneLength),
	)
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidCustomer, errs.Error())
	}
	return nil
}
