// Package customers owns the entities the credit score is derived from:
// customers, their orders and their payments.
//
// Every order or payment write goes through Service, which commits the write
// and then asks the Recomputer to refresh the customer's credit profile.
package customers

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/creditrisk/internal/activity"
	"github.com/mbd888/creditrisk/internal/pagination"
)

var (
	ErrCustomerNotFound      = errors.New("customer not found")
	ErrOrderNotFound         = errors.New("order not found")
	ErrPaymentNotFound       = errors.New("payment not found")
	ErrEmailTaken            = errors.New("email already registered")
	ErrInvalidCustomer       = errors.New("invalid customer")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrInvalidStatus         = errors.New("invalid order status")
	ErrInvalidMethod         = errors.New("invalid payment method")
	ErrOrderCustomerMismatch = errors.New("order belongs to a different customer")

	// ErrScoreNotUpdated accompanies a committed write whose credit profile
	// could not be refreshed. The write itself succeeded.
	ErrScoreNotUpdated = errors.New("write saved but credit score not updated")
)

// MaxAmount is the exclusive upper bound of NUMERIC(12,2).
var MaxAmount = decimal.New(1, 10)

// OrderStatus is the fulfilment state of an order.
type OrderStatus string

const (
	StatusPlaced    OrderStatus = "placed"
	StatusShipped   OrderStatus = "shipped"
	StatusDelivered OrderStatus = "delivered"
	StatusCancelled OrderStatus = "cancelled"
	StatusReturned  OrderStatus = "returned"
)

// OrderStatuses lists every status in lifecycle order.
var OrderStatuses = []OrderStatus{StatusPlaced, StatusShipped, StatusDelivered, StatusCancelled, StatusReturned}

func (s OrderStatus) Valid() bool {
	switch s {
	case StatusPlaced, StatusShipped, StatusDelivered, StatusCancelled, StatusReturned:
		return true
	}
	return false
}

// PaymentMethod is how a payment was attempted.
type PaymentMethod string

const (
	MethodCard   PaymentMethod = "card"
	MethodCOD    PaymentMethod = "cod"
	MethodWallet PaymentMethod = "wallet"
	MethodBank   PaymentMethod = "bank"
)

// PaymentMethods lists every method.
var PaymentMethods = []PaymentMethod{MethodCard, MethodCOD, MethodWallet, MethodBank}

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCard, MethodCOD, MethodWallet, MethodBank:
		return true
	}
	return false
}

// Customer is a person who places orders. Email is unique, compared
// case-insensitively.
type Customer struct {
	ID        string    `json:"id"`
	FullName  string    `json:"fullName"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone"`
	CreatedAt time.Time `json:"createdAt"`
}

// Order is a purchase. Amount is stored with two decimal places.
type Order struct {
	ID         int64           `json:"id"`
	CustomerID string          `json:"customerId"`
	Amount     decimal.Decimal `json:"amount"`
	Status     OrderStatus     `json:"status"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Payment is one payment attempt. OrderID is cleared when its order is deleted.
type Payment struct {
	ID         int64           `json:"id"`
	CustomerID string          `json:"customerId"`
	OrderID    *int64          `json:"orderId"`
	Method     PaymentMethod   `json:"method"`
	Success    bool            `json:"success"`
	Amount     decimal.Decimal `json:"amount"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// History is every order and payment of one customer.
type History struct {
	Orders   []Order
	Payments []Payment
}

// CreateCustomerRequest is the request body for creating a customer.
type CreateCustomerRequest struct {
	FullName string `json:"fullName" binding:"required"`
	Email    string `json:"email" binding:"required"`
	Phone    string `json:"phone"`
}

// UpdateCustomerRequest changes the non-nil fields.
type UpdateCustomerRequest struct {
	FullName *string `json:"fullName"`
	Email    *string `json:"email"`
	Phone    *string `json:"phone"`
}

// CreateOrderRequest is the request body for creating an order.
type CreateOrderRequest struct {
	CustomerID string          `json:"customerId" binding:"required"`
	Amount     decimal.Decimal `json:"amount"`
	Status     OrderStatus     `json:"status"` // defaults to placed
}

// UpdateOrderRequest changes the non-nil fields.
type UpdateOrderRequest struct {
	Status *OrderStatus     `json:"status"`
	Amount *decimal.Decimal `json:"amount"`
}

// CreatePaymentRequest is the request body for recording a payment.
type CreatePaymentRequest struct {
	CustomerID string          `json:"customerId" binding:"required"`
	OrderID    *int64          `json:"orderId"`
	Method     PaymentMethod   `json:"method" binding:"required"`
	Success    *bool           `json:"success"` // defaults to true
	Amount     decimal.Decimal `json:"amount"`
}

// UpdatePaymentRequest changes the non-nil fields.
type UpdatePaymentRequest struct {
	Method  *PaymentMethod   `json:"method"`
	Success *bool            `json:"success"`
	Amount  *decimal.Decimal `json:"amount"`
}

// CustomerFilter narrows ListCustomers. Query matches name, email or phone.
type CustomerFilter struct {
	Query  string
	Limit  int
	Cursor *pagination.Cursor
}

// OrderFilter narrows ListOrders.
type OrderFilter struct {
	CustomerID string
	Status     OrderStatus
	Limit      int
	Cursor     *pagination.Cursor
}

// PaymentFilter narrows ListPayments.
type PaymentFilter struct {
	CustomerID string
	Method     PaymentMethod
	Success    *bool
	OrderID    *int64
	Limit      int
	Cursor     *pagination.Cursor
}

// Store persists customers, orders and payments. Lists are newest first,
// ordered by (created_at, id) descending.
type Store interface {
	CreateCustomer(ctx context.Context, c *Customer) error
	GetCustomer(ctx context.Context, id string) (*Customer, error)
	GetCustomerByEmail(ctx context.Context, email string) (*Customer, error)
	UpdateCustomer(ctx context.Context, c *Customer) error
	DeleteCustomer(ctx context.Context, id string) error
	ListCustomers(ctx context.Context, f CustomerFilter) ([]*Customer, error)

	CreateOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, id int64) (*Order, error)
	UpdateOrder(ctx context.Context, o *Order) error
	DeleteOrder(ctx context.Context, id int64) error
	ListOrders(ctx context.Context, f OrderFilter) ([]*Order, error)

	CreatePayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, id int64) (*Payment, error)
	UpdatePayment(ctx context.Context, p *Payment) error
	DeletePayment(ctx context.Context, id int64) error
	ListPayments(ctx context.Context, f PaymentFilter) ([]*Payment, error)

	// History returns every order and payment of the customer, oldest first.
	History(ctx context.Context, customerID string) (*History, error)
}

// Trigger names why a recompute was requested.
const (
	TriggerOrderSaved     = "order_saved"
	TriggerOrderDeleted   = "order_deleted"
	TriggerPaymentSaved   = "payment_saved"
	TriggerPaymentDeleted = "payment_deleted"
)

// Recomputer refreshes a customer's credit profile after a write.
type Recomputer interface {
	Recompute(ctx context.Context, customerID, trigger string) error
}

// ActivityRecorder records audit entries. It must not fail the caller.
type ActivityRecorder interface {
	Record(ctx context.Context, e activity.Entry)
}

// Dependent owns per-customer data outside this package that must go when
// the customer does. Postgres cascades do this already; in-memory stores
// rely on it.
type Dependent interface {
	DeleteCustomerData(ctx context.Context, customerID string) error
}
