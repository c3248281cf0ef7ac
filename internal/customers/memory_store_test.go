package customers

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/creditrisk/internal/pagination"
)

func TestMemoryStore_ListOrdersNewestFirstWithCursor(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateCustomer(ctx, &Customer{ID: "c1", FullName: "C", Email: "c@x.io"}))

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		o := &Order{CustomerID: "c1", Amount: dec("1"), Status: StatusPlaced, CreatedAt: base.Add(time.Duration(i) * time.Hour)}
		require.NoError(t, s.CreateOrder(ctx, o))
	}
	// Same timestamp as order 5: ties break on ID.
	require.NoError(t, s.CreateOrder(ctx, &Order{CustomerID: "c1", Amount: dec("1"), Status: StatusShipped, CreatedAt: base.Add(4 * time.Hour)}))

	page, err := s.ListOrders(ctx, OrderFilter{Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, []int64{6, 5, 4}, orderIDs(page))

	last := page[len(page)-1]
	cursor, err := pagination.Decode(pagination.Encode(last.CreatedAt, strconv.FormatInt(last.ID, 10)))
	require.NoError(t, err)

	page, err = s.ListOrders(ctx, OrderFilter{Limit: 3, Cursor: cursor})
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 2, 1}, orderIDs(page))

	page, err = s.ListOrders(ctx, OrderFilter{Status: StatusShipped})
	require.NoError(t, err)
	assert.Equal(t, []int64{6}, orderIDs(page))
}

func TestMemoryStore_ListPaymentsFilters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateCustomer(ctx, &Customer{ID: "c1", FullName: "C", Email: "c@x.io"}))
	o := &Order{CustomerID: "c1", Amount: dec("9"), Status: StatusPlaced}
	require.NoError(t, s.CreateOrder(ctx, o))

	require.NoError(t, s.CreatePayment(ctx, &Payment{CustomerID: "c1", OrderID: &o.ID, Method: MethodCOD, Success: false, Amount: dec("9")}))
	require.NoError(t, s.CreatePayment(ctx, &Payment{CustomerID: "c1", Method: MethodCard, Success: true, Amount: dec("3")}))

	failed := false
	got, err := s.ListPayments(ctx, PaymentFilter{Success: &failed})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, MethodCOD, got[0].Method)

	got, err = s.ListPayments(ctx, PaymentFilter{OrderID: &o.ID})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = s.ListPayments(ctx, PaymentFilter{Method: MethodCard})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestMemoryStore_ListCustomersSearch(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateCustomer(ctx, &Customer{ID: "a", FullName: "Asha Verma", Email: "asha@x.io", Phone: "555-0101"}))
	require.NoError(t, s.CreateCustomer(ctx, &Customer{ID: "b", FullName: "Ben Ode", Email: "ben@y.io", Phone: "555-0199"}))

	got, err := s.ListCustomers(ctx, CustomerFilter{Query: "VERMA"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)

	got, err = s.ListCustomers(ctx, CustomerFilter{Query: "0199"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)
}

func TestMemoryStore_HistoryIsolatedCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateCustomer(ctx, &Customer{ID: "c1", FullName: "C", Email: "c@x.io"}))
	require.NoError(t, s.CreateCustomer(ctx, &Customer{ID: "c2", FullName: "D", Email: "d@x.io"}))
	o := &Order{CustomerID: "c1", Amount: dec("10"), Status: StatusDelivered}
	require.NoError(t, s.CreateOrder(ctx, o))
	require.NoError(t, s.CreatePayment(ctx, &Payment{CustomerID: "c1", OrderID: &o.ID, Method: MethodCard, Success: true, Amount: dec("10")}))
	require.NoError(t, s.CreateOrder(ctx, &Order{CustomerID: "c2", Amount: dec("99"), Status: StatusPlaced}))

	h, err := s.History(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, h.Orders, 1)
	require.Len(t, h.Payments, 1)

	*h.Payments[0].OrderID = 777
	again, _ := s.History(ctx, "c1")
	assert.Equal(t, o.ID, *again.Payments[0].OrderID)

	_, err = s.History(ctx, "nobody")
	assert.ErrorIs(t, err, ErrCustomerNotFound)
}

func TestMemoryStore_EnforcesReferences(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	assert.ErrorIs(t, s.CreateOrder(ctx, &Order{CustomerID: "ghost"}), ErrCustomerNotFound)

	require.NoError(t, s.CreateCustomer(ctx, &Customer{ID: "c1", FullName: "C", Email: "c@x.io"}))
	missing := int64(5)
	assert.ErrorIs(t, s.CreatePayment(ctx, &Payment{CustomerID: "c1", OrderID: &missing, Method: MethodCard}), ErrOrderNotFound)
	assert.ErrorIs(t, s.CreateCustomer(ctx, &Customer{ID: "c2", FullName: "D", Email: "C@X.IO"}), ErrEmailTaken)
}

func orderIDs(orders []*Order) []int64 {
	out := make([]int64, len(orders))
	for i, o := range orders {
		out[i] = o.ID
	}
	return out
}
