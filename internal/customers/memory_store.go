package customers

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps customers, orders and payments in memory, for demo mode
// and tests. It enforces the same referential rules as the SQL schema.
type MemoryStore struct {
	mu            sync.RWMutex
	customers     map[string]*Customer
	emails        map[string]string // lower(email) -> customer ID
	orders        map[int64]*Order
	payments      map[int64]*Payment
	nextOrderID   int64
	nextPaymentID int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		customers: make(map[string]*Customer),
		emails:    make(map[string]string),
		orders:    make(map[int64]*Order),
		payments:  make(map[int64]*Payment),
	}
}

func (m *MemoryStore) CreateCustomer(_ context.Context, c *Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := strings.ToLower(c.Email)
	if _, taken := m.emails[key]; taken {
		return ErrEmailTaken
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	cp := *c
	m.customers[c.ID] = &cp
	m.emails[key] = c.ID
	return nil
}

func (m *MemoryStore) GetCustomer(_ context.Context, id string) (*Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.customers[id]
	if !ok {
		return nil, ErrCustomerNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) GetCustomerByEmail(_ context.Context, email string) (*Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.emails[strings.ToLower(email)]
	if !ok {
		return nil, ErrCustomerNotFound
	}
	cp := *m.customers[id]
	return &cp, nil
}

func (m *MemoryStore) UpdateCustomer(_ context.Context, c *Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.customers[c.ID]
	if !ok {
		return ErrCustomerNotFound
	}
	oldKey, newKey := strings.ToLower(existing.Email), strings.ToLower(c.Email)
	if oldKey != newKey {
		if _, taken := m.emails[newKey]; taken {
			return ErrEmailTaken
		}
		delete(m.emails, oldKey)
		m.emails[newKey] = c.ID
	}
	cp := *c
	cp.CreatedAt = existing.CreatedAt
	m.customers[c.ID] = &cp
	return nil
}

// DeleteCustomer removes the customer with its orders and payments.
func (m *MemoryStore) DeleteCustomer(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.customers[id]
	if !ok {
		return ErrCustomerNotFound
	}
	delete(m.emails, strings.ToLower(c.Email))
	delete(m.customers, id)
	for oid, o := range m.orders {
		if o.CustomerID == id {
			delete(m.orders, oid)
		}
	}
	for pid, p := range m.payments {
		if p.CustomerID == id {
			delete(m.payments, pid)
		}
	}
	return nil
}

func (m *MemoryStore) ListCustomers(_ context.Context, f CustomerFilter) ([]*Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	q := strings.ToLower(f.Query)
	var all []*Customer
	for _, c := range m.customers {
		if q != "" &&
			!strings.Contains(strings.ToLower(c.FullName), q) &&
			!strings.Contains(strings.ToLower(c.Email), q) &&
			!strings.Contains(c.Phone, q) {
			continue
		}
		all = append(all, c)
	}
	slices.SortFunc(all, func(a, b *Customer) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})

	var result []*Customer
	for _, c := range all {
		if f.Cursor != nil && !f.Cursor.After(c.CreatedAt, c.ID) {
			continue
		}
		cp := *c
		result = append(result, &cp)
		if f.Limit > 0 && len(result) >= f.Limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) CreateOrder(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.customers[o.CustomerID]; !ok {
		return ErrCustomerNotFound
	}
	m.nextOrderID++
	o.ID = m.nextOrderID
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *MemoryStore) GetOrder(_ context.Context, id int64) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

// UpdateOrder overwrites status and amount. Owner and creation time are fixed.
func (m *MemoryStore) UpdateOrder(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.orders[o.ID]
	if !ok {
		return ErrOrderNotFound
	}
	existing.Status = o.Status
	existing.Amount = o.Amount
	return nil
}

// DeleteOrder removes the order and unlinks its payments.
func (m *MemoryStore) DeleteOrder(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[id]; !ok {
		return ErrOrderNotFound
	}
	delete(m.orders, id)
	for _, p := range m.payments {
		if p.OrderID != nil && *p.OrderID == id {
			p.OrderID = nil
		}
	}
	return nil
}

func (m *MemoryStore) ListOrders(_ context.Context, f OrderFilter) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []*Order
	for _, o := range m.orders {
		if f.CustomerID != "" && o.CustomerID != f.CustomerID {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		all = append(all, o)
	}
	sortNewestFirst(all, func(o *Order) (time.Time, int64) { return o.CreatedAt, o.ID })

	var result []*Order
	for _, o := range all {
		if f.Cursor != nil && !f.Cursor.AfterInt64(o.CreatedAt, o.ID) {
			continue
		}
		cp := *o
		result = append(result, &cp)
		if f.Limit > 0 && len(result) >= f.Limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) CreatePayment(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.customers[p.CustomerID]; !ok {
		return ErrCustomerNotFound
	}
	if p.OrderID != nil {
		if _, ok := m.orders[*p.OrderID]; !ok {
			return ErrOrderNotFound
		}
	}
	m.nextPaymentID++
	p.ID = m.nextPaymentID
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	m.payments[p.ID] = copyPayment(p)
	return nil
}

func (m *MemoryStore) GetPayment(_ context.Context, id int64) (*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return copyPayment(p), nil
}

// UpdatePayment overwrites method, success and amount.
func (m *MemoryStore) UpdatePayment(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.payments[p.ID]
	if !ok {
		return ErrPaymentNotFound
	}
	existing.Method = p.Method
	existing.Success = p.Success
	existing.Amount = p.Amount
	return nil
}

func (m *MemoryStore) DeletePayment(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.payments[id]; !ok {
		return ErrPaymentNotFound
	}
	delete(m.payments, id)
	return nil
}

func (m *MemoryStore) ListPayments(_ context.Context, f PaymentFilter) ([]*Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []*Payment
	for _, p := range m.payments {
		if f.CustomerID != "" && p.CustomerID != f.CustomerID {
			continue
		}
		if f.Method != "" && p.Method != f.Method {
			continue
		}
		if f.Success != nil && p.Success != *f.Success {
			continue
		}
		if f.OrderID != nil && (p.OrderID == nil || *p.OrderID != *f.OrderID) {
			continue
		}
		all = append(all, p)
	}
	sortNewestFirst(all, func(p *Payment) (time.Time, int64) { return p.CreatedAt, p.ID })

	var result []*Payment
	for _, p := range all {
		if f.Cursor != nil && !f.Cursor.AfterInt64(p.CreatedAt, p.ID) {
			continue
		}
		result = append(result, copyPayment(p))
		if f.Limit > 0 && len(result) >= f.Limit {
			break
		}
	}
	return result, nil
}

// History returns every order and payment of the customer, oldest first.
func (m *MemoryStore) History(_ context.Context, customerID string) (*History, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.customers[customerID]; !ok {
		return nil, ErrCustomerNotFound
	}
	h := &History{}
	for _, o := range m.orders {
		if o.CustomerID == customerID {
			h.Orders = append(h.Orders, *o)
		}
	}
	for _, p := range m.payments {
		if p.CustomerID == customerID {
			h.Payments = append(h.Payments, *copyPayment(p))
		}
	}
	slices.SortFunc(h.Orders, func(a, b Order) int { return cmp.Compare(a.ID, b.ID) })
	slices.SortFunc(h.Payments, func(a, b Payment) int { return cmp.Compare(a.ID, b.ID) })
	return h, nil
}

func copyPayment(p *Payment) *Payment {
	cp := *p
	if p.OrderID != nil {
		id := *p.OrderID
		cp.OrderID = &id
	}
	return &cp
}

func sortNewestFirst[T any](items []T, key func(T) (time.Time, int64)) {
	slices.SortFunc(items, func(a, b T) int {
		at, aid := key(a)
		bt, bid := key(b)
		if c := bt.Compare(at); c != 0 {
			return c
		}
		return cmp.Compare(bid, aid)
	})
}
