package scoring

import (
	"context"
	"math"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/creditrisk/internal/customers"
	"github.com/mbd888/creditrisk/internal/syncutil"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// HistorySource supplies a customer's orders and payments.
type HistorySource interface {
	History(ctx context.Context, customerID string) (*customers.History, error)
}

// MemoryStore is an in-memory profile store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
	locks    *syncutil.KeyMutex
	history  HistorySource

	seq       atomic.Int64
	snapshots map[string]int64 // customer -> snapshot sequence of the stored profile
}

// NewMemoryStore creates a profile store reading history from source.
func NewMemoryStore(source HistorySource) *MemoryStore {
	return &MemoryStore{
		profiles:  make(map[string]*Profile),
		locks:     syncutil.NewKeyMutex(),
		history:   source,
		snapshots: make(map[string]int64),
	}
}

func (m *MemoryStore) WithCustomer(ctx context.Context, customerID string, fn func(ProfileTx) error) error {
	unlock, err := m.locks.LockContext(ctx, customerID)
	if err != nil {
		return err
	}
	defer unlock()

	tx := &memoryTx{store: m, customerID: customerID, snapshot: m.seq.Add(1)}
	if err := fn(tx); err != nil {
		return err
	}
	if tx.staged != nil {
		m.mu.Lock()
		m.profiles[customerID] = tx.staged
		m.snapshots[customerID] = tx.snapshot
		m.mu.Unlock()
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, customerID string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.profiles[customerID]
	if !ok {
		return nil, ErrProfileNotFound
	}
	return cloneProfile(p), nil
}

func (m *MemoryStore) List(_ context.Context, f ProfileFilter) ([]*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []*Profile
	for _, p := range m.profiles {
		if f.RiskBand != "" && p.RiskBand != f.RiskBand {
			continue
		}
		if f.Stale != nil && p.Stale != *f.Stale {
			continue
		}
		all = append(all, p)
	}
	slices.SortFunc(all, func(a, b *Profile) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.CustomerID, a.CustomerID)
	})

	var result []*Profile
	for _, p := range all {
		if f.Cursor != nil && !f.Cursor.After(p.UpdatedAt, p.CustomerID) {
			continue
		}
		result = append(result, cloneProfile(p))
		if f.Limit > 0 && len(result) >= f.Limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) Watermark(context.Context) (int64, error) {
	return m.seq.Add(1), nil
}

func (m *MemoryStore) MarkStale(ctx context.Context, customerID, reason string, since time.Time) (bool, error) {
	return m.MarkStaleBefore(ctx, customerID, reason, since, math.MaxInt64)
}

func (m *MemoryStore) MarkStaleBefore(_ context.Context, customerID, reason string, since time.Time, watermark int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.profiles[customerID]
	if !ok || m.snapshots[customerID] >= watermark {
		return false, nil
	}
	p.Stale = true
	p.StaleReason = reason
	if p.StaleSince == nil {
		t := since
		p.StaleSince = &t
	}
	return true, nil
}

func (m *MemoryStore) Summary(_ context.Context) (*Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sum := newSummary()
	total := 0
	for _, p := range m.profiles {
		if sum.Profiles == 0 || p.Score < sum.MinScore {
			sum.MinScore = p.Score
		}
		if p.Score > sum.MaxScore {
			sum.MaxScore = p.Score
		}
		sum.Profiles++
		total += p.Score
		sum.BandCount[p.RiskBand]++
		if p.Stale {
			sum.Stale++
		}
	}
	if sum.Profiles > 0 {
		sum.AvgScore = float64(total) / float64(sum.Profiles)
	}
	return sum, nil
}

// DeleteCustomerData waits for any in-flight recompute of the customer, so a
// profile staged before the delete cannot be committed after it.
func (m *MemoryStore) DeleteCustomerData(ctx context.Context, customerID string) error {
	unlock, err := m.locks.LockContext(ctx, customerID)
	if err != nil {
		return err
	}
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.profiles, customerID)
	delete(m.snapshots, customerID)
	return nil
}

type memoryTx struct {
	store      *MemoryStore
	customerID string
	snapshot   int64
	staged     *Profile
}

func (tx *memoryTx) History(ctx context.Context) (*customers.History, error) {
	return tx.store.history.History(ctx, tx.customerID)
}

func (tx *memoryTx) Current(ctx context.Context) (*Profile, error) {
	if tx.staged != nil {
		return cloneProfile(tx.staged), nil
	}
	return tx.store.Get(ctx, tx.customerID)
}

func (tx *memoryTx) Put(_ context.Context, p *Profile) error {
	if p.CustomerID != tx.customerID {
		return ErrInvalidProfile
	}
	if err := p.Validate(); err != nil {
		return err
	}
	staged := cloneProfile(p)
	staged.Stale, staged.StaleReason, staged.StaleSince = false, "", nil
	tx.staged = staged
	return nil
}

func cloneProfile(p *Profile) *Profile {
	cp := *p
	if p.StaleSince != nil {
		t := *p.StaleSince
		cp.StaleSince = &t
	}
	return &cp
}
