package activity

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// CustomerResolver maps a customer ID to the name and email used by the
// search filter. The Postgres store joins the customers table instead.
type CustomerResolver func(ctx context.Context, customerID string) (name, email string, ok bool)

// MemoryStore keeps entries in memory, for demo mode and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  []*Entry
	resolver CustomerResolver
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// WithCustomerResolver lets Search match customer name and email.
func (m *MemoryStore) WithCustomerResolver(r CustomerResolver) *MemoryStore {
	m.resolver = r
	return m
}

func (m *MemoryStore) Append(_ context.Context, e *Entry) error {
	cp := *e
	cp.Metadata = cloneMetadata(e.Metadata)

	m.mu.Lock()
	m.entries = append(m.entries, &cp)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) List(ctx context.Context, f Filter) ([]*Entry, error) {
	matched := m.matching(ctx, f)

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	var result []*Entry
	for _, e := range matched {
		if f.Cursor != nil && !f.Cursor.After(e.CreatedAt, e.ID) {
			continue
		}
		cp := *e
		cp.Metadata = cloneMetadata(e.Metadata)
		result = append(result, &cp)
		if f.Limit > 0 && len(result) >= f.Limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) Stats(ctx context.Context, f Filter, now time.Time) (*Stats, error) {
	today := startOfDay(now)
	stats := &Stats{}
	for _, e := range m.matching(ctx, f) {
		stats.Total++
		if e.Severity == SeverityError || e.Severity == SeverityCritical {
			stats.ErrorCount++
		}
		if !e.CreatedAt.Before(today) {
			stats.TodayCount++
		}
	}
	return stats, nil
}

func (m *MemoryStore) DeleteCustomerData(_ context.Context, customerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.entries[:0]
	for _, e := range m.entries {
		if e.CustomerID != customerID {
			kept = append(kept, e)
		}
	}
	clear(m.entries[len(kept):])
	m.entries = kept
	return nil
}

// matching returns the stored entries that pass f, ignoring Limit and Cursor.
func (m *MemoryStore) matching(ctx context.Context, f Filter) []*Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	search := strings.ToLower(f.Search)
	var out []*Entry
	for _, e := range m.entries {
		if f.CustomerID != "" && e.CustomerID != f.CustomerID {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if f.Severity != "" && e.Severity != f.Severity {
			continue
		}
		if !f.From.IsZero() && e.CreatedAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !e.CreatedAt.Before(f.To) {
			continue
		}
		if search != "" && !m.matchesSearch(ctx, e, search) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (m *MemoryStore) matchesSearch(ctx context.Context, e *Entry, search string) bool {
	if strings.Contains(strings.ToLower(e.Description), search) {
		return true
	}
	if m.resolver == nil || e.CustomerID == "" {
		return false
	}
	name, email, ok := m.resolver(ctx, e.CustomerID)
	if !ok {
		return false
	}
	return strings.Contains(strings.ToLower(name), search) ||
		strings.Contains(strings.ToLower(email), search)
}

func cloneMetadata(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
