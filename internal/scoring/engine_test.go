package scoring

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/creditrisk/internal/activity"
	"github.com/mbd888/creditrisk/internal/customers"
	"github.com/mbd888/creditrisk/internal/idgen"
	"github.com/mbd888/creditrisk/internal/metrics"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

var errHistoryUnavailable = errors.New("history unavailable")

// flakySource wraps a HistorySource, failing on demand and tracking how many
// reads overlap.
type flakySource struct {
	inner     HistorySource
	delay     time.Duration
	afterRead func() // runs after each successful read, under the customer lock

	mu          sync.Mutex
	failures    int
	calls       int
	inflight    int
	maxInflight int
}

func (s *flakySource) History(ctx context.Context, id string) (*customers.History, error) {
	s.mu.Lock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return nil, errHistoryUnavailable
	}
	s.inflight++
	s.maxInflight = max(s.maxInflight, s.inflight)
	s.mu.Unlock()

	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	h, err := s.inner.History(ctx, id)

	s.mu.Lock()
	s.inflight--
	hook := s.afterRead
	s.mu.Unlock()
	if hook != nil && err == nil {
		hook()
	}
	return h, err
}

func (s *flakySource) failNext(n int) {
	s.mu.Lock()
	s.failures = n
	s.mu.Unlock()
}

func (s *flakySource) onRead(fn func()) {
	s.mu.Lock()
	s.afterRead = fn
	s.mu.Unlock()
}

func (s *flakySource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordingActivity struct {
	mu      sync.Mutex
	entries []activity.Entry
}

func (r *recordingActivity) Record(_ context.Context, e activity.Entry) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

func (r *recordingActivity) byAction(a activity.Action) []activity.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []activity.Entry
	for _, e := range r.entries {
		if e.Action == a {
			out = append(out, e)
		}
	}
	return out
}

type recordingEvents struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingEvents) PublishScoreEvent(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// pausingStore holds MarkStaleBefore until released.
type pausingStore struct {
	*MemoryStore
	marking chan struct{}
	release chan struct{}
}

func (s *pausingStore) MarkStaleBefore(ctx context.Context, customerID, reason string, since time.Time, watermark int64) (bool, error) {
	close(s.marking)
	<-s.release
	return s.MemoryStore.MarkStaleBefore(ctx, customerID, reason, since, watermark)
}

type fixture struct {
	customers *customers.MemoryStore
	svc       *customers.Service
	profiles  *MemoryStore
	source    *flakySource
	engine    *Engine
	activity  *recordingActivity
	events    *recordingEvents
}

func newFixture() *fixture {
	cs := customers.NewMemoryStore()
	src := &flakySource{inner: cs}
	ps := NewMemoryStore(src)
	act := &recordingActivity{}
	ev := &recordingEvents{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	now := time.Now().UTC()
	eng := NewEngine(ps, logger).
		WithClock(func() time.Time { return now }).
		WithRetry(3, 0).
		WithActivity(act).
		WithEvents(ev)
	svc := customers.NewService(cs, logger).WithRecomputer(eng.AsRecomputer()).WithDependents(eng)

	return &fixture{customers: cs, svc: svc, profiles: ps, source: src, engine: eng, activity: act, events: ev}
}

func (f *fixture) customer(t *testing.T) *customers.Customer {
	t.Helper()
	c, err := f.svc.CreateCustomer(context.Background(), customers.CreateCustomerRequest{
		FullName: "Test Customer",
		Email:    idgen.New()[:8] + "@example.com",
	})
	require.NoError(t, err)
	return c
}

func (f *fixture) order(t *testing.T, customerID, amount string, status customers.OrderStatus) *customers.Order {
	t.Helper()
	o, err := f.svc.CreateOrder(context.Background(), customers.CreateOrderRequest{
		CustomerID: customerID,
		Amount:     decimal.RequireFromString(amount),
		Status:     status,
	})
	require.NoError(t, err)
	return o
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

// ---------------------------------------------------------------------------
// Recompute
// ---------------------------------------------------------------------------

func TestEngine_NoProfileUntilFirstWrite(t *testing.T) {
	f := newFixture()
	c := f.customer(t)

	_, err := f.engine.GetProfile(context.Background(), c.ID)
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestEngine_OrderWriteTriggersRecompute(t *testing.T) {
	f := newFixture()
	c := f.customer(t)

	f.order(t, c.ID, "5000", customers.StatusDelivered)

	p, err := f.engine.GetProfile(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, 5000.0, p.Features.TotalSpend)
	assert.Equal(t, 1.0, p.Features.DeliveredOrders)
	assert.Equal(t, 732, p.Score)
	assert.Equal(t, BandB, p.RiskBand)
	assert.False(t, p.Stale)
}

func TestEngine_RecomputeIsIdempotent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	c := f.customer(t)
	f.order(t, c.ID, "320.50", customers.StatusDelivered)
	f.order(t, c.ID, "80", customers.StatusReturned)

	first, err := f.engine.Recompute(ctx, c.ID, TriggerManual)
	require.NoError(t, err)
	second, err := f.engine.Recompute(ctx, c.ID, TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, first.Features, second.Features)
	assert.Equal(t, first.Score, second.Score)
	assert.Equal(t, first.RiskBand, second.RiskBand)
}

func TestEngine_OneProfilePerCustomer(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	c := f.customer(t)
	f.order(t, c.ID, "10", customers.StatusPlaced)

	for i := 0; i < 10; i++ {
		_, err := f.engine.Recompute(ctx, c.ID, TriggerManual)
		require.NoError(t, err)
	}

	all, err := f.engine.ListProfiles(ctx, ProfileFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestEngine_FailurePolicy(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	c := f.customer(t)
	f.order(t, c.ID, "1000", customers.StatusDelivered)

	before, err := f.engine.GetProfile(ctx, c.ID)
	require.NoError(t, err)
	staleBefore := counterValue(t, metrics.StaleProfilesMarked)
	failuresBefore := counterValue(t, metrics.RecomputeFailuresTotal.WithLabelValues(string(TriggerOrderSaved)))

	// Every attempt fails: the write still lands, the prior profile survives
	// and is flagged stale.
	f.source.failNext(1 << 20)
	o, err := f.svc.CreateOrder(ctx, customers.CreateOrderRequest{
		CustomerID: c.ID, Amount: decimal.NewFromInt(400), Status: customers.StatusReturned,
	})
	require.Error(t, err)
	require.NotNil(t, o)
	assert.ErrorIs(t, err, customers.ErrScoreNotUpdated)
	assert.ErrorIs(t, err, ErrRecomputeFailed)
	assert.ErrorIs(t, err, errHistoryUnavailable)

	var recErr *RecomputeError
	require.ErrorAs(t, err, &recErr)
	assert.Equal(t, 3, recErr.Attempts)
	assert.Equal(t, TriggerOrderSaved, recErr.Trigger)

	_, err = f.svc.GetOrder(ctx, o.ID)
	require.NoError(t, err)

	after, err := f.engine.GetProfile(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Score, after.Score)
	assert.Equal(t, before.Features, after.Features)
	assert.True(t, after.Stale)
	assert.Contains(t, after.StaleReason, errHistoryUnavailable.Error())
	require.NotNil(t, after.StaleSince)

	assert.Equal(t, staleBefore+1, counterValue(t, metrics.StaleProfilesMarked))
	assert.Equal(t, failuresBefore+1, counterValue(t, metrics.RecomputeFailuresTotal.WithLabelValues(string(TriggerOrderSaved))))
	require.Len(t, f.activity.byAction(activity.ActionScoreRecomputeFailed), 1)

	// The next successful recompute repairs the profile.
	f.source.failNext(0)
	repaired, err := f.engine.Recompute(ctx, c.ID, TriggerManual)
	require.NoError(t, err)
	assert.False(t, repaired.Stale)
	assert.Equal(t, 2.0, repaired.Features.TotalOrders)
	assert.Less(t, repaired.Score, before.Score)

	stored, _ := f.engine.GetProfile(ctx, c.ID)
	assert.False(t, stored.Stale)
	assert.Nil(t, stored.StaleSince)
}

func TestEngine_FailedRecomputeLeavesNewerProfileFresh(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	c := f.customer(t)
	f.order(t, c.ID, "1000", customers.StatusDelivered)

	store := &pausingStore{MemoryStore: f.profiles, marking: make(chan struct{}), release: make(chan struct{})}
	older := NewEngine(store, slog.New(slog.NewTextHandler(io.Discard, nil))).WithRetry(3, 0)

	f.source.failNext(3)
	failed := make(chan error, 1)
	go func() {
		_, err := older.Recompute(ctx, c.ID, TriggerManual)
		failed <- err
	}()
	<-store.marking

	// Started after the failing recompute, so it reflects newer history.
	f.order(t, c.ID, "4000", customers.StatusDelivered)
	fresh, err := f.engine.GetProfile(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, 5000.0, fresh.Features.TotalSpend)

	close(store.release)
	assert.ErrorIs(t, <-failed, ErrRecomputeFailed)

	stored, err := f.engine.GetProfile(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, stored.Stale)
	assert.Empty(t, stored.StaleReason)
	assert.Equal(t, 5000.0, stored.Features.TotalSpend)
}

func TestEngine_DeleteCustomerWaitsForInflightRecompute(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	c := f.customer(t)
	f.order(t, c.ID, "10", customers.StatusDelivered)

	read := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.source.onRead(func() {
		once.Do(func() {
			close(read)
			<-release
		})
	})

	recomputed := make(chan error, 1)
	go func() {
		_, err := f.engine.Recompute(ctx, c.ID, TriggerManual)
		recomputed <- err
	}()
	<-read

	deleted := make(chan error, 1)
	go func() { deleted <- f.svc.DeleteCustomer(ctx, c.ID) }()

	select {
	case err := <-deleted:
		t.Fatalf("delete finished while a recompute held the customer: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-recomputed)
	require.NoError(t, <-deleted)

	_, err := f.svc.GetCustomer(ctx, c.ID)
	assert.ErrorIs(t, err, customers.ErrCustomerNotFound)
	_, err = f.engine.GetProfile(ctx, c.ID)
	assert.ErrorIs(t, err, ErrProfileNotFound)

	_, err = f.engine.Recompute(ctx, c.ID, TriggerManual)
	assert.ErrorIs(t, err, customers.ErrCustomerNotFound)
}

func TestEngine_TransientFailureIsRetried(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	c := f.customer(t)

	f.source.failNext(2)
	p, err := f.engine.Recompute(ctx, c.ID, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 600, p.Score)
	assert.Equal(t, 3, f.source.callCount())
}

func TestEngine_UnknownCustomerIsNotRetried(t *testing.T) {
	f := newFixture()

	_, err := f.engine.Recompute(context.Background(), idgen.New(), TriggerManual)
	assert.ErrorIs(t, err, customers.ErrCustomerNotFound)
	assert.NotErrorIs(t, err, ErrRecomputeFailed)
	assert.Equal(t, 1, f.source.callCount())
}

func TestEngine_ConcurrentRecomputesSerialize(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	c := f.customer(t)
	f.order(t, c.ID, "250", customers.StatusDelivered)
	f.source.delay = 2 * time.Millisecond

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Recompute(ctx, c.ID, TriggerManual)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, 1, f.source.maxInflight)
	all, _ := f.engine.ListProfiles(ctx, ProfileFilter{})
	assert.Len(t, all, 1)
}

func TestEngine_DeletesTriggerRecompute(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	c := f.customer(t)

	kept := f.order(t, c.ID, "300", customers.StatusDelivered)
	gone := f.order(t, c.ID, "700", customers.StatusDelivered)
	p, err := f.svc.CreatePayment(ctx, customers.CreatePaymentRequest{
		CustomerID: c.ID, OrderID: &gone.ID, Method: customers.MethodCOD, Amount: decimal.NewFromInt(700),
	})
	require.NoError(t, err)

	prof, _ := f.engine.GetProfile(ctx, c.ID)
	assert.Equal(t, 1000.0, prof.Features.TotalSpend)
	assert.Equal(t, 1.0, prof.Features.UsesCOD)

	require.NoError(t, f.svc.DeleteOrder(ctx, gone.ID))

	prof, _ = f.engine.GetProfile(ctx, c.ID)
	assert.Equal(t, 1.0, prof.Features.TotalOrders)
	assert.Equal(t, 300.0, prof.Features.TotalSpend)

	// The payment survives with its order reference cleared.
	pay, err := f.svc.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Nil(t, pay.OrderID)

	require.NoError(t, f.svc.DeletePayment(ctx, p.ID))
	prof, _ = f.engine.GetProfile(ctx, c.ID)
	assert.Equal(t, 0.0, prof.Features.UsesCOD)

	require.NoError(t, f.svc.DeleteOrder(ctx, kept.ID))
	prof, _ = f.engine.GetProfile(ctx, c.ID)
	assert.Equal(t, Features{}, prof.Features)
	assert.Equal(t, 600, prof.Score)
}

func TestEngine_DeleteCustomerDropsProfile(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	c := f.customer(t)
	f.order(t, c.ID, "10", customers.StatusPlaced)

	require.NoError(t, f.svc.DeleteCustomer(ctx, c.ID))
	_, err := f.engine.GetProfile(ctx, c.ID)
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestEngine_RecordsActivityAndEvents(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	c := f.customer(t)

	first, err := f.engine.Recompute(ctx, c.ID, TriggerManual)
	require.NoError(t, err)
	f.order(t, c.ID, "2000", customers.StatusDelivered)

	created := f.activity.byAction(activity.ActionScoreRecomputed)
	require.Len(t, created, 1)
	assert.Nil(t, created[0].Metadata["previous_score"])

	updated := f.activity.byAction(activity.ActionScoreUpdated)
	require.Len(t, updated, 1)
	assert.Equal(t, first.Score, updated[0].Metadata["previous_score"])
	assert.Equal(t, string(first.RiskBand), updated[0].Metadata["previous_band"])

	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	require.Len(t, f.events.events, 2)
	assert.Nil(t, f.events.events[0].PreviousScore)
	require.NotNil(t, f.events.events[1].PreviousScore)
	assert.Equal(t, first.Score, *f.events.events[1].PreviousScore)
	assert.Equal(t, TriggerOrderSaved, f.events.events[1].Trigger)
}

func TestEngine_Explain(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	c := f.customer(t)
	f.order(t, c.ID, "5000", customers.StatusDelivered)

	exp, err := f.engine.Explain(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, exp.Profile.Score, exp.Breakdown.Score)
	assert.Equal(t, 50, exp.Breakdown.SpendPoints)
	assert.Equal(t, "Low Risk", exp.BandDescription)
}

// ---------------------------------------------------------------------------
// Bulk
// ---------------------------------------------------------------------------

func TestEngine_RecomputeAll(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		c := f.customer(t)
		ids = append(ids, c.ID)
	}
	f.order(t, ids[0], "100", customers.StatusDelivered)

	res, err := f.engine.RecomputeAll(ctx, f.svc, BulkOptions{PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Processed)
	assert.Equal(t, 5, res.Succeeded)
	assert.Zero(t, res.Failed)

	for _, id := range ids {
		_, err := f.engine.GetProfile(ctx, id)
		assert.NoError(t, err, id)
	}
}

func TestEngine_RecomputeAllStaleOnly(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	a, b := f.customer(t), f.customer(t)
	f.order(t, a.ID, "10", customers.StatusPlaced)
	f.order(t, b.ID, "10", customers.StatusPlaced)
	_, err := f.profiles.MarkStale(ctx, b.ID, "timeout", time.Now())
	require.NoError(t, err)

	res, err := f.engine.RecomputeAll(ctx, f.svc, BulkOptions{StaleOnly: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.Succeeded)

	p, _ := f.engine.GetProfile(ctx, b.ID)
	assert.False(t, p.Stale)
}

func TestEngine_RecomputeAllContinuesPastFailures(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.customer(t)
	f.customer(t)
	f.engine.WithRetry(1, 0)

	f.source.failNext(1)
	res, err := f.engine.RecomputeAll(ctx, f.svc, BulkOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Failed)
	assert.Len(t, res.FailedIDs, 1)
}
