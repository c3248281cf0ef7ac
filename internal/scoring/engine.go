package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/mbd888/creditrisk/internal/activity"
	"github.com/mbd888/creditrisk/internal/customers"
	"github.com/mbd888/creditrisk/internal/metrics"
	"github.com/mbd888/creditrisk/internal/pagination"
	"github.com/mbd888/creditrisk/internal/retry"
	"github.com/mbd888/creditrisk/internal/traces"
)

// Trigger names why a recompute ran.
type Trigger string

const (
	TriggerOrderSaved     Trigger = customers.TriggerOrderSaved
	TriggerOrderDeleted   Trigger = customers.TriggerOrderDeleted
	TriggerPaymentSaved   Trigger = customers.TriggerPaymentSaved
	TriggerPaymentDeleted Trigger = customers.TriggerPaymentDeleted
	TriggerManual         Trigger = "manual"
	TriggerBulk           Trigger = "bulk"
	TriggerSeed           Trigger = "seed"
)

// Defaults for the recompute retry policy.
const (
	DefaultMaxAttempts = 3
	DefaultRetryBase   = 50 * time.Millisecond
	DefaultRetryMax    = time.Second

	staleMarkTimeout = 5 * time.Second
)

// Clock returns the current time. Tests inject fixed clocks.
type Clock func() time.Time

// ActivityRecorder records audit entries without failing the caller.
type ActivityRecorder interface {
	Record(ctx context.Context, e activity.Entry)
}

// Event types published after a recompute.
const (
	EventScoreUpdated         = "score_updated"
	EventScoreRecomputeFailed = "score_recompute_failed"
)

// Event describes a recompute outcome for live subscribers.
type Event struct {
	Type          string    `json:"type"`
	CustomerID    string    `json:"customerId"`
	Score         int       `json:"score,omitempty"`
	RiskBand      Band      `json:"riskBand,omitempty"`
	PreviousScore *int      `json:"previousScore,omitempty"`
	PreviousBand  Band      `json:"previousBand,omitempty"`
	Trigger       Trigger   `json:"trigger"`
	Error         string    `json:"error,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// EventPublisher receives recompute events. It must not block.
type EventPublisher interface {
	PublishScoreEvent(ev Event)
}

// Engine recomputes and serves credit profiles.
type Engine struct {
	store    Store
	clock    Clock
	policy   retry.Policy
	activity ActivityRecorder
	events   EventPublisher
	logger   *slog.Logger
}

// NewEngine creates a scoring engine over store.
func NewEngine(store Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store: store,
		clock: time.Now,
		policy: retry.Policy{
			MaxAttempts: DefaultMaxAttempts,
			BaseDelay:   DefaultRetryBase,
			MaxDelay:    DefaultRetryMax,
		},
		logger: logger,
	}
}

// WithClock overrides the time source used for feature windows and timestamps.
func (e *Engine) WithClock(c Clock) *Engine {
	e.clock = c
	return e
}

// WithRetry overrides how often and how patiently a failed recompute is retried.
func (e *Engine) WithRetry(maxAttempts int, base time.Duration) *Engine {
	e.policy.MaxAttempts = maxAttempts
	e.policy.BaseDelay = base
	return e
}

// WithActivity sets the audit trail recorder.
func (e *Engine) WithActivity(a ActivityRecorder) *Engine {
	e.activity = a
	return e
}

// WithEvents sets the live event publisher.
func (e *Engine) WithEvents(p EventPublisher) *Engine {
	e.events = p
	return e
}

// Recompute rebuilds the customer's profile from their full history and
// persists it. It is idempotent: with no intervening writes, repeated calls
// produce the same features, score and band.
//
// Transient failures are retried. When retries run out the existing profile
// is flagged stale and a *RecomputeError is returned. An unknown customer
// returns customers.ErrCustomerNotFound without retrying.
func (e *Engine) Recompute(ctx context.Context, customerID string, trigger Trigger) (*Profile, error) {
	ctx, span := traces.StartSpan(ctx, "scoring.recompute",
		traces.CustomerID(customerID), traces.Trigger(string(trigger)))
	defer span.End()

	start := time.Now()
	defer func() { metrics.RecomputeDuration.Observe(time.Since(start).Seconds()) }()

	// Any profile built from a snapshot stamped after this point already
	// reflects the write that triggered this call.
	watermark, err := e.store.Watermark(ctx)
	if err != nil {
		watermark = math.MaxInt64
	}

	policy := e.policy
	policy.OnRetry = func(attempt int, err error) {
		e.logger.Warn("recompute attempt failed, retrying",
			"customer_id", customerID, "trigger", trigger, "attempt", attempt, "error", err)
	}

	var (
		profile, previous *Profile
		attempts          int
	)
	err = retry.Do(ctx, policy, func(attempt int) error {
		attempts = attempt
		p, prev, err := e.recomputeOnce(ctx, customerID)
		if err != nil {
			if errors.Is(err, customers.ErrCustomerNotFound) || errors.Is(err, ErrInvalidProfile) {
				return retry.Permanent(err)
			}
			return err
		}
		profile, previous = p, prev
		return nil
	})
	if errors.Is(err, customers.ErrCustomerNotFound) {
		metrics.RecomputesTotal.WithLabelValues(string(trigger), "not_found").Inc()
		traces.RecordError(span, err)
		return nil, err
	}
	if err != nil {
		traces.RecordError(span, err)
		return nil, e.fail(ctx, customerID, trigger, attempts, watermark, err)
	}

	metrics.RecomputesTotal.WithLabelValues(string(trigger), "success").Inc()
	metrics.BandAssignmentsTotal.WithLabelValues(string(profile.RiskBand)).Inc()
	span.SetAttributes(traces.Score(profile.Score), traces.RiskBand(string(profile.RiskBand)))

	e.logger.Debug("credit profile recomputed",
		"customer_id", customerID, "trigger", trigger,
		"score", profile.Score, "band", profile.RiskBand, "attempts", attempts)

	e.recordSuccess(ctx, profile, previous, trigger)
	return profile, nil
}

// recomputeOnce runs one extract, evaluate and persist pass under the
// customer's lock. now is read once, after the lock is held.
func (e *Engine) recomputeOnce(ctx context.Context, customerID string) (profile, previous *Profile, err error) {
	err = e.store.WithCustomer(ctx, customerID, func(tx ProfileTx) error {
		now := e.clock().UTC()

		h, err := tx.History(ctx)
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		prev, err := tx.Current(ctx)
		if err != nil && !errors.Is(err, ErrProfileNotFound) {
			return fmt.Errorf("load current profile: %w", err)
		}

		features := ExtractFeatures(h, now)
		score, band := Evaluate(features)
		p := &Profile{
			CustomerID: customerID,
			Score:      score,
			RiskBand:   band,
			Features:   features,
			UpdatedAt:  now,
		}
		if err := tx.Put(ctx, p); err != nil {
			return err
		}
		profile, previous = p, prev
		return nil
	})
	return profile, previous, err
}

// fail flags the profile stale unless a recompute that started after this one
// has since committed.
func (e *Engine) fail(ctx context.Context, customerID string, trigger Trigger, attempts int, watermark int64, cause error) error {
	metrics.RecomputesTotal.WithLabelValues(string(trigger), "failure").Inc()
	metrics.RecomputeFailuresTotal.WithLabelValues(string(trigger)).Inc()

	// The caller's context may be what failed; flagging must still land.
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), staleMarkTimeout)
	defer cancel()

	marked, err := e.store.MarkStaleBefore(mctx, customerID, cause.Error(), e.clock().UTC(), watermark)
	switch {
	case err != nil:
		e.logger.Error("failed to flag credit profile stale", "customer_id", customerID, "error", err)
	case marked:
		metrics.StaleProfilesMarked.Inc()
	}

	e.logger.Error("credit profile recompute failed",
		"customer_id", customerID, "trigger", trigger, "attempts", attempts,
		"profile_stale", marked, "error", cause)

	if e.activity != nil {
		e.activity.Record(mctx, activity.Entry{
			CustomerID:  customerID,
			Action:      activity.ActionScoreRecomputeFailed,
			Severity:    activity.SeverityError,
			Description: fmt.Sprintf("Credit score recompute failed after %d attempt(s)", attempts),
			Metadata: map[string]any{
				"trigger":       string(trigger),
				"attempts":      attempts,
				"error":         cause.Error(),
				"profile_stale": marked,
			},
		})
	}
	e.publish(Event{
		Type:       EventScoreRecomputeFailed,
		CustomerID: customerID,
		Trigger:    trigger,
		Error:      cause.Error(),
		Timestamp:  e.clock().UTC(),
	})

	return &RecomputeError{CustomerID: customerID, Trigger: trigger, Attempts: attempts, Err: cause}
}

func (e *Engine) recordSuccess(ctx context.Context, p, previous *Profile, trigger Trigger) {
	ev := Event{
		Type:       EventScoreUpdated,
		CustomerID: p.CustomerID,
		Score:      p.Score,
		RiskBand:   p.RiskBand,
		Trigger:    trigger,
		Timestamp:  p.UpdatedAt,
	}

	if e.activity != nil {
		action := activity.ActionScoreRecomputed
		meta := map[string]any{
			"score":          p.Score,
			"risk_band":      string(p.RiskBand),
			"trigger":        string(trigger),
			"previous_score": nil,
			"previous_band":  nil,
		}
		if previous != nil {
			action = activity.ActionScoreUpdated
			meta["previous_score"] = previous.Score
			meta["previous_band"] = string(previous.RiskBand)
		}
		e.activity.Record(ctx, activity.Entry{
			CustomerID:  p.CustomerID,
			Action:      action,
			Severity:    activity.SeverityInfo,
			Description: fmt.Sprintf("Credit score updated: %d (Risk Band: %s)", p.Score, p.RiskBand),
			Metadata:    meta,
		})
	}

	if previous != nil {
		prevScore := previous.Score
		ev.PreviousScore = &prevScore
		ev.PreviousBand = previous.RiskBand
	}
	e.publish(ev)
}

func (e *Engine) publish(ev Event) {
	if e.events != nil {
		e.events.PublishScoreEvent(ev)
	}
}

// GetProfile returns the persisted profile, or ErrProfileNotFound when the
// customer has never been scored. It never computes on read.
func (e *Engine) GetProfile(ctx context.Context, customerID string) (*Profile, error) {
	return e.store.Get(ctx, customerID)
}

// ListProfiles returns persisted profiles, most recently updated first.
func (e *Engine) ListProfiles(ctx context.Context, f ProfileFilter) ([]*Profile, error) {
	return e.store.List(ctx, f)
}

// Summary aggregates every stored profile.
func (e *Engine) Summary(ctx context.Context) (*Summary, error) {
	return e.store.Summary(ctx)
}

// Explanation pairs a stored profile with the rule-by-rule breakdown of its
// score.
type Explanation struct {
	Profile         *Profile  `json:"profile"`
	Breakdown       Breakdown `json:"breakdown"`
	BandDescription string    `json:"bandDescription"`
}

// Explain re-runs the scorecard over the stored features. The breakdown
// always agrees with the stored score because evaluation is pure.
func (e *Engine) Explain(ctx context.Context, customerID string) (*Explanation, error) {
	p, err := e.store.Get(ctx, customerID)
	if err != nil {
		return nil, err
	}
	return &Explanation{
		Profile:         p,
		Breakdown:       Explain(p.Features),
		BandDescription: p.RiskBand.Description(),
	}, nil
}

// DeleteCustomerData drops the customer's profile.
func (e *Engine) DeleteCustomerData(ctx context.Context, customerID string) error {
	return e.store.DeleteCustomerData(ctx, customerID)
}

// CustomerLister pages through customers, newest first.
type CustomerLister interface {
	ListCustomers(ctx context.Context, f customers.CustomerFilter) ([]*customers.Customer, error)
}

// BulkOptions controls RecomputeAll.
type BulkOptions struct {
	StaleOnly bool // only customers whose profile is flagged stale
	PageSize  int
}

// BulkResult counts what RecomputeAll did.
type BulkResult struct {
	Processed int      `json:"processed"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	FailedIDs []string `json:"failedIds,omitempty"`
}

// RecomputeAll recomputes every customer (or every stale profile) page by
// page. Individual failures are counted and skipped; only a listing error or
// ctx ending stops the run early.
func (e *Engine) RecomputeAll(ctx context.Context, lister CustomerLister, opts BulkOptions) (BulkResult, error) {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = pagination.MaxLimit
	}

	var res BulkResult
	each := func(id string) {
		res.Processed++
		if _, err := e.Recompute(ctx, id, TriggerBulk); err != nil {
			res.Failed++
			res.FailedIDs = append(res.FailedIDs, id)
			return
		}
		res.Succeeded++
	}

	var cursor *pagination.Cursor
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		var (
			ids  []string
			last pagination.Cursor
		)
		if opts.StaleOnly {
			stale := true
			page, err := e.store.List(ctx, ProfileFilter{Stale: &stale, Limit: pageSize, Cursor: cursor})
			if err != nil {
				return res, fmt.Errorf("list stale profiles: %w", err)
			}
			for _, p := range page {
				ids = append(ids, p.CustomerID)
				last = pagination.Cursor{CreatedAt: p.UpdatedAt, ID: p.CustomerID}
			}
		} else {
			page, err := lister.ListCustomers(ctx, customers.CustomerFilter{Limit: pageSize, Cursor: cursor})
			if err != nil {
				return res, fmt.Errorf("list customers: %w", err)
			}
			for _, c := range page {
				ids = append(ids, c.ID)
				last = pagination.Cursor{CreatedAt: c.CreatedAt, ID: c.ID}
			}
		}

		for _, id := range ids {
			each(id)
		}
		if len(ids) < pageSize {
			break
		}
		cursor = &last
	}

	e.logger.Info("bulk recompute finished",
		"processed", res.Processed, "succeeded", res.Succeeded, "failed", res.Failed,
		"stale_only", opts.StaleOnly)
	return res, nil
}

// AsRecomputer adapts the engine to the customers write path.
func (e *Engine) AsRecomputer() customers.Recomputer {
	return recomputer{e}
}

type recomputer struct{ e *Engine }

func (r recomputer) Recompute(ctx context.Context, customerID, trigger string) error {
	_, err := r.e.Recompute(ctx, customerID, Trigger(trigger))
	return err
}
