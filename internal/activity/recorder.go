package activity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/mbd888/creditrisk/internal/circuitbreaker"
	"github.com/mbd888/creditrisk/internal/idgen"
	"github.com/mbd888/creditrisk/internal/logging"
	"github.com/mbd888/creditrisk/internal/metrics"
)

const (
	breakerKey          = "activity_store"
	defaultWriteTimeout = 2 * time.Second
)

var errStorePanic = errors.New("activity store panicked")

// Recorder writes entries to a Store and never reports failure to the
// caller. Every failure leaves a warn log and a counter increment; once the
// store keeps failing the breaker skips it until it recovers.
type Recorder struct {
	store   Store
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
	now     func() time.Time
	timeout time.Duration
}

// NewRecorder creates a recorder over store.
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:   store,
		breaker: circuitbreaker.New(5, 30*time.Second),
		logger:  logger,
		now:     time.Now,
		timeout: defaultWriteTimeout,
	}
}

// WithClock replaces time.Now for entry timestamps.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

// WithBreaker replaces the default breaker (5 failures, 30s cool-down).
func (r *Recorder) WithBreaker(b *circuitbreaker.Breaker) *Recorder {
	r.breaker = b
	return r
}

// Record fills in ID, timestamp, origin and request ID, then appends e.
// The write survives cancellation of ctx so an aborted request still leaves
// its trail, but is bounded by its own timeout.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	if r == nil || r.store == nil {
		return
	}

	prepared := r.prepare(ctx, e)

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	err := r.breaker.Execute(breakerKey, func() (err error) {
		// A panicking store counts as a failed write.
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("%w: %v", errStorePanic, rec)
			}
		}()
		return r.store.Append(writeCtx, prepared)
	})
	if err == nil {
		return
	}

	reason := "store_error"
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		reason = "circuit_open"
	case errors.Is(err, errStorePanic):
		reason = "store_panic"
	}
	metrics.ActivityLogFailures.WithLabelValues(reason).Inc()
	r.logger.Warn("activity log write failed",
		"action", prepared.Action,
		"request_id", prepared.RequestID,
		"customer_id", prepared.CustomerID,
		"reason", reason,
		"error", err,
	)
}

func (r *Recorder) prepare(ctx context.Context, e Entry) *Entry {
	if e.ID == "" {
		e.ID = idgen.Ordered()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now().UTC()
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}

	actorType, actorID, ip, ua := originFromContext(ctx)
	if e.ActorType == "" {
		e.ActorType, e.ActorID = actorType, actorID
	}
	if e.IPAddress == "" {
		e.IPAddress = ip
	}
	if e.UserAgent == "" {
		e.UserAgent = ua
	}
	e.UserAgent = truncate(e.UserAgent, MaxUserAgentLen)
	if e.RequestID == "" {
		e.RequestID = logging.RequestID(ctx)
	}
	return &e
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
