// Package activity keeps the append-only audit trail of customer, order,
// payment and score events.
//
// Recording is best effort: a failing sink is logged and counted but never
// fails the write that produced the entry.
package activity

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/creditrisk/internal/pagination"
)

var ErrInvalidFilter = errors.New("invalid activity filter")

// Severity grades an entry.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// Action names what happened.
type Action string

const (
	ActionOrderCreated         Action = "order_created"
	ActionOrderStatusChanged   Action = "order_status_changed"
	ActionOrderDeleted         Action = "order_deleted"
	ActionPaymentSuccess       Action = "payment_success"
	ActionPaymentFailed        Action = "payment_failed"
	ActionPaymentDeleted       Action = "payment_deleted"
	ActionScoreRecomputed      Action = "score_recomputed"
	ActionScoreUpdated         Action = "score_updated"
	ActionScoreRecomputeFailed Action = "score_recompute_failed"
	ActionCustomerLogin        Action = "customer_login"
	ActionProfileViewed        Action = "profile_viewed"
	ActionReportDownloaded     Action = "report_downloaded"
	ActionCustomerCreated      Action = "customer_created"
	ActionCustomerUpdated      Action = "customer_updated"
	ActionCustomerDeleted      Action = "customer_deleted"
)

var knownActions = map[Action]bool{
	ActionOrderCreated: true, ActionOrderStatusChanged: true, ActionOrderDeleted: true,
	ActionPaymentSuccess: true, ActionPaymentFailed: true, ActionPaymentDeleted: true,
	ActionScoreRecomputed: true, ActionScoreUpdated: true, ActionScoreRecomputeFailed: true,
	ActionCustomerLogin: true, ActionProfileViewed: true, ActionReportDownloaded: true,
	ActionCustomerCreated: true, ActionCustomerUpdated: true, ActionCustomerDeleted: true,
}

// Valid reports whether a is a known action.
func (a Action) Valid() bool { return knownActions[a] }

// MaxUserAgentLen bounds the stored user agent.
const MaxUserAgentLen = 500

// Entry is one audit record. An empty CustomerID marks a system event.
type Entry struct {
	ID          string         `json:"id"`
	CustomerID  string         `json:"customerId,omitempty"`
	Action      Action         `json:"action"`
	Severity    Severity       `json:"severity"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata"`
	ActorType   string         `json:"actorType,omitempty"`
	ActorID     string         `json:"actorId,omitempty"`
	IPAddress   string         `json:"ipAddress,omitempty"`
	UserAgent   string         `json:"userAgent,omitempty"`
	RequestID   string         `json:"requestId,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// Filter narrows List and Stats. Zero fields match everything; To is exclusive.
type Filter struct {
	CustomerID string
	Action     Action
	Severity   Severity
	From       time.Time
	To         time.Time
	Search     string
	Limit      int
	Cursor     *pagination.Cursor
}

// Stats summarises the entries matching a filter.
type Stats struct {
	Total      int64 `json:"total"`
	ErrorCount int64 `json:"errorCount"` // error + critical
	TodayCount int64 `json:"todayCount"` // since 00:00 UTC
}

// Store persists activity entries.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	List(ctx context.Context, f Filter) ([]*Entry, error)
	Stats(ctx context.Context, f Filter, now time.Time) (*Stats, error)
	DeleteCustomerData(ctx context.Context, customerID string) error
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
