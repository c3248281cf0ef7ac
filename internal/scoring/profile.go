// Package scoring turns a customer's order and payment history into a credit
// score and risk band, and keeps the persisted credit profile in step with
// every write.
//
// The pipeline is ExtractFeatures (pure) -> Evaluate (pure) -> Store.Put,
// run by Engine.Recompute inside a per-customer unit of work.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/creditrisk/internal/customers"
	"github.com/mbd888/creditrisk/internal/pagination"
)

var (
	ErrProfileNotFound = errors.New("scoring: credit profile not found")
	ErrInvalidProfile  = errors.New("scoring: invalid credit profile")
	ErrRecomputeFailed = errors.New("scoring: recompute failed")
)

// Profile is the persisted score of one customer. Each recompute overwrites
// it completely.
type Profile struct {
	CustomerID string    `json:"customerId"`
	Score      int       `json:"score"`
	RiskBand   Band      `json:"riskBand"`
	Features   Features  `json:"features"`
	UpdatedAt  time.Time `json:"updatedAt"`

	// Set when the latest recompute failed; the score is from the last
	// successful one.
	Stale       bool       `json:"stale"`
	StaleReason string     `json:"staleReason,omitempty"`
	StaleSince  *time.Time `json:"staleSince,omitempty"`
}

// Validate enforces the score range and score/band consistency.
func (p *Profile) Validate() error {
	if p.CustomerID == "" {
		return fmt.Errorf("%w: customer id is required", ErrInvalidProfile)
	}
	if p.Score < MinScore || p.Score > MaxScore {
		return fmt.Errorf("%w: score %d outside [%d, %d]", ErrInvalidProfile, p.Score, MinScore, MaxScore)
	}
	if p.RiskBand != BandFor(p.Score) {
		return fmt.Errorf("%w: band %q does not match score %d", ErrInvalidProfile, p.RiskBand, p.Score)
	}
	return nil
}

// RecomputeError reports a recompute that failed after all retries. The
// write that triggered it has already been committed.
type RecomputeError struct {
	CustomerID string
	Trigger    Trigger
	Attempts   int
	Err        error
}

func (e *RecomputeError) Error() string {
	return fmt.Sprintf("recompute %s (%s) failed after %d attempt(s): %v", e.CustomerID, e.Trigger, e.Attempts, e.Err)
}

// Unwrap exposes both ErrRecomputeFailed and the underlying cause.
func (e *RecomputeError) Unwrap() []error {
	return []error{ErrRecomputeFailed, e.Err}
}

// ProfileFilter narrows List. Results are most recently updated first.
type ProfileFilter struct {
	RiskBand Band
	Stale    *bool
	Limit    int
	Cursor   *pagination.Cursor
}

// ProfileTx is a unit of work over one customer, holding that customer's
// lock. History and Current see one consistent snapshot; Put takes effect
// only if the enclosing WithCustomer callback returns nil.
type ProfileTx interface {
	History(ctx context.Context) (*customers.History, error)
	Current(ctx context.Context) (*Profile, error)
	Put(ctx context.Context, p *Profile) error
}

// Store persists credit profiles, at most one per customer.
type Store interface {
	// WithCustomer runs fn with exclusive access to the customer's profile.
	// Waiting for the lock honours ctx.
	WithCustomer(ctx context.Context, customerID string, fn func(ProfileTx) error) error

	Get(ctx context.Context, customerID string) (*Profile, error)
	List(ctx context.Context, f ProfileFilter) ([]*Profile, error)

	// MarkStale flags an existing profile. It reports false when the
	// customer has no profile yet. since is kept from the first failure.
	MarkStale(ctx context.Context, customerID, reason string, since time.Time) (bool, error)

	// Watermark draws from the sequence WithCustomer stamps each history
	// snapshot with. Snapshots taken after the call compare greater.
	Watermark(ctx context.Context) (int64, error)

	// MarkStaleBefore is MarkStale limited to a profile whose history
	// snapshot was taken before watermark. It reports false when the stored
	// profile is newer.
	MarkStaleBefore(ctx context.Context, customerID, reason string, since time.Time, watermark int64) (bool, error)

	// Summary aggregates every stored profile.
	Summary(ctx context.Context) (*Summary, error)

	DeleteCustomerData(ctx context.Context, customerID string) error
}

// Summary is a portfolio-wide view of the stored profiles.
type Summary struct {
	Profiles  int          `json:"profiles"`
	Stale     int          `json:"stale"`
	AvgScore  float64      `json:"avgScore"`
	MinScore  int          `json:"minScore"`
	MaxScore  int          `json:"maxScore"`
	BandCount map[Band]int `json:"bandCount"`
}

func newSummary() *Summary {
	s := &Summary{BandCount: make(map[Band]int, len(Bands))}
	for _, b := range Bands {
		s.BandCount[b] = 0
	}
	return s
}
