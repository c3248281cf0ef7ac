package health

import (
	"context"
	"fmt"

	"github.com/mbd888/creditrisk/internal/scoring"
)

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Database reports whether the database answers a ping.
func Database(db Pinger) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Healthy: false, Detail: err.Error()}
		}
		return Status{Healthy: true}
	}
}

// SummarySource is satisfied by *scoring.Engine.
type SummarySource interface {
	Summary(ctx context.Context) (*scoring.Summary, error)
}

// Scoring reports whether profile storage is readable. Stale profiles are
// surfaced in the detail; they degrade accuracy, not availability.
func Scoring(src SummarySource) Checker {
	return func(ctx context.Context) Status {
		sum, err := src.Summary(ctx)
		if err != nil {
			return Status{Healthy: false, Detail: err.Error()}
		}
		return Status{
			Healthy: true,
			Detail:  fmt.Sprintf("%d profiles, %d stale", sum.Profiles, sum.Stale),
		}
	}
}

// RepairSource is satisfied by *scoring.StaleRepairer.
type RepairSource interface {
	Running() bool
	LastRun() *scoring.BulkResult
}

// StaleRepair reports the background repair loop. It fails when the loop
// has stopped or its last sweep could not fix every stale profile.
func StaleRepair(src RepairSource) Checker {
	return func(context.Context) Status {
		if !src.Running() {
			return Status{Healthy: false, Detail: "repair loop not running"}
		}
		last := src.LastRun()
		if last == nil {
			return Status{Healthy: true, Detail: "no sweep yet"}
		}
		detail := fmt.Sprintf("last sweep: %d processed, %d failed", last.Processed, last.Failed)
		return Status{Healthy: last.Failed == 0, Detail: detail}
	}
}
