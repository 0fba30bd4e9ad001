package audit

import (
	"context"
	"time"
)

// DefaultRetentionInterval is how often Retention prunes.
const DefaultRetentionInterval = time.Hour

// RetentionLogger is the logging surface Retention needs.
type RetentionLogger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Retention deletes audit entries older than MaxAge on a fixed interval.
type Retention struct {
	Pruner   Pruner
	MaxAge   time.Duration
	Interval time.Duration // default DefaultRetentionInterval

	// AfterPrune runs when a pass deleted rows, typically
	// database.DB.Optimize. Optional.
	AfterPrune func(ctx context.Context) error

	Logger RetentionLogger // optional

	now func() time.Time
}

// Run prunes once immediately, then every Interval until ctx is done.
// A zero MaxAge disables retention and Run returns at once.
func (r *Retention) Run(ctx context.Context) error {
	if r.MaxAge <= 0 {
		return nil
	}
	interval := r.Interval
	if interval <= 0 {
		interval = DefaultRetentionInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		r.PruneOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// PruneOnce deletes entries older than MaxAge and returns how many went.
// Errors are logged; the next pass retries.
func (r *Retention) PruneOnce(ctx context.Context) int64 {
	now := time.Now
	if r.now != nil {
		now = r.now
	}
	cutoff := now().Add(-r.MaxAge)

	n, err := r.Pruner.Prune(ctx, cutoff)
	if err != nil {
		r.warn("audit retention failed", "cutoff", cutoff, "error", err)
		return 0
	}
	if n == 0 {
		return 0
	}
	if r.Logger != nil {
		r.Logger.Info("audit entries pruned", "deleted", n, "cutoff", cutoff)
	}
	if r.AfterPrune != nil {
		if err := r.AfterPrune(ctx); err != nil {
			r.warn("post-prune maintenance failed", "error", err)
		}
	}
	return n
}

func (r *Retention) warn(msg string, args ...any) {
	if r.Logger != nil {
		r.Logger.Warn(msg, args...)
	}
}
