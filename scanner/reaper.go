package scanner

import (
	"context"
	"time"

	"github.com/vitwit/aawallet/logger"
	"github.com/vitwit/aawallet/metrics"
	"github.com/vitwit/aawallet/store"
)

// Reaper expires pending payments whose confirmation window lapsed without a
// confirm or cancel. Confirm handles the race where a caller beats the
// reaper to an expired payment; the flip itself is a store-level CAS either
// way.
type Reaper struct {
	store    store.Store
	interval time.Duration

	log     logger.Logger
	metrics metrics.Recorder
	now     func() time.Time
}

func NewReaper(st store.Store, interval time.Duration, log logger.Logger, rec metrics.Recorder) *Reaper {
	if log == nil {
		log = logger.NoopLogger{}
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reaper{
		store:    st,
		interval: interval,
		log:      log,
		metrics:  rec,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run reaps on the configured interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.ReapOnce(ctx); err != nil {
				r.log.Error("reaping pending payments failed", map[string]any{"error": err.Error()})
			}
		}
	}
}

// ReapOnce flips every lapsed pending payment to expired.
func (r *Reaper) ReapOnce(ctx context.Context) error {
	n, err := r.store.ExpirePendingBefore(ctx, r.now())
	if err != nil {
		return err
	}
	if n > 0 {
		r.log.Info("expired pending payments", map[string]any{"count": n})
		for i := 0; i < n; i++ {
			r.metrics.IncCounter("pending_expired", map[string]string{"kind": "payment"})
		}
	}
	return nil
}
