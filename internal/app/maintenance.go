package app

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"growthbot/internal/memory"
	logx "growthbot/pkg/logx"
)

// startMaintenance schedules the nightly prune in the reference timezone and
// returns a stop function. The prune removes dedup keys, counter rows and
// sent records older than the retention window; targets and pending actions
// are never touched.
func startMaintenance(store memory.Store, loc *time.Location, retention time.Duration, log logx.Logger) func() {
	c := cron.New(cron.WithLocation(loc))

	// 03:30 local: past midnight so the day's counters are already stale,
	// early enough to be off-peak.
	_, err := c.AddFunc("30 3 * * *", func() {
		cutoff := time.Now().In(loc).Add(-retention)
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		start := time.Now()
		if err := store.Prune(ctx, cutoff); err != nil {
			log.Error("nightly prune failed", logx.Err(err))
			return
		}
		log.Info("nightly prune done",
			logx.Time("cutoff", cutoff),
			logx.Duration("took", time.Since(start)))
	})
	if err != nil {
		log.Error("maintenance schedule invalid", logx.Err(err))
		return func() {}
	}

	c.Start()
	return func() {
		stopCtx := c.Stop()
		<-stopCtx.Done()
	}
}
