package cloudsync

import (
	"context"
	"time"

	"go-pos-core/internal/database"
)

// idlePoll is how often a disabled schedule rechecks the setting.
const idlePoll = time.Minute

// RunSchedule runs SyncAll every sync_interval minutes until ctx is done. The
// interval is re-read after each run so a settings change applies without a
// restart; 0 leaves only the realtime outbox path active.
func (b *BulkSyncer) RunSchedule(ctx context.Context) {
	for {
		wait := idlePoll
		interval := b.interval()
		if interval > 0 {
			wait = interval
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if interval <= 0 || b.interval() <= 0 {
			continue
		}
		if _, err := b.SyncAll(ctx); err != nil {
			b.logger().Warn("scheduled sync incomplete", "err", err)
		}
	}
}

func (b *BulkSyncer) interval() time.Duration {
	db := b.Store.DB()
	if db == nil {
		return 0
	}
	return time.Duration(database.SettingInt(db, database.SettingSyncInterval, 0)) * time.Minute
}
