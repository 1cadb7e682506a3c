package jobqueue

import "gorm.io/gorm/clause"

// onConflictDoNothing lets Backfill race safely against other callers
// enqueuing the same (job_id, scheduled_for) fire: the unique index on
// dedupe_key makes the second insert a no-op instead of an error.
func onConflictDoNothing() clause.OnConflict {
	return clause.OnConflict{DoNothing: true}
}
