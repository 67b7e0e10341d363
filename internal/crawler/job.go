package crawler

import (
	"fmt"
	"time"
)

// ApplyUpdate moves job to update.Status. StartedAt is stamped the first time
// the job enters running and CompletedAt the first time it becomes terminal;
// neither is overwritten afterwards.
func ApplyUpdate(job *Job, update JobUpdate, now time.Time) error {
	if !job.Status.CanTransition(update.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, update.Status)
	}
	job.Status = update.Status
	if update.Status == JobStatusRunning && job.StartedAt == nil {
		job.StartedAt = &now
	}
	if update.Status.Terminal() && job.CompletedAt == nil {
		job.CompletedAt = &now
	}
	if update.Result != nil {
		job.Result = update.Result
	}
	if update.Error != "" {
		job.Error = update.Error
	}
	return nil
}
