package engine

import (
	"context"
	"fmt"
	"time"
)

// CheckReminder evaluates the long-offline signal: if no sync has
// succeeded for longer than ReminderAfter and the reminder has not been
// dismissed within ReminderSnooze, an EventReminder is published.
//
// This is an observability signal, not an error: it is independent of
// per-entry retry state and fires even when the outbox is empty.
func (e *Engine) CheckReminder(ctx context.Context) (bool, error) {
	now := e.nowFn()

	last, err := e.db.LastSyncSuccess(ctx)
	if err != nil {
		return false, err
	}
	if last.IsZero() {
		// Never synced; nothing to compare against yet.
		return false, nil
	}
	offline := now.Sub(last)
	if offline <= e.config.ReminderAfter {
		return false, nil
	}

	dismissed, err := e.db.ReminderDismissedAt(ctx)
	if err != nil {
		return false, err
	}
	if !dismissed.IsZero() && now.Sub(dismissed) <= e.config.ReminderSnooze {
		return false, nil
	}

	e.publish(Event{Type: EventReminder,
		Detail: fmt.Sprintf("no successful sync for %v", offline.Round(time.Minute))})
	return true, nil
}

// DismissReminder snoozes the long-offline reminder for the configured
// snooze window. It re-triggers after the window expires if the device
// still has not synced.
func (e *Engine) DismissReminder(ctx context.Context) error {
	return e.db.DismissReminder(ctx, e.nowFn())
}
