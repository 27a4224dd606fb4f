// Package delivery implements the per-message status lifecycle:
// pending -> sent -> delivered -> read, with deleted as a terminal state
// reachable from anywhere by sender action only.
package delivery

import (
	"fmt"

	"chat-sync/internal/faults"
	"chat-sync/internal/models"
)

// CanAdvance reports whether moving from one status to another is a legal
// forward transition. Deleted is terminal.
func CanAdvance(from, to models.DeliveryStatus) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == models.StatusDeleted {
		return false
	}
	if to == models.StatusDeleted {
		return true
	}
	return to.Rank() > from.Rank()
}

// Advance returns the status after applying a remote or local update. A
// transition that would move the message backward yields faults.ErrConflict
// and leaves the status unchanged; callers log the anomaly and move on.
func Advance(current, next models.DeliveryStatus) (models.DeliveryStatus, error) {
	if !next.Valid() {
		return current, fmt.Errorf("unknown status %q: %w", next, faults.ErrConflict)
	}
	if current == next {
		// At-least-once delivery replays updates; same-state is not an anomaly.
		return current, nil
	}
	if !CanAdvance(current, next) {
		return current, fmt.Errorf("%s -> %s: %w", current, next, faults.ErrConflict)
	}
	return next, nil
}
