package database

import (
	"context"

	"github.com/voicebridge/voicebridge/internal/database/models"
)

// SubscriberRepository manages campaign progress for overdue
// subscribers.
type SubscriberRepository interface {
	// ListDue returns subscribers flagged for the campaign that have
	// not yet been called this cycle and carry open debt. Cut-day and
	// phone filtering happen in the controller, not here.
	ListDue(ctx context.Context) ([]models.Subscriber, error)
	// MarkSent records a successful contact: completion flag set,
	// completion date today, attempt counter stored. Called on the
	// first PlaybackStarted of a job and never undone here.
	MarkSent(ctx context.Context, id int64, attempts int) error
	// RecordAttempt stores the attempt counter after a terminal
	// failure without touching the completion flag.
	RecordAttempt(ctx context.Context, id int64, attempts int) error
}
