package database

import (
	"context"
	"fmt"

	"github.com/voicebridge/voicebridge/internal/database/models"
)

// subscriberRepo implements SubscriberRepository.
type subscriberRepo struct {
	db *DB
}

// NewSubscriberRepository creates a SubscriberRepository.
func NewSubscriberRepository(db *DB) SubscriberRepository {
	return &subscriberRepo{db: db}
}

// ListDue selects the campaign's pending subscribers with their open
// debt. A subscriber with no open invoices (or a non-positive balance
// sum) is excluded by the HAVING clause.
func (r *subscriberRepo) ListDue(ctx context.Context) ([]models.Subscriber, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT s.id, s.cliente, s.telefono, s.corte, s.outbound_call_attempts,
		 s.outbound_call_is_sent, s.outbound_call_completed_at,
		 COALESCE(SUM(i.balance), 0) AS debt_total
		 FROM subscribers s
		 JOIN invoices i ON i.subscriber_id = s.id AND i.closed = 0
		 WHERE s.outbound_call = 1
		   AND s.outbound_call_is_sent = 0
		   AND s.activo = 1
		   AND s.eliminar = 0
		 GROUP BY s.id, s.cliente, s.telefono, s.corte,
		   s.outbound_call_attempts, s.outbound_call_is_sent,
		   s.outbound_call_completed_at
		 HAVING debt_total > 0
		 ORDER BY s.id`)
	if err != nil {
		return nil, fmt.Errorf("querying due subscribers: %w", err)
	}
	defer rows.Close()

	var subs []models.Subscriber
	for rows.Next() {
		var s models.Subscriber
		if err := rows.Scan(&s.ID, &s.Name, &s.Phone, &s.CutDay, &s.Attempts,
			&s.IsSent, &s.CompletedAt, &s.DebtTotal); err != nil {
			return nil, fmt.Errorf("scanning subscriber: %w", err)
		}
		subs = append(subs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating subscribers: %w", err)
	}
	return subs, nil
}

// MarkSent flags the subscriber as contacted for this cycle.
func (r *subscriberRepo) MarkSent(ctx context.Context, id int64, attempts int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE subscribers
		 SET outbound_call_is_sent = 1,
		     outbound_call_completed_at = CURDATE(),
		     outbound_call_attempts = ?
		 WHERE id = ?`,
		attempts, id)
	if err != nil {
		return fmt.Errorf("marking subscriber %d sent: %w", id, err)
	}
	return nil
}

// RecordAttempt stores the attempt counter without completing the
// subscriber.
func (r *subscriberRepo) RecordAttempt(ctx context.Context, id int64, attempts int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE subscribers
		 SET outbound_call_attempts = ?
		 WHERE id = ?`,
		attempts, id)
	if err != nil {
		return fmt.Errorf("recording attempt for subscriber %d: %w", id, err)
	}
	return nil
}
