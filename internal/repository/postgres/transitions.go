package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/inkbrow/capi-relay/internal/domain"
)

// TransitionRepo is the Postgres delivery ledger. It implements
// dispatch.TransitionRecorder.
type TransitionRepo struct{ db *sql.DB }

// NewTransitionRepo creates a Postgres-backed transition ledger.
func NewTransitionRepo(db *sql.DB) *TransitionRepo { return &TransitionRepo{db: db} }

func (r *TransitionRepo) Record(ctx context.Context, t domain.DeliveryTransition) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO capi_delivery_transitions
			(id, event_id, event_name, attempt_number, from_state, to_state, error, next_retry_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, uuid.New(), t.EventID, string(t.EventName), t.AttemptNumber, string(t.From), string(t.To),
		nullString(t.Error), nullTime(t.NextRetryAt), t.At)
	if err != nil {
		return fmt.Errorf("record transition %s %s->%s: %w", t.EventID, t.From, t.To, err)
	}
	return nil
}

// ForEvent returns the recorded history of one event, oldest first.
func (r *TransitionRepo) ForEvent(ctx context.Context, eventID string) ([]domain.DeliveryTransition, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT event_id, event_name, attempt_number, from_state, to_state, error, next_retry_at, created_at
		FROM capi_delivery_transitions
		WHERE event_id = $1
		ORDER BY created_at, attempt_number
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var out []domain.DeliveryTransition
	for rows.Next() {
		var (
			t         domain.DeliveryTransition
			name      string
			from, to  string
			errText   sql.NullString
			nextRetry sql.NullTime
		)
		if err := rows.Scan(&t.EventID, &name, &t.AttemptNumber, &from, &to, &errText, &nextRetry, &t.At); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		t.EventName = domain.EventName(name)
		t.From = domain.DeliveryState(from)
		t.To = domain.DeliveryState(to)
		t.Error = errText.String
		if nextRetry.Valid {
			at := nextRetry.Time
			t.NextRetryAt = &at
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountsSince totals transitions per target state after since.
func (r *TransitionRepo) CountsSince(ctx context.Context, since time.Time) (map[domain.DeliveryState]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT to_state, COUNT(*)
		FROM capi_delivery_transitions
		WHERE created_at >= $1
		GROUP BY to_state
	`, since)
	if err != nil {
		return nil, fmt.Errorf("count transitions: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.DeliveryState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[domain.DeliveryState(state)] = n
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
