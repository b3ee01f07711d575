package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Decision is the outcome recorded for an approval action.
type Decision string

const (
	DecisionApproved Decision = "APPROVED"
	DecisionRejected Decision = "REJECTED"
)

// Record is one durable approval decision.
type Record struct {
	RefID     string    `json:"refId"`
	Entity    string    `json:"entity"`
	EntityID  int64     `json:"entityId"`
	Decision  Decision  `json:"decision"`
	ActorID   int64     `json:"actorId"`
	Reason    string    `json:"reason,omitempty"`
	DecidedAt time.Time `json:"decidedAt"`
}

// Recorder persists approval decisions.
type Recorder struct {
	pool *pgxpool.Pool
}

// NewRecorder constructs Recorder.
func NewRecorder(pool *pgxpool.Pool) *Recorder {
	return &Recorder{pool: pool}
}

// Record stores the decision and returns it with its generated reference id.
func (r *Recorder) Record(ctx context.Context, entity string, entityID int64, decision Decision, actorID int64, reason string) (Record, error) {
	rec := Record{
		RefID:     uuid.NewString(),
		Entity:    entity,
		EntityID:  entityID,
		Decision:  decision,
		ActorID:   actorID,
		Reason:    reason,
		DecidedAt: time.Now().UTC(),
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO approval_records (ref_id, entity, entity_id, decision, actor_id, reason, decided_at)
		      VALUES ($1, $2, $3, $4, $5, NULLIF($6,''), $7)`,
		rec.RefID, rec.Entity, rec.EntityID, rec.Decision, rec.ActorID, rec.Reason, rec.DecidedAt)
	if err != nil {
		return Record{}, fmt.Errorf("approval: record decision: %w", err)
	}
	return rec, nil
}

// History lists the decisions taken on one entity, oldest first.
func (r *Recorder) History(ctx context.Context, entity string, entityID int64) ([]Record, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT ref_id, entity, entity_id, decision, actor_id, COALESCE(reason,''), decided_at
		   FROM approval_records WHERE entity=$1 AND entity_id=$2 ORDER BY decided_at`,
		entity, entityID)
	if err != nil {
		return nil, fmt.Errorf("approval: history: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.RefID, &rec.Entity, &rec.EntityID, &rec.Decision,
			&rec.ActorID, &rec.Reason, &rec.DecidedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
