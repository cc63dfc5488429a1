package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the engine.
const (
	UserCreated      = "user.created"
	ProjectCreated   = "project.created"
	ArtifactCreated  = "artifact.created"
	ProcessCreated   = "process.created"
	ProcessSubmitted = "process.submitted"
	ProcessWithdrawn = "process.withdrawn"
	TaskApproved     = "task.approved"
	TaskDenied       = "task.denied"
	ProcessDone      = "process.done"
	ProcessDenied    = "process.denied"
	ArtifactReviewed = "artifact.reviewed"
	MemberAdded      = "project.member.added"
	ProjectStatus    = "project.status.updated"
	APIKeyCreated    = "apikey.created"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append records one event inside tx so it commits or rolls back with the
// change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
