package repo

import (
	"context"
	"database/sql"
	"strings"

	"signoff/internal/domain"
)

type EventFilters struct {
	EntityKind string
	EntityID   string
	ActorID    string
	Type       string
	AfterID    int64
	Limit      int
}

// ListEvents returns events in append order.
func (r Repo) ListEvents(ctx context.Context, tx *sql.Tx, f EventFilters) ([]domain.Event, error) {
	var clauses []string
	var args []any
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id=?")
		args = append(args, f.ActorID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.AfterID > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, f.AfterID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id, ts, type, entity_kind, entity_id, actor_id, payload_json FROM events ` + where + ` ORDER BY id`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.conn(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var ev domain.Event
		var entityID, payload sql.NullString
		if err := rows.Scan(&ev.ID, &ev.TS, &ev.Type, &ev.EntityKind, &entityID, &ev.ActorID, &payload); err != nil {
			return nil, err
		}
		ev.EntityID = entityID.String
		ev.Payload = payload.String
		res = append(res, ev)
	}
	return res, rows.Err()
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}
