package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"signoff/internal/domain"
)

const processColumns = `id,artifact_kind,artifact_id,status,comments,first_task_id,data_json,created_at,finished_at`

func scanProcess(row scanner) (domain.Process, error) {
	var p domain.Process
	var status, data string
	var comments, firstTask, finished sql.NullString
	if err := row.Scan(&p.ID, &p.Artifact.Kind, &p.Artifact.ID, &status, &comments, &firstTask, &data, &p.CreatedAt, &finished); err != nil {
		return p, err
	}
	p.Status = domain.Status(status)
	p.Comments = comments.String
	p.FirstTaskID = firstTask.String
	p.FinishedAt = optionalString(finished)
	if err := json.Unmarshal([]byte(data), &p.Data); err != nil {
		return p, fmt.Errorf("process %s data: %w", p.ID, err)
	}
	return p, nil
}

func (r Repo) InsertProcess(ctx context.Context, tx *sql.Tx, p domain.Process) error {
	data, err := json.Marshal(p.Data)
	if err != nil {
		return err
	}
	_, err = r.conn(tx).ExecContext(ctx, `INSERT INTO processes(id,artifact_kind,artifact_id,status,stage,comments,first_task_id,data_json,created_at,finished_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Artifact.Kind, p.Artifact.ID, string(p.Status), p.Data.StageOrDefault(), nullable(p.Comments), nullable(p.FirstTaskID),
		string(data), p.CreatedAt, nullableStringPtr(p.FinishedAt))
	return err
}

// UpdateProcess writes the mutable columns. The artifact reference and
// creation time never change.
func (r Repo) UpdateProcess(ctx context.Context, tx *sql.Tx, p domain.Process) error {
	data, err := json.Marshal(p.Data)
	if err != nil {
		return err
	}
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE processes SET status=?, comments=?, first_task_id=?, data_json=?, finished_at=? WHERE id=?`,
		string(p.Status), nullable(p.Comments), nullable(p.FirstTaskID), string(data), nullableStringPtr(p.FinishedAt), p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("process %s: %w", p.ID, ErrNotFound)
	}
	return nil
}

func (r Repo) GetProcess(ctx context.Context, tx *sql.Tx, id string) (domain.Process, error) {
	p, err := scanProcess(r.conn(tx).QueryRowContext(ctx, `SELECT `+processColumns+` FROM processes WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return p, fmt.Errorf("process %s: %w", id, ErrNotFound)
	}
	return p, err
}

// LatestProcess returns the most recently created process for an artifact.
func (r Repo) LatestProcess(ctx context.Context, tx *sql.Tx, ref domain.ArtifactRef) (domain.Process, error) {
	p, err := scanProcess(r.conn(tx).QueryRowContext(ctx, `SELECT `+processColumns+` FROM processes
WHERE artifact_kind=? AND artifact_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1`, ref.Kind, ref.ID))
	if err == sql.ErrNoRows {
		return p, fmt.Errorf("no process for %s: %w", ref, ErrNotFound)
	}
	return p, err
}

type ProcessFilters struct {
	Artifact domain.ArtifactRef
	Stage    int
	Status   domain.Status
	// OpenOnly keeps processes that are not DONE, ERROR, CANCELED or DENY.
	OpenOnly bool
	Limit    int
}

func (r Repo) ListProcesses(ctx context.Context, tx *sql.Tx, f ProcessFilters) ([]domain.Process, error) {
	var clauses []string
	var args []any
	if f.Artifact.Kind != "" {
		clauses = append(clauses, "artifact_kind=?")
		args = append(args, f.Artifact.Kind)
	}
	if f.Artifact.ID != "" {
		clauses = append(clauses, "artifact_id=?")
		args = append(args, f.Artifact.ID)
	}
	if f.Stage > 0 {
		clauses = append(clauses, "stage=?")
		args = append(args, f.Stage)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if f.OpenOnly {
		clauses = append(clauses, "status NOT IN (?,?,?,?)")
		args = append(args, string(domain.StatusDone), string(domain.StatusError), string(domain.StatusCanceled), string(domain.StatusDeny))
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + processColumns + ` FROM processes ` + where + ` ORDER BY created_at DESC, rowid DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.conn(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Process
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// CountProcesses counts processes of an artifact at one stage.
func (r Repo) CountProcesses(ctx context.Context, tx *sql.Tx, ref domain.ArtifactRef, stage int) (int, error) {
	var n int
	err := r.conn(tx).QueryRowContext(ctx, `SELECT count(*) FROM processes WHERE artifact_kind=? AND artifact_id=? AND stage=?`,
		ref.Kind, ref.ID, stage).Scan(&n)
	return n, err
}

const taskColumns = `id,process_id,artifact_kind,artifact_id,flow_task_type,owner_id,owner_permission,status,comments,data_json,created_at,assigned_at,started_at,finished_at`

func scanTask(row scanner) (domain.Task, error) {
	var t domain.Task
	var flow, status, data string
	var owner, perm, comments, assigned, started, finished sql.NullString
	if err := row.Scan(&t.ID, &t.ProcessID, &t.Artifact.Kind, &t.Artifact.ID, &flow, &owner, &perm, &status, &comments, &data,
		&t.CreatedAt, &assigned, &started, &finished); err != nil {
		return t, err
	}
	t.FlowTaskType = domain.FlowType(flow)
	t.OwnerID = owner.String
	t.OwnerPermission = perm.String
	t.Status = domain.Status(status)
	t.Comments = comments.String
	t.AssignedAt = optionalString(assigned)
	t.StartedAt = optionalString(started)
	t.FinishedAt = optionalString(finished)
	if err := json.Unmarshal([]byte(data), &t.Data); err != nil {
		return t, fmt.Errorf("task %s data: %w", t.ID, err)
	}
	return t, nil
}

// InsertTask stores t and its predecessor edges.
func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	data, err := json.Marshal(t.Data)
	if err != nil {
		return err
	}
	q := r.conn(tx)
	_, err = q.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProcessID, t.Artifact.Kind, t.Artifact.ID, string(t.FlowTaskType), nullable(t.OwnerID), nullable(t.OwnerPermission),
		string(t.Status), nullable(t.Comments), string(data), t.CreatedAt,
		nullableStringPtr(t.AssignedAt), nullableStringPtr(t.StartedAt), nullableStringPtr(t.FinishedAt))
	if err != nil {
		return err
	}
	for _, prev := range t.Previous {
		if _, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO task_edges(task_id, previous_id) VALUES (?,?)`, t.ID, prev); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	data, err := json.Marshal(t.Data)
	if err != nil {
		return err
	}
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE tasks SET status=?, comments=?, data_json=?, assigned_at=?, started_at=?, finished_at=? WHERE id=?`,
		string(t.Status), nullable(t.Comments), string(data),
		nullableStringPtr(t.AssignedAt), nullableStringPtr(t.StartedAt), nullableStringPtr(t.FinishedAt), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	t, err := scanTask(r.conn(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return t, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return t, err
	}
	t.Previous, err = r.previousIDs(ctx, tx, t.ID)
	return t, err
}

type TaskFilters struct {
	ProcessID       string
	Artifact        domain.ArtifactRef
	OwnerID         string
	OwnerPermission string
	Status          domain.Status
	Limit           int
}

// ListTasks returns matching tasks newest first.
func (r Repo) ListTasks(ctx context.Context, tx *sql.Tx, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.ProcessID != "" {
		clauses = append(clauses, "process_id=?")
		args = append(args, f.ProcessID)
	}
	if f.Artifact.Kind != "" {
		clauses = append(clauses, "artifact_kind=?")
		args = append(args, f.Artifact.Kind)
	}
	if f.Artifact.ID != "" {
		clauses = append(clauses, "artifact_id=?")
		args = append(args, f.Artifact.ID)
	}
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.OwnerPermission != "" {
		clauses = append(clauses, "owner_permission=?")
		args = append(args, f.OwnerPermission)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, rowid DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.queryTasks(ctx, tx, query, args...)
}

// LeadingTasks returns the successors of a task.
func (r Repo) LeadingTasks(ctx context.Context, tx *sql.Tx, taskID string) ([]domain.Task, error) {
	cols := "t." + strings.ReplaceAll(taskColumns, ",", ",t.")
	return r.queryTasks(ctx, tx, `SELECT `+cols+` FROM tasks t
JOIN task_edges e ON e.task_id = t.id
WHERE e.previous_id=? ORDER BY t.created_at, t.rowid`, taskID)
}

func (r Repo) queryTasks(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]domain.Task, error) {
	rows, err := r.conn(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for i := range res {
		prev, err := r.previousIDs(ctx, tx, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].Previous = prev
	}
	return res, nil
}

func (r Repo) previousIDs(ctx context.Context, tx *sql.Tx, taskID string) ([]string, error) {
	rows, err := r.conn(tx).QueryContext(ctx, `SELECT previous_id FROM task_edges WHERE task_id=? ORDER BY previous_id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// HasPendingTasks reports whether the user owns any ASSIGNED task.
func (r Repo) HasPendingTasks(ctx context.Context, tx *sql.Tx, ownerID string) (bool, error) {
	var n int
	err := r.conn(tx).QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE owner_id=? AND status=? LIMIT 1`, ownerID, string(domain.StatusAssigned)).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}
