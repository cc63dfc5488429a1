package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"signoff/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn returns tx when set so callers inside a transaction never reach for a
// second pooled connection.
func (r Repo) conn(tx *sql.Tx) DBTX {
	if tx != nil {
		return tx
	}
	return r.DB
}

func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO users(id,name,role,created_at) VALUES (?,?,?,?)`,
		u.ID, u.Name, u.Role, u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, tx *sql.Tx, id string) (domain.User, error) {
	var u domain.User
	err := r.conn(tx).QueryRowContext(ctx, `SELECT id,name,role,created_at FROM users WHERE id=?`, id).
		Scan(&u.ID, &u.Name, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return u, err
}

func (r Repo) ListUsers(ctx context.Context, tx *sql.Tx, roles ...string) ([]domain.User, error) {
	query := `SELECT id,name,role,created_at FROM users`
	var args []any
	if len(roles) > 0 {
		query += ` WHERE role IN (` + placeholders(len(roles)) + `)`
		for _, role := range roles {
			args = append(args, role)
		}
	}
	query += ` ORDER BY created_at, id`
	rows, err := r.conn(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Role, &u.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO projects(id,title,status,issuer_id,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Title, p.Status, p.IssuerID, p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	var p domain.Project
	err := r.conn(tx).QueryRowContext(ctx, `SELECT id,title,status,issuer_id,created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.Title, &p.Status, &p.IssuerID, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return p, err
	}
	members, err := r.projectMemberIDs(ctx, tx, p.ID)
	if err != nil {
		return p, err
	}
	p.Members = members[domain.MemberWorker]
	p.Sponsors = members[domain.MemberSponsor]
	p.Approvers = members[domain.MemberApprover]
	return p, nil
}

func (r Repo) ListProjects(ctx context.Context, tx *sql.Tx) ([]domain.Project, error) {
	rows, err := r.conn(tx).QueryContext(ctx, `SELECT id,title,status,issuer_id,created_at FROM projects ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Title, &p.Status, &p.IssuerID, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdateProjectStatus(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE projects SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return nil
}

const artifactColumns = `kind,id,project_id,creator_id,name,state,status1,status2,is_finished,is_reviewed,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row scanner) (domain.Artifact, error) {
	var a domain.Artifact
	var state, status1, status2 string
	err := row.Scan(&a.Kind, &a.ID, &a.ProjectID, &a.CreatorID, &a.Name, &state, &status1, &status2,
		&a.IsFinished, &a.IsReviewed, &a.CreatedAt, &a.UpdatedAt)
	a.State = domain.ArtifactState(state)
	a.Status1 = domain.Status(status1)
	a.Status2 = domain.Status(status2)
	return a, err
}

func (r Repo) InsertArtifact(ctx context.Context, tx *sql.Tx, a domain.Artifact) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO artifacts(`+artifactColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.Kind, a.ID, a.ProjectID, a.CreatorID, a.Name, string(a.State), string(a.Status1), string(a.Status2),
		a.IsFinished, a.IsReviewed, a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) GetArtifact(ctx context.Context, tx *sql.Tx, ref domain.ArtifactRef) (domain.Artifact, error) {
	a, err := scanArtifact(r.conn(tx).QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE kind=? AND id=?`, ref.Kind, ref.ID))
	if err == sql.ErrNoRows {
		return a, fmt.Errorf("artifact %s: %w", ref, ErrNotFound)
	}
	return a, err
}

// UpdateArtifactState persists the denormalized approval fields.
func (r Repo) UpdateArtifactState(ctx context.Context, tx *sql.Tx, a domain.Artifact) error {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE artifacts SET state=?, status1=?, status2=?, is_finished=?, is_reviewed=?, updated_at=? WHERE kind=? AND id=?`,
		string(a.State), string(a.Status1), string(a.Status2), a.IsFinished, a.IsReviewed, a.UpdatedAt, a.Kind, a.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("artifact %s: %w", a.Ref(), ErrNotFound)
	}
	return nil
}

type ArtifactFilters struct {
	ProjectID string
	Kind      string
	State     string
	Limit     int
}

func (r Repo) ListArtifacts(ctx context.Context, tx *sql.Tx, f ArtifactFilters) ([]domain.Artifact, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + artifactColumns + ` FROM artifacts ` + where + ` ORDER BY created_at DESC, updated_at DESC, rowid DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.conn(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func optionalString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
