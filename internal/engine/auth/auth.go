package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"signoff/internal/domain"
)

// ForbiddenError indicates a missing object permission.
type ForbiddenError struct {
	Permission string
	Object     domain.ArtifactRef
}

func (e ForbiddenError) Error() string {
	if e.Object.IsZero() {
		return fmt.Sprintf("permission %s required", e.Permission)
	}
	return fmt.Sprintf("permission %s required on %s", e.Permission, e.Object)
}

// Ledger is the object permission store: a grant is the presence of a
// (subject, permission, object) row. Writes are idempotent.
type Ledger struct {
	DB *sql.DB
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (l Ledger) conn(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return l.DB
}

func validate(subject, perm string, target domain.ArtifactRef) error {
	if subject == "" {
		return errors.New("subject required")
	}
	if perm == "" {
		return errors.New("permission required")
	}
	if target.IsZero() {
		return errors.New("target required")
	}
	return nil
}

// Assign grants perm to subject on target. Granting a held permission is a no-op.
func (l Ledger) Assign(ctx context.Context, tx *sql.Tx, perm, subject string, target domain.ArtifactRef) error {
	if err := validate(subject, perm, target); err != nil {
		return err
	}
	_, err := l.conn(tx).ExecContext(ctx, `INSERT OR IGNORE INTO object_permissions(subject_id, permission, object_kind, object_id) VALUES (?,?,?,?)`,
		subject, perm, target.Kind, target.ID)
	return err
}

// Remove revokes perm. Removing an absent permission is a no-op.
func (l Ledger) Remove(ctx context.Context, tx *sql.Tx, perm, subject string, target domain.ArtifactRef) error {
	if err := validate(subject, perm, target); err != nil {
		return err
	}
	_, err := l.conn(tx).ExecContext(ctx, `DELETE FROM object_permissions WHERE subject_id=? AND permission=? AND object_kind=? AND object_id=?`,
		subject, perm, target.Kind, target.ID)
	return err
}

func (l Ledger) AssignAll(ctx context.Context, tx *sql.Tx, subject string, target domain.ArtifactRef, perms ...string) error {
	for _, p := range perms {
		if err := l.Assign(ctx, tx, p, subject, target); err != nil {
			return err
		}
	}
	return nil
}

func (l Ledger) RemoveAll(ctx context.Context, tx *sql.Tx, subject string, target domain.ArtifactRef, perms ...string) error {
	for _, p := range perms {
		if err := l.Remove(ctx, tx, p, subject, target); err != nil {
			return err
		}
	}
	return nil
}

func (l Ledger) Has(ctx context.Context, tx *sql.Tx, subject, perm string, target domain.ArtifactRef) (bool, error) {
	var n int
	err := l.conn(tx).QueryRowContext(ctx, `SELECT 1 FROM object_permissions WHERE subject_id=? AND permission=? AND object_kind=? AND object_id=? LIMIT 1`,
		subject, perm, target.Kind, target.ID).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// Require returns ForbiddenError when subject lacks perm on target.
func (l Ledger) Require(ctx context.Context, tx *sql.Tx, subject, perm string, target domain.ArtifactRef) error {
	ok, err := l.Has(ctx, tx, subject, perm, target)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Permission: perm, Object: target}
	}
	return nil
}

// List returns the permissions subject holds on target, sorted by name.
func (l Ledger) List(ctx context.Context, tx *sql.Tx, subject string, target domain.ArtifactRef) ([]string, error) {
	rows, err := l.conn(tx).QueryContext(ctx, `SELECT permission FROM object_permissions WHERE subject_id=? AND object_kind=? AND object_id=? ORDER BY permission`,
		subject, target.Kind, target.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// Grants returns every grant on target.
func (l Ledger) Grants(ctx context.Context, tx *sql.Tx, target domain.ArtifactRef) ([]domain.Grant, error) {
	rows, err := l.conn(tx).QueryContext(ctx, `SELECT subject_id, permission, object_kind, object_id FROM object_permissions
WHERE object_kind=? AND object_id=? ORDER BY subject_id, permission`, target.Kind, target.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var grants []domain.Grant
	for rows.Next() {
		var g domain.Grant
		if err := rows.Scan(&g.SubjectID, &g.Permission, &g.ObjectKind, &g.ObjectID); err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}
