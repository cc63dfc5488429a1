package repo

import (
	"context"
	"database/sql"

	"signoff/internal/domain"
)

// AddProjectMember records user as a member of the given kind (member, sponsor, approver).
func (r Repo) AddProjectMember(ctx context.Context, tx *sql.Tx, projectID, userID, kind string) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT OR IGNORE INTO project_members(project_id, user_id, kind) VALUES (?,?,?)`, projectID, userID, kind)
	return err
}

func (r Repo) RemoveProjectMember(ctx context.Context, tx *sql.Tx, projectID, userID, kind string) error {
	_, err := r.conn(tx).ExecContext(ctx, `DELETE FROM project_members WHERE project_id=? AND user_id=? AND kind=?`, projectID, userID, kind)
	return err
}

// ProjectMembers resolves the users of one membership kind, ordered by name.
func (r Repo) ProjectMembers(ctx context.Context, tx *sql.Tx, projectID, kind string) ([]domain.User, error) {
	rows, err := r.conn(tx).QueryContext(ctx, `
SELECT u.id, u.name, u.role, u.created_at
FROM project_members pm
JOIN users u ON u.id = pm.user_id
WHERE pm.project_id=? AND pm.kind=?
ORDER BY u.name, u.id`, projectID, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Role, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (r Repo) IsProjectMember(ctx context.Context, tx *sql.Tx, projectID, userID, kind string) (bool, error) {
	var n int
	err := r.conn(tx).QueryRowContext(ctx, `SELECT 1 FROM project_members WHERE project_id=? AND user_id=? AND kind=? LIMIT 1`, projectID, userID, kind).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) projectMemberIDs(ctx context.Context, tx *sql.Tx, projectID string) (map[string][]string, error) {
	rows, err := r.conn(tx).QueryContext(ctx, `SELECT kind, user_id FROM project_members WHERE project_id=? ORDER BY kind, user_id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string][]string{}
	for rows.Next() {
		var kind, userID string
		if err := rows.Scan(&kind, &userID); err != nil {
			return nil, err
		}
		res[kind] = append(res[kind], userID)
	}
	return res, rows.Err()
}
