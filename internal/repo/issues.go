package repo

import (
	"context"
	"database/sql"

	"agentdash/internal/domain"
)

const issueColumns = `id,task_id,type,title,COALESCE(description,''),code,solution,resolved`

func scanIssue(row rowScanner) (domain.Issue, error) {
	var i domain.Issue
	var code, solution sql.NullString
	err := row.Scan(&i.ID, &i.TaskID, &i.Type, &i.Title, &i.Description, &code, &solution, &i.Resolved)
	if err == sql.ErrNoRows {
		return i, ErrNotFound
	}
	if err != nil {
		return i, err
	}
	i.Code = stringPtr(code)
	i.Solution = stringPtr(solution)
	return i, nil
}

func (r Repo) InsertIssue(ctx context.Context, i domain.Issue) (domain.Issue, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO issues(task_id,type,title,description,code,solution,resolved) VALUES (?,?,?,?,?,?,?)`,
		i.TaskID, i.Type, i.Title, nullable(i.Description), nullableStringPtr(i.Code), nullableStringPtr(i.Solution), i.Resolved)
	if err != nil {
		return i, err
	}
	i.ID, err = res.LastInsertId()
	return i, err
}

func (r Repo) GetIssue(ctx context.Context, id int64) (domain.Issue, error) {
	return scanIssue(r.DB.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id=?`, id))
}

// ListIssues returns the issues of a task, open ones first.
func (r Repo) ListIssues(ctx context.Context, taskID int64) ([]domain.Issue, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE task_id=? ORDER BY resolved, id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Issue
	for rows.Next() {
		i, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, i)
	}
	return res, rows.Err()
}

func (r Repo) SetIssueResolved(ctx context.Context, id int64, resolved bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE issues SET resolved=? WHERE id=?`, resolved, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
