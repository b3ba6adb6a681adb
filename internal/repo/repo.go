package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"agentdash/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const projectColumns = `id,name,COALESCE(description,''),status,repo_owner,repo_name,repo_branch,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (domain.Project, error) {
	var p domain.Project
	var owner, name, branch sql.NullString
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Status, &owner, &name, &branch, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.RepoOwner = stringPtr(owner)
	p.RepoName = stringPtr(name)
	p.RepoBranch = stringPtr(branch)
	return p, nil
}

func (r Repo) InsertProject(ctx context.Context, p domain.Project) (domain.Project, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO projects(name,description,status,repo_owner,repo_name,repo_branch,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		p.Name, nullable(p.Description), p.Status, nullableStringPtr(p.RepoOwner), nullableStringPtr(p.RepoName), nullableStringPtr(p.RepoBranch), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return p, fmt.Errorf("insert project: %w", err)
	}
	p.ID, err = res.LastInsertId()
	return p, err
}

func (r Repo) GetProject(ctx context.Context, id int64) (domain.Project, error) {
	return scanProject(r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ProjectUpdate carries the optional fields of a project update.
type ProjectUpdate struct {
	Name        *string
	Description *string
	Status      *string
	RepoOwner   *string
	RepoName    *string
	RepoBranch  *string
	UpdatedAt   string
}

func (r Repo) UpdateProject(ctx context.Context, id int64, u ProjectUpdate) error {
	var (
		fields []string
		args   []any
	)
	add := func(column string, v *string) {
		if v == nil {
			return
		}
		fields = append(fields, column+"=?")
		args = append(args, nullable(*v))
	}
	add("name", u.Name)
	add("description", u.Description)
	add("status", u.Status)
	add("repo_owner", u.RepoOwner)
	add("repo_name", u.RepoName)
	add("repo_branch", u.RepoBranch)
	if len(fields) == 0 {
		return nil
	}
	fields = append(fields, "updated_at=?")
	args = append(args, u.UpdatedAt, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE projects SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteProject(ctx context.Context, id int64) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const agentColumns = `id,name,role,status,created_at`

func scanAgent(row rowScanner) (domain.Agent, error) {
	var a domain.Agent
	err := row.Scan(&a.ID, &a.Name, &a.Role, &a.Status, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) InsertAgent(ctx context.Context, a domain.Agent) (domain.Agent, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO agents(name,role,status,created_at) VALUES (?,?,?,?)`, a.Name, a.Role, a.Status, a.CreatedAt)
	if err != nil {
		return a, fmt.Errorf("insert agent: %w", err)
	}
	a.ID, err = res.LastInsertId()
	return a, err
}

func (r Repo) GetAgent(ctx context.Context, id int64) (domain.Agent, error) {
	return scanAgent(r.DB.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=?`, id))
}

// FirstAgentByRole returns the lowest-id agent holding role.
func (r Repo) FirstAgentByRole(ctx context.Context, role string) (domain.Agent, error) {
	return scanAgent(r.DB.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE role=? ORDER BY id LIMIT 1`, role))
}

func (r Repo) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) UpdateAgent(ctx context.Context, id int64, name, role, status *string) error {
	var (
		fields []string
		args   []any
	)
	if name != nil {
		fields = append(fields, "name=?")
		args = append(args, *name)
	}
	if role != nil {
		fields = append(fields, "role=?")
		args = append(args, *role)
	}
	if status != nil {
		fields = append(fields, "status=?")
		args = append(args, *status)
	}
	if len(fields) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE agents SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const taskColumns = `id,project_id,parent_id,title,COALESCE(description,''),status,priority,assigned_to,progress,estimated_time,is_feature,created_at,updated_at`

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var parentID, assignedTo sql.NullInt64
	var estimate sql.NullFloat64
	err := row.Scan(&t.ID, &t.ProjectID, &parentID, &t.Title, &t.Description, &t.Status, &t.Priority, &assignedTo,
		&t.Progress, &estimate, &t.IsFeature, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.ParentID = int64Ptr(parentID)
	t.AssignedTo = int64Ptr(assignedTo)
	if estimate.Valid {
		v := estimate.Float64
		t.EstimatedTime = &v
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO tasks(project_id,parent_id,title,description,status,priority,assigned_to,progress,estimated_time,is_feature,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ProjectID, nullableInt64Ptr(t.ParentID), t.Title, nullable(t.Description), t.Status, t.Priority,
		nullableInt64Ptr(t.AssignedTo), t.Progress, nullableFloatPtr(t.EstimatedTime), t.IsFeature, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return t, fmt.Errorf("insert task: %w", err)
	}
	t.ID, err = res.LastInsertId()
	return t, err
}

func (r Repo) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// UpdateTaskState writes the fields the execution state machine owns.
func (r Repo) UpdateTaskState(ctx context.Context, t domain.Task) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET status=?, progress=?, assigned_to=?, updated_at=? WHERE id=?`,
		t.Status, t.Progress, nullableInt64Ptr(t.AssignedTo), t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type TaskFilters struct {
	ProjectID int64
	ParentID  int64
	Status    string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.ProjectID != 0 {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.ParentID != 0 {
		clauses = append(clauses, "parent_id=?")
		args = append(args, f.ParentID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

const logColumns = `id,project_id,agent_id,target_agent_id,type,message,details,COALESCE(timestamp,'')`

func scanLog(row rowScanner) (domain.Log, error) {
	var l domain.Log
	var projectID, agentID, targetID sql.NullInt64
	var details sql.NullString
	err := row.Scan(&l.ID, &projectID, &agentID, &targetID, &l.Type, &l.Message, &details, &l.Timestamp)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	l.ProjectID = int64Ptr(projectID)
	l.AgentID = int64Ptr(agentID)
	l.TargetAgentID = int64Ptr(targetID)
	l.Details = stringPtr(details)
	return l, nil
}

func (r Repo) InsertLog(ctx context.Context, l domain.Log) (domain.Log, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO logs(project_id,agent_id,target_agent_id,type,message,details,timestamp) VALUES (?,?,?,?,?,?,?)`,
		nullableInt64Ptr(l.ProjectID), nullableInt64Ptr(l.AgentID), nullableInt64Ptr(l.TargetAgentID), l.Type, l.Message,
		nullableStringPtr(l.Details), nullable(l.Timestamp))
	if err != nil {
		return l, fmt.Errorf("insert log: %w", err)
	}
	l.ID, err = res.LastInsertId()
	return l, err
}

type LogFilters struct {
	ProjectID int64
	Type      string
	// Limit keeps only the most recent entries; results stay in chronological order.
	Limit int
}

// ListLogs returns logs ordered by (timestamp, id). Null timestamps sort first.
func (r Repo) ListLogs(ctx context.Context, f LogFilters) ([]domain.Log, error) {
	var clauses []string
	var args []any
	if f.ProjectID != 0 {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + logColumns + ` FROM logs ` + where + ` ORDER BY COALESCE(timestamp,'') ASC, id ASC`
	if f.Limit > 0 {
		query = `SELECT * FROM (SELECT ` + logColumns + ` FROM logs ` + where + ` ORDER BY COALESCE(timestamp,'') DESC, id DESC LIMIT ?) ORDER BY 8 ASC, 1 ASC`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Log
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
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

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}
