package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"gateline/internal/domain"
)

const taskColumns = `id,session_id,created_at,due_at,owner,status,title,details,meta_json,updated_at`

func marshalMeta(m domain.TaskMeta) (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal task meta: %w", err)
	}
	return string(b), nil
}

func scanTask(scan func(...any) error) (domain.Task, error) {
	var t domain.Task
	var sessionID, dueAt, details sql.NullString
	var meta string
	err := scan(&t.ID, &sessionID, &t.CreatedAt, &dueAt, &t.Owner, &t.Status, &t.Title, &details, &meta, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if sessionID.Valid {
		t.SessionID = &sessionID.String
	}
	if dueAt.Valid {
		t.DueAt = &dueAt.String
	}
	t.Details = details.String
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &t.Meta); err != nil {
			return t, fmt.Errorf("task %s meta: %w", t.ID, err)
		}
	}
	return t, nil
}

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	meta, err := marshalMeta(t.Meta)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.ID, nullableStringPtr(t.SessionID), t.CreatedAt, nullableStringPtr(t.DueAt), t.Owner, t.Status, t.Title, nullable(t.Details), meta, t.UpdatedAt)
	if err != nil {
		return err
	}
	for _, d := range t.DependsOn {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO task_deps(task_id, depends_on_task_id) VALUES (?,?)`, t.ID, d); err != nil {
			return err
		}
	}
	return nil
}

// UpdateTaskStateTx rewrites a task's status and metadata together. Callers
// run it inside the same transaction as the audit action rows.
func (r Repo) UpdateTaskStateTx(ctx context.Context, tx *sql.Tx, id, status string, meta domain.TaskMeta, updatedAt string) error {
	metaJSON, err := marshalMeta(meta)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, meta_json=?, updated_at=? WHERE id=?`,
		status, metaJSON, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimTaskTx attempts the atomic todo->doing transition. It reports false
// when another pop already claimed the task; concurrent callers treat that as
// "no task available", not an error.
func (r Repo) ClaimTaskTx(ctx context.Context, tx *sql.Tx, id string, meta domain.TaskMeta, updatedAt string) (bool, error) {
	metaJSON, err := marshalMeta(meta)
	if err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status='doing', meta_json=?, updated_at=? WHERE id=? AND status='todo'`,
		metaJSON, updatedAt, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row.Scan)
	if err != nil {
		return t, err
	}
	t.DependsOn, err = r.listTaskDeps(ctx, t.ID)
	return t, err
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

func (r Repo) listTaskDeps(ctx context.Context, taskID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT depends_on_task_id FROM task_deps WHERE task_id=?`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

type TaskFilters struct {
	SessionID string
	Owner     string
	Status    string
	Limit     int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.SessionID != "" {
		clauses = append(clauses, "session_id=?")
		args = append(args, f.SessionID)
	}
	if f.Owner != "" {
		clauses = append(clauses, "owner=?")
		args = append(args, f.Owner)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

type PopFilters struct {
	SessionID    string
	Owner        string
	ExcludeStubs bool
}

// OldestEligible peeks the oldest todo task matching the filters. Stub
// exclusion is decided on the decoded metadata, not in SQL, so the source
// marker stays a plain JSON field.
func (r Repo) OldestEligible(ctx context.Context, f PopFilters) (domain.Task, error) {
	clauses := []string{"status='todo'"}
	var args []any
	if f.SessionID != "" {
		clauses = append(clauses, "session_id=?")
		args = append(args, f.SessionID)
	}
	if f.Owner != "" {
		clauses = append(clauses, "owner=?")
		args = append(args, f.Owner)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return domain.Task{}, err
	}
	defer rows.Close()
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return domain.Task{}, err
		}
		if f.ExcludeStubs && t.Meta.Source == "stub" {
			continue
		}
		return t, nil
	}
	if err := rows.Err(); err != nil {
		return domain.Task{}, err
	}
	return domain.Task{}, ErrNotFound
}
