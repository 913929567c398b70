package repo

import (
	"context"
	"database/sql"
	"strings"

	"conveyor/internal/domain"
)

const taskColumns = `id,definition_id,template_id,transaction_id,name,role,status,assigned_to,duration_hours,triggers_on_partial,due_date,started_at,completed_at,COALESCE(notes,''),created_at,updated_at`

func scanTask(scan func(dest ...any) error) (domain.TaskInstance, error) {
	var t domain.TaskInstance
	var assignedTo, dueDate, startedAt, completedAt sql.NullString
	var partial int
	err := scan(&t.ID, &t.DefinitionID, &t.TemplateID, &t.TransactionID, &t.Name, &t.Role, &t.Status,
		&assignedTo, &t.DurationHours, &partial, &dueDate, &startedAt, &completedAt, &t.Notes, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return t, err
	}
	t.TriggersOnPartial = partial != 0
	if assignedTo.Valid {
		t.AssignedTo = &assignedTo.String
	}
	if dueDate.Valid {
		t.DueDate = &dueDate.String
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.TaskInstance) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,definition_id,template_id,transaction_id,name,role,status,assigned_to,duration_hours,triggers_on_partial,due_date,started_at,completed_at,notes,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.DefinitionID, t.TemplateID, t.TransactionID, t.Name, t.Role, t.Status,
		nullableStringPtr(t.AssignedTo), t.DurationHours, boolToInt(t.TriggersOnPartial),
		nullableStringPtr(t.DueDate), nullableStringPtr(t.StartedAt), nullableStringPtr(t.CompletedAt),
		nullable(t.Notes), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.TaskInstance) error {
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, assigned_to=?, due_date=?, started_at=?, completed_at=?, notes=?, updated_at=? WHERE id=?`,
		t.Status, nullableStringPtr(t.AssignedTo), nullableStringPtr(t.DueDate),
		nullableStringPtr(t.StartedAt), nullableStringPtr(t.CompletedAt), nullable(t.Notes), t.UpdatedAt, t.ID)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.TaskInstance, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.DependsOn, err = r.ListTaskDependencies(ctx, t.ID)
	return t, err
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.TaskInstance, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.DependsOn, err = r.listTaskDependenciesTx(ctx, tx, t.ID)
	return t, err
}

type TaskFilters struct {
	TransactionID string
	Status        string
	AssignedTo    string
	Role          string
	Active        bool
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.TaskInstance, error) {
	var clauses []string
	var args []any
	if f.TransactionID != "" {
		clauses = append(clauses, "transaction_id=?")
		args = append(args, f.TransactionID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AssignedTo != "" {
		clauses = append(clauses, "assigned_to=?")
		args = append(args, f.AssignedTo)
	}
	if f.Role != "" {
		clauses = append(clauses, "role=?")
		args = append(args, f.Role)
	}
	if f.Active {
		clauses = append(clauses, "status IN (?,?)")
		args = append(args, domain.TaskUnlocked, domain.TaskInProgress)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks `+where+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskInstance
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		deps, err := r.ListTaskDependencies(ctx, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].DependsOn = deps
	}
	return res, nil
}

func (r Repo) ListTransactionTasksTx(ctx context.Context, tx *sql.Tx, transactionID string) ([]domain.TaskInstance, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE transaction_id=? ORDER BY created_at ASC, id ASC`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskInstance
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		deps, err := r.listTaskDependenciesTx(ctx, tx, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].DependsOn = deps
	}
	return res, nil
}

func (r Repo) ListTaskDependencies(ctx context.Context, taskID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT depends_on_task_id FROM task_deps WHERE task_id=?`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

func (r Repo) listTaskDependenciesTx(ctx context.Context, tx *sql.Tx, taskID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT depends_on_task_id FROM task_deps WHERE task_id=?`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

func (r Repo) AddTaskDependency(ctx context.Context, tx *sql.Tx, taskID, dependsOn string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO task_deps(task_id,depends_on_task_id) VALUES (?,?)`, taskID, dependsOn)
	return err
}

// ListDependents returns the immediate successors of a task.
func (r Repo) ListDependentsTx(ctx context.Context, tx *sql.Tx, taskID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT task_id FROM task_deps WHERE depends_on_task_id=?`, taskID)
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

// MarkEdgeTriggered flips the trigger flag on a dependency edge. It returns
// true only for the flip that actually changed the row, which is what keeps
// unlock events at-most-once per edge under replayed completions.
func (r Repo) MarkEdgeTriggered(ctx context.Context, tx *sql.Tx, taskID, dependsOn string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE task_deps SET triggered=1 WHERE task_id=? AND depends_on_task_id=? AND triggered=0`, taskID, dependsOn)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) EdgeTriggered(ctx context.Context, tx *sql.Tx, taskID, dependsOn string) (bool, error) {
	var triggered int
	err := tx.QueryRowContext(ctx, `SELECT triggered FROM task_deps WHERE task_id=? AND depends_on_task_id=?`, taskID, dependsOn).Scan(&triggered)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	return triggered != 0, err
}
