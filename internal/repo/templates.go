package repo

import (
	"context"
	"database/sql"

	"conveyor/internal/domain"
)

func (r Repo) InsertTemplate(ctx context.Context, tx *sql.Tx, tpl domain.WorkflowTemplate) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO templates(id,transaction_type,name,published,created_at) VALUES (?,?,?,?,?)`,
		tpl.ID, tpl.TransactionType, tpl.Name, boolToInt(tpl.Published), tpl.CreatedAt)
	if err != nil {
		return err
	}
	for pos, def := range tpl.Tasks {
		if _, err := tx.ExecContext(ctx, `INSERT INTO template_tasks(template_id,id,name,role,duration_hours,triggers_on_partial,milestone,position) VALUES (?,?,?,?,?,?,?,?)`,
			tpl.ID, def.ID, def.Name, def.Role, def.DurationHours, boolToInt(def.TriggersOnPartial), nullable(def.Milestone), pos); err != nil {
			return err
		}
		for _, dep := range def.DependsOn {
			if _, err := tx.ExecContext(ctx, `INSERT INTO template_task_deps(template_id,task_id,depends_on_task_id) VALUES (?,?,?)`,
				tpl.ID, def.ID, dep); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r Repo) GetTemplate(ctx context.Context, id string) (domain.WorkflowTemplate, error) {
	var tpl domain.WorkflowTemplate
	var published int
	err := r.DB.QueryRowContext(ctx, `SELECT id,transaction_type,name,published,created_at FROM templates WHERE id=?`, id).
		Scan(&tpl.ID, &tpl.TransactionType, &tpl.Name, &published, &tpl.CreatedAt)
	if err == sql.ErrNoRows {
		return tpl, ErrNotFound
	}
	if err != nil {
		return tpl, err
	}
	tpl.Published = published != 0
	tpl.Tasks, err = r.listTemplateTasks(ctx, id)
	return tpl, err
}

func (r Repo) listTemplateTasks(ctx context.Context, templateID string) ([]domain.TaskDefinition, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,role,duration_hours,triggers_on_partial,COALESCE(milestone,'') FROM template_tasks WHERE template_id=? ORDER BY position`, templateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var defs []domain.TaskDefinition
	for rows.Next() {
		var def domain.TaskDefinition
		var partial int
		if err := rows.Scan(&def.ID, &def.Name, &def.Role, &def.DurationHours, &partial, &def.Milestone); err != nil {
			return nil, err
		}
		def.TriggersOnPartial = partial != 0
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	depRows, err := r.DB.QueryContext(ctx, `SELECT task_id,depends_on_task_id FROM template_task_deps WHERE template_id=?`, templateID)
	if err != nil {
		return nil, err
	}
	defer depRows.Close()
	deps := map[string][]string{}
	for depRows.Next() {
		var taskID, dep string
		if err := depRows.Scan(&taskID, &dep); err != nil {
			return nil, err
		}
		deps[taskID] = append(deps[taskID], dep)
	}
	if err := depRows.Err(); err != nil {
		return nil, err
	}
	for i := range defs {
		defs[i].DependsOn = deps[defs[i].ID]
	}
	return defs, nil
}

// ListTemplates returns published templates; role filters to templates
// containing at least one definition for that role.
func (r Repo) ListTemplates(ctx context.Context, role string) ([]domain.WorkflowTemplate, error) {
	query := `SELECT id,transaction_type,name,published,created_at FROM templates WHERE published=1`
	var args []any
	if role != "" {
		query += ` AND id IN (SELECT DISTINCT template_id FROM template_tasks WHERE role=?)`
		args = append(args, role)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowTemplate
	for rows.Next() {
		var tpl domain.WorkflowTemplate
		var published int
		if err := rows.Scan(&tpl.ID, &tpl.TransactionType, &tpl.Name, &published, &tpl.CreatedAt); err != nil {
			return nil, err
		}
		tpl.Published = published != 0
		res = append(res, tpl)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		tasks, err := r.listTemplateTasks(ctx, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].Tasks = tasks
	}
	return res, nil
}

func (r Repo) TemplateExists(ctx context.Context, id string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM templates WHERE id=? LIMIT 1`, id).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}
