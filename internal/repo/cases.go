package repo

import (
	"context"
	"database/sql"

	"conveyor/internal/domain"
)

func (r Repo) InsertCase(ctx context.Context, tx *sql.Tx, c domain.CaseRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO cases(id,case_number,transaction_id,buyer_id,solicitor_id,status,held_from,created_at,last_updated)
VALUES (?,?,?,?,?,?,?,?,?)`,
		c.ID, c.CaseNumber, c.TransactionID, c.BuyerID, nullableStringPtr(c.SolicitorID), c.Status,
		nullableStringPtr(c.HeldFrom), c.CreatedAt, c.LastUpdated)
	return err
}

func scanCase(scan func(dest ...any) error) (domain.CaseRecord, error) {
	var c domain.CaseRecord
	var solicitorID, heldFrom sql.NullString
	err := scan(&c.ID, &c.CaseNumber, &c.TransactionID, &c.BuyerID, &solicitorID, &c.Status, &heldFrom, &c.CreatedAt, &c.LastUpdated)
	if err != nil {
		return c, err
	}
	if solicitorID.Valid {
		c.SolicitorID = &solicitorID.String
	}
	if heldFrom.Valid {
		c.HeldFrom = &heldFrom.String
	}
	return c, nil
}

const caseColumns = `id,case_number,transaction_id,buyer_id,solicitor_id,status,held_from,created_at,last_updated`

func (r Repo) GetCase(ctx context.Context, id string) (domain.CaseRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id=?`, id)
	c, err := scanCase(row.Scan)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	return r.attachCaseRefs(ctx, c)
}

func (r Repo) GetCaseTx(ctx context.Context, tx *sql.Tx, id string) (domain.CaseRecord, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id=?`, id)
	c, err := scanCase(row.Scan)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) GetCaseByTransaction(ctx context.Context, transactionID string) (domain.CaseRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE transaction_id=?`, transactionID)
	c, err := scanCase(row.Scan)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	return r.attachCaseRefs(ctx, c)
}

func (r Repo) attachCaseRefs(ctx context.Context, c domain.CaseRecord) (domain.CaseRecord, error) {
	milestones, err := r.listIDs(ctx, `SELECT id FROM milestones WHERE case_id=? ORDER BY position`, c.ID)
	if err != nil {
		return c, err
	}
	docs, err := r.listIDs(ctx, `SELECT id FROM documents WHERE case_id=? ORDER BY uploaded_at`, c.ID)
	if err != nil {
		return c, err
	}
	c.Milestones = milestones
	c.Documents = docs
	return c, nil
}

func (r Repo) listIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
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

func (r Repo) UpdateCaseStatus(ctx context.Context, tx *sql.Tx, id, status string, heldFrom *string, lastUpdated string) error {
	res, err := tx.ExecContext(ctx, `UPDATE cases SET status=?, held_from=?, last_updated=? WHERE id=?`,
		status, nullableStringPtr(heldFrom), lastUpdated, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) AssignSolicitor(ctx context.Context, tx *sql.Tx, caseID, solicitorID, lastUpdated string) error {
	res, err := tx.ExecContext(ctx, `UPDATE cases SET solicitor_id=?, last_updated=? WHERE id=?`, solicitorID, lastUpdated, caseID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Milestones

func (r Repo) InsertMilestone(ctx context.Context, tx *sql.Tx, m domain.Milestone, position int) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO milestones(id,case_id,name,status,due_date,completed_at,position) VALUES (?,?,?,?,?,?,?)`,
		m.ID, m.CaseID, m.Name, m.Status, nullableStringPtr(m.DueDate), nullableStringPtr(m.CompletedAt), position)
	if err != nil {
		return err
	}
	for _, dep := range m.Dependencies {
		if _, err := tx.ExecContext(ctx, `INSERT INTO milestone_deps(milestone_id,depends_on_milestone_id) VALUES (?,?)`, m.ID, dep); err != nil {
			return err
		}
	}
	for _, taskID := range m.TaskIDs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO milestone_tasks(milestone_id,task_id) VALUES (?,?)`, m.ID, taskID); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetMilestone(ctx context.Context, id string) (domain.Milestone, error) {
	var m domain.Milestone
	var dueDate, completedAt sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,case_id,name,status,due_date,completed_at FROM milestones WHERE id=?`, id).
		Scan(&m.ID, &m.CaseID, &m.Name, &m.Status, &dueDate, &completedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if dueDate.Valid {
		m.DueDate = &dueDate.String
	}
	if completedAt.Valid {
		m.CompletedAt = &completedAt.String
	}
	m.Dependencies, err = r.listIDs(ctx, `SELECT depends_on_milestone_id FROM milestone_deps WHERE milestone_id=?`, id)
	if err != nil {
		return m, err
	}
	m.TaskIDs, err = r.listIDs(ctx, `SELECT task_id FROM milestone_tasks WHERE milestone_id=?`, id)
	return m, err
}

func (r Repo) ListMilestones(ctx context.Context, caseID string) ([]domain.Milestone, error) {
	ids, err := r.listIDs(ctx, `SELECT id FROM milestones WHERE case_id=? ORDER BY position`, caseID)
	if err != nil {
		return nil, err
	}
	var res []domain.Milestone
	for _, id := range ids {
		m, err := r.GetMilestone(ctx, id)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, nil
}

func (r Repo) UpdateMilestoneStatus(ctx context.Context, tx *sql.Tx, id, status string, completedAt *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE milestones SET status=?, completed_at=? WHERE id=?`,
		status, nullableStringPtr(completedAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MilestonesLinkingTask returns milestone ids that link the given task instance.
func (r Repo) MilestonesLinkingTask(ctx context.Context, tx *sql.Tx, taskID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT milestone_id FROM milestone_tasks WHERE task_id=?`, taskID)
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

// MilestoneTasksCompleted reports whether every task linked to the milestone
// has completed.
func (r Repo) MilestoneTasksCompleted(ctx context.Context, tx *sql.Tx, milestoneID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `
SELECT count(*) FROM milestone_tasks mt
JOIN tasks t ON t.id=mt.task_id
WHERE mt.milestone_id=? AND t.status != ?`, milestoneID, domain.TaskCompleted).Scan(&n)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// Documents

func (r Repo) InsertDocumentRequirement(ctx context.Context, tx *sql.Tx, req domain.DocumentRequirement) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO document_requirements(id,case_id,doc_type,title,mandatory,status,due_date,reason) VALUES (?,?,?,?,?,?,?,?)`,
		req.ID, req.CaseID, req.DocType, req.Title, boolToInt(req.Mandatory), req.Status, nullableStringPtr(req.DueDate), nullable(req.Reason))
	return err
}

func (r Repo) GetDocumentRequirement(ctx context.Context, id string) (domain.DocumentRequirement, error) {
	var req domain.DocumentRequirement
	var mandatory int
	var dueDate, reason sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,case_id,doc_type,title,mandatory,status,due_date,reason FROM document_requirements WHERE id=?`, id).
		Scan(&req.ID, &req.CaseID, &req.DocType, &req.Title, &mandatory, &req.Status, &dueDate, &reason)
	if err == sql.ErrNoRows {
		return req, ErrNotFound
	}
	if err != nil {
		return req, err
	}
	req.Mandatory = mandatory != 0
	if dueDate.Valid {
		req.DueDate = &dueDate.String
	}
	if reason.Valid {
		req.Reason = reason.String
	}
	return req, nil
}

func (r Repo) ListDocumentRequirements(ctx context.Context, caseID string) ([]domain.DocumentRequirement, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,case_id,doc_type,title,mandatory,status,due_date,reason FROM document_requirements WHERE case_id=? ORDER BY id`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DocumentRequirement
	for rows.Next() {
		var req domain.DocumentRequirement
		var mandatory int
		var dueDate, reason sql.NullString
		if err := rows.Scan(&req.ID, &req.CaseID, &req.DocType, &req.Title, &mandatory, &req.Status, &dueDate, &reason); err != nil {
			return nil, err
		}
		req.Mandatory = mandatory != 0
		if dueDate.Valid {
			req.DueDate = &dueDate.String
		}
		if reason.Valid {
			req.Reason = reason.String
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

func (r Repo) UpdateDocumentRequirementStatus(ctx context.Context, tx *sql.Tx, id, status, reason string) error {
	res, err := tx.ExecContext(ctx, `UPDATE document_requirements SET status=?, reason=? WHERE id=?`, status, nullable(reason), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MandatoryDocumentsVerified reports whether every mandatory requirement on
// the case carries a verified document.
func (r Repo) MandatoryDocumentsVerified(ctx context.Context, tx *sql.Tx, caseID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM document_requirements WHERE case_id=? AND mandatory=1 AND status != 'verified'`, caseID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

func (r Repo) InsertDocument(ctx context.Context, tx *sql.Tx, d domain.SubmittedDocument) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO documents(id,case_id,requirement_id,ref,uploaded_by,uploaded_at) VALUES (?,?,?,?,?,?)`,
		d.ID, d.CaseID, d.RequirementID, d.Ref, d.UploadedBy, d.UploadedAt)
	return err
}
