// Package casefile runs the legal case lifecycle: a guarded linear state
// machine from case opening through exchange to completion, plus the
// document requirements and milestones a case carries along the way.
package casefile

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"conveyor/internal/config"
	"conveyor/internal/domain"
	"conveyor/internal/events"
	"conveyor/internal/repo"
)

type Machine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) *Machine {
	now := time.Now
	return &Machine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db, Now: now},
		Config: cfg,
		Now:    now,
	}
}

// caseChain is the forward order of the lifecycle. OnHold and Cancelled sit
// outside the chain and are handled separately.
var caseChain = []string{
	domain.CaseNew,
	domain.CaseDocumentsRequested,
	domain.CaseDocumentsPending,
	domain.CaseReviewInProgress,
	domain.CaseContractPrepared,
	domain.CaseAwaitingSignature,
	domain.CaseExchangeScheduled,
	domain.CaseExchanged,
	domain.CaseCompletionScheduled,
	domain.CaseCompleted,
}

func nextInChain(status string) string {
	for i, s := range caseChain {
		if s == status && i+1 < len(caseChain) {
			return caseChain[i+1]
		}
	}
	return ""
}

type Result struct {
	Case     domain.CaseRecord
	Warnings []string
}

// Open creates the case record for a transaction on deposit confirmation.
// It allocates the yearly case number, seeds default document requirements
// for the transaction type and derives milestones from the instantiated
// task graph.
func (m *Machine) Open(ctx context.Context, transactionID, actorID string) (domain.CaseRecord, error) {
	txn, err := m.Repo.GetTransaction(ctx, transactionID)
	if err != nil {
		return domain.CaseRecord{}, err
	}
	if _, err := m.Repo.GetCaseByTransaction(ctx, transactionID); err == nil {
		return domain.CaseRecord{}, domain.ValidationError{Field: "transaction_id", Reason: "transaction already has a case"}
	} else if err != repo.ErrNotFound {
		return domain.CaseRecord{}, err
	}

	now := m.Now().UTC()
	nowStr := now.Format(time.RFC3339)

	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CaseRecord{}, err
	}
	defer tx.Rollback()

	seq, err := m.Repo.NextCaseNumber(ctx, tx, now.Year())
	if err != nil {
		return domain.CaseRecord{}, err
	}
	c := domain.CaseRecord{
		ID:            uuid.NewString(),
		CaseNumber:    fmt.Sprintf("CASE-%d-%04d", now.Year(), seq),
		TransactionID: transactionID,
		BuyerID:       txn.BuyerID,
		Status:        domain.CaseNew,
		CreatedAt:     nowStr,
		LastUpdated:   nowStr,
	}
	if err := m.Repo.InsertCase(ctx, tx, c); err != nil {
		return domain.CaseRecord{}, err
	}

	if m.Config != nil {
		for _, reqCfg := range m.Config.Documents.Defaults[txn.Type] {
			req := domain.DocumentRequirement{
				ID:        uuid.NewString(),
				CaseID:    c.ID,
				DocType:   reqCfg.DocType,
				Title:     reqCfg.Title,
				Mandatory: reqCfg.Mandatory,
				Status:    "pending",
			}
			if reqCfg.DueDays > 0 {
				due := now.AddDate(0, 0, reqCfg.DueDays).Format(time.RFC3339)
				req.DueDate = &due
			}
			if err := m.Repo.InsertDocumentRequirement(ctx, tx, req); err != nil {
				return domain.CaseRecord{}, err
			}
		}
	}

	if err := m.seedMilestones(ctx, tx, &c, txn); err != nil {
		return domain.CaseRecord{}, err
	}

	err = m.Events.Append(ctx, tx, "case.opened", transactionID, "case", c.ID, actorID, events.EventPayload{
		"case_number": c.CaseNumber,
	})
	if err != nil {
		return domain.CaseRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CaseRecord{}, err
	}
	return m.Repo.GetCase(ctx, c.ID)
}

// seedMilestones groups the transaction's task instances by the milestone
// name on their definitions. Milestones chain in order of first appearance
// so later ones depend on earlier ones.
func (m *Machine) seedMilestones(ctx context.Context, tx *sql.Tx, c *domain.CaseRecord, txn domain.Transaction) error {
	if txn.TemplateID == "" {
		return nil
	}
	tpl, err := m.Repo.GetTemplate(ctx, txn.TemplateID)
	if err != nil {
		if err == repo.ErrNotFound {
			return nil
		}
		return err
	}
	tasks, err := m.Repo.ListTransactionTasksTx(ctx, tx, txn.ID)
	if err != nil {
		return err
	}
	taskByDef := map[string]domain.TaskInstance{}
	for _, t := range tasks {
		taskByDef[t.DefinitionID] = t
	}

	var order []string
	grouped := map[string][]string{}
	for _, def := range tpl.Tasks {
		if def.Milestone == "" {
			continue
		}
		inst, ok := taskByDef[def.ID]
		if !ok {
			continue
		}
		if _, seen := grouped[def.Milestone]; !seen {
			order = append(order, def.Milestone)
		}
		grouped[def.Milestone] = append(grouped[def.Milestone], inst.ID)
	}

	prev := ""
	for pos, name := range order {
		ms := domain.Milestone{
			ID:      uuid.NewString(),
			CaseID:  c.ID,
			Name:    name,
			Status:  domain.MilestonePending,
			TaskIDs: grouped[name],
		}
		if prev != "" {
			ms.Dependencies = []string{prev}
		}
		if due := latestDueDate(grouped[name], taskByDef); due != "" {
			ms.DueDate = &due
		}
		if err := m.Repo.InsertMilestone(ctx, tx, ms, pos); err != nil {
			return err
		}
		prev = ms.ID
	}
	return nil
}

func latestDueDate(taskIDs []string, byDef map[string]domain.TaskInstance) string {
	byID := map[string]domain.TaskInstance{}
	for _, t := range byDef {
		byID[t.ID] = t
	}
	latest := ""
	for _, id := range taskIDs {
		t, ok := byID[id]
		if !ok || t.DueDate == nil {
			continue
		}
		if *t.DueDate > latest {
			latest = *t.DueDate
		}
	}
	return latest
}

func (m *Machine) Get(ctx context.Context, caseID string) (domain.CaseRecord, error) {
	return m.Repo.GetCase(ctx, caseID)
}

func (m *Machine) GetByTransaction(ctx context.Context, transactionID string) (domain.CaseRecord, error) {
	return m.Repo.GetCaseByTransaction(ctx, transactionID)
}

// Transition moves a case to a new status, enforcing chain order and guards.
// Guard failures come back as warnings with the case untouched; errors are
// reserved for infrastructure failures.
func (m *Machine) Transition(ctx context.Context, caseID, newStatus, actorID string) (Result, error) {
	now := m.Now().UTC().Format(time.RFC3339)

	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()

	c, err := m.Repo.GetCaseTx(ctx, tx, caseID)
	if err != nil {
		return Result{}, err
	}
	res := Result{Case: c}

	if c.Status == newStatus {
		res.Warnings = append(res.Warnings, fmt.Sprintf("case %s is already %s", c.CaseNumber, newStatus))
		return res, nil
	}
	if warn := m.transitionAllowed(c, newStatus); warn != "" {
		res.Warnings = append(res.Warnings, warn)
		return res, nil
	}
	if warn, err := m.checkGuard(ctx, tx, c, newStatus); err != nil {
		return Result{}, err
	} else if warn != "" {
		res.Warnings = append(res.Warnings, warn)
		return res, nil
	}

	var heldFrom *string
	switch newStatus {
	case domain.CaseOnHold:
		prior := c.Status
		heldFrom = &prior
	case domain.CaseCancelled:
		drained, err := m.Repo.DrainCaseSyncRecords(ctx, tx, c.ID, now)
		if err != nil {
			return Result{}, err
		}
		if drained > 0 {
			res.Warnings = append(res.Warnings, fmt.Sprintf("discarded %d queued sync records", drained))
		}
	}

	if err := m.Repo.UpdateCaseStatus(ctx, tx, c.ID, newStatus, heldFrom, now); err != nil {
		return Result{}, err
	}
	err = m.Events.Append(ctx, tx, "case.status_changed", c.TransactionID, "case", c.ID, actorID, events.EventPayload{
		"from": c.Status,
		"to":   newStatus,
	})
	if err != nil {
		return Result{}, err
	}
	if err := tx.Commit(); err != nil {
		return Result{}, err
	}

	res.Case, err = m.Repo.GetCase(ctx, c.ID)
	return res, err
}

// transitionAllowed checks the edge against the matrix. Empty result means
// allowed; otherwise the returned warning explains the rejection.
func (m *Machine) transitionAllowed(c domain.CaseRecord, newStatus string) string {
	if domain.TerminalCase(c.Status) {
		return fmt.Sprintf("case %s is %s and immutable", c.CaseNumber, c.Status)
	}
	switch newStatus {
	case domain.CaseCancelled:
		return ""
	case domain.CaseOnHold:
		return ""
	}
	if c.Status == domain.CaseOnHold {
		if c.HeldFrom != nil && newStatus == *c.HeldFrom {
			return ""
		}
		return fmt.Sprintf("case %s on hold; only resumption to %s is allowed", c.CaseNumber, deref(c.HeldFrom))
	}
	if nextInChain(c.Status) != newStatus {
		return fmt.Sprintf("transition %s -> %s is not allowed", c.Status, newStatus)
	}
	return ""
}

// checkGuard evaluates the entry guard for a status, if any.
func (m *Machine) checkGuard(ctx context.Context, tx *sql.Tx, c domain.CaseRecord, newStatus string) (string, error) {
	switch newStatus {
	case domain.CaseReviewInProgress:
		ok, err := m.Repo.MandatoryDocumentsVerified(ctx, tx, c.ID)
		if err != nil {
			return "", err
		}
		if !ok {
			return fmt.Sprintf("case %s has unverified mandatory documents", c.CaseNumber), nil
		}
	case domain.CaseExchangeScheduled:
		done, err := m.signingMilestoneCompleted(ctx, c.ID)
		if err != nil {
			return "", err
		}
		if !done {
			return fmt.Sprintf("case %s signing milestone is not completed", c.CaseNumber), nil
		}
	}
	return "", nil
}

func (m *Machine) signingMilestoneCompleted(ctx context.Context, caseID string) (bool, error) {
	name := ""
	if m.Config != nil {
		name = m.Config.Guards.SigningMilestone
	}
	if name == "" {
		return false, nil
	}
	milestones, err := m.Repo.ListMilestones(ctx, caseID)
	if err != nil {
		return false, err
	}
	for _, ms := range milestones {
		if ms.Name == name {
			return ms.Status == domain.MilestoneCompleted, nil
		}
	}
	return false, nil
}

// MilestoneCompleted receives milestone-completion events from orchestration
// and evaluates whether the case can advance. A completed signing milestone
// moves an awaiting_signature case to exchange_scheduled; anything else
// leaves the case in place with a warning.
func (m *Machine) MilestoneCompleted(ctx context.Context, milestoneID string) []string {
	ms, err := m.Repo.GetMilestone(ctx, milestoneID)
	if err != nil {
		return []string{fmt.Sprintf("milestone %s lookup failed: %v", milestoneID, err)}
	}
	c, err := m.Repo.GetCase(ctx, ms.CaseID)
	if err != nil {
		return []string{fmt.Sprintf("case %s lookup failed: %v", ms.CaseID, err)}
	}
	signing := ""
	if m.Config != nil {
		signing = m.Config.Guards.SigningMilestone
	}
	if c.Status == domain.CaseAwaitingSignature && ms.Name == signing {
		res, err := m.Transition(ctx, c.ID, domain.CaseExchangeScheduled, "system")
		if err != nil {
			return []string{fmt.Sprintf("case %s advance failed: %v", c.CaseNumber, err)}
		}
		return res.Warnings
	}
	return []string{fmt.Sprintf("milestone %s completed; case %s stays %s", ms.Name, c.CaseNumber, c.Status)}
}

// SubmitDocument attaches an uploaded document to a requirement and marks it
// received. A case still in documents_requested moves to documents_pending
// on the first submission.
func (m *Machine) SubmitDocument(ctx context.Context, caseID, requirementID, ref, uploadedBy string) (domain.SubmittedDocument, error) {
	c, err := m.Repo.GetCase(ctx, caseID)
	if err != nil {
		return domain.SubmittedDocument{}, err
	}
	if domain.TerminalCase(c.Status) {
		return domain.SubmittedDocument{}, domain.ValidationError{Field: "case_id", Reason: "case is closed"}
	}
	req, err := m.Repo.GetDocumentRequirement(ctx, requirementID)
	if err != nil {
		return domain.SubmittedDocument{}, err
	}
	if req.CaseID != caseID {
		return domain.SubmittedDocument{}, domain.ValidationError{Field: "requirement_id", Reason: "requirement belongs to a different case"}
	}
	if ref == "" {
		return domain.SubmittedDocument{}, domain.ValidationError{Field: "ref", Reason: "document reference is required"}
	}

	now := m.Now().UTC().Format(time.RFC3339)
	doc := domain.SubmittedDocument{
		ID:            uuid.NewString(),
		CaseID:        caseID,
		RequirementID: requirementID,
		Ref:           ref,
		UploadedBy:    uploadedBy,
		UploadedAt:    now,
	}

	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SubmittedDocument{}, err
	}
	defer tx.Rollback()

	if err := m.Repo.InsertDocument(ctx, tx, doc); err != nil {
		return domain.SubmittedDocument{}, err
	}
	if err := m.Repo.UpdateDocumentRequirementStatus(ctx, tx, requirementID, "received", ""); err != nil {
		return domain.SubmittedDocument{}, err
	}
	if c.Status == domain.CaseDocumentsRequested {
		if err := m.Repo.UpdateCaseStatus(ctx, tx, caseID, domain.CaseDocumentsPending, nil, now); err != nil {
			return domain.SubmittedDocument{}, err
		}
	}
	err = m.Events.Append(ctx, tx, "document.submitted", c.TransactionID, "document", doc.ID, uploadedBy, events.EventPayload{
		"requirement_id": requirementID,
		"doc_type":       req.DocType,
	})
	if err != nil {
		return domain.SubmittedDocument{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.SubmittedDocument{}, err
	}
	return doc, nil
}

// ReviewDocument verifies or rejects a received requirement.
func (m *Machine) ReviewDocument(ctx context.Context, requirementID string, verified bool, reason, actorID string) error {
	req, err := m.Repo.GetDocumentRequirement(ctx, requirementID)
	if err != nil {
		return err
	}
	if req.Status != "received" {
		return domain.ValidationError{Field: "requirement_id", Reason: fmt.Sprintf("requirement is %s, not received", req.Status)}
	}
	status := "verified"
	if !verified {
		status = "rejected"
		if reason == "" {
			return domain.ValidationError{Field: "reason", Reason: "rejection requires a reason"}
		}
	}
	c, err := m.Repo.GetCase(ctx, req.CaseID)
	if err != nil {
		return err
	}

	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := m.Repo.UpdateDocumentRequirementStatus(ctx, tx, requirementID, status, reason); err != nil {
		return err
	}
	err = m.Events.Append(ctx, tx, "document.reviewed", c.TransactionID, "document_requirement", requirementID, actorID, events.EventPayload{
		"status": status,
		"reason": reason,
	})
	if err != nil {
		return err
	}
	return tx.Commit()
}

// AssignSolicitor sets the acting solicitor on a case.
func (m *Machine) AssignSolicitor(ctx context.Context, caseID, solicitorID, actorID string) error {
	c, err := m.Repo.GetCase(ctx, caseID)
	if err != nil {
		return err
	}
	if domain.TerminalCase(c.Status) {
		return domain.ValidationError{Field: "case_id", Reason: "case is closed"}
	}
	now := m.Now().UTC().Format(time.RFC3339)

	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := m.Repo.AssignSolicitor(ctx, tx, caseID, solicitorID, now); err != nil {
		return err
	}
	err = m.Events.Append(ctx, tx, "case.solicitor_assigned", c.TransactionID, "case", caseID, actorID, events.EventPayload{
		"solicitor_id": solicitorID,
	})
	if err != nil {
		return err
	}
	return tx.Commit()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
