package casefile

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"conveyor/internal/catalog"
	"conveyor/internal/config"
	"conveyor/internal/db"
	"conveyor/internal/domain"
	"conveyor/internal/engine"
	"conveyor/internal/migrate"
)

type fixture struct {
	machine *Machine
	engine  *engine.Engine
	catalog catalog.Catalog
}

func newFixture(t *testing.T, cfg *config.Config) fixture {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if cfg == nil {
		cfg = config.Default("test")
	}
	m := New(conn, cfg)
	e := engine.New(conn)
	e.Milestones = m
	return fixture{machine: m, engine: e, catalog: catalog.New(conn)}
}

// conveyancingTemplate carries two milestones: searches first, then the
// contract-signing milestone the exchange guard watches.
func conveyancingTemplate(t *testing.T, f fixture) domain.WorkflowTemplate {
	t.Helper()
	tpl, err := f.catalog.Publish(context.Background(), domain.WorkflowTemplate{
		Name:            "Conveyancing",
		TransactionType: "purchase",
		Tasks: []domain.TaskDefinition{
			{ID: "searches", Name: "Order searches", Role: "solicitor", DurationHours: 48, Milestone: "searches"},
			{ID: "sign", Name: "Sign contract", Role: "buyer", DurationHours: 8, Milestone: "contract-signing"},
		},
	}, "admin")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	return tpl
}

func openCase(t *testing.T, f fixture) (domain.CaseRecord, engine.InstantiateResult) {
	t.Helper()
	tpl := conveyancingTemplate(t, f)
	res, err := f.engine.Instantiate(context.Background(), tpl.ID, engine.TransactionContext{
		BuyerID:    "buyer-1",
		PropertyID: "prop-1",
	}, engine.InstantiateOptions{})
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	c, err := f.machine.Open(context.Background(), res.TransactionID, "buyer-1")
	if err != nil {
		t.Fatalf("open case: %v", err)
	}
	return c, res
}

func advance(t *testing.T, f fixture, caseID string, statuses ...string) domain.CaseRecord {
	t.Helper()
	var c domain.CaseRecord
	for _, status := range statuses {
		res, err := f.machine.Transition(context.Background(), caseID, status, "operator")
		if err != nil {
			t.Fatalf("transition to %s: %v", status, err)
		}
		if len(res.Warnings) > 0 {
			t.Fatalf("transition to %s warned: %v", status, res.Warnings)
		}
		c = res.Case
	}
	return c
}

func completeTask(t *testing.T, f fixture, taskID string) engine.UpdateResult {
	t.Helper()
	ctx := context.Background()
	if _, err := f.engine.UpdateTaskStatus(ctx, taskID, domain.TaskInProgress, "actor", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	res, err := f.engine.UpdateTaskStatus(ctx, taskID, domain.TaskCompleted, "actor", "")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	return res
}

func bareConfig() *config.Config {
	cfg := config.Default("test")
	cfg.Documents.Defaults = nil
	return cfg
}

func TestOpenSeedsCase(t *testing.T) {
	f := newFixture(t, nil)
	c, _ := openCase(t, f)

	if !strings.HasPrefix(c.CaseNumber, "CASE-") || !strings.HasSuffix(c.CaseNumber, "-0001") {
		t.Fatalf("unexpected case number %s", c.CaseNumber)
	}
	if c.Status != domain.CaseNew {
		t.Fatalf("expected new case, got %s", c.Status)
	}
	reqs, err := f.machine.Repo.ListDocumentRequirements(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("requirements: %v", err)
	}
	if len(reqs) != 4 {
		t.Fatalf("expected 4 default purchase requirements, got %d", len(reqs))
	}
	milestones, err := f.machine.Repo.ListMilestones(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("milestones: %v", err)
	}
	if len(milestones) != 2 {
		t.Fatalf("expected 2 milestones, got %d", len(milestones))
	}
	if milestones[0].Name != "searches" || milestones[1].Name != "contract-signing" {
		t.Fatalf("unexpected milestone order: %s, %s", milestones[0].Name, milestones[1].Name)
	}
	if len(milestones[1].Dependencies) != 1 || milestones[1].Dependencies[0] != milestones[0].ID {
		t.Fatalf("expected signing milestone to depend on searches")
	}
}

func TestOpenRejectsSecondCase(t *testing.T) {
	f := newFixture(t, nil)
	c, _ := openCase(t, f)
	if _, err := f.machine.Open(context.Background(), c.TransactionID, "buyer-1"); err == nil {
		t.Fatal("expected second open to fail")
	}
}

func TestSigningMilestoneAdvancesCase(t *testing.T) {
	f := newFixture(t, bareConfig())
	c, inst := openCase(t, f)
	advance(t, f, c.ID,
		domain.CaseDocumentsRequested, domain.CaseDocumentsPending,
		domain.CaseReviewInProgress, domain.CaseContractPrepared,
		domain.CaseAwaitingSignature)

	tasks := map[string]string{}
	for _, task := range inst.Tasks {
		tasks[task.DefinitionID] = task.ID
	}

	// Completing the unrelated milestone leaves the case in place with a warning.
	res := completeTask(t, f, tasks["searches"])
	if len(res.Warnings) == 0 {
		t.Fatal("expected warning for unrelated milestone")
	}
	got, err := f.machine.Get(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("get case: %v", err)
	}
	if got.Status != domain.CaseAwaitingSignature {
		t.Fatalf("expected case unchanged, got %s", got.Status)
	}

	// The signing milestone moves it forward.
	completeTask(t, f, tasks["sign"])
	got, err = f.machine.Get(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("get case: %v", err)
	}
	if got.Status != domain.CaseExchangeScheduled {
		t.Fatalf("expected exchange_scheduled, got %s", got.Status)
	}
}

func TestExchangeGuardBlocksWithoutSigning(t *testing.T) {
	f := newFixture(t, bareConfig())
	c, _ := openCase(t, f)
	advance(t, f, c.ID,
		domain.CaseDocumentsRequested, domain.CaseDocumentsPending,
		domain.CaseReviewInProgress, domain.CaseContractPrepared,
		domain.CaseAwaitingSignature)

	res, err := f.machine.Transition(context.Background(), c.ID, domain.CaseExchangeScheduled, "operator")
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if len(res.Warnings) == 0 {
		t.Fatal("expected signing guard warning")
	}
	if res.Case.Status != domain.CaseAwaitingSignature {
		t.Fatalf("expected case unchanged, got %s", res.Case.Status)
	}
}

func TestDocumentGuard(t *testing.T) {
	f := newFixture(t, nil)
	c, _ := openCase(t, f)
	advance(t, f, c.ID, domain.CaseDocumentsRequested)

	reqs, err := f.machine.Repo.ListDocumentRequirements(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("requirements: %v", err)
	}

	// First upload moves the case to documents_pending.
	doc, err := f.machine.SubmitDocument(context.Background(), c.ID, reqs[0].ID, "s3://bucket/passport.pdf", "buyer-1")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if doc.ID == "" {
		t.Fatal("expected document id")
	}
	got, _ := f.machine.Get(context.Background(), c.ID)
	if got.Status != domain.CaseDocumentsPending {
		t.Fatalf("expected documents_pending after upload, got %s", got.Status)
	}

	// Review is gated until every mandatory requirement is verified.
	res, err := f.machine.Transition(context.Background(), c.ID, domain.CaseReviewInProgress, "operator")
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if len(res.Warnings) == 0 {
		t.Fatal("expected document guard warning")
	}

	for _, req := range reqs {
		if !req.Mandatory {
			continue
		}
		if req.ID != reqs[0].ID {
			if _, err := f.machine.SubmitDocument(context.Background(), c.ID, req.ID, "s3://bucket/"+req.DocType+".pdf", "buyer-1"); err != nil {
				t.Fatalf("submit %s: %v", req.DocType, err)
			}
		}
		if err := f.machine.ReviewDocument(context.Background(), req.ID, true, "", "solicitor-1"); err != nil {
			t.Fatalf("verify %s: %v", req.DocType, err)
		}
	}

	res, err = f.machine.Transition(context.Background(), c.ID, domain.CaseReviewInProgress, "operator")
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if len(res.Warnings) > 0 {
		t.Fatalf("unexpected warnings: %v", res.Warnings)
	}
	if res.Case.Status != domain.CaseReviewInProgress {
		t.Fatalf("expected review_in_progress, got %s", res.Case.Status)
	}
}

func TestRejectedDocumentNeedsReason(t *testing.T) {
	f := newFixture(t, nil)
	c, _ := openCase(t, f)
	advance(t, f, c.ID, domain.CaseDocumentsRequested)
	reqs, _ := f.machine.Repo.ListDocumentRequirements(context.Background(), c.ID)
	if _, err := f.machine.SubmitDocument(context.Background(), c.ID, reqs[0].ID, "ref-1", "buyer-1"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := f.machine.ReviewDocument(context.Background(), reqs[0].ID, false, "", "solicitor-1"); err == nil {
		t.Fatal("expected rejection without reason to fail")
	}
	if err := f.machine.ReviewDocument(context.Background(), reqs[0].ID, false, "illegible scan", "solicitor-1"); err != nil {
		t.Fatalf("reject: %v", err)
	}
}

func TestOnHoldAndResume(t *testing.T) {
	f := newFixture(t, bareConfig())
	c, _ := openCase(t, f)
	advance(t, f, c.ID, domain.CaseDocumentsRequested)

	held := advance(t, f, c.ID, domain.CaseOnHold)
	if held.HeldFrom == nil || *held.HeldFrom != domain.CaseDocumentsRequested {
		t.Fatalf("expected held_from documents_requested, got %v", held.HeldFrom)
	}

	// Resumption only back to the held-from status.
	res, err := f.machine.Transition(context.Background(), c.ID, domain.CaseReviewInProgress, "operator")
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if len(res.Warnings) == 0 {
		t.Fatal("expected resume warning")
	}
	resumed := advance(t, f, c.ID, domain.CaseDocumentsRequested)
	if resumed.HeldFrom != nil {
		t.Fatalf("expected held_from cleared, got %v", resumed.HeldFrom)
	}
}

func TestCancelDrainsSyncQueue(t *testing.T) {
	f := newFixture(t, bareConfig())
	c, _ := openCase(t, f)

	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := f.machine.DB.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	rec := domain.SyncRecord{
		ID:          uuid.NewString(),
		CaseID:      c.ID,
		Direction:   domain.SyncCaseToPortal,
		Kind:        "milestone_progress",
		Status:      domain.SyncPending,
		PayloadJSON: "{}",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := f.machine.Repo.InsertSyncRecord(context.Background(), tx, rec); err != nil {
		t.Fatalf("insert sync record: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	res, err := f.machine.Transition(context.Background(), c.ID, domain.CaseCancelled, "operator")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if res.Case.Status != domain.CaseCancelled {
		t.Fatalf("expected cancelled, got %s", res.Case.Status)
	}
	got, err := f.machine.Repo.GetSyncRecord(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("get sync record: %v", err)
	}
	if got.Status != domain.SyncFailed {
		t.Fatalf("expected drained record failed, got %s", got.Status)
	}

	// Terminal cases are immutable.
	res, err = f.machine.Transition(context.Background(), c.ID, domain.CaseOnHold, "operator")
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if len(res.Warnings) == 0 {
		t.Fatal("expected immutability warning")
	}
}

func TestSkippingChainStatesWarns(t *testing.T) {
	f := newFixture(t, bareConfig())
	c, _ := openCase(t, f)

	res, err := f.machine.Transition(context.Background(), c.ID, domain.CaseExchanged, "operator")
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if len(res.Warnings) == 0 {
		t.Fatal("expected out-of-order warning")
	}
	if res.Case.Status != domain.CaseNew {
		t.Fatalf("expected case unchanged, got %s", res.Case.Status)
	}
}
