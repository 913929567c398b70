package engine

import (
	"context"
	"testing"

	"conveyor/internal/catalog"
	"conveyor/internal/db"
	"conveyor/internal/domain"
	"conveyor/internal/migrate"
)

func newTestEngine(t *testing.T) (*Engine, catalog.Catalog) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(conn), catalog.New(conn)
}

// publishGraph publishes a template with tasks A, B (depends A), C (depends
// A and D, OR-gated) and D (independent).
func publishGraph(t *testing.T, cat catalog.Catalog) domain.WorkflowTemplate {
	t.Helper()
	tpl, err := cat.Publish(context.Background(), domain.WorkflowTemplate{
		Name:            "Branching",
		TransactionType: "purchase",
		Tasks: []domain.TaskDefinition{
			{ID: "A", Name: "A", Role: "solicitor", DurationHours: 8},
			{ID: "B", Name: "B", Role: "solicitor", DurationHours: 8, DependsOn: []string{"A"}},
			{ID: "C", Name: "C", Role: "solicitor", DurationHours: 8, DependsOn: []string{"A", "D"}, TriggersOnPartial: true},
			{ID: "D", Name: "D", Role: "surveyor", DurationHours: 8},
		},
	}, "admin")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	return tpl
}

func instantiate(t *testing.T, e *Engine, templateID string) InstantiateResult {
	t.Helper()
	res, err := e.Instantiate(context.Background(), templateID, TransactionContext{
		BuyerID:    "buyer-1",
		PropertyID: "prop-1",
	}, InstantiateOptions{})
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	return res
}

func byDefinition(res InstantiateResult) map[string]domain.TaskInstance {
	m := map[string]domain.TaskInstance{}
	for _, task := range res.Tasks {
		m[task.DefinitionID] = task
	}
	return m
}

func complete(t *testing.T, e *Engine, taskID string) UpdateResult {
	t.Helper()
	ctx := context.Background()
	if _, err := e.UpdateTaskStatus(ctx, taskID, domain.TaskInProgress, "actor", ""); err != nil {
		t.Fatalf("start %s: %v", taskID, err)
	}
	res, err := e.UpdateTaskStatus(ctx, taskID, domain.TaskCompleted, "actor", "")
	if err != nil {
		t.Fatalf("complete %s: %v", taskID, err)
	}
	return res
}

func TestInstantiateUnlocksSourceTasks(t *testing.T) {
	e, cat := newTestEngine(t)
	tpl := publishGraph(t, cat)
	res := instantiate(t, e, tpl.ID)

	if len(res.Tasks) != 4 {
		t.Fatalf("expected 4 tasks, got %d", len(res.Tasks))
	}
	if res.EstimatedCompletion == "" {
		t.Fatal("expected estimated completion")
	}
	tasks := byDefinition(res)
	if tasks["A"].Status != domain.TaskUnlocked || tasks["D"].Status != domain.TaskUnlocked {
		t.Fatalf("expected A and D unlocked, got A=%s D=%s", tasks["A"].Status, tasks["D"].Status)
	}
	if tasks["B"].Status != domain.TaskPending || tasks["C"].Status != domain.TaskPending {
		t.Fatalf("expected B and C pending, got B=%s C=%s", tasks["B"].Status, tasks["C"].Status)
	}
	if tasks["B"].DueDate == nil {
		t.Fatal("expected planned due date on B")
	}
}

func TestCompletionUnlocksDependents(t *testing.T) {
	e, cat := newTestEngine(t)
	tpl := publishGraph(t, cat)
	tasks := byDefinition(instantiate(t, e, tpl.ID))

	res := complete(t, e, tasks["A"].ID)
	if len(res.TriggeredTasks) != 2 {
		t.Fatalf("expected A to trigger B and C, got %d", len(res.TriggeredTasks))
	}
	got := map[string]bool{}
	for _, task := range res.TriggeredTasks {
		got[task.DefinitionID] = true
	}
	if !got["B"] || !got["C"] {
		t.Fatalf("expected B and C triggered, got %v", got)
	}
}

func TestOrGateUnlocksOnFirstDependency(t *testing.T) {
	e, cat := newTestEngine(t)
	tpl := publishGraph(t, cat)
	tasks := byDefinition(instantiate(t, e, tpl.ID))

	// D alone satisfies C's OR gate even though A is untouched.
	res := complete(t, e, tasks["D"].ID)
	if len(res.TriggeredTasks) != 1 || res.TriggeredTasks[0].DefinitionID != "C" {
		t.Fatalf("expected only C triggered by D, got %+v", res.TriggeredTasks)
	}

	// A's later completion triggers B but must not re-trigger C.
	res = complete(t, e, tasks["A"].ID)
	if len(res.TriggeredTasks) != 1 || res.TriggeredTasks[0].DefinitionID != "B" {
		t.Fatalf("expected only B triggered by A, got %+v", res.TriggeredTasks)
	}
}

func TestRepeatedCompletionTriggersNothing(t *testing.T) {
	e, cat := newTestEngine(t)
	tpl := publishGraph(t, cat)
	tasks := byDefinition(instantiate(t, e, tpl.ID))

	first := complete(t, e, tasks["A"].ID)
	if len(first.TriggeredTasks) == 0 {
		t.Fatal("expected first completion to trigger dependents")
	}
	second, err := e.UpdateTaskStatus(context.Background(), tasks["A"].ID, domain.TaskCompleted, "actor", "")
	if err != nil {
		t.Fatalf("replayed completion: %v", err)
	}
	if len(second.TriggeredTasks) != 0 {
		t.Fatalf("expected empty trigger list on replay, got %d", len(second.TriggeredTasks))
	}
	if len(second.Warnings) == 0 {
		t.Fatal("expected warning on replayed completion")
	}
}

func TestStartRequiresGate(t *testing.T) {
	e, cat := newTestEngine(t)
	tpl := publishGraph(t, cat)
	tasks := byDefinition(instantiate(t, e, tpl.ID))

	res, err := e.UpdateTaskStatus(context.Background(), tasks["B"].ID, domain.TaskInProgress, "actor", "")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(res.Warnings) == 0 {
		t.Fatal("expected dependency warning")
	}
	if res.Task.Status != domain.TaskPending {
		t.Fatalf("expected B left pending, got %s", res.Task.Status)
	}
}

func TestInvalidTransitionWarnsWithoutChange(t *testing.T) {
	e, cat := newTestEngine(t)
	tpl := publishGraph(t, cat)
	tasks := byDefinition(instantiate(t, e, tpl.ID))

	res, err := e.UpdateTaskStatus(context.Background(), tasks["A"].ID, domain.TaskCompleted, "actor", "")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(res.Warnings) == 0 {
		t.Fatal("expected transition warning")
	}
	if res.Task.Status != domain.TaskUnlocked {
		t.Fatalf("expected A unchanged, got %s", res.Task.Status)
	}
}

func TestUnblockRespectsGate(t *testing.T) {
	e, cat := newTestEngine(t)
	tpl := publishGraph(t, cat)
	tasks := byDefinition(instantiate(t, e, tpl.ID))
	ctx := context.Background()

	// Block B while its gate is open, then unblock: it must land pending.
	if _, err := e.UpdateTaskStatus(ctx, tasks["B"].ID, domain.TaskBlocked, "actor", "held"); err != nil {
		t.Fatalf("block: %v", err)
	}
	res, err := e.UpdateTaskStatus(ctx, tasks["B"].ID, domain.TaskUnlocked, "actor", "")
	if err != nil {
		t.Fatalf("unblock: %v", err)
	}
	if res.Task.Status != domain.TaskPending {
		t.Fatalf("expected pending after unblock with open gate, got %s", res.Task.Status)
	}

	// With A done the same unblock lands unlocked.
	complete(t, e, tasks["A"].ID)
	if _, err := e.UpdateTaskStatus(ctx, tasks["B"].ID, domain.TaskBlocked, "actor", ""); err != nil {
		t.Fatalf("block: %v", err)
	}
	res, err = e.UpdateTaskStatus(ctx, tasks["B"].ID, domain.TaskUnlocked, "actor", "")
	if err != nil {
		t.Fatalf("unblock: %v", err)
	}
	if res.Task.Status != domain.TaskUnlocked {
		t.Fatalf("expected unlocked after unblock with gate satisfied, got %s", res.Task.Status)
	}
}

func TestGetActiveTasks(t *testing.T) {
	e, cat := newTestEngine(t)
	if err := e.Repo.UpsertProfessional(context.Background(), domain.Professional{
		ID: "sol-1", Name: "Avery", Role: "solicitor", Active: true,
	}); err != nil {
		t.Fatalf("seed professional: %v", err)
	}
	tpl := publishGraph(t, cat)
	res, err := e.Instantiate(context.Background(), tpl.ID, TransactionContext{
		BuyerID: "buyer-1", PropertyID: "prop-1",
	}, InstantiateOptions{AutoAssign: true})
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	if len(res.Warnings) == 0 {
		t.Fatal("expected warning for unfilled surveyor role")
	}

	active, err := e.GetActiveTasks(context.Background(), "sol-1", "")
	if err != nil {
		t.Fatalf("active tasks: %v", err)
	}
	if len(active) != 1 || active[0].DefinitionID != "A" {
		t.Fatalf("expected only unlocked A for sol-1, got %+v", active)
	}
}

func TestInstantiateRejectsSecondWorkflow(t *testing.T) {
	e, cat := newTestEngine(t)
	tpl := publishGraph(t, cat)
	res := instantiate(t, e, tpl.ID)

	_, err := e.Instantiate(context.Background(), tpl.ID, TransactionContext{
		TransactionID: res.TransactionID,
	}, InstantiateOptions{})
	if _, ok := err.(domain.ValidationError); !ok {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestTimelineProjection(t *testing.T) {
	e, cat := newTestEngine(t)
	tpl := publishGraph(t, cat)
	res := instantiate(t, e, tpl.ID)

	tl, err := e.Timeline(context.Background(), res.TransactionID)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(tl.Entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(tl.Entries))
	}
	if len(tl.CriticalPath) == 0 {
		t.Fatal("expected a critical path")
	}
}
