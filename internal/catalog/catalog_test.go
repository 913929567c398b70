package catalog

import (
	"context"
	"errors"
	"testing"

	"conveyor/internal/db"
	"conveyor/internal/domain"
	"conveyor/internal/migrate"
)

func newTestCatalog(t *testing.T) Catalog {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(conn)
}

func purchaseTemplate() domain.WorkflowTemplate {
	return domain.WorkflowTemplate{
		Name:            "Standard Purchase",
		TransactionType: "purchase",
		Tasks: []domain.TaskDefinition{
			{ID: "offer", Name: "Submit offer", Role: "buyer", DurationHours: 24},
			{ID: "searches", Name: "Order searches", Role: "solicitor", DurationHours: 72, DependsOn: []string{"offer"}},
			{ID: "survey", Name: "Book survey", Role: "surveyor", DurationHours: 48, DependsOn: []string{"offer"}},
			{ID: "contract", Name: "Draft contract", Role: "solicitor", DurationHours: 96, DependsOn: []string{"searches", "survey"}},
		},
	}
}

func TestPublishAndGet(t *testing.T) {
	cat := newTestCatalog(t)
	ctx := context.Background()

	tpl, err := cat.Publish(ctx, purchaseTemplate(), "admin")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if tpl.ID == "" {
		t.Fatal("expected generated template id")
	}
	if !tpl.Published {
		t.Fatal("expected template to be published")
	}

	got, err := cat.Get(ctx, tpl.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Tasks) != 4 {
		t.Fatalf("expected 4 tasks, got %d", len(got.Tasks))
	}
	if got.Tasks[3].ID != "contract" {
		t.Fatalf("expected task order preserved, got %s last", got.Tasks[3].ID)
	}
	if len(got.Tasks[3].DependsOn) != 2 {
		t.Fatalf("expected contract deps, got %v", got.Tasks[3].DependsOn)
	}
}

func TestPublishRejectsCycle(t *testing.T) {
	cat := newTestCatalog(t)

	tpl := domain.WorkflowTemplate{
		Name:            "Cyclic",
		TransactionType: "purchase",
		Tasks: []domain.TaskDefinition{
			{ID: "a", Name: "A", Role: "buyer", DurationHours: 1, DependsOn: []string{"c"}},
			{ID: "b", Name: "B", Role: "buyer", DurationHours: 1, DependsOn: []string{"a"}},
			{ID: "c", Name: "C", Role: "buyer", DurationHours: 1, DependsOn: []string{"b"}},
		},
	}
	_, err := cat.Publish(context.Background(), tpl, "admin")
	var invalid *domain.TemplateInvalidError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected TemplateInvalidError, got %v", err)
	}
}

func TestPublishRejectsUnknownDependency(t *testing.T) {
	cat := newTestCatalog(t)

	tpl := domain.WorkflowTemplate{
		Name:            "Dangling",
		TransactionType: "purchase",
		Tasks: []domain.TaskDefinition{
			{ID: "a", Name: "A", Role: "buyer", DurationHours: 1, DependsOn: []string{"ghost"}},
		},
	}
	_, err := cat.Publish(context.Background(), tpl, "admin")
	var invalid *domain.TemplateInvalidError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected TemplateInvalidError, got %v", err)
	}
}

func TestPublishRejectsDuplicateTaskIDs(t *testing.T) {
	cat := newTestCatalog(t)

	tpl := domain.WorkflowTemplate{
		Name:            "Duplicated",
		TransactionType: "purchase",
		Tasks: []domain.TaskDefinition{
			{ID: "a", Name: "A", Role: "buyer", DurationHours: 1},
			{ID: "a", Name: "A again", Role: "buyer", DurationHours: 1},
		},
	}
	_, err := cat.Publish(context.Background(), tpl, "admin")
	var invalid *domain.TemplateInvalidError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected TemplateInvalidError, got %v", err)
	}
}

func TestListFiltersByRole(t *testing.T) {
	cat := newTestCatalog(t)
	ctx := context.Background()

	if _, err := cat.Publish(ctx, purchaseTemplate(), "admin"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	other := domain.WorkflowTemplate{
		Name:            "Lender Only",
		TransactionType: "remortgage",
		Tasks: []domain.TaskDefinition{
			{ID: "valuation", Name: "Valuation", Role: "lender", DurationHours: 24},
		},
	}
	if _, err := cat.Publish(ctx, other, "admin"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	all, err := cat.List(ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 templates, got %d", len(all))
	}

	lender, err := cat.List(ctx, "lender")
	if err != nil {
		t.Fatalf("list lender: %v", err)
	}
	if len(lender) != 1 || lender[0].Name != "Lender Only" {
		t.Fatalf("expected only lender template, got %+v", lender)
	}
}

func TestImportYAML(t *testing.T) {
	cat := newTestCatalog(t)

	data := []byte(`
name: Imported
transaction_type: purchase
tasks:
  - id: one
    name: First
    role: buyer
    duration_hours: 8
  - id: two
    name: Second
    role: solicitor
    duration_hours: 16
    depends_on: [one]
    triggers_on_partial: true
    milestone: kickoff
`)
	tpl, err := cat.ImportYAML(context.Background(), data, "admin")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	got, err := cat.Get(context.Background(), tpl.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(got.Tasks))
	}
	if !got.Tasks[1].TriggersOnPartial {
		t.Fatal("expected triggers_on_partial to survive import")
	}
	if got.Tasks[1].Milestone != "kickoff" {
		t.Fatalf("expected milestone kickoff, got %q", got.Tasks[1].Milestone)
	}
}
