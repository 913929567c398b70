package timeline

import (
	"testing"
	"time"

	"conveyor/internal/domain"
)

var testNow = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func task(id string, hours int, deps ...string) domain.TaskInstance {
	return domain.TaskInstance{
		ID:            id,
		DefinitionID:  id,
		TransactionID: "txn-1",
		Name:          id,
		Status:        domain.TaskPending,
		DurationHours: hours,
		DependsOn:     deps,
		CreatedAt:     testNow.Format(time.RFC3339),
	}
}

func TestComputeCriticalPath(t *testing.T) {
	// offer(24) -> searches(72) -> contract(96) is the longest chain;
	// survey(48) has 24h of slack.
	tasks := []domain.TaskInstance{
		task("offer", 24),
		task("searches", 72, "offer"),
		task("survey", 48, "offer"),
		task("contract", 96, "searches", "survey"),
	}
	tl, err := Compute(tasks, testNow)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if tl.TotalHours != 192 {
		t.Fatalf("expected 192 total hours, got %v", tl.TotalHours)
	}
	want := []string{"offer", "searches", "contract"}
	if len(tl.CriticalPath) != len(want) {
		t.Fatalf("expected critical path %v, got %v", want, tl.CriticalPath)
	}
	for i := range want {
		if tl.CriticalPath[i] != want[i] {
			t.Fatalf("expected critical path %v, got %v", want, tl.CriticalPath)
		}
	}
	for _, e := range tl.Entries {
		onPath := e.TaskID == "offer" || e.TaskID == "searches" || e.TaskID == "contract"
		if e.Critical != onPath {
			t.Fatalf("task %s critical=%v, expected %v", e.TaskID, e.Critical, onPath)
		}
		if onPath && e.SlackHours != 0 {
			t.Fatalf("critical task %s has slack %v", e.TaskID, e.SlackHours)
		}
	}
	var survey Entry
	for _, e := range tl.Entries {
		if e.TaskID == "survey" {
			survey = e
		}
	}
	if survey.SlackHours != 24 {
		t.Fatalf("expected survey slack 24h, got %v", survey.SlackHours)
	}
}

func TestComputeEstimatedCompletion(t *testing.T) {
	tasks := []domain.TaskInstance{
		task("a", 24),
		task("b", 48, "a"),
	}
	tl, err := Compute(tasks, testNow)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	want := testNow.Add(72 * time.Hour).Format(time.RFC3339)
	if tl.EstimatedCompletion != want {
		t.Fatalf("expected completion %s, got %s", want, tl.EstimatedCompletion)
	}
	due := PlannedDueDates(tl)
	if due["a"] != testNow.Add(24*time.Hour).Format(time.RFC3339) {
		t.Fatalf("unexpected due date for a: %s", due["a"])
	}
}

func TestComputeOrGatedStart(t *testing.T) {
	// c may start after the first of its dependencies finishes.
	short := task("short", 10)
	long := task("long", 100)
	c := task("c", 5, "short", "long")
	c.TriggersOnPartial = true
	tl, err := Compute([]domain.TaskInstance{short, long, c}, testNow)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	for _, e := range tl.Entries {
		if e.TaskID == "c" {
			if e.EarliestStart != 10 {
				t.Fatalf("expected OR-gated start at 10h, got %v", e.EarliestStart)
			}
			return
		}
	}
	t.Fatal("task c missing from entries")
}

func TestComputeInProgressOverrun(t *testing.T) {
	started := testNow.Add(-72 * time.Hour).Format(time.RFC3339)
	overdue := task("overdue", 24)
	overdue.Status = domain.TaskInProgress
	overdue.StartedAt = &started
	tl, err := Compute([]domain.TaskInstance{overdue}, testNow)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if tl.TotalHours != 72 {
		t.Fatalf("expected elapsed 72h to stretch schedule, got %v", tl.TotalHours)
	}
	if tl.Entries[0].DelayDays != 2 {
		t.Fatalf("expected 2 delay days, got %d", tl.Entries[0].DelayDays)
	}
}

func TestComputeCancelledTasksDoNotGate(t *testing.T) {
	cancelled := task("dropped", 500)
	cancelled.Status = domain.TaskCancelled
	after := task("after", 8, "dropped")
	tl, err := Compute([]domain.TaskInstance{cancelled, after}, testNow)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if tl.TotalHours != 8 {
		t.Fatalf("expected 8 total hours, got %v", tl.TotalHours)
	}
}

func TestComputeCycleRejected(t *testing.T) {
	a := task("a", 1, "b")
	b := task("b", 1, "a")
	if _, err := Compute([]domain.TaskInstance{a, b}, testNow); err == nil {
		t.Fatal("expected cycle error")
	}
}

func TestComputeEmptyGraph(t *testing.T) {
	tl, err := Compute(nil, testNow)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if tl.EstimatedCompletion != testNow.Format(time.RFC3339) {
		t.Fatalf("expected completion now, got %s", tl.EstimatedCompletion)
	}
	if len(tl.CriticalPath) != 0 {
		t.Fatalf("expected empty critical path, got %v", tl.CriticalPath)
	}
}
