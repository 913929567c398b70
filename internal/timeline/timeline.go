// Package timeline derives schedule projections from an instantiated task
// graph: per-task earliest/latest windows, slack, the critical path and the
// estimated completion date. Computation is a pure function of the task set;
// nothing here is persisted.
package timeline

import (
	"fmt"
	"math"
	"sort"
	"time"

	"conveyor/internal/domain"
)

type Entry struct {
	TaskID         string  `json:"task_id"`
	Name           string  `json:"name"`
	EarliestStart  float64 `json:"earliest_start_hours"`
	EarliestFinish float64 `json:"earliest_finish_hours"`
	LatestStart    float64 `json:"latest_start_hours"`
	LatestFinish   float64 `json:"latest_finish_hours"`
	SlackHours     float64 `json:"slack_hours"`
	Critical       bool    `json:"critical"`
	PlannedDue     string  `json:"planned_due" format:"date-time"`
	DelayDays      int     `json:"delay_days,omitempty"`
}

type Timeline struct {
	Anchor              string   `json:"anchor" format:"date-time"`
	TotalHours          float64  `json:"total_hours"`
	EstimatedCompletion string   `json:"estimated_completion" format:"date-time"`
	CriticalPath        []string `json:"critical_path"`
	Entries             []Entry  `json:"entries"`
}

// Compute runs a forward and backward pass over the task DAG. Earliest and
// latest figures are hours relative to the anchor, which is the earliest
// task creation time (or now for an empty history). Cancelled tasks carry
// zero duration so they neither gate nor stretch the schedule.
func Compute(tasks []domain.TaskInstance, now time.Time) (Timeline, error) {
	anchor := anchorTime(tasks, now)
	tl := Timeline{Anchor: anchor.UTC().Format(time.RFC3339)}
	if len(tasks) == 0 {
		tl.EstimatedCompletion = tl.Anchor
		return tl, nil
	}

	byID := make(map[string]domain.TaskInstance, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	order, err := topoOrder(tasks, byID)
	if err != nil {
		return Timeline{}, err
	}

	dur := make(map[string]float64, len(tasks))
	for _, t := range tasks {
		dur[t.ID] = effectiveDuration(t, now)
	}

	es := make(map[string]float64, len(tasks))
	ef := make(map[string]float64, len(tasks))
	for _, id := range order {
		t := byID[id]
		start := 0.0
		if len(t.DependsOn) > 0 {
			if t.TriggersOnPartial {
				start = math.Inf(1)
				for _, dep := range t.DependsOn {
					if _, ok := byID[dep]; !ok {
						continue
					}
					if ef[dep] < start {
						start = ef[dep]
					}
				}
				if math.IsInf(start, 1) {
					start = 0
				}
			} else {
				for _, dep := range t.DependsOn {
					if _, ok := byID[dep]; !ok {
						continue
					}
					if ef[dep] > start {
						start = ef[dep]
					}
				}
			}
		}
		es[id] = start
		ef[id] = start + dur[id]
	}

	total := 0.0
	for _, id := range order {
		if ef[id] > total {
			total = ef[id]
		}
	}

	successors := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, ok := byID[dep]; ok {
				successors[dep] = append(successors[dep], t.ID)
			}
		}
	}

	lf := make(map[string]float64, len(tasks))
	ls := make(map[string]float64, len(tasks))
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		finish := total
		for _, succ := range successors[id] {
			if ls[succ] < finish {
				finish = ls[succ]
			}
		}
		lf[id] = finish
		ls[id] = finish - dur[id]
	}

	tl.TotalHours = total
	tl.EstimatedCompletion = anchor.Add(hoursDuration(total)).UTC().Format(time.RFC3339)

	for _, id := range order {
		t := byID[id]
		slack := ls[id] - es[id]
		if slack < 0 {
			slack = 0
		}
		tl.Entries = append(tl.Entries, Entry{
			TaskID:         id,
			Name:           t.Name,
			EarliestStart:  es[id],
			EarliestFinish: ef[id],
			LatestStart:    ls[id],
			LatestFinish:   lf[id],
			SlackHours:     slack,
			Critical:       slack < 1e-9,
			PlannedDue:     anchor.Add(hoursDuration(ef[id])).UTC().Format(time.RFC3339),
			DelayDays:      delayDays(t, now),
		})
	}

	tl.CriticalPath = criticalPath(tl.Entries, byID, ef, es)
	return tl, nil
}

// PlannedDueDates returns the planned due date per task id.
func PlannedDueDates(tl Timeline) map[string]string {
	due := make(map[string]string, len(tl.Entries))
	for _, e := range tl.Entries {
		due[e.TaskID] = e.PlannedDue
	}
	return due
}

func anchorTime(tasks []domain.TaskInstance, now time.Time) time.Time {
	anchor := now
	for _, t := range tasks {
		if ts, err := time.Parse(time.RFC3339, t.CreatedAt); err == nil && ts.Before(anchor) {
			anchor = ts
		}
	}
	return anchor
}

// effectiveDuration is the nominal duration, stretched by elapsed time for a
// task already in progress and replaced by actual time for a finished one.
func effectiveDuration(t domain.TaskInstance, now time.Time) float64 {
	nominal := float64(t.DurationHours)
	switch t.Status {
	case domain.TaskCancelled:
		return 0
	case domain.TaskInProgress:
		if t.StartedAt != nil {
			if started, err := time.Parse(time.RFC3339, *t.StartedAt); err == nil {
				elapsed := now.Sub(started).Hours()
				if elapsed > nominal {
					return elapsed
				}
			}
		}
	case domain.TaskCompleted:
		if t.StartedAt != nil && t.CompletedAt != nil {
			started, err1 := time.Parse(time.RFC3339, *t.StartedAt)
			completed, err2 := time.Parse(time.RFC3339, *t.CompletedAt)
			if err1 == nil && err2 == nil && completed.After(started) {
				return completed.Sub(started).Hours()
			}
		}
	}
	return nominal
}

// delayDays counts whole days by which actual progress exceeds the plan.
func delayDays(t domain.TaskInstance, now time.Time) int {
	nominal := float64(t.DurationHours)
	var actual float64
	switch t.Status {
	case domain.TaskInProgress:
		if t.StartedAt == nil {
			return 0
		}
		started, err := time.Parse(time.RFC3339, *t.StartedAt)
		if err != nil {
			return 0
		}
		actual = now.Sub(started).Hours()
	case domain.TaskCompleted:
		if t.StartedAt == nil || t.CompletedAt == nil {
			return 0
		}
		started, err1 := time.Parse(time.RFC3339, *t.StartedAt)
		completed, err2 := time.Parse(time.RFC3339, *t.CompletedAt)
		if err1 != nil || err2 != nil {
			return 0
		}
		actual = completed.Sub(started).Hours()
	default:
		return 0
	}
	if actual <= nominal {
		return 0
	}
	return int(math.Ceil((actual - nominal) / 24))
}

func hoursDuration(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}

func topoOrder(tasks []domain.TaskInstance, byID map[string]domain.TaskInstance) ([]string, error) {
	indegree := make(map[string]int, len(tasks))
	successors := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		indegree[t.ID] = 0
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, ok := byID[dep]; !ok {
				continue
			}
			indegree[t.ID]++
			successors[dep] = append(successors[dep], t.ID)
		}
	}
	var queue []string
	for _, t := range tasks {
		if indegree[t.ID] == 0 {
			queue = append(queue, t.ID)
		}
	}
	sort.Strings(queue)
	var order []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		next := successors[id]
		sort.Strings(next)
		for _, succ := range next {
			indegree[succ]--
			if indegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}
	if len(order) != len(tasks) {
		return nil, fmt.Errorf("task graph contains a cycle")
	}
	return order, nil
}

// criticalPath walks backwards from the latest-finishing zero-slack task,
// at each step picking the predecessor whose finish feeds the current start.
func criticalPath(entries []Entry, byID map[string]domain.TaskInstance, ef, es map[string]float64) []string {
	var terminal string
	best := -1.0
	for _, e := range entries {
		if e.Critical && ef[e.TaskID] > best {
			best = ef[e.TaskID]
			terminal = e.TaskID
		}
	}
	if terminal == "" {
		return nil
	}
	critical := make(map[string]bool, len(entries))
	for _, e := range entries {
		critical[e.TaskID] = e.Critical
	}
	var path []string
	cur := terminal
	for {
		path = append(path, cur)
		t := byID[cur]
		next := ""
		for _, dep := range t.DependsOn {
			if _, ok := byID[dep]; !ok {
				continue
			}
			if critical[dep] && math.Abs(ef[dep]-es[cur]) < 1e-9 {
				if next == "" || dep < next {
					next = dep
				}
			}
		}
		if next == "" {
			break
		}
		cur = next
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}
