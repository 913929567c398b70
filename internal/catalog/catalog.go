// Package catalog manages the library of workflow templates a transaction
// can be instantiated from. Templates are validated as DAGs on publish and
// are immutable afterwards.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"conveyor/internal/domain"
	"conveyor/internal/events"
	"conveyor/internal/repo"
)

type Catalog struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

func New(db *sql.DB) Catalog {
	now := time.Now
	return Catalog{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db, Now: now},
		Now:    now,
	}
}

// Publish validates and stores a template. The template id is generated when
// empty. Published templates are visible to instantiation immediately.
func (c Catalog) Publish(ctx context.Context, tpl domain.WorkflowTemplate, actorID string) (domain.WorkflowTemplate, error) {
	if tpl.ID == "" {
		tpl.ID = uuid.NewString()
	}
	if err := Validate(tpl); err != nil {
		return domain.WorkflowTemplate{}, err
	}
	exists, err := c.Repo.TemplateExists(ctx, tpl.ID)
	if err != nil {
		return domain.WorkflowTemplate{}, err
	}
	if exists {
		return domain.WorkflowTemplate{}, &domain.TemplateInvalidError{TemplateID: tpl.ID, Reason: "template id already published"}
	}
	tpl.Published = true
	tpl.CreatedAt = c.Now().UTC().Format(time.RFC3339)

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowTemplate{}, err
	}
	defer tx.Rollback()

	if err := c.Repo.InsertTemplate(ctx, tx, tpl); err != nil {
		return domain.WorkflowTemplate{}, err
	}
	err = c.Events.Append(ctx, tx, "template.published", "", "template", tpl.ID, actorID, events.EventPayload{
		"name":             tpl.Name,
		"transaction_type": tpl.TransactionType,
		"tasks":            len(tpl.Tasks),
	})
	if err != nil {
		return domain.WorkflowTemplate{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkflowTemplate{}, err
	}
	return tpl, nil
}

// Get returns a template with its task definitions.
func (c Catalog) Get(ctx context.Context, id string) (domain.WorkflowTemplate, error) {
	return c.Repo.GetTemplate(ctx, id)
}

// List returns published templates, optionally filtered to those containing
// at least one definition for the given role.
func (c Catalog) List(ctx context.Context, role string) ([]domain.WorkflowTemplate, error) {
	return c.Repo.ListTemplates(ctx, role)
}

// templateYAML is the import file shape.
type templateYAML struct {
	ID              string `yaml:"id"`
	Name            string `yaml:"name"`
	TransactionType string `yaml:"transaction_type"`
	Tasks           []struct {
		ID                string   `yaml:"id"`
		Name              string   `yaml:"name"`
		Role              string   `yaml:"role"`
		DurationHours     int      `yaml:"duration_hours"`
		DependsOn         []string `yaml:"depends_on"`
		TriggersOnPartial bool     `yaml:"triggers_on_partial"`
		Milestone         string   `yaml:"milestone"`
	} `yaml:"tasks"`
}

// ImportYAML parses a template definition file and publishes it.
func (c Catalog) ImportYAML(ctx context.Context, data []byte, actorID string) (domain.WorkflowTemplate, error) {
	var raw templateYAML
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return domain.WorkflowTemplate{}, fmt.Errorf("invalid template yaml: %w", err)
	}
	tpl := domain.WorkflowTemplate{
		ID:              raw.ID,
		Name:            raw.Name,
		TransactionType: raw.TransactionType,
	}
	for _, t := range raw.Tasks {
		tpl.Tasks = append(tpl.Tasks, domain.TaskDefinition{
			ID:                t.ID,
			Name:              t.Name,
			Role:              t.Role,
			DurationHours:     t.DurationHours,
			DependsOn:         t.DependsOn,
			TriggersOnPartial: t.TriggersOnPartial,
			Milestone:         t.Milestone,
		})
	}
	return c.Publish(ctx, tpl, actorID)
}

// Validate checks template structure: non-empty, unique task ids, resolvable
// dependencies, positive durations and an acyclic dependency graph.
func Validate(tpl domain.WorkflowTemplate) error {
	if tpl.Name == "" {
		return &domain.TemplateInvalidError{TemplateID: tpl.ID, Reason: "name is required"}
	}
	if tpl.TransactionType == "" {
		return &domain.TemplateInvalidError{TemplateID: tpl.ID, Reason: "transaction_type is required"}
	}
	if len(tpl.Tasks) == 0 {
		return &domain.TemplateInvalidError{TemplateID: tpl.ID, Reason: "template has no tasks"}
	}
	byID := make(map[string]domain.TaskDefinition, len(tpl.Tasks))
	for _, def := range tpl.Tasks {
		if def.ID == "" {
			return &domain.TemplateInvalidError{TemplateID: tpl.ID, Reason: "task with empty id"}
		}
		if _, dup := byID[def.ID]; dup {
			return &domain.TemplateInvalidError{TemplateID: tpl.ID, Reason: fmt.Sprintf("duplicate task id %s", def.ID)}
		}
		if def.Name == "" {
			return &domain.TemplateInvalidError{TemplateID: tpl.ID, Reason: fmt.Sprintf("task %s has no name", def.ID)}
		}
		if def.Role == "" {
			return &domain.TemplateInvalidError{TemplateID: tpl.ID, Reason: fmt.Sprintf("task %s has no role", def.ID)}
		}
		if def.DurationHours <= 0 {
			return &domain.TemplateInvalidError{TemplateID: tpl.ID, Reason: fmt.Sprintf("task %s duration must be positive", def.ID)}
		}
		byID[def.ID] = def
	}
	for _, def := range tpl.Tasks {
		for _, dep := range def.DependsOn {
			if dep == def.ID {
				return &domain.TemplateInvalidError{TemplateID: tpl.ID, Reason: fmt.Sprintf("task %s depends on itself", def.ID)}
			}
			if _, ok := byID[dep]; !ok {
				return &domain.TemplateInvalidError{TemplateID: tpl.ID, Reason: fmt.Sprintf("task %s depends on unknown task %s", def.ID, dep)}
			}
		}
	}
	if cycle := findCycle(tpl.Tasks); len(cycle) > 0 {
		return &domain.TemplateInvalidError{TemplateID: tpl.ID, Reason: fmt.Sprintf("dependency cycle: %v", cycle)}
	}
	return nil
}

// findCycle runs Kahn's algorithm; leftover nodes after peeling form a cycle.
func findCycle(defs []domain.TaskDefinition) []string {
	indegree := make(map[string]int, len(defs))
	successors := make(map[string][]string, len(defs))
	for _, def := range defs {
		if _, ok := indegree[def.ID]; !ok {
			indegree[def.ID] = 0
		}
		for _, dep := range def.DependsOn {
			indegree[def.ID]++
			successors[dep] = append(successors[dep], def.ID)
		}
	}
	var queue []string
	for _, def := range defs {
		if indegree[def.ID] == 0 {
			queue = append(queue, def.ID)
		}
	}
	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, next := range successors[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if processed == len(defs) {
		return nil
	}
	var cycle []string
	for _, def := range defs {
		if indegree[def.ID] > 0 {
			cycle = append(cycle, def.ID)
		}
	}
	return cycle
}
