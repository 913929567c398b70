// Package engine orchestrates instantiated task graphs: materializing
// templates into task instances, walking dependency edges on completion and
// projecting active work per actor. All writes for a transaction run under
// that transaction's serialization boundary.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"conveyor/internal/catalog"
	"conveyor/internal/domain"
	"conveyor/internal/events"
	"conveyor/internal/repo"
	"conveyor/internal/timeline"
)

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Roles      RoleResolver
	Notify     Notifier
	Milestones MilestoneSubscriber
	Now        func() time.Time

	locks *txnLocks
}

func New(db *sql.DB) *Engine {
	now := time.Now
	r := repo.Repo{DB: db}
	return &Engine{
		DB:     db,
		Repo:   r,
		Events: events.Writer{DB: db, Now: now},
		Roles:  SQLRoleResolver{Repo: r},
		Notify: LogNotifier{},
		Now:    now,
		locks:  newTxnLocks(),
	}
}

// TransactionContext identifies the purchase a workflow is instantiated for.
// TransactionID may name an existing transaction; when empty a new one is
// created from the remaining fields.
type TransactionContext struct {
	TransactionID string
	BuyerID       string
	PropertyID    string
	Type          string
}

type InstantiateOptions struct {
	// AutoAssign picks an active professional per role for each task.
	AutoAssign bool
}

type InstantiateResult struct {
	TransactionID       string
	Tasks               []domain.TaskInstance
	EstimatedCompletion string
	Warnings            []string
}

// Instantiate materializes every definition of a published template into a
// task instance. Tasks with no dependencies unlock immediately; the rest
// start pending. The template graph is re-checked here even though publish
// validated it, because instantiation must never produce an undispatchable
// graph.
func (e *Engine) Instantiate(ctx context.Context, templateID string, tc TransactionContext, opts InstantiateOptions) (InstantiateResult, error) {
	tpl, err := e.Repo.GetTemplate(ctx, templateID)
	if err != nil {
		return InstantiateResult{}, err
	}
	if !tpl.Published {
		return InstantiateResult{}, &domain.TemplateInvalidError{TemplateID: templateID, Reason: "template is not published"}
	}
	if err := catalog.Validate(tpl); err != nil {
		return InstantiateResult{}, err
	}

	res := InstantiateResult{TransactionID: tc.TransactionID}
	newTransaction := false
	if res.TransactionID == "" {
		if tc.BuyerID == "" {
			return InstantiateResult{}, domain.ValidationError{Field: "buyer_id", Reason: "required when creating a transaction"}
		}
		if tc.PropertyID == "" {
			return InstantiateResult{}, domain.ValidationError{Field: "property_id", Reason: "required when creating a transaction"}
		}
		res.TransactionID = uuid.NewString()
		newTransaction = true
	}

	unlock := e.locks.acquire(res.TransactionID)
	defer unlock()

	now := e.Now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return InstantiateResult{}, err
	}
	defer tx.Rollback()

	if newTransaction {
		txnType := tc.Type
		if txnType == "" {
			txnType = tpl.TransactionType
		}
		err = e.Repo.InsertTransaction(ctx, tx, domain.Transaction{
			ID:         res.TransactionID,
			BuyerID:    tc.BuyerID,
			PropertyID: tc.PropertyID,
			Type:       txnType,
			TemplateID: templateID,
			CreatedAt:  now,
		})
		if err != nil {
			return InstantiateResult{}, err
		}
	} else {
		existing, err := e.Repo.ListTransactionTasksTx(ctx, tx, res.TransactionID)
		if err != nil {
			return InstantiateResult{}, err
		}
		if len(existing) > 0 {
			return InstantiateResult{}, domain.ValidationError{Field: "transaction_id", Reason: "transaction already has an instantiated workflow"}
		}
		if err := e.Repo.SetTransactionTemplate(ctx, tx, res.TransactionID, templateID); err != nil {
			return InstantiateResult{}, err
		}
	}

	// Definition id -> instance id, so dependency edges can be rewritten.
	// Instance ids are name-based so repeated instantiation attempts for the
	// same transaction derive the same ids.
	instanceIDs := make(map[string]string, len(tpl.Tasks))
	for _, def := range tpl.Tasks {
		instanceIDs[def.ID] = uuid.NewSHA1(uuid.NameSpaceOID, []byte(res.TransactionID+"/"+def.ID)).String()
	}

	assignees := map[string]*string{}
	if opts.AutoAssign {
		for _, def := range tpl.Tasks {
			if _, done := assignees[def.Role]; done {
				continue
			}
			eligible, err := e.Roles.FindEligible(ctx, def.Role)
			if err != nil {
				return InstantiateResult{}, err
			}
			if len(eligible) == 0 {
				res.Warnings = append(res.Warnings, fmt.Sprintf("no active professional for role %s", def.Role))
				assignees[def.Role] = nil
				continue
			}
			id := eligible[0].ID
			assignees[def.Role] = &id
		}
	}

	for _, def := range tpl.Tasks {
		status := domain.TaskPending
		if len(def.DependsOn) == 0 {
			status = domain.TaskUnlocked
		}
		inst := domain.TaskInstance{
			ID:                instanceIDs[def.ID],
			DefinitionID:      def.ID,
			TemplateID:        templateID,
			TransactionID:     res.TransactionID,
			Name:              def.Name,
			Role:              def.Role,
			Status:            status,
			AssignedTo:        assignees[def.Role],
			DurationHours:     def.DurationHours,
			TriggersOnPartial: def.TriggersOnPartial,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		for _, dep := range def.DependsOn {
			inst.DependsOn = append(inst.DependsOn, instanceIDs[dep])
		}
		if err := e.Repo.InsertTask(ctx, tx, inst); err != nil {
			return InstantiateResult{}, err
		}
		res.Tasks = append(res.Tasks, inst)
	}
	for _, inst := range res.Tasks {
		for _, dep := range inst.DependsOn {
			if err := e.Repo.AddTaskDependency(ctx, tx, inst.ID, dep); err != nil {
				return InstantiateResult{}, err
			}
		}
	}

	tl, err := timeline.Compute(res.Tasks, e.Now().UTC())
	if err != nil {
		return InstantiateResult{}, &domain.TemplateInvalidError{TemplateID: templateID, Reason: err.Error()}
	}
	res.EstimatedCompletion = tl.EstimatedCompletion
	due := timeline.PlannedDueDates(tl)
	for i := range res.Tasks {
		if d, ok := due[res.Tasks[i].ID]; ok {
			d := d
			res.Tasks[i].DueDate = &d
			if err := e.Repo.UpdateTask(ctx, tx, res.Tasks[i]); err != nil {
				return InstantiateResult{}, err
			}
		}
	}

	err = e.Events.Append(ctx, tx, "workflow.instantiated", res.TransactionID, "transaction", res.TransactionID, tc.BuyerID, events.EventPayload{
		"template_id":          templateID,
		"tasks":                len(res.Tasks),
		"estimated_completion": res.EstimatedCompletion,
	})
	if err != nil {
		return InstantiateResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return InstantiateResult{}, err
	}

	if e.Notify != nil {
		for _, inst := range res.Tasks {
			if inst.Status == domain.TaskUnlocked && inst.AssignedTo != nil {
				e.Notify.Notify(*inst.AssignedTo, "task.unlocked", map[string]any{"task_id": inst.ID, "name": inst.Name})
			}
		}
	}
	return res, nil
}

type UpdateResult struct {
	Task           domain.TaskInstance
	TriggeredTasks []domain.TaskInstance
	Warnings       []string
}

// UpdateTaskStatus applies a status transition and, on completion, walks the
// immediate successors of the task to unlock whichever dependents have their
// gate satisfied. Rule violations come back as warnings with the record left
// untouched; errors are reserved for infrastructure failures.
func (e *Engine) UpdateTaskStatus(ctx context.Context, taskID, newStatus, actorID, notes string) (UpdateResult, error) {
	probe, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return UpdateResult{}, err
	}

	unlock := e.locks.acquire(probe.TransactionID)
	defer unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return UpdateResult{}, err
	}
	defer tx.Rollback()

	task, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return UpdateResult{}, err
	}
	res := UpdateResult{Task: task}

	if task.Status == newStatus {
		res.Warnings = append(res.Warnings, fmt.Sprintf("task %s is already %s", taskID, newStatus))
		return res, nil
	}
	if !allowedTransition(task.Status, newStatus) {
		res.Warnings = append(res.Warnings, fmt.Sprintf("transition %s -> %s is not allowed", task.Status, newStatus))
		return res, nil
	}

	now := e.Now().UTC().Format(time.RFC3339)

	// Starting work requires the dependency gate to hold; the matrix alone
	// would let a pending task start before its prerequisites finish.
	if newStatus == domain.TaskInProgress {
		satisfied, missing, err := e.gateSatisfied(ctx, tx, task)
		if err != nil {
			return UpdateResult{}, err
		}
		if !satisfied {
			res.Warnings = append(res.Warnings, domain.DependencyError{TaskID: taskID, Missing: missing}.Error())
			return res, nil
		}
	}

	// Unblocking lands on unlocked only when the gate already holds.
	if task.Status == domain.TaskBlocked && (newStatus == domain.TaskUnlocked || newStatus == domain.TaskPending) {
		satisfied, _, err := e.gateSatisfied(ctx, tx, task)
		if err != nil {
			return UpdateResult{}, err
		}
		if satisfied {
			newStatus = domain.TaskUnlocked
		} else {
			newStatus = domain.TaskPending
		}
	}

	task.Status = newStatus
	task.UpdatedAt = now
	if notes != "" {
		task.Notes = notes
	}
	switch newStatus {
	case domain.TaskInProgress:
		if task.StartedAt == nil {
			task.StartedAt = &now
		}
	case domain.TaskCompleted:
		task.CompletedAt = &now
	}
	if err := e.Repo.UpdateTask(ctx, tx, task); err != nil {
		return UpdateResult{}, err
	}
	res.Task = task

	err = e.Events.Append(ctx, tx, "task.status_changed", task.TransactionID, "task", task.ID, actorID, events.EventPayload{
		"from": probe.Status,
		"to":   newStatus,
	})
	if err != nil {
		return UpdateResult{}, err
	}

	var completedMilestones []string
	if newStatus == domain.TaskCompleted {
		res.TriggeredTasks, err = e.evaluateDependents(ctx, tx, task, actorID, now)
		if err != nil {
			return UpdateResult{}, err
		}
		completedMilestones, err = e.completeMilestones(ctx, tx, task, actorID, now)
		if err != nil {
			return UpdateResult{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return UpdateResult{}, err
	}

	if e.Notify != nil {
		for _, t := range res.TriggeredTasks {
			if t.AssignedTo != nil {
				e.Notify.Notify(*t.AssignedTo, "task.unlocked", map[string]any{"task_id": t.ID, "name": t.Name})
			}
		}
	}
	if e.Milestones != nil {
		for _, milestoneID := range completedMilestones {
			res.Warnings = append(res.Warnings, e.Milestones.MilestoneCompleted(ctx, milestoneID)...)
		}
	}
	return res, nil
}

// evaluateDependents visits only the immediate successors of the completed
// task. The triggered flag on each edge makes the pass idempotent: a
// replayed completion finds every edge already flipped and triggers nothing.
func (e *Engine) evaluateDependents(ctx context.Context, tx *sql.Tx, completed domain.TaskInstance, actorID, now string) ([]domain.TaskInstance, error) {
	dependentIDs, err := e.Repo.ListDependentsTx(ctx, tx, completed.ID)
	if err != nil {
		return nil, err
	}
	var triggered []domain.TaskInstance
	for _, depID := range dependentIDs {
		flipped, err := e.Repo.MarkEdgeTriggered(ctx, tx, depID, completed.ID)
		if err != nil {
			return nil, err
		}
		if !flipped {
			continue
		}
		dependent, err := e.Repo.GetTaskTx(ctx, tx, depID)
		if err != nil {
			return nil, err
		}
		if dependent.Status != domain.TaskPending {
			continue
		}
		ready := false
		if dependent.TriggersOnPartial {
			ready = true
		} else {
			satisfied, _, err := e.gateSatisfied(ctx, tx, dependent)
			if err != nil {
				return nil, err
			}
			ready = satisfied
		}
		if !ready {
			continue
		}
		dependent.Status = domain.TaskUnlocked
		dependent.UpdatedAt = now
		if err := e.Repo.UpdateTask(ctx, tx, dependent); err != nil {
			return nil, err
		}
		err = e.Events.Append(ctx, tx, "task.unlocked", dependent.TransactionID, "task", dependent.ID, actorID, events.EventPayload{
			"triggered_by": completed.ID,
		})
		if err != nil {
			return nil, err
		}
		triggered = append(triggered, dependent)
	}
	return triggered, nil
}

// gateSatisfied checks the dependency gate: any one completed dependency for
// an OR-gated task, every dependency completed otherwise.
func (e *Engine) gateSatisfied(ctx context.Context, tx *sql.Tx, task domain.TaskInstance) (bool, []string, error) {
	if len(task.DependsOn) == 0 {
		return true, nil, nil
	}
	var missing []string
	anyDone := false
	for _, dep := range task.DependsOn {
		depTask, err := e.Repo.GetTaskTx(ctx, tx, dep)
		if err != nil {
			return false, nil, err
		}
		if depTask.Status == domain.TaskCompleted {
			anyDone = true
		} else {
			missing = append(missing, dep)
		}
	}
	if task.TriggersOnPartial {
		return anyDone, missing, nil
	}
	return len(missing) == 0, missing, nil
}

// completeMilestones marks any milestone whose linked tasks are now all done.
func (e *Engine) completeMilestones(ctx context.Context, tx *sql.Tx, task domain.TaskInstance, actorID, now string) ([]string, error) {
	milestoneIDs, err := e.Repo.MilestonesLinkingTask(ctx, tx, task.ID)
	if err != nil {
		return nil, err
	}
	var completed []string
	for _, milestoneID := range milestoneIDs {
		done, err := e.Repo.MilestoneTasksCompleted(ctx, tx, milestoneID)
		if err != nil {
			return nil, err
		}
		if !done {
			continue
		}
		if err := e.Repo.UpdateMilestoneStatus(ctx, tx, milestoneID, domain.MilestoneCompleted, &now); err != nil {
			return nil, err
		}
		err = e.Events.Append(ctx, tx, "milestone.completed", task.TransactionID, "milestone", milestoneID, actorID, events.EventPayload{
			"completed_by_task": task.ID,
		})
		if err != nil {
			return nil, err
		}
		completed = append(completed, milestoneID)
	}
	return completed, nil
}

// GetActiveTasks projects unlocked and in-progress work, optionally narrowed
// to an assignee and role. Read-only.
func (e *Engine) GetActiveTasks(ctx context.Context, userID, role string) ([]domain.TaskInstance, error) {
	return e.Repo.ListTasks(ctx, repo.TaskFilters{AssignedTo: userID, Role: role, Active: true})
}

// Timeline computes the current schedule projection for a transaction.
func (e *Engine) Timeline(ctx context.Context, transactionID string) (timeline.Timeline, error) {
	if _, err := e.Repo.GetTransaction(ctx, transactionID); err != nil {
		return timeline.Timeline{}, err
	}
	tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{TransactionID: transactionID})
	if err != nil {
		return timeline.Timeline{}, err
	}
	return timeline.Compute(tasks, e.Now().UTC())
}

// allowedTransition is the task status matrix. Blocked and cancelled are
// operator-imposed and reachable from any non-terminal state.
func allowedTransition(from, to string) bool {
	if domain.TerminalTask(from) {
		return false
	}
	switch to {
	case domain.TaskBlocked, domain.TaskCancelled:
		return true
	case domain.TaskInProgress:
		return from == domain.TaskPending || from == domain.TaskUnlocked
	case domain.TaskCompleted:
		return from == domain.TaskInProgress
	case domain.TaskUnlocked, domain.TaskPending:
		return from == domain.TaskBlocked
	default:
		return false
	}
}
