package server

import (
	"conveyor/internal/domain"
	"conveyor/internal/timeline"
)

type PublishTemplateRequest struct {
	ID              string                  `json:"id,omitempty"`
	Name            string                  `json:"name"`
	TransactionType string                  `json:"transaction_type"`
	Tasks           []TaskDefinitionRequest `json:"tasks"`
}

type TaskDefinitionRequest struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	Role              string   `json:"role"`
	DurationHours     int      `json:"duration_hours"`
	DependsOn         []string `json:"depends_on,omitempty"`
	TriggersOnPartial bool     `json:"triggers_on_partial,omitempty"`
	Milestone         string   `json:"milestone,omitempty"`
}

func (r PublishTemplateRequest) toDomain() domain.WorkflowTemplate {
	tpl := domain.WorkflowTemplate{
		ID:              r.ID,
		Name:            r.Name,
		TransactionType: r.TransactionType,
	}
	for _, t := range r.Tasks {
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
	return tpl
}

type OrchestrateRequest struct {
	TemplateID    string `json:"template_id"`
	TransactionID string `json:"transaction_id,omitempty"`
	BuyerID       string `json:"buyer_id,omitempty"`
	PropertyID    string `json:"property_id,omitempty"`
	Type          string `json:"type,omitempty"`
	AutoAssign    bool   `json:"auto_assign,omitempty"`
}

type OrchestrateResponse struct {
	Success             bool                  `json:"success"`
	WorkflowInstanceID  string                `json:"workflow_instance_id"`
	OrchestratedTasks   []domain.TaskInstance `json:"orchestrated_tasks"`
	EstimatedCompletion string                `json:"estimated_completion"`
	Warnings            []string              `json:"warnings"`
	Errors              []string              `json:"errors"`
}

type UpdateTaskStatusRequest struct {
	Status string `json:"status" enum:"pending,unlocked,in_progress,completed,blocked,cancelled"`
	Notes  string `json:"notes,omitempty"`
}

type UpdateTaskStatusResponse struct {
	Success        bool                  `json:"success"`
	Task           domain.TaskInstance   `json:"task"`
	TriggeredTasks []domain.TaskInstance `json:"triggered_tasks"`
	Warnings       []string              `json:"warnings"`
}

type OpenCaseRequest struct {
	TransactionID string `json:"transaction_id"`
}

type CaseTransitionRequest struct {
	Status string `json:"status"`
}

type CaseTransitionResponse struct {
	Success  bool              `json:"success"`
	Case     domain.CaseRecord `json:"case"`
	Warnings []string          `json:"warnings"`
}

type AssignSolicitorRequest struct {
	SolicitorID string `json:"solicitor_id"`
}

type SubmitDocumentRequest struct {
	RequirementID string `json:"requirement_id"`
	Ref           string `json:"ref"`
}

type ReviewDocumentRequest struct {
	Verified bool   `json:"verified"`
	Reason   string `json:"reason,omitempty"`
}

type EnqueueSyncRequest struct {
	Direction string         `json:"direction" enum:"portal_to_case,case_to_portal"`
	Kind      string         `json:"kind" enum:"registration,property_interest,document_upload,milestone_progress"`
	Payload   map[string]any `json:"payload"`
}

type TimelineResponse struct {
	TransactionID string            `json:"transaction_id"`
	Timeline      timeline.Timeline `json:"timeline"`
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func emptyTasksIfNil(t []domain.TaskInstance) []domain.TaskInstance {
	if t == nil {
		return []domain.TaskInstance{}
	}
	return t
}
