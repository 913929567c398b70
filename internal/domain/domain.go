package domain

// Task instance states.
const (
	TaskPending    = "pending"
	TaskUnlocked   = "unlocked"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
	TaskBlocked    = "blocked"
	TaskCancelled  = "cancelled"
)

// Case states, in handoff order. OnHold and Cancelled sit outside the order.
const (
	CaseNew                 = "new"
	CaseDocumentsRequested  = "documents_requested"
	CaseDocumentsPending    = "documents_pending"
	CaseReviewInProgress    = "review_in_progress"
	CaseContractPrepared    = "contract_prepared"
	CaseAwaitingSignature   = "awaiting_signature"
	CaseExchangeScheduled   = "exchange_scheduled"
	CaseExchanged           = "exchanged"
	CaseCompletionScheduled = "completion_scheduled"
	CaseCompleted           = "completed"
	CaseOnHold              = "on_hold"
	CaseCancelled           = "cancelled"
)

// Milestone states.
const (
	MilestonePending    = "pending"
	MilestoneInProgress = "in_progress"
	MilestoneCompleted  = "completed"
	MilestoneBlocked    = "blocked"
)

// Sync record states.
const (
	SyncPending        = "pending"
	SyncInProgress     = "in_progress"
	SyncCompleted      = "completed"
	SyncFailed         = "failed"
	SyncRetryScheduled = "retry_scheduled"
)

// Sync directions.
const (
	SyncPortalToCase = "portal_to_case"
	SyncCaseToPortal = "case_to_portal"
)

type WorkflowTemplate struct {
	ID              string           `json:"id"`
	TransactionType string           `json:"transaction_type"`
	Name            string           `json:"name"`
	Published       bool             `json:"published"`
	Tasks           []TaskDefinition `json:"tasks"`
	CreatedAt       string           `json:"created_at" format:"date-time"`
}

type TaskDefinition struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	Role              string   `json:"role"`
	DurationHours     int      `json:"duration_hours"`
	DependsOn         []string `json:"depends_on,omitempty"`
	TriggersOnPartial bool     `json:"triggers_on_partial,omitempty"`
	Milestone         string   `json:"milestone,omitempty"`
}

type TaskInstance struct {
	ID                string   `json:"id"`
	DefinitionID      string   `json:"definition_id"`
	TemplateID        string   `json:"template_id"`
	TransactionID     string   `json:"transaction_id"`
	Name              string   `json:"name"`
	Role              string   `json:"role"`
	Status            string   `json:"status" enum:"pending,unlocked,in_progress,completed,blocked,cancelled"`
	AssignedTo        *string  `json:"assigned_to,omitempty"`
	DurationHours     int      `json:"duration_hours"`
	TriggersOnPartial bool     `json:"triggers_on_partial,omitempty"`
	DependsOn         []string `json:"depends_on,omitempty"`
	DueDate           *string  `json:"due_date,omitempty" format:"date-time"`
	StartedAt         *string  `json:"started_at,omitempty" format:"date-time"`
	CompletedAt       *string  `json:"completed_at,omitempty" format:"date-time"`
	Notes             string   `json:"notes,omitempty"`
	CreatedAt         string   `json:"created_at" format:"date-time"`
	UpdatedAt         string   `json:"updated_at" format:"date-time"`
}

// Transaction is the purchase a workflow instance and case belong to.
type Transaction struct {
	ID         string `json:"id"`
	BuyerID    string `json:"buyer_id"`
	PropertyID string `json:"property_id"`
	Type       string `json:"type"`
	TemplateID string `json:"template_id,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type CaseRecord struct {
	ID            string   `json:"id"`
	CaseNumber    string   `json:"case_number"`
	TransactionID string   `json:"transaction_id"`
	BuyerID       string   `json:"buyer_id"`
	SolicitorID   *string  `json:"solicitor_id,omitempty"`
	Status        string   `json:"status" enum:"new,documents_requested,documents_pending,review_in_progress,contract_prepared,awaiting_signature,exchange_scheduled,exchanged,completion_scheduled,completed,on_hold,cancelled"`
	HeldFrom      *string  `json:"held_from,omitempty"`
	Milestones    []string `json:"milestones,omitempty"`
	Documents     []string `json:"documents,omitempty"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
	LastUpdated   string   `json:"last_updated" format:"date-time"`
}

type Milestone struct {
	ID           string   `json:"id"`
	CaseID       string   `json:"case_id"`
	Name         string   `json:"name"`
	Status       string   `json:"status" enum:"pending,in_progress,completed,blocked"`
	DueDate      *string  `json:"due_date,omitempty" format:"date-time"`
	Dependencies []string `json:"dependencies,omitempty"`
	TaskIDs      []string `json:"task_ids,omitempty"`
	CompletedAt  *string  `json:"completed_at,omitempty" format:"date-time"`
}

type DocumentRequirement struct {
	ID        string  `json:"id"`
	CaseID    string  `json:"case_id"`
	DocType   string  `json:"doc_type"`
	Title     string  `json:"title"`
	Mandatory bool    `json:"mandatory"`
	Status    string  `json:"status" enum:"pending,received,verified,rejected"`
	DueDate   *string `json:"due_date,omitempty" format:"date-time"`
	Reason    string  `json:"reason,omitempty"`
}

// SubmittedDocument is an opaque reference; document storage lives outside the engine.
type SubmittedDocument struct {
	ID            string `json:"id"`
	CaseID        string `json:"case_id"`
	RequirementID string `json:"requirement_id"`
	Ref           string `json:"ref"`
	UploadedBy    string `json:"uploaded_by"`
	UploadedAt    string `json:"uploaded_at" format:"date-time"`
}

type SyncRecord struct {
	ID          string      `json:"id"`
	CaseID      string      `json:"case_id"`
	Direction   string      `json:"direction" enum:"portal_to_case,case_to_portal"`
	Kind        string      `json:"kind" enum:"registration,property_interest,document_upload,milestone_progress"`
	Status      string      `json:"status" enum:"pending,in_progress,completed,failed,retry_scheduled"`
	PayloadJSON string      `json:"payload_json"`
	RetryCount  int         `json:"retry_count"`
	NextRetryAt *string     `json:"next_retry_at,omitempty" format:"date-time"`
	LastSyncAt  *string     `json:"last_sync_at,omitempty" format:"date-time"`
	Errors      []SyncError `json:"errors,omitempty"`
	CreatedAt   string      `json:"created_at" format:"date-time"`
	UpdatedAt   string      `json:"updated_at" format:"date-time"`
}

type SyncError struct {
	ID           int64  `json:"id"`
	SyncRecordID string `json:"sync_record_id"`
	TS           string `json:"ts" format:"date-time"`
	Kind         string `json:"kind" enum:"transient,permanent,conflict"`
	Message      string `json:"message"`
}

// Professional is an assignable actor resolved by role.
type Professional struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Role   string `json:"role"`
	Active bool   `json:"active"`
}

type Event struct {
	ID            int64  `json:"id"`
	TS            string `json:"ts" format:"date-time"`
	Type          string `json:"type"`
	TransactionID string `json:"transaction_id,omitempty"`
	EntityKind    string `json:"entity_kind"`
	EntityID      string `json:"entity_id,omitempty"`
	ActorID       string `json:"actor_id"`
	Payload       string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// TerminalCase reports whether a case status admits no further transitions.
func TerminalCase(status string) bool {
	return status == CaseCompleted || status == CaseCancelled
}

// TerminalTask reports whether a task status admits no further transitions.
func TerminalTask(status string) bool {
	return status == TaskCompleted || status == TaskCancelled
}
