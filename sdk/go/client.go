package conveyorsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Conveyor HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID            string  `json:"id"`
	TransactionID string  `json:"transaction_id"`
	Name          string  `json:"name"`
	Role          string  `json:"role"`
	Status        string  `json:"status"`
	AssignedTo    *string `json:"assigned_to,omitempty"`
	DueDate       *string `json:"due_date,omitempty"`
}

// Case represents the API case model (partial).
type Case struct {
	ID            string  `json:"id"`
	CaseNumber    string  `json:"case_number"`
	TransactionID string  `json:"transaction_id"`
	BuyerID       string  `json:"buyer_id"`
	SolicitorID   *string `json:"solicitor_id,omitempty"`
	Status        string  `json:"status"`
}

// SyncRecord represents one queued portal delta.
type SyncRecord struct {
	ID          string  `json:"id"`
	CaseID      string  `json:"case_id"`
	Direction   string  `json:"direction"`
	Kind        string  `json:"kind"`
	Status      string  `json:"status"`
	RetryCount  int     `json:"retry_count"`
	NextRetryAt *string `json:"next_retry_at,omitempty"`
}

// OrchestrateResult is the orchestration response.
type OrchestrateResult struct {
	Success             bool     `json:"success"`
	WorkflowInstanceID  string   `json:"workflow_instance_id"`
	OrchestratedTasks   []Task   `json:"orchestrated_tasks"`
	EstimatedCompletion string   `json:"estimated_completion"`
	Warnings            []string `json:"warnings"`
	Errors              []string `json:"errors"`
}

// TaskUpdateResult is the task status update response.
type TaskUpdateResult struct {
	Success        bool     `json:"success"`
	Task           Task     `json:"task"`
	TriggeredTasks []Task   `json:"triggered_tasks"`
	Warnings       []string `json:"warnings"`
}

// Event represents a log entry.
type Event struct {
	ID            int64  `json:"id"`
	TS            string `json:"ts"`
	Type          string `json:"type"`
	TransactionID string `json:"transaction_id,omitempty"`
	EntityKind    string `json:"entity_kind"`
	EntityID      string `json:"entity_id,omitempty"`
	ActorID       string `json:"actor_id"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Orchestrate instantiates a template for a transaction.
func (c *Client) Orchestrate(ctx context.Context, templateID, buyerID, propertyID, txnType string, autoAssign bool) (OrchestrateResult, error) {
	body := map[string]any{
		"template_id": templateID,
		"buyer_id":    buyerID,
		"property_id": propertyID,
		"type":        txnType,
		"auto_assign": autoAssign,
	}
	var resp OrchestrateResult
	err := c.do(ctx, http.MethodPost, "v1/orchestrate", body, &resp)
	return resp, err
}

// UpdateTaskStatus transitions a task.
func (c *Client) UpdateTaskStatus(ctx context.Context, taskID, status, notes string) (TaskUpdateResult, error) {
	body := map[string]any{"status": status, "notes": notes}
	var resp TaskUpdateResult
	endpoint := fmt.Sprintf("v1/tasks/%s/status", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPatch, endpoint, body, &resp)
	return resp, err
}

// ActiveTasks lists actionable tasks for a user or role.
func (c *Client) ActiveTasks(ctx context.Context, userID, role string) ([]Task, error) {
	endpoint := "v1/tasks"
	q := url.Values{}
	if userID != "" {
		q.Set("user_id", userID)
	}
	if role != "" {
		q.Set("role", role)
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// OpenCase opens the case for a transaction.
func (c *Client) OpenCase(ctx context.Context, transactionID string) (Case, error) {
	body := map[string]any{"transaction_id": transactionID}
	var resp Case
	err := c.do(ctx, http.MethodPost, "v1/cases", body, &resp)
	return resp, err
}

// TransitionCase moves a case to a new status.
func (c *Client) TransitionCase(ctx context.Context, caseID, status string) (Case, []string, error) {
	body := map[string]any{"status": status}
	var resp struct {
		Success  bool     `json:"success"`
		Case     Case     `json:"case"`
		Warnings []string `json:"warnings"`
	}
	endpoint := fmt.Sprintf("v1/cases/%s/status", url.PathEscape(caseID))
	err := c.do(ctx, http.MethodPatch, endpoint, body, &resp)
	return resp.Case, resp.Warnings, err
}

// EnqueueSync queues a portal delta for a case.
func (c *Client) EnqueueSync(ctx context.Context, caseID, direction, kind string, payload map[string]any) (SyncRecord, error) {
	body := map[string]any{
		"direction": direction,
		"kind":      kind,
		"payload":   payload,
	}
	var resp SyncRecord
	endpoint := fmt.Sprintf("v1/cases/%s/sync", url.PathEscape(caseID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// SyncRecords lists sync records for a case.
func (c *Client) SyncRecords(ctx context.Context, caseID, status string) ([]SyncRecord, error) {
	endpoint := fmt.Sprintf("v1/cases/%s/sync", url.PathEscape(caseID))
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []SyncRecord
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int, transactionID string) ([]Event, error) {
	endpoint := "v1/events"
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if transactionID != "" {
		q.Set("transaction_id", transactionID)
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
