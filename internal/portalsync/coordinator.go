// Package portalsync reconciles buyer-portal activity with the case record.
// Every detected delta becomes a sync record processed by a background
// worker pool with exponential backoff; delivery is eventually consistent
// and never blocks orchestration.
package portalsync

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"conveyor/internal/config"
	"conveyor/internal/domain"
	"conveyor/internal/events"
	"conveyor/internal/repo"
)

type Coordinator struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Transport Transport
	Now       func() time.Time
	Rand      func() float64
}

func New(db *sql.DB, cfg *config.Config, transport Transport) *Coordinator {
	now := time.Now
	return &Coordinator{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{DB: db, Now: now},
		Config:    cfg,
		Transport: transport,
		Now:       now,
		Rand:      rand.Float64,
	}
}

// Enqueue records a detected delta as a pending sync record. Deltas for a
// cancelled or completed case are rejected; an on-hold case still queues,
// processing waits for resumption.
func (c *Coordinator) Enqueue(ctx context.Context, caseID, direction, kind string, payload any, actorID string) (domain.SyncRecord, error) {
	if direction != domain.SyncCaseToPortal && direction != domain.SyncPortalToCase {
		return domain.SyncRecord{}, domain.ValidationError{Field: "direction", Reason: "unknown sync direction"}
	}
	cs, err := c.Repo.GetCase(ctx, caseID)
	if err != nil {
		return domain.SyncRecord{}, err
	}
	if domain.TerminalCase(cs.Status) {
		return domain.SyncRecord{}, domain.ValidationError{Field: "case_id", Reason: "case is closed"}
	}
	payloadJSON, err := EncodePayload(kind, payload)
	if err != nil {
		return domain.SyncRecord{}, err
	}

	now := c.Now().UTC().Format(time.RFC3339)
	rec := domain.SyncRecord{
		ID:          uuid.NewString(),
		CaseID:      caseID,
		Direction:   direction,
		Kind:        kind,
		Status:      domain.SyncPending,
		PayloadJSON: payloadJSON,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SyncRecord{}, err
	}
	defer tx.Rollback()

	if err := c.Repo.InsertSyncRecord(ctx, tx, rec); err != nil {
		return domain.SyncRecord{}, err
	}
	err = c.Events.Append(ctx, tx, "sync.enqueued", cs.TransactionID, "sync_record", rec.ID, actorID, events.EventPayload{
		"direction": direction,
		"kind":      kind,
	})
	if err != nil {
		return domain.SyncRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.SyncRecord{}, err
	}
	return rec, nil
}

// Run drives the worker pool until the context is cancelled. One dispatcher
// polls for due records and hands them to workers; per-case ordering is
// enforced at dispatch so the pool behaves as one logical queue per case.
func (c *Coordinator) Run(ctx context.Context) {
	workers := c.Config.Sync.Workers
	if workers <= 0 {
		workers = 1
	}
	jobs := make(chan domain.SyncRecord)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range jobs {
				c.processRecord(ctx, rec)
			}
		}()
	}

	poll := time.NewTicker(time.Second)
	defer poll.Stop()
	purge := time.NewTicker(time.Hour)
	defer purge.Stop()

	for {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return
		case <-poll.C:
			due, err := c.dispatchable(ctx)
			if err != nil {
				log.Printf("sync poll: %v", err)
				continue
			}
			for _, rec := range due {
				select {
				case jobs <- rec:
				case <-ctx.Done():
					close(jobs)
					wg.Wait()
					return
				}
			}
		case <-purge.C:
			if days := c.Config.Sync.RetentionDays; days > 0 {
				cutoff := c.Now().UTC().AddDate(0, 0, -days).Format(time.RFC3339)
				if n, err := c.Repo.PurgeCompletedSyncRecords(ctx, cutoff); err != nil {
					log.Printf("sync purge: %v", err)
				} else if n > 0 {
					log.Printf("sync purge: removed %d completed records", n)
				}
			}
		}
	}
}

// ProcessDue runs one dispatch pass synchronously and returns how many
// records were attempted.
func (c *Coordinator) ProcessDue(ctx context.Context) (int, error) {
	due, err := c.dispatchable(ctx)
	if err != nil {
		return 0, err
	}
	for _, rec := range due {
		c.processRecord(ctx, rec)
	}
	return len(due), nil
}

func (c *Coordinator) dispatchable(ctx context.Context) ([]domain.SyncRecord, error) {
	now := c.Now().UTC().Format(time.RFC3339)
	due, err := c.Repo.DueSyncRecords(ctx, now, 64)
	if err != nil {
		return nil, err
	}
	var ready []domain.SyncRecord
	for _, rec := range due {
		blocked, err := c.Repo.CaseHasEarlierActiveSync(ctx, rec.CaseID, rec.CreatedAt, rec.ID)
		if err != nil {
			return nil, err
		}
		if !blocked {
			ready = append(ready, rec)
		}
	}
	return ready, nil
}

func (c *Coordinator) processRecord(ctx context.Context, rec domain.SyncRecord) {
	cs, err := c.Repo.GetCase(ctx, rec.CaseID)
	if err != nil {
		log.Printf("sync %s: case lookup: %v", rec.ID, err)
		return
	}
	if cs.Status == domain.CaseOnHold {
		return
	}
	if domain.TerminalCase(cs.Status) {
		c.finishFailed(ctx, rec, "permanent", "case is closed")
		return
	}

	now := c.Now().UTC().Format(time.RFC3339)
	claimed, err := c.Repo.ClaimSyncRecord(ctx, rec.ID, now)
	if err != nil {
		log.Printf("sync %s: claim: %v", rec.ID, err)
		return
	}
	if !claimed {
		return
	}

	attemptCtx := ctx
	if c.Config.Sync.TimeoutSec > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, time.Duration(c.Config.Sync.TimeoutSec)*time.Second)
		defer cancel()
	}
	attemptErr := c.attempt(attemptCtx, rec)

	// A case cancelled mid-flight discards the attempt's result; the
	// request itself is never aborted once sent.
	if cs, err := c.Repo.GetCase(ctx, rec.CaseID); err == nil && cs.Status == domain.CaseCancelled {
		c.finishFailed(ctx, rec, "permanent", "case cancelled during sync; result discarded")
		return
	}

	if attemptErr == nil {
		c.finishCompleted(ctx, rec)
		return
	}
	if isTransient(attemptErr) {
		c.scheduleRetry(ctx, rec, attemptErr)
		return
	}
	c.finishFailed(ctx, rec, "permanent", attemptErr.Error())
}

// attempt performs the transfer for one record.
func (c *Coordinator) attempt(ctx context.Context, rec domain.SyncRecord) error {
	if err := ValidatePayload(rec.Kind, rec.PayloadJSON); err != nil {
		return err
	}
	if rec.Direction == domain.SyncCaseToPortal {
		return c.Transport.Deliver(ctx, rec)
	}
	return c.applyInbound(ctx, rec)
}

// applyInbound writes a portal-originated delta into the case record under
// the conflict policy: the case record is authoritative for legal fields,
// the portal for buyer preferences. Dropped fields are logged as conflicts
// even though they resolve automatically.
func (c *Coordinator) applyInbound(ctx context.Context, rec domain.SyncRecord) error {
	cs, err := c.Repo.GetCase(ctx, rec.CaseID)
	if err != nil {
		return domain.TransientError{Op: "load case", Err: err}
	}
	fields, err := payloadFields(rec.PayloadJSON)
	if err != nil {
		return err
	}

	now := c.Now().UTC().Format(time.RFC3339)
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TransientError{Op: "begin apply", Err: err}
	}
	defer tx.Rollback()

	applied := map[string]any{}
	for field, value := range fields {
		if c.Config.CaseOwnedField(field) {
			conflict := domain.ConflictError{Field: field, Resolution: "case"}
			if err := c.Repo.AppendSyncError(ctx, tx, rec.ID, now, "conflict", conflict.Error()); err != nil {
				return domain.TransientError{Op: "log conflict", Err: err}
			}
			continue
		}
		applied[field] = value
	}

	if rec.Kind == KindDocumentUpload {
		var p DocumentUploadPayload
		if err := decodeStrict(rec.PayloadJSON, &p); err != nil {
			return err
		}
		req, err := c.Repo.GetDocumentRequirement(ctx, p.RequirementID)
		if err != nil {
			if err == repo.ErrNotFound {
				return domain.ValidationError{Field: "requirement_id", Reason: "unknown document requirement"}
			}
			return domain.TransientError{Op: "load requirement", Err: err}
		}
		if req.CaseID != rec.CaseID {
			return domain.ValidationError{Field: "requirement_id", Reason: "requirement belongs to a different case"}
		}
		doc := domain.SubmittedDocument{
			ID:            uuid.NewString(),
			CaseID:        rec.CaseID,
			RequirementID: p.RequirementID,
			Ref:           p.Ref,
			UploadedBy:    p.UploadedBy,
			UploadedAt:    now,
		}
		if err := c.Repo.InsertDocument(ctx, tx, doc); err != nil {
			return domain.TransientError{Op: "insert document", Err: err}
		}
		if req.Status == "pending" {
			if err := c.Repo.UpdateDocumentRequirementStatus(ctx, tx, p.RequirementID, "received", ""); err != nil {
				return domain.TransientError{Op: "update requirement", Err: err}
			}
		}
	}

	err = c.Events.Append(ctx, tx, "sync.applied", cs.TransactionID, "sync_record", rec.ID, "portal", events.EventPayload{
		"kind":   rec.Kind,
		"fields": applied,
	})
	if err != nil {
		return domain.TransientError{Op: "append event", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return domain.TransientError{Op: "commit apply", Err: err}
	}
	return nil
}

func (c *Coordinator) finishCompleted(ctx context.Context, rec domain.SyncRecord) {
	now := c.Now().UTC().Format(time.RFC3339)
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("sync %s: %v", rec.ID, err)
		return
	}
	defer tx.Rollback()
	if err := c.Repo.MarkSyncCompleted(ctx, tx, rec.ID, now); err != nil {
		log.Printf("sync %s: complete: %v", rec.ID, err)
		return
	}
	if err := tx.Commit(); err != nil {
		log.Printf("sync %s: commit: %v", rec.ID, err)
	}
}

func (c *Coordinator) scheduleRetry(ctx context.Context, rec domain.SyncRecord, attemptErr error) {
	now := c.Now().UTC()
	nowStr := now.Format(time.RFC3339)
	retryCount := rec.RetryCount + 1

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("sync %s: %v", rec.ID, err)
		return
	}
	defer tx.Rollback()

	if err := c.Repo.AppendSyncError(ctx, tx, rec.ID, nowStr, "transient", attemptErr.Error()); err != nil {
		log.Printf("sync %s: record error: %v", rec.ID, err)
		return
	}
	if retryCount >= c.Config.Sync.MaxAttempts {
		if err := c.Repo.MarkSyncFailed(ctx, tx, rec.ID, retryCount, nowStr); err != nil {
			log.Printf("sync %s: fail: %v", rec.ID, err)
			return
		}
	} else {
		next := now.Add(c.backoff(retryCount)).Format(time.RFC3339)
		if err := c.Repo.ScheduleSyncRetry(ctx, tx, rec.ID, retryCount, next, nowStr); err != nil {
			log.Printf("sync %s: schedule: %v", rec.ID, err)
			return
		}
	}
	if err := tx.Commit(); err != nil {
		log.Printf("sync %s: commit: %v", rec.ID, err)
	}
}

func (c *Coordinator) finishFailed(ctx context.Context, rec domain.SyncRecord, kind, message string) {
	now := c.Now().UTC().Format(time.RFC3339)
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("sync %s: %v", rec.ID, err)
		return
	}
	defer tx.Rollback()
	if err := c.Repo.AppendSyncError(ctx, tx, rec.ID, now, kind, message); err != nil {
		log.Printf("sync %s: record error: %v", rec.ID, err)
		return
	}
	if err := c.Repo.MarkSyncFailed(ctx, tx, rec.ID, rec.RetryCount, now); err != nil {
		log.Printf("sync %s: fail: %v", rec.ID, err)
		return
	}
	if err := tx.Commit(); err != nil {
		log.Printf("sync %s: commit: %v", rec.ID, err)
	}
}

// backoff is base * 2^retryCount plus jitter.
func (c *Coordinator) backoff(retryCount int) time.Duration {
	base := float64(c.Config.Sync.BackoffBaseSec)
	delay := base * math.Pow(2, float64(retryCount))
	if c.Config.Sync.JitterSec > 0 && c.Rand != nil {
		delay += c.Rand() * float64(c.Config.Sync.JitterSec)
	}
	return time.Duration(delay * float64(time.Second))
}

func isTransient(err error) bool {
	var transient domain.TransientError
	if errors.As(err, &transient) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var validation domain.ValidationError
	var conflict domain.ConflictError
	if errors.As(err, &validation) || errors.As(err, &conflict) {
		return false
	}
	// Unclassified failures retry rather than silently dropping a delta.
	return true
}

// Records returns sync records, optionally filtered by case and status.
func (c *Coordinator) Records(ctx context.Context, caseID, status string) ([]domain.SyncRecord, error) {
	return c.Repo.ListSyncRecords(ctx, caseID, status)
}

// Record returns one sync record with its error history.
func (c *Coordinator) Record(ctx context.Context, id string) (domain.SyncRecord, error) {
	return c.Repo.GetSyncRecord(ctx, id)
}

// Stats returns queue depth per status.
func (c *Coordinator) Stats(ctx context.Context) (map[string]int, error) {
	return c.Repo.CountSyncRecordsByStatus(ctx)
}
