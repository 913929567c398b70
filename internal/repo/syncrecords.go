package repo

import (
	"context"
	"database/sql"

	"conveyor/internal/domain"
)

const syncColumns = `id,case_id,direction,kind,status,payload_json,retry_count,next_retry_at,last_sync_at,created_at,updated_at`

func scanSyncRecord(scan func(dest ...any) error) (domain.SyncRecord, error) {
	var rec domain.SyncRecord
	var nextRetryAt, lastSyncAt sql.NullString
	err := scan(&rec.ID, &rec.CaseID, &rec.Direction, &rec.Kind, &rec.Status, &rec.PayloadJSON,
		&rec.RetryCount, &nextRetryAt, &lastSyncAt, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return rec, err
	}
	if nextRetryAt.Valid {
		rec.NextRetryAt = &nextRetryAt.String
	}
	if lastSyncAt.Valid {
		rec.LastSyncAt = &lastSyncAt.String
	}
	return rec, nil
}

func (r Repo) InsertSyncRecord(ctx context.Context, tx *sql.Tx, rec domain.SyncRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sync_records(`+syncColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.CaseID, rec.Direction, rec.Kind, rec.Status, rec.PayloadJSON,
		rec.RetryCount, nullableStringPtr(rec.NextRetryAt), nullableStringPtr(rec.LastSyncAt),
		rec.CreatedAt, rec.UpdatedAt)
	return err
}

func (r Repo) GetSyncRecord(ctx context.Context, id string) (domain.SyncRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+syncColumns+` FROM sync_records WHERE id=?`, id)
	rec, err := scanSyncRecord(row.Scan)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	rec.Errors, err = r.listSyncErrors(ctx, rec.ID)
	return rec, err
}

func (r Repo) listSyncErrors(ctx context.Context, recordID string) ([]domain.SyncError, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,sync_record_id,ts,kind,message FROM sync_errors WHERE sync_record_id=? ORDER BY id`, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var errs []domain.SyncError
	for rows.Next() {
		var e domain.SyncError
		if err := rows.Scan(&e.ID, &e.SyncRecordID, &e.TS, &e.Kind, &e.Message); err != nil {
			return nil, err
		}
		errs = append(errs, e)
	}
	return errs, rows.Err()
}

func (r Repo) ListSyncRecords(ctx context.Context, caseID, status string) ([]domain.SyncRecord, error) {
	query := `SELECT ` + syncColumns + ` FROM sync_records WHERE 1=1`
	var args []any
	if caseID != "" {
		query += ` AND case_id=?`
		args = append(args, caseID)
	}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SyncRecord
	for rows.Next() {
		rec, err := scanSyncRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// DueSyncRecords returns records ready for an attempt: pending records, plus
// retry_scheduled records whose backoff deadline has passed. Order preserves
// enqueue order so per-case delivery stays sequential.
func (r Repo) DueSyncRecords(ctx context.Context, now string, limit int) ([]domain.SyncRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+syncColumns+` FROM sync_records
WHERE status=? OR (status=? AND next_retry_at<=?)
ORDER BY created_at ASC, id ASC LIMIT ?`,
		domain.SyncPending, domain.SyncRetryScheduled, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SyncRecord
	for rows.Next() {
		rec, err := scanSyncRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// ClaimSyncRecord moves a record into in_progress, but only from a claimable
// state. Returns false if another worker already took it.
func (r Repo) ClaimSyncRecord(ctx context.Context, id, updatedAt string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE sync_records SET status=?, updated_at=? WHERE id=? AND status IN (?,?)`,
		domain.SyncInProgress, updatedAt, id, domain.SyncPending, domain.SyncRetryScheduled)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) MarkSyncCompleted(ctx context.Context, tx *sql.Tx, id, syncedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE sync_records SET status=?, last_sync_at=?, next_retry_at=NULL, updated_at=? WHERE id=?`,
		domain.SyncCompleted, syncedAt, syncedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ScheduleSyncRetry(ctx context.Context, tx *sql.Tx, id string, retryCount int, nextRetryAt, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE sync_records SET status=?, retry_count=?, next_retry_at=?, updated_at=? WHERE id=?`,
		domain.SyncRetryScheduled, retryCount, nextRetryAt, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) MarkSyncFailed(ctx context.Context, tx *sql.Tx, id string, retryCount int, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE sync_records SET status=?, retry_count=?, next_retry_at=NULL, updated_at=? WHERE id=?`,
		domain.SyncFailed, retryCount, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) AppendSyncError(ctx context.Context, tx *sql.Tx, recordID, ts, kind, message string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO sync_errors(sync_record_id,ts,kind,message) VALUES (?,?,?,?)`,
		recordID, ts, kind, message)
	return err
}

// DrainCaseSyncRecords fails every pending or scheduled record for a case.
// Used when a case leaves the active lifecycle.
func (r Repo) DrainCaseSyncRecords(ctx context.Context, tx *sql.Tx, caseID, updatedAt string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE sync_records SET status=?, next_retry_at=NULL, updated_at=? WHERE case_id=? AND status IN (?,?)`,
		domain.SyncFailed, updatedAt, caseID, domain.SyncPending, domain.SyncRetryScheduled)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PurgeCompletedSyncRecords deletes completed records older than the cutoff.
func (r Repo) PurgeCompletedSyncRecords(ctx context.Context, cutoff string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM sync_records WHERE status=? AND updated_at<?`, domain.SyncCompleted, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountSyncRecordsByStatus returns queue depth per status.
func (r Repo) CountSyncRecordsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM sync_records GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// CaseHasEarlierActiveSync reports whether an older record for the same case
// is still pending, scheduled or mid-flight. Per-case ordering holds newer
// records back until earlier ones settle.
func (r Repo) CaseHasEarlierActiveSync(ctx context.Context, caseID, createdAt, id string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `
SELECT count(*) FROM sync_records
WHERE case_id=? AND status IN (?,?,?)
  AND (created_at<? OR (created_at=? AND id<?))`,
		caseID, domain.SyncPending, domain.SyncInProgress, domain.SyncRetryScheduled,
		createdAt, createdAt, id).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
