package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"conveyor/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertTransaction(ctx context.Context, tx *sql.Tx, t domain.Transaction) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO transactions(id,buyer_id,property_id,type,template_id,created_at) VALUES (?,?,?,?,?,?)`,
		t.ID, t.BuyerID, t.PropertyID, t.Type, nullable(t.TemplateID), t.CreatedAt)
	return err
}

func (r Repo) GetTransaction(ctx context.Context, id string) (domain.Transaction, error) {
	var t domain.Transaction
	var templateID sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,buyer_id,property_id,type,template_id,created_at FROM transactions WHERE id=?`, id).
		Scan(&t.ID, &t.BuyerID, &t.PropertyID, &t.Type, &templateID, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if templateID.Valid {
		t.TemplateID = templateID.String
	}
	return t, err
}

func (r Repo) SetTransactionTemplate(ctx context.Context, tx *sql.Tx, transactionID, templateID string) error {
	res, err := tx.ExecContext(ctx, `UPDATE transactions SET template_id=? WHERE id=?`, templateID, transactionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListTransactions(ctx context.Context) ([]domain.Transaction, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,buyer_id,property_id,type,template_id,created_at FROM transactions ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transaction
	for rows.Next() {
		var t domain.Transaction
		var templateID sql.NullString
		if err := rows.Scan(&t.ID, &t.BuyerID, &t.PropertyID, &t.Type, &templateID, &t.CreatedAt); err != nil {
			return nil, err
		}
		if templateID.Valid {
			t.TemplateID = templateID.String
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// LatestEventsFrom returns events newest first, optionally filtered and cursored.
func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, transactionID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if transactionID != "" {
		clauses = append(clauses, "transaction_id=?")
		args = append(args, transactionID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,transaction_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var transactionIDCol, entityIDCol, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &transactionIDCol, &e.EntityKind, &entityIDCol, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if transactionIDCol.Valid {
			e.TransactionID = transactionIDCol.String
		}
		if entityIDCol.Valid {
			e.EntityID = entityIDCol.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, transactionID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, transactionID, evtType, entityKind, entityID)
}

// NextCaseNumber allocates the next per-year case sequence inside tx.
func (r Repo) NextCaseNumber(ctx context.Context, tx *sql.Tx, year int) (int, error) {
	if _, err := tx.ExecContext(ctx, `INSERT INTO case_counters(year,seq) VALUES (?,0) ON CONFLICT(year) DO NOTHING`, year); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE case_counters SET seq=seq+1 WHERE year=?`, year); err != nil {
		return 0, err
	}
	var seq int
	if err := tx.QueryRowContext(ctx, `SELECT seq FROM case_counters WHERE year=?`, year).Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
