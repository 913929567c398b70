package repo

import (
	"context"
	"database/sql"

	"conveyor/internal/domain"
)

func (r Repo) UpsertProfessional(ctx context.Context, p domain.Professional) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO professionals(id,name,role,active) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, role=excluded.role, active=excluded.active`,
		p.ID, p.Name, p.Role, boolToInt(p.Active))
	return err
}

func (r Repo) GetProfessional(ctx context.Context, id string) (domain.Professional, error) {
	var p domain.Professional
	var active int
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,role,active FROM professionals WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &p.Role, &active)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	p.Active = active != 0
	return p, err
}

func (r Repo) ListProfessionals(ctx context.Context, role string) ([]domain.Professional, error) {
	query := `SELECT id,name,role,active FROM professionals`
	var args []any
	if role != "" {
		query += ` WHERE role=?`
		args = append(args, role)
	}
	query += ` ORDER BY name`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Professional
	for rows.Next() {
		var p domain.Professional
		var active int
		if err := rows.Scan(&p.ID, &p.Name, &p.Role, &active); err != nil {
			return nil, err
		}
		p.Active = active != 0
		res = append(res, p)
	}
	return res, rows.Err()
}

// FirstActiveByRole picks the first active professional for a role, by name.
// Assignment is deterministic so repeated instantiations agree.
func (r Repo) FirstActiveByRole(ctx context.Context, tx *sql.Tx, role string) (domain.Professional, error) {
	var p domain.Professional
	var active int
	err := tx.QueryRowContext(ctx, `SELECT id,name,role,active FROM professionals WHERE role=? AND active=1 ORDER BY name LIMIT 1`, role).
		Scan(&p.ID, &p.Name, &p.Role, &active)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	p.Active = active != 0
	return p, err
}
