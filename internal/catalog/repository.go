package catalog

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository reads parts master data from PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetPart returns a single part by id.
func (r *Repository) GetPart(ctx context.Context, partID int64) (Part, error) {
	var p Part
	err := r.pool.QueryRow(ctx,
		`SELECT id, part_number, name, unit_price FROM parts WHERE id=$1`, partID).
		Scan(&p.ID, &p.Number, &p.Name, &p.UnitPrice)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Part{}, ErrPartNotFound(partID)
		}
		return Part{}, err
	}
	return p, nil
}

// GetParts returns the parts for the given ids, keyed by id. Missing ids are
// simply absent from the result; callers decide whether that is an error.
func (r *Repository) GetParts(ctx context.Context, partIDs []int64) (map[int64]Part, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, part_number, name, unit_price FROM parts WHERE id = ANY($1)`, partIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	parts := make(map[int64]Part, len(partIDs))
	for rows.Next() {
		var p Part
		if err := rows.Scan(&p.ID, &p.Number, &p.Name, &p.UnitPrice); err != nil {
			return nil, err
		}
		parts[p.ID] = p
	}
	return parts, rows.Err()
}

// ListParts returns the catalog ordered by part number.
func (r *Repository) ListParts(ctx context.Context, limit, offset int) ([]Part, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM parts`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, part_number, name, unit_price FROM parts ORDER BY part_number LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var parts []Part
	for rows.Next() {
		var p Part
		if err := rows.Scan(&p.ID, &p.Number, &p.Name, &p.UnitPrice); err != nil {
			return nil, 0, err
		}
		parts = append(parts, p)
	}
	return parts, total, rows.Err()
}
