package stock

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/partshub/partshub/internal/platform/db"
)

// RepositoryPort is the persistence contract the ledger service depends on.
type RepositoryPort interface {
	GetEntry(ctx context.Context, partID int64) (StockEntry, error)
	ListEntries(ctx context.Context, f EntryFilter) ([]StockEntry, int, error)
	ListAdjustments(ctx context.Context, f AdjustmentFilter) ([]Adjustment, int, error)
	SetThresholds(ctx context.Context, partID int64, min, max int) error
	WithTx(ctx context.Context, fn func(ctx context.Context, tx TxRepository) error) error
}

// TxRepository is the contract available inside a ledger transaction.
type TxRepository interface {
	GetEntryForUpdate(ctx context.Context, partID int64) (StockEntry, error)
	SaveQuantity(ctx context.Context, partID int64, quantity int) error
	InsertAdjustment(ctx context.Context, adj Adjustment) (int64, error)
}

// EntryFilter narrows ledger listings.
type EntryFilter struct {
	Status Status // empty matches all; applied after the read since status is derived
	Limit  int
	Offset int
}

// AdjustmentFilter narrows adjustment listings.
type AdjustmentFilter struct {
	PartID    int64 // 0 matches all parts
	Kind      AdjustmentKind
	RefNumber string
	Limit     int
	Offset    int
}

// Repository is the PostgreSQL implementation of RepositoryPort.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanEntry(row pgx.Row) (StockEntry, error) {
	var e StockEntry
	err := row.Scan(&e.PartID, &e.Quantity, &e.Location, &e.MinThreshold, &e.MaxThreshold, &e.UpdatedAt)
	return e, err
}

// GetEntry returns the ledger row for one part.
func (r *Repository) GetEntry(ctx context.Context, partID int64) (StockEntry, error) {
	e, err := scanEntry(r.pool.QueryRow(ctx,
		`SELECT part_id, quantity, location, min_threshold, max_threshold, updated_at
		   FROM stock_entries WHERE part_id=$1`, partID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StockEntry{}, errEntryNotFound(partID)
		}
		return StockEntry{}, fmt.Errorf("stock: get entry: %w", err)
	}
	return e, nil
}

// ListEntries returns ledger rows ordered by part id. A status filter is
// applied in memory because status is derived, never stored.
func (r *Repository) ListEntries(ctx context.Context, f EntryFilter) ([]StockEntry, int, error) {
	if f.Status != "" {
		// Derived filter cannot be pushed into SQL; read all rows and filter.
		rows, err := r.pool.Query(ctx,
			`SELECT part_id, quantity, location, min_threshold, max_threshold, updated_at
			   FROM stock_entries ORDER BY part_id`)
		if err != nil {
			return nil, 0, fmt.Errorf("stock: list entries: %w", err)
		}
		defer rows.Close()

		var matched []StockEntry
		for rows.Next() {
			e, err := scanEntry(rows)
			if err != nil {
				return nil, 0, err
			}
			if e.Status() == f.Status {
				matched = append(matched, e)
			}
		}
		if err := rows.Err(); err != nil {
			return nil, 0, err
		}
		total := len(matched)
		start := min(f.Offset, total)
		end := total
		if f.Limit > 0 {
			end = min(start+f.Limit, total)
		}
		return matched[start:end], total, nil
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM stock_entries`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx,
		`SELECT part_id, quantity, location, min_threshold, max_threshold, updated_at
		   FROM stock_entries ORDER BY part_id LIMIT $1 OFFSET $2`,
		nullLimit(f.Limit), f.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("stock: list entries: %w", err)
	}
	defer rows.Close()

	var entries []StockEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}

// ListAdjustments returns audit records, newest first.
func (r *Repository) ListAdjustments(ctx context.Context, f AdjustmentFilter) ([]Adjustment, int, error) {
	where := ` WHERE ($1::bigint = 0 OR part_id=$1)
	             AND ($2 = '' OR kind=$2)
	             AND ($3 = '' OR ref_number=$3)`
	args := []any{f.PartID, string(f.Kind), f.RefNumber}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM stock_adjustments`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, part_id, kind, delta, qty_before, qty_after, actor_id, reason, COALESCE(ref_number,''), created_at
		   FROM stock_adjustments`+where+` ORDER BY created_at DESC, id DESC LIMIT $4 OFFSET $5`,
		append(args, nullLimit(f.Limit), f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("stock: list adjustments: %w", err)
	}
	defer rows.Close()

	var adjustments []Adjustment
	for rows.Next() {
		var a Adjustment
		if err := rows.Scan(&a.ID, &a.PartID, &a.Kind, &a.Delta, &a.Before, &a.After,
			&a.ActorID, &a.Reason, &a.RefNumber, &a.CreatedAt); err != nil {
			return nil, 0, err
		}
		adjustments = append(adjustments, a)
	}
	return adjustments, total, rows.Err()
}

// SetThresholds updates the low/high watermarks for a part, creating the
// ledger row with zero quantity when it does not exist yet.
func (r *Repository) SetThresholds(ctx context.Context, partID int64, minThreshold, maxThreshold int) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO stock_entries (part_id, quantity, min_threshold, max_threshold, updated_at)
		      VALUES ($1, 0, $2, $3, NOW())
		 ON CONFLICT (part_id) DO UPDATE
		        SET min_threshold=EXCLUDED.min_threshold,
		            max_threshold=EXCLUDED.max_threshold,
		            updated_at=NOW()`,
		partID, minThreshold, maxThreshold)
	if err != nil {
		return fmt.Errorf("stock: set thresholds: %w", err)
	}
	return nil
}

// WithTx runs fn against a transactional view of the ledger.
func (r *Repository) WithTx(ctx context.Context, fn func(ctx context.Context, tx TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

type txRepository struct {
	tx pgx.Tx
}

// GetEntryForUpdate locks the ledger row for the duration of the transaction.
func (r *txRepository) GetEntryForUpdate(ctx context.Context, partID int64) (StockEntry, error) {
	e, err := scanEntry(r.tx.QueryRow(ctx,
		`SELECT part_id, quantity, location, min_threshold, max_threshold, updated_at
		   FROM stock_entries WHERE part_id=$1 FOR UPDATE`, partID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StockEntry{}, errEntryNotFound(partID)
		}
		return StockEntry{}, fmt.Errorf("stock: lock entry: %w", err)
	}
	return e, nil
}

func (r *txRepository) SaveQuantity(ctx context.Context, partID int64, quantity int) error {
	tag, err := r.tx.Exec(ctx,
		`UPDATE stock_entries SET quantity=$2, updated_at=NOW() WHERE part_id=$1`, partID, quantity)
	if err != nil {
		return fmt.Errorf("stock: save quantity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errEntryNotFound(partID)
	}
	return nil
}

func (r *txRepository) InsertAdjustment(ctx context.Context, adj Adjustment) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx,
		`INSERT INTO stock_adjustments (part_id, kind, delta, qty_before, qty_after, actor_id, reason, ref_number, created_at)
		      VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8,''), NOW())
		  RETURNING id`,
		adj.PartID, adj.Kind, adj.Delta, adj.Before, adj.After, adj.ActorID, adj.Reason, adj.RefNumber).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("stock: insert adjustment: %w", err)
	}
	return id, nil
}

func nullLimit(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
