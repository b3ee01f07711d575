package purchase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/partshub/partshub/internal/platform/db"
	"github.com/partshub/partshub/internal/platform/httpx"
)

// RepositoryPort is the persistence contract for purchase orders.
type RepositoryPort interface {
	Get(ctx context.Context, id int64) (PurchaseOrder, error)
	List(ctx context.Context, f Filter) ([]PurchaseOrder, int, error)
	WithTx(ctx context.Context, fn func(ctx context.Context, tx TxRepository) error) error
}

// TxRepository is the contract inside a purchase order transaction.
type TxRepository interface {
	GetForUpdate(ctx context.Context, id int64) (PurchaseOrder, error)
	Insert(ctx context.Context, po *PurchaseOrder) error
	UpdateStatus(ctx context.Context, id int64, from, to Status, rejectReason string, decidedBy int64) error
	SaveItemQuantities(ctx context.Context, item Item) error
	NextNumber(ctx context.Context, period string) (int, error)
}

// Filter narrows purchase order listings.
type Filter struct {
	ServiceCenterID int64
	Status          Status
	Limit           int
	Offset          int
}

// Repository is the PostgreSQL implementation of RepositoryPort.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const orderColumns = `id, po_number, service_center_id, requested_by, priority, status,
	COALESCE(notes,''), COALESCE(reject_reason,''),
	COALESCE(approved_by,0), approved_at, COALESCE(rejected_by,0), rejected_at,
	created_at, updated_at`

func scanOrder(row pgx.Row) (PurchaseOrder, error) {
	var po PurchaseOrder
	err := row.Scan(&po.ID, &po.Number, &po.ServiceCenterID, &po.RequestedBy, &po.Priority, &po.Status,
		&po.Notes, &po.RejectReason,
		&po.ApprovedBy, &po.ApprovedAt, &po.RejectedBy, &po.RejectedAt,
		&po.CreatedAt, &po.UpdatedAt)
	return po, err
}

func (r *Repository) loadItems(ctx context.Context, q interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}, po *PurchaseOrder) error {
	rows, err := q.Query(ctx,
		`SELECT i.id, i.part_id, p.part_number, p.name, i.requested_qty, i.approved_qty, i.issued_qty, i.unit_price
		   FROM purchase_order_items i
		   JOIN parts p ON p.id = i.part_id
		  WHERE i.po_id=$1 ORDER BY i.id`, po.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.ID, &item.PartID, &item.PartNumber, &item.PartName,
			&item.RequestedQty, &item.ApprovedQty, &item.IssuedQty, &item.UnitPrice); err != nil {
			return err
		}
		po.Items = append(po.Items, item)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	po.Recompute()
	return nil
}

// Get loads one purchase order with its items.
func (r *Repository) Get(ctx context.Context, id int64) (PurchaseOrder, error) {
	po, err := scanOrder(r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM purchase_orders WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PurchaseOrder{}, errOrderNotFound(id)
		}
		return PurchaseOrder{}, fmt.Errorf("purchase: get order: %w", err)
	}
	if err := r.loadItems(ctx, r.pool, &po); err != nil {
		return PurchaseOrder{}, fmt.Errorf("purchase: load items: %w", err)
	}
	return po, nil
}

// List returns purchase orders matching the filter, newest first.
func (r *Repository) List(ctx context.Context, f Filter) ([]PurchaseOrder, int, error) {
	where := ` WHERE ($1::bigint = 0 OR service_center_id=$1) AND ($2 = '' OR status=$2)`
	args := []any{f.ServiceCenterID, string(f.Status)}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM purchase_orders`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM purchase_orders`+where+` ORDER BY created_at DESC, id DESC LIMIT $3 OFFSET $4`,
		append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("purchase: list orders: %w", err)
	}
	defer rows.Close()

	var orders []PurchaseOrder
	for rows.Next() {
		po, err := scanOrder(rows)
		if err != nil {
			return nil, 0, err
		}
		orders = append(orders, po)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	for i := range orders {
		if err := r.loadItems(ctx, r.pool, &orders[i]); err != nil {
			return nil, 0, err
		}
	}
	return orders, total, nil
}

// WithTx runs fn against a transactional view of purchase orders.
func (r *Repository) WithTx(ctx context.Context, fn func(ctx context.Context, tx TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx, repo: r})
	})
}

type txRepository struct {
	tx   pgx.Tx
	repo *Repository
}

// GetForUpdate loads and locks one purchase order with its items.
func (r *txRepository) GetForUpdate(ctx context.Context, id int64) (PurchaseOrder, error) {
	po, err := scanOrder(r.tx.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM purchase_orders WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PurchaseOrder{}, errOrderNotFound(id)
		}
		return PurchaseOrder{}, fmt.Errorf("purchase: lock order: %w", err)
	}
	if err := r.repo.loadItems(ctx, r.tx, &po); err != nil {
		return PurchaseOrder{}, fmt.Errorf("purchase: load items: %w", err)
	}
	return po, nil
}

// Insert stores a new order and its items, assigning generated ids.
func (r *txRepository) Insert(ctx context.Context, po *PurchaseOrder) error {
	now := time.Now().UTC()
	err := r.tx.QueryRow(ctx,
		`INSERT INTO purchase_orders (po_number, service_center_id, requested_by, priority, status, notes, total_amount, created_at, updated_at)
		      VALUES ($1, $2, $3, $4, $5, NULLIF($6,''), $7, $8, $8)
		  RETURNING id`,
		po.Number, po.ServiceCenterID, po.RequestedBy, po.Priority, po.Status, po.Notes, po.TotalAmount, now).Scan(&po.ID)
	if err != nil {
		return fmt.Errorf("purchase: insert order: %w", err)
	}
	po.CreatedAt = now
	po.UpdatedAt = now

	for i := range po.Items {
		item := &po.Items[i]
		err := r.tx.QueryRow(ctx,
			`INSERT INTO purchase_order_items (po_id, part_id, requested_qty, approved_qty, issued_qty, unit_price)
			      VALUES ($1, $2, $3, $4, $5, $6)
			  RETURNING id`,
			po.ID, item.PartID, item.RequestedQty, item.ApprovedQty, item.IssuedQty, item.UnitPrice).Scan(&item.ID)
		if err != nil {
			return fmt.Errorf("purchase: insert item: %w", err)
		}
	}
	return nil
}

// UpdateStatus moves an order from one status to another, stamping the
// deciding actor on approval or rejection. The from status is re-checked in
// the UPDATE so a concurrent decision loses cleanly.
func (r *txRepository) UpdateStatus(ctx context.Context, id int64, from, to Status, rejectReason string, decidedBy int64) error {
	tag, err := r.tx.Exec(ctx,
		`UPDATE purchase_orders
		    SET status=$3,
		        reject_reason=NULLIF($4,''),
		        approved_by=CASE WHEN $3='APPROVED' THEN NULLIF($5::bigint,0) ELSE approved_by END,
		        approved_at=CASE WHEN $3='APPROVED' THEN NOW() ELSE approved_at END,
		        rejected_by=CASE WHEN $3='REJECTED' THEN NULLIF($5::bigint,0) ELSE rejected_by END,
		        rejected_at=CASE WHEN $3='REJECTED' THEN NOW() ELSE rejected_at END,
		        updated_at=NOW()
		  WHERE id=$1 AND status=$2`,
		id, from, to, rejectReason, decidedBy)
	if err != nil {
		return fmt.Errorf("purchase: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errStatusChanged(id, from)
	}
	return nil
}

// SaveItemQuantities persists approved and issued quantities for one item.
func (r *txRepository) SaveItemQuantities(ctx context.Context, item Item) error {
	tag, err := r.tx.Exec(ctx,
		`UPDATE purchase_order_items SET approved_qty=$2, issued_qty=$3 WHERE id=$1`,
		item.ID, item.ApprovedQty, item.IssuedQty)
	if err != nil {
		return fmt.Errorf("purchase: save item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("purchase order item %d: %w", item.ID, httpx.ErrNotFound)
	}
	return nil
}

// NextNumber increments and returns the per-period order counter.
func (r *txRepository) NextNumber(ctx context.Context, period string) (int, error) {
	var counter int
	err := r.tx.QueryRow(ctx,
		`INSERT INTO po_counters (period, counter) VALUES ($1, 1)
		 ON CONFLICT (period) DO UPDATE SET counter = po_counters.counter + 1
		  RETURNING counter`, period).Scan(&counter)
	if err != nil {
		return 0, fmt.Errorf("purchase: next number: %w", err)
	}
	return counter, nil
}
