package issues

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/partshub/partshub/internal/platform/db"
)

// RepositoryPort is the persistence contract for parts issues.
type RepositoryPort interface {
	Get(ctx context.Context, id int64) (PartsIssue, error)
	List(ctx context.Context, f Filter) ([]PartsIssue, int, error)
	SumDispatchedByPart(ctx context.Context, purchaseOrderID int64) (map[int64]int, error)
	WithTx(ctx context.Context, fn func(ctx context.Context, tx TxRepository) error) error
}

// TxRepository is the contract inside a parts issue transaction.
type TxRepository interface {
	GetForUpdate(ctx context.Context, id int64) (PartsIssue, error)
	Insert(ctx context.Context, pi *PartsIssue) error
	UpdateStatus(ctx context.Context, id int64, from, to Status, reason string, actorID int64) error
	SaveItemQuantities(ctx context.Context, item Item) error
	SumDispatchedByPart(ctx context.Context, purchaseOrderID int64) (map[int64]int, error)
	NextNumber(ctx context.Context, period string) (int, error)
}

// Filter narrows issue listings.
type Filter struct {
	PurchaseOrderID int64
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

const issueColumns = `id, issue_number, COALESCE(po_id,0), service_center_id, status,
	COALESCE(notes,''), COALESCE(reject_reason,''), COALESCE(cancel_reason,''),
	COALESCE(approved_by,0), approved_at, COALESCE(dispatched_by,0), dispatched_at,
	COALESCE(received_by,0), received_at, created_at, updated_at`

func scanIssue(row pgx.Row) (PartsIssue, error) {
	var pi PartsIssue
	err := row.Scan(&pi.ID, &pi.Number, &pi.PurchaseOrderID, &pi.ServiceCenterID, &pi.Status,
		&pi.Notes, &pi.RejectReason, &pi.CancelReason,
		&pi.ApprovedBy, &pi.ApprovedAt, &pi.DispatchedBy, &pi.DispatchedAt,
		&pi.ReceivedBy, &pi.ReceivedAt, &pi.CreatedAt, &pi.UpdatedAt)
	return pi, err
}

func (r *Repository) loadItems(ctx context.Context, q interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}, pi *PartsIssue) error {
	rows, err := q.Query(ctx,
		`SELECT i.id, i.part_id, p.part_number, p.name, i.quantity, i.approved_qty, i.received_qty, i.unit_price
		   FROM parts_issue_items i
		   JOIN parts p ON p.id = i.part_id
		  WHERE i.issue_id=$1 ORDER BY i.id`, pi.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.ID, &item.PartID, &item.PartNumber, &item.PartName,
			&item.Quantity, &item.ApprovedQty, &item.ReceivedQty, &item.UnitPrice); err != nil {
			return err
		}
		pi.Items = append(pi.Items, item)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	pi.Recompute()
	return nil
}

// Get loads one issue with its items.
func (r *Repository) Get(ctx context.Context, id int64) (PartsIssue, error) {
	pi, err := scanIssue(r.pool.QueryRow(ctx,
		`SELECT `+issueColumns+` FROM parts_issues WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PartsIssue{}, errIssueNotFound(id)
		}
		return PartsIssue{}, fmt.Errorf("issues: get: %w", err)
	}
	if err := r.loadItems(ctx, r.pool, &pi); err != nil {
		return PartsIssue{}, fmt.Errorf("issues: load items: %w", err)
	}
	return pi, nil
}

// List returns issues matching the filter, newest first.
func (r *Repository) List(ctx context.Context, f Filter) ([]PartsIssue, int, error) {
	where := ` WHERE ($1::bigint = 0 OR po_id=$1)
	             AND ($2::bigint = 0 OR service_center_id=$2)
	             AND ($3 = '' OR status=$3)`
	args := []any{f.PurchaseOrderID, f.ServiceCenterID, string(f.Status)}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM parts_issues`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+issueColumns+` FROM parts_issues`+where+` ORDER BY created_at DESC, id DESC LIMIT $4 OFFSET $5`,
		append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("issues: list: %w", err)
	}
	defer rows.Close()

	var issues []PartsIssue
	for rows.Next() {
		pi, err := scanIssue(rows)
		if err != nil {
			return nil, 0, err
		}
		issues = append(issues, pi)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	for i := range issues {
		if err := r.loadItems(ctx, r.pool, &issues[i]); err != nil {
			return nil, 0, err
		}
	}
	return issues, total, nil
}

// SumDispatchedByPart totals approved quantities per part across all of a
// purchase order's dispatched or received issues.
func (r *Repository) SumDispatchedByPart(ctx context.Context, purchaseOrderID int64) (map[int64]int, error) {
	return sumDispatchedByPart(ctx, r.pool, purchaseOrderID)
}

func sumDispatchedByPart(ctx context.Context, q interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}, purchaseOrderID int64) (map[int64]int, error) {
	rows, err := q.Query(ctx,
		`SELECT i.part_id, SUM(i.approved_qty)
		   FROM parts_issue_items i
		   JOIN parts_issues pi ON pi.id = i.issue_id
		  WHERE pi.po_id=$1 AND pi.status IN ($2, $3)
		  GROUP BY i.part_id`,
		purchaseOrderID, StatusIssued, StatusReceived)
	if err != nil {
		return nil, fmt.Errorf("issues: sum dispatched: %w", err)
	}
	defer rows.Close()

	sums := make(map[int64]int)
	for rows.Next() {
		var partID int64
		var qty int
		if err := rows.Scan(&partID, &qty); err != nil {
			return nil, err
		}
		sums[partID] = qty
	}
	return sums, rows.Err()
}

// WithTx runs fn against a transactional view of parts issues.
func (r *Repository) WithTx(ctx context.Context, fn func(ctx context.Context, tx TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx, repo: r})
	})
}

type txRepository struct {
	tx   pgx.Tx
	repo *Repository
}

// GetForUpdate loads and locks one issue with its items.
func (r *txRepository) GetForUpdate(ctx context.Context, id int64) (PartsIssue, error) {
	pi, err := scanIssue(r.tx.QueryRow(ctx,
		`SELECT `+issueColumns+` FROM parts_issues WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PartsIssue{}, errIssueNotFound(id)
		}
		return PartsIssue{}, fmt.Errorf("issues: lock: %w", err)
	}
	if err := r.repo.loadItems(ctx, r.tx, &pi); err != nil {
		return PartsIssue{}, fmt.Errorf("issues: load items: %w", err)
	}
	return pi, nil
}

// Insert stores a new issue and its items, assigning generated ids.
func (r *txRepository) Insert(ctx context.Context, pi *PartsIssue) error {
	now := time.Now().UTC()
	err := r.tx.QueryRow(ctx,
		`INSERT INTO parts_issues (issue_number, po_id, service_center_id, status, notes, total_amount, created_at, updated_at)
		      VALUES ($1, NULLIF($2::bigint,0), $3, $4, NULLIF($5,''), $6, $7, $7)
		  RETURNING id`,
		pi.Number, pi.PurchaseOrderID, pi.ServiceCenterID, pi.Status, pi.Notes, pi.TotalAmount, now).Scan(&pi.ID)
	if err != nil {
		return fmt.Errorf("issues: insert: %w", err)
	}
	pi.CreatedAt = now
	pi.UpdatedAt = now

	for i := range pi.Items {
		item := &pi.Items[i]
		err := r.tx.QueryRow(ctx,
			`INSERT INTO parts_issue_items (issue_id, part_id, quantity, approved_qty, received_qty, unit_price)
			      VALUES ($1, $2, $3, $4, $5, $6)
			  RETURNING id`,
			pi.ID, item.PartID, item.Quantity, item.ApprovedQty, item.ReceivedQty, item.UnitPrice).Scan(&item.ID)
		if err != nil {
			return fmt.Errorf("issues: insert item: %w", err)
		}
	}
	return nil
}

// UpdateStatus moves an issue between states, re-checking the current state
// in the UPDATE so a concurrent transition loses cleanly. The reason lands in
// reject_reason or cancel_reason depending on the target state, and approval,
// dispatch and receipt stamp the acting actor and time.
func (r *txRepository) UpdateStatus(ctx context.Context, id int64, from, to Status, reason string, actorID int64) error {
	column := "reject_reason"
	if to == StatusCancelled {
		column = "cancel_reason"
	}
	tag, err := r.tx.Exec(ctx,
		`UPDATE parts_issues
		    SET status=$3, `+column+`=NULLIF($4,''),
		        approved_by=CASE WHEN $3='ADMIN_APPROVED' THEN NULLIF($5::bigint,0) ELSE approved_by END,
		        approved_at=CASE WHEN $3='ADMIN_APPROVED' THEN NOW() ELSE approved_at END,
		        dispatched_by=CASE WHEN $3='ISSUED' THEN NULLIF($5::bigint,0) ELSE dispatched_by END,
		        dispatched_at=CASE WHEN $3='ISSUED' THEN NOW() ELSE dispatched_at END,
		        received_by=CASE WHEN $3='RECEIVED' THEN NULLIF($5::bigint,0) ELSE received_by END,
		        received_at=CASE WHEN $3='RECEIVED' THEN NOW() ELSE received_at END,
		        updated_at=NOW()
		  WHERE id=$1 AND status=$2`,
		id, from, to, reason, actorID)
	if err != nil {
		return fmt.Errorf("issues: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errTransition(id, from, to)
	}
	return nil
}

// SaveItemQuantities persists approved and received quantities for one item.
func (r *txRepository) SaveItemQuantities(ctx context.Context, item Item) error {
	tag, err := r.tx.Exec(ctx,
		`UPDATE parts_issue_items SET approved_qty=$2, received_qty=$3 WHERE id=$1`,
		item.ID, item.ApprovedQty, item.ReceivedQty)
	if err != nil {
		return fmt.Errorf("issues: save item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errIssueNotFound(item.ID)
	}
	return nil
}

// SumDispatchedByPart totals dispatched quantities inside the transaction, so
// a dispatch can check the order ceiling against a consistent view.
func (r *txRepository) SumDispatchedByPart(ctx context.Context, purchaseOrderID int64) (map[int64]int, error) {
	return sumDispatchedByPart(ctx, r.tx, purchaseOrderID)
}

// NextNumber increments and returns the per-period issue counter.
func (r *txRepository) NextNumber(ctx context.Context, period string) (int, error) {
	var counter int
	err := r.tx.QueryRow(ctx,
		`INSERT INTO issue_counters (period, counter) VALUES ($1, 1)
		 ON CONFLICT (period) DO UPDATE SET counter = issue_counters.counter + 1
		  RETURNING counter`, period).Scan(&counter)
	if err != nil {
		return 0, fmt.Errorf("issues: next number: %w", err)
	}
	return counter, nil
}
