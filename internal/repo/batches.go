package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"reportline/internal/domain"
	"reportline/internal/lifecycle"
)

const batchColumns = `id,tenant_id,COALESCE(title,''),status,total_evaluations,completed_count,deactivated_count,payment_status,payment_method,paid_at,created_by,created_at,updated_at,concluded_at,emission_requested_at,emission_requested_by,issued_at,finalized_at,cancelled_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (domain.Batch, error) {
	var b domain.Batch
	var method, paidAt, concluded, requested, requestedBy, issued, finalized, cancelled sql.NullString
	err := row.Scan(&b.ID, &b.TenantID, &b.Title, &b.Status, &b.TotalEvaluations, &b.CompletedCount, &b.DeactivatedCount,
		&b.PaymentStatus, &method, &paidAt, &b.CreatedBy, &b.CreatedAt, &b.UpdatedAt,
		&concluded, &requested, &requestedBy, &issued, &finalized, &cancelled)
	if errors.Is(err, sql.ErrNoRows) {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	b.PaymentMethod = stringPtr(method)
	b.PaidAt = stringPtr(paidAt)
	b.ConcludedAt = stringPtr(concluded)
	b.EmissionRequestedAt = stringPtr(requested)
	b.EmissionRequestedBy = stringPtr(requestedBy)
	b.IssuedAt = stringPtr(issued)
	b.FinalizedAt = stringPtr(finalized)
	b.CancelledAt = stringPtr(cancelled)
	return b, nil
}

func (r Repo) InsertBatchTx(ctx context.Context, tx *sql.Tx, b domain.Batch) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO batches(id,tenant_id,title,status,payment_status,created_by,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		b.ID, b.TenantID, nullable(b.Title), b.Status, b.PaymentStatus, b.CreatedBy, b.CreatedAt, b.UpdatedAt)
	return err
}

func (r Repo) GetBatch(ctx context.Context, id string) (domain.Batch, error) {
	return r.GetBatchTx(ctx, nil, id)
}

func (r Repo) GetBatchTx(ctx context.Context, tx *sql.Tx, id string) (domain.Batch, error) {
	return scanBatch(r.q(tx).QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id=?`, id))
}

type BatchFilter struct {
	TenantID string
	Status   string
	Limit    int
}

func (r Repo) ListBatches(ctx context.Context, f BatchFilter) ([]domain.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE 1=1`
	var args []any
	if f.TenantID != "" {
		query += " AND tenant_id=?"
		args = append(args, f.TenantID)
	}
	if f.Status != "" {
		query += " AND status=?"
		args = append(args, f.Status)
	}
	query += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// BatchUpdate lists the columns to change. Nil fields are left untouched.
type BatchUpdate struct {
	Status              *string
	Counts              *lifecycle.Counts
	PaymentStatus       *string
	PaymentMethod       *string
	PaidAt              *string
	ConcludedAt         *string
	EmissionRequestedAt *string
	EmissionRequestedBy *string
	IssuedAt            *string
	FinalizedAt         *string
	CancelledAt         *string
}

// UpdateBatchTx applies u. When expectStatus is set the row is only updated
// if its status still matches, and ErrNotFound is returned otherwise.
func (r Repo) UpdateBatchTx(ctx context.Context, tx *sql.Tx, id, expectStatus, now string, u BatchUpdate) error {
	var (
		fields []string
		args   []any
	)
	set := func(col string, v *string) {
		if v != nil {
			fields = append(fields, col+"=?")
			args = append(args, *v)
		}
	}
	set("status", u.Status)
	if u.Counts != nil {
		fields = append(fields, "total_evaluations=?", "completed_count=?", "deactivated_count=?")
		args = append(args, u.Counts.Total, u.Counts.Completed, u.Counts.Deactivated)
	}
	set("payment_status", u.PaymentStatus)
	set("payment_method", u.PaymentMethod)
	set("paid_at", u.PaidAt)
	set("concluded_at", u.ConcludedAt)
	set("emission_requested_at", u.EmissionRequestedAt)
	set("emission_requested_by", u.EmissionRequestedBy)
	set("issued_at", u.IssuedAt)
	set("finalized_at", u.FinalizedAt)
	set("cancelled_at", u.CancelledAt)
	if len(fields) == 0 {
		return nil
	}
	fields = append(fields, "updated_at=?")
	args = append(args, now)
	query := fmt.Sprintf(`UPDATE batches SET %s WHERE id=?`, strings.Join(fields, ","))
	args = append(args, id)
	if expectStatus != "" {
		query += " AND status=?"
		args = append(args, expectStatus)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
