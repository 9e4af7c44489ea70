package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/shopspring/decimal"

	"reportline/internal/domain"
)

const paymentColumns = `id,batch_id,tenant_id,amount,status,external_payment_id,method,paid_at,created_at,updated_at`

func scanPayment(row rowScanner) (domain.PaymentRecord, error) {
	var p domain.PaymentRecord
	var amount string
	var external, method, paidAt sql.NullString
	err := row.Scan(&p.ID, &p.BatchID, &p.TenantID, &amount, &p.Status, &external, &method, &paidAt, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return p, err
	}
	p.ExternalPaymentID = stringPtr(external)
	p.Method = stringPtr(method)
	p.PaidAt = stringPtr(paidAt)
	return p, nil
}

func (r Repo) InsertPaymentTx(ctx context.Context, tx *sql.Tx, p domain.PaymentRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO payments(id,batch_id,tenant_id,amount,status,external_payment_id,method,paid_at,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.BatchID, p.TenantID, p.Amount.StringFixed(2), p.Status, nullableStringPtr(p.ExternalPaymentID),
		nullableStringPtr(p.Method), nullableStringPtr(p.PaidAt), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetPayment(ctx context.Context, id string) (domain.PaymentRecord, error) {
	return r.GetPaymentTx(ctx, nil, id)
}

func (r Repo) GetPaymentTx(ctx context.Context, tx *sql.Tx, id string) (domain.PaymentRecord, error) {
	return scanPayment(r.q(tx).QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id=?`, id))
}

func (r Repo) ListPayments(ctx context.Context, batchID string) ([]domain.PaymentRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE batch_id=? ORDER BY created_at, id`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PaymentRecord
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// MarkPaymentPaidTx moves a pending payment to paid.
func (r Repo) MarkPaymentPaidTx(ctx context.Context, tx *sql.Tx, id, externalID, method, paidAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE payments SET status=?, external_payment_id=COALESCE(?, external_payment_id), method=?, paid_at=?, updated_at=? WHERE id=? AND status=?`,
		domain.PaymentPaid, nullable(externalID), method, paidAt, paidAt, id, domain.PaymentPending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
