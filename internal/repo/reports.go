package repo

import (
	"context"
	"database/sql"
	"errors"

	"reportline/internal/domain"
)

func scanReport(row rowScanner) (domain.Report, error) {
	var rep domain.Report
	var hash, key, issuer, issuedAt sql.NullString
	var size sql.NullInt64
	err := row.Scan(&rep.ID, &rep.Status, &hash, &key, &size, &issuer, &issuedAt, &rep.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rep, ErrNotFound
	}
	if err != nil {
		return rep, err
	}
	rep.ContentHash = stringPtr(hash)
	rep.StorageKey = stringPtr(key)
	rep.SizeBytes = int64Ptr(size)
	rep.IssuerID = stringPtr(issuer)
	rep.IssuedAt = stringPtr(issuedAt)
	return rep, nil
}

// InsertReportTx inserts a report row. A concurrent insert for the same batch
// fails with a unique violation (see IsUniqueViolation).
func (r Repo) InsertReportTx(ctx context.Context, tx *sql.Tx, rep domain.Report) error {
	var size any
	if rep.SizeBytes != nil {
		size = *rep.SizeBytes
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO reports(id,status,content_hash,storage_key,size_bytes,issuer_id,issued_at,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		rep.ID, rep.Status, nullableStringPtr(rep.ContentHash), nullableStringPtr(rep.StorageKey), size,
		nullableStringPtr(rep.IssuerID), nullableStringPtr(rep.IssuedAt), rep.CreatedAt)
	return err
}

func (r Repo) GetReport(ctx context.Context, id string) (domain.Report, error) {
	return r.GetReportTx(ctx, nil, id)
}

func (r Repo) GetReportTx(ctx context.Context, tx *sql.Tx, id string) (domain.Report, error) {
	return scanReport(r.q(tx).QueryRowContext(ctx, `SELECT id,status,content_hash,storage_key,size_bytes,issuer_id,issued_at,created_at FROM reports WHERE id=?`, id))
}

// IssueReportTx moves a draft report to issued. It returns ErrNotFound when no
// draft row exists and ErrReportImmutable when the row is already issued.
func (r Repo) IssueReportTx(ctx context.Context, tx *sql.Tx, id, hash, storageKey string, size int64, issuerID, issuedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE reports SET status=?, content_hash=?, storage_key=?, size_bytes=?, issuer_id=?, issued_at=? WHERE id=? AND status=?`,
		domain.ReportIssued, hash, storageKey, size, issuerID, issuedAt, id, domain.ReportDraft)
	if err != nil {
		if isImmutableGuard(err) {
			return ErrReportImmutable
		}
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RewriteReportTx writes every mutable column without a status guard. The
// database trigger rejects it for issued reports.
func (r Repo) RewriteReportTx(ctx context.Context, tx *sql.Tx, rep domain.Report) error {
	var size any
	if rep.SizeBytes != nil {
		size = *rep.SizeBytes
	}
	res, err := tx.ExecContext(ctx, `UPDATE reports SET status=?, content_hash=?, storage_key=?, size_bytes=?, issuer_id=?, issued_at=? WHERE id=?`,
		rep.Status, nullableStringPtr(rep.ContentHash), nullableStringPtr(rep.StorageKey), size,
		nullableStringPtr(rep.IssuerID), nullableStringPtr(rep.IssuedAt), rep.ID)
	if err != nil {
		if isImmutableGuard(err) {
			return ErrReportImmutable
		}
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
