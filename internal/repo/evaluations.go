package repo

import (
	"context"
	"database/sql"
	"errors"

	"reportline/internal/domain"
	"reportline/internal/lifecycle"
)

func scanEvaluation(row rowScanner) (domain.Evaluation, error) {
	var e domain.Evaluation
	err := row.Scan(&e.ID, &e.BatchID, &e.SubjectID, &e.Status, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	return e, err
}

func (r Repo) InsertEvaluationTx(ctx context.Context, tx *sql.Tx, e domain.Evaluation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO evaluations(id,batch_id,subject_id,status,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		e.ID, e.BatchID, e.SubjectID, e.Status, e.CreatedAt, e.UpdatedAt)
	return err
}

func (r Repo) GetEvaluation(ctx context.Context, id string) (domain.Evaluation, error) {
	return r.GetEvaluationTx(ctx, nil, id)
}

func (r Repo) GetEvaluationTx(ctx context.Context, tx *sql.Tx, id string) (domain.Evaluation, error) {
	return scanEvaluation(r.q(tx).QueryRowContext(ctx, `SELECT id,batch_id,subject_id,status,created_at,updated_at FROM evaluations WHERE id=?`, id))
}

func (r Repo) ListEvaluations(ctx context.Context, batchID string) ([]domain.Evaluation, error) {
	return r.ListEvaluationsTx(ctx, nil, batchID)
}

func (r Repo) ListEvaluationsTx(ctx context.Context, tx *sql.Tx, batchID string) ([]domain.Evaluation, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,batch_id,subject_id,status,created_at,updated_at FROM evaluations WHERE batch_id=? ORDER BY created_at, id`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Evaluation
	for rows.Next() {
		e, err := scanEvaluation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// UpdateEvaluationStatusTx moves the evaluation only if it is still in from.
func (r Repo) UpdateEvaluationStatusTx(ctx context.Context, tx *sql.Tx, id, from, to, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE evaluations SET status=?, updated_at=? WHERE id=? AND status=?`, to, now, id, from)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountEvaluationsTx aggregates the evaluation statuses of a batch.
func (r Repo) CountEvaluationsTx(ctx context.Context, tx *sql.Tx, batchID string) (lifecycle.Counts, error) {
	var c lifecycle.Counts
	err := r.q(tx).QueryRowContext(ctx, `
SELECT COUNT(*),
       COALESCE(SUM(CASE WHEN status='completed' THEN 1 ELSE 0 END),0),
       COALESCE(SUM(CASE WHEN status='deactivated' THEN 1 ELSE 0 END),0)
FROM evaluations WHERE batch_id=?`, batchID).Scan(&c.Total, &c.Completed, &c.Deactivated)
	return c, err
}
