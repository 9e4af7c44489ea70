package engine

import (
	"context"
	"database/sql"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"reportline/internal/apperrors"
	"reportline/internal/domain"
	"reportline/internal/engine/auth"
	"reportline/internal/lifecycle"
	"reportline/internal/repo"
	"reportline/internal/telemetry"
)

type EvaluationResult struct {
	Evaluation   domain.Evaluation `json:"evaluation"`
	Batch        domain.Batch      `json:"batch"`
	BatchChanged bool              `json:"batch_changed"`
	Outcome      Outcome           `json:"outcome"`
}

// UpdateEvaluationStatus moves one evaluation and recalculates its batch in
// the same transaction.
func (e Engine) UpdateEvaluationStatus(ctx context.Context, actor domain.Actor, evaluationID, status string) (res EvaluationResult, err error) {
	ctx, span := telemetry.Start(ctx, "engine.UpdateEvaluationStatus",
		attribute.String("evaluation_id", evaluationID), attribute.String("status", status))
	defer func() { telemetry.End(span, err) }()

	var before *domain.Evaluation
	var batchBefore string
	defer func() {
		var prev any
		if before != nil {
			prev = map[string]any{"status": before.Status, "batch_status": batchBefore}
		}
		after := map[string]any{"attempted": status}
		if err == nil {
			after = map[string]any{"status": res.Evaluation.Status, "batch_status": res.Batch.Status, "outcome": res.Outcome}
		}
		e.record(ctx, actor, "evaluation.status", "evaluation", evaluationID, prev, after, err)
	}()

	if err := e.Auth.Require(ctx, actor, auth.PermEvaluationUpdate); err != nil {
		return EvaluationResult{}, err
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return EvaluationResult{}, err
	}
	defer tx.Rollback()

	ev, err := e.Repo.GetEvaluationTx(ctx, tx, evaluationID)
	if err != nil {
		return EvaluationResult{}, notFound(err, "evaluation", evaluationID)
	}
	before = &ev
	batch, err := e.Repo.GetBatchTx(ctx, tx, ev.BatchID)
	if err != nil {
		return EvaluationResult{}, notFound(err, "batch", ev.BatchID)
	}
	batchBefore = batch.Status
	if err := auth.RequireTenant(actor, batch.TenantID); err != nil {
		return EvaluationResult{}, err
	}
	if ev.Status == status {
		return EvaluationResult{Evaluation: ev, Batch: batch, Outcome: OutcomeAlreadyProcessed}, nil
	}
	next, err := lifecycle.Transition(lifecycle.Evaluation, ev.Status, status)
	if err != nil {
		return EvaluationResult{}, err
	}
	if batch.Status != domain.BatchActive {
		return EvaluationResult{}, apperrors.WithMetadata(apperrors.CodeInvalidTransition,
			"evaluations of a "+batch.Status+" batch cannot change",
			map[string]string{"batch_id": batch.ID, "status": batch.Status})
	}
	now := e.timestamp()
	if err := e.Repo.UpdateEvaluationStatusTx(ctx, tx, ev.ID, ev.Status, next, now); err != nil {
		return EvaluationResult{}, err
	}
	ev.Status = next
	ev.UpdatedAt = now

	updated, changed, err := e.recalculateTx(ctx, tx, batch)
	if err != nil {
		return EvaluationResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return EvaluationResult{}, err
	}
	if changed {
		e.record(ctx, actor, "batch.recalculate", "batch", batch.ID,
			map[string]any{"status": batch.Status}, map[string]any{"status": updated.Status, "trigger": "evaluation:" + ev.ID}, nil)
	}
	return EvaluationResult{Evaluation: ev, Batch: updated, BatchChanged: changed, Outcome: OutcomeApplied}, nil
}

type RecalcResult struct {
	Batch   domain.Batch     `json:"batch"`
	Counts  lifecycle.Counts `json:"counts"`
	Outcome Outcome          `json:"outcome"`
}

// RecalculateBatch re-derives the batch status from its evaluations. Running
// it on unchanged data is a no-op.
func (e Engine) RecalculateBatch(ctx context.Context, actor domain.Actor, batchID string) (res RecalcResult, err error) {
	var before string
	defer func() {
		if err != nil || res.Outcome == OutcomeApplied {
			e.record(ctx, actor, "batch.recalculate", "batch", batchID,
				map[string]any{"status": before}, map[string]any{"status": res.Batch.Status}, err)
		}
	}()
	if err := e.Auth.Require(ctx, actor, auth.PermEvaluationUpdate); err != nil {
		return RecalcResult{}, err
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return RecalcResult{}, err
	}
	defer tx.Rollback()
	batch, err := e.Repo.GetBatchTx(ctx, tx, batchID)
	if err != nil {
		return RecalcResult{}, notFound(err, "batch", batchID)
	}
	before = batch.Status
	if err := auth.RequireTenant(actor, batch.TenantID); err != nil {
		return RecalcResult{}, err
	}
	updated, changed, err := e.recalculateTx(ctx, tx, batch)
	if err != nil {
		return RecalcResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return RecalcResult{}, err
	}
	out := RecalcResult{
		Batch:   updated,
		Counts:  lifecycle.Counts{Total: updated.TotalEvaluations, Completed: updated.CompletedCount, Deactivated: updated.DeactivatedCount},
		Outcome: OutcomeAlreadyProcessed,
	}
	if changed {
		out.Outcome = OutcomeApplied
	}
	return out, nil
}

// recalculateTx must run inside an immediate transaction so the evaluation
// counts cannot change underneath it. It reports whether the batch status
// changed.
func (e Engine) recalculateTx(ctx context.Context, tx *sql.Tx, batch domain.Batch) (domain.Batch, bool, error) {
	counts, err := e.Repo.CountEvaluationsTx(ctx, tx, batch.ID)
	if err != nil {
		return batch, false, err
	}
	var u repo.BatchUpdate
	dirty := false
	if counts.Total != batch.TotalEvaluations || counts.Completed != batch.CompletedCount || counts.Deactivated != batch.DeactivatedCount {
		u.Counts = &counts
		dirty = true
	}
	now := e.timestamp()
	if lifecycle.Recalculable(batch.Status) {
		target := lifecycle.Derive(counts)
		if target != batch.Status {
			next, err := lifecycle.Transition(lifecycle.Batch, batch.Status, target)
			if err != nil {
				return batch, false, err
			}
			u.Status = &next
			switch next {
			case domain.BatchConcluded:
				u.ConcludedAt = &now
			case domain.BatchCancelled:
				u.CancelledAt = &now
			}
			dirty = true
		}
	}
	if !dirty {
		return batch, false, nil
	}
	if err := e.Repo.UpdateBatchTx(ctx, tx, batch.ID, batch.Status, now, u); err != nil {
		return batch, false, err
	}
	updated, err := e.Repo.GetBatchTx(ctx, tx, batch.ID)
	if err != nil {
		return batch, false, err
	}
	if u.Status != nil {
		e.log().WithFields(logrus.Fields{
			"batch_id": batch.ID,
			"from":     batch.Status,
			"to":       updated.Status,
			"counts":   counts,
		}).Info("batch status recalculated")
	}
	return updated, u.Status != nil, nil
}
