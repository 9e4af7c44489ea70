package engine

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"reportline/internal/apperrors"
	"reportline/internal/domain"
	"reportline/internal/engine/auth"
	"reportline/internal/lifecycle"
	"reportline/internal/repo"
)

type CreateBatchInput struct {
	ID       string `validate:"required,max=64"`
	TenantID string `validate:"required,max=64"`
	Title    string `validate:"max=200"`
}

// CreateBatch inserts a draft batch and reserves its report row. Repeating
// the call with the same id returns the stored batch.
func (e Engine) CreateBatch(ctx context.Context, actor domain.Actor, in CreateBatchInput) (b domain.Batch, err error) {
	defer func() {
		e.record(ctx, actor, "batch.create", "batch", in.ID, nil, afterOrNil(b, err), err)
	}()
	if err := e.Auth.Require(ctx, actor, auth.PermBatchCreate); err != nil {
		return domain.Batch{}, err
	}
	if in.TenantID == "" {
		in.TenantID = actor.TenantID
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	in.TenantID = strings.TrimSpace(in.TenantID)
	if err := validateStruct(in, "batch rejected"); err != nil {
		return domain.Batch{}, err
	}
	if err := auth.RequireTenant(actor, in.TenantID); err != nil {
		return domain.Batch{}, err
	}
	now := e.timestamp()
	b = domain.Batch{
		ID:            in.ID,
		TenantID:      in.TenantID,
		Title:         in.Title,
		Status:        domain.BatchDraft,
		PaymentStatus: domain.PaymentPending,
		CreatedBy:     actor.ID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Batch{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertBatchTx(ctx, tx, b); err != nil {
		if !repo.IsUniqueViolation(err) {
			return domain.Batch{}, err
		}
		existing, gerr := e.Repo.GetBatchTx(ctx, tx, in.ID)
		if gerr != nil {
			return domain.Batch{}, gerr
		}
		if existing.TenantID != in.TenantID {
			return domain.Batch{}, apperrors.PermissionDenied("tenant")
		}
		return existing, nil
	}
	if err := e.Repo.InsertReportTx(ctx, tx, domain.Report{ID: b.ID, Status: domain.ReportDraft, CreatedAt: now}); err != nil {
		return domain.Batch{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Batch{}, err
	}
	return b, nil
}

type AddEvaluationInput struct {
	ID        string `validate:"required,max=64"`
	SubjectID string `validate:"required,max=128"`
}

// AddEvaluation releases one evaluation into a draft or active batch. The
// first evaluation activates a draft batch.
func (e Engine) AddEvaluation(ctx context.Context, actor domain.Actor, batchID string, in AddEvaluationInput) (ev domain.Evaluation, err error) {
	defer func() {
		e.record(ctx, actor, "evaluation.create", "evaluation", in.ID, nil, afterOrNil(ev, err), err)
	}()
	if err := e.Auth.Require(ctx, actor, auth.PermBatchCreate); err != nil {
		return domain.Evaluation{}, err
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	in.SubjectID = strings.TrimSpace(in.SubjectID)
	if err := validateStruct(in, "evaluation rejected"); err != nil {
		return domain.Evaluation{}, err
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.Evaluation{}, err
	}
	defer tx.Rollback()
	batch, err := e.Repo.GetBatchTx(ctx, tx, batchID)
	if err != nil {
		return domain.Evaluation{}, notFound(err, "batch", batchID)
	}
	if err := auth.RequireTenant(actor, batch.TenantID); err != nil {
		return domain.Evaluation{}, err
	}
	now := e.timestamp()
	switch batch.Status {
	case domain.BatchDraft:
		next, err := lifecycle.Transition(lifecycle.Batch, batch.Status, domain.BatchActive)
		if err != nil {
			return domain.Evaluation{}, err
		}
		if err := e.Repo.UpdateBatchTx(ctx, tx, batch.ID, batch.Status, now, repo.BatchUpdate{Status: &next}); err != nil {
			return domain.Evaluation{}, err
		}
		batch.Status = next
	case domain.BatchActive:
	default:
		return domain.Evaluation{}, apperrors.WithMetadata(apperrors.CodeInvalidTransition,
			"evaluations can only be added to draft or active batches",
			map[string]string{"batch_id": batch.ID, "status": batch.Status})
	}
	ev = domain.Evaluation{
		ID:        in.ID,
		BatchID:   batch.ID,
		SubjectID: in.SubjectID,
		Status:    domain.EvaluationStarted,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Repo.InsertEvaluationTx(ctx, tx, ev); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.Evaluation{}, apperrors.Validation("evaluation already exists", []string{"duplicate id or subject in batch"})
		}
		return domain.Evaluation{}, err
	}
	if _, _, err := e.recalculateTx(ctx, tx, batch); err != nil {
		return domain.Evaluation{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Evaluation{}, err
	}
	return ev, nil
}

func (e Engine) GetBatch(ctx context.Context, actor domain.Actor, id string) (domain.Batch, error) {
	if err := e.Auth.Require(ctx, actor, auth.PermBatchRead); err != nil {
		return domain.Batch{}, err
	}
	b, err := e.Repo.GetBatch(ctx, id)
	if err != nil {
		return domain.Batch{}, notFound(err, "batch", id)
	}
	if err := auth.RequireTenant(actor, b.TenantID); err != nil {
		return domain.Batch{}, err
	}
	return b, nil
}

func (e Engine) ListBatches(ctx context.Context, actor domain.Actor, status string, limit int) ([]domain.Batch, error) {
	if err := e.Auth.Require(ctx, actor, auth.PermBatchRead); err != nil {
		return nil, err
	}
	tenant := actor.TenantID
	if actor.Role == domain.RoleAdministrator {
		tenant = ""
	}
	return e.Repo.ListBatches(ctx, repo.BatchFilter{TenantID: tenant, Status: status, Limit: limit})
}

func (e Engine) ListEvaluations(ctx context.Context, actor domain.Actor, batchID string) ([]domain.Evaluation, error) {
	if _, err := e.GetBatch(ctx, actor, batchID); err != nil {
		return nil, err
	}
	return e.Repo.ListEvaluations(ctx, batchID)
}

// CancelBatch moves any non-terminal batch to cancelled.
func (e Engine) CancelBatch(ctx context.Context, actor domain.Actor, batchID, reason string) (BatchResult, error) {
	return e.moveBatch(ctx, actor, batchID, auth.PermBatchCancel, "batch.cancel", domain.BatchCancelled, reason)
}

// FinalizeBatch closes a batch whose report has been issued.
func (e Engine) FinalizeBatch(ctx context.Context, actor domain.Actor, batchID string) (BatchResult, error) {
	return e.moveBatch(ctx, actor, batchID, auth.PermBatchFinalize, "batch.finalize", domain.BatchFinalized, "")
}

type BatchResult struct {
	Batch   domain.Batch `json:"batch"`
	Outcome Outcome      `json:"outcome"`
}

func (e Engine) moveBatch(ctx context.Context, actor domain.Actor, batchID, perm, action, target, reason string) (res BatchResult, err error) {
	var before *domain.Batch
	defer func() {
		after := map[string]any{"status": res.Batch.Status, "outcome": res.Outcome}
		if reason != "" {
			after["reason"] = reason
		}
		if err != nil {
			after = map[string]any{"attempted": target}
		}
		e.record(ctx, actor, action, "batch", batchID, statusOf(before), after, err)
	}()
	if err := e.Auth.Require(ctx, actor, perm); err != nil {
		return BatchResult{}, err
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return BatchResult{}, err
	}
	defer tx.Rollback()
	batch, err := e.Repo.GetBatchTx(ctx, tx, batchID)
	if err != nil {
		return BatchResult{}, notFound(err, "batch", batchID)
	}
	before = &batch
	if err := auth.RequireTenant(actor, batch.TenantID); err != nil {
		return BatchResult{}, err
	}
	if batch.Status == target {
		return BatchResult{Batch: batch, Outcome: OutcomeAlreadyProcessed}, nil
	}
	next, err := lifecycle.Transition(lifecycle.Batch, batch.Status, target)
	if err != nil {
		return BatchResult{}, err
	}
	now := e.timestamp()
	u := repo.BatchUpdate{Status: &next}
	switch next {
	case domain.BatchCancelled:
		u.CancelledAt = &now
	case domain.BatchFinalized:
		u.FinalizedAt = &now
	}
	if err := e.Repo.UpdateBatchTx(ctx, tx, batch.ID, batch.Status, now, u); err != nil {
		return BatchResult{}, err
	}
	updated, err := e.Repo.GetBatchTx(ctx, tx, batch.ID)
	if err != nil {
		return BatchResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return BatchResult{}, err
	}
	return BatchResult{Batch: updated, Outcome: OutcomeApplied}, nil
}

func statusOf(b *domain.Batch) any {
	if b == nil {
		return nil
	}
	return map[string]any{"status": b.Status}
}

func afterOrNil(v any, err error) any {
	if err != nil {
		return nil
	}
	return v
}
