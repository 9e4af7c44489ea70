package engine_test

import (
	"context"
	"errors"
	"testing"

	"reportline/internal/apperrors"
	"reportline/internal/domain"
	"reportline/internal/engine"
)

func TestCreateBatchReplayReturnsStoredBatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	first, err := env.eng.CreateBatch(ctx, hr, engine.CreateBatchInput{ID: "C1", Title: "first"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	again, err := env.eng.CreateBatch(ctx, hr, engine.CreateBatchInput{ID: "C1", Title: "second"})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if again.Title != first.Title || again.CreatedAt != first.CreatedAt {
		t.Fatalf("replay overwrote batch: %+v", again)
	}
	rep, err := env.eng.GetReport(ctx, hr, "C1")
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	if rep.Status != domain.ReportDraft {
		t.Fatalf("expected draft report, got %s", rep.Status)
	}
	other := domain.Actor{ID: "u-other", Role: domain.RoleHRManager, TenantID: "t2"}
	if _, err := env.eng.CreateBatch(ctx, other, engine.CreateBatchInput{ID: "C1"}); !errors.Is(err, apperrors.ErrPermissionDenied) {
		t.Fatalf("expected cross-tenant replay to be denied, got %v", err)
	}
}

func TestRecalculationFollowsEvaluations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.eng.CreateBatch(ctx, hr, engine.CreateBatchInput{ID: "C2"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, id := range []string{"C2-e1", "C2-e2"} {
		if _, err := env.eng.AddEvaluation(ctx, hr, "C2", engine.AddEvaluationInput{ID: id, SubjectID: id}); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}
	b, err := env.eng.GetBatch(ctx, hr, "C2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if b.Status != domain.BatchActive || b.TotalEvaluations != 2 {
		t.Fatalf("unexpected batch after release: %+v", b)
	}

	res, err := env.eng.UpdateEvaluationStatus(ctx, hr, "C2-e1", domain.EvaluationInProgress)
	if err != nil {
		t.Fatalf("in progress: %v", err)
	}
	if res.BatchChanged || res.Batch.Status != domain.BatchActive {
		t.Fatalf("in-progress evaluation changed the batch: %+v", res)
	}
	res, err = env.eng.UpdateEvaluationStatus(ctx, hr, "C2-e1", domain.EvaluationInProgress)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if res.Outcome != engine.OutcomeAlreadyProcessed {
		t.Fatalf("expected already_processed, got %s", res.Outcome)
	}
	if _, err := env.eng.UpdateEvaluationStatus(ctx, hr, "C2-e1", domain.EvaluationStarted); !errors.Is(err, apperrors.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if _, err := env.eng.UpdateEvaluationStatus(ctx, hr, "C2-e1", domain.EvaluationCompleted); err != nil {
		t.Fatalf("complete: %v", err)
	}
	res, err = env.eng.UpdateEvaluationStatus(ctx, hr, "C2-e2", domain.EvaluationCompleted)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !res.BatchChanged || res.Batch.Status != domain.BatchConcluded || res.Batch.ConcludedAt == nil {
		t.Fatalf("batch not concluded: %+v", res.Batch)
	}
	if _, err := env.eng.UpdateEvaluationStatus(ctx, hr, "C2-e2", domain.EvaluationDeactivated); !errors.Is(err, apperrors.ErrInvalidTransition) {
		t.Fatalf("terminal evaluation moved: %v", err)
	}
	if _, err := env.eng.AddEvaluation(ctx, hr, "C2", engine.AddEvaluationInput{SubjectID: "late"}); !errors.Is(err, apperrors.ErrInvalidTransition) {
		t.Fatalf("evaluation added to concluded batch: %v", err)
	}

	rc, err := env.eng.RecalculateBatch(ctx, hr, "C2")
	if err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	if rc.Outcome != engine.OutcomeAlreadyProcessed || rc.Batch.Status != domain.BatchConcluded {
		t.Fatalf("recalculation of unchanged data was not a no-op: %+v", rc)
	}
}

func TestAllDeactivatedCancelsBatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.eng.CreateBatch(ctx, hr, engine.CreateBatchInput{ID: "C3"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, id := range []string{"C3-e1", "C3-e2"} {
		if _, err := env.eng.AddEvaluation(ctx, hr, "C3", engine.AddEvaluationInput{ID: id, SubjectID: id}); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}
	var res engine.EvaluationResult
	for _, id := range []string{"C3-e1", "C3-e2"} {
		var err error
		res, err = env.eng.UpdateEvaluationStatus(ctx, hr, id, domain.EvaluationDeactivated)
		if err != nil {
			t.Fatalf("deactivate %s: %v", id, err)
		}
	}
	if res.Batch.Status != domain.BatchCancelled || res.Batch.CancelledAt == nil {
		t.Fatalf("expected cancelled batch, got %+v", res.Batch)
	}
}

func TestCancelAndFinalize(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.eng.CreateBatch(ctx, hr, engine.CreateBatchInput{ID: "C4"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	res, err := env.eng.CancelBatch(ctx, hr, "C4", "duplicate roster")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if res.Outcome != engine.OutcomeApplied || res.Batch.Status != domain.BatchCancelled {
		t.Fatalf("unexpected cancel result: %+v", res)
	}
	res, err = env.eng.CancelBatch(ctx, hr, "C4", "")
	if err != nil || res.Outcome != engine.OutcomeAlreadyProcessed {
		t.Fatalf("cancel replay: %+v %v", res, err)
	}
	if _, err := env.eng.FinalizeBatch(ctx, admin, "C4"); !errors.Is(err, apperrors.ErrInvalidTransition) {
		t.Fatalf("cancelled batch finalized: %v", err)
	}

	requestedBatch(t, env, "C5")
	if _, err := env.eng.FinalizeBatch(ctx, admin, "C5"); !errors.Is(err, apperrors.ErrInvalidTransition) {
		t.Fatalf("batch finalized before report issue: %v", err)
	}
	if _, err := env.eng.ConfirmArtifact(ctx, issuer, engine.ConfirmInput{BatchID: "C5", Data: pdf("final")}); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := env.eng.FinalizeBatch(ctx, hr, "C5"); !errors.Is(err, apperrors.ErrPermissionDenied) {
		t.Fatalf("hr manager finalized batch: %v", err)
	}
	res, err = env.eng.FinalizeBatch(ctx, admin, "C5")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if res.Batch.Status != domain.BatchFinalized || res.Batch.FinalizedAt == nil {
		t.Fatalf("unexpected finalize result: %+v", res.Batch)
	}
	if _, err := env.eng.CancelBatch(ctx, admin, "C5", ""); !errors.Is(err, apperrors.ErrInvalidTransition) {
		t.Fatalf("finalized batch cancelled: %v", err)
	}
	emission, err := env.eng.RequestEmission(ctx, hr, "C5")
	if err != nil || emission.Outcome != engine.OutcomeAlreadyProcessed {
		t.Fatalf("emission request on finalized batch: %+v %v", emission, err)
	}
}
