package engine

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"reportline/internal/apperrors"
	"reportline/internal/artifact"
	"reportline/internal/domain"
	"reportline/internal/engine/auth"
	"reportline/internal/lifecycle"
	"reportline/internal/repo"
	"reportline/internal/retry"
	"reportline/internal/storage"
	"reportline/internal/telemetry"
)

const (
	retryKeyStoragePut    = "storage.put"
	retryKeyStorageGet    = "storage.get"
	retryKeyStorageDelete = "storage.delete"
	artifactContentType   = "application/pdf"
)

type EmissionResult struct {
	Batch   domain.Batch `json:"batch"`
	Outcome Outcome      `json:"outcome"`
}

// RequestEmission moves a concluded batch to emission_requested. Among
// concurrent callers exactly one observes OutcomeApplied; the others get
// OutcomeAlreadyProcessed.
func (e Engine) RequestEmission(ctx context.Context, actor domain.Actor, batchID string) (res EmissionResult, err error) {
	ctx, span := telemetry.Start(ctx, "engine.RequestEmission", attribute.String("batch_id", batchID))
	defer func() { telemetry.End(span, err) }()

	var before string
	defer func() {
		after := map[string]any{"attempted": domain.BatchEmissionRequested}
		if err == nil {
			after = map[string]any{"status": res.Batch.Status, "outcome": res.Outcome}
		}
		e.record(ctx, actor, "emission.request", "batch", batchID, map[string]any{"status": before}, after, err)
	}()

	if err := e.Auth.Require(ctx, actor, auth.PermEmissionRequest); err != nil {
		return EmissionResult{}, err
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return EmissionResult{}, err
	}
	defer tx.Rollback()
	batch, err := e.Repo.GetBatchTx(ctx, tx, batchID)
	if err != nil {
		return EmissionResult{}, notFound(err, "batch", batchID)
	}
	before = batch.Status
	if err := auth.RequireTenant(actor, batch.TenantID); err != nil {
		return EmissionResult{}, err
	}
	switch batch.Status {
	case domain.BatchEmissionRequested, domain.BatchReportIssued, domain.BatchFinalized:
		return EmissionResult{Batch: batch, Outcome: OutcomeAlreadyProcessed}, nil
	}
	next, err := lifecycle.Transition(lifecycle.Batch, batch.Status, domain.BatchEmissionRequested)
	if err != nil {
		return EmissionResult{}, err
	}
	now := e.timestamp()
	err = e.Repo.UpdateBatchTx(ctx, tx, batch.ID, batch.Status, now, repo.BatchUpdate{
		Status:              &next,
		EmissionRequestedAt: &now,
		EmissionRequestedBy: ptr(actor.ID),
	})
	if err != nil {
		return EmissionResult{}, err
	}
	updated, err := e.Repo.GetBatchTx(ctx, tx, batch.ID)
	if err != nil {
		return EmissionResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return EmissionResult{}, err
	}
	return EmissionResult{Batch: updated, Outcome: OutcomeApplied}, nil
}

type ConfirmInput struct {
	BatchID string
	Data    []byte
	// ClientHash is advisory. It is format checked and compared for logging
	// only; the stored hash is always computed here.
	ClientHash string
}

type ConfirmResult struct {
	Report  domain.Report `json:"report"`
	Batch   domain.Batch  `json:"batch"`
	Outcome Outcome       `json:"outcome"`
}

// ConfirmArtifact validates and stores the report artifact, then issues the
// report and moves the batch to report_issued. An issued report never
// changes: the same bytes again return the stored report, other bytes fail
// with IMMUTABILITY_VIOLATION.
func (e Engine) ConfirmArtifact(ctx context.Context, actor domain.Actor, in ConfirmInput) (res ConfirmResult, err error) {
	ctx, span := telemetry.Start(ctx, "engine.ConfirmArtifact",
		attribute.String("batch_id", in.BatchID), attribute.Int("size", len(in.Data)))
	defer func() { telemetry.End(span, err) }()

	hash := artifact.Hash(in.Data)
	defer func() {
		after := map[string]any{"content_hash": hash, "size": len(in.Data)}
		if err == nil {
			after["report_status"] = res.Report.Status
			after["outcome"] = res.Outcome
		}
		e.record(ctx, actor, "report.confirm", "report", in.BatchID, nil, after, err)
	}()

	if err := e.Auth.Require(ctx, actor, auth.PermReportConfirm); err != nil {
		return ConfirmResult{}, err
	}
	if v := e.Validator.Validate(in.Data, in.ClientHash); !v.Valid {
		return ConfirmResult{}, apperrors.Validation("artifact rejected", v.Reasons)
	}
	log := e.log().WithFields(logrus.Fields{"module": "emission", "batch_id": in.BatchID, "content_hash": hash})
	if in.ClientHash != "" && in.ClientHash != hash {
		log.WithField("client_hash", in.ClientHash).Warn("client supplied hash does not match artifact")
	}

	release, err := e.Locks.Acquire(ctx, "report:"+in.BatchID)
	if err != nil {
		return ConfirmResult{}, apperrors.Wrap(apperrors.CodeTransientInfra, "could not lock report", err)
	}
	defer release()

	done, err := e.confirmPrecheck(ctx, actor, in.BatchID, hash)
	if err != nil {
		return ConfirmResult{}, err
	}
	if done != nil {
		return *done, nil
	}

	key := artifact.Key(in.BatchID, hash)
	_, err = e.Retry.Execute(ctx, retryKeyStoragePut, e.StoragePolicy, func(ctx context.Context, attempt int) error {
		return e.Store.Put(ctx, key, in.Data, artifactContentType)
	})
	if err != nil {
		return ConfirmResult{}, storageError(err)
	}

	res, compensate, err := e.issueReport(ctx, actor, in.BatchID, hash, key, int64(len(in.Data)))
	if compensate {
		e.deleteArtifact(ctx, key, log)
	}
	if err != nil {
		return ConfirmResult{}, err
	}
	if res.Outcome == OutcomeApplied {
		log.Info("report issued")
	}
	return res, nil
}

// confirmPrecheck rejects or short-circuits before anything is written to
// storage. A non-nil result means the report is already issued with hash.
func (e Engine) confirmPrecheck(ctx context.Context, actor domain.Actor, batchID, hash string) (*ConfirmResult, error) {
	batch, err := e.Repo.GetBatch(ctx, batchID)
	if err != nil {
		return nil, notFound(err, "batch", batchID)
	}
	if err := auth.RequireTenant(actor, batch.TenantID); err != nil {
		return nil, err
	}
	rep, err := e.Repo.GetReport(ctx, batchID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	if err == nil && rep.Status == domain.ReportIssued {
		if rep.ContentHash != nil && *rep.ContentHash == hash {
			return &ConfirmResult{Report: rep, Batch: batch, Outcome: OutcomeAlreadyProcessed}, nil
		}
		return nil, immutable(batchID)
	}
	if batch.Status != domain.BatchEmissionRequested {
		return nil, apperrors.InvalidTransition(string(lifecycle.Batch), batch.Status, domain.BatchReportIssued)
	}
	return nil, nil
}

// issueReport runs the final transaction. compensate is true when the
// stored artifact is not referenced by any issued report and must be removed.
func (e Engine) issueReport(ctx context.Context, actor domain.Actor, batchID, hash, key string, size int64) (ConfirmResult, bool, error) {
	tx, err := e.begin(ctx)
	if err != nil {
		return ConfirmResult{}, true, err
	}
	defer tx.Rollback()

	batch, err := e.Repo.GetBatchTx(ctx, tx, batchID)
	if err != nil {
		return ConfirmResult{}, true, notFound(err, "batch", batchID)
	}
	rep, err := e.Repo.GetReportTx(ctx, tx, batchID)
	missing := errors.Is(err, repo.ErrNotFound)
	if err != nil && !missing {
		return ConfirmResult{}, true, err
	}
	if !missing && rep.Status == domain.ReportIssued {
		return e.existingIssued(rep, batch, hash)
	}
	if batch.Status != domain.BatchEmissionRequested {
		return ConfirmResult{}, true, apperrors.InvalidTransition(string(lifecycle.Batch), batch.Status, domain.BatchReportIssued)
	}
	reportNext, err := lifecycle.Transition(lifecycle.Report, domain.ReportDraft, domain.ReportIssued)
	if err != nil {
		return ConfirmResult{}, true, err
	}
	batchNext, err := lifecycle.Transition(lifecycle.Batch, batch.Status, domain.BatchReportIssued)
	if err != nil {
		return ConfirmResult{}, true, err
	}

	now := e.timestamp()
	if missing {
		err = e.Repo.InsertReportTx(ctx, tx, domain.Report{
			ID:          batchID,
			Status:      reportNext,
			ContentHash: &hash,
			StorageKey:  &key,
			SizeBytes:   &size,
			IssuerID:    ptr(actor.ID),
			IssuedAt:    &now,
			CreatedAt:   now,
		})
	} else {
		err = e.Repo.IssueReportTx(ctx, tx, batchID, hash, key, size, actor.ID, now)
	}
	switch {
	case err == nil:
	case lostIssueRace(err):
		_ = tx.Rollback()
		return e.afterLostRace(ctx, batchID, hash)
	default:
		return ConfirmResult{}, true, err
	}

	if err := e.Repo.UpdateBatchTx(ctx, tx, batchID, batch.Status, now, repo.BatchUpdate{Status: &batchNext, IssuedAt: &now}); err != nil {
		return ConfirmResult{}, true, err
	}
	issued, err := e.Repo.GetReportTx(ctx, tx, batchID)
	if err != nil {
		return ConfirmResult{}, true, err
	}
	updated, err := e.Repo.GetBatchTx(ctx, tx, batchID)
	if err != nil {
		return ConfirmResult{}, true, err
	}
	if err := tx.Commit(); err != nil {
		return ConfirmResult{}, true, apperrors.Wrap(apperrors.CodeTransientInfra, "commit report", err)
	}
	return ConfirmResult{Report: issued, Batch: updated, Outcome: OutcomeApplied}, false, nil
}

// lostIssueRace reports write errors meaning another confirmation issued the
// report first on a different connection.
func lostIssueRace(err error) bool {
	return repo.IsUniqueViolation(err) || errors.Is(err, repo.ErrReportImmutable) || errors.Is(err, repo.ErrNotFound)
}

// afterLostRace reloads the winning report and resolves the confirmation
// against it.
func (e Engine) afterLostRace(ctx context.Context, batchID, hash string) (ConfirmResult, bool, error) {
	current, err := e.Repo.GetReport(ctx, batchID)
	if err != nil {
		return ConfirmResult{}, true, err
	}
	b, err := e.Repo.GetBatch(ctx, batchID)
	if err != nil {
		return ConfirmResult{}, true, err
	}
	return e.existingIssued(current, b, hash)
}

// existingIssued resolves a confirmation against an already issued report.
// The artifact is only kept when the issued report points at the same key.
func (e Engine) existingIssued(rep domain.Report, batch domain.Batch, hash string) (ConfirmResult, bool, error) {
	if rep.Status != domain.ReportIssued {
		return ConfirmResult{}, true, apperrors.Wrap(apperrors.CodeTransientInfra, "report changed concurrently", nil)
	}
	if rep.ContentHash != nil && *rep.ContentHash == hash {
		return ConfirmResult{Report: rep, Batch: batch, Outcome: OutcomeAlreadyProcessed}, false, nil
	}
	return ConfirmResult{}, true, immutable(rep.ID)
}

func (e Engine) deleteArtifact(ctx context.Context, key string, log logrus.FieldLogger) {
	policy, _ := retry.Preset(retry.PresetFast)
	ctx = context.WithoutCancel(ctx)
	_, err := e.Retry.Execute(ctx, retryKeyStorageDelete, policy, func(ctx context.Context, attempt int) error {
		return e.Store.Delete(ctx, key)
	})
	if err != nil {
		log.WithField("storage_key", key).WithError(err).Error("compensating artifact delete failed; artifact is orphaned")
		return
	}
	log.WithField("storage_key", key).Warn("artifact removed after failed issue")
}

func immutable(reportID string) error {
	return apperrors.WithMetadata(apperrors.CodeImmutabilityViolation, "report is immutable once issued", map[string]string{"report_id": reportID})
}

// storageError keeps retry outcomes as they are and classifies anything else
// coming back from the store as transient infrastructure.
func storageError(err error) error {
	if _, ok := apperrors.As(err); ok {
		return err
	}
	return apperrors.Wrap(apperrors.CodeTransientInfra, "artifact storage failed", err)
}

func (e Engine) GetReport(ctx context.Context, actor domain.Actor, batchID string) (domain.Report, error) {
	if err := e.Auth.Require(ctx, actor, auth.PermReportRead); err != nil {
		return domain.Report{}, err
	}
	batch, err := e.Repo.GetBatch(ctx, batchID)
	if err != nil {
		return domain.Report{}, notFound(err, "batch", batchID)
	}
	if err := auth.RequireTenant(actor, batch.TenantID); err != nil {
		return domain.Report{}, err
	}
	rep, err := e.Repo.GetReport(ctx, batchID)
	if err != nil {
		return domain.Report{}, notFound(err, "report", batchID)
	}
	return rep, nil
}

type Verification struct {
	ReportID     string `json:"report_id"`
	StoredHash   string `json:"stored_hash"`
	ComputedHash string `json:"computed_hash"`
	SizeBytes    int    `json:"size_bytes"`
	Match        bool   `json:"match"`
}

// VerifyReport reads the stored artifact back and re-hashes it.
func (e Engine) VerifyReport(ctx context.Context, actor domain.Actor, batchID string) (v Verification, err error) {
	defer func() {
		e.record(ctx, actor, "report.verify", "report", batchID, nil, afterOrNil(v, err), err)
	}()
	if err := e.Auth.Require(ctx, actor, auth.PermReportVerify); err != nil {
		return Verification{}, err
	}
	rep, err := e.GetReport(ctx, actor, batchID)
	if err != nil {
		return Verification{}, err
	}
	if rep.Status != domain.ReportIssued || rep.StorageKey == nil || rep.ContentHash == nil {
		return Verification{}, apperrors.WithMetadata(apperrors.CodeNotFound, "report has not been issued", map[string]string{"report_id": batchID})
	}
	policy, _ := retry.Preset(retry.PresetFast)
	var data []byte
	_, err = e.Retry.Execute(ctx, retryKeyStorageGet, policy, func(ctx context.Context, attempt int) error {
		var gerr error
		data, gerr = e.Store.Get(ctx, *rep.StorageKey)
		if errors.Is(gerr, storage.ErrNotFound) {
			return retry.Permanent(apperrors.WithMetadata(apperrors.CodeNotFound, "stored artifact is missing", map[string]string{"storage_key": *rep.StorageKey}))
		}
		return gerr
	})
	if err != nil {
		return Verification{}, storageError(err)
	}
	computed := artifact.Hash(data)
	v = Verification{
		ReportID:     rep.ID,
		StoredHash:   *rep.ContentHash,
		ComputedHash: computed,
		SizeBytes:    len(data),
		Match:        computed == *rep.ContentHash,
	}
	if !v.Match {
		e.log().WithFields(logrus.Fields{"module": "emission", "report_id": rep.ID, "stored_hash": v.StoredHash, "computed_hash": computed}).
			Error("stored artifact does not match issued hash")
	}
	return v, nil
}
