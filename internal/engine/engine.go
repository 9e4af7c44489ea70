package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"reportline/internal/apperrors"
	"reportline/internal/artifact"
	"reportline/internal/audit"
	"reportline/internal/domain"
	"reportline/internal/engine/auth"
	"reportline/internal/lock"
	"reportline/internal/repo"
	"reportline/internal/retry"
	"reportline/internal/storage"
)

// Outcome distinguishes a call that changed state from an idempotent replay.
type Outcome string

const (
	OutcomeApplied          Outcome = "applied"
	OutcomeAlreadyProcessed Outcome = "already_processed"
)

type Engine struct {
	DB            *sql.DB
	Repo          repo.Repo
	Audit         audit.Recorder
	Auth          auth.Service
	Store         storage.Store
	Locks         lock.Locker
	Retry         *retry.Executor
	Validator     artifact.Validator
	StoragePolicy retry.Policy
	Logger        logrus.FieldLogger
	Now           func() time.Time
}

type Options struct {
	Store         storage.Store
	Locks         lock.Locker
	Retry         *retry.Executor
	Validator     *artifact.Validator
	StoragePolicy *retry.Policy
	Logger        logrus.FieldLogger
	Now           func() time.Time
}

func New(db *sql.DB, opts Options) Engine {
	r := repo.Repo{DB: db}
	e := Engine{
		DB:        db,
		Repo:      r,
		Auth:      auth.Service{Repo: r},
		Store:     opts.Store,
		Locks:     opts.Locks,
		Retry:     opts.Retry,
		Validator: artifact.NewValidator(0),
		Logger:    opts.Logger,
		Now:       opts.Now,
	}
	if e.Logger == nil {
		e.Logger = logrus.StandardLogger()
	}
	if e.Now == nil {
		e.Now = time.Now
	}
	if e.Store == nil {
		e.Store = storage.NewMemory()
	}
	if e.Locks == nil {
		e.Locks = lock.NewLocal()
	}
	if e.Retry == nil {
		e.Retry = retry.NewExecutor(retry.Options{Logger: e.Logger})
	}
	if opts.Validator != nil {
		e.Validator = *opts.Validator
	}
	if opts.StoragePolicy != nil {
		e.StoragePolicy = *opts.StoragePolicy
	} else {
		e.StoragePolicy, _ = retry.Preset(retry.PresetStorage)
	}
	e.Audit = audit.Recorder{DB: db, Now: e.Now, Logger: e.Logger}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log() logrus.FieldLogger {
	if e.Logger == nil {
		return logrus.StandardLogger()
	}
	return e.Logger
}

// record writes one audit entry for an accepted or rejected attempt.
func (e Engine) record(ctx context.Context, actor domain.Actor, action, resourceType, resourceID string, before, after any, err error) {
	e.Audit.Record(ctx, audit.Entry{
		Actor:        actor,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Before:       before,
		After:        after,
		Err:          err,
	})
}

// begin opens a write transaction. Failing to get the write lock is a
// transient condition the caller may retry.
func (e Engine) begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := e.Repo.BeginImmediate(ctx)
	if err != nil {
		if errors.Is(err, repo.ErrBusy) {
			return nil, apperrors.Wrap(apperrors.CodeTransientInfra, "database busy", err)
		}
		return nil, apperrors.Wrap(apperrors.CodeTransientInfra, "begin transaction", err)
	}
	return tx, nil
}

// notFound maps repo.ErrNotFound to the engine error kind.
func notFound(err error, resource, id string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return apperrors.NotFound(resource, id)
	}
	return err
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// validateStruct runs the validate tags of v and reports every failing field.
func validateStruct(v any, msg string) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperrors.Validation(msg, []string{err.Error()})
	}
	reasons := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		reasons = append(reasons, fe.Namespace()+" failed "+fe.Tag())
	}
	return apperrors.Validation(msg, reasons)
}

func ptr[T any](v T) *T {
	return &v
}

// ListAudit returns audit entries, newest first.
func (e Engine) ListAudit(ctx context.Context, actor domain.Actor, f audit.Filter) ([]domain.AuditEntry, error) {
	if err := e.Auth.Require(ctx, actor, auth.PermAuditRead); err != nil {
		return nil, err
	}
	return e.Audit.List(ctx, f)
}

// RetryMetrics exposes the per-key retry counters and breaker states.
func (e Engine) RetryMetrics(ctx context.Context, actor domain.Actor) ([]retry.KeyMetrics, error) {
	if err := e.Auth.Require(ctx, actor, auth.PermRetryRead); err != nil {
		return nil, err
	}
	return e.Retry.Metrics(), nil
}
