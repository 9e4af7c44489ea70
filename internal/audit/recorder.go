package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"reportline/internal/apperrors"
	"reportline/internal/domain"
	"reportline/internal/logging"
)

const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
)

// Entry is one audited attempt. Before and After are JSON encoded as given.
type Entry struct {
	Actor        domain.Actor
	Action       string
	ResourceType string
	ResourceID   string
	Before       any
	After        any
	Err          error
}

// Recorder appends audit rows on its own statement, outside the caller's
// transaction. Write failures are logged and dropped.
type Recorder struct {
	DB     *sql.DB
	Now    func() time.Time
	Logger logrus.FieldLogger
}

func (r Recorder) Record(ctx context.Context, e Entry) {
	if err := r.write(ctx, e); err != nil {
		log := r.Logger
		if log == nil {
			log = logrus.StandardLogger()
		}
		logging.LogError(log, "audit", "Record", "audit write failed", map[string]string{
			"action":        e.Action,
			"resource_type": e.ResourceType,
			"resource_id":   e.ResourceID,
			"actor_id":      e.Actor.ID,
		}, err)
	}
}

func (r Recorder) write(ctx context.Context, e Entry) error {
	if r.DB == nil {
		return fmt.Errorf("audit recorder has no database")
	}
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	before, err := encode(e.Before)
	if err != nil {
		return fmt.Errorf("marshal before: %w", err)
	}
	after, err := encode(e.After)
	if err != nil {
		return fmt.Errorf("marshal after: %w", err)
	}
	outcome := OutcomeAccepted
	var code any
	if e.Err != nil {
		c := apperrors.CodeOf(e.Err)
		if c != apperrors.CodeAlreadyProcessed {
			outcome = OutcomeRejected
		}
		code = string(c)
	}
	// Detached from request cancellation.
	ctx = context.WithoutCancel(ctx)
	_, err = r.DB.ExecContext(ctx, `INSERT INTO audit_entries(id,actor_id,actor_role,action,resource_type,resource_id,before_json,after_json,outcome,error_code,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		uuid.NewString(), e.Actor.ID, nullable(e.Actor.Role), e.Action, e.ResourceType, e.ResourceID, before, after, outcome, code, now().UTC().Format(time.RFC3339Nano))
	return err
}

func encode(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	ResourceType string
	ResourceID   string
	ActorID      string
	Limit        int
}

// List returns entries newest first.
func (r Recorder) List(ctx context.Context, f Filter) ([]domain.AuditEntry, error) {
	query := `SELECT id,actor_id,action,resource_type,resource_id,COALESCE(before_json,''),COALESCE(after_json,''),outcome,COALESCE(error_code,''),created_at FROM audit_entries WHERE 1=1`
	var args []any
	if f.ResourceType != "" {
		query += " AND resource_type=?"
		args = append(args, f.ResourceType)
	}
	if f.ResourceID != "" {
		query += " AND resource_id=?"
		args = append(args, f.ResourceID)
	}
	if f.ActorID != "" {
		query += " AND actor_id=?"
		args = append(args, f.ActorID)
	}
	query += " ORDER BY seq DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		var a domain.AuditEntry
		if err := rows.Scan(&a.ID, &a.ActorID, &a.Action, &a.ResourceType, &a.ResourceID, &a.Before, &a.After, &a.Outcome, &a.ErrorCode, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
