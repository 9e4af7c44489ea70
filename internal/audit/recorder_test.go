package audit_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"reportline/internal/apperrors"
	"reportline/internal/audit"
	"reportline/internal/db"
	"reportline/internal/domain"
	"reportline/internal/logging"
	"reportline/internal/migrate"
)

func newRecorder(t *testing.T) audit.Recorder {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return audit.Recorder{
		DB:     conn,
		Now:    func() time.Time { ts = ts.Add(time.Second); return ts },
		Logger: logging.Discard(),
	}
}

func TestRecordOutcomes(t *testing.T) {
	r := newRecorder(t)
	ctx := context.Background()
	hr := domain.Actor{ID: "u-hr", Role: domain.RoleHRManager, TenantID: "t1"}

	r.Record(ctx, audit.Entry{Actor: hr, Action: "emission.request", ResourceType: "batch", ResourceID: "b1",
		Before: map[string]string{"status": "concluded"}, After: map[string]string{"status": "emission_requested"}})
	r.Record(ctx, audit.Entry{Actor: hr, Action: "emission.request", ResourceType: "batch", ResourceID: "b1",
		Err: apperrors.ErrAlreadyProcessed})
	r.Record(ctx, audit.Entry{Actor: hr, Action: "batch.finalize", ResourceType: "batch", ResourceID: "b1",
		Err: apperrors.PermissionDenied("batch.finalize")})
	r.Record(ctx, audit.Entry{Actor: hr, Action: "batch.create", ResourceType: "batch", ResourceID: "b2",
		Err: errors.New("disk full")})

	entries, err := r.List(ctx, audit.Filter{ResourceType: "batch", ResourceID: "b1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries for b1, got %d", len(entries))
	}
	// newest first
	if entries[0].Outcome != audit.OutcomeRejected || entries[0].ErrorCode != string(apperrors.CodePermissionDenied) {
		t.Fatalf("unexpected newest entry: %+v", entries[0])
	}
	if entries[1].Outcome != audit.OutcomeAccepted || entries[1].ErrorCode != string(apperrors.CodeAlreadyProcessed) {
		t.Fatalf("replay should be accepted with its code: %+v", entries[1])
	}
	if entries[2].Before != `{"status":"concluded"}` || entries[2].After != `{"status":"emission_requested"}` {
		t.Fatalf("unexpected snapshots: %+v", entries[2])
	}

	other, err := r.List(ctx, audit.Filter{ResourceID: "b2"})
	if err != nil {
		t.Fatalf("list b2: %v", err)
	}
	if len(other) != 1 || other[0].ErrorCode != string(apperrors.CodeInternal) {
		t.Fatalf("plain errors should record INTERNAL: %+v", other)
	}

	limited, err := r.List(ctx, audit.Filter{ActorID: "u-hr", Limit: 2})
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("limit not applied: %d", len(limited))
	}
}

func TestRecordSurvivesCancelledContext(t *testing.T) {
	r := newRecorder(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Record(ctx, audit.Entry{Actor: domain.System, Action: "webhook.payment", ResourceType: "webhook_event", ResourceID: "evt_1"})
	entries, err := r.List(context.Background(), audit.Filter{ResourceID: "evt_1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entry dropped after request cancellation")
	}
}

func TestRecordFailureIsLoggedNotReturned(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New("error", "json", &buf)
	r := audit.Recorder{Logger: logger}
	r.Record(context.Background(), audit.Entry{Action: "batch.create", ResourceType: "batch", ResourceID: "b9"})
	out := buf.String()
	if !strings.Contains(out, `"module":"audit"`) || !strings.Contains(out, "b9") {
		t.Fatalf("expected logged audit failure, got %q", out)
	}
	if !strings.Contains(out, logrus.ErrorLevel.String()) {
		t.Fatalf("expected error level, got %q", out)
	}
}
