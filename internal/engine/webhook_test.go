package engine_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"reportline/internal/apperrors"
	"reportline/internal/audit"
	"reportline/internal/domain"
	"reportline/internal/engine"
	"reportline/internal/repo"
)

func billedBatch(t *testing.T, env testEnv, batchID, paymentID string) domain.PaymentRecord {
	t.Helper()
	ctx := context.Background()
	if _, err := env.eng.CreateBatch(ctx, admin, engine.CreateBatchInput{ID: batchID, TenantID: "t1"}); err != nil {
		t.Fatalf("create batch: %v", err)
	}
	p, err := env.eng.CreatePayment(ctx, admin, engine.CreatePaymentInput{
		ID:      paymentID,
		BatchID: batchID,
		Amount:  decimal.RequireFromString("150.00"),
	})
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}
	return p
}

func confirmedEvent(id, batchID, paymentID string) engine.PaymentEvent {
	return engine.PaymentEvent{
		ID:    id,
		Event: engine.EventPaymentConfirmed,
		Payment: engine.PaymentPayload{
			ID:                "pay_" + paymentID,
			ExternalReference: engine.ExternalReference(batchID, paymentID),
			BillingType:       "BOLETO",
			Status:            "CONFIRMED",
			Value:             decimal.RequireFromString("150.00"),
			PaymentDate:       "2024-03-01",
		},
	}
}

func TestWebhookMarksPaymentAndBatchPaid(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	billedBatch(t, env, "42", "7")

	res, err := env.eng.HandleWebhook(ctx, confirmedEvent("evt_1", "42", "7"))
	if err != nil {
		t.Fatalf("handle webhook: %v", err)
	}
	if res.Outcome != engine.WebhookApplied {
		t.Fatalf("unexpected outcome %s", res.Outcome)
	}
	p, err := env.eng.Repo.GetPayment(ctx, "7")
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if p.Status != domain.PaymentPaid || p.Method == nil || *p.Method != "boleto" {
		t.Fatalf("payment not marked paid: %+v", p)
	}
	if p.ExternalPaymentID == nil || *p.ExternalPaymentID != "pay_7" {
		t.Fatalf("gateway payment id not stored: %+v", p)
	}
	if !p.Amount.Equal(decimal.RequireFromString("150")) {
		t.Fatalf("amount changed: %s", p.Amount)
	}
	b, err := env.eng.Repo.GetBatch(ctx, "42")
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if b.PaymentStatus != domain.PaymentPaid || b.PaymentMethod == nil || *b.PaymentMethod != "boleto" || b.PaidAt == nil {
		t.Fatalf("batch payment fields not updated: %+v", b)
	}
	if b.Status != domain.BatchDraft {
		t.Fatalf("payment must not move the batch lifecycle: %s", b.Status)
	}

	before, err := env.eng.ListAudit(ctx, admin, audit.Filter{})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	dup, err := env.eng.HandleWebhook(ctx, confirmedEvent("evt_1", "42", "7"))
	if err != nil {
		t.Fatalf("duplicate delivery: %v", err)
	}
	if dup.Outcome != engine.WebhookAlreadyProcessed {
		t.Fatalf("unexpected duplicate outcome %s", dup.Outcome)
	}
	again, err := env.eng.Repo.GetPayment(ctx, "7")
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if again.UpdatedAt != p.UpdatedAt || *again.PaidAt != *p.PaidAt {
		t.Fatalf("duplicate delivery rewrote the payment: %+v", again)
	}
	after, err := env.eng.ListAudit(ctx, admin, audit.Filter{})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	// ListAudit itself is not audited, so any new row came from the replay.
	if len(after) != len(before) {
		t.Fatalf("duplicate delivery wrote audit rows: %d -> %d", len(before), len(after))
	}
	events, err := env.eng.Repo.ListWebhookEvents(ctx, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one processed event, got %d", len(events))
	}
}

func TestWebhookEventIDFallback(t *testing.T) {
	ev := confirmedEvent("", "42", "7")
	if got := ev.EventID(); got != "pay_7:PAYMENT_CONFIRMED" {
		t.Fatalf("unexpected derived id %q", got)
	}
	ev.Payment.BillingType = ""
	if got := ev.PaymentMethod(); got != "pix" {
		t.Fatalf("unexpected default method %q", got)
	}
	ev.Payment.BillingType = "CREDIT_CARD"
	if got := ev.PaymentMethod(); got != "credit_card" {
		t.Fatalf("unexpected method %q", got)
	}
}

func TestWebhookIgnoresOtherEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	billedBatch(t, env, "43", "8")

	ev := confirmedEvent("evt_overdue", "43", "8")
	ev.Event = "PAYMENT_OVERDUE"
	res, err := env.eng.HandleWebhook(ctx, ev)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.Outcome != engine.WebhookIgnored {
		t.Fatalf("unexpected outcome %s", res.Outcome)
	}
	p, err := env.eng.Repo.GetPayment(ctx, "8")
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if p.Status != domain.PaymentPending {
		t.Fatalf("ignored event changed payment: %s", p.Status)
	}
	stored, err := env.eng.Repo.GetWebhookEvent(ctx, "evt_overdue")
	if err != nil {
		t.Fatalf("event not recorded: %v", err)
	}
	if stored.Outcome != engine.WebhookIgnored {
		t.Fatalf("unexpected stored outcome %s", stored.Outcome)
	}
}

func TestWebhookAlreadyPaid(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	billedBatch(t, env, "44", "9")
	if _, err := env.eng.HandleWebhook(ctx, confirmedEvent("evt_a", "44", "9")); err != nil {
		t.Fatalf("first event: %v", err)
	}
	paid, err := env.eng.Repo.GetPayment(ctx, "9")
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	received := confirmedEvent("evt_b", "44", "9")
	received.Event = engine.EventPaymentReceived
	res, err := env.eng.HandleWebhook(ctx, received)
	if err != nil {
		t.Fatalf("second event: %v", err)
	}
	if res.Outcome != engine.WebhookAlreadyPaid {
		t.Fatalf("unexpected outcome %s", res.Outcome)
	}
	again, err := env.eng.Repo.GetPayment(ctx, "9")
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if again.UpdatedAt != paid.UpdatedAt {
		t.Fatalf("already paid payment was rewritten")
	}
}

func TestWebhookFailureLeavesEventUnprocessed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	billedBatch(t, env, "45", "10")

	badRef := confirmedEvent("evt_x", "45", "10")
	badRef.Payment.ExternalReference = "order-10"
	cases := map[string]engine.PaymentEvent{
		"bad reference":   badRef,
		"unknown payment": confirmedEvent("evt_y", "45", "999"),
		"batch mismatch":  confirmedEvent("evt_z", "46", "10"),
		"missing event":   {ID: "evt_w", Payment: engine.PaymentPayload{ID: "pay_10"}},
		"missing payment": {ID: "evt_v", Event: engine.EventPaymentConfirmed},
	}
	for name, ev := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := env.eng.HandleWebhook(ctx, ev); err == nil {
				t.Fatalf("expected failure")
			}
			if _, err := env.eng.Repo.GetWebhookEvent(ctx, ev.EventID()); !errors.Is(err, repo.ErrNotFound) {
				t.Fatalf("failed event was recorded: %v", err)
			}
		})
	}
	p, err := env.eng.Repo.GetPayment(ctx, "10")
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if p.Status != domain.PaymentPending {
		t.Fatalf("failed events changed payment: %s", p.Status)
	}
}

func TestParsePaymentEvent(t *testing.T) {
	ev, err := engine.ParsePaymentEvent([]byte(`{"event":"PAYMENT_RECEIVED","payment":{"id":"pay_1","externalReference":"batch_42_payment_7","billingType":"PIX","value":99.9}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.EventID() != "pay_1:PAYMENT_RECEIVED" || !ev.Payment.Value.Equal(decimal.RequireFromString("99.9")) {
		t.Fatalf("unexpected event %+v", ev)
	}
	if _, err := engine.ParsePaymentEvent([]byte(`{"event":"PAYMENT_RECEIVED"}`)); !errors.Is(err, apperrors.ErrValidationFailure) {
		t.Fatalf("expected validation failure, got %v", err)
	}
	if _, err := engine.ParsePaymentEvent([]byte(`not json`)); !errors.Is(err, apperrors.ErrValidationFailure) {
		t.Fatalf("expected validation failure, got %v", err)
	}
}

func TestReceiveWebhookAuditsMalformedDelivery(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	billedBatch(t, env, "42", "7")

	if _, err := env.eng.ReceiveWebhook(ctx, []byte(`{"event":`)); !errors.Is(err, apperrors.ErrValidationFailure) {
		t.Fatalf("expected validation failure, got %v", err)
	}
	entries, err := env.eng.ListAudit(ctx, admin, audit.Filter{ResourceType: "webhook_event"})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(entries) != 1 || entries[0].ErrorCode != string(apperrors.CodeValidationFailure) || entries[0].ActorID != domain.System.ID {
		t.Fatalf("malformed delivery not audited: %+v", entries)
	}

	res, err := env.eng.ReceiveWebhook(ctx, []byte(`{"id":"evt_9","event":"PAYMENT_CONFIRMED","payment":{"id":"pay_7","externalReference":"batch_42_payment_7","billingType":"PIX","value":150}}`))
	if err != nil {
		t.Fatalf("receive webhook: %v", err)
	}
	if res.Outcome != engine.WebhookApplied {
		t.Fatalf("unexpected outcome %s", res.Outcome)
	}
}

func TestCreatePaymentValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	billedBatch(t, env, "47", "11")

	_, err := env.eng.CreatePayment(ctx, admin, engine.CreatePaymentInput{ID: "12", BatchID: "47", Amount: decimal.Zero})
	if !errors.Is(err, apperrors.ErrValidationFailure) {
		t.Fatalf("expected validation failure for zero amount, got %v", err)
	}
	_, err = env.eng.CreatePayment(ctx, admin, engine.CreatePaymentInput{ID: "bad_id", BatchID: "47", Amount: decimal.NewFromInt(1)})
	if !errors.Is(err, apperrors.ErrValidationFailure) {
		t.Fatalf("expected validation failure for id, got %v", err)
	}
	_, err = env.eng.CreatePayment(ctx, hr, engine.CreatePaymentInput{ID: "13", BatchID: "47", Amount: decimal.NewFromInt(1)})
	if !errors.Is(err, apperrors.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	payments, err := env.eng.ListPayments(ctx, admin, "47")
	if err != nil {
		t.Fatalf("list payments: %v", err)
	}
	if len(payments) != 1 || payments[0].ID != "11" {
		t.Fatalf("unexpected payments %+v", payments)
	}
}
