package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"reportline/internal/apperrors"
	"reportline/internal/domain"
	"reportline/internal/engine/auth"
	"reportline/internal/lifecycle"
	"reportline/internal/repo"
	"reportline/internal/telemetry"
)

const (
	EventPaymentConfirmed = "PAYMENT_CONFIRMED"
	EventPaymentReceived  = "PAYMENT_RECEIVED"
)

// Webhook outcomes stored on webhook_events.outcome.
const (
	WebhookApplied          = "applied"
	WebhookIgnored          = "ignored"
	WebhookAlreadyPaid      = "already_paid"
	WebhookAlreadyProcessed = "already_processed"
)

const defaultPaymentMethod = "pix"

var externalReference = regexp.MustCompile(`^batch_([A-Za-z0-9-]+)_payment_([A-Za-z0-9-]+)$`)

// PaymentEvent is the gateway webhook body.
type PaymentEvent struct {
	ID      string         `json:"id,omitempty"`
	Event   string         `json:"event" validate:"required"`
	Payment PaymentPayload `json:"payment" validate:"required"`
}

type PaymentPayload struct {
	ID                string          `json:"id" validate:"required"`
	ExternalReference string          `json:"externalReference,omitempty"`
	BillingType       string          `json:"billingType,omitempty"`
	Status            string          `json:"status,omitempty"`
	Value             decimal.Decimal `json:"value"`
	PaymentDate       string          `json:"paymentDate,omitempty"`
}

// ParsePaymentEvent decodes and validates a raw webhook body.
func ParsePaymentEvent(raw []byte) (PaymentEvent, error) {
	var ev PaymentEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return PaymentEvent{}, apperrors.Validation("webhook payload is not valid json", []string{err.Error()})
	}
	if err := ValidateEvent(ev); err != nil {
		return PaymentEvent{}, err
	}
	return ev, nil
}

// ReceiveWebhook parses a raw delivery and applies it. Deliveries that
// fail to parse are audited under the system actor before the error is
// returned.
func (e Engine) ReceiveWebhook(ctx context.Context, raw []byte) (WebhookResult, error) {
	ev, err := ParsePaymentEvent(raw)
	if err != nil {
		e.record(ctx, domain.System, "webhook.payment", "webhook_event", "", nil, nil, err)
		return WebhookResult{}, err
	}
	return e.HandleWebhook(ctx, ev)
}

// ValidateEvent runs the struct validation rules on ev.
func ValidateEvent(ev PaymentEvent) error {
	return validateStruct(ev, "webhook payload rejected")
}

// EventID returns the idempotency key of ev.
func (ev PaymentEvent) EventID() string {
	if ev.ID != "" {
		return ev.ID
	}
	return ev.Payment.ID + ":" + ev.Event
}

// PaymentMethod maps the gateway billing type.
func (ev PaymentEvent) PaymentMethod() string {
	m := strings.ToLower(strings.TrimSpace(ev.Payment.BillingType))
	if m == "" {
		return defaultPaymentMethod
	}
	return m
}

type WebhookResult struct {
	EventID string                `json:"event_id"`
	Outcome string                `json:"outcome"`
	Payment *domain.PaymentRecord `json:"payment,omitempty"`
}

// HandleWebhook applies a gateway event at most once. Every failure rolls the
// whole event back so redelivery can apply it later.
func (e Engine) HandleWebhook(ctx context.Context, ev PaymentEvent) (res WebhookResult, err error) {
	eventID := ev.EventID()
	ctx, span := telemetry.Start(ctx, "engine.HandleWebhook",
		attribute.String("event_id", eventID), attribute.String("event", ev.Event))
	defer func() { telemetry.End(span, err) }()

	if err := ValidateEvent(ev); err != nil {
		e.record(ctx, domain.System, "webhook.payment", "webhook_event", eventID, nil, nil, err)
		return WebhookResult{}, err
	}
	log := e.log().WithFields(logrus.Fields{"module": "webhook", "event_id": eventID, "event": ev.Event})

	if _, err := e.Repo.GetWebhookEvent(ctx, eventID); err == nil {
		log.Debug("event already processed")
		return WebhookResult{EventID: eventID, Outcome: WebhookAlreadyProcessed}, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return WebhookResult{}, apperrors.Wrap(apperrors.CodeTransientInfra, "webhook lookup failed", err)
	}

	defer func() {
		if res.Outcome == WebhookAlreadyProcessed {
			return
		}
		after := map[string]any{"outcome": res.Outcome, "event": ev.Event, "payment": ev.Payment.ID}
		resourceType, resourceID := "webhook_event", eventID
		if res.Payment != nil {
			resourceType, resourceID = "payment", res.Payment.ID
		}
		e.record(ctx, domain.System, "webhook.payment", resourceType, resourceID, nil, after, err)
	}()

	payload, err := json.Marshal(ev)
	if err != nil {
		return WebhookResult{}, err
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return WebhookResult{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetWebhookEventTx(ctx, tx, eventID); err == nil {
		return WebhookResult{EventID: eventID, Outcome: WebhookAlreadyProcessed}, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return WebhookResult{}, err
	}

	now := e.timestamp()
	res = WebhookResult{EventID: eventID, Outcome: WebhookIgnored}
	switch ev.Event {
	case EventPaymentConfirmed, EventPaymentReceived:
		payment, outcome, err := e.applyPayment(ctx, tx, ev, now)
		if err != nil {
			return WebhookResult{}, err
		}
		res.Payment = &payment
		res.Outcome = outcome
	}

	err = e.Repo.InsertWebhookEventTx(ctx, tx, domain.WebhookEvent{
		ExternalID:        eventID,
		EventType:         ev.Event,
		PaymentExternalID: ev.Payment.ID,
		Payload:           string(payload),
		Outcome:           res.Outcome,
		ProcessedAt:       now,
	})
	if err != nil {
		if repo.IsUniqueViolation(err) {
			return WebhookResult{EventID: eventID, Outcome: WebhookAlreadyProcessed}, nil
		}
		return WebhookResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return WebhookResult{}, apperrors.Wrap(apperrors.CodeTransientInfra, "commit webhook", err)
	}
	log.WithField("outcome", res.Outcome).Info("webhook processed")
	return res, nil
}

// applyPayment marks the referenced payment and its batch paid.
func (e Engine) applyPayment(ctx context.Context, tx *sql.Tx, ev PaymentEvent, now string) (domain.PaymentRecord, string, error) {
	m := externalReference.FindStringSubmatch(ev.Payment.ExternalReference)
	if m == nil {
		return domain.PaymentRecord{}, "", apperrors.Validation("unrecognised external reference",
			[]string{"externalReference must look like batch_<id>_payment_<id>"})
	}
	batchID, paymentID := m[1], m[2]
	payment, err := e.Repo.GetPaymentTx(ctx, tx, paymentID)
	if err != nil {
		return domain.PaymentRecord{}, "", notFound(err, "payment", paymentID)
	}
	if payment.BatchID != batchID {
		return domain.PaymentRecord{}, "", apperrors.WithMetadata(apperrors.CodeValidationFailure,
			"payment does not belong to batch", map[string]string{"payment_id": paymentID, "batch_id": batchID})
	}
	batch, err := e.Repo.GetBatchTx(ctx, tx, batchID)
	if err != nil {
		return domain.PaymentRecord{}, "", notFound(err, "batch", batchID)
	}
	if payment.Status == domain.PaymentPaid {
		return payment, WebhookAlreadyPaid, nil
	}
	next, err := lifecycle.Transition(lifecycle.Payment, payment.Status, domain.PaymentPaid)
	if err != nil {
		return domain.PaymentRecord{}, "", err
	}
	// paymentDate is a bare gateway date; it stays in the stored payload.
	method := ev.PaymentMethod()
	paidAt := now
	if err := e.Repo.MarkPaymentPaidTx(ctx, tx, payment.ID, ev.Payment.ID, method, paidAt); err != nil {
		return domain.PaymentRecord{}, "", err
	}
	err = e.Repo.UpdateBatchTx(ctx, tx, batch.ID, "", now, repo.BatchUpdate{
		PaymentStatus: &next,
		PaymentMethod: &method,
		PaidAt:        &paidAt,
	})
	if err != nil {
		return domain.PaymentRecord{}, "", err
	}
	updated, err := e.Repo.GetPaymentTx(ctx, tx, payment.ID)
	if err != nil {
		return domain.PaymentRecord{}, "", err
	}
	return updated, WebhookApplied, nil
}

type CreatePaymentInput struct {
	ID      string `validate:"required,max=64"`
	BatchID string `validate:"required,max=64"`
	Amount  decimal.Decimal
}

var referenceID = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// CreatePayment opens a pending payment for a batch. Its external reference
// is batch_<batch>_payment_<id>.
func (e Engine) CreatePayment(ctx context.Context, actor domain.Actor, in CreatePaymentInput) (p domain.PaymentRecord, err error) {
	defer func() {
		e.record(ctx, actor, "payment.create", "payment", in.ID, nil, afterOrNil(p, err), err)
	}()
	if err := e.Auth.Require(ctx, actor, auth.PermPaymentCreate); err != nil {
		return domain.PaymentRecord{}, err
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if err := validateStruct(in, "payment rejected"); err != nil {
		return domain.PaymentRecord{}, err
	}
	if !in.Amount.IsPositive() {
		return domain.PaymentRecord{}, apperrors.Validation("payment rejected", []string{"amount must be positive"})
	}
	if !referenceID.MatchString(in.ID) || !referenceID.MatchString(in.BatchID) {
		return domain.PaymentRecord{}, apperrors.Validation("payment rejected", []string{"ids may only contain letters, digits and hyphens"})
	}
	tx, err := e.begin(ctx)
	if err != nil {
		return domain.PaymentRecord{}, err
	}
	defer tx.Rollback()
	batch, err := e.Repo.GetBatchTx(ctx, tx, in.BatchID)
	if err != nil {
		return domain.PaymentRecord{}, notFound(err, "batch", in.BatchID)
	}
	if err := auth.RequireTenant(actor, batch.TenantID); err != nil {
		return domain.PaymentRecord{}, err
	}
	if batch.Status == domain.BatchCancelled {
		return domain.PaymentRecord{}, apperrors.WithMetadata(apperrors.CodeInvalidTransition,
			"cannot bill a cancelled batch", map[string]string{"batch_id": batch.ID})
	}
	now := e.timestamp()
	p = domain.PaymentRecord{
		ID:        in.ID,
		BatchID:   batch.ID,
		TenantID:  batch.TenantID,
		Amount:    in.Amount.Round(2),
		Status:    domain.PaymentPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Repo.InsertPaymentTx(ctx, tx, p); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.PaymentRecord{}, apperrors.Validation("payment already exists", []string{"duplicate payment id"})
		}
		return domain.PaymentRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PaymentRecord{}, err
	}
	return p, nil
}

// ExternalReference is the reference a payment is created with at the gateway.
func ExternalReference(batchID, paymentID string) string {
	return "batch_" + batchID + "_payment_" + paymentID
}

func (e Engine) ListPayments(ctx context.Context, actor domain.Actor, batchID string) ([]domain.PaymentRecord, error) {
	if err := e.Auth.Require(ctx, actor, auth.PermPaymentRead); err != nil {
		return nil, err
	}
	if _, err := e.GetBatch(ctx, actor, batchID); err != nil {
		return nil, err
	}
	return e.Repo.ListPayments(ctx, batchID)
}
