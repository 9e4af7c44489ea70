package server

import (
	"reportline/internal/domain"
	"reportline/internal/engine"
	"reportline/internal/retry"
)

// Request payloads

type CreateBatchRequest struct {
	ID       string `json:"id,omitempty" maxLength:"64" pattern:"^[A-Za-z0-9-]+$"`
	TenantID string `json:"tenant_id,omitempty"`
	Title    string `json:"title,omitempty" maxLength:"200"`
}

type AddEvaluationRequest struct {
	ID        string `json:"id,omitempty" maxLength:"64"`
	SubjectID string `json:"subject_id" minLength:"1"`
}

type SetEvaluationStatusRequest struct {
	Status string `json:"status" enum:"started,in_progress,completed,deactivated"`
}

type CancelBatchRequest struct {
	Reason string `json:"reason,omitempty" maxLength:"500"`
}

type CreatePaymentRequest struct {
	ID     string `json:"id,omitempty" maxLength:"64" pattern:"^[A-Za-z0-9-]+$"`
	Amount string `json:"amount" pattern:"^[0-9]+(\\.[0-9]{1,2})?$" example:"150.00"`
}

// Responses

type PaymentResponse struct {
	domain.PaymentRecord
	ExternalReference string `json:"external_reference"`
}

func paymentResponse(p domain.PaymentRecord) PaymentResponse {
	return PaymentResponse{PaymentRecord: p, ExternalReference: engine.ExternalReference(p.BatchID, p.ID)}
}

type BatchDetailResponse struct {
	domain.Batch
	Evaluations []domain.Evaluation `json:"evaluations"`
}

type ReportResponse struct {
	Report  domain.Report  `json:"report"`
	Batch   *domain.Batch  `json:"batch,omitempty"`
	Outcome engine.Outcome `json:"outcome,omitempty" enum:"applied,already_processed"`
}

type RetryPresetResponse struct {
	Name         string  `json:"name"`
	MaxAttempts  int     `json:"max_attempts"`
	InitialDelay string  `json:"initial_delay"`
	Multiplier   float64 `json:"multiplier"`
	MaxDelay     string  `json:"max_delay"`
	Jitter       float64 `json:"jitter"`
	Timeout      string  `json:"timeout"`
}

func retryPresetResponse(p retry.Policy) RetryPresetResponse {
	return RetryPresetResponse{
		Name:         p.Name,
		MaxAttempts:  p.MaxAttempts,
		InitialDelay: p.InitialDelay.String(),
		Multiplier:   p.Multiplier,
		MaxDelay:     p.MaxDelay.String(),
		Jitter:       p.Jitter,
		Timeout:      p.Timeout.String(),
	}
}

type RetryMetricsResponse struct {
	Keys    []retry.KeyMetrics    `json:"keys"`
	Presets []RetryPresetResponse `json:"presets"`
}

func nonNilSlice[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
