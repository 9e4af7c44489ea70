package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shopspring/decimal"

	"reportline/internal/apperrors"
	"reportline/internal/audit"
	"reportline/internal/domain"
	"reportline/internal/engine"
	"reportline/internal/retry"
)

type batchPath struct {
	BatchID string `path:"batch_id"`
}

func registerBatches(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-batch",
		Method:        http.MethodPost,
		Path:          "/batches",
		Summary:       "Create batch",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateBatchRequest `json:"body"`
	}) (*struct {
		Body domain.Batch `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := h.e.CreateBatch(ctx, actor, engine.CreateBatchInput{
			ID:       input.Body.ID,
			TenantID: input.Body.TenantID,
			Title:    input.Body.Title,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.Batch `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-batches",
		Method:      http.MethodGet,
		Path:        "/batches",
		Summary:     "List batches",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" doc:"Filter by batch status"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Batch `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := h.e.ListBatches(ctx, actor, input.Status, normalizeLimit(input.Limit))
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body []domain.Batch `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-batch",
		Method:      http.MethodGet,
		Path:        "/batches/{batch_id}",
		Summary:     "Get batch with its evaluations",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *batchPath) (*struct {
		Body BatchDetailResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := h.e.GetBatch(ctx, actor, input.BatchID)
		if err != nil {
			return nil, h.handleError(err)
		}
		evs, err := h.e.ListEvaluations(ctx, actor, input.BatchID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body BatchDetailResponse `json:"body"`
		}{Body: BatchDetailResponse{Batch: b, Evaluations: nonNilSlice(evs)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "recalculate-batch",
		Method:      http.MethodPost,
		Path:        "/batches/{batch_id}/recalculate",
		Summary:     "Re-derive batch status from its evaluations",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *batchPath) (*struct {
		Body engine.RecalcResult `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := h.e.RecalculateBatch(ctx, actor, input.BatchID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body engine.RecalcResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-batch",
		Method:      http.MethodPost,
		Path:        "/batches/{batch_id}/cancel",
		Summary:     "Cancel batch",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		BatchID string             `path:"batch_id"`
		Body    CancelBatchRequest `json:"body" required:"false"`
	}) (*struct {
		Body engine.BatchResult `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := h.e.CancelBatch(ctx, actor, input.BatchID, input.Body.Reason)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body engine.BatchResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "finalize-batch",
		Method:      http.MethodPost,
		Path:        "/batches/{batch_id}/finalize",
		Summary:     "Finalize batch after report issue",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *batchPath) (*struct {
		Body engine.BatchResult `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := h.e.FinalizeBatch(ctx, actor, input.BatchID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body engine.BatchResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerEvaluations(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-evaluation",
		Method:        http.MethodPost,
		Path:          "/batches/{batch_id}/evaluations",
		Summary:       "Release an evaluation into a batch",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		BatchID string               `path:"batch_id"`
		Body    AddEvaluationRequest `json:"body"`
	}) (*struct {
		Body domain.Evaluation `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ev, err := h.e.AddEvaluation(ctx, actor, input.BatchID, engine.AddEvaluationInput{
			ID:        input.Body.ID,
			SubjectID: input.Body.SubjectID,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.Evaluation `json:"body"`
		}{Body: ev}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-evaluation-status",
		Method:      http.MethodPost,
		Path:        "/evaluations/{evaluation_id}/status",
		Summary:     "Move an evaluation and recalculate its batch",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		EvaluationID string                     `path:"evaluation_id"`
		Body         SetEvaluationStatusRequest `json:"body"`
	}) (*struct {
		Body engine.EvaluationResult `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := h.e.UpdateEvaluationStatus(ctx, actor, input.EvaluationID, input.Body.Status)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body engine.EvaluationResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerEmission(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "request-emission",
		Method:      http.MethodPost,
		Path:        "/batches/{batch_id}/emission",
		Summary:     "Request report emission for a concluded batch",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *batchPath) (*struct {
		Body engine.EmissionResult `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := h.e.RequestEmission(ctx, actor, input.BatchID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body engine.EmissionResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-report",
		Method:      http.MethodPut,
		Path:        "/batches/{batch_id}/report",
		Summary:     "Upload the report artifact and issue the report",
		Description: "The body is the raw PDF. Repeating the upload with identical bytes returns the issued report; different bytes are rejected.",
		RequestBody: &huma.RequestBody{
			Required: true,
			Content: map[string]*huma.MediaType{
				"application/pdf": {Schema: &huma.Schema{Type: "string", Format: "binary"}},
			},
		},
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		BatchID     string `path:"batch_id"`
		ContentHash string `header:"X-Content-SHA256"`
	}) (*struct {
		Status int
		Body   ReportResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := h.e.ConfirmArtifact(ctx, actor, engine.ConfirmInput{
			BatchID:    input.BatchID,
			Data:       bodyBytes(ctx),
			ClientHash: input.ContentHash,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		status := http.StatusCreated
		if res.Outcome == engine.OutcomeAlreadyProcessed {
			status = http.StatusOK
		}
		batch := res.Batch
		return &struct {
			Status int
			Body   ReportResponse `json:"body"`
		}{Status: status, Body: ReportResponse{Report: res.Report, Batch: &batch, Outcome: res.Outcome}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-report",
		Method:      http.MethodGet,
		Path:        "/batches/{batch_id}/report",
		Summary:     "Get report metadata",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *batchPath) (*struct {
		Body ReportResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rep, err := h.e.GetReport(ctx, actor, input.BatchID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body ReportResponse `json:"body"`
		}{Body: ReportResponse{Report: rep}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-report",
		Method:      http.MethodPost,
		Path:        "/batches/{batch_id}/report/verify",
		Summary:     "Re-hash the stored artifact against the issued hash",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *batchPath) (*struct {
		Body engine.Verification `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := h.e.VerifyReport(ctx, actor, input.BatchID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body engine.Verification `json:"body"`
		}{Body: v}, nil
	})
}

func registerPayments(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-payment",
		Method:        http.MethodPost,
		Path:          "/batches/{batch_id}/payments",
		Summary:       "Open a pending payment for a batch",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		BatchID string               `path:"batch_id"`
		Body    CreatePaymentRequest `json:"body"`
	}) (*struct {
		Body PaymentResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		amount, err := decimal.NewFromString(input.Body.Amount)
		if err != nil {
			return nil, h.handleError(apperrors.Validation("invalid amount", []string{err.Error()}))
		}
		p, err := h.e.CreatePayment(ctx, actor, engine.CreatePaymentInput{
			ID:      input.Body.ID,
			BatchID: input.BatchID,
			Amount:  amount,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body PaymentResponse `json:"body"`
		}{Body: paymentResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-payments",
		Method:      http.MethodGet,
		Path:        "/batches/{batch_id}/payments",
		Summary:     "List batch payments",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *batchPath) (*struct {
		Body []PaymentResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := h.e.ListPayments(ctx, actor, input.BatchID)
		if err != nil {
			return nil, h.handleError(err)
		}
		resp := make([]PaymentResponse, 0, len(items))
		for _, p := range items {
			resp = append(resp, paymentResponse(p))
		}
		return &struct {
			Body []PaymentResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerWebhooks(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "payment-webhook",
		Method:      http.MethodPost,
		Path:        "/webhooks/payments",
		Summary:     "Receive a payment gateway event",
		Description: "Deliveries are deduplicated by event id. A redelivered event returns outcome already_processed without side effects.",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusUnprocessableEntity, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		AccessToken string `header:"asaas-access-token"`
	}) (*struct {
		Body engine.WebhookResult `json:"body"`
	}, error) {
		if !h.auth.validWebhookToken(input.AccessToken) {
			h.logger.WithField("module", "webhook").Warn("rejected delivery with invalid token")
			return nil, newAPIError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid webhook token", nil)
		}
		res, err := h.e.ReceiveWebhook(ctx, bodyBytes(ctx))
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body engine.WebhookResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerAudit(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "List audit entries, newest first",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ResourceType string `query:"resource_type"`
		ResourceID   string `query:"resource_id"`
		ActorID      string `query:"actor_id"`
		Limit        int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.AuditEntry `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := h.e.ListAudit(ctx, actor, audit.Filter{
			ResourceType: input.ResourceType,
			ResourceID:   input.ResourceID,
			ActorID:      input.ActorID,
			Limit:        normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body []domain.AuditEntry `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-metrics",
		Method:      http.MethodGet,
		Path:        "/retry/metrics",
		Summary:     "Retry counters and breaker state per key",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body RetryMetricsResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := h.e.RetryMetrics(ctx, actor)
		if err != nil {
			return nil, h.handleError(err)
		}
		resp := RetryMetricsResponse{Keys: nonNilSlice(keys)}
		for _, name := range retry.PresetNames() {
			p, _ := retry.Preset(name)
			resp.Presets = append(resp.Presets, retryPresetResponse(p))
		}
		return &struct {
			Body RetryMetricsResponse `json:"body"`
		}{Body: resp}, nil
	})
}
