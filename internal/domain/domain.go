package domain

import "github.com/shopspring/decimal"

const (
	BatchDraft             = "draft"
	BatchActive            = "active"
	BatchConcluded         = "concluded"
	BatchEmissionRequested = "emission_requested"
	BatchReportIssued      = "report_issued"
	BatchFinalized         = "finalized"
	BatchCancelled         = "cancelled"
)

const (
	EvaluationStarted     = "started"
	EvaluationInProgress  = "in_progress"
	EvaluationCompleted   = "completed"
	EvaluationDeactivated = "deactivated"
)

const (
	ReportDraft  = "draft"
	ReportIssued = "issued"
)

const (
	PaymentPending = "pending"
	PaymentPaid    = "paid"
)

const (
	RoleAdministrator = "administrator"
	RoleHRManager     = "hr_manager"
	RoleReportIssuer  = "report_issuer"
	RoleGateway       = "payment_gateway"
)

// Actor is the resolved caller identity. The engine trusts only these fields.
type Actor struct {
	ID       string `json:"id"`
	Role     string `json:"role"`
	TenantID string `json:"tenant_id,omitempty"`
}

// System is used for writes made on behalf of the payment gateway.
var System = Actor{ID: "system:payment-gateway", Role: RoleGateway}

type Batch struct {
	ID                  string  `json:"id"`
	TenantID            string  `json:"tenant_id"`
	Title               string  `json:"title,omitempty"`
	Status              string  `json:"status" enum:"draft,active,concluded,emission_requested,report_issued,finalized,cancelled"`
	TotalEvaluations    int     `json:"total_evaluations"`
	CompletedCount      int     `json:"completed_count"`
	DeactivatedCount    int     `json:"deactivated_count"`
	PaymentStatus       string  `json:"payment_status" enum:"pending,paid"`
	PaymentMethod       *string `json:"payment_method,omitempty"`
	PaidAt              *string `json:"paid_at,omitempty" format:"date-time"`
	CreatedBy           string  `json:"created_by"`
	CreatedAt           string  `json:"created_at" format:"date-time"`
	UpdatedAt           string  `json:"updated_at" format:"date-time"`
	ConcludedAt         *string `json:"concluded_at,omitempty" format:"date-time"`
	EmissionRequestedAt *string `json:"emission_requested_at,omitempty" format:"date-time"`
	EmissionRequestedBy *string `json:"emission_requested_by,omitempty"`
	IssuedAt            *string `json:"issued_at,omitempty" format:"date-time"`
	FinalizedAt         *string `json:"finalized_at,omitempty" format:"date-time"`
	CancelledAt         *string `json:"cancelled_at,omitempty" format:"date-time"`
}

type Evaluation struct {
	ID        string `json:"id"`
	BatchID   string `json:"batch_id"`
	SubjectID string `json:"subject_id"`
	Status    string `json:"status" enum:"started,in_progress,completed,deactivated"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// Report shares its id with the owning batch.
type Report struct {
	ID          string  `json:"id"`
	Status      string  `json:"status" enum:"draft,issued"`
	ContentHash *string `json:"content_hash,omitempty"`
	StorageKey  *string `json:"storage_key,omitempty"`
	SizeBytes   *int64  `json:"size_bytes,omitempty"`
	IssuerID    *string `json:"issuer_id,omitempty"`
	IssuedAt    *string `json:"issued_at,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

type PaymentRecord struct {
	ID                string          `json:"id"`
	BatchID           string          `json:"batch_id"`
	TenantID          string          `json:"tenant_id"`
	Amount            decimal.Decimal `json:"amount"`
	Status            string          `json:"status" enum:"pending,paid"`
	ExternalPaymentID *string         `json:"external_payment_id,omitempty"`
	Method            *string         `json:"method,omitempty"`
	PaidAt            *string         `json:"paid_at,omitempty" format:"date-time"`
	CreatedAt         string          `json:"created_at" format:"date-time"`
	UpdatedAt         string          `json:"updated_at" format:"date-time"`
}

type WebhookEvent struct {
	ExternalID        string `json:"external_id"`
	EventType         string `json:"event_type"`
	PaymentExternalID string `json:"payment_external_id,omitempty"`
	Payload           string `json:"payload_json"`
	Outcome           string `json:"outcome"`
	ProcessedAt       string `json:"processed_at" format:"date-time"`
}

type AuditEntry struct {
	ID           string `json:"id"`
	ActorID      string `json:"actor_id"`
	Action       string `json:"action"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	Before       string `json:"before_json,omitempty"`
	After        string `json:"after_json,omitempty"`
	Outcome      string `json:"outcome" enum:"accepted,rejected"`
	ErrorCode    string `json:"error_code,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}
