package domain

import (
	"context"
	"time"
)

type Action string

const (
	ActionKeep      Action = "KEEP"
	ActionUpsert    Action = "UPSERT"
	ActionDelete    Action = "DELETE"
	ActionPending   Action = "PENDING"
	ActionIgnored   Action = "IGNORED"
	ActionDuplicate Action = "DUPLICATE"
)

// Result is what every entry point reports back.
type Result struct {
	OwnerID      string    `json:"owner_id,omitempty"`
	Action       Action    `json:"action"`
	Record       *Record   `json:"record,omitempty"`
	Capabilities []string  `json:"capabilities"`
	HasAccess    bool      `json:"has_access"`
	EventID      string    `json:"event_id,omitempty"`
	EventType    string    `json:"event_type,omitempty"`
	Email        string    `json:"-"`
	EvaluatedAt  time.Time `json:"evaluated_at"`
}

type ReconcileRequest struct {
	OwnerID    string
	Email      string
	EntryPoint EntryPoint
}

type GrantRequest struct {
	OwnerID      string
	Capabilities []string
	PlanKind     PlanKind
	Interval     Interval
	Until        *time.Time
	Actor        string
}

// RevokeRequest removes capabilities; All deletes the record.
type RevokeRequest struct {
	OwnerID      string
	Capabilities []string
	All          bool
	Actor        string
}

type CheckoutRequest struct {
	OwnerID      string
	Email        string
	PriceRef     string
	PurchaseType string
	PlanType     string
	Soldiers     []string
	Mode         string
}

type Service interface {
	HandleWebhook(ctx context.Context, payload []byte, signature string) (*Result, error)
	SyncSession(ctx context.Context, ownerID, sessionRef string) (*Result, error)
	Reconcile(ctx context.Context, req ReconcileRequest) (*Result, error)
	Grant(ctx context.Context, req GrantRequest) (*Result, error)
	Revoke(ctx context.Context, req RevokeRequest) (*Result, error)
	CancelOwner(ctx context.Context, ownerID, actor string) (*Result, error)
	VerifySession(ctx context.Context, ownerID, sessionRef string) (*Result, error)
	ClaimPendingGrants(ctx context.Context, ownerID, email string) (*Result, error)

	Get(ctx context.Context, ownerID string) (*Record, error)
	GetUnlockedCapabilities(ctx context.Context, ownerID string) ([]string, error)
	HasActiveEntitlement(ctx context.Context, ownerID string) (bool, error)
	ListAudit(ctx context.Context, ownerID string, limit int) ([]AuditLog, error)

	CreateCheckout(ctx context.Context, req CheckoutRequest) (string, error)
	CreatePortal(ctx context.Context, ownerID string) (string, error)
}
