// Package domain holds the entitlement record, its vocabulary and the
// persistence contracts of the entitlement store.
package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type PlanKind string

const (
	PlanSingle       PlanKind = "SINGLE"
	PlanBundle       PlanKind = "BUNDLE"
	PlanStarter      PlanKind = "STARTER"
	PlanProfessional PlanKind = "PROFESSIONAL"
)

type Interval string

const (
	IntervalMonth Interval = "MONTH"
	IntervalYear  Interval = "YEAR"
)

type Status string

const (
	StatusActive     Status = "ACTIVE"
	StatusCancelled  Status = "CANCELLED"
	StatusPastDue    Status = "PAST_DUE"
	StatusIncomplete Status = "INCOMPLETE"
	StatusTrialing   Status = "TRIALING"
)

// PlaceholderPrefix marks provider refs written by manual grants.
const PlaceholderPrefix = "manual_"

type EntryPoint string

const (
	EntryWebhook EntryPoint = "webhook"
	EntrySync    EntryPoint = "sync"
	EntrySweep   EntryPoint = "sweep"
	EntryAdmin   EntryPoint = "admin"
	EntryVerify  EntryPoint = "verify"
	EntryClaim   EntryPoint = "claim"
)

// Record is the single entitlement row of an owner.
type Record struct {
	OwnerID                 string    `json:"owner_id"`
	PlanKind                PlanKind  `json:"plan_kind"`
	BillingInterval         Interval  `json:"billing_interval"`
	Status                  Status    `json:"status"`
	UnlockedCapabilities    []string  `json:"unlocked_capabilities"`
	PeriodStart             time.Time `json:"period_start"`
	PeriodEnd               time.Time `json:"period_end"`
	ProviderCustomerRef     string    `json:"provider_customer_ref,omitempty"`
	ProviderSubscriptionRef string    `json:"provider_subscription_ref,omitempty"`
	ProviderPriceRef        string    `json:"provider_price_ref,omitempty"`
	CreatedAt               time.Time `json:"created_at"`
	UpdatedAt               time.Time `json:"updated_at"`
}

func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.UnlockedCapabilities = append([]string(nil), r.UnlockedCapabilities...)
	return &out
}

// HasRealSubscription reports a provider subscription ref that is not a
// manual placeholder.
func (r *Record) HasRealSubscription() bool {
	if r == nil {
		return false
	}
	return !IsPlaceholderRef(r.ProviderSubscriptionRef)
}

func (r *Record) IsManual() bool {
	return r != nil && strings.HasPrefix(r.ProviderSubscriptionRef, PlaceholderPrefix)
}

// HasAccess is true for ACTIVE or TRIALING records whose period has not ended.
func (r *Record) HasAccess(now time.Time) bool {
	if r == nil {
		return false
	}
	if r.Status != StatusActive && r.Status != StatusTrialing {
		return false
	}
	return r.PeriodEnd.After(now)
}

// EffectiveCapabilities is what readers may unlock right now.
func (r *Record) EffectiveCapabilities(now time.Time) []string {
	if !r.HasAccess(now) {
		return []string{}
	}
	return NormalizeCapabilities(r.UnlockedCapabilities)
}

// IsPlaceholderRef is true for empty refs and manual_ placeholders.
func IsPlaceholderRef(ref string) bool {
	ref = strings.TrimSpace(ref)
	return ref == "" || strings.HasPrefix(ref, PlaceholderPrefix)
}

func PlaceholderRef(kind, ownerID string) string {
	return PlaceholderPrefix + kind + "_" + ownerID
}

// PendingGrant parks a paid grant for an email that has no owner yet.
type PendingGrant struct {
	ID                      snowflake.ID
	Email                   string
	PlanKind                PlanKind
	BillingInterval         Interval
	Status                  Status
	Capabilities            []string
	Amount                  int64
	ProviderCustomerRef     string
	ProviderSubscriptionRef string
	ProviderPriceRef        string
	PeriodStart             time.Time
	PeriodEnd               time.Time
	CreatedAt               time.Time
	ClaimedAt               *time.Time
	ClaimedBy               *string
}

// ProviderEvent records webhook deliveries for idempotency.
type ProviderEvent struct {
	ID              snowflake.ID   `gorm:"primaryKey"`
	Provider        string         `gorm:"type:text;not null"`
	ProviderEventID string         `gorm:"type:text;not null"`
	EventType       string         `gorm:"type:text;not null"`
	Payload         datatypes.JSON `gorm:"type:jsonb;not null"`
	ReceivedAt      time.Time      `gorm:"not null"`
	ProcessedAt     *time.Time
}

func (ProviderEvent) TableName() string { return "provider_events" }

// AuditLog is written once per entitlement mutation.
type AuditLog struct {
	ID          snowflake.ID   `gorm:"primaryKey" json:"id"`
	OwnerID     string         `gorm:"type:text;not null;index" json:"owner_id"`
	EntryPoint  string         `gorm:"type:text;not null" json:"entry_point"`
	Action      string         `gorm:"type:text;not null" json:"action"`
	Actor       string         `gorm:"type:text;not null" json:"actor"`
	BeforeState datatypes.JSON `gorm:"type:jsonb" json:"before,omitempty"`
	AfterState  datatypes.JSON `gorm:"type:jsonb" json:"after,omitempty"`
	CreatedAt   time.Time      `gorm:"not null" json:"created_at"`
}

func (AuditLog) TableName() string { return "entitlement_audit_logs" }

// SweepCandidate is an owner whose entitlement is not confirmed active.
type SweepCandidate struct {
	OwnerID   string
	Email     string
	CreatedAt time.Time
}
