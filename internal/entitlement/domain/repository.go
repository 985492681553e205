package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/soldiers/pkg/db/pagination"
	"gorm.io/gorm"
)

// Repository persists entitlement state. Every method runs on the handle it
// is given so callers can compose them inside one transaction.
type Repository interface {
	Get(ctx context.Context, db *gorm.DB, ownerID string) (*Record, error)
	GetForUpdate(ctx context.Context, db *gorm.DB, ownerID string) (*Record, error)
	FindBySubscriptionRef(ctx context.Context, db *gorm.DB, subscriptionRef string) (*Record, error)
	Upsert(ctx context.Context, db *gorm.DB, record *Record) error
	Delete(ctx context.Context, db *gorm.DB, ownerID string) (bool, error)

	InsertAudit(ctx context.Context, db *gorm.DB, entry *AuditLog) error
	ListAudit(ctx context.Context, db *gorm.DB, ownerID string, limit int) ([]AuditLog, error)

	InsertPendingGrant(ctx context.Context, db *gorm.DB, grant *PendingGrant) error
	ListUnclaimedGrants(ctx context.Context, db *gorm.DB, email string) ([]PendingGrant, error)
	MarkGrantClaimed(ctx context.Context, db *gorm.DB, id snowflake.ID, ownerID string, claimedAt time.Time) (bool, error)

	InsertEvent(ctx context.Context, db *gorm.DB, event *ProviderEvent) (bool, error)
	FindEvent(ctx context.Context, db *gorm.DB, provider, providerEventID string) (*ProviderEvent, error)
	MarkEventProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error

	ListSweepCandidates(ctx context.Context, db *gorm.DB, now time.Time, after *pagination.Cursor, limit int) ([]SweepCandidate, error)
}

// OwnerDirectory resolves identities known to this service.
type OwnerDirectory interface {
	EmailFor(ctx context.Context, ownerID string) (string, error)
	OwnerIDForEmail(ctx context.Context, email string) (string, error)
}
