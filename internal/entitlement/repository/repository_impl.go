package repository

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/soldiers/internal/entitlement/domain"
	"github.com/smallbiznis/soldiers/pkg/db"
	"github.com/smallbiznis/soldiers/pkg/db/pagination"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const recordColumns = `owner_id, plan_kind, billing_interval, status, unlocked_capabilities,
	period_start, period_end, provider_customer_ref, provider_subscription_ref,
	provider_price_ref, created_at, updated_at`

type recordRow struct {
	OwnerID                 string
	PlanKind                string
	BillingInterval         string
	Status                  string
	UnlockedCapabilities    datatypes.JSON
	PeriodStart             time.Time
	PeriodEnd               time.Time
	ProviderCustomerRef     string
	ProviderSubscriptionRef string
	ProviderPriceRef        string
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

func (r *repo) Get(ctx context.Context, conn *gorm.DB, ownerID string) (*domain.Record, error) {
	return r.get(ctx, conn, ownerID, false)
}

// GetForUpdate locks the row until the surrounding transaction ends on
// databases that support row locks.
func (r *repo) GetForUpdate(ctx context.Context, conn *gorm.DB, ownerID string) (*domain.Record, error) {
	return r.get(ctx, conn, ownerID, db.SupportsRowLocks(conn))
}

func (r *repo) get(ctx context.Context, conn *gorm.DB, ownerID string, lock bool) (*domain.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM entitlements WHERE owner_id = ? LIMIT 1`
	if lock {
		query += ` FOR UPDATE`
	}

	var rows []recordRow
	if err := conn.WithContext(ctx).Raw(query, ownerID).Scan(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return toRecord(rows[0])
}

func (r *repo) FindBySubscriptionRef(ctx context.Context, conn *gorm.DB, subscriptionRef string) (*domain.Record, error) {
	var rows []recordRow
	err := conn.WithContext(ctx).Raw(
		`SELECT `+recordColumns+`
		 FROM entitlements
		 WHERE provider_subscription_ref = ?
		 ORDER BY updated_at DESC
		 LIMIT 1`,
		subscriptionRef,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return toRecord(rows[0])
}

func (r *repo) Upsert(ctx context.Context, conn *gorm.DB, record *domain.Record) error {
	caps, err := json.Marshal(domain.NormalizeCapabilities(record.UnlockedCapabilities))
	if err != nil {
		return err
	}

	conflict := `ON CONFLICT (owner_id) DO UPDATE SET
			plan_kind = EXCLUDED.plan_kind,
			billing_interval = EXCLUDED.billing_interval,
			status = EXCLUDED.status,
			unlocked_capabilities = EXCLUDED.unlocked_capabilities,
			period_start = EXCLUDED.period_start,
			period_end = EXCLUDED.period_end,
			provider_customer_ref = EXCLUDED.provider_customer_ref,
			provider_subscription_ref = EXCLUDED.provider_subscription_ref,
			provider_price_ref = EXCLUDED.provider_price_ref,
			updated_at = EXCLUDED.updated_at`
	if conn.Dialector.Name() == "mysql" {
		conflict = `ON DUPLICATE KEY UPDATE
			plan_kind = VALUES(plan_kind),
			billing_interval = VALUES(billing_interval),
			status = VALUES(status),
			unlocked_capabilities = VALUES(unlocked_capabilities),
			period_start = VALUES(period_start),
			period_end = VALUES(period_end),
			provider_customer_ref = VALUES(provider_customer_ref),
			provider_subscription_ref = VALUES(provider_subscription_ref),
			provider_price_ref = VALUES(provider_price_ref),
			updated_at = VALUES(updated_at)`
	}

	return conn.WithContext(ctx).Exec(
		`INSERT INTO entitlements (`+recordColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 `+conflict,
		record.OwnerID,
		string(record.PlanKind),
		string(record.BillingInterval),
		string(record.Status),
		datatypes.JSON(caps),
		record.PeriodStart.UTC(),
		record.PeriodEnd.UTC(),
		record.ProviderCustomerRef,
		record.ProviderSubscriptionRef,
		record.ProviderPriceRef,
		record.CreatedAt.UTC(),
		record.UpdatedAt.UTC(),
	).Error
}

func (r *repo) Delete(ctx context.Context, conn *gorm.DB, ownerID string) (bool, error) {
	res := conn.WithContext(ctx).Exec(`DELETE FROM entitlements WHERE owner_id = ?`, ownerID)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) InsertAudit(ctx context.Context, conn *gorm.DB, entry *domain.AuditLog) error {
	return conn.WithContext(ctx).Exec(
		`INSERT INTO entitlement_audit_logs (
			id, owner_id, entry_point, action, actor, before_state, after_state, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.OwnerID,
		entry.EntryPoint,
		entry.Action,
		entry.Actor,
		nullableJSON(entry.BeforeState),
		nullableJSON(entry.AfterState),
		entry.CreatedAt.UTC(),
	).Error
}

func (r *repo) ListAudit(ctx context.Context, conn *gorm.DB, ownerID string, limit int) ([]domain.AuditLog, error) {
	limit = pagination.NormalizePageSize(limit, 50, 500)
	var items []domain.AuditLog
	err := conn.WithContext(ctx).Raw(
		`SELECT id, owner_id, entry_point, action, actor, before_state, after_state, created_at
		 FROM entitlement_audit_logs
		 WHERE owner_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		ownerID,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

type pendingGrantRow struct {
	ID                      snowflake.ID
	Email                   string
	PlanKind                string
	BillingInterval         string
	Status                  string
	Capabilities            datatypes.JSON
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

func (r *repo) InsertPendingGrant(ctx context.Context, conn *gorm.DB, grant *domain.PendingGrant) error {
	caps, err := json.Marshal(domain.NormalizeCapabilities(grant.Capabilities))
	if err != nil {
		return err
	}
	return conn.WithContext(ctx).Exec(
		`INSERT INTO pending_grants (
			id, email, plan_kind, billing_interval, status, capabilities, amount,
			provider_customer_ref, provider_subscription_ref, provider_price_ref,
			period_start, period_end, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		grant.ID,
		strings.ToLower(strings.TrimSpace(grant.Email)),
		string(grant.PlanKind),
		string(grant.BillingInterval),
		string(grant.Status),
		datatypes.JSON(caps),
		grant.Amount,
		grant.ProviderCustomerRef,
		grant.ProviderSubscriptionRef,
		grant.ProviderPriceRef,
		grant.PeriodStart.UTC(),
		grant.PeriodEnd.UTC(),
		grant.CreatedAt.UTC(),
	).Error
}

func (r *repo) ListUnclaimedGrants(ctx context.Context, conn *gorm.DB, email string) ([]domain.PendingGrant, error) {
	var rows []pendingGrantRow
	err := conn.WithContext(ctx).Raw(
		`SELECT id, email, plan_kind, billing_interval, status, capabilities, amount,
			provider_customer_ref, provider_subscription_ref, provider_price_ref,
			period_start, period_end, created_at, claimed_at, claimed_by
		 FROM pending_grants
		 WHERE email = ? AND claimed_at IS NULL
		 ORDER BY created_at ASC, id ASC`,
		strings.ToLower(strings.TrimSpace(email)),
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]domain.PendingGrant, 0, len(rows))
	for _, row := range rows {
		var caps []string
		if len(row.Capabilities) > 0 {
			if err := json.Unmarshal(row.Capabilities, &caps); err != nil {
				return nil, err
			}
		}
		out = append(out, domain.PendingGrant{
			ID:                      row.ID,
			Email:                   row.Email,
			PlanKind:                domain.PlanKind(row.PlanKind),
			BillingInterval:         domain.Interval(row.BillingInterval),
			Status:                  domain.Status(row.Status),
			Capabilities:            domain.NormalizeCapabilities(caps),
			Amount:                  row.Amount,
			ProviderCustomerRef:     row.ProviderCustomerRef,
			ProviderSubscriptionRef: row.ProviderSubscriptionRef,
			ProviderPriceRef:        row.ProviderPriceRef,
			PeriodStart:             row.PeriodStart,
			PeriodEnd:               row.PeriodEnd,
			CreatedAt:               row.CreatedAt,
			ClaimedAt:               row.ClaimedAt,
			ClaimedBy:               row.ClaimedBy,
		})
	}
	return out, nil
}

// MarkGrantClaimed is a compare-and-set; false means another request won.
func (r *repo) MarkGrantClaimed(ctx context.Context, conn *gorm.DB, id snowflake.ID, ownerID string, claimedAt time.Time) (bool, error) {
	res := conn.WithContext(ctx).Exec(
		`UPDATE pending_grants
		 SET claimed_at = ?, claimed_by = ?
		 WHERE id = ? AND claimed_at IS NULL`,
		claimedAt.UTC(),
		ownerID,
		id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// InsertEvent reports false when the delivery was already recorded.
func (r *repo) InsertEvent(ctx context.Context, conn *gorm.DB, event *domain.ProviderEvent) (bool, error) {
	insert := `INSERT INTO provider_events`
	conflict := ` ON CONFLICT (provider, provider_event_id) DO NOTHING`
	if conn.Dialector.Name() == "mysql" {
		insert = `INSERT IGNORE INTO provider_events`
		conflict = ``
	}

	res := conn.WithContext(ctx).Exec(
		insert+` (
			id, provider, provider_event_id, event_type, payload, received_at, processed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`+conflict,
		event.ID,
		event.Provider,
		event.ProviderEventID,
		event.EventType,
		event.Payload,
		event.ReceivedAt.UTC(),
		event.ProcessedAt,
	)
	if res.Error != nil {
		if db.IsDuplicateKeyErr(res.Error) {
			return false, nil
		}
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindEvent(ctx context.Context, conn *gorm.DB, provider, providerEventID string) (*domain.ProviderEvent, error) {
	var items []domain.ProviderEvent
	err := conn.WithContext(ctx).Raw(
		`SELECT id, provider, provider_event_id, event_type, payload, received_at, processed_at
		 FROM provider_events
		 WHERE provider = ? AND provider_event_id = ?
		 LIMIT 1`,
		provider,
		providerEventID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

func (r *repo) MarkEventProcessed(ctx context.Context, conn *gorm.DB, id snowflake.ID, processedAt time.Time) error {
	return conn.WithContext(ctx).Exec(
		`UPDATE provider_events
		 SET processed_at = ?
		 WHERE id = ?`,
		processedAt.UTC(),
		id,
	).Error
}

// ListSweepCandidates pages through owners that have no record, a
// non-ACTIVE record, or an expired one, in (created_at, id) order.
func (r *repo) ListSweepCandidates(ctx context.Context, conn *gorm.DB, now time.Time, after *pagination.Cursor, limit int) ([]domain.SweepCandidate, error) {
	limit = pagination.NormalizePageSize(limit, 100, 1000)

	query := `SELECT o.id AS owner_id, o.email AS email, o.created_at AS created_at
		FROM owners o
		LEFT JOIN entitlements e ON e.owner_id = o.id
		WHERE o.email <> ''
		  AND (e.owner_id IS NULL OR e.status <> ? OR e.period_end <= ?)`
	args := []interface{}{string(domain.StatusActive), now.UTC()}
	if after != nil {
		query += ` AND (o.created_at > ? OR (o.created_at = ? AND o.id > ?))`
		args = append(args, after.CreatedAt.UTC(), after.CreatedAt.UTC(), after.ID)
	}
	query += ` ORDER BY o.created_at ASC, o.id ASC LIMIT ?`
	args = append(args, limit)

	var items []domain.SweepCandidate
	if err := conn.WithContext(ctx).Raw(query, args...).Scan(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func toRecord(row recordRow) (*domain.Record, error) {
	caps := []string{}
	if len(row.UnlockedCapabilities) > 0 {
		if err := json.Unmarshal(row.UnlockedCapabilities, &caps); err != nil {
			return nil, err
		}
	}
	return &domain.Record{
		OwnerID:                 row.OwnerID,
		PlanKind:                domain.PlanKind(row.PlanKind),
		BillingInterval:         domain.Interval(row.BillingInterval),
		Status:                  domain.Status(row.Status),
		UnlockedCapabilities:    domain.NormalizeCapabilities(caps),
		PeriodStart:             row.PeriodStart.UTC(),
		PeriodEnd:               row.PeriodEnd.UTC(),
		ProviderCustomerRef:     row.ProviderCustomerRef,
		ProviderSubscriptionRef: row.ProviderSubscriptionRef,
		ProviderPriceRef:        row.ProviderPriceRef,
		CreatedAt:               row.CreatedAt.UTC(),
		UpdatedAt:               row.UpdatedAt.UTC(),
	}, nil
}

func nullableJSON(value datatypes.JSON) interface{} {
	if len(value) == 0 {
		return nil
	}
	return value
}
