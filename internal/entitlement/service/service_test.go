package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/soldiers/internal/clock"
	"github.com/smallbiznis/soldiers/internal/config"
	"github.com/smallbiznis/soldiers/internal/entitlement/domain"
	"github.com/smallbiznis/soldiers/internal/entitlement/repository"
	"github.com/smallbiznis/soldiers/internal/identity"
	providerdomain "github.com/smallbiznis/soldiers/internal/provider/domain"
	"github.com/smallbiznis/soldiers/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeProvider struct {
	subscriptions map[string]*providerdomain.Facts
	byIdentity    map[string]*providerdomain.Facts
	sessions      map[string]*providerdomain.CheckoutSession
	events        map[string]*providerdomain.WebhookEvent
	lookupErr     error
	cancelled     []string
	checkouts     []providerdomain.CheckoutRequest
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		subscriptions: map[string]*providerdomain.Facts{},
		byIdentity:    map[string]*providerdomain.Facts{},
		sessions:      map[string]*providerdomain.CheckoutSession{},
		events:        map[string]*providerdomain.WebhookEvent{},
	}
}

func (f *fakeProvider) Name() string { return "stripe" }

func (f *fakeProvider) FindActiveSubscription(_ context.Context, identity string) (*providerdomain.Facts, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	facts, ok := f.byIdentity[identity]
	if !ok {
		return nil, providerdomain.ErrNotFound
	}
	return facts, nil
}

func (f *fakeProvider) GetSubscription(_ context.Context, subscriptionRef string) (*providerdomain.Facts, error) {
	facts, ok := f.subscriptions[subscriptionRef]
	if !ok {
		return nil, providerdomain.ErrNotFound
	}
	return facts, nil
}

func (f *fakeProvider) GetCheckoutSession(_ context.Context, sessionRef string) (*providerdomain.CheckoutSession, error) {
	session, ok := f.sessions[sessionRef]
	if !ok {
		return nil, providerdomain.ErrNotFound
	}
	return session, nil
}

func (f *fakeProvider) CancelSubscription(_ context.Context, subscriptionRef string) error {
	f.cancelled = append(f.cancelled, subscriptionRef)
	return nil
}

func (f *fakeProvider) CreatePortalSession(_ context.Context, customerRef, _ string) (string, error) {
	return "https://billing.example.com/portal/" + customerRef, nil
}

func (f *fakeProvider) CreateCheckoutSession(_ context.Context, req providerdomain.CheckoutRequest) (string, error) {
	f.checkouts = append(f.checkouts, req)
	return "https://checkout.example.com/cs_new", nil
}

func (f *fakeProvider) ParseWebhook(payload []byte, signature string) (*providerdomain.WebhookEvent, error) {
	if signature != "valid" {
		return nil, providerdomain.ErrInvalidSignature
	}
	event, ok := f.events[string(payload)]
	if !ok {
		return nil, providerdomain.ErrInvalidPayload
	}
	return event, nil
}

type fixture struct {
	svc      domain.Service
	conn     *gorm.DB
	repo     domain.Repository
	provider *fakeProvider
	clock    *clock.FakeClock
}

func newFixture(t *testing.T, opts ...func(*ServiceParam)) *fixture {
	t.Helper()

	conn := testutil.NewSQLite(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	clk := clock.NewFakeClock(base)
	log := zaptest.NewLogger(t)
	repo := repository.Provide()
	provider := newFakeProvider()

	param := ServiceParam{
		DB:       conn,
		Log:      log,
		GenID:    node,
		Clock:    clk,
		Repo:     repo,
		Owners:   identity.NewDirectory(conn, clk, log),
		Provider: provider,
		Catalog:  config.NewStaticEntitlementConfigHolder(config.DefaultEntitlementConfig()),
		Config: config.Config{Stripe: config.StripeConfig{
			PortalReturn:  "https://app.example.com/billing",
			CheckoutOK:    "https://app.example.com/ok",
			CheckoutAbort: "https://app.example.com/pricing",
		}},
	}
	for _, opt := range opts {
		opt(&param)
	}
	svc := NewService(param)

	return &fixture{svc: svc, conn: conn, repo: param.Repo, provider: provider, clock: clk}
}

func (f *fixture) seed(t *testing.T, record *domain.Record) {
	t.Helper()
	require.NoError(t, f.repo.Upsert(context.Background(), f.conn, record))
}

func (f *fixture) audit(t *testing.T, ownerID string) []domain.AuditLog {
	t.Helper()
	logs, err := f.repo.ListAudit(context.Background(), f.conn, ownerID, 0)
	require.NoError(t, err)
	return logs
}

func monthlyRecord(ownerID string, caps ...string) *domain.Record {
	return &domain.Record{
		OwnerID:                 ownerID,
		PlanKind:                domain.PlanSingle,
		BillingInterval:         domain.IntervalMonth,
		Status:                  domain.StatusActive,
		UnlockedCapabilities:    caps,
		PeriodStart:             base.AddDate(0, 0, -1),
		PeriodEnd:               base.AddDate(0, 0, 29),
		ProviderCustomerRef:     "cus_1",
		ProviderSubscriptionRef: "sub_1",
		ProviderPriceRef:        "price_monthly",
		CreatedAt:               base.AddDate(0, 0, -1),
		UpdatedAt:               base.AddDate(0, 0, -1),
	}
}

func yearlyFacts() *providerdomain.Facts {
	return &providerdomain.Facts{
		CustomerRef:     "cus_1",
		CustomerEmail:   "ada@example.com",
		SubscriptionRef: "sub_1",
		PriceRef:        "price_yearly",
		Interval:        providerdomain.IntervalYear,
		Amount:          19900,
		Currency:        "usd",
		PeriodStart:     base,
		PeriodEnd:       base.AddDate(1, 0, 0),
		Status:          providerdomain.StatusActive,
	}
}

func TestReconcileYearlySubscriptionUnlocksBundleOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.InsertOwner(t, f.conn, "usr_1", "ada@example.com", base)
	f.provider.byIdentity["ada@example.com"] = yearlyFacts()

	res, err := f.svc.Reconcile(ctx, domain.ReconcileRequest{OwnerID: "usr_1"})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionUpsert, res.Action)
	assert.True(t, res.HasAccess)
	require.NotNil(t, res.Record)
	assert.Equal(t, domain.PlanBundle, res.Record.PlanKind)
	assert.Equal(t, domain.NormalizeCapabilities(config.DefaultEntitlementConfig().BundleCapabilities), res.Capabilities)

	// The record now carries the customer ref, which the provider also knows.
	f.provider.byIdentity["cus_1"] = yearlyFacts()
	res, err = f.svc.Reconcile(ctx, domain.ReconcileRequest{OwnerID: "usr_1"})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionKeep, res.Action)

	logs := f.audit(t, "usr_1")
	require.Len(t, logs, 1)
	assert.Equal(t, string(domain.ActionUpsert), logs[0].Action)
	assert.Equal(t, string(domain.EntrySync), logs[0].EntryPoint)
	assert.Empty(t, logs[0].BeforeState)
	assert.NotEmpty(t, logs[0].AfterState)
}

func TestReconcileWithoutEmailFails(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Reconcile(context.Background(), domain.ReconcileRequest{OwnerID: "ghost"})
	assert.ErrorIs(t, err, domain.ErrInvalidEmail)
}

func TestReconcileNotFoundDeletesRealSubscription(t *testing.T) {
	f := newFixture(t)
	f.seed(t, monthlyRecord("usr_1", "buddy"))

	res, err := f.svc.Reconcile(context.Background(), domain.ReconcileRequest{OwnerID: "usr_1", EntryPoint: domain.EntrySweep})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionDelete, res.Action)
	assert.False(t, res.HasAccess)

	_, err = f.svc.Get(context.Background(), "usr_1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	logs := f.audit(t, "usr_1")
	require.Len(t, logs, 1)
	assert.Equal(t, string(domain.EntrySweep), logs[0].EntryPoint)
	assert.NotEmpty(t, logs[0].BeforeState)
}

func TestReconcileProviderFailureLeavesRecord(t *testing.T) {
	f := newFixture(t)
	f.seed(t, monthlyRecord("usr_1", "buddy"))
	f.provider.lookupErr = providerdomain.NewProviderError("find_subscription", errors.New("timeout"))

	_, err := f.svc.Reconcile(context.Background(), domain.ReconcileRequest{OwnerID: "usr_1"})
	require.Error(t, err)
	assert.True(t, providerdomain.IsProviderError(err))

	caps, err := f.svc.GetUnlockedCapabilities(context.Background(), "usr_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"buddy"}, caps)
	assert.Empty(t, f.audit(t, "usr_1"))
}

func TestVerifySessionRequiresCompletedPayment(t *testing.T) {
	f := newFixture(t)
	f.provider.sessions["cs_1"] = &providerdomain.CheckoutSession{
		ID:                "cs_1",
		Status:            providerdomain.SessionStatusOpen,
		PaymentStatus:     providerdomain.PaymentStatusUnpaid,
		ClientReferenceID: "usr_1",
	}

	_, err := f.svc.VerifySession(context.Background(), "usr_1", "cs_1")
	assert.ErrorIs(t, err, domain.ErrPaymentNotCompleted)

	ok, err := f.svc.HasActiveEntitlement(context.Background(), "usr_1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifySessionRejectsOtherOwner(t *testing.T) {
	f := newFixture(t)
	f.provider.sessions["cs_1"] = &providerdomain.CheckoutSession{
		ID:            "cs_1",
		Status:        providerdomain.SessionStatusComplete,
		PaymentStatus: providerdomain.PaymentStatusPaid,
		Metadata:      map[string]string{domain.MetaOwnerID: "usr_2"},
	}

	_, err := f.svc.VerifySession(context.Background(), "usr_1", "cs_1")
	assert.ErrorIs(t, err, domain.ErrSessionOwnerMismatch)

	_, err = f.svc.VerifySession(context.Background(), "usr_1", "cs_missing")
	assert.ErrorIs(t, err, domain.ErrInvalidSession)
}

func TestVerifySessionAppliesSubscription(t *testing.T) {
	f := newFixture(t)
	testutil.InsertOwner(t, f.conn, "usr_1", "ada@example.com", base)
	f.provider.sessions["cs_1"] = &providerdomain.CheckoutSession{
		ID:            "cs_1",
		Mode:          providerdomain.SessionModeSubscription,
		Status:        providerdomain.SessionStatusComplete,
		PaymentStatus: providerdomain.PaymentStatusPaid,
		CustomerEmail: "Ada@Example.com",
		Subscription:  yearlyFacts(),
	}

	res, err := f.svc.VerifySession(context.Background(), "usr_1", "cs_1")
	require.NoError(t, err)
	assert.Equal(t, domain.ActionUpsert, res.Action)
	assert.Equal(t, "sub_1", res.Record.ProviderSubscriptionRef)
	assert.Equal(t, string(domain.EntryVerify), f.audit(t, "usr_1")[0].EntryPoint)
}

func TestWebhookSingleItemPurchaseAddsCapability(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, monthlyRecord("usr_1", "buddy"))
	f.provider.sessions["cs_1"] = &providerdomain.CheckoutSession{
		ID:            "cs_1",
		Mode:          providerdomain.SessionModePayment,
		Status:        providerdomain.SessionStatusComplete,
		PaymentStatus: providerdomain.PaymentStatusPaid,
		AmountTotal:   1900,
		Currency:      "usd",
		Metadata: map[string]string{
			domain.MetaOwnerID:      "usr_1",
			domain.MetaPurchaseType: "single",
			domain.MetaSoldierID:    "pitch-bot",
		},
	}
	f.provider.events["evt_1"] = &providerdomain.WebhookEvent{
		ID:         "evt_1",
		Type:       providerdomain.EventCheckoutSessionCompleted,
		ObjectID:   "cs_1",
		RawPayload: []byte(`{"id":"evt_1"}`),
	}

	res, err := f.svc.HandleWebhook(ctx, []byte("evt_1"), "valid")
	require.NoError(t, err)
	assert.Equal(t, domain.ActionUpsert, res.Action)
	assert.Equal(t, "evt_1", res.EventID)
	assert.Equal(t, []string{"buddy", "pitch-bot"}, res.Capabilities)
	assert.Equal(t, "sub_1", res.Record.ProviderSubscriptionRef)

	res, err = f.svc.HandleWebhook(ctx, []byte("evt_1"), "valid")
	require.NoError(t, err)
	assert.Equal(t, domain.ActionDuplicate, res.Action)
	assert.Len(t, f.audit(t, "usr_1"), 1)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.HandleWebhook(context.Background(), []byte("evt_1"), "forged")
	assert.ErrorIs(t, err, providerdomain.ErrInvalidSignature)
}

func TestWebhookUnknownEventIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	f.provider.events["evt_2"] = &providerdomain.WebhookEvent{ID: "evt_2", Type: "invoice.paid"}

	res, err := f.svc.HandleWebhook(context.Background(), []byte("evt_2"), "valid")
	require.NoError(t, err)
	assert.Equal(t, domain.ActionIgnored, res.Action)
}

func TestWebhookSubscriptionCancelledEmptiesCapabilities(t *testing.T) {
	f := newFixture(t)
	f.seed(t, monthlyRecord("usr_1", "buddy", "pitch-bot"))
	cancelled := yearlyFacts()
	cancelled.Status = providerdomain.StatusCanceled
	f.provider.subscriptions["sub_1"] = cancelled
	f.provider.events["evt_3"] = &providerdomain.WebhookEvent{
		ID:       "evt_3",
		Type:     providerdomain.EventSubscriptionDeleted,
		ObjectID: "sub_1",
	}

	res, err := f.svc.HandleWebhook(context.Background(), []byte("evt_3"), "valid")
	require.NoError(t, err)
	assert.Equal(t, domain.ActionUpsert, res.Action)
	assert.Equal(t, domain.StatusCancelled, res.Record.Status)
	assert.Empty(t, res.Record.UnlockedCapabilities)
	assert.False(t, res.HasAccess)
}

func TestWebhookParksGrantUntilOwnerClaims(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provider.sessions["cs_9"] = &providerdomain.CheckoutSession{
		ID:            "cs_9",
		Mode:          providerdomain.SessionModeSubscription,
		Status:        providerdomain.SessionStatusComplete,
		PaymentStatus: providerdomain.PaymentStatusPaid,
		CustomerEmail: "new@example.com",
		Subscription:  yearlyFacts(),
	}
	f.provider.events["evt_9"] = &providerdomain.WebhookEvent{
		ID:       "evt_9",
		Type:     providerdomain.EventCheckoutSessionCompleted,
		ObjectID: "cs_9",
	}

	res, err := f.svc.HandleWebhook(ctx, []byte("evt_9"), "valid")
	require.NoError(t, err)
	assert.Equal(t, domain.ActionPending, res.Action)

	res, err = f.svc.ClaimPendingGrants(ctx, "usr_9", "NEW@example.com")
	require.NoError(t, err)
	assert.Equal(t, domain.ActionUpsert, res.Action)
	assert.Equal(t, domain.PlanBundle, res.Record.PlanKind)
	assert.True(t, res.HasAccess)

	res, err = f.svc.ClaimPendingGrants(ctx, "usr_10", "new@example.com")
	require.NoError(t, err)
	assert.Equal(t, domain.ActionKeep, res.Action)
	assert.Nil(t, res.Record)
}

func TestGrantSurvivesSyncAndRevokes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.InsertOwner(t, f.conn, "usr_1", "ada@example.com", base)

	_, err := f.svc.Grant(ctx, domain.GrantRequest{OwnerID: "usr_1", Capabilities: []string{"laser-cannon"}})
	assert.ErrorIs(t, err, domain.ErrInvalidCapability)

	res, err := f.svc.Grant(ctx, domain.GrantRequest{
		OwnerID:      "usr_1",
		Capabilities: []string{"pitch-bot"},
		Interval:     domain.IntervalMonth,
		Actor:        "admin:ops",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionUpsert, res.Action)
	assert.Equal(t, domain.PlaceholderRef("grant", "usr_1"), res.Record.ProviderSubscriptionRef)
	assert.Equal(t, base.AddDate(0, 1, 0), res.Record.PeriodEnd)

	res, err = f.svc.Reconcile(ctx, domain.ReconcileRequest{OwnerID: "usr_1"})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionKeep, res.Action)
	assert.Equal(t, []string{"pitch-bot"}, res.Capabilities)

	res, err = f.svc.Revoke(ctx, domain.RevokeRequest{OwnerID: "usr_1", Capabilities: []string{"pitch-bot"}})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionUpsert, res.Action)
	assert.Empty(t, res.Capabilities)

	res, err = f.svc.Revoke(ctx, domain.RevokeRequest{OwnerID: "usr_1", All: true})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionDelete, res.Action)

	_, err = f.svc.Revoke(ctx, domain.RevokeRequest{OwnerID: "usr_1", All: true})
	assert.ErrorIs(t, err, domain.ErrConflict)

	logs := f.audit(t, "usr_1")
	require.Len(t, logs, 3)
	assert.Equal(t, "admin:ops", logs[2].Actor)
	assert.Equal(t, "system", logs[0].Actor)
}

func TestGrantOnCancelledSubscriptionSurvivesSync(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cancelledRecord := monthlyRecord("usr_1")
	cancelledRecord.Status = domain.StatusCancelled
	cancelledRecord.UnlockedCapabilities = []string{}
	f.seed(t, cancelledRecord)

	res, err := f.svc.Grant(ctx, domain.GrantRequest{
		OwnerID:      "usr_1",
		Capabilities: []string{"buddy"},
		Interval:     domain.IntervalMonth,
		Actor:        "admin:ops",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionUpsert, res.Action)
	assert.Equal(t, domain.StatusActive, res.Record.Status)
	assert.Equal(t, domain.PlaceholderRef("grant", "usr_1"), res.Record.ProviderSubscriptionRef)

	// The customer still has the old subscription, now canceled.
	canceled := yearlyFacts()
	canceled.Status = providerdomain.StatusCanceled
	f.provider.byIdentity["cus_1"] = canceled

	res, err = f.svc.Reconcile(ctx, domain.ReconcileRequest{OwnerID: "usr_1"})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionKeep, res.Action)
	assert.Equal(t, []string{"buddy"}, res.Capabilities)

	delete(f.provider.byIdentity, "cus_1")
	res, err = f.svc.Reconcile(ctx, domain.ReconcileRequest{OwnerID: "usr_1"})
	require.NoError(t, err)
	assert.Equal(t, domain.ActionKeep, res.Action)
	assert.True(t, res.HasAccess)
}

func TestGrantRejectsPastExpiry(t *testing.T) {
	f := newFixture(t)
	past := base.Add(-time.Hour)

	_, err := f.svc.Grant(context.Background(), domain.GrantRequest{OwnerID: "usr_1", Until: &past})
	assert.ErrorIs(t, err, domain.ErrInvalidPlan)
}

func TestCancelOwnerCancelsProviderSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, monthlyRecord("usr_1", "buddy"))

	res, err := f.svc.CancelOwner(ctx, "usr_1", "admin:ops")
	require.NoError(t, err)
	assert.Equal(t, domain.ActionDelete, res.Action)
	assert.Equal(t, []string{"sub_1"}, f.provider.cancelled)

	_, err = f.svc.CancelOwner(ctx, "usr_1", "admin:ops")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCreatePortalNeedsRealCustomer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, monthlyRecord("usr_1", "buddy"))

	url, err := f.svc.CreatePortal(ctx, "usr_1")
	require.NoError(t, err)
	assert.Equal(t, "https://billing.example.com/portal/cus_1", url)

	_, err = f.svc.Grant(ctx, domain.GrantRequest{OwnerID: "usr_2", PlanKind: domain.PlanBundle})
	require.NoError(t, err)
	_, err = f.svc.CreatePortal(ctx, "usr_2")
	assert.ErrorIs(t, err, domain.ErrNoCustomer)
}

func TestCreateCheckoutStampsPurchase(t *testing.T) {
	f := newFixture(t)
	testutil.InsertOwner(t, f.conn, "usr_1", "ada@example.com", base)

	_, err := f.svc.CreateCheckout(context.Background(), domain.CheckoutRequest{OwnerID: "usr_1"})
	assert.ErrorIs(t, err, domain.ErrInvalidPrice)

	url, err := f.svc.CreateCheckout(context.Background(), domain.CheckoutRequest{
		OwnerID:      "usr_1",
		PriceRef:     "price_single",
		Mode:         "payment",
		PurchaseType: "single",
		Soldiers:     []string{"Pitch-Bot"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, url)

	require.Len(t, f.provider.checkouts, 1)
	req := f.provider.checkouts[0]
	assert.Equal(t, "ada@example.com", req.Email)
	assert.Equal(t, "usr_1", req.Metadata[domain.MetaOwnerID])
	assert.Equal(t, "pitch-bot", req.Metadata[domain.MetaSoldiers])
	assert.Equal(t, "https://app.example.com/ok", req.SuccessURL)
}
