package stripe

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/smallbiznis/soldiers/internal/config"
	"github.com/smallbiznis/soldiers/internal/observability/metrics"
	"github.com/smallbiznis/soldiers/internal/provider/domain"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"
)

const (
	providerName     = "stripe"
	customerScanSize = 10
	subscriptionScan = 20
)

// Limiter gates outbound provider calls.
type Limiter interface {
	Wait(ctx context.Context) error
}

type Params struct {
	Config  config.StripeConfig
	Limiter Limiter
	Metrics *metrics.Metrics
	Log     *zap.Logger
}

// Adapter implements domain.Provider on top of stripe-go.
type Adapter struct {
	api           api
	configured    bool
	webhookSecret string
	timeout       time.Duration
	limiter       Limiter
	metrics       *metrics.Metrics
	log           *zap.Logger
}

func New(p Params) *Adapter {
	timeout := p.Config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}

	var calls api
	if key := strings.TrimSpace(p.Config.SecretKey); key != "" {
		httpClient := &http.Client{Timeout: timeout}
		calls = newClientAPI(client.New(key, stripe.NewBackends(httpClient)))
	} else {
		calls = unconfiguredAPI()
	}

	return &Adapter{
		api:           calls,
		configured:    strings.TrimSpace(p.Config.SecretKey) != "",
		webhookSecret: strings.TrimSpace(p.Config.WebhookSecret),
		timeout:       timeout,
		limiter:       p.Limiter,
		metrics:       p.Metrics,
		log:           log.Named("provider.stripe"),
	}
}

func (a *Adapter) Configured() bool {
	return a.configured
}

func (a *Adapter) Name() string {
	return providerName
}

func (a *Adapter) FindActiveSubscription(ctx context.Context, identity string) (*domain.Facts, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, domain.ErrNotFound
	}

	customerID := identity
	email := ""
	if !strings.HasPrefix(identity, "cus_") {
		email = strings.ToLower(identity)
		var customers []*stripe.Customer
		err := a.call(ctx, "customers.list", func(ctx context.Context) error {
			params := &stripe.CustomerListParams{Email: stripe.String(email)}
			params.Context = ctx
			params.Limit = stripe.Int64(customerScanSize)
			var err error
			customers, err = a.api.listCustomers(params, customerScanSize)
			return err
		})
		if err != nil {
			return nil, err
		}
		if len(customers) == 0 {
			return nil, domain.ErrNotFound
		}
		// several customers can share an email; provider order decides.
		customerID = customers[0].ID
	}

	var subs []*stripe.Subscription
	err := a.call(ctx, "subscriptions.list", func(ctx context.Context) error {
		params := &stripe.SubscriptionListParams{
			Customer: stripe.String(customerID),
			Status:   stripe.String("all"),
		}
		params.Context = ctx
		params.Limit = stripe.Int64(subscriptionScan)
		params.AddExpand("data.customer")
		var err error
		subs, err = a.api.listSubscriptions(params, subscriptionScan)
		return err
	})
	if err != nil {
		return nil, err
	}

	sub := pickSubscription(subs)
	if sub == nil {
		return nil, domain.ErrNotFound
	}

	facts := mapSubscription(sub)
	if facts.CustomerEmail == "" {
		facts.CustomerEmail = email
	}
	return facts, nil
}

func (a *Adapter) GetSubscription(ctx context.Context, subscriptionRef string) (*domain.Facts, error) {
	subscriptionRef = strings.TrimSpace(subscriptionRef)
	if subscriptionRef == "" {
		return nil, domain.ErrNotFound
	}

	var sub *stripe.Subscription
	err := a.call(ctx, "subscriptions.get", func(ctx context.Context) error {
		params := &stripe.SubscriptionParams{}
		params.Context = ctx
		params.AddExpand("customer")
		var err error
		sub, err = a.api.getSubscription(subscriptionRef, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return mapSubscription(sub), nil
}

func (a *Adapter) GetCheckoutSession(ctx context.Context, sessionRef string) (*domain.CheckoutSession, error) {
	sessionRef = strings.TrimSpace(sessionRef)
	if sessionRef == "" {
		return nil, domain.ErrNotFound
	}

	var session *stripe.CheckoutSession
	err := a.call(ctx, "checkout_sessions.get", func(ctx context.Context) error {
		params := &stripe.CheckoutSessionParams{}
		params.Context = ctx
		params.AddExpand("subscription")
		params.AddExpand("subscription.customer")
		params.AddExpand("customer")
		var err error
		session, err = a.api.getCheckoutSession(sessionRef, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return mapCheckoutSession(session), nil
}

// CancelSubscription treats an already-missing subscription as cancelled.
func (a *Adapter) CancelSubscription(ctx context.Context, subscriptionRef string) error {
	subscriptionRef = strings.TrimSpace(subscriptionRef)
	if subscriptionRef == "" {
		return nil
	}

	err := a.call(ctx, "subscriptions.cancel", func(ctx context.Context) error {
		params := &stripe.SubscriptionCancelParams{}
		params.Context = ctx
		_, err := a.api.cancelSubscription(subscriptionRef, params)
		return err
	})
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	return err
}

func (a *Adapter) CreatePortalSession(ctx context.Context, customerRef, returnURL string) (string, error) {
	customerRef = strings.TrimSpace(customerRef)
	if customerRef == "" {
		return "", domain.ErrNotFound
	}

	var session *stripe.BillingPortalSession
	err := a.call(ctx, "billing_portal.create", func(ctx context.Context) error {
		params := &stripe.BillingPortalSessionParams{
			Customer:  stripe.String(customerRef),
			ReturnURL: stripe.String(returnURL),
		}
		params.Context = ctx
		var err error
		session, err = a.api.newPortalSession(params)
		return err
	})
	if err != nil {
		return "", err
	}
	return session.URL, nil
}

func (a *Adapter) CreateCheckoutSession(ctx context.Context, req domain.CheckoutRequest) (string, error) {
	priceRef := strings.TrimSpace(req.PriceRef)
	if priceRef == "" {
		return "", domain.ErrNotFound
	}
	mode := req.Mode
	if mode == "" {
		mode = domain.SessionModeSubscription
	}
	quantity := req.Quantity
	if quantity <= 0 {
		quantity = 1
	}

	metadata := make(map[string]string, len(req.Metadata)+1)
	for key, value := range req.Metadata {
		metadata[key] = value
	}
	if req.OwnerID != "" {
		metadata["owner_id"] = req.OwnerID
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(mode),
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceRef),
				Quantity: stripe.Int64(quantity),
			},
		},
	}
	if req.OwnerID != "" {
		params.ClientReferenceID = stripe.String(req.OwnerID)
	}
	for key, value := range metadata {
		params.AddMetadata(key, value)
	}
	if req.CustomerRef != "" {
		params.Customer = stripe.String(req.CustomerRef)
	} else if req.Email != "" {
		params.CustomerEmail = stripe.String(req.Email)
	}
	if mode == domain.SessionModeSubscription {
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{Metadata: metadata}
	}

	var session *stripe.CheckoutSession
	err := a.call(ctx, "checkout_sessions.create", func(ctx context.Context) error {
		params.Context = ctx
		var err error
		session, err = a.api.newCheckoutSession(params)
		return err
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(session.URL) == "" {
		return "", domain.NewProviderError("checkout_sessions.create", errors.New("empty checkout url"))
	}
	return session.URL, nil
}

func (a *Adapter) ParseWebhook(payload []byte, signatureHeader string) (*domain.WebhookEvent, error) {
	if a.webhookSecret == "" {
		return nil, domain.ErrNotConfigured
	}
	if strings.TrimSpace(signatureHeader) == "" {
		return nil, domain.ErrInvalidSignature
	}

	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, a.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if errors.Is(err, webhook.ErrNotSigned) || errors.Is(err, webhook.ErrNoValidSignature) ||
			errors.Is(err, webhook.ErrInvalidHeader) || errors.Is(err, webhook.ErrTooOld) {
			return nil, domain.ErrInvalidSignature
		}
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, domain.ErrInvalidPayload
	}

	objectID := ""
	if event.Data != nil && event.Data.Object != nil {
		if id, ok := event.Data.Object["id"].(string); ok {
			objectID = id
		}
	}

	return &domain.WebhookEvent{
		ID:         event.ID,
		Type:       string(event.Type),
		ObjectID:   objectID,
		Livemode:   event.Livemode,
		CreatedAt:  unixTime(event.Created),
		RawPayload: payload,
	}, nil
}

// call applies the rate limit and per-call timeout and maps every failure
// into the provider error taxonomy.
func (a *Adapter) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			a.metrics.RecordProviderCall(ctx, providerName, op, "rate_limited")
			return domain.NewProviderError(op, err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	err := fn(callCtx)
	mapped := mapError(op, err)

	outcome := "ok"
	switch {
	case mapped == nil:
	case errors.Is(mapped, domain.ErrNotFound):
		outcome = "not_found"
	default:
		outcome = "error"
		a.log.Warn("stripe call failed",
			zap.String("operation", op),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(mapped),
		)
	}
	a.metrics.RecordProviderCall(ctx, providerName, op, outcome)
	a.metrics.ObserveProviderLatency(ctx, providerName, op, time.Since(start))
	return mapped
}

func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrNotFound) {
		return err
	}

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.Code == stripe.ErrorCodeResourceMissing {
			return domain.ErrNotFound
		}
		return &domain.ProviderError{
			Op:         op,
			Code:       string(stripeErr.Code),
			StatusCode: stripeErr.HTTPStatusCode,
			Err:        err,
		}
	}
	return domain.NewProviderError(op, err)
}

// pickSubscription prefers the first active-like subscription in provider
// order, else the most recently created one.
func pickSubscription(subs []*stripe.Subscription) *stripe.Subscription {
	if len(subs) == 0 {
		return nil
	}
	for _, sub := range subs {
		if sub == nil {
			continue
		}
		switch sub.Status {
		case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing, stripe.SubscriptionStatusPastDue:
			return sub
		}
	}

	candidates := make([]*stripe.Subscription, 0, len(subs))
	for _, sub := range subs {
		if sub != nil {
			candidates = append(candidates, sub)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Created > candidates[j].Created
	})
	return candidates[0]
}

func mapSubscription(sub *stripe.Subscription) *domain.Facts {
	if sub == nil {
		return nil
	}
	facts := &domain.Facts{
		SubscriptionRef: sub.ID,
		Status:          domain.SubscriptionStatus(sub.Status),
		Metadata:        copyMetadata(sub.Metadata),
		CreatedAt:       unixTime(sub.Created),
	}
	if sub.Customer != nil {
		facts.CustomerRef = sub.Customer.ID
		facts.CustomerEmail = strings.ToLower(strings.TrimSpace(sub.Customer.Email))
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item == nil {
				continue
			}
			facts.PeriodStart = unixTime(item.CurrentPeriodStart)
			facts.PeriodEnd = unixTime(item.CurrentPeriodEnd)
			if item.Price != nil {
				quantity := item.Quantity
				if quantity <= 0 {
					quantity = 1
				}
				facts.PriceRef = item.Price.ID
				facts.Amount = item.Price.UnitAmount * quantity
				facts.Currency = strings.ToUpper(string(item.Price.Currency))
				if item.Price.Recurring != nil {
					facts.Interval = domain.Interval(item.Price.Recurring.Interval)
				}
			}
			break
		}
	}
	return facts
}

func mapCheckoutSession(session *stripe.CheckoutSession) *domain.CheckoutSession {
	if session == nil {
		return nil
	}
	out := &domain.CheckoutSession{
		ID:                session.ID,
		Mode:              string(session.Mode),
		Status:            string(session.Status),
		PaymentStatus:     string(session.PaymentStatus),
		CustomerEmail:     strings.ToLower(strings.TrimSpace(session.CustomerEmail)),
		ClientReferenceID: strings.TrimSpace(session.ClientReferenceID),
		AmountTotal:       session.AmountTotal,
		Currency:          strings.ToUpper(string(session.Currency)),
		Metadata:          copyMetadata(session.Metadata),
	}
	if session.Customer != nil {
		out.CustomerRef = session.Customer.ID
		if out.CustomerEmail == "" {
			out.CustomerEmail = strings.ToLower(strings.TrimSpace(session.Customer.Email))
		}
	}
	if out.CustomerEmail == "" && session.CustomerDetails != nil {
		out.CustomerEmail = strings.ToLower(strings.TrimSpace(session.CustomerDetails.Email))
	}
	if session.Subscription != nil && session.Subscription.ID != "" {
		out.Subscription = mapSubscription(session.Subscription)
		if out.Subscription.CustomerRef == "" {
			out.Subscription.CustomerRef = out.CustomerRef
		}
		if out.Subscription.CustomerEmail == "" {
			out.Subscription.CustomerEmail = out.CustomerEmail
		}
	}
	return out
}

func copyMetadata(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func unixTime(value int64) time.Time {
	if value == 0 {
		return time.Time{}
	}
	return time.Unix(value, 0).UTC()
}

var _ domain.Provider = (*Adapter)(nil)
