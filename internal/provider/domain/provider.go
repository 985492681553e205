package domain

import "context"

// Provider is the payment-provider surface the entitlement core depends on.
type Provider interface {
	Name() string

	// FindActiveSubscription resolves an email or customer ref to the
	// customer's current subscription. ErrNotFound when there is none.
	FindActiveSubscription(ctx context.Context, identity string) (*Facts, error)
	GetSubscription(ctx context.Context, subscriptionRef string) (*Facts, error)
	GetCheckoutSession(ctx context.Context, sessionRef string) (*CheckoutSession, error)
	CancelSubscription(ctx context.Context, subscriptionRef string) error
	CreatePortalSession(ctx context.Context, customerRef, returnURL string) (string, error)
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (string, error)
	ParseWebhook(payload []byte, signatureHeader string) (*WebhookEvent, error)
}
