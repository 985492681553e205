package stripe

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/smallbiznis/soldiers/internal/provider/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap/zaptest"
)

const testWebhookSecret = "whsec_test_secret"

func newTestAdapter(t *testing.T, calls api) *Adapter {
	t.Helper()
	return &Adapter{
		api:           calls,
		webhookSecret: testWebhookSecret,
		timeout:       time.Second,
		log:           zaptest.NewLogger(t),
	}
}

func subscription(id string, status stripe.SubscriptionStatus, created int64, amount int64, interval stripe.PriceRecurringInterval) *stripe.Subscription {
	return &stripe.Subscription{
		ID:       id,
		Status:   status,
		Created:  created,
		Customer: &stripe.Customer{ID: "cus_1", Email: "Ada@Example.com"},
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{
				{
					Quantity:           1,
					CurrentPeriodStart: 1_700_000_000,
					CurrentPeriodEnd:   1_702_592_000,
					Price: &stripe.Price{
						ID:         "price_" + id,
						UnitAmount: amount,
						Currency:   stripe.CurrencyUSD,
						Recurring:  &stripe.PriceRecurring{Interval: interval},
					},
				},
			},
		},
	}
}

func TestFindActiveSubscriptionPrefersActiveLike(t *testing.T) {
	var gotEmail string
	adapter := newTestAdapter(t, api{
		listCustomers: func(params *stripe.CustomerListParams, max int) ([]*stripe.Customer, error) {
			gotEmail = *params.Email
			return []*stripe.Customer{{ID: "cus_1"}, {ID: "cus_2"}}, nil
		},
		listSubscriptions: func(params *stripe.SubscriptionListParams, max int) ([]*stripe.Subscription, error) {
			assert.Equal(t, "cus_1", *params.Customer)
			return []*stripe.Subscription{
				subscription("sub_old", stripe.SubscriptionStatusCanceled, 300, 900, stripe.PriceRecurringIntervalMonth),
				subscription("sub_live", stripe.SubscriptionStatusActive, 100, 19900, stripe.PriceRecurringIntervalYear),
			}, nil
		},
	})

	facts, err := adapter.FindActiveSubscription(context.Background(), "Ada@Example.com")
	require.NoError(t, err)

	assert.Equal(t, "ada@example.com", gotEmail)
	assert.Equal(t, "sub_live", facts.SubscriptionRef)
	assert.Equal(t, "cus_1", facts.CustomerRef)
	assert.Equal(t, "ada@example.com", facts.CustomerEmail)
	assert.Equal(t, int64(19900), facts.Amount)
	assert.Equal(t, domain.IntervalYear, facts.Interval)
	assert.Equal(t, domain.StatusActive, facts.Status)
	assert.Equal(t, "USD", facts.Currency)
	assert.Equal(t, time.Unix(1_702_592_000, 0).UTC(), facts.PeriodEnd)
}

func TestFindActiveSubscriptionFallsBackToMostRecent(t *testing.T) {
	adapter := newTestAdapter(t, api{
		listSubscriptions: func(params *stripe.SubscriptionListParams, max int) ([]*stripe.Subscription, error) {
			return []*stripe.Subscription{
				subscription("sub_a", stripe.SubscriptionStatusCanceled, 100, 900, stripe.PriceRecurringIntervalMonth),
				subscription("sub_b", stripe.SubscriptionStatusIncompleteExpired, 200, 900, stripe.PriceRecurringIntervalMonth),
			}, nil
		},
	})

	facts, err := adapter.FindActiveSubscription(context.Background(), "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "sub_b", facts.SubscriptionRef)
	assert.True(t, facts.IsCancelled())
}

func TestFindActiveSubscriptionNotFound(t *testing.T) {
	adapter := newTestAdapter(t, api{
		listCustomers: func(params *stripe.CustomerListParams, max int) ([]*stripe.Customer, error) {
			return nil, nil
		},
	})

	_, err := adapter.FindActiveSubscription(context.Background(), "nobody@example.com")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestProviderFailuresAreNeverNotFound(t *testing.T) {
	adapter := newTestAdapter(t, api{
		listCustomers: func(params *stripe.CustomerListParams, max int) ([]*stripe.Customer, error) {
			return nil, &stripe.Error{HTTPStatusCode: http.StatusUnauthorized, Code: "api_key_expired"}
		},
	})

	_, err := adapter.FindActiveSubscription(context.Background(), "ada@example.com")
	require.Error(t, err)
	assert.True(t, domain.IsProviderError(err))
	assert.False(t, errors.Is(err, domain.ErrNotFound))
}

func TestCallTimeoutBecomesProviderError(t *testing.T) {
	adapter := newTestAdapter(t, api{
		getSubscription: func(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error) {
			<-params.Context.Done()
			return nil, params.Context.Err()
		},
	})
	adapter.timeout = 10 * time.Millisecond

	_, err := adapter.GetSubscription(context.Background(), "sub_1")
	require.Error(t, err)
	assert.True(t, domain.IsProviderError(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCancelSubscriptionResourceMissingIsSuccess(t *testing.T) {
	adapter := newTestAdapter(t, api{
		cancelSubscription: func(id string, params *stripe.SubscriptionCancelParams) (*stripe.Subscription, error) {
			return nil, &stripe.Error{HTTPStatusCode: http.StatusNotFound, Code: stripe.ErrorCodeResourceMissing}
		},
	})

	assert.NoError(t, adapter.CancelSubscription(context.Background(), "sub_gone"))
}

func TestGetCheckoutSessionMapsSubscription(t *testing.T) {
	adapter := newTestAdapter(t, api{
		getCheckoutSession: func(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
			return &stripe.CheckoutSession{
				ID:              id,
				Mode:            stripe.CheckoutSessionModeSubscription,
				Status:          stripe.CheckoutSessionStatusComplete,
				PaymentStatus:   stripe.CheckoutSessionPaymentStatusPaid,
				CustomerDetails: &stripe.CheckoutSessionCustomerDetails{Email: "Buyer@Example.com"},
				Metadata:        map[string]string{"purchase_type": "single", "soldier_id": "pitch-bot"},
				Subscription:    subscription("sub_9", stripe.SubscriptionStatusActive, 1, 900, stripe.PriceRecurringIntervalMonth),
			}, nil
		},
	})

	session, err := adapter.GetCheckoutSession(context.Background(), "cs_1")
	require.NoError(t, err)
	assert.True(t, session.PaymentCompleted())
	assert.Equal(t, "buyer@example.com", session.Email())
	assert.Equal(t, "pitch-bot", session.Metadata["soldier_id"])
	require.NotNil(t, session.Subscription)
	assert.Equal(t, "sub_9", session.Subscription.SubscriptionRef)
}

func TestUnconfiguredAdapterReturnsProviderError(t *testing.T) {
	adapter := newTestAdapter(t, unconfiguredAPI())

	_, err := adapter.GetSubscription(context.Background(), "sub_1")
	assert.True(t, domain.IsProviderError(err))
	assert.ErrorIs(t, err, domain.ErrNotConfigured)
}

func TestParseWebhookVerifiesSignature(t *testing.T) {
	adapter := newTestAdapter(t, api{})
	payload := []byte(`{"id":"evt_1","object":"event","type":"checkout.session.completed","created":1700000000,"livemode":false,"data":{"object":{"id":"cs_123","object":"checkout.session"}}}`)

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})

	event, err := adapter.ParseWebhook(payload, signed.Header)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", event.ID)
	assert.Equal(t, domain.EventCheckoutSessionCompleted, event.Type)
	assert.Equal(t, "cs_123", event.ObjectID)
	assert.True(t, event.IsCheckoutCompleted())

	_, err = adapter.ParseWebhook(payload, "t=1,v1=deadbeef")
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)

	_, err = adapter.ParseWebhook(payload, "")
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)
}
