package stripe

import (
	"github.com/smallbiznis/soldiers/internal/provider/domain"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

// api is the subset of the Stripe client the adapter calls. Tests swap the
// function fields for fakes.
type api struct {
	listCustomers      func(params *stripe.CustomerListParams, max int) ([]*stripe.Customer, error)
	listSubscriptions  func(params *stripe.SubscriptionListParams, max int) ([]*stripe.Subscription, error)
	getSubscription    func(id string, params *stripe.SubscriptionParams) (*stripe.Subscription, error)
	getCheckoutSession func(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	cancelSubscription func(id string, params *stripe.SubscriptionCancelParams) (*stripe.Subscription, error)
	newPortalSession   func(params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error)
	newCheckoutSession func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

func newClientAPI(sc *client.API) api {
	return api{
		listCustomers: func(params *stripe.CustomerListParams, max int) ([]*stripe.Customer, error) {
			out := make([]*stripe.Customer, 0, max)
			it := sc.Customers.List(params)
			for it.Next() {
				out = append(out, it.Customer())
				if len(out) >= max {
					break
				}
			}
			return out, it.Err()
		},
		listSubscriptions: func(params *stripe.SubscriptionListParams, max int) ([]*stripe.Subscription, error) {
			out := make([]*stripe.Subscription, 0, max)
			it := sc.Subscriptions.List(params)
			for it.Next() {
				out = append(out, it.Subscription())
				if len(out) >= max {
					break
				}
			}
			return out, it.Err()
		},
		getSubscription:    sc.Subscriptions.Get,
		getCheckoutSession: sc.CheckoutSessions.Get,
		cancelSubscription: sc.Subscriptions.Cancel,
		newPortalSession:   sc.BillingPortalSessions.New,
		newCheckoutSession: sc.CheckoutSessions.New,
	}
}

func unconfiguredAPI() api {
	return api{
		listCustomers: func(*stripe.CustomerListParams, int) ([]*stripe.Customer, error) {
			return nil, domain.ErrNotConfigured
		},
		listSubscriptions: func(*stripe.SubscriptionListParams, int) ([]*stripe.Subscription, error) {
			return nil, domain.ErrNotConfigured
		},
		getSubscription: func(string, *stripe.SubscriptionParams) (*stripe.Subscription, error) {
			return nil, domain.ErrNotConfigured
		},
		getCheckoutSession: func(string, *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
			return nil, domain.ErrNotConfigured
		},
		cancelSubscription: func(string, *stripe.SubscriptionCancelParams) (*stripe.Subscription, error) {
			return nil, domain.ErrNotConfigured
		},
		newPortalSession: func(*stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error) {
			return nil, domain.ErrNotConfigured
		},
		newCheckoutSession: func(*stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
			return nil, domain.ErrNotConfigured
		},
	}
}
