package domain

import (
	"strings"
	"time"
)

type SubscriptionStatus string

const (
	StatusActive            SubscriptionStatus = "active"
	StatusTrialing          SubscriptionStatus = "trialing"
	StatusPastDue           SubscriptionStatus = "past_due"
	StatusIncomplete        SubscriptionStatus = "incomplete"
	StatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	StatusUnpaid            SubscriptionStatus = "unpaid"
	StatusPaused            SubscriptionStatus = "paused"
	StatusCanceled          SubscriptionStatus = "canceled"
)

type Interval string

const (
	IntervalMonth Interval = "month"
	IntervalYear  Interval = "year"
)

// Facts is the provider's view of one subscription at the time of the call.
type Facts struct {
	CustomerRef     string
	CustomerEmail   string
	SubscriptionRef string
	PriceRef        string
	Interval        Interval
	Amount          int64
	Currency        string
	PeriodStart     time.Time
	PeriodEnd       time.Time
	Status          SubscriptionStatus
	Metadata        map[string]string
	CreatedAt       time.Time
}

// IsActiveLike reports statuses that still grant (or are about to grant) access.
func (f *Facts) IsActiveLike() bool {
	if f == nil {
		return false
	}
	switch f.Status {
	case StatusActive, StatusTrialing, StatusPastDue:
		return true
	default:
		return false
	}
}

func (f *Facts) IsCancelled() bool {
	if f == nil {
		return false
	}
	switch f.Status {
	case StatusCanceled, StatusIncompleteExpired:
		return true
	default:
		return false
	}
}

const (
	PaymentStatusPaid              = "paid"
	PaymentStatusUnpaid            = "unpaid"
	PaymentStatusNoPaymentRequired = "no_payment_required"

	SessionStatusComplete = "complete"
	SessionStatusOpen     = "open"
	SessionStatusExpired  = "expired"

	SessionModeSubscription = "subscription"
	SessionModePayment      = "payment"
)

type CheckoutSession struct {
	ID                string
	Mode              string
	Status            string
	PaymentStatus     string
	CustomerRef       string
	CustomerEmail     string
	ClientReferenceID string
	AmountTotal       int64
	Currency          string
	Metadata          map[string]string
	Subscription      *Facts
}

// PaymentCompleted is true once the provider has captured the payment.
func (s *CheckoutSession) PaymentCompleted() bool {
	if s == nil {
		return false
	}
	if s.Status != "" && s.Status != SessionStatusComplete {
		return false
	}
	switch s.PaymentStatus {
	case PaymentStatusPaid, PaymentStatusNoPaymentRequired:
		return true
	default:
		return false
	}
}

// Email returns the best-known payer email, lower-cased.
func (s *CheckoutSession) Email() string {
	if s == nil {
		return ""
	}
	email := s.CustomerEmail
	if email == "" && s.Subscription != nil {
		email = s.Subscription.CustomerEmail
	}
	return strings.ToLower(strings.TrimSpace(email))
}

type CheckoutRequest struct {
	OwnerID     string
	Email       string
	CustomerRef string
	PriceRef    string
	Mode        string
	Quantity    int64
	Metadata    map[string]string
	SuccessURL  string
	CancelURL   string
}

const (
	EventCheckoutSessionCompleted = "checkout.session.completed"
	EventCheckoutAsyncPaymentOK   = "checkout.session.async_payment_succeeded"
	EventSubscriptionCreated      = "customer.subscription.created"
	EventSubscriptionUpdated      = "customer.subscription.updated"
	EventSubscriptionDeleted      = "customer.subscription.deleted"
)

// WebhookEvent is a verified, decoded provider notification.
type WebhookEvent struct {
	ID         string
	Type       string
	ObjectID   string
	Livemode   bool
	CreatedAt  time.Time
	RawPayload []byte
}

func (e *WebhookEvent) IsCheckoutCompleted() bool {
	return e != nil && (e.Type == EventCheckoutSessionCompleted || e.Type == EventCheckoutAsyncPaymentOK)
}

func (e *WebhookEvent) IsSubscriptionLifecycle() bool {
	if e == nil {
		return false
	}
	switch e.Type {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		return true
	default:
		return false
	}
}
