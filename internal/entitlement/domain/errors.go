package domain

import "errors"

var (
	ErrNotFound             = errors.New("entitlement_not_found")
	ErrConflict             = errors.New("entitlement_conflict")
	ErrInvalidOwner         = errors.New("invalid_owner_id")
	ErrInvalidEmail         = errors.New("invalid_email")
	ErrInvalidSession       = errors.New("invalid_session_id")
	ErrInvalidCapability    = errors.New("invalid_capability")
	ErrInvalidPlan          = errors.New("invalid_plan")
	ErrInvalidPrice         = errors.New("invalid_price")
	ErrPaymentNotCompleted  = errors.New("payment_not_completed")
	ErrSessionOwnerMismatch = errors.New("session_owner_mismatch")
	ErrNoCustomer           = errors.New("no_provider_customer")
)

// IsValidationError reports caller-input errors.
func IsValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidOwner),
		errors.Is(err, ErrInvalidEmail),
		errors.Is(err, ErrInvalidSession),
		errors.Is(err, ErrInvalidCapability),
		errors.Is(err, ErrInvalidPlan),
		errors.Is(err, ErrInvalidPrice):
		return true
	default:
		return false
	}
}
