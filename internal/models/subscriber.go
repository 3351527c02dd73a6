package models

import (
	"time"

	"github.com/google/uuid"
)

// Subscription states
const (
	SubscriptionTrial           = "trial"
	SubscriptionActive          = "active"
	SubscriptionExpired         = "expired"
	SubscriptionSuspendedUnpaid = "suspended_unpaid"
)

// Account status display flags, kept in sync with the subscription state
const (
	AccountStatusActive         = "Active"
	AccountStatusInactive       = "Inactive"
	AccountStatusInactiveUnpaid = "Inactive - unpaid"
)

// Subscriber is the per-tenant billing record.
type Subscriber struct {
	ID                    uuid.UUID  `json:"id" db:"id"`
	Email                 string     `json:"email" db:"email"`
	BusinessName          string     `json:"business_name" db:"business_name"`
	SubscriptionState     string     `json:"subscription_state" db:"subscription_state"`
	PlanID                string     `json:"plan_id" db:"plan_id"`
	SubscriptionExpiresAt *time.Time `json:"subscription_expires_at" db:"subscription_expires_at"`
	NotificationsEnabled  bool       `json:"notifications_enabled" db:"notifications_enabled"`
	AccountStatus         string     `json:"account_status" db:"account_status"`
	LastStateChangeAt     time.Time  `json:"last_state_change_at" db:"last_state_change_at"`
	LastPaymentReference  *string    `json:"last_payment_reference,omitempty" db:"last_payment_reference"`
	Version               int64      `json:"-" db:"version"`
	CreatedAt             time.Time  `json:"created_at" db:"created_at"`
}

// EffectiveState evaluates expiry lazily: an active subscription whose
// inclusive expiry date is before today reads as expired.
func (s *Subscriber) EffectiveState(today time.Time) string {
	if s.SubscriptionState == SubscriptionActive && s.SubscriptionExpiresAt != nil && s.SubscriptionExpiresAt.Before(today) {
		return SubscriptionExpired
	}
	return s.SubscriptionState
}

// Snapshot returns a detached copy safe to hand to callers.
func (s *Subscriber) Snapshot() *Subscriber {
	cp := *s
	if s.SubscriptionExpiresAt != nil {
		t := *s.SubscriptionExpiresAt
		cp.SubscriptionExpiresAt = &t
	}
	if s.LastPaymentReference != nil {
		r := *s.LastPaymentReference
		cp.LastPaymentReference = &r
	}
	return &cp
}

// AccountStatusFor maps a subscription state to its display flag.
func AccountStatusFor(state string) string {
	switch state {
	case SubscriptionActive, SubscriptionTrial:
		return AccountStatusActive
	case SubscriptionSuspendedUnpaid:
		return AccountStatusInactiveUnpaid
	default:
		return AccountStatusInactive
	}
}
