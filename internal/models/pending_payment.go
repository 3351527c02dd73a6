package models

import (
	"time"

	"github.com/google/uuid"
)

// Pending payment statuses
const (
	PaymentPending  = "pending"
	PaymentApproved = "approved"
	PaymentFailed   = "failed"
)

// PendingPayment is one payment attempt awaiting confirmation. Rows are
// never deleted; they double as the payment audit trail.
type PendingPayment struct {
	Reference              string     `json:"reference" db:"reference"`
	SubscriberID           *uuid.UUID `json:"subscriber_id" db:"subscriber_id"`
	PlanID                 string     `json:"plan_id" db:"plan_id"`
	Amount                 int64      `json:"amount" db:"amount"`
	Currency               string     `json:"currency" db:"currency"`
	NotificationsRequested bool       `json:"notifications_requested" db:"notifications_requested"`
	CustomerEmail          *string    `json:"customer_email,omitempty" db:"customer_email"`
	GatewayPaymentID       *string    `json:"gateway_payment_id,omitempty" db:"gateway_payment_id"`
	GatewayTransactionID   *string    `json:"gateway_transaction_id,omitempty" db:"gateway_transaction_id"`
	Status                 string     `json:"status" db:"status"`
	CreatedAt              time.Time  `json:"created_at" db:"created_at"`
	CompletedAt            *time.Time `json:"completed_at" db:"completed_at"`
}

// IsTerminal reports whether the attempt has been settled either way.
func (p *PendingPayment) IsTerminal() bool {
	return p.Status == PaymentApproved || p.Status == PaymentFailed
}
