package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bookly/internal/common"
	"bookly/internal/models"
	"bookly/internal/repositories"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/labstack/gommon/log"
)

// LedgerOutcome reports what a terminal ledger transition did.
type LedgerOutcome string

const (
	OutcomeApplied        LedgerOutcome = "applied"
	OutcomeAlreadyApplied LedgerOutcome = "already_applied"
	OutcomeConflict       LedgerOutcome = "conflict"
)

// OpenPaymentRequest describes a new payment attempt.
type OpenPaymentRequest struct {
	SubscriberID           *uuid.UUID
	PlanID                 string
	Amount                 int64
	Currency               string
	NotificationsRequested bool
	CustomerEmail          string
}

// PendingLedger is the durable record of payment attempts awaiting
// confirmation.
type PendingLedger interface {
	Open(ctx context.Context, req OpenPaymentRequest) (*models.PendingPayment, error)
	OpenWithReference(ctx context.Context, reference string, req OpenPaymentRequest) (*models.PendingPayment, bool, error)
	Get(ctx context.Context, reference string) (*models.PendingPayment, error)
	Resolve(ctx context.Context, reference string) (DecodedReference, error)
	MarkApproved(ctx context.Context, reference string) (*models.PendingPayment, LedgerOutcome, error)
	MarkFailed(ctx context.Context, reference string) (*models.PendingPayment, LedgerOutcome, error)
	BackfillSubscriber(ctx context.Context, reference string, subscriberID uuid.UUID) (bool, error)
	AttachGatewayPayment(ctx context.Context, reference, gatewayPaymentID string) error
	AttachGatewayTransaction(ctx context.Context, reference, transactionID string) error
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*models.PendingPayment, error)
}

type pendingLedger struct {
	payments    repositories.PendingPaymentRepository
	subscribers repositories.SubscriberRepository
	codec       *ReferenceCodec
	now         common.Clock
	logger      *log.Logger
}

func NewPendingLedger(payments repositories.PendingPaymentRepository, subscribers repositories.SubscriberRepository,
	codec *ReferenceCodec, now common.Clock, logger *log.Logger) PendingLedger {
	if now == nil {
		now = common.SystemClock
	}
	if logger == nil {
		logger = common.DiscardLogger()
	}
	return &pendingLedger{payments: payments, subscribers: subscribers, codec: codec, now: now, logger: logger}
}

func (l *pendingLedger) newPayment(reference string, req OpenPaymentRequest) *models.PendingPayment {
	var email *string
	if e := common.NormalizeEmail(req.CustomerEmail); e != "" {
		email = &e
	}
	return &models.PendingPayment{
		Reference:              reference,
		SubscriberID:           req.SubscriberID,
		PlanID:                 req.PlanID,
		Amount:                 req.Amount,
		Currency:               req.Currency,
		NotificationsRequested: req.NotificationsRequested,
		CustomerEmail:          email,
		Status:                 models.PaymentPending,
		CreatedAt:              l.now().UTC(),
	}
}

func validateOpen(req OpenPaymentRequest) error {
	if strings.TrimSpace(req.PlanID) == "" {
		return invalidInput("plan id is required")
	}
	if req.Amount <= 0 {
		return invalidInput("amount must be positive")
	}
	if req.SubscriberID == nil && strings.TrimSpace(req.CustomerEmail) == "" {
		return invalidInput("subscriber id or customer email is required")
	}
	return nil
}

// Open records a new attempt under a freshly minted reference.
func (l *pendingLedger) Open(ctx context.Context, req OpenPaymentRequest) (*models.PendingPayment, error) {
	if err := validateOpen(req); err != nil {
		return nil, err
	}

	payment := l.newPayment(l.codec.New(req.SubscriberID, req.PlanID, l.now()), req)
	if err := l.payments.Create(ctx, payment); err != nil {
		return nil, storeError("open pending payment", err)
	}

	l.logger.Infoj(log.JSON{"event": "ledger_opened", "reference": payment.Reference, "plan_id": payment.PlanID, "amount": payment.Amount})
	return payment, nil
}

// OpenWithReference inserts the row unless the reference is already known,
// in which case the stored row is returned untouched.
func (l *pendingLedger) OpenWithReference(ctx context.Context, reference string, req OpenPaymentRequest) (*models.PendingPayment, bool, error) {
	if strings.TrimSpace(reference) == "" {
		return nil, false, invalidInput("reference is required")
	}
	if err := validateOpen(req); err != nil {
		return nil, false, err
	}

	payment := l.newPayment(reference, req)
	created, err := l.payments.CreateIfAbsent(ctx, payment)
	if err != nil {
		return nil, false, storeError("open pending payment", err)
	}
	if created {
		l.logger.Infoj(log.JSON{"event": "ledger_opened", "reference": reference, "plan_id": req.PlanID, "external": true})
		return payment, true, nil
	}

	existing, err := l.Get(ctx, reference)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (l *pendingLedger) Get(ctx context.Context, reference string) (*models.PendingPayment, error) {
	payment, err := l.payments.GetByReference(ctx, reference)
	if err != nil {
		return nil, storeError("get pending payment", err)
	}
	return payment, nil
}

// Resolve decodes the reference and checks the decoded subscriber against
// the store.
func (l *pendingLedger) Resolve(ctx context.Context, reference string) (DecodedReference, error) {
	decoded := l.codec.Decode(reference)
	if !decoded.HasSubscriber {
		return decoded, nil
	}

	_, err := l.subscribers.GetByID(ctx, decoded.SubscriberID)
	switch {
	case err == nil:
		decoded.SubscriberKnown = true
	case errors.Is(err, pgx.ErrNoRows):
		decoded.SubscriberKnown = false
	default:
		return decoded, storeError("resolve reference", err)
	}
	return decoded, nil
}

func (l *pendingLedger) MarkApproved(ctx context.Context, reference string) (*models.PendingPayment, LedgerOutcome, error) {
	return l.complete(ctx, reference, models.PaymentApproved)
}

func (l *pendingLedger) MarkFailed(ctx context.Context, reference string) (*models.PendingPayment, LedgerOutcome, error) {
	return l.complete(ctx, reference, models.PaymentFailed)
}

// complete performs the single pending -> terminal transition. Repeating the
// same transition is AlreadyApplied; the opposite one is Conflict.
func (l *pendingLedger) complete(ctx context.Context, reference, status string) (*models.PendingPayment, LedgerOutcome, error) {
	payment, err := l.payments.CompletePending(ctx, reference, status, l.now().UTC())
	if err == nil {
		l.logger.Infoj(log.JSON{"event": "ledger_completed", "reference": reference, "status": status})
		return payment, OutcomeApplied, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, "", storeError("complete pending payment", err)
	}

	current, err := l.Get(ctx, reference)
	if err != nil {
		return nil, "", err
	}

	switch current.Status {
	case status:
		return current, OutcomeAlreadyApplied, nil
	case models.PaymentPending:
		// Lost a race with a writer that has not committed yet.
		return nil, "", fmt.Errorf("complete pending payment %s: %w", reference, ErrTransient)
	default:
		l.logger.Warnj(log.JSON{"event": "ledger_conflict", "reference": reference, "stored": current.Status, "requested": status})
		return current, OutcomeConflict, nil
	}
}

// BackfillSubscriber attaches a subscriber to a pending row that has none.
func (l *pendingLedger) BackfillSubscriber(ctx context.Context, reference string, subscriberID uuid.UUID) (bool, error) {
	n, err := l.payments.SetSubscriber(ctx, reference, subscriberID)
	if err != nil {
		return false, storeError("backfill subscriber", err)
	}
	return n == 1, nil
}

func (l *pendingLedger) AttachGatewayPayment(ctx context.Context, reference, gatewayPaymentID string) error {
	if err := l.payments.SetGatewayPaymentID(ctx, reference, gatewayPaymentID); err != nil {
		return storeError("attach gateway payment", err)
	}
	return nil
}

func (l *pendingLedger) AttachGatewayTransaction(ctx context.Context, reference, transactionID string) error {
	if err := l.payments.SetGatewayTransactionID(ctx, reference, transactionID); err != nil {
		return storeError("attach gateway transaction", err)
	}
	return nil
}

func (l *pendingLedger) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]*models.PendingPayment, error) {
	if limit <= 0 {
		limit = 100
	}
	payments, err := l.payments.ListPendingBefore(ctx, olderThan, limit)
	if err != nil {
		return nil, storeError("list stale pending payments", err)
	}
	return payments, nil
}

// resolvePaymentSubscriber finds the subscriber a ledger row pays for: the
// stored id, then the id encoded in the reference, then the customer email.
// The row is backfilled when the id had to be looked up.
func resolvePaymentSubscriber(ctx context.Context, ledger PendingLedger, reconciliation ReconciliationService,
	payment *models.PendingPayment, customerEmail string) (*uuid.UUID, error) {
	if payment.SubscriberID != nil {
		return payment.SubscriberID, nil
	}

	var found *uuid.UUID
	decoded, err := ledger.Resolve(ctx, payment.Reference)
	if err != nil {
		return nil, err
	}
	if decoded.SubscriberKnown {
		id := decoded.SubscriberID
		found = &id
	}

	if found == nil {
		email := customerEmail
		if email == "" {
			email = common.SafeString(payment.CustomerEmail)
		}
		if email == "" {
			return nil, fmt.Errorf("no customer email on %s: %w", payment.Reference, ErrNotFound)
		}
		sub, err := reconciliation.SubscriberByEmail(ctx, email)
		if err != nil {
			return nil, err
		}
		found = &sub.ID
	}

	if _, err := ledger.BackfillSubscriber(ctx, payment.Reference, *found); err != nil {
		return nil, err
	}
	return found, nil
}
