package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"bookly/internal/common"
	"bookly/internal/config"
	"bookly/internal/metrics"
	"bookly/internal/models"

	"github.com/labstack/gommon/log"
)

// EventKind is the closed set of gateway events the ingestor understands.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventTransactionUpdated
	EventSubscriptionCreated
	EventSubscriptionPaymentSucceeded
	EventSubscriptionPaymentFailed
)

var eventKindNames = map[string]EventKind{
	"transaction.updated":            EventTransactionUpdated,
	"subscription.created":           EventSubscriptionCreated,
	"subscription.payment_succeeded": EventSubscriptionPaymentSucceeded,
	"subscription.payment_failed":    EventSubscriptionPaymentFailed,
}

func ParseEventKind(name string) EventKind {
	return eventKindNames[strings.ToLower(strings.TrimSpace(name))]
}

func (k EventKind) String() string {
	for name, kind := range eventKindNames {
		if kind == k {
			return name
		}
	}
	return "unknown"
}

// Webhook outcomes, reported back to the caller and used as metric labels.
const (
	WebhookReconciled        = "reconciled"
	WebhookAlreadyApplied    = "already_applied"
	WebhookMarkedFailed      = "marked_failed"
	WebhookSuspended         = "suspended"
	WebhookIgnored           = "ignored"
	WebhookUnknownReference  = "unknown_reference"
	WebhookUnknownSubscriber = "unknown_subscriber"
	WebhookUnknownPlan       = "unknown_plan"
	WebhookAmountMismatch    = "amount_mismatch"
	WebhookConflict          = "conflict"
)

// WebhookEnvelope is the outer body of every delivery.
type WebhookEnvelope struct {
	ID     string          `json:"id"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
	SentAt time.Time       `json:"sent_at"`
}

type transactionEventData struct {
	Transaction Transaction `json:"transaction"`
}

type subscriptionEventData struct {
	Subscription struct {
		ID            string `json:"id"`
		CustomerEmail string `json:"customer_email"`
		PlanID        string `json:"plan_id"`
		Notifications bool   `json:"notifications"`
	} `json:"subscription"`
	Invoice struct {
		ID          string `json:"id"`
		Amount      int64  `json:"amount_in_cents"`
		PeriodStart string `json:"period_start"`
	} `json:"invoice"`
}

// WebhookResult is what happened to an acknowledged delivery.
type WebhookResult struct {
	Kind      string `json:"event"`
	Outcome   string `json:"outcome"`
	Reference string `json:"reference,omitempty"`
}

// WebhookService authenticates and routes gateway push notifications.
// Handle returns an error only for signature failures (ErrUnauthenticated),
// unparseable bodies (ErrInvalidInput) and transient downstream failures
// (ErrTransient). Everything else is acknowledged.
type WebhookService interface {
	Handle(ctx context.Context, body []byte, signature string) (*WebhookResult, error)
}

type WebhookConfig struct {
	Secret        string
	AllowUnsigned bool
	Currency      string
}

type webhookService struct {
	cfg            WebhookConfig
	ledger         PendingLedger
	reconciliation ReconciliationService
	plans          config.PlanCatalog
	archive        WebhookArchive
	metrics        *metrics.Metrics
	now            common.Clock
	logger         *log.Logger
}

func NewWebhookService(cfg WebhookConfig, ledger PendingLedger, reconciliation ReconciliationService, plans config.PlanCatalog,
	archive WebhookArchive, m *metrics.Metrics, now common.Clock, logger *log.Logger) WebhookService {
	if archive == nil {
		archive = NoopArchive{}
	}
	if m == nil {
		m = metrics.New()
	}
	if now == nil {
		now = common.SystemClock
	}
	if logger == nil {
		logger = common.DiscardLogger()
	}
	return &webhookService{
		cfg:            cfg,
		ledger:         ledger,
		reconciliation: reconciliation,
		plans:          plans,
		archive:        archive,
		metrics:        m,
		now:            now,
		logger:         logger,
	}
}

// VerifySignature checks hex(HMAC-SHA256(secret, body)) in constant time.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(strings.ToLower(strings.TrimSpace(signature))), []byte(expected))
}

// SignPayload is the counterpart of VerifySignature.
func SignPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *webhookService) Handle(ctx context.Context, body []byte, signature string) (*WebhookResult, error) {
	if s.cfg.AllowUnsigned {
		s.logger.Warnj(log.JSON{"event": "webhook_unsigned", "detail": "signature verification disabled"})
	} else if !VerifySignature(s.cfg.Secret, body, signature) {
		s.metrics.WebhookEvents.WithLabelValues("unverified", "unauthenticated").Inc()
		return nil, fmt.Errorf("webhook signature: %w", ErrUnauthenticated)
	}

	var env WebhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		s.metrics.WebhookEvents.WithLabelValues("unparsed", "invalid").Inc()
		return nil, invalidInput("webhook body: %v", err)
	}
	if strings.TrimSpace(env.Event) == "" {
		s.metrics.WebhookEvents.WithLabelValues("unparsed", "invalid").Inc()
		return nil, invalidInput("webhook body has no event")
	}

	kind := ParseEventKind(env.Event)
	s.archiveDelivery(ctx, env.Event, body)

	var (
		result *WebhookResult
		err    error
	)
	switch kind {
	case EventTransactionUpdated:
		result, err = s.handleTransactionUpdated(ctx, env)
	case EventSubscriptionCreated, EventSubscriptionPaymentSucceeded:
		result, err = s.handleSubscriptionPayment(ctx, env, body)
	case EventSubscriptionPaymentFailed:
		result, err = s.handleSubscriptionPaymentFailed(ctx, env)
	default:
		s.logger.Infoj(log.JSON{"event": "webhook_ignored", "gateway_event": env.Event})
		result = &WebhookResult{Outcome: WebhookIgnored}
	}

	if err != nil {
		label := "transient"
		if errors.Is(err, ErrInvalidInput) {
			label = "invalid"
		}
		s.metrics.WebhookEvents.WithLabelValues(kind.String(), label).Inc()
		return nil, err
	}

	result.Kind = env.Event
	s.metrics.WebhookEvents.WithLabelValues(kind.String(), result.Outcome).Inc()
	return result, nil
}

func (s *webhookService) archiveDelivery(ctx context.Context, event string, body []byte) {
	if _, err := s.archive.Store(ctx, event, body, s.now()); err != nil {
		s.logger.Warnf("archive webhook %s: %v", event, err)
	}
}

func (s *webhookService) handleTransactionUpdated(ctx context.Context, env WebhookEnvelope) (*WebhookResult, error) {
	var data transactionEventData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, invalidInput("transaction data: %v", err)
	}
	tx := data.Transaction
	if tx.Reference == "" || tx.Status == "" {
		return nil, invalidInput("transaction data needs reference and status")
	}

	result := &WebhookResult{Reference: tx.Reference}

	payment, err := s.ledger.Get(ctx, tx.Reference)
	if err != nil {
		return s.ack(result, err)
	}

	if tx.ID != "" {
		if err := s.ledger.AttachGatewayTransaction(ctx, tx.Reference, tx.ID); err != nil {
			return nil, err
		}
	}

	subscriberID, err := resolvePaymentSubscriber(ctx, s.ledger, s.reconciliation, payment, tx.CustomerEmail)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	switch {
	case tx.IsDeclined():
		_, outcome, err := s.ledger.MarkFailed(ctx, tx.Reference)
		if err != nil {
			return s.ack(result, err)
		}
		result.Outcome = WebhookMarkedFailed
		if outcome == OutcomeConflict {
			result.Outcome = WebhookConflict
		}
		s.logger.Infoj(log.JSON{"event": "payment_declined", "reference": tx.Reference, "status": tx.Status})
		return result, nil

	case !tx.IsApproved():
		result.Outcome = WebhookIgnored
		return result, nil
	}

	if subscriberID == nil {
		s.logger.Warnj(log.JSON{"event": "payment_unresolved", "reference": tx.Reference, "customer_email": tx.CustomerEmail})
		result.Outcome = WebhookUnknownSubscriber
		return result, nil
	}

	if tx.Underpays(payment.Amount) {
		s.logger.Errorj(log.JSON{"event": "payment_amount_mismatch", "reference": tx.Reference, "expected": payment.Amount, "paid": tx.Amount})
		result.Outcome = WebhookAmountMismatch
		return result, nil
	}

	return s.reconcile(ctx, result, ReconcileRequest{
		SubscriberID:         *subscriberID,
		PlanID:               payment.PlanID,
		NotificationsEnabled: payment.NotificationsRequested,
		Reference:            &payment.Reference,
	}, payment.Status == models.PaymentApproved)
}

func (s *webhookService) handleSubscriptionPayment(ctx context.Context, env WebhookEnvelope, body []byte) (*WebhookResult, error) {
	var data subscriptionEventData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, invalidInput("subscription data: %v", err)
	}
	if data.Subscription.CustomerEmail == "" {
		return nil, invalidInput("subscription data needs customer_email")
	}

	reference := SubscriptionReference(data.Subscription.ID, data.Invoice.ID, data.Invoice.PeriodStart, env.ID, body)
	result := &WebhookResult{Reference: reference}

	sub, err := s.reconciliation.SubscriberByEmail(ctx, data.Subscription.CustomerEmail)
	if err != nil {
		return s.ack(result, err)
	}

	planID := data.Subscription.PlanID
	if planID == "" {
		planID = sub.PlanID
	}
	plan, ok := s.plans.Lookup(planID)
	if !ok {
		s.logger.Warnj(log.JSON{"event": "unknown_plan", "plan_id": planID, "reference": reference})
		result.Outcome = WebhookUnknownPlan
		return result, nil
	}

	amount := data.Invoice.Amount
	if amount <= 0 {
		amount = plan.PriceFor(data.Subscription.Notifications)
	}

	payment, _, err := s.ledger.OpenWithReference(ctx, reference, OpenPaymentRequest{
		SubscriberID:           &sub.ID,
		PlanID:                 plan.ID,
		Amount:                 amount,
		Currency:               s.cfg.Currency,
		NotificationsRequested: data.Subscription.Notifications,
		CustomerEmail:          data.Subscription.CustomerEmail,
	})
	if err != nil {
		return s.ack(result, err)
	}

	return s.reconcile(ctx, result, ReconcileRequest{
		SubscriberID:         sub.ID,
		PlanID:               payment.PlanID,
		NotificationsEnabled: payment.NotificationsRequested,
		Reference:            &payment.Reference,
	}, payment.Status == models.PaymentApproved)
}

func (s *webhookService) handleSubscriptionPaymentFailed(ctx context.Context, env WebhookEnvelope) (*WebhookResult, error) {
	var data subscriptionEventData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, invalidInput("subscription data: %v", err)
	}
	if data.Subscription.CustomerEmail == "" {
		return nil, invalidInput("subscription data needs customer_email")
	}

	result := &WebhookResult{}
	sub, err := s.reconciliation.SubscriberByEmail(ctx, data.Subscription.CustomerEmail)
	if err != nil {
		return s.ack(result, err)
	}

	if _, err := s.reconciliation.Suspend(ctx, sub.ID); err != nil {
		return s.ack(result, err)
	}
	result.Outcome = WebhookSuspended
	return result, nil
}

func (s *webhookService) reconcile(ctx context.Context, result *WebhookResult, req ReconcileRequest, alreadyApproved bool) (*WebhookResult, error) {
	if _, err := s.reconciliation.Reconcile(ctx, req); err != nil {
		return s.ack(result, err)
	}
	result.Outcome = WebhookReconciled
	if alreadyApproved {
		result.Outcome = WebhookAlreadyApplied
	}
	return result, nil
}

// ack turns downstream answers into acknowledged outcomes. Only transient
// failures propagate so the gateway redelivers.
func (s *webhookService) ack(result *WebhookResult, err error) (*WebhookResult, error) {
	switch {
	case errors.Is(err, ErrNotFound):
		result.Outcome = WebhookUnknownReference
		if result.Reference == "" || strings.HasPrefix(result.Reference, subscriptionReferencePrefix) {
			result.Outcome = WebhookUnknownSubscriber
		}
	case errors.Is(err, ErrConflict):
		result.Outcome = WebhookConflict
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrRejected):
		result.Outcome = WebhookIgnored
	default:
		return nil, err
	}
	s.logger.Warnj(log.JSON{"event": "webhook_acknowledged", "reference": result.Reference, "outcome": result.Outcome, "error": err.Error()})
	return result, nil
}

const subscriptionReferencePrefix = "gwsub."

// SubscriptionReference derives a stable ledger reference for a recurring
// charge that was never opened through checkout.
func SubscriptionReference(subscriptionID, invoiceID, periodStart, envelopeID string, body []byte) string {
	sum := sha256.Sum256(body)
	digest := hex.EncodeToString(sum[:])

	subscriptionID = sanitizeSegment(subscriptionID)
	if subscriptionID == "" {
		return subscriptionReferencePrefix + digest[:32]
	}

	for _, candidate := range []string{invoiceID, periodStart, envelopeID} {
		if c := sanitizeSegment(strings.TrimSpace(candidate)); c != "" {
			return subscriptionReferencePrefix + subscriptionID + "." + c
		}
	}
	return subscriptionReferencePrefix + subscriptionID + "." + digest[:16]
}
