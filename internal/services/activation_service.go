package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bookly/internal/caching"
	"bookly/internal/common"
	"bookly/internal/config"
	"bookly/internal/metrics"
	"bookly/internal/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/labstack/gommon/log"
	"golang.org/x/sync/singleflight"
)

// Activation result statuses.
const (
	ActivationApproved   = "approved"
	ActivationProcessing = "processing"
	ActivationFailed     = "failed"
)

const (
	pollRetryAfterSeconds = 3
	pollBackoffBudget     = 5 * time.Second
)

var errStillPending = errors.New("gateway transaction still pending")

// ActivationResult is the answer given to a returning customer.
type ActivationResult struct {
	Status            string             `json:"status"`
	Reference         string             `json:"reference,omitempty"`
	Subscriber        *models.Subscriber `json:"subscriber,omitempty"`
	Message           string             `json:"message,omitempty"`
	RetryAfterSeconds int                `json:"retry_after_seconds,omitempty"`
}

// VerifyRequest asks for a payment to be checked against the gateway by
// transaction id.
type VerifyRequest struct {
	Email                 string `json:"email"`
	PlanID                string `json:"plan_id"`
	NotificationsIncluded *bool  `json:"notifications_included,omitempty"`
	GatewayTransactionID  string `json:"transaction_id"`
}

// ActivationService is the pull side of reconciliation: it asks the gateway
// instead of waiting for a webhook.
type ActivationService interface {
	VerifyDirect(ctx context.Context, req VerifyRequest) (*ActivationResult, error)
	PollByReference(ctx context.Context, reference string) (*ActivationResult, error)
	ReconcilePending(ctx context.Context, payment *models.PendingPayment) (*ActivationResult, error)
}

type ActivationConfig struct {
	Currency        string
	PollMaxAttempts int
	PollInterval    time.Duration
	ResultTTL       time.Duration
	IntentTTL       time.Duration
}

type activationService struct {
	cfg            ActivationConfig
	ledger         PendingLedger
	gateway        GatewayClient
	reconciliation ReconciliationService
	cache          caching.CacheService
	plans          config.PlanCatalog
	metrics        *metrics.Metrics
	now            common.Clock
	logger         *log.Logger
	polls          singleflight.Group
}

func NewActivationService(cfg ActivationConfig, ledger PendingLedger, gateway GatewayClient, reconciliation ReconciliationService,
	cache caching.CacheService, plans config.PlanCatalog, m *metrics.Metrics, now common.Clock, logger *log.Logger) ActivationService {
	if cfg.PollMaxAttempts <= 0 {
		cfg.PollMaxAttempts = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 750 * time.Millisecond
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 10 * time.Minute
	}
	if cfg.IntentTTL <= 0 {
		cfg.IntentTTL = 24 * time.Hour
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
	return &activationService{
		cfg:            cfg,
		ledger:         ledger,
		gateway:        gateway,
		reconciliation: reconciliation,
		cache:          cache,
		plans:          plans,
		metrics:        m,
		now:            now,
		logger:         logger,
	}
}

func processing(reference, message string) *ActivationResult {
	return &ActivationResult{
		Status:            ActivationProcessing,
		Reference:         reference,
		Message:           message,
		RetryAfterSeconds: pollRetryAfterSeconds,
	}
}

// VerifyDirect always asks the gateway, whatever the ledger says.
func (s *activationService) VerifyDirect(ctx context.Context, req VerifyRequest) (*ActivationResult, error) {
	if err := common.ValidateEmail(req.Email, "email"); err != nil {
		return nil, invalidInput("%v", err)
	}
	if strings.TrimSpace(req.GatewayTransactionID) == "" {
		return nil, invalidInput("transaction_id is required")
	}

	result, err := s.verifyDirect(ctx, req)
	s.observe("verify", result, err)
	return result, err
}

func (s *activationService) verifyDirect(ctx context.Context, req VerifyRequest) (*ActivationResult, error) {
	tx, err := s.gateway.QueryStatus(ctx, req.GatewayTransactionID)
	switch {
	case errors.Is(err, ErrTransient):
		return processing("", "payment gateway unavailable, try again shortly"), nil
	case errors.Is(err, ErrRejected):
		return &ActivationResult{Status: ActivationFailed, Message: "payment gateway rejected the verification"}, nil
	case err != nil:
		return nil, err
	}

	if tx.CustomerEmail != "" && common.NormalizeEmail(tx.CustomerEmail) != common.NormalizeEmail(req.Email) {
		return nil, fmt.Errorf("transaction %s was paid by another customer: %w", tx.ID, ErrConflict)
	}

	reference := tx.Reference
	if reference == "" {
		reference = "gwtx." + sanitizeSegment(tx.ID)
	}

	switch {
	case tx.IsDeclined():
		if _, _, err := s.ledger.MarkFailed(ctx, reference); err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return s.remember(ctx, &ActivationResult{Status: ActivationFailed, Reference: reference, Message: "payment was declined"}), nil
	case !tx.IsApproved():
		return processing(reference, "payment is still being processed"), nil
	}

	sub, err := s.reconciliation.SubscriberByEmail(ctx, req.Email)
	if err != nil {
		return nil, err
	}

	payment, err := s.ledger.Get(ctx, reference)
	switch {
	case errors.Is(err, ErrNotFound):
		plan, ok := s.plans.Lookup(req.PlanID)
		if !ok {
			return nil, invalidInput("unknown plan %q", req.PlanID)
		}
		notifications := req.NotificationsIncluded != nil && *req.NotificationsIncluded
		if price := plan.PriceFor(notifications); tx.Amount < price {
			s.logger.Errorj(log.JSON{"event": "payment_amount_mismatch", "transaction_id": tx.ID, "expected": price, "paid": tx.Amount})
			return &ActivationResult{Status: ActivationFailed, Reference: reference, Message: "paid amount does not cover the plan"}, nil
		}
		payment, _, err = s.ledger.OpenWithReference(ctx, reference, OpenPaymentRequest{
			SubscriberID:           &sub.ID,
			PlanID:                 plan.ID,
			Amount:                 tx.Amount,
			Currency:               s.currency(tx),
			NotificationsRequested: notifications,
			CustomerEmail:          req.Email,
		})
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}

	if tx.Underpays(payment.Amount) {
		s.logger.Errorj(log.JSON{"event": "payment_amount_mismatch", "reference": reference, "expected": payment.Amount, "paid": tx.Amount})
		return &ActivationResult{Status: ActivationFailed, Reference: reference, Message: "paid amount does not cover the plan"}, nil
	}

	if err := s.ledger.AttachGatewayTransaction(ctx, reference, tx.ID); err != nil {
		s.logger.Warnf("attach transaction %s to %s: %v", tx.ID, reference, err)
	}

	updated, err := s.reconciliation.Reconcile(ctx, ReconcileRequest{
		SubscriberID:         sub.ID,
		PlanID:               payment.PlanID,
		NotificationsEnabled: payment.NotificationsRequested,
		Reference:            &payment.Reference,
	})
	if err != nil {
		if errors.Is(err, ErrTransient) {
			return processing(reference, "activation is being retried"), nil
		}
		return nil, err
	}

	return s.remember(ctx, &ActivationResult{Status: ActivationApproved, Reference: reference, Subscriber: updated}), nil
}

// PollByReference answers the success-page poll. Concurrent polls for one
// reference share a single gateway round trip.
func (s *activationService) PollByReference(ctx context.Context, reference string) (*ActivationResult, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, invalidInput("reference is required")
	}

	// The shared lookup outlives any single caller's cancellation.
	ch := s.polls.DoChan(reference, func() (interface{}, error) {
		pollCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.pollTimeout())
		defer cancel()
		return s.poll(pollCtx, reference)
	})

	select {
	case <-ctx.Done():
		s.observe("poll", nil, ctx.Err())
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			s.observe("poll", nil, res.Err)
			return nil, res.Err
		}
		result := res.Val.(*ActivationResult)
		s.observe("poll", result, nil)
		return result, nil
	}
}

// pollTimeout bounds one shared poll: the backoff budget plus headroom for
// the ledger and reconciliation writes.
func (s *activationService) pollTimeout() time.Duration {
	return pollBackoffBudget + 10*time.Second
}

func (s *activationService) poll(ctx context.Context, reference string) (*ActivationResult, error) {
	if cached := s.cached(ctx, reference); cached != nil {
		return cached, nil
	}

	payment, err := s.ledger.Get(ctx, reference)
	if err != nil {
		return nil, err
	}
	if payment.IsTerminal() {
		return s.fromLedger(ctx, payment)
	}

	tx, err := s.findWithBackoff(ctx, reference)
	if err != nil {
		switch {
		case errors.Is(err, ErrRejected):
			return &ActivationResult{Status: ActivationFailed, Reference: reference, Message: "payment gateway rejected the lookup"}, nil
		case errors.Is(err, errStillPending), errors.Is(err, ErrNotFound), errors.Is(err, ErrTransient):
			return processing(reference, "payment is still being processed"), nil
		default:
			return nil, err
		}
	}

	return s.settle(ctx, payment, tx)
}

// findWithBackoff retries the gateway lookup until the transaction reaches a
// terminal status or the attempt budget runs out.
func (s *activationService) findWithBackoff(ctx context.Context, reference string) (*Transaction, error) {
	policy := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(s.cfg.PollInterval),
		backoff.WithMaxInterval(4*s.cfg.PollInterval),
		backoff.WithMaxElapsedTime(pollBackoffBudget),
	)
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.cfg.PollMaxAttempts-1)), ctx)

	var tx *Transaction
	err := backoff.Retry(func() error {
		found, err := s.gateway.FindByReference(ctx, reference)
		switch {
		case err == nil && found.IsTerminal():
			tx = found
			return nil
		case err == nil:
			return errStillPending
		case errors.Is(err, ErrTransient), errors.Is(err, ErrNotFound):
			return err
		default:
			return backoff.Permanent(err)
		}
	}, b)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// ReconcilePending re-checks one stale ledger row. Used by the sweep.
func (s *activationService) ReconcilePending(ctx context.Context, payment *models.PendingPayment) (*ActivationResult, error) {
	tx, err := s.gateway.FindByReference(ctx, payment.Reference)
	switch {
	case errors.Is(err, ErrNotFound):
		if s.now().Sub(payment.CreatedAt) < s.cfg.IntentTTL {
			return processing(payment.Reference, "no gateway transaction yet"), nil
		}
		if _, _, err := s.ledger.MarkFailed(ctx, payment.Reference); err != nil {
			return nil, err
		}
		s.logger.Infoj(log.JSON{"event": "pending_expired", "reference": payment.Reference})
		return &ActivationResult{Status: ActivationFailed, Reference: payment.Reference, Message: "checkout expired"}, nil
	case err != nil:
		return nil, err
	case !tx.IsTerminal():
		return processing(payment.Reference, "payment is still being processed"), nil
	}

	return s.settle(ctx, payment, tx)
}

// settle applies a terminal gateway transaction to its ledger row.
func (s *activationService) settle(ctx context.Context, payment *models.PendingPayment, tx *Transaction) (*ActivationResult, error) {
	if tx.ID != "" {
		if err := s.ledger.AttachGatewayTransaction(ctx, payment.Reference, tx.ID); err != nil {
			s.logger.Warnf("attach transaction %s to %s: %v", tx.ID, payment.Reference, err)
		}
	}

	if tx.IsDeclined() {
		if _, _, err := s.ledger.MarkFailed(ctx, payment.Reference); err != nil {
			return nil, err
		}
		return s.remember(ctx, &ActivationResult{Status: ActivationFailed, Reference: payment.Reference, Message: "payment was declined"}), nil
	}

	if tx.Underpays(payment.Amount) {
		s.logger.Errorj(log.JSON{"event": "payment_amount_mismatch", "reference": payment.Reference, "expected": payment.Amount, "paid": tx.Amount})
		return &ActivationResult{Status: ActivationFailed, Reference: payment.Reference, Message: "paid amount does not cover the plan"}, nil
	}

	subscriberID, err := resolvePaymentSubscriber(ctx, s.ledger, s.reconciliation, payment, tx.CustomerEmail)
	if errors.Is(err, ErrNotFound) {
		return s.awaitingAccount(payment, tx), nil
	}
	if err != nil {
		return nil, err
	}

	updated, err := s.reconciliation.Reconcile(ctx, ReconcileRequest{
		SubscriberID:         *subscriberID,
		PlanID:               payment.PlanID,
		NotificationsEnabled: payment.NotificationsRequested,
		Reference:            &payment.Reference,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrTransient):
			return processing(payment.Reference, "activation is being retried"), nil
		case errors.Is(err, ErrNotFound):
			return s.awaitingAccount(payment, tx), nil
		}
		return nil, err
	}

	return s.remember(ctx, &ActivationResult{Status: ActivationApproved, Reference: payment.Reference, Subscriber: updated}), nil
}

// awaitingAccount reports a captured payment with no subscriber to credit.
// The ledger row stays pending so the sweep applies it once the account
// exists.
func (s *activationService) awaitingAccount(payment *models.PendingPayment, tx *Transaction) *ActivationResult {
	s.logger.Warnj(log.JSON{"event": "payment_unresolved", "reference": payment.Reference, "customer_email": tx.CustomerEmail})
	return processing(payment.Reference, "payment received, no account matches it yet")
}

func (s *activationService) fromLedger(ctx context.Context, payment *models.PendingPayment) (*ActivationResult, error) {
	if payment.Status == models.PaymentFailed {
		return s.remember(ctx, &ActivationResult{Status: ActivationFailed, Reference: payment.Reference, Message: "payment was declined"}), nil
	}

	result := &ActivationResult{Status: ActivationApproved, Reference: payment.Reference}
	if payment.SubscriberID != nil {
		sub, err := s.reconciliation.Snapshot(ctx, *payment.SubscriberID)
		if err != nil {
			return nil, err
		}
		result.Subscriber = sub
	}
	return s.remember(ctx, result), nil
}

func (s *activationService) cached(ctx context.Context, reference string) *ActivationResult {
	if s.cache == nil {
		return nil
	}
	var result ActivationResult
	found, err := s.cache.GetPaymentResult(ctx, reference, &result)
	if err != nil {
		s.logger.Warnf("read cached payment result %s: %v", reference, err)
		return nil
	}
	if !found {
		return nil
	}
	return &result
}

// remember caches terminal results only.
func (s *activationService) remember(ctx context.Context, result *ActivationResult) *ActivationResult {
	if s.cache == nil || result.Reference == "" || result.Status == ActivationProcessing {
		return result
	}
	if err := s.cache.SetPaymentResult(ctx, result.Reference, result, s.cfg.ResultTTL); err != nil {
		s.logger.Warnf("cache payment result %s: %v", result.Reference, err)
	}
	return result
}

func (s *activationService) currency(tx *Transaction) string {
	if tx.Currency != "" {
		return tx.Currency
	}
	return s.cfg.Currency
}

func (s *activationService) observe(path string, result *ActivationResult, err error) {
	status := "error"
	if err == nil && result != nil {
		status = result.Status
	}
	s.metrics.ActivationPolls.WithLabelValues(path, status).Inc()
}
