package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bookly/internal/common"
	"bookly/internal/metrics"
	"bookly/internal/models"
	"bookly/internal/repositories"

	"github.com/google/uuid"
	"github.com/labstack/gommon/log"
)

// SubscriptionPeriodDays is the length of one paid period.
const SubscriptionPeriodDays = 30

const maxRenewalAttempts = 3

// ReconcileRequest asks for one confirmed payment to be applied to a
// subscriber. Reference is nil only for manual activations.
type ReconcileRequest struct {
	SubscriberID         uuid.UUID
	PlanID               string
	NotificationsEnabled bool
	Reference            *string
}

// ReconciliationService owns every write to a subscriber's billing state.
type ReconciliationService interface {
	Reconcile(ctx context.Context, req ReconcileRequest) (*models.Subscriber, error)
	Suspend(ctx context.Context, subscriberID uuid.UUID) (*models.Subscriber, error)
	Snapshot(ctx context.Context, subscriberID uuid.UUID) (*models.Subscriber, error)
	SubscriberByEmail(ctx context.Context, email string) (*models.Subscriber, error)
	ExpireLapsed(ctx context.Context) (int64, error)
	Today() time.Time
}

type reconciliationService struct {
	subscribers repositories.SubscriberRepository
	ledger      PendingLedger
	publisher   EventPublisher
	metrics     *metrics.Metrics
	now         common.Clock
	loc         *time.Location
	logger      *log.Logger
}

func NewReconciliationService(subscribers repositories.SubscriberRepository, ledger PendingLedger, publisher EventPublisher,
	m *metrics.Metrics, now common.Clock, loc *time.Location, logger *log.Logger) ReconciliationService {
	if now == nil {
		now = common.SystemClock
	}
	if loc == nil {
		loc = time.UTC
	}
	if publisher == nil {
		publisher = NewNoopPublisher(logger)
	}
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = common.DiscardLogger()
	}
	return &reconciliationService{
		subscribers: subscribers,
		ledger:      ledger,
		publisher:   publisher,
		metrics:     m,
		now:         now,
		loc:         loc,
		logger:      logger,
	}
}

// RenewalBase is the date a new period starts from: today for trials,
// first payments and lapsed subscriptions, otherwise the current expiry so
// paying early never loses days.
func RenewalBase(sub *models.Subscriber, today time.Time) time.Time {
	if sub.SubscriptionState == models.SubscriptionTrial || sub.SubscriptionExpiresAt == nil {
		return today
	}
	if sub.SubscriptionExpiresAt.Before(today) {
		return today
	}
	return *sub.SubscriptionExpiresAt
}

// NextExpiry is the inclusive expiry after one more paid period.
func NextExpiry(sub *models.Subscriber, today time.Time) time.Time {
	return RenewalBase(sub, today).AddDate(0, 0, SubscriptionPeriodDays)
}

func (s *reconciliationService) Today() time.Time {
	return common.DateOf(s.now(), s.loc)
}

func (s *reconciliationService) Reconcile(ctx context.Context, req ReconcileRequest) (*models.Subscriber, error) {
	if req.SubscriberID == uuid.Nil {
		return nil, invalidInput("subscriber id is required")
	}

	if req.Reference != nil {
		payment, err := s.ledger.Get(ctx, *req.Reference)
		if err != nil {
			s.metrics.Reconciliations.WithLabelValues(outcomeLabel(err)).Inc()
			return nil, err
		}

		if payment.SubscriberID != nil && *payment.SubscriberID != req.SubscriberID {
			s.metrics.Reconciliations.WithLabelValues("conflict").Inc()
			return nil, fmt.Errorf("reference %s belongs to subscriber %s: %w", payment.Reference, payment.SubscriberID, ErrConflict)
		}

		if payment.Status == models.PaymentApproved {
			s.metrics.Reconciliations.WithLabelValues(string(OutcomeAlreadyApplied)).Inc()
			return s.Snapshot(ctx, req.SubscriberID)
		}
		if payment.Status == models.PaymentFailed {
			s.logger.Warnj(log.JSON{"event": "reconcile_failed_reference", "reference": payment.Reference, "subscriber_id": req.SubscriberID})
		}

		// The ledger recorded what was actually sold.
		req.PlanID = payment.PlanID
		req.NotificationsEnabled = payment.NotificationsRequested

		if payment.SubscriberID == nil {
			if _, err := s.ledger.BackfillSubscriber(ctx, payment.Reference, req.SubscriberID); err != nil {
				s.logger.Warnf("backfill subscriber on %s: %v", payment.Reference, err)
			}
		}
	}

	if strings.TrimSpace(req.PlanID) == "" {
		return nil, invalidInput("plan id is required")
	}

	updated, applied, err := s.applyRenewal(ctx, req)
	if err != nil {
		s.metrics.Reconciliations.WithLabelValues(outcomeLabel(err)).Inc()
		s.logger.Errorj(log.JSON{"event": "reconcile_failed", "subscriber_id": req.SubscriberID, "error": err.Error()})
		return nil, err
	}

	if req.Reference != nil {
		s.markLedgerApproved(ctx, *req.Reference)
	}

	if !applied {
		s.metrics.Reconciliations.WithLabelValues(string(OutcomeAlreadyApplied)).Inc()
		return updated.Snapshot(), nil
	}

	s.metrics.Reconciliations.WithLabelValues(string(OutcomeApplied)).Inc()
	s.logger.Infoj(log.JSON{
		"event":         "subscriber_activated",
		"subscriber_id": updated.ID,
		"plan_id":       updated.PlanID,
		"expires_at":    updated.SubscriptionExpiresAt,
		"reference":     common.SafeString(req.Reference),
	})
	s.publish(ctx, EventSubscriberActivated, updated, common.SafeString(req.Reference))

	return updated.Snapshot(), nil
}

// applyRenewal runs the compare-and-swap loop. applied=false means the
// reference already extended a subscription, either in a concurrent delivery
// or in an earlier one whose ledger update never landed.
func (s *reconciliationService) applyRenewal(ctx context.Context, req ReconcileRequest) (*models.Subscriber, bool, error) {
	for attempt := 1; attempt <= maxRenewalAttempts; attempt++ {
		sub, err := s.subscribers.GetByID(ctx, req.SubscriberID)
		if err != nil {
			return nil, false, storeError("load subscriber", err)
		}

		if req.Reference != nil {
			applied, err := s.referenceApplied(ctx, sub, *req.Reference)
			if err != nil {
				return nil, false, storeError("check applied reference", err)
			}
			if applied {
				return sub, false, nil
			}
		}

		today := s.Today()
		updated, ok, err := s.subscribers.ApplyRenewal(ctx, repositories.RenewalWrite{
			SubscriberID:         sub.ID,
			ExpectedVersion:      sub.Version,
			PlanID:               req.PlanID,
			ExpiresAt:            NextExpiry(sub, today),
			NotificationsEnabled: req.NotificationsEnabled,
			Reference:            req.Reference,
			ChangedAt:            s.now().UTC(),
		})
		if err != nil {
			return nil, false, storeError("apply renewal", err)
		}
		if ok {
			return updated, true, nil
		}

		s.logger.Debugf("renewal for %s lost a version race (attempt %d)", sub.ID, attempt)
	}

	return nil, false, fmt.Errorf("apply renewal for %s: version contention: %w", req.SubscriberID, ErrTransient)
}

// referenceApplied consults the durable record of applied references, not
// only the subscriber's most recent one.
func (s *reconciliationService) referenceApplied(ctx context.Context, sub *models.Subscriber, reference string) (bool, error) {
	if sub.LastPaymentReference != nil && *sub.LastPaymentReference == reference {
		return true, nil
	}
	return s.subscribers.IsReferenceApplied(ctx, reference)
}

// markLedgerApproved never fails the reconciliation; the stale-pending sweep
// repairs rows left behind here.
func (s *reconciliationService) markLedgerApproved(ctx context.Context, reference string) {
	_, outcome, err := s.ledger.MarkApproved(ctx, reference)
	if err != nil {
		s.logger.Errorj(log.JSON{"event": "ledger_mark_approved_failed", "reference": reference, "error": err.Error()})
		return
	}
	if outcome == OutcomeConflict {
		s.logger.Warnj(log.JSON{"event": "ledger_conflict", "reference": reference, "detail": "subscriber renewed on a failed payment row"})
	}
}

// Suspend handles a failed recurring charge.
func (s *reconciliationService) Suspend(ctx context.Context, subscriberID uuid.UUID) (*models.Subscriber, error) {
	sub, err := s.subscribers.SetState(ctx, subscriberID, models.SubscriptionSuspendedUnpaid,
		models.AccountStatusFor(models.SubscriptionSuspendedUnpaid), s.now().UTC())
	if err != nil {
		return nil, storeError("suspend subscriber", err)
	}

	s.logger.Infoj(log.JSON{"event": "subscriber_suspended", "subscriber_id": subscriberID})
	s.publish(ctx, EventSubscriberSuspended, sub, "")
	return sub.Snapshot(), nil
}

func (s *reconciliationService) Snapshot(ctx context.Context, subscriberID uuid.UUID) (*models.Subscriber, error) {
	sub, err := s.subscribers.GetByID(ctx, subscriberID)
	if err != nil {
		return nil, storeError("load subscriber", err)
	}
	return sub.Snapshot(), nil
}

func (s *reconciliationService) SubscriberByEmail(ctx context.Context, email string) (*models.Subscriber, error) {
	email = common.NormalizeEmail(email)
	if email == "" {
		return nil, invalidInput("email is required")
	}
	sub, err := s.subscribers.GetByEmail(ctx, email)
	if err != nil {
		return nil, storeError("find subscriber by email", err)
	}
	return sub.Snapshot(), nil
}

// ExpireLapsed flips the display state of subscriptions past their expiry.
// Access checks already evaluate expiry lazily.
func (s *reconciliationService) ExpireLapsed(ctx context.Context) (int64, error) {
	n, err := s.subscribers.ExpireLapsed(ctx, s.Today(), s.now().UTC())
	if err != nil {
		return 0, storeError("expire lapsed subscribers", err)
	}
	if n > 0 {
		s.logger.Infof("expired %d lapsed subscriptions", n)
	}
	return n, nil
}

func (s *reconciliationService) publish(ctx context.Context, eventType string, sub *models.Subscriber, reference string) {
	event := BillingEvent{
		Type:              eventType,
		SubscriberID:      sub.ID,
		Reference:         reference,
		PlanID:            sub.PlanID,
		SubscriptionState: sub.SubscriptionState,
		ExpiresAt:         sub.SubscriptionExpiresAt,
		OccurredAt:        s.now().UTC(),
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warnf("publish %s for %s: %v", eventType, sub.ID, err)
	}
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidInput):
		return "invalid"
	default:
		return "transient"
	}
}
