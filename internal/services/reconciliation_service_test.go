package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bookly/internal/common"
	"bookly/internal/metrics"
	"bookly/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// billingFixture wires the real ledger and reconciliation engine over the
// in-memory store.
type billingFixture struct {
	store     *memStore
	codec     *ReferenceCodec
	ledger    PendingLedger
	recon     ReconciliationService
	publisher *recordingPublisher
	metrics   *metrics.Metrics
	now       time.Time
}

func newBillingFixture(now time.Time) *billingFixture {
	store := newMemStore()
	codec := NewReferenceCodec()
	clock := fixedClock(now)
	ledger := NewPendingLedger(memPaymentRepo{store}, memSubscriberRepo{store}, codec, clock, common.DiscardLogger())
	publisher := &recordingPublisher{}
	m := metrics.New()
	recon := NewReconciliationService(memSubscriberRepo{store}, ledger, publisher, m, clock, time.UTC, common.DiscardLogger())
	return &billingFixture{store: store, codec: codec, ledger: ledger, recon: recon, publisher: publisher, metrics: m, now: now}
}

func (f *billingFixture) subscriber(state string, expires *time.Time) *models.Subscriber {
	return f.store.addSubscriber(&models.Subscriber{
		Email:                 uuid.NewString()[:8] + "@salon.example",
		BusinessName:          "Salon",
		SubscriptionState:     state,
		PlanID:                "basic",
		SubscriptionExpiresAt: expires,
		AccountStatus:         models.AccountStatusFor(state),
		LastStateChangeAt:     f.now.Add(-24 * time.Hour),
	})
}

func (f *billingFixture) open(t *testing.T, subscriberID *uuid.UUID, planID string, notifications bool) *models.PendingPayment {
	t.Helper()
	payment, err := f.ledger.Open(context.Background(), OpenPaymentRequest{
		SubscriberID:           subscriberID,
		PlanID:                 planID,
		Amount:                 4990000,
		Currency:               "COP",
		NotificationsRequested: notifications,
		CustomerEmail:          "owner@salon.example",
	})
	require.NoError(t, err)
	return payment
}

type ReconciliationServiceTestSuite struct {
	suite.Suite
	fx    *billingFixture
	today time.Time
}

func (suite *ReconciliationServiceTestSuite) SetupTest() {
	suite.fx = newBillingFixture(time.Date(2025, 6, 10, 15, 30, 0, 0, time.UTC))
	suite.today = date(2025, 6, 10)
}

func TestReconciliationServiceTestSuite(t *testing.T) {
	suite.Run(t, new(ReconciliationServiceTestSuite))
}

func (suite *ReconciliationServiceTestSuite) reconcile(sub *models.Subscriber, reference *string, planID string) (*models.Subscriber, error) {
	return suite.fx.recon.Reconcile(context.Background(), ReconcileRequest{
		SubscriberID: sub.ID,
		PlanID:       planID,
		Reference:    reference,
	})
}

func (suite *ReconciliationServiceTestSuite) TestEarlyRenewalKeepsRemainingDays() {
	sub := suite.fx.subscriber(models.SubscriptionActive, datePtr(2025, 6, 20))
	payment := suite.fx.open(suite.T(), &sub.ID, "basic", false)

	updated, err := suite.reconcile(sub, &payment.Reference, "basic")

	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), date(2025, 7, 20), *updated.SubscriptionExpiresAt)
	assert.Equal(suite.T(), models.SubscriptionActive, updated.SubscriptionState)
	assert.Equal(suite.T(), models.AccountStatusActive, updated.AccountStatus)
}

func (suite *ReconciliationServiceTestSuite) TestLapsedSubscriptionRestartsFromToday() {
	sub := suite.fx.subscriber(models.SubscriptionExpired, datePtr(2025, 6, 5))
	payment := suite.fx.open(suite.T(), &sub.ID, "basic", false)

	updated, err := suite.reconcile(sub, &payment.Reference, "basic")

	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), date(2025, 7, 10), *updated.SubscriptionExpiresAt)
}

func (suite *ReconciliationServiceTestSuite) TestTrialConversionIgnoresTrialDays() {
	sub := suite.fx.subscriber(models.SubscriptionTrial, datePtr(2025, 6, 25))
	payment := suite.fx.open(suite.T(), &sub.ID, "pro", true)

	updated, err := suite.reconcile(sub, &payment.Reference, "pro")

	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), date(2025, 7, 10), *updated.SubscriptionExpiresAt)
	assert.Equal(suite.T(), "pro", updated.PlanID)
	assert.True(suite.T(), updated.NotificationsEnabled)
}

func (suite *ReconciliationServiceTestSuite) TestSameReferenceAppliesOnce() {
	sub := suite.fx.subscriber(models.SubscriptionActive, datePtr(2025, 6, 20))
	payment := suite.fx.open(suite.T(), &sub.ID, "basic", false)

	first, err := suite.reconcile(sub, &payment.Reference, "basic")
	require.NoError(suite.T(), err)
	second, err := suite.reconcile(sub, &payment.Reference, "basic")
	require.NoError(suite.T(), err)

	assert.Equal(suite.T(), *first.SubscriptionExpiresAt, *second.SubscriptionExpiresAt)
	assert.Equal(suite.T(), 1, suite.fx.store.renewalCount())
	assert.Equal(suite.T(), 1, suite.fx.publisher.count(EventSubscriberActivated))
	assert.Equal(suite.T(), models.PaymentApproved, suite.fx.store.payment(payment.Reference).Status)
	assert.Equal(suite.T(), float64(1), counterValue(suite.T(), suite.fx.metrics, "bookly_billing_reconciliations_total", map[string]string{"outcome": "already_applied"}))
}

func (suite *ReconciliationServiceTestSuite) TestConcurrentDeliveriesApplyOnce() {
	sub := suite.fx.subscriber(models.SubscriptionActive, datePtr(2025, 6, 20))
	payment := suite.fx.open(suite.T(), &sub.ID, "basic", false)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := suite.reconcile(sub, &payment.Reference, "basic")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(suite.T(), err)
	}
	assert.Equal(suite.T(), 1, suite.fx.store.renewalCount())
	assert.Equal(suite.T(), date(2025, 7, 20), *suite.fx.store.subscriber(sub.ID).SubscriptionExpiresAt)
}

func (suite *ReconciliationServiceTestSuite) TestDistinctReferencesStack() {
	sub := suite.fx.subscriber(models.SubscriptionActive, datePtr(2025, 6, 20))
	a := suite.fx.open(suite.T(), &sub.ID, "basic", false)
	b := suite.fx.open(suite.T(), &sub.ID, "basic", false)

	_, err := suite.reconcile(sub, &a.Reference, "basic")
	require.NoError(suite.T(), err)
	updated, err := suite.reconcile(sub, &b.Reference, "basic")
	require.NoError(suite.T(), err)

	assert.Equal(suite.T(), date(2025, 8, 19), *updated.SubscriptionExpiresAt)
	assert.Equal(suite.T(), 2, suite.fx.store.renewalCount())
}

func (suite *ReconciliationServiceTestSuite) TestRetriesAfterLostVersionRace() {
	sub := suite.fx.subscriber(models.SubscriptionActive, datePtr(2025, 6, 20))
	payment := suite.fx.open(suite.T(), &sub.ID, "basic", false)

	raced := false
	suite.fx.store.beforeApply = func() {
		if raced {
			return
		}
		raced = true
		suite.fx.store.mu.Lock()
		suite.fx.store.subscribers[sub.ID].Version++
		suite.fx.store.mu.Unlock()
	}

	updated, err := suite.reconcile(sub, &payment.Reference, "basic")

	require.NoError(suite.T(), err)
	assert.True(suite.T(), raced)
	assert.Equal(suite.T(), date(2025, 7, 20), *updated.SubscriptionExpiresAt)
	assert.Equal(suite.T(), 1, suite.fx.store.renewalCount())
}

func (suite *ReconciliationServiceTestSuite) TestPersistentContentionIsTransient() {
	sub := suite.fx.subscriber(models.SubscriptionActive, datePtr(2025, 6, 20))
	payment := suite.fx.open(suite.T(), &sub.ID, "basic", false)

	suite.fx.store.beforeApply = func() {
		suite.fx.store.mu.Lock()
		suite.fx.store.subscribers[sub.ID].Version++
		suite.fx.store.mu.Unlock()
	}

	_, err := suite.reconcile(sub, &payment.Reference, "basic")

	assert.ErrorIs(suite.T(), err, ErrTransient)
	assert.Equal(suite.T(), 0, suite.fx.store.renewalCount())
	assert.Equal(suite.T(), models.PaymentPending, suite.fx.store.payment(payment.Reference).Status)
}

func (suite *ReconciliationServiceTestSuite) TestUnknownReferenceIsNotFound() {
	sub := suite.fx.subscriber(models.SubscriptionActive, datePtr(2025, 6, 20))
	ref := "bk1.anon.basic.0.zzz"

	_, err := suite.reconcile(sub, &ref, "basic")

	assert.ErrorIs(suite.T(), err, ErrNotFound)
	assert.Equal(suite.T(), 0, suite.fx.store.renewalCount())
}

func (suite *ReconciliationServiceTestSuite) TestReferenceOfAnotherSubscriberConflicts() {
	owner := suite.fx.subscriber(models.SubscriptionActive, datePtr(2025, 6, 20))
	other := suite.fx.subscriber(models.SubscriptionActive, datePtr(2025, 6, 20))
	payment := suite.fx.open(suite.T(), &owner.ID, "basic", false)

	_, err := suite.reconcile(other, &payment.Reference, "basic")

	assert.ErrorIs(suite.T(), err, ErrConflict)
	assert.Equal(suite.T(), 0, suite.fx.store.renewalCount())
}

func (suite *ReconciliationServiceTestSuite) TestLedgerPlanWinsOverRequest() {
	sub := suite.fx.subscriber(models.SubscriptionActive, datePtr(2025, 6, 20))
	payment := suite.fx.open(suite.T(), &sub.ID, "pro", true)

	updated, err := suite.reconcile(sub, &payment.Reference, "basic")

	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), "pro", updated.PlanID)
	assert.True(suite.T(), updated.NotificationsEnabled)
}

func (suite *ReconciliationServiceTestSuite) TestFailedLedgerRowStillRenews() {
	sub := suite.fx.subscriber(models.SubscriptionActive, datePtr(2025, 6, 20))
	payment := suite.fx.open(suite.T(), &sub.ID, "basic", false)
	_, _, err := suite.fx.ledger.MarkFailed(context.Background(), payment.Reference)
	require.NoError(suite.T(), err)

	updated, err := suite.reconcile(sub, &payment.Reference, "basic")

	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), date(2025, 7, 20), *updated.SubscriptionExpiresAt)
	assert.Equal(suite.T(), models.PaymentFailed, suite.fx.store.payment(payment.Reference).Status)
}

func (suite *ReconciliationServiceTestSuite) TestBackfillsAnonymousLedgerRow() {
	sub := suite.fx.subscriber(models.SubscriptionActive, datePtr(2025, 6, 20))
	payment := suite.fx.open(suite.T(), nil, "basic", false)

	_, err := suite.reconcile(sub, &payment.Reference, "basic")

	require.NoError(suite.T(), err)
	stored := suite.fx.store.payment(payment.Reference)
	require.NotNil(suite.T(), stored.SubscriberID)
	assert.Equal(suite.T(), sub.ID, *stored.SubscriberID)
	assert.Equal(suite.T(), models.PaymentApproved, stored.Status)
}

func (suite *ReconciliationServiceTestSuite) TestManualActivationWithoutReference() {
	sub := suite.fx.subscriber(models.SubscriptionTrial, nil)

	updated, err := suite.reconcile(sub, nil, "basic")
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), date(2025, 7, 10), *updated.SubscriptionExpiresAt)

	_, err = suite.reconcile(sub, nil, "")
	assert.ErrorIs(suite.T(), err, ErrInvalidInput)
}

func (suite *ReconciliationServiceTestSuite) TestStoreFailureIsTransient() {
	sub := suite.fx.subscriber(models.SubscriptionActive, datePtr(2025, 6, 20))
	suite.fx.store.subscriberErr = errors.New("connection refused")

	_, err := suite.reconcile(sub, nil, "basic")

	assert.ErrorIs(suite.T(), err, ErrTransient)
}

func (suite *ReconciliationServiceTestSuite) TestSuspend() {
	sub := suite.fx.subscriber(models.SubscriptionActive, datePtr(2025, 6, 20))

	updated, err := suite.fx.recon.Suspend(context.Background(), sub.ID)

	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), models.SubscriptionSuspendedUnpaid, updated.SubscriptionState)
	assert.Equal(suite.T(), models.AccountStatusInactiveUnpaid, updated.AccountStatus)
	assert.Equal(suite.T(), 1, suite.fx.publisher.count(EventSubscriberSuspended))

	_, err = suite.fx.recon.Suspend(context.Background(), uuid.New())
	assert.ErrorIs(suite.T(), err, ErrNotFound)
}

func (suite *ReconciliationServiceTestSuite) TestExpireLapsed() {
	suite.fx.subscriber(models.SubscriptionActive, datePtr(2025, 6, 9))
	suite.fx.subscriber(models.SubscriptionActive, datePtr(2025, 6, 10))
	suite.fx.subscriber(models.SubscriptionTrial, datePtr(2025, 6, 1))

	n, err := suite.fx.recon.ExpireLapsed(context.Background())

	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), int64(1), n)
}

func (suite *ReconciliationServiceTestSuite) TestSubscriberByEmail() {
	sub := suite.fx.subscriber(models.SubscriptionActive, nil)

	found, err := suite.fx.recon.SubscriberByEmail(context.Background(), "  "+sub.Email+" ")
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), sub.ID, found.ID)

	_, err = suite.fx.recon.SubscriberByEmail(context.Background(), "")
	assert.ErrorIs(suite.T(), err, ErrInvalidInput)

	_, err = suite.fx.recon.SubscriberByEmail(context.Background(), "nobody@salon.example")
	assert.ErrorIs(suite.T(), err, ErrNotFound)
}

func TestNextExpiry(t *testing.T) {
	today := date(2025, 6, 10)

	tests := []struct {
		name    string
		state   string
		expires *time.Time
		want    time.Time
	}{
		{"first payment", models.SubscriptionActive, nil, date(2025, 7, 10)},
		{"trial", models.SubscriptionTrial, datePtr(2025, 6, 30), date(2025, 7, 10)},
		{"active ahead", models.SubscriptionActive, datePtr(2025, 6, 20), date(2025, 7, 20)},
		{"expires today", models.SubscriptionActive, datePtr(2025, 6, 10), date(2025, 7, 10)},
		{"lapsed", models.SubscriptionExpired, datePtr(2025, 6, 5), date(2025, 7, 10)},
		{"suspended ahead", models.SubscriptionSuspendedUnpaid, datePtr(2025, 6, 15), date(2025, 7, 15)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &models.Subscriber{SubscriptionState: tt.state, SubscriptionExpiresAt: tt.expires}
			assert.Equal(t, tt.want, NextExpiry(sub, today))
		})
	}
}

func TestReconciliationToday_UsesBillingTimezone(t *testing.T) {
	bogota, err := time.LoadLocation("America/Bogota")
	require.NoError(t, err)

	// 02:00 UTC on June 11 is still June 10 in Bogota.
	now := time.Date(2025, 6, 11, 2, 0, 0, 0, time.UTC)
	recon := NewReconciliationService(memSubscriberRepo{newMemStore()}, nil, nil, nil, fixedClock(now), bogota, nil)

	assert.Equal(t, date(2025, 6, 10), recon.Today())
}

// flakyApprovalLedger fails MarkApproved a fixed number of times, leaving
// the ledger row pending after the subscriber was renewed.
type flakyApprovalLedger struct {
	PendingLedger
	mu       sync.Mutex
	failures int
}

func (l *flakyApprovalLedger) MarkApproved(ctx context.Context, reference string) (*models.PendingPayment, LedgerOutcome, error) {
	l.mu.Lock()
	if l.failures > 0 {
		l.failures--
		l.mu.Unlock()
		return nil, "", errors.New("connection reset")
	}
	l.mu.Unlock()
	return l.PendingLedger.MarkApproved(ctx, reference)
}

func (suite *ReconciliationServiceTestSuite) TestOlderReferenceIsNotReappliedAfterNewerRenewal() {
	fx := suite.fx
	ledger := &flakyApprovalLedger{PendingLedger: fx.ledger, failures: 1}
	recon := NewReconciliationService(memSubscriberRepo{fx.store}, ledger, fx.publisher, fx.metrics,
		fixedClock(fx.now), time.UTC, common.DiscardLogger())

	sub := fx.subscriber(models.SubscriptionActive, datePtr(2025, 6, 20))
	first := fx.open(suite.T(), &sub.ID, "basic", false)
	second := fx.open(suite.T(), &sub.ID, "basic", false)
	apply := func(reference string) *models.Subscriber {
		updated, err := recon.Reconcile(context.Background(), ReconcileRequest{SubscriberID: sub.ID, PlanID: "basic", Reference: &reference})
		suite.Require().NoError(err)
		return updated
	}

	suite.Equal(date(2025, 7, 20), *apply(first.Reference).SubscriptionExpiresAt)
	suite.Equal(models.PaymentPending, fx.store.payment(first.Reference).Status)

	suite.Equal(date(2025, 8, 19), *apply(second.Reference).SubscriptionExpiresAt)

	redelivered := apply(first.Reference)

	suite.Equal(date(2025, 8, 19), *redelivered.SubscriptionExpiresAt)
	suite.Equal(2, fx.store.renewalCount())
	suite.Equal(models.PaymentApproved, fx.store.payment(first.Reference).Status)
	suite.Equal(second.Reference, *fx.store.subscriber(sub.ID).LastPaymentReference)
}
