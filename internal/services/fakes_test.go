package services

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"bookly/internal/metrics"
	"bookly/internal/models"
	"bookly/internal/repositories"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory stand-in for both repositories with the same
// conditional-write semantics as the SQL.
type memStore struct {
	mu          sync.Mutex
	subscribers map[uuid.UUID]*models.Subscriber
	payments    map[string]*models.PendingPayment
	applied     map[string]uuid.UUID

	subscriberErr error
	paymentErr    error
	renewals      int
	// beforeApply runs inside ApplyRenewal before the CAS check, without the lock held.
	beforeApply func()
}

func newMemStore() *memStore {
	return &memStore{
		subscribers: make(map[uuid.UUID]*models.Subscriber),
		payments:    make(map[string]*models.PendingPayment),
		applied:     make(map[string]uuid.UUID),
	}
}

func (m *memStore) addSubscriber(s *models.Subscriber) *models.Subscriber {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.Version == 0 {
		s.Version = 1
	}
	m.subscribers[s.ID] = s.Snapshot()
	if s.LastPaymentReference != nil {
		m.applied[*s.LastPaymentReference] = s.ID
	}
	return s
}

func (m *memStore) subscriber(id uuid.UUID) *models.Subscriber {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.subscribers[id]; ok {
		return s.Snapshot()
	}
	return nil
}

func (m *memStore) addPayment(p *models.PendingPayment) *models.PendingPayment {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.payments[p.Reference] = &cp
	return p
}

func (m *memStore) payment(ref string) *models.PendingPayment {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.payments[ref]; ok {
		cp := *p
		return &cp
	}
	return nil
}

func (m *memStore) renewalCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.renewals
}

// subscriber repository

type memSubscriberRepo struct{ *memStore }

var _ repositories.SubscriberRepository = memSubscriberRepo{}

func (r memSubscriberRepo) Create(ctx context.Context, s *models.Subscriber) error {
	r.addSubscriber(s)
	return nil
}

func (r memSubscriberRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Subscriber, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subscriberErr != nil {
		return nil, r.subscriberErr
	}
	s, ok := r.subscribers[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return s.Snapshot(), nil
}

func (r memSubscriberRepo) GetByEmail(ctx context.Context, email string) (*models.Subscriber, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subscriberErr != nil {
		return nil, r.subscriberErr
	}
	for _, s := range r.subscribers {
		if strings.EqualFold(s.Email, strings.TrimSpace(email)) {
			return s.Snapshot(), nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (r memSubscriberRepo) ApplyRenewal(ctx context.Context, w repositories.RenewalWrite) (*models.Subscriber, bool, error) {
	if hook := r.beforeApply; hook != nil {
		hook()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subscriberErr != nil {
		return nil, false, r.subscriberErr
	}
	s, ok := r.subscribers[w.SubscriberID]
	if !ok || s.Version != w.ExpectedVersion {
		return nil, false, nil
	}
	if w.Reference != nil {
		if _, done := r.applied[*w.Reference]; done {
			return nil, false, nil
		}
	}

	expires := w.ExpiresAt
	s.SubscriptionState = models.SubscriptionActive
	s.PlanID = w.PlanID
	s.SubscriptionExpiresAt = &expires
	s.NotificationsEnabled = w.NotificationsEnabled
	s.AccountStatus = models.AccountStatusActive
	s.LastStateChangeAt = w.ChangedAt
	if w.Reference != nil {
		ref := *w.Reference
		s.LastPaymentReference = &ref
		r.applied[ref] = s.ID
	}
	s.Version++
	r.renewals++
	return s.Snapshot(), true, nil
}

func (r memSubscriberRepo) IsReferenceApplied(ctx context.Context, reference string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subscriberErr != nil {
		return false, r.subscriberErr
	}
	_, ok := r.applied[reference]
	return ok, nil
}

func (r memSubscriberRepo) SetState(ctx context.Context, id uuid.UUID, state, accountStatus string, changedAt time.Time) (*models.Subscriber, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subscriberErr != nil {
		return nil, r.subscriberErr
	}
	s, ok := r.subscribers[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	s.SubscriptionState = state
	s.AccountStatus = accountStatus
	s.LastStateChangeAt = changedAt
	s.Version++
	return s.Snapshot(), nil
}

func (r memSubscriberRepo) ExpireLapsed(ctx context.Context, today, changedAt time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, s := range r.subscribers {
		if s.SubscriptionState == models.SubscriptionActive && s.SubscriptionExpiresAt != nil && s.SubscriptionExpiresAt.Before(today) {
			s.SubscriptionState = models.SubscriptionExpired
			s.AccountStatus = models.AccountStatusInactive
			s.LastStateChangeAt = changedAt
			s.Version++
			n++
		}
	}
	return n, nil
}

// pending payment repository

type memPaymentRepo struct{ *memStore }

var _ repositories.PendingPaymentRepository = memPaymentRepo{}

func (r memPaymentRepo) Create(ctx context.Context, p *models.PendingPayment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paymentErr != nil {
		return r.paymentErr
	}
	if _, exists := r.payments[p.Reference]; exists {
		return errors.New("duplicate key value violates unique constraint")
	}
	cp := *p
	r.payments[p.Reference] = &cp
	return nil
}

func (r memPaymentRepo) CreateIfAbsent(ctx context.Context, p *models.PendingPayment) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paymentErr != nil {
		return false, r.paymentErr
	}
	if _, exists := r.payments[p.Reference]; exists {
		return false, nil
	}
	cp := *p
	r.payments[p.Reference] = &cp
	return true, nil
}

func (r memPaymentRepo) GetByReference(ctx context.Context, reference string) (*models.PendingPayment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paymentErr != nil {
		return nil, r.paymentErr
	}
	p, ok := r.payments[reference]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *p
	return &cp, nil
}

func (r memPaymentRepo) CompletePending(ctx context.Context, reference, status string, completedAt time.Time) (*models.PendingPayment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paymentErr != nil {
		return nil, r.paymentErr
	}
	p, ok := r.payments[reference]
	if !ok || p.Status != models.PaymentPending {
		return nil, pgx.ErrNoRows
	}
	p.Status = status
	p.CompletedAt = &completedAt
	cp := *p
	return &cp, nil
}

func (r memPaymentRepo) SetSubscriber(ctx context.Context, reference string, subscriberID uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[reference]
	if !ok || p.Status != models.PaymentPending || p.SubscriberID != nil {
		return 0, nil
	}
	id := subscriberID
	p.SubscriberID = &id
	return 1, nil
}

func (r memPaymentRepo) SetGatewayPaymentID(ctx context.Context, reference, gatewayPaymentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.payments[reference]; ok {
		id := gatewayPaymentID
		p.GatewayPaymentID = &id
	}
	return nil
}

func (r memPaymentRepo) SetGatewayTransactionID(ctx context.Context, reference, transactionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.payments[reference]; ok && p.GatewayTransactionID == nil {
		id := transactionID
		p.GatewayTransactionID = &id
	}
	return nil
}

func (r memPaymentRepo) ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]*models.PendingPayment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.PendingPayment
	for _, p := range r.payments {
		if p.Status == models.PaymentPending && p.CreatedAt.Before(before) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// gateway

type fakeGateway struct {
	mu           sync.Mutex
	byID         map[string]*Transaction
	byReference  map[string][]Transaction
	intent       *Intent
	intentErr    error
	queryErr     error
	findErr      error
	intents      []IntentSpec
	findCalls    int
	pendingUntil int // FindByReference answers PENDING for this many calls
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		byID:        make(map[string]*Transaction),
		byReference: make(map[string][]Transaction),
	}
}

func (g *fakeGateway) addTransaction(tx Transaction) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := tx
	g.byID[tx.ID] = &cp
	g.byReference[tx.Reference] = append(g.byReference[tx.Reference], tx)
}

func (g *fakeGateway) CreateIntent(ctx context.Context, spec IntentSpec) (*Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.intents = append(g.intents, spec)
	if g.intentErr != nil {
		return nil, g.intentErr
	}
	if g.intent != nil {
		cp := *g.intent
		cp.Reference = spec.Reference
		return &cp, nil
	}
	return &Intent{
		Reference:        spec.Reference,
		GatewayPaymentID: "pi_" + spec.Reference,
		CheckoutURL:      "https://pay.example/checkout/" + spec.Reference,
		ExpiresAt:        spec.ExpiresAt,
	}, nil
}

func (g *fakeGateway) QueryStatus(ctx context.Context, transactionID string) (*Transaction, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.queryErr != nil {
		return nil, g.queryErr
	}
	tx, ok := g.byID[transactionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *tx
	return &cp, nil
}

func (g *fakeGateway) FindByReference(ctx context.Context, reference string) (*Transaction, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.findCalls++
	if g.findErr != nil {
		return nil, g.findErr
	}
	txs := g.byReference[reference]
	if len(txs) == 0 {
		return nil, ErrNotFound
	}
	tx := txs[len(txs)-1]
	if g.findCalls <= g.pendingUntil {
		tx.Status = TransactionPending
	}
	return &tx, nil
}

func (g *fakeGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.findCalls
}

// publisher

type recordingPublisher struct {
	mu     sync.Mutex
	events []BillingEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, event BillingEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

// helpers

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func datePtr(y int, m time.Month, d int) *time.Time {
	t := date(y, m, d)
	return &t
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// counterValue reads one counter sample from the registry.
func counterValue(t *testing.T, m *metrics.Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			matched := 0
			for _, pair := range metric.GetLabel() {
				if want, ok := labels[pair.GetName()]; ok && want == pair.GetValue() {
					matched++
				}
			}
			if matched == len(labels) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}
