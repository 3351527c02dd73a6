package handlers

import (
	"context"
	"time"

	"bookly/internal/models"
	"bookly/internal/services"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

type MockCheckoutService struct {
	mock.Mock
}

func (m *MockCheckoutService) StartCheckout(ctx context.Context, req services.CheckoutRequest) (*services.CheckoutResult, error) {
	args := m.Called(ctx, req)
	result, _ := args.Get(0).(*services.CheckoutResult)
	return result, args.Error(1)
}

type MockActivationService struct {
	mock.Mock
}

func (m *MockActivationService) VerifyDirect(ctx context.Context, req services.VerifyRequest) (*services.ActivationResult, error) {
	args := m.Called(ctx, req)
	result, _ := args.Get(0).(*services.ActivationResult)
	return result, args.Error(1)
}

func (m *MockActivationService) PollByReference(ctx context.Context, reference string) (*services.ActivationResult, error) {
	args := m.Called(ctx, reference)
	result, _ := args.Get(0).(*services.ActivationResult)
	return result, args.Error(1)
}

func (m *MockActivationService) ReconcilePending(ctx context.Context, payment *models.PendingPayment) (*services.ActivationResult, error) {
	args := m.Called(ctx, payment)
	result, _ := args.Get(0).(*services.ActivationResult)
	return result, args.Error(1)
}

// MockReconciliationService only needs the read side for handlers.
type MockReconciliationService struct {
	services.ReconciliationService
	mock.Mock
}

func (m *MockReconciliationService) Snapshot(ctx context.Context, subscriberID uuid.UUID) (*models.Subscriber, error) {
	args := m.Called(ctx, subscriberID)
	sub, _ := args.Get(0).(*models.Subscriber)
	return sub, args.Error(1)
}

func (m *MockReconciliationService) Today() time.Time {
	return m.Called().Get(0).(time.Time)
}

type MockWebhookService struct {
	mock.Mock
}

func (m *MockWebhookService) Handle(ctx context.Context, body []byte, signature string) (*services.WebhookResult, error) {
	args := m.Called(ctx, body, signature)
	result, _ := args.Get(0).(*services.WebhookResult)
	return result, args.Error(1)
}
