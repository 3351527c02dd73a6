package services

import (
	"context"
	"errors"
	"net/url"
	"time"

	"bookly/internal/common"
	"bookly/internal/config"

	"github.com/google/uuid"
	"github.com/labstack/gommon/log"
)

// CheckoutRequest starts a payment for a plan. SubscriberID is nil for
// guest checkouts, which are matched to an account by email later.
type CheckoutRequest struct {
	SubscriberID  *uuid.UUID `json:"-"`
	Email         string     `json:"email"`
	PlanID        string     `json:"plan_id"`
	Notifications bool       `json:"notifications"`
}

type CheckoutResult struct {
	Reference   string    `json:"reference"`
	CheckoutURL string    `json:"checkout_url"`
	ExpiresAt   time.Time `json:"expires_at"`
	Amount      int64     `json:"amount"`
	Currency    string    `json:"currency"`
}

type CheckoutService interface {
	StartCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error)
}

type CheckoutConfig struct {
	Currency    string
	RedirectURL string
	IntentTTL   time.Duration
}

type checkoutService struct {
	cfg            CheckoutConfig
	ledger         PendingLedger
	gateway        GatewayClient
	reconciliation ReconciliationService
	plans          config.PlanCatalog
	now            common.Clock
	logger         *log.Logger
}

func NewCheckoutService(cfg CheckoutConfig, ledger PendingLedger, gateway GatewayClient, reconciliation ReconciliationService,
	plans config.PlanCatalog, now common.Clock, logger *log.Logger) CheckoutService {
	if cfg.IntentTTL <= 0 {
		cfg.IntentTTL = 24 * time.Hour
	}
	if now == nil {
		now = common.SystemClock
	}
	if logger == nil {
		logger = common.DiscardLogger()
	}
	return &checkoutService{
		cfg:            cfg,
		ledger:         ledger,
		gateway:        gateway,
		reconciliation: reconciliation,
		plans:          plans,
		now:            now,
		logger:         logger,
	}
}

func (s *checkoutService) StartCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	plan, ok := s.plans.Lookup(req.PlanID)
	if !ok {
		return nil, invalidInput("unknown plan %q", req.PlanID)
	}

	email := req.Email
	if req.SubscriberID != nil {
		sub, err := s.reconciliation.Snapshot(ctx, *req.SubscriberID)
		if err != nil {
			return nil, err
		}
		email = sub.Email
	} else if err := common.ValidateEmail(email, "email"); err != nil {
		return nil, invalidInput("%v", err)
	}

	payment, err := s.ledger.Open(ctx, OpenPaymentRequest{
		SubscriberID:           req.SubscriberID,
		PlanID:                 plan.ID,
		Amount:                 plan.PriceFor(req.Notifications),
		Currency:               s.cfg.Currency,
		NotificationsRequested: req.Notifications,
		CustomerEmail:          email,
	})
	if err != nil {
		return nil, err
	}

	intent, err := s.gateway.CreateIntent(ctx, IntentSpec{
		Reference:     payment.Reference,
		Amount:        payment.Amount,
		Currency:      payment.Currency,
		CustomerEmail: email,
		RedirectURL:   returnURL(s.cfg.RedirectURL, payment.Reference),
		ExpiresAt:     s.now().Add(s.cfg.IntentTTL).UTC(),
	})
	if err != nil {
		// A pending row left by a transient failure is expired by the sweep.
		if errors.Is(err, ErrRejected) {
			if _, _, markErr := s.ledger.MarkFailed(ctx, payment.Reference); markErr != nil {
				s.logger.Warnf("mark rejected checkout %s failed: %v", payment.Reference, markErr)
			}
		}
		return nil, err
	}

	if err := s.ledger.AttachGatewayPayment(ctx, payment.Reference, intent.GatewayPaymentID); err != nil {
		s.logger.Warnf("attach gateway payment %s to %s: %v", intent.GatewayPaymentID, payment.Reference, err)
	}

	s.logger.Infoj(log.JSON{"event": "checkout_started", "reference": payment.Reference, "plan_id": plan.ID, "amount": payment.Amount})
	return &CheckoutResult{
		Reference:   payment.Reference,
		CheckoutURL: intent.CheckoutURL,
		ExpiresAt:   intent.ExpiresAt,
		Amount:      payment.Amount,
		Currency:    payment.Currency,
	}, nil
}

// returnURL appends the reference so the success page can poll for it.
func returnURL(base, reference string) string {
	if base == "" {
		return ""
	}
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("reference", reference)
	u.RawQuery = q.Encode()
	return u.String()
}
