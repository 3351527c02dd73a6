package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"bookly/internal/caching"
	"bookly/internal/common"
	"bookly/internal/config"
	"bookly/internal/models"
	"bookly/internal/services"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
)

// BillingHandlers handles checkout, verification and subscriber status
type BillingHandlers struct {
	checkout       services.CheckoutService
	activation     services.ActivationService
	reconciliation services.ReconciliationService
	cache          caching.CacheService
	plans          config.PlanCatalog
	pollRateLimit  int
	logger         *log.Logger
}

// NewBillingHandlers creates a new billing handlers instance
func NewBillingHandlers(checkout services.CheckoutService, activation services.ActivationService,
	reconciliation services.ReconciliationService, cache caching.CacheService, plans config.PlanCatalog,
	pollRateLimit int, logger *log.Logger) *BillingHandlers {
	if logger == nil {
		logger = common.DiscardLogger()
	}
	return &BillingHandlers{
		checkout:       checkout,
		activation:     activation,
		reconciliation: reconciliation,
		cache:          cache,
		plans:          plans,
		pollRateLimit:  pollRateLimit,
		logger:         logger,
	}
}

type checkoutBody struct {
	Email         string `json:"email"`
	PlanID        string `json:"plan_id"`
	Notifications bool   `json:"notifications"`
}

// SubscriberResponse is a subscriber snapshot with expiry evaluated now.
type SubscriberResponse struct {
	*models.Subscriber
	EffectiveState string `json:"effective_state"`
}

// Checkout handles POST /v1/billing/checkout
//
//	@Summary	Start a checkout for the authenticated subscriber
//	@Tags		billing
//	@Accept		json
//	@Produce	json
//	@Security	BearerAuth
//	@Param		body	body		checkoutBody	true	"Plan selection"
//	@Success	201		{object}	services.CheckoutResult
//	@Failure	400		{object}	common.ErrorResponse
//	@Failure	503		{object}	common.ErrorResponse
//	@Router		/v1/billing/checkout [post]
func (h *BillingHandlers) Checkout(c echo.Context) error {
	ctx := c.Request().Context()

	subscriberID, ok := common.GetSubscriberIDFromContext(ctx)
	if !ok {
		return common.SendUnauthorizedError(c)
	}

	var body checkoutBody
	if err := c.Bind(&body); err != nil {
		return common.SendClientError(c, "Invalid request format")
	}
	if err := common.ValidateRequiredString(body.PlanID, "plan_id"); err != nil {
		return common.SendValidationError(c, "plan_id", err.Error())
	}

	result, err := h.checkout.StartCheckout(ctx, services.CheckoutRequest{
		SubscriberID:  &subscriberID,
		PlanID:        body.PlanID,
		Notifications: body.Notifications,
	})
	if err != nil {
		return respondError(c, err, "Subscriber")
	}

	return c.JSON(http.StatusCreated, result)
}

// GuestCheckout handles POST /v1/billing/checkout/guest
//
//	@Summary	Start a checkout identified by email only
//	@Tags		billing
//	@Accept		json
//	@Produce	json
//	@Param		body	body		checkoutBody	true	"Plan selection"
//	@Success	201		{object}	services.CheckoutResult
//	@Failure	400		{object}	common.ErrorResponse
//	@Router		/v1/billing/checkout/guest [post]
func (h *BillingHandlers) GuestCheckout(c echo.Context) error {
	var body checkoutBody
	if err := c.Bind(&body); err != nil {
		return common.SendClientError(c, "Invalid request format")
	}
	if err := common.ValidateEmail(body.Email, "email"); err != nil {
		return common.SendValidationError(c, "email", err.Error())
	}
	if err := common.ValidateRequiredString(body.PlanID, "plan_id"); err != nil {
		return common.SendValidationError(c, "plan_id", err.Error())
	}

	result, err := h.checkout.StartCheckout(c.Request().Context(), services.CheckoutRequest{
		Email:         body.Email,
		PlanID:        body.PlanID,
		Notifications: body.Notifications,
	})
	if err != nil {
		return respondError(c, err, "Plan")
	}

	return c.JSON(http.StatusCreated, result)
}

// Verify handles POST /v1/billing/verify
//
//	@Summary	Verify a payment directly against the gateway
//	@Tags		billing
//	@Accept		json
//	@Produce	json
//	@Param		body	body		services.VerifyRequest	true	"Transaction to verify"
//	@Success	200		{object}	services.ActivationResult
//	@Success	202		{object}	services.ActivationResult
//	@Failure	404		{object}	common.ErrorResponse
//	@Router		/v1/billing/verify [post]
func (h *BillingHandlers) Verify(c echo.Context) error {
	var req services.VerifyRequest
	if err := c.Bind(&req); err != nil {
		return common.SendClientError(c, "Invalid request format")
	}
	if err := common.ValidateRequiredString(req.GatewayTransactionID, "transaction_id"); err != nil {
		return common.SendValidationError(c, "transaction_id", err.Error())
	}

	result, err := h.activation.VerifyDirect(c.Request().Context(), req)
	if err != nil {
		return respondError(c, err, "Payment")
	}

	return activationResponse(c, result)
}

// PaymentStatus handles GET /v1/billing/payments/status?reference=
//
//	@Summary	Poll the activation status of a checkout
//	@Tags		billing
//	@Produce	json
//	@Param		reference	query		string	true	"Payment reference"
//	@Success	200			{object}	services.ActivationResult
//	@Success	202			{object}	services.ActivationResult
//	@Failure	404			{object}	common.ErrorResponse
//	@Failure	429			{object}	common.ErrorResponse
//	@Router		/v1/billing/payments/status [get]
func (h *BillingHandlers) PaymentStatus(c echo.Context) error {
	ctx := c.Request().Context()

	reference := strings.TrimSpace(c.QueryParam("reference"))
	if reference == "" {
		return common.SendValidationError(c, "reference", "reference is required")
	}

	if h.cache != nil && h.pollRateLimit > 0 {
		limited, err := h.cache.IsRateLimited(ctx, "poll:"+c.RealIP(), h.pollRateLimit, time.Minute)
		if err != nil {
			h.logger.Warnf("poll rate limit check failed: %v", err)
		} else if limited {
			return common.SendRateLimitedError(c)
		}
	}

	result, err := h.activation.PollByReference(ctx, reference)
	if err != nil {
		return respondError(c, err, "Payment")
	}

	return activationResponse(c, result)
}

// CurrentSubscriber handles GET /v1/billing/subscriber
//
//	@Summary	Current billing state of the authenticated subscriber
//	@Tags		billing
//	@Produce	json
//	@Security	BearerAuth
//	@Success	200	{object}	SubscriberResponse
//	@Failure	404	{object}	common.ErrorResponse
//	@Router		/v1/billing/subscriber [get]
func (h *BillingHandlers) CurrentSubscriber(c echo.Context) error {
	ctx := c.Request().Context()

	subscriberID, ok := common.GetSubscriberIDFromContext(ctx)
	if !ok {
		return common.SendUnauthorizedError(c)
	}

	sub, err := h.reconciliation.Snapshot(ctx, subscriberID)
	if err != nil {
		return respondError(c, err, "Subscriber")
	}

	return c.JSON(http.StatusOK, SubscriberResponse{
		Subscriber:     sub,
		EffectiveState: sub.EffectiveState(h.reconciliation.Today()),
	})
}

// Plans handles GET /v1/billing/plans
//
//	@Summary	Plan catalogue
//	@Tags		billing
//	@Produce	json
//	@Success	200	{object}	map[string][]config.Plan
//	@Router		/v1/billing/plans [get]
func (h *BillingHandlers) Plans(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"plans": h.plans.Sorted(),
	})
}

// activationResponse uses 202 while the payment is still settling.
func activationResponse(c echo.Context, result *services.ActivationResult) error {
	if result.Status == services.ActivationProcessing {
		if result.RetryAfterSeconds > 0 {
			c.Response().Header().Set("Retry-After", strconv.Itoa(result.RetryAfterSeconds))
		}
		return c.JSON(http.StatusAccepted, result)
	}
	return c.JSON(http.StatusOK, result)
}
