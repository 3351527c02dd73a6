package handlers

import (
	"errors"
	"io"
	"net/http"

	"bookly/internal/common"
	"bookly/internal/services"

	"github.com/labstack/echo/v4"
)

// SignatureHeader carries hex(HMAC-SHA256(secret, body)).
const SignatureHeader = "X-Signature"

const maxWebhookBody = 1 << 20

// WebhookHandlers handles HTTP requests for gateway webhooks
type WebhookHandlers struct {
	webhookService services.WebhookService
}

// NewWebhookHandlers creates a new webhook handlers instance
func NewWebhookHandlers(webhookService services.WebhookService) *WebhookHandlers {
	return &WebhookHandlers{webhookService: webhookService}
}

// GatewayWebhook handles POST /v1/webhooks/gateway
//
//	@Summary	Payment gateway push notification
//	@Tags		webhooks
//	@Accept		json
//	@Produce	json
//	@Param		X-Signature	header		string	true	"hex HMAC-SHA256 of the raw body"
//	@Success	200			{object}	services.WebhookResult
//	@Failure	400			{object}	common.ErrorResponse
//	@Failure	401			{object}	common.ErrorResponse
//	@Failure	503			{object}	common.ErrorResponse
//	@Router		/v1/webhooks/gateway [post]
func (h *WebhookHandlers) GatewayWebhook(c echo.Context) error {
	// The signature covers the raw bytes, so read before any binding
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return common.SendClientError(c, "Failed to read request body")
	}

	result, err := h.webhookService.Handle(c.Request().Context(), body, c.Request().Header.Get(SignatureHeader))
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, result)
	case errors.Is(err, services.ErrUnauthenticated):
		return common.SendUnauthorizedError(c)
	case errors.Is(err, services.ErrInvalidInput):
		return common.SendClientError(c, "Malformed webhook payload")
	case errors.Is(err, services.ErrTransient):
		return common.SendUnavailableError(c, "Temporarily unavailable, redeliver later")
	default:
		c.Logger().Errorf("webhook processing failed: %v", err)
		return common.SendServerError(c, "Webhook processing failed")
	}
}
