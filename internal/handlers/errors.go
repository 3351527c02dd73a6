package handlers

import (
	"errors"
	"net/http"

	"bookly/internal/common"
	"bookly/internal/services"

	"github.com/labstack/echo/v4"
)

// respondError maps the billing error taxonomy onto HTTP responses.
func respondError(c echo.Context, err error, resource string) error {
	switch {
	case errors.Is(err, services.ErrInvalidInput):
		return common.SendClientError(c, err.Error())
	case errors.Is(err, services.ErrNotFound):
		return common.SendNotFoundError(c, resource)
	case errors.Is(err, services.ErrConflict):
		return common.SendConflictError(c, "Payment does not match this account")
	case errors.Is(err, services.ErrRejected):
		return c.JSON(http.StatusPaymentRequired, common.CreateErrorResponse("PAYMENT_REJECTED", "The payment gateway rejected the request", nil))
	case errors.Is(err, services.ErrUnauthenticated):
		return common.SendUnauthorizedError(c)
	case errors.Is(err, services.ErrTransient):
		return common.SendUnavailableError(c, "Temporarily unavailable, please retry")
	default:
		c.Logger().Errorf("unhandled error: %v", err)
		return common.SendServerError(c, "Internal server error")
	}
}
