package middleware

import (
	"context"
	"fmt"
	"time"

	"bookly/internal/common"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
)

// SubscriberJWTConfig builds the echo-jwt config for subscriber routes. With
// a JWKS URL tokens are checked against the identity provider's rotating
// keys, otherwise against the shared HS256 secret.
func SubscriberJWTConfig(ctx context.Context, secret, jwksURL string) (echojwt.Config, error) {
	cfg := echojwt.Config{
		SuccessHandler: putSubscriberID,
		ErrorHandler: func(c echo.Context, err error) error {
			return common.SendUnauthorizedError(c)
		},
	}

	switch {
	case jwksURL != "":
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
			Ctx:               ctx,
			RefreshInterval:   time.Hour,
			RefreshTimeout:    10 * time.Second,
			RefreshUnknownKID: true,
		})
		if err != nil {
			return cfg, fmt.Errorf("failed to load JWKS: %w", err)
		}
		cfg.KeyFunc = jwks.Keyfunc
	case secret != "":
		cfg.SigningKey = []byte(secret)
	default:
		return cfg, fmt.Errorf("either JWT_SECRET or JWKS_URL is required")
	}

	return cfg, nil
}

// SubscriberJWT is the middleware built from SubscriberJWTConfig.
func SubscriberJWT(cfg echojwt.Config) echo.MiddlewareFunc {
	return echojwt.WithConfig(cfg)
}

// putSubscriberID copies the validated sub claim into the request context.
func putSubscriberID(c echo.Context) {
	token, ok := c.Get("user").(*jwt.Token)
	if !ok {
		return
	}

	sub, err := token.Claims.GetSubject()
	if err != nil {
		return
	}

	subscriberID, err := uuid.Parse(sub)
	if err != nil {
		return
	}

	ctx := context.WithValue(c.Request().Context(), common.SubscriberIDKey, subscriberID)
	c.SetRequest(c.Request().WithContext(ctx))
}

// RequireSubscriber rejects authenticated requests whose token carried no
// usable subscriber id.
func RequireSubscriber(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, ok := common.GetSubscriberIDFromContext(c.Request().Context()); !ok {
			return common.SendUnauthorizedError(c)
		}
		return next(c)
	}
}
