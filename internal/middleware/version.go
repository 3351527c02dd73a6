package middleware

import (
	"github.com/labstack/echo/v4"
)

// APIVersion describes one mounted API version.
type APIVersion struct {
	Version string `json:"version"`
	Message string `json:"message,omitempty"`
}

// VersionMiddleware stamps version headers on every versioned route group.
// Gateway webhooks live under /v1 too, so a version must never be removed
// while the gateway dashboard still points at it.
type VersionMiddleware struct {
	supportedVersions map[string]APIVersion
}

// NewVersionMiddleware creates a new version middleware instance
func NewVersionMiddleware() *VersionMiddleware {
	return &VersionMiddleware{
		supportedVersions: map[string]APIVersion{
			"v1": {
				Version: "v1",
				Message: "Current stable billing API",
			},
		},
	}
}

// VersionHeader adds version information to response headers
func (vm *VersionMiddleware) VersionHeader(version string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-API-Version", version)
			if ver, ok := vm.supportedVersions[version]; ok && ver.Message != "" {
				h.Set("X-API-Message", ver.Message)
			}

			c.Set("api_version", version)
			return next(c)
		}
	}
}

// VersionRoute creates a version-specific route group
func (vm *VersionMiddleware) VersionRoute(e *echo.Echo, version string) *echo.Group {
	group := e.Group("/" + version)
	group.Use(vm.VersionHeader(version))
	return group
}
