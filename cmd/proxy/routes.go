package main

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/consometers/sge-tiers-proxy/internal/dsoclient"
	"github.com/consometers/sge-tiers-proxy/internal/handler"
)

// registerAdminRoutes wires a minimal operational HTTP surface in front of
// internal/handler: a health check, and a manual operation trigger exposing
// the three client-facing operations for integration testing — the actual
// client protocol is the messaging transport named in spec.md §6.1 and is
// out of scope here.
func registerAdminRoutes(e *echo.Echo, h *handler.Handlers, logger *zap.Logger) {
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	e.POST("/ops/get-history", func(c echo.Context) error {
		var req struct {
			UserJID    string    `json:"user_jid"`
			Identifier string    `json:"identifier"`
			Start      time.Time `json:"start"`
			End        time.Time `json:"end"`
		}
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		data, err := h.GetHistory(c.Request().Context(), req.UserJID, req.Identifier, req.Start, req.End)
		if err != nil {
			return opsError(c, err)
		}
		return c.JSON(http.StatusOK, data)
	})

	e.POST("/ops/subscribe", func(c echo.Context) error {
		var req struct {
			UserJID    string `json:"user_jid"`
			Identifier string `json:"identifier"`
		}
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		sub, err := h.Subscribe(c.Request().Context(), req.UserJID, req.Identifier)
		if err != nil {
			return opsError(c, err)
		}
		return c.JSON(http.StatusOK, sub)
	})

	e.POST("/ops/unsubscribe", func(c echo.Context) error {
		var req struct {
			UserJID    string `json:"user_jid"`
			Identifier string `json:"identifier"`
		}
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		if err := h.Unsubscribe(c.Request().Context(), req.UserJID, req.Identifier); err != nil {
			return opsError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	})
}

// opsError translates the handler's sentinel errors into the transport's
// standard error shape, plus the upstream-error extension carrying
// {issuer, code} for propagated DSO errors (spec.md §6.1).
func opsError(c echo.Context, err error) error {
	var dsoErr *dsoclient.Error
	if errors.As(err, &dsoErr) {
		return c.JSON(http.StatusBadGateway, map[string]interface{}{
			"error":          "upstream-error",
			"upstream_issuer": "sge",
			"upstream_code":   dsoErr.Code,
			"message":         dsoErr.Message,
		})
	}
	switch {
	case errors.Is(err, handler.ErrNotAuthorized):
		return c.JSON(http.StatusForbidden, map[string]string{"error": "not-authorized", "message": err.Error()})
	case errors.Is(err, handler.ErrBadRequest):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad-request", "message": err.Error()})
	default:
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal", "message": err.Error()})
	}
}
