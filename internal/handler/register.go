// Package handler wires the front doors to the registration and forwarding
// services: Echo handlers for the HTTP/1.1 door and the route table for the
// HTTP/2 door.
package handler

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/labstack/echo/v4"

	"tunnel-proxy-go/internal/service"
)

// RegistrationHandler services /proxy/register on the HTTP/1.1 front door.
type RegistrationHandler struct {
	registrar *service.Registrar
	logger    *slog.Logger
}

// NewRegistrationHandler creates a RegistrationHandler.
func NewRegistrationHandler(registrar *service.Registrar, logger *slog.Logger) *RegistrationHandler {
	return &RegistrationHandler{
		registrar: registrar,
		logger:    logger.With("component", "registration_handler"),
	}
}

// Handle reads the JSON payload and applies the registration operation.
// POST registers, DELETE unregisters, anything else is 405.
func (h *RegistrationHandler) Handle(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return fmt.Errorf("read registration body: %w", err)
	}

	resp := h.registrar.HandleRegistration(c.Request().Method, body)
	return c.Blob(resp.StatusCode, resp.ContentType, resp.Body)
}
