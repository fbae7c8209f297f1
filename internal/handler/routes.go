package handler

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes wires the HTTP/1.1 front door: the registration endpoint
// and the catch-all forwarder. Everything else about the door (body limits,
// logging, rate limiting) is middleware installed by the caller.
func RegisterRoutes(e *echo.Echo, reg *RegistrationHandler, fwd *ForwardHandler) {
	e.Any("/proxy/register", reg.Handle)
	e.Any("/*", fwd.Handle)
}
