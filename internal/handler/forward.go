package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"tunnel-proxy-go/internal/service"
)

// hopByHopResponseHeaders are never copied from a backend response.
var hopByHopResponseHeaders = map[string]bool{
	"Connection":        true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
	"Trailer":           true,
	"Content-Length":    true, // recomputed for the buffered body
	"Content-Type":      true, // passed explicitly to the writer
}

// ForwardHandler bridges unmatched HTTP/1.1 requests to registered backends.
type ForwardHandler struct {
	forwarder *service.Forwarder
	logger    *slog.Logger
}

// NewForwardHandler creates a ForwardHandler.
func NewForwardHandler(forwarder *service.Forwarder, logger *slog.Logger) *ForwardHandler {
	return &ForwardHandler{
		forwarder: forwarder,
		logger:    logger.With("component", "forward_handler"),
	}
}

// Handle forwards the parsed request to the backend owning the path prefix
// and relays the backend's response. Misses are 404, backend failures 502,
// both with a JSON error body.
func (h *ForwardHandler) Handle(c echo.Context) error {
	req := c.Request()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}

	resp, ar, err := h.forwarder.Forward(req.Method, req.URL.RequestURI(), body)
	if err != nil {
		if errors.Is(err, service.ErrNoBackend) {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error": "No backend found for this path",
			})
		}
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": fmt.Sprintf("Backend request failed: %v", err),
		})
	}

	for key, val := range resp.Header {
		if hopByHopResponseHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		c.Response().Header().Set(key, val)
	}

	contentType := resp.Header["Content-Type"]
	if contentType == "" {
		contentType = echo.MIMEOctetStream
	}

	if err := c.Blob(resp.StatusCode, contentType, resp.Body); err != nil {
		h.forwarder.Abort(ar)
		return fmt.Errorf("write response to client: %w", err)
	}
	h.forwarder.Complete(ar)
	return nil
}
