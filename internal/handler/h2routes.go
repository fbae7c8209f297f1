package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"tunnel-proxy-go/internal/metrics"
	"tunnel-proxy-go/internal/model"
	"tunnel-proxy-go/internal/router"
	"tunnel-proxy-go/internal/service"
)

// BuildH2Router assembles the HTTP/2 front door's route table: the demo and
// registration routes, plus the forwarding fallback for everything the table
// does not match. The router's built-in health probe stays in front of the
// fallback, and every dispatched request lands in the request metrics under
// the h2 protocol label. The metrics parameter is optional.
func BuildH2Router(registrar *service.Registrar, forwarder *service.Forwarder, mx *metrics.Metrics, logger *slog.Logger) *router.Router {
	rt := router.New(logger)
	if mx != nil {
		rt.SetMetrics(mx)
	}

	rt.Register(http.MethodGet, "/test", func(_, _ string, _ []byte, streamID uint32, send router.ResponseSender) {
		send(streamID, model.HTTPResponse{StatusCode: http.StatusNoContent})
	})

	registration := func(method, _ string, body []byte, streamID uint32, send router.ResponseSender) {
		send(streamID, registrar.HandleRegistration(method, body))
	}
	rt.Register(http.MethodPost, "/proxy/register", registration)
	rt.Register(http.MethodDelete, "/proxy/register", registration)

	rt.SetFallback(func(method, path string, body []byte, streamID uint32, send router.ResponseSender) {
		resp, ar, err := forwarder.Forward(method, path, body)
		if err != nil {
			if errors.Is(err, service.ErrNoBackend) {
				send(streamID, model.NewJSONResponse(http.StatusNotFound, `{"error": "No backend found for this path"}`))
				return
			}
			payload, _ := json.Marshal(map[string]string{
				"error": fmt.Sprintf("Backend request failed: %v", err),
			})
			send(streamID, model.HTTPResponse{
				StatusCode:  http.StatusBadGateway,
				ContentType: "application/json",
				Body:        payload,
			})
			return
		}

		send(streamID, model.HTTPResponse{
			StatusCode:  resp.StatusCode,
			ContentType: resp.Header["Content-Type"],
			Body:        resp.Body,
		})
		forwarder.Complete(ar)
	})

	return rt
}
