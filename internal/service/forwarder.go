// Package service implements the core forwarding and registration logic
// shared by both front doors.
package service

import (
	"errors"
	"fmt"
	"log/slog"

	"tunnel-proxy-go/internal/client"
	"tunnel-proxy-go/internal/manifest"
	"tunnel-proxy-go/internal/metrics"
	"tunnel-proxy-go/internal/model"
	"tunnel-proxy-go/internal/registry"
)

// ErrNoBackend is returned when no registered rule's prefix matches the path.
var ErrNoBackend = errors.New("no backend registered for this path")

// Forwarder bridges an inbound front-door request to an outbound backend
// exchange, tracking the request in the manifest throughout.
type Forwarder struct {
	registry *registry.BackendRegistry
	client   *client.BackendClient
	manifest *manifest.Manifest
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewForwarder creates a Forwarder. The metrics parameter is optional.
func NewForwarder(reg *registry.BackendRegistry, c *client.BackendClient, m *manifest.Manifest, mx *metrics.Metrics, logger *slog.Logger) *Forwarder {
	return &Forwarder{
		registry: reg,
		client:   c,
		manifest: m,
		metrics:  mx,
		logger:   logger.With("component", "forwarder"),
	}
}

// Forward looks up the rule matching path and performs one backend exchange.
// On success the returned ActiveRequest is in StateSendingResponse; the
// caller must finish it with Complete or Abort once the response has been
// written to the client. On ErrNoBackend or an exchange failure the request
// has already been marked failed and removed.
func (f *Forwarder) Forward(method, path string, body []byte) (*model.BackendResponse, *manifest.ActiveRequest, error) {
	ar := f.manifest.Create()
	ar.Method = method
	ar.Path = path
	ar.SetState(manifest.StateParsing)
	f.updateInFlight()

	rule, ok := f.registry.Find(path)
	if !ok {
		f.logger.Warn("no backend for path", "path", path)
		f.fail(ar)
		return nil, nil, ErrNoBackend
	}

	ar.SetState(manifest.StateForwarding)
	f.logger.Info("forwarding request",
		"request_id", ar.ID(),
		"backend_id", rule.BackendID,
		"target", rule.TargetAddr(),
		"method", method,
		"path", path,
	)

	ar.SetState(manifest.StateWaitingBackend)
	resp, err := f.client.SendRequest(rule.TargetHost, rule.TargetPort, method, path, body)
	if err != nil {
		f.logger.Error("backend exchange failed",
			"request_id", ar.ID(),
			"backend_id", rule.BackendID,
			"err", err,
		)
		f.fail(ar)
		return nil, nil, fmt.Errorf("forward to %s: %w", rule.TargetAddr(), err)
	}

	ar.SetState(manifest.StateSendingResponse)
	return resp, ar, nil
}

// Complete records a successfully delivered response.
func (f *Forwarder) Complete(ar *manifest.ActiveRequest) {
	f.manifest.Complete(ar.ID())
	f.updateInFlight()
}

// Abort records a response that could not be delivered to the client.
func (f *Forwarder) Abort(ar *manifest.ActiveRequest) {
	f.fail(ar)
}

func (f *Forwarder) fail(ar *manifest.ActiveRequest) {
	f.manifest.Fail(ar.ID())
	f.updateInFlight()
}

func (f *Forwarder) updateInFlight() {
	if f.metrics != nil {
		f.metrics.RequestsInFlight.Set(float64(f.manifest.Size()))
	}
}
