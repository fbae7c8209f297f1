package service

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"tunnel-proxy-go/internal/metrics"
	"tunnel-proxy-go/internal/model"
	"tunnel-proxy-go/internal/registry"
)

// Registrar services the /proxy/register wire contract for both front doors.
type Registrar struct {
	registry *registry.BackendRegistry
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewRegistrar creates a Registrar. The metrics parameter is optional.
func NewRegistrar(reg *registry.BackendRegistry, mx *metrics.Metrics, logger *slog.Logger) *Registrar {
	return &Registrar{
		registry: reg,
		metrics:  mx,
		logger:   logger.With("component", "registrar"),
	}
}

// HandleRegistration parses the JSON payload and mutates the registry.
// POST registers (or replaces) a rule; DELETE removes one; anything else is
// 405. Parse or validation failures are 400 with the contract's error body.
func (r *Registrar) HandleRegistration(method string, body []byte) model.HTTPResponse {
	switch method {
	case http.MethodPost:
		return r.handleRegister(body)
	case http.MethodDelete:
		return r.handleUnregister(body)
	default:
		return model.NewJSONResponse(http.StatusMethodNotAllowed, `{"error": "Method not allowed"}`)
	}
}

func (r *Registrar) handleRegister(body []byte) model.HTTPResponse {
	var req model.RegisterRequest
	if err := json.Unmarshal(body, &req); err != nil {
		r.logger.Warn("registration parse failed", "err", err)
		return invalidRequestResponse()
	}

	rule := model.ForwardingRule{
		BackendID:   req.BackendID,
		TargetHost:  req.Host,
		TargetPort:  req.Port,
		PathPattern: req.PathPattern,
	}
	if err := r.registry.Register(rule); err != nil {
		r.logger.Warn("registration rejected", "err", err)
		return invalidRequestResponse()
	}
	r.updateGauge()

	return r.successResponse(req.BackendID, "Backend registered successfully")
}

func (r *Registrar) handleUnregister(body []byte) model.HTTPResponse {
	var req model.UnregisterRequest
	if err := json.Unmarshal(body, &req); err != nil || req.BackendID == "" {
		r.logger.Warn("unregistration parse failed", "err", err)
		return invalidRequestResponse()
	}

	r.registry.Unregister(req.BackendID)
	r.updateGauge()

	return r.successResponse(req.BackendID, "Backend unregistered successfully")
}

func (r *Registrar) successResponse(backendID, message string) model.HTTPResponse {
	payload, err := json.Marshal(model.RegistrationResponse{
		Status:    "success",
		BackendID: backendID,
		Message:   message,
	})
	if err != nil {
		return model.NewJSONResponse(http.StatusInternalServerError, `{"error": "Internal server error"}`)
	}
	return model.HTTPResponse{
		StatusCode:  http.StatusOK,
		ContentType: "application/json",
		Body:        payload,
	}
}

func invalidRequestResponse() model.HTTPResponse {
	return model.NewJSONResponse(http.StatusBadRequest, `{"error": "Invalid request data"}`)
}

func (r *Registrar) updateGauge() {
	if r.metrics != nil {
		r.metrics.RegisteredBackends.Set(float64(r.registry.Size()))
	}
}
