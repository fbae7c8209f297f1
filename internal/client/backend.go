// Package client provides the outbound HTTP/1.1 client used to reach
// registered backends.
package client

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"tunnel-proxy-go/internal/metrics"
	"tunnel-proxy-go/internal/model"
)

const userAgent = "Proxy/1.0"

// Timeout caps one full backend exchange. It matches the manifest expiry so
// an evicted request corresponds to a cancelled outbound call.
const Timeout = 30 * time.Second

// BackendClient performs one-shot HTTP/1.1 exchanges against backends.
// Each exchange opens a fresh connection and closes it after the response.
type BackendClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewBackendClient creates a BackendClient. The metrics parameter is
// optional; pass nil to disable backend metrics recording.
func NewBackendClient(logger *slog.Logger, m *metrics.Metrics) *BackendClient {
	transport := &http.Transport{
		DisableKeepAlives: true,
		DialContext: (&net.Dialer{
			Timeout: 10 * time.Second,
		}).DialContext,
	}

	return &BackendClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   Timeout,
		},
		logger:  logger.With("component", "backend_client"),
		metrics: m,
	}
}

// SendRequest resolves host:port, opens a connection, writes one HTTP/1.1
// request, and reads one complete response. The request carries
// Host: <host>, User-Agent: Proxy/1.0, and — when body is non-empty —
// Content-Length and Content-Type: application/json. On any failure the
// returned response has StatusCode 0 and the error describes the step that
// failed. Nothing is retried.
func (c *BackendClient) SendRequest(host string, port int, method, path string, body []byte) (*model.BackendResponse, error) {
	url := fmt.Sprintf("http://%s:%d%s", host, port, path)

	var reqBody io.Reader
	if len(body) > 0 {
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		return &model.BackendResponse{}, fmt.Errorf("build backend request: %w", err)
	}
	req.Close = true
	req.Host = host
	req.Header.Set("User-Agent", userAgent)
	if len(body) > 0 {
		req.ContentLength = int64(len(body))
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("backend request",
		"method", method,
		"target", fmt.Sprintf("%s:%d", host, port),
		"path", path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start).Seconds()

	normMethod := metrics.NormalizeMethod(method)
	if err != nil {
		if c.metrics != nil {
			c.metrics.BackendDuration.WithLabelValues(normMethod).Observe(duration)
		}
		return &model.BackendResponse{}, fmt.Errorf("backend exchange: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &model.BackendResponse{}, fmt.Errorf("read backend response: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.BackendDuration.WithLabelValues(normMethod).Observe(duration)
		c.metrics.BackendResponses.WithLabelValues(normMethod, status).Inc()
	}

	header := make(map[string]string, len(resp.Header))
	for key := range resp.Header {
		header[key] = resp.Header.Get(key)
	}

	return &model.BackendResponse{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       respBody,
	}, nil
}
