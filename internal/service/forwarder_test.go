package service

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"tunnel-proxy-go/internal/client"
	"tunnel-proxy-go/internal/manifest"
	"tunnel-proxy-go/internal/model"
	"tunnel-proxy-go/internal/registry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestForwarder(t *testing.T) (*Forwarder, *registry.BackendRegistry, *manifest.Manifest) {
	t.Helper()
	logger := discardLogger()
	reg := registry.New(logger)
	m := manifest.New(logger)
	c := client.NewBackendClient(logger, nil)
	return NewForwarder(reg, c, m, nil, logger), reg, m
}

func registerBackend(t *testing.T, reg *registry.BackendRegistry, backendURL, pattern string) {
	t.Helper()
	u, err := url.Parse(backendURL)
	if err != nil {
		t.Fatalf("parse backend url: %v", err)
	}
	port, _ := strconv.Atoi(u.Port())
	err = reg.Register(model.ForwardingRule{
		BackendID:   "test-backend",
		TargetHost:  u.Hostname(),
		TargetPort:  port,
		PathPattern: pattern,
	})
	if err != nil {
		t.Fatalf("register backend: %v", err)
	}
}

func TestForward_HappyPath(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	defer backend.Close()

	f, reg, m := newTestForwarder(t)
	registerBackend(t, reg, backend.URL, "/")

	resp, ar, err := f.Forward(http.MethodPost, "/echo", []byte(`{"n":1}`))
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if string(resp.Body) != `{"n":1}` {
		t.Errorf("Body = %q, want echoed payload", resp.Body)
	}
	if ar.State() != manifest.StateSendingResponse {
		t.Errorf("state = %v, want %v", ar.State(), manifest.StateSendingResponse)
	}

	f.Complete(ar)
	if ar.State() != manifest.StateCompleted {
		t.Errorf("state after Complete = %v, want %v", ar.State(), manifest.StateCompleted)
	}
	if m.Size() != 0 {
		t.Errorf("manifest size = %d after completion, want 0", m.Size())
	}
}

func TestForward_NoBackend(t *testing.T) {
	f, _, m := newTestForwarder(t)

	_, _, err := f.Forward(http.MethodGet, "/anything", nil)
	if !errors.Is(err, ErrNoBackend) {
		t.Fatalf("Forward error = %v, want ErrNoBackend", err)
	}
	if m.Size() != 0 {
		t.Errorf("manifest size = %d after miss, want 0", m.Size())
	}
}

func TestForward_PrefixMiss(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	f, reg, _ := newTestForwarder(t)
	registerBackend(t, reg, backend.URL, "/api/")

	if _, _, err := f.Forward(http.MethodGet, "/other", nil); !errors.Is(err, ErrNoBackend) {
		t.Errorf("Forward(/other) error = %v, want ErrNoBackend", err)
	}
	if _, ar, err := f.Forward(http.MethodGet, "/api/users", nil); err != nil {
		t.Errorf("Forward(/api/users) error = %v, want nil", err)
	} else {
		f.Complete(ar)
	}
}

func TestForward_BackendDown(t *testing.T) {
	f, reg, m := newTestForwarder(t)
	if err := reg.Register(model.ForwardingRule{
		BackendID:   "dead",
		TargetHost:  "127.0.0.1",
		TargetPort:  1,
		PathPattern: "/",
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, _, err := f.Forward(http.MethodGet, "/anything", nil)
	if err == nil {
		t.Fatal("Forward to dead backend succeeded, want error")
	}
	if errors.Is(err, ErrNoBackend) {
		t.Error("error classified as ErrNoBackend, want exchange failure")
	}
	if m.Size() != 0 {
		t.Errorf("manifest size = %d after failure, want 0", m.Size())
	}
}

func TestForward_AbortMarksFailed(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	f, reg, m := newTestForwarder(t)
	registerBackend(t, reg, backend.URL, "/")

	_, ar, err := f.Forward(http.MethodGet, "/x", nil)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	f.Abort(ar)
	if ar.State() != manifest.StateFailed {
		t.Errorf("state after Abort = %v, want %v", ar.State(), manifest.StateFailed)
	}
	if m.Size() != 0 {
		t.Errorf("manifest size = %d after abort, want 0", m.Size())
	}
}
