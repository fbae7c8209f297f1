package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/http2"

	"tunnel-proxy-go/internal/client"
	"tunnel-proxy-go/internal/handler"
	"tunnel-proxy-go/internal/manifest"
	"tunnel-proxy-go/internal/registry"
	"tunnel-proxy-go/internal/router"
	"tunnel-proxy-go/internal/service"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newStack builds the full h2 front door wiring the way main does.
func newStack(t *testing.T) *router.Router {
	t.Helper()
	logger := discardLogger()

	reg := registry.New(logger)
	mf := manifest.New(logger)
	bc := client.NewBackendClient(logger, nil)
	forwarder := service.NewForwarder(reg, bc, mf, nil, logger)
	registrar := service.NewRegistrar(reg, nil, logger)

	return handler.BuildH2Router(registrar, forwarder, nil, logger)
}

// startH2 serves rt on a loopback listener and returns its address.
func startH2(t *testing.T, rt *router.Router, tlsConf *tls.Config) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go NewH2Server(rt, tlsConf, discardLogger()).Serve(ln)
	return ln.Addr().String()
}

// h2cClient returns an HTTP/2 client that speaks plaintext h2c.
func h2cClient() *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		},
	}
}

func TestH2FrontDoor_EndToEnd(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"echo":"` + string(body) + `","path":"` + r.URL.Path + `"}`))
	}))
	defer backend.Close()

	addr := startH2(t, newStack(t), nil)
	hc := h2cClient()
	base := "http://" + addr

	// Health answers before any registration.
	resp, err := hc.Get(base + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	healthBody, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /health = %d, want 200", resp.StatusCode)
	}
	if resp.ProtoMajor != 2 {
		t.Fatalf("negotiated HTTP/%d, want HTTP/2", resp.ProtoMajor)
	}
	var health map[string]string
	if err := json.Unmarshal(healthBody, &health); err != nil || health["status"] != "ok" {
		t.Errorf("health body = %s, want {\"status\":\"ok\"}", healthBody)
	}

	// Demo route.
	resp, err = hc.Get(base + "/test")
	if err != nil {
		t.Fatalf("GET /test: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("GET /test = %d, want 204", resp.StatusCode)
	}

	// Register the echo backend for everything.
	u, _ := url.Parse(backend.URL)
	port, _ := strconv.Atoi(u.Port())
	regPayload, _ := json.Marshal(map[string]any{
		"backend_id":   "t1",
		"host":         u.Hostname(),
		"port":         port,
		"path_pattern": "/",
	})
	resp, err = hc.Post(base+"/proxy/register", "application/json", strings.NewReader(string(regPayload)))
	if err != nil {
		t.Fatalf("POST /proxy/register: %v", err)
	}
	regBody, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("registration = %d, body %s", resp.StatusCode, regBody)
	}
	var regResp map[string]string
	if err := json.Unmarshal(regBody, &regResp); err != nil || regResp["status"] != "success" {
		t.Fatalf("registration body = %s, want success", regBody)
	}

	// Forwarded request round-trips through the backend.
	resp, err = hc.Post(base+"/hello", "application/json", strings.NewReader("hi"))
	if err != nil {
		t.Fatalf("POST /hello: %v", err)
	}
	fwdBody, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("forwarded status = %d, want 200; body %s", resp.StatusCode, fwdBody)
	}
	var echo map[string]string
	if err := json.Unmarshal(fwdBody, &echo); err != nil {
		t.Fatalf("unmarshal forwarded body: %v", err)
	}
	if echo["echo"] != "hi" || echo["path"] != "/hello" {
		t.Errorf("forwarded body = %s, want echo of request", fwdBody)
	}

	// Unregister; forwarding now misses.
	req, _ := http.NewRequest(http.MethodDelete, base+"/proxy/register", strings.NewReader(`{"backend_id":"t1"}`))
	resp, err = hc.Do(req)
	if err != nil {
		t.Fatalf("DELETE /proxy/register: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unregistration = %d, want 200", resp.StatusCode)
	}

	resp, err = hc.Get(base + "/hello")
	if err != nil {
		t.Fatalf("GET /hello after unregister: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status after unregister = %d, want 404", resp.StatusCode)
	}
}

func TestH2FrontDoor_TLSWithALPN(t *testing.T) {
	tlsConf := selfSignedConfig(t)
	addr := startH2(t, newStack(t), tlsConf)

	hc := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http2.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: true,
				NextProtos:         []string{"h2"},
			},
		},
	}

	resp, err := hc.Get("https://" + addr + "/health")
	if err != nil {
		t.Fatalf("GET /health over TLS: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if resp.TLS == nil || resp.TLS.NegotiatedProtocol != "h2" {
		t.Error("connection did not negotiate ALPN h2")
	}
}

func TestH2FrontDoor_TLSRejectsWithoutALPN(t *testing.T) {
	tlsConf := selfSignedConfig(t)
	addr := startH2(t, newStack(t), tlsConf)

	// A client that does not offer h2 must not complete a usable handshake.
	conn, err := tls.Dial("tcp", addr, &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{"http/1.1"},
	})
	if err == nil {
		_ = conn.Close()
		t.Error("handshake without h2 succeeded, want ALPN rejection")
	}
}

// selfSignedConfig builds a throwaway server TLS config advertising h2.
func selfSignedConfig(t *testing.T) *tls.Config {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		NextProtos:   []string{"h2"},
	}
}
