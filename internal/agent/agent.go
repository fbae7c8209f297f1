// Package agent implements the backend-side forwarding client: it announces
// a local backend to the fabric's front doors and keeps the registration
// alive until shutdown.
package agent

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"tunnel-proxy-go/internal/model"
)

// Protocol selects which front doors receive the registration.
type Protocol string

const (
	ProtocolHTTP1 Protocol = "http1"
	ProtocolHTTP2 Protocol = "http2"
	ProtocolBoth  Protocol = "both"
)

// ParseProtocol validates a protocol selector from the command line.
func ParseProtocol(s string) (Protocol, error) {
	switch Protocol(strings.ToLower(s)) {
	case ProtocolHTTP1:
		return ProtocolHTTP1, nil
	case ProtocolHTTP2:
		return ProtocolHTTP2, nil
	case ProtocolBoth, "":
		return ProtocolBoth, nil
	default:
		return "", fmt.Errorf("invalid protocol %q: use http1, http2, or both", s)
	}
}

// TunnelConfig describes one tunnel: the local backend to expose and the
// fabric front doors to register with.
type TunnelConfig struct {
	TunnelID    string
	LocalHost   string
	LocalPort   int
	ProxyHost   string
	H2Port      int
	HTTP1Port   int
	PathPattern string
	Protocol    Protocol
}

// KeepaliveInterval is how often an active tunnel re-registers so the rule
// survives a fabric restart.
const KeepaliveInterval = 30 * time.Second

// ForwardingClient manages one tunnel's lifecycle against the fabric.
type ForwardingClient struct {
	cfg    TunnelConfig
	h1     *http.Client
	h2     *http.Client
	logger *slog.Logger

	mu     sync.Mutex
	active bool
}

// New creates a ForwardingClient for cfg.
func New(cfg TunnelConfig, logger *slog.Logger) *ForwardingClient {
	return &ForwardingClient{
		cfg: cfg,
		h1: &http.Client{
			Timeout: 10 * time.Second,
		},
		h2: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http2.Transport{
				AllowHTTP: true,
				DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, network, addr)
				},
			},
		},
		logger: logger.With("component", "forwarding_client", "tunnel_id", cfg.TunnelID),
	}
}

// Start registers the tunnel with every selected front door. It succeeds if
// at least one door accepts the registration.
func (c *ForwardingClient) Start() error {
	var errs []error
	registered := 0
	for _, door := range c.doors() {
		if err := c.register(door); err != nil {
			c.logger.Error("registration failed", "door", door.name, "err", err)
			errs = append(errs, err)
			continue
		}
		c.logger.Info("backend registered", "door", door.name, "port", door.port)
		registered++
	}

	if registered == 0 {
		return fmt.Errorf("tunnel %s: all registrations failed: %v", c.cfg.TunnelID, errs)
	}

	c.mu.Lock()
	c.active = true
	c.mu.Unlock()
	return nil
}

// Stop unregisters the tunnel from every selected front door. Safe to call
// more than once.
func (c *ForwardingClient) Stop() {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	c.mu.Unlock()

	for _, door := range c.doors() {
		if err := c.unregister(door); err != nil {
			c.logger.Error("unregistration failed", "door", door.name, "err", err)
			continue
		}
		c.logger.Info("backend unregistered", "door", door.name, "port", door.port)
	}
}

// Run re-registers on a ticker until ctx is cancelled, then unregisters.
func (c *ForwardingClient) Run(ctx context.Context) {
	ticker := time.NewTicker(KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.Stop()
			return
		case <-ticker.C:
			for _, door := range c.doors() {
				if err := c.register(door); err != nil {
					c.logger.Warn("keepalive registration failed", "door", door.name, "err", err)
				}
			}
		}
	}
}

// Status renders a human-readable summary of the tunnel.
func (c *ForwardingClient) Status() string {
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "Tunnel ID:     %s\n", c.cfg.TunnelID)
	fmt.Fprintf(&b, "Local Backend: %s:%d\n", c.cfg.LocalHost, c.cfg.LocalPort)
	fmt.Fprintf(&b, "Status:        %s\n", map[bool]string{true: "Active", false: "Inactive"}[active])
	b.WriteString("\nPublic URLs:\n")
	for _, door := range c.doors() {
		fmt.Fprintf(&b, "  %-9s http://%s:%d%s\n", door.name+":", c.cfg.ProxyHost, door.port, c.cfg.PathPattern)
	}
	return b.String()
}

// door is one registration target.
type door struct {
	name string
	port int
	h2   bool
}

func (c *ForwardingClient) doors() []door {
	h1 := door{name: "HTTP/1.1", port: c.cfg.HTTP1Port}
	h2 := door{name: "HTTP/2", port: c.cfg.H2Port, h2: true}

	switch c.cfg.Protocol {
	case ProtocolHTTP1:
		return []door{h1}
	case ProtocolHTTP2:
		return []door{h2}
	default:
		return []door{h1, h2}
	}
}

func (c *ForwardingClient) register(d door) error {
	payload, err := json.Marshal(model.RegisterRequest{
		BackendID:   c.cfg.TunnelID,
		Host:        c.cfg.LocalHost,
		Port:        c.cfg.LocalPort,
		PathPattern: c.cfg.PathPattern,
	})
	if err != nil {
		return fmt.Errorf("encode registration: %w", err)
	}
	return c.send(d, http.MethodPost, payload)
}

func (c *ForwardingClient) unregister(d door) error {
	payload, err := json.Marshal(model.UnregisterRequest{BackendID: c.cfg.TunnelID})
	if err != nil {
		return fmt.Errorf("encode unregistration: %w", err)
	}
	return c.send(d, http.MethodDelete, payload)
}

func (c *ForwardingClient) send(d door, method string, payload []byte) error {
	url := fmt.Sprintf("http://%s:%d/proxy/register", c.cfg.ProxyHost, d.port)
	req, err := http.NewRequest(method, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	hc := c.h1
	if d.h2 {
		hc = c.h2
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s %s: status %d: %s", method, url, resp.StatusCode, body)
	}
	return nil
}
