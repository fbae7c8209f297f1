// Package server runs the HTTP/2 front door acceptor.
package server

import (
	"crypto/tls"
	"errors"
	"log/slog"
	"net"

	"tunnel-proxy-go/internal/h2"
	"tunnel-proxy-go/internal/router"
)

// H2Server accepts connections on the HTTP/2 front door and hands each one
// to its own session. Accepting continues until the listener is closed.
type H2Server struct {
	router  *router.Router
	tlsConf *tls.Config // nil for a plaintext (h2c) front door
	logger  *slog.Logger
}

// NewH2Server creates an H2Server. Pass a nil tlsConf to serve h2c. With TLS,
// clients that do not offer ALPN h2 are refused during the handshake with a
// TLS alert.
func NewH2Server(rt *router.Router, tlsConf *tls.Config, logger *slog.Logger) *H2Server {
	if tlsConf != nil {
		tlsConf = tlsConf.Clone()
		tlsConf.GetConfigForClient = func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			for _, p := range hello.SupportedProtos {
				if p == "h2" {
					return nil, nil
				}
			}
			return nil, errors.New("client does not offer ALPN h2")
		}
	}
	return &H2Server{
		router:  rt,
		tlsConf: tlsConf,
		logger:  logger.With("component", "h2_server"),
	}
}

// Serve accepts connections until ln is closed. Accept errors other than
// listener shutdown are logged and accepting continues.
func (s *H2Server) Serve(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("accept failed", "err", err)
			continue
		}

		s.logger.Debug("connection accepted", "remote", conn.RemoteAddr().String())
		if s.tlsConf != nil {
			conn = tls.Server(conn, s.tlsConf)
		}
		go h2.New(conn, s.router.Handle, s.logger).Serve()
	}
}
