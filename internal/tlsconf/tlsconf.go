// Package tlsconf builds the TLS configuration for the HTTP/2 front door.
package tlsconf

import (
	"crypto/tls"
	"fmt"
)

// NewServerConfig loads the certificate chain and private key from PEM files
// and returns a server config requiring TLS 1.2+ that advertises only h2 via
// ALPN. The config alone lets an http/1.1-only client finish the handshake
// (crypto/tls treats it as a client without ALPN); the HTTP/2 front door
// (server.NewH2Server) refuses clients that do not offer h2 with a TLS alert.
func NewServerConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("tls: load key pair (%s, %s): %w", certFile, keyFile, err)
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"h2"},
	}, nil
}
