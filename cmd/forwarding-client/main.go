package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"

	"tunnel-proxy-go/internal/agent"
)

// CLI holds the forwarding client's command-line arguments.
type CLI struct {
	Host      string `kong:"default='localhost',help='Local backend host.'"`
	Proxy     string `kong:"default='localhost',help='Proxy server host.'"`
	ProxyPort int    `kong:"name='proxy-port',default='8080',help='HTTP/2 front door port.'"`
	HTTP1Port int    `kong:"name='http1-port',default='9080',help='HTTP/1.1 front door port.'"`
	Path      string `kong:"default='/',help='Path pattern to forward.'"`
	Protocol  string `kong:"default='both',enum='http1,http2,both',help='Registration protocol: http1, http2, or both.'"`
	ID        string `kong:"help='Tunnel id (default: generated).'"`
	LocalPort int    `kong:"arg,help='Local backend port.'"`
}

func main() {
	var cli CLI
	kong.Parse(&cli,
		kong.Name("forwarding-client"),
		kong.Description("Expose a local backend through the tunnel fabric."),
	)

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	protocol, err := agent.ParseProtocol(cli.Protocol)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	tunnelID := cli.ID
	if tunnelID == "" {
		tunnelID = "tunnel-" + uuid.NewString()[:8]
	}

	fc := agent.New(agent.TunnelConfig{
		TunnelID:    tunnelID,
		LocalHost:   cli.Host,
		LocalPort:   cli.LocalPort,
		ProxyHost:   cli.Proxy,
		H2Port:      cli.ProxyPort,
		HTTP1Port:   cli.HTTP1Port,
		PathPattern: cli.Path,
		Protocol:    protocol,
	}, logger)

	if err := fc.Start(); err != nil {
		logger.Error("tunnel start failed", "err", err)
		os.Exit(1)
	}

	rule := strings.Repeat("=", 60)
	fmt.Println()
	fmt.Println(rule)
	fmt.Println("Forwarding Client Started")
	fmt.Println(rule)
	fmt.Print(fc.Status())
	fmt.Println(rule)
	fmt.Println("\nPress Ctrl+C to stop forwarding...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Blocks until a signal arrives, then unregisters from every door.
	fc.Run(ctx)

	fmt.Println("\nTunnel stopped.")
}
