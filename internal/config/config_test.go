package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_DefaultsWithoutConfigFile(t *testing.T) {
	cfg, err := Load(&CLI{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.H2Port != 8080 {
		t.Errorf("H2Port = %d, want 8080", cfg.Server.H2Port)
	}
	if cfg.Server.HTTP1Port != 9080 {
		t.Errorf("HTTP1Port = %d, want 9080", cfg.Server.HTTP1Port)
	}
	if cfg.Server.Threads != 4 {
		t.Errorf("Threads = %d, want 4", cfg.Server.Threads)
	}
	if cfg.TLS.Enabled {
		t.Error("TLS.Enabled = true, want false by default")
	}
	if cfg.TLS.CertFile != "certs/server.crt" {
		t.Errorf("CertFile = %q, want certs/server.crt", cfg.TLS.CertFile)
	}
	if cfg.TLS.KeyFile != "certs/server.key" {
		t.Errorf("KeyFile = %q, want certs/server.key", cfg.TLS.KeyFile)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v, want info/json", cfg.Log)
	}
}

func TestLoad_ConfigFileValues(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "127.0.0.1"
h2_port = 18080
http1_port = 19080
threads = 2

[tls]
enabled = true
cert_file = "/tmp/cert.pem"
key_file = "/tmp/key.pem"

[log]
level = "debug"
format = "text"
`)

	cfg, err := Load(&CLI{Config: path})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Host = %q, want 127.0.0.1", cfg.Server.Host)
	}
	if cfg.Server.H2Addr() != "127.0.0.1:18080" {
		t.Errorf("H2Addr() = %q, want 127.0.0.1:18080", cfg.Server.H2Addr())
	}
	if cfg.Server.HTTP1Addr() != "127.0.0.1:19080" {
		t.Errorf("HTTP1Addr() = %q, want 127.0.0.1:19080", cfg.Server.HTTP1Addr())
	}
	if !cfg.TLS.Enabled {
		t.Error("TLS.Enabled = false, want true")
	}
	if cfg.TLS.CertFile != "/tmp/cert.pem" {
		t.Errorf("CertFile = %q, want /tmp/cert.pem", cfg.TLS.CertFile)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "text" {
		t.Errorf("Log = %+v, want debug/text", cfg.Log)
	}
}

func TestLoad_CLIOverridesConfigFile(t *testing.T) {
	path := writeConfig(t, `
[server]
h2_port = 18080
http1_port = 19080
`)

	cli := &CLI{
		Config:    path,
		Port:      28080,
		HTTP1Port: 29080,
		Threads:   8,
		UseSSL:    true,
		CertFile:  "/etc/tls/cert.pem",
		KeyFile:   "/etc/tls/key.pem",
		LogLevel:  "warn",
	}
	cfg, err := Load(cli)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.H2Port != 28080 {
		t.Errorf("H2Port = %d, want CLI override 28080", cfg.Server.H2Port)
	}
	if cfg.Server.HTTP1Port != 29080 {
		t.Errorf("HTTP1Port = %d, want CLI override 29080", cfg.Server.HTTP1Port)
	}
	if cfg.Server.Threads != 8 {
		t.Errorf("Threads = %d, want 8", cfg.Server.Threads)
	}
	if !cfg.TLS.Enabled {
		t.Error("TLS.Enabled = false, want true from --use-ssl")
	}
	if cfg.TLS.CertFile != "/etc/tls/cert.pem" || cfg.TLS.KeyFile != "/etc/tls/key.pem" {
		t.Errorf("TLS files = %q/%q, want CLI overrides", cfg.TLS.CertFile, cfg.TLS.KeyFile)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want warn", cfg.Log.Level)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"h2 port out of range", "[server]\nh2_port = 70000\n"},
		{"http1 port negative", "[server]\nhttp1_port = -1\n"},
		{"negative threads", "[server]\nthreads = -2\n"},
		{"bad log level", "[log]\nlevel = \"loud\"\n"},
		{"bad log format", "[log]\nformat = \"xml\"\n"},
		{"rate limit enabled without rps", "[server.rate_limit]\nenabled = true\n"},
		{"metrics path without slash", "[metrics]\nenabled = true\npath = \"metrics\"\n"},
		{"metrics path reserved", "[metrics]\nenabled = true\npath = \"/proxy/register\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			if _, err := Load(&CLI{Config: path}); err == nil {
				t.Error("Load succeeded, want validation error")
			}
		})
	}
}

func TestLoad_ExplicitMissingFileFails(t *testing.T) {
	if _, err := Load(&CLI{Config: "/nonexistent/config.toml"}); err == nil {
		t.Error("Load succeeded for a missing explicit config path, want error")
	}
}

func TestLoad_MalformedTOML(t *testing.T) {
	path := writeConfig(t, "[server\nport=")
	if _, err := Load(&CLI{Config: path}); err == nil {
		t.Error("Load succeeded for malformed TOML, want error")
	}
}

func TestFindConfigInPaths(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "present.toml")
	if err := os.WriteFile(existing, []byte(""), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := findConfigInPaths([]string{
		filepath.Join(dir, "missing.toml"),
		existing,
	})
	if got != existing {
		t.Errorf("findConfigInPaths = %q, want %q", got, existing)
	}

	if got := findConfigInPaths([]string{filepath.Join(dir, "nope.toml")}); got != "" {
		t.Errorf("findConfigInPaths = %q, want empty", got)
	}
}
