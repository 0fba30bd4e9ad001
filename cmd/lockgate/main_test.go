package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/lockgate-core/internal/auth"
	"github.com/nerrad567/lockgate-core/internal/infrastructure/config"
)

// writeConfig writes a minimal config with every optional component off
// and the lock listener on lockPort.
func writeConfig(t *testing.T, lockPort int, extra string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := fmt.Sprintf(`
site:
  id: test-site

lockserver:
  host: "127.0.0.1"
  port: %d
  command_timeout: 2

database:
  path: %q
  wal_mode: true
  busy_timeout: 5

mqtt:
  enabled: false

api:
  enabled: false

influxdb:
  enabled: false

logging:
  level: error
  format: text
  output: stderr
%s`, lockPort, filepath.Join(dir, "lockgate.db"), extra)

	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	t.Setenv("LOCKGATE_CONFIG", path)
	return path
}

// freePort reserves and releases a loopback TCP port.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserving port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// TestRun_InvalidConfig verifies run fails with an explicit missing config path.
func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("LOCKGATE_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
	if !strings.Contains(err.Error(), "loading config") {
		t.Errorf("error = %v, want config load failure", err)
	}
}

// TestRun_InvalidSettings verifies validation errors stop startup.
func TestRun_InvalidSettings(t *testing.T) {
	writeConfig(t, 0, `
security:
  jwt:
    secret: "too-short"
`)

	err := run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "security.jwt.secret") {
		t.Errorf("run() error = %v, want jwt secret validation failure", err)
	}
}

// TestRun_StartsAndStops brings the server up, connects a lock, then shuts
// down on context cancellation.
func TestRun_StartsAndStops(t *testing.T) {
	port := freePort(t)
	writeConfig(t, port, "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx) }()

	var conn net.Conn
	deadline := time.Now().Add(5 * time.Second)
	for {
		var err error
		conn, err = net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 200*time.Millisecond)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("lock server never accepted: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}

	defer conn.Close()
	if _, err := conn.Write([]byte("*CMDR,OM,863725031194523,240315143000,Q0,412#\n")); err != nil {
		t.Fatalf("write check-in: %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run() error = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run() did not return after cancel")
	}

	// Shutdown closes every lock connection.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // test deadline
	if _, err := bufio.NewReader(conn).ReadByte(); err == nil {
		t.Error("lock connection still open after shutdown")
	}
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("LOCKGATE_CONFIG", "")
	if path, explicit := getConfigPath(); path != defaultConfigPath || explicit {
		t.Errorf("getConfigPath() = %q, %v; want default", path, explicit)
	}

	t.Setenv("LOCKGATE_CONFIG", "/etc/lockgate/config.yaml")
	if path, explicit := getConfigPath(); path != "/etc/lockgate/config.yaml" || !explicit {
		t.Errorf("getConfigPath() = %q, %v; want env path", path, explicit)
	}
}

func TestLoadConfig_DefaultFallback(t *testing.T) {
	t.Setenv("LOCKGATE_CONFIG", "")
	t.Chdir(t.TempDir())

	cfg, source, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if source != "(defaults)" || cfg.LockServer.Port != 8081 {
		t.Errorf("loadConfig() = %q port %d, want built-in defaults", source, cfg.LockServer.Port)
	}
}

func TestLockServerConfig(t *testing.T) {
	cfg, err := config.Default()
	if err != nil {
		t.Fatalf("config.Default() error = %v", err)
	}
	cfg.LockServer.QueueCommands = true
	cfg.LockServer.IdleTimeout = 0

	got := lockServerConfig(cfg)
	if got.Port != 8081 || got.CommandTimeout != 10*time.Second || !got.QueueCommands {
		t.Errorf("lockServerConfig() = %+v", got)
	}
	if got.QueueTimeout != 30*time.Second || got.WriteTimeout != 5*time.Second || got.MaxFrameSize != 512 {
		t.Errorf("lockServerConfig() timeouts = %+v", got)
	}
	if got.IdleTimeout >= 0 {
		t.Errorf("IdleTimeout = %v, want negative (disabled) for 0", got.IdleTimeout)
	}
}

func TestRunToken(t *testing.T) {
	const secret = "token-test-secret-at-least-32-characters"
	writeConfig(t, 0, fmt.Sprintf(`
security:
  jwt:
    secret: %q
    issuer: lockgate-test
`, secret))

	var out bytes.Buffer
	if err := runToken([]string{"-subject", "fleet-backend", "-role", "admin", "-ttl", "2h"}, &out); err != nil {
		t.Fatalf("runToken() error = %v", err)
	}

	claims, err := auth.ParseToken(strings.TrimSpace(out.String()), secret, "lockgate-test")
	if err != nil {
		t.Fatalf("issued token does not validate: %v", err)
	}
	if claims.Subject != "fleet-backend" || claims.Role != auth.RoleAdmin {
		t.Errorf("claims = %s/%s, want fleet-backend/admin", claims.Subject, claims.Role)
	}
	if left := time.Until(claims.ExpiresAt.Time); left < time.Hour || left > 2*time.Hour {
		t.Errorf("token expires in %v, want ~2h", left)
	}
}

func TestRunToken_Errors(t *testing.T) {
	tests := []struct {
		name    string
		secret  string
		args    []string
		wantErr string
	}{
		{name: "missing subject", secret: strings.Repeat("s", 32), args: nil, wantErr: "-subject is required"},
		{name: "unknown role", secret: strings.Repeat("s", 32), args: []string{"-subject", "x", "-role", "owner"}, wantErr: "invalid role"},
		{name: "auth disabled", args: []string{"-subject", "x"}, wantErr: "jwt.secret is not set"},
		{name: "bad flag", args: []string{"-nope"}, wantErr: "flag provided but not defined"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writeConfig(t, 0, fmt.Sprintf("\nsecurity:\n  jwt:\n    secret: %q\n", tt.secret))

			err := runToken(tt.args, &bytes.Buffer{})
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("runToken() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestRunMigrate(t *testing.T) {
	writeConfig(t, 0, "")

	steps := []struct {
		args []string
		want []string
	}{
		{args: []string{"status"}, want: []string{"VERSION", "20260301_090000", "pending"}},
		{args: nil, want: []string{"applied 1 migration(s)"}},
		{args: []string{"up"}, want: []string{"applied 0 migration(s)"}},
		{args: []string{"status"}, want: []string{"20260301_090000", "applied"}},
		{args: []string{"down"}, want: []string{"rolled back 20260301_090000"}},
		{args: []string{"down"}, want: []string{"nothing to roll back"}},
	}

	for _, step := range steps {
		var out bytes.Buffer
		if err := runMigrate(step.args, &out); err != nil {
			t.Fatalf("runMigrate(%v) error = %v", step.args, err)
		}
		for _, w := range step.want {
			if !strings.Contains(out.String(), w) {
				t.Errorf("runMigrate(%v) output = %q, want containing %q", step.args, out.String(), w)
			}
		}
	}
}

func TestRunMigrate_Errors(t *testing.T) {
	writeConfig(t, 0, "")

	tests := []struct {
		args    []string
		wantErr string
	}{
		{args: []string{"sideways"}, wantErr: "action must be one of"},
		{args: []string{"up", "extra"}, wantErr: `unexpected argument "extra"`},
	}

	for _, tt := range tests {
		err := runMigrate(tt.args, &bytes.Buffer{})
		if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
			t.Errorf("runMigrate(%v) error = %v, want containing %q", tt.args, err, tt.wantErr)
		}
	}
}

func TestSubcommands(t *testing.T) {
	for _, name := range []string{"token", "migrate"} {
		if subcommands[name] == nil {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}
