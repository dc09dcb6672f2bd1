// Package rathole configures and supervises the rathole reverse-tunnel
// client binary (spec.md §4.6): TOML config generation via
// github.com/BurntSushi/toml, process start/stop/restart/status with a
// pgrep liveness check, log tailing, and server-skeleton/install-script
// emission for the operator to run elsewhere. Grounded on the teacher's
// sol.Manager process lifecycle (spawn, pid tracking, status) adapted
// from IPMI SOL sessions to a single external tunnel client.
package rathole

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"connectd/internal/apierr"
	"connectd/internal/store"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS rathole_config (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	server_addr TEXT NOT NULL DEFAULT '',
	auto_start INTEGER NOT NULL DEFAULT 0,
	enabled INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS rathole_services (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	token TEXT NOT NULL,
	local_addr TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL
);
`

const maxServices = 16

type Config struct {
	ServerAddr string
	AutoStart  bool
	Enabled    bool
}

type Service struct {
	ID        int64
	Name      string
	Token     string
	LocalAddr string
	Enabled   bool
	CreatedAt int64
}

type Status struct {
	Running      bool
	Pid          int
	ServiceCount int
	LastError    string
}

// clientFile / clientServiceFile mirror rathole's TOML client schema for
// generation via BurntSushi/toml's struct marshaling.
type clientServiceFile struct {
	Token     string `toml:"token"`
	LocalAddr string `toml:"local_addr"`
}

type clientFile struct {
	Client struct {
		RemoteAddr string                        `toml:"remote_addr"`
		Services   map[string]clientServiceFile `toml:"services"`
	} `toml:"client"`
}

type Controller struct {
	log   *logrus.Logger
	store *store.Store

	binPath    string
	configPath string
	logPath    string
	pidPath    string

	mu        sync.Mutex
	pid       int
	lastError string
}

func New(log *logrus.Logger, st *store.Store, binPath, configPath, logPath, pidPath string) (*Controller, error) {
	if err := st.EnsureSchema(context.Background(), schemaDDL); err != nil {
		return nil, fmt.Errorf("rathole schema: %w", err)
	}
	if binPath == "" {
		binPath = "rathole"
	}
	if configPath == "" {
		configPath = "/tmp/rathole.toml"
	}
	if logPath == "" {
		logPath = "/tmp/rathole.log"
	}
	if pidPath == "" {
		pidPath = "/tmp/rathole.pid"
	}
	return &Controller{
		log:        log,
		store:      st,
		binPath:    binPath,
		configPath: configPath,
		logPath:    logPath,
		pidPath:    pidPath,
	}, nil
}

func isASCII(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return true
}

func (c *Controller) GetConfig(ctx context.Context) (Config, error) {
	row := c.store.DB().QueryRowContext(ctx, `SELECT server_addr, auto_start, enabled FROM rathole_config WHERE id = 1`)
	var autoStart, enabled int
	var cfg Config
	err := row.Scan(&cfg.ServerAddr, &autoStart, &enabled)
	if err == sql.ErrNoRows {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, apierr.Wrap(apierr.Internal, "read rathole config", err)
	}
	cfg.AutoStart = autoStart != 0
	cfg.Enabled = enabled != 0
	return cfg, nil
}

func (c *Controller) SetConfig(ctx context.Context, cfg Config) error {
	if cfg.ServerAddr != "" && !isASCII(cfg.ServerAddr) {
		return apierr.Invalid("server_addr must be ASCII")
	}
	return c.store.WithWrite(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO rathole_config (id, server_addr, auto_start, enabled) VALUES (1, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET server_addr=excluded.server_addr, auto_start=excluded.auto_start, enabled=excluded.enabled`,
			cfg.ServerAddr, boolToInt(cfg.AutoStart), boolToInt(cfg.Enabled))
		return err
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (c *Controller) ListServices(ctx context.Context) ([]Service, error) {
	rows, err := c.store.DB().QueryContext(ctx, `SELECT id, name, token, local_addr, enabled, created_at FROM rathole_services ORDER BY id`)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "list services", err)
	}
	defer rows.Close()

	var out []Service
	for rows.Next() {
		var s Service
		var enabled int
		if err := rows.Scan(&s.ID, &s.Name, &s.Token, &s.LocalAddr, &enabled, &s.CreatedAt); err != nil {
			return nil, apierr.Wrap(apierr.Internal, "scan service", err)
		}
		s.Enabled = enabled != 0
		out = append(out, s)
	}
	return out, rows.Err()
}

func (c *Controller) CreateService(ctx context.Context, name, token, localAddr string) (Service, error) {
	if !isASCII(name) {
		return Service{}, apierr.Invalid("service name must be ASCII")
	}
	if name == "" || token == "" || localAddr == "" {
		return Service{}, apierr.Invalid("name, token, and local_addr are required")
	}

	count, _, err := c.store.QueryScalarInt(ctx, `SELECT COUNT(*) FROM rathole_services`)
	if err != nil {
		return Service{}, apierr.Wrap(apierr.Internal, "count services", err)
	}
	if count >= maxServices {
		return Service{}, apierr.New(apierr.Conflict, "maximum of 16 rathole services reached")
	}

	now := time.Now().Unix()
	var id int64
	err = c.store.WithWrite(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO rathole_services (name, token, local_addr, enabled, created_at) VALUES (?, ?, ?, 1, ?)`,
			name, token, localAddr, now)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return Service{}, apierr.Wrap(apierr.Internal, "create service", err)
	}
	return Service{ID: id, Name: name, Token: token, LocalAddr: localAddr, Enabled: true, CreatedAt: now}, nil
}

func (c *Controller) UpdateService(ctx context.Context, id int64, name, token, localAddr string, enabled bool) error {
	if !isASCII(name) {
		return apierr.Invalid("service name must be ASCII")
	}
	return c.store.WithWrite(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE rathole_services SET name=?, token=?, local_addr=?, enabled=? WHERE id=?`,
			name, token, localAddr, boolToInt(enabled), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return apierr.New(apierr.NotFound, "service not found")
		}
		return nil
	})
}

func (c *Controller) DeleteService(ctx context.Context, id int64) error {
	return c.store.WithWrite(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM rathole_services WHERE id=?`, id)
		return err
	})
}

// renderClientTOML builds the [client]/[client.services.<name>] document
// (spec.md §6 scenario F) via struct marshaling rather than string
// templating.
func renderClientTOML(cfg Config, services []Service) (string, error) {
	var file clientFile
	file.Client.RemoteAddr = cfg.ServerAddr
	file.Client.Services = make(map[string]clientServiceFile)
	for _, s := range services {
		if !s.Enabled {
			continue
		}
		file.Client.Services[s.Name] = clientServiceFile{Token: s.Token, LocalAddr: s.LocalAddr}
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(file); err != nil {
		return "", fmt.Errorf("encode rathole toml: %w", err)
	}
	return buf.String(), nil
}

// GenerateConfig writes the current config+services to configPath.
func (c *Controller) GenerateConfig(ctx context.Context) error {
	cfg, err := c.GetConfig(ctx)
	if err != nil {
		return err
	}
	services, err := c.ListServices(ctx)
	if err != nil {
		return err
	}
	doc, err := renderClientTOML(cfg, services)
	if err != nil {
		return apierr.Wrap(apierr.Internal, "render rathole config", err)
	}
	if err := os.WriteFile(c.configPath, []byte(doc), 0o600); err != nil {
		return apierr.Wrap(apierr.Internal, "write rathole config", err)
	}
	return nil
}

// Start regenerates the config, truncates the log, spawns the binary,
// and verifies liveness 500ms later via pgrep (spec.md §4.6 Process control).
func (c *Controller) Start(ctx context.Context) error {
	if err := c.GenerateConfig(ctx); err != nil {
		return err
	}

	logFile, err := os.Create(c.logPath)
	if err != nil {
		return apierr.Wrap(apierr.Internal, "truncate rathole log", err)
	}
	defer logFile.Close()

	cmd := exec.Command(c.binPath, "--config", c.configPath)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		c.setLastError(err.Error())
		return apierr.Wrap(apierr.Internal, "start rathole", err)
	}

	pid := cmd.Process.Pid
	c.mu.Lock()
	c.pid = pid
	c.mu.Unlock()
	_ = os.WriteFile(c.pidPath, []byte(strconv.Itoa(pid)), 0o600)

	go func() { _ = cmd.Wait() }()

	time.Sleep(500 * time.Millisecond)
	if !c.pgrepAlive(pid) {
		c.setLastError("process exited within 500ms of start")
		return apierr.New(apierr.Internal, "rathole process exited immediately")
	}
	c.setLastError("")
	return nil
}

func (c *Controller) setLastError(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastError = msg
}

// pgrepAlive verifies the pid is still running by argv signature,
// matching the source's liveness check.
func (c *Controller) pgrepAlive(pid int) bool {
	cmd := exec.Command("pgrep", "-f", c.binPath)
	out, err := cmd.Output()
	if err != nil {
		return false
	}
	return strings.Contains(string(out), strconv.Itoa(pid))
}

func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	pid := c.pid
	c.pid = 0
	c.mu.Unlock()

	if pid == 0 {
		return nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	_ = proc.Kill()
	_, _ = proc.Wait()
	_ = os.Remove(c.pidPath)
	return nil
}

func (c *Controller) Restart(ctx context.Context) error {
	if err := c.Stop(ctx); err != nil {
		return err
	}
	time.Sleep(200 * time.Millisecond)
	return c.Start(ctx)
}

func (c *Controller) GetStatus(ctx context.Context) Status {
	c.mu.Lock()
	pid := c.pid
	lastErr := c.lastError
	c.mu.Unlock()

	services, _ := c.ListServices(ctx)
	count := 0
	for _, s := range services {
		if s.Enabled {
			count++
		}
	}

	running := pid != 0 && c.pgrepAlive(pid)
	return Status{Running: running, Pid: pid, ServiceCount: count, LastError: lastErr}
}

// TailLog returns the last n lines of the log file, clamped to [1,1000]
// with a default of 100 (spec.md §4.6 Log retrieval).
func (c *Controller) TailLog(n int) ([]string, error) {
	if n <= 0 {
		n = 100
	}
	if n > 1000 {
		n = 1000
	}

	f, err := os.Open(c.logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apierr.Wrap(apierr.Internal, "open rathole log", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, apierr.Wrap(apierr.Internal, "scan rathole log", err)
	}
	return lines, nil
}

// ServerSkeleton emits a TOML server-side counterpart (spec.md §4.6
// "Server-side help"): listens on [::]:<port> extracted from remote_addr,
// assigning externally-exposed ports starting at 9000 by service index.
// Exported verbatim to the UI; never executed on-device.
func (c *Controller) ServerSkeleton(ctx context.Context) (string, error) {
	cfg, err := c.GetConfig(ctx)
	if err != nil {
		return "", err
	}
	services, err := c.ListServices(ctx)
	if err != nil {
		return "", err
	}

	_, port, err := splitHostPort(cfg.ServerAddr)
	if err != nil {
		return "", apierr.Invalid("server_addr must be host:port")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "[server]\nbind_addr = \"[::]:%s\"\n\n", port)
	nextPort := 9000
	for _, s := range services {
		if !s.Enabled {
			continue
		}
		fmt.Fprintf(&sb, "[server.services.%s]\ntoken = \"%s\"\nbind_addr = \"0.0.0.0:%d\"\n\n", s.Name, s.Token, nextPort)
		nextPort++
	}
	return sb.String(), nil
}

func splitHostPort(addr string) (string, string, error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("missing port in %q", addr)
	}
	return addr[:idx], addr[idx+1:], nil
}

// InstallScript emits a shell script that writes the server TOML,
// downloads the binary, and registers and starts a supervisor unit
// (spec.md §4.6). It emits no firewall commands; no ports are opened.
// Purely descriptive output for the operator.
func (c *Controller) InstallScript(ctx context.Context) (string, error) {
	skeleton, err := c.ServerSkeleton(ctx)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("#!/bin/sh\n")
	sb.WriteString("set -e\n\n")
	sb.WriteString("cat > /etc/rathole/server.toml <<'EOF'\n")
	sb.WriteString(skeleton)
	sb.WriteString("EOF\n\n")
	sb.WriteString("curl -fsSL https://github.com/rapiz1/rathole/releases/latest/download/rathole-x86_64-unknown-linux-gnu.zip -o /tmp/rathole.zip\n")
	sb.WriteString("unzip -o /tmp/rathole.zip -d /usr/local/bin\n")
	sb.WriteString("chmod +x /usr/local/bin/rathole\n\n")
	sb.WriteString("cat > /etc/systemd/system/rathole-server.service <<'EOF'\n")
	sb.WriteString("[Unit]\nDescription=rathole server\nAfter=network.target\n\n")
	sb.WriteString("[Service]\nExecStart=/usr/local/bin/rathole --server /etc/rathole/server.toml\nRestart=on-failure\n\n")
	sb.WriteString("[Install]\nWantedBy=multi-user.target\nEOF\n\n")
	sb.WriteString("systemctl daemon-reload\n")
	sb.WriteString("systemctl enable --now rathole-server\n")
	return sb.String(), nil
}
