// Package ipv6fwd implements Ipv6Fwd: a user-space IPv6->IPv4 TCP
// port-forwarder with per-rule supervision, idempotent ip6tables ACCEPT
// rules, and a periodic webhook address reporter (spec.md §4.5). Each
// rule's "child worker" is a supervised goroutine rather than a forked
// process — idiomatic Go concurrency replacing the source's per-rule
// child-process model, grounded on the teacher's sol.Manager supervised
// background task and internal/relay's splice engine.
package ipv6fwd

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"connectd/internal/apierr"
	"connectd/internal/relay"
	"connectd/internal/ring"
	"connectd/internal/store"
	"connectd/internal/tmpl"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS ipv6_rules (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	local_port INTEGER NOT NULL,
	ipv6_port INTEGER NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS ipv6_config (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	enabled INTEGER NOT NULL DEFAULT 0,
	auto_start INTEGER NOT NULL DEFAULT 0,
	send_enabled INTEGER NOT NULL DEFAULT 0,
	send_interval_minutes INTEGER NOT NULL DEFAULT 60,
	webhook_url TEXT NOT NULL DEFAULT '',
	webhook_body_template TEXT NOT NULL DEFAULT '',
	webhook_headers TEXT NOT NULL DEFAULT ''
);
`

const maxRules = 10

type Rule struct {
	ID        int64
	LocalPort int
	Ipv6Port  int
	Enabled   bool
	CreatedAt int64
}

type Config struct {
	Enabled             bool
	AutoStart           bool
	SendEnabled         bool
	SendIntervalMinutes int
	WebhookURL          string
	WebhookBodyTemplate string
	WebhookHeaders      string
}

type SendLogEntry struct {
	Ipv6Addr  string
	Content   string
	Response  string
	Result    int
	CreatedAt int64
}

// worker tracks one supervised per-rule forwarder.
type worker struct {
	rule     Rule
	listener net.Listener
	stop     chan struct{}
	done     chan struct{}
}

type Forwarder struct {
	log   *logrus.Logger
	store *store.Store

	mu       sync.Mutex
	running  bool
	workers  map[int64]*worker // ruleID -> worker
	sendLog  *ring.Ring[SendLogEntry]
	reportCh chan struct{}
	reportWG sync.WaitGroup

	ip6tablesBin string
}

func New(log *logrus.Logger, st *store.Store) (*Forwarder, error) {
	if err := st.EnsureSchema(context.Background(), schemaDDL); err != nil {
		return nil, fmt.Errorf("ipv6fwd schema: %w", err)
	}
	return &Forwarder{
		log:          log,
		store:        st,
		workers:      make(map[int64]*worker),
		sendLog:      ring.New[SendLogEntry](30),
		ip6tablesBin: "ip6tables",
	}, nil
}

// SetFirewallBin overrides the ip6tables binary path, e.g. for
// distributions that install it somewhere other than $PATH.
func (f *Forwarder) SetFirewallBin(path string) {
	if path != "" {
		f.ip6tablesBin = path
	}
}

func (f *Forwarder) ListRules(ctx context.Context) ([]Rule, error) {
	rows, err := f.store.DB().QueryContext(ctx, `SELECT id, local_port, ipv6_port, enabled, created_at FROM ipv6_rules ORDER BY id`)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "list rules", err)
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		var r Rule
		var enabled int
		if err := rows.Scan(&r.ID, &r.LocalPort, &r.Ipv6Port, &enabled, &r.CreatedAt); err != nil {
			return nil, apierr.Wrap(apierr.Internal, "scan rule", err)
		}
		r.Enabled = enabled != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func validatePort(p int) error {
	if p < 1 || p > 65535 {
		return apierr.Invalid("port must be in range 1..65535")
	}
	return nil
}

// CreateRule inserts a new rule, using the driver's last-insert-rowid
// facility rather than the source's MAX(id) proxy (spec.md §9 open
// question, resolved).
func (f *Forwarder) CreateRule(ctx context.Context, localPort, ipv6Port int, enabled bool) (Rule, error) {
	if err := validatePort(localPort); err != nil {
		return Rule{}, err
	}
	if err := validatePort(ipv6Port); err != nil {
		return Rule{}, err
	}

	count, _, err := f.store.QueryScalarInt(ctx, `SELECT COUNT(*) FROM ipv6_rules`)
	if err != nil {
		return Rule{}, apierr.Wrap(apierr.Internal, "count rules", err)
	}
	if count >= maxRules {
		return Rule{}, apierr.New(apierr.Conflict, "maximum of 10 ipv6 rules reached")
	}

	now := time.Now().Unix()
	var id int64
	err = f.store.WithWrite(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO ipv6_rules (local_port, ipv6_port, enabled, created_at) VALUES (?, ?, ?, ?)`,
			localPort, ipv6Port, boolToInt(enabled), now)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return Rule{}, apierr.Wrap(apierr.Internal, "create rule", err)
	}
	return Rule{ID: id, LocalPort: localPort, Ipv6Port: ipv6Port, Enabled: enabled, CreatedAt: now}, nil
}

func (f *Forwarder) UpdateRule(ctx context.Context, id int64, localPort, ipv6Port int, enabled bool) error {
	if err := validatePort(localPort); err != nil {
		return err
	}
	if err := validatePort(ipv6Port); err != nil {
		return err
	}
	return f.store.WithWrite(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE ipv6_rules SET local_port=?, ipv6_port=?, enabled=? WHERE id=?`,
			localPort, ipv6Port, boolToInt(enabled), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return apierr.New(apierr.NotFound, "rule not found")
		}
		return nil
	})
}

func (f *Forwarder) DeleteRule(ctx context.Context, id int64) error {
	f.stopWorker(id)
	return f.store.WithWrite(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM ipv6_rules WHERE id=?`, id)
		return err
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// GetConfig seeds documented defaults lazily (spec.md §8 invariant 1).
func (f *Forwarder) GetConfig(ctx context.Context) (Config, error) {
	row := f.store.DB().QueryRowContext(ctx,
		`SELECT enabled, auto_start, send_enabled, send_interval_minutes, webhook_url, webhook_body_template, webhook_headers FROM ipv6_config WHERE id = 1`)
	var enabled, autoStart, sendEnabled int
	var cfg Config
	err := row.Scan(&enabled, &autoStart, &sendEnabled, &cfg.SendIntervalMinutes, &cfg.WebhookURL, &cfg.WebhookBodyTemplate, &cfg.WebhookHeaders)
	if err == sql.ErrNoRows {
		werr := f.store.WithWrite(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO ipv6_config (id, send_interval_minutes) VALUES (1, 60)`)
			return err
		})
		if werr != nil {
			return Config{}, apierr.Wrap(apierr.Internal, "seed ipv6 config", werr)
		}
		return Config{SendIntervalMinutes: 60}, nil
	}
	if err != nil {
		return Config{}, apierr.Wrap(apierr.Internal, "read ipv6 config", err)
	}
	cfg.Enabled = enabled != 0
	cfg.AutoStart = autoStart != 0
	cfg.SendEnabled = sendEnabled != 0
	return cfg, nil
}

// SetConfig persists config, enforcing autoStart=>enabled (spec.md §8
// invariant 5).
func (f *Forwarder) SetConfig(ctx context.Context, cfg Config) error {
	if cfg.AutoStart {
		cfg.Enabled = true
	}
	if cfg.SendIntervalMinutes < 1 {
		cfg.SendIntervalMinutes = 1
	}
	if cfg.SendIntervalMinutes > 1440 {
		cfg.SendIntervalMinutes = 1440
	}
	return f.store.WithWrite(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO ipv6_config (id, enabled, auto_start, send_enabled, send_interval_minutes, webhook_url, webhook_body_template, webhook_headers)
			 VALUES (1, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET enabled=excluded.enabled, auto_start=excluded.auto_start, send_enabled=excluded.send_enabled,
				send_interval_minutes=excluded.send_interval_minutes, webhook_url=excluded.webhook_url,
				webhook_body_template=excluded.webhook_body_template, webhook_headers=excluded.webhook_headers`,
			boolToInt(cfg.Enabled), boolToInt(cfg.AutoStart), boolToInt(cfg.SendEnabled), cfg.SendIntervalMinutes,
			cfg.WebhookURL, cfg.WebhookBodyTemplate, cfg.WebhookHeaders)
		return err
	})
}

// Start spawns one supervised worker per enabled rule, inserting a
// firewall ACCEPT rule for each (spec.md §4.5 Start sequence). Start is
// idempotent: already-running rules are left untouched.
func (f *Forwarder) Start(ctx context.Context) error {
	rules, err := f.ListRules(ctx)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.running = true
	f.mu.Unlock()

	var firstErr error
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		if err := f.startWorker(r); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f *Forwarder) startWorker(r Rule) error {
	f.mu.Lock()
	if _, exists := f.workers[r.ID]; exists {
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()

	ln, err := net.Listen("tcp6", fmt.Sprintf("[::]:%d", r.Ipv6Port))
	if err != nil {
		return apierr.Wrap(apierr.Internal, "bind ipv6 listener", err)
	}

	if err := f.addFirewallRule(r.Ipv6Port); err != nil {
		f.log.Warnf("ipv6fwd: add firewall rule for port %d: %v", r.Ipv6Port, err)
	}

	w := &worker{rule: r, listener: ln, stop: make(chan struct{}), done: make(chan struct{})}
	f.mu.Lock()
	f.workers[r.ID] = w
	f.mu.Unlock()

	go f.acceptLoop(w)
	return nil
}

// acceptLoop is the worker's accept goroutine; each accepted connection
// gets its own goroutine pair running the relay splice (spec.md §4.5:
// "per-connection handler"). FIFO accept order is preserved by Accept's
// own queueing.
func (f *Forwarder) acceptLoop(w *worker) {
	defer close(w.done)
	for {
		conn, err := w.listener.Accept()
		if err != nil {
			select {
			case <-w.stop:
				return
			default:
				f.log.Warnf("ipv6fwd: accept on rule %d: %v", w.rule.ID, err)
				return
			}
		}
		go f.handleConn(w, conn)
	}
}

func (f *Forwarder) handleConn(w *worker, client net.Conn) {
	defer client.Close()
	server, err := net.DialTimeout("tcp4", fmt.Sprintf("127.0.0.1:%d", w.rule.LocalPort), 5*time.Second)
	if err != nil {
		f.log.Warnf("ipv6fwd: dial local port %d: %v", w.rule.LocalPort, err)
		return
	}
	defer server.Close()
	relay.Pipe(client, server)
}

func (f *Forwarder) stopWorker(ruleID int64) {
	f.mu.Lock()
	w, ok := f.workers[ruleID]
	if ok {
		delete(f.workers, ruleID)
	}
	f.mu.Unlock()
	if !ok {
		return
	}
	close(w.stop)
	w.listener.Close()
	<-w.done
	if err := f.removeFirewallRule(w.rule.Ipv6Port); err != nil {
		f.log.Warnf("ipv6fwd: remove firewall rule for port %d: %v", w.rule.Ipv6Port, err)
	}
}

// Stop removes firewall rules and tears down every worker. Listener.Close
// interrupts Accept immediately; lingering accepted connections are left
// to finish and close naturally (spec.md §5 Cancellation: "SIGKILL after
// removing firewall rules so lingering TCP connections close cleanly" —
// in this goroutine model that's simply not force-killing live conns).
func (f *Forwarder) Stop(ctx context.Context) error {
	f.mu.Lock()
	ids := make([]int64, 0, len(f.workers))
	for id := range f.workers {
		ids = append(ids, id)
	}
	f.running = false
	f.mu.Unlock()

	for _, id := range ids {
		f.stopWorker(id)
	}
	return nil
}

func (f *Forwarder) Restart(ctx context.Context) error {
	if err := f.Stop(ctx); err != nil {
		return err
	}
	return f.Start(ctx)
}

type Status struct {
	Running     bool
	ActiveCount int
}

func (f *Forwarder) GetStatus() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Status{Running: f.running, ActiveCount: len(f.workers)}
}

// addFirewallRule is idempotent: it checks presence via `-C` before
// inserting (spec.md §4.5 "idempotently (check-then-insert)").
func (f *Forwarder) addFirewallRule(port int) error {
	checkCmd := exec.Command(f.ip6tablesBin, "-C", "INPUT", "-p", "tcp", "--dport", strconv.Itoa(port), "-j", "ACCEPT")
	if err := checkCmd.Run(); err == nil {
		return nil
	}
	insertCmd := exec.Command(f.ip6tablesBin, "-A", "INPUT", "-p", "tcp", "--dport", strconv.Itoa(port), "-j", "ACCEPT")
	return insertCmd.Run()
}

func (f *Forwarder) removeFirewallRule(port int) error {
	cmd := exec.Command(f.ip6tablesBin, "-D", "INPUT", "-p", "tcp", "--dport", strconv.Itoa(port), "-j", "ACCEPT")
	return cmd.Run()
}

// getIpv6Addr resolves the host's first global-scope IPv6 address,
// mirroring the source's "ip -6 addr show scope global" shell pipeline
// via Go's own interface enumeration instead of shelling out.
func getIpv6Addr() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP
		if ip.To4() != nil || !ip.IsGlobalUnicast() || ip.IsPrivate() {
			continue
		}
		if ip.To16() != nil {
			return ip.String(), nil
		}
	}
	return "", fmt.Errorf("no global ipv6 address found")
}

func enabledPortsCSV(rules []Rule) string {
	var ports []string
	for _, r := range rules {
		if r.Enabled {
			ports = append(ports, strconv.Itoa(r.Ipv6Port))
		}
	}
	return strings.Join(ports, ",")
}

func linkList(addr string, rules []Rule) string {
	var lines []string
	for _, r := range rules {
		if r.Enabled {
			lines = append(lines, fmt.Sprintf("[%s]:%d", addr, r.Ipv6Port))
		}
	}
	return strings.Join(lines, "\n")
}

// RunReporter implements the periodic address reporter (spec.md §4.5):
// posts once at start (if configured) then on the configured interval,
// retrying a failed send up to 30 times at 10s intervals.
func (f *Forwarder) RunReporter(ctx context.Context) {
	cfg, err := f.GetConfig(ctx)
	if err != nil || !cfg.SendEnabled || cfg.WebhookURL == "" {
		return
	}

	f.sendReport(ctx)

	ticker := time.NewTicker(time.Duration(cfg.SendIntervalMinutes) * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cfg, err := f.GetConfig(ctx)
			if err != nil || !cfg.SendEnabled {
				continue
			}
			f.sendReport(ctx)
		}
	}
}

func (f *Forwarder) sendReport(ctx context.Context) {
	cfg, err := f.GetConfig(ctx)
	if err != nil {
		return
	}
	rules, err := f.ListRules(ctx)
	if err != nil {
		return
	}
	addr, err := getIpv6Addr()
	if err != nil {
		f.log.Warnf("ipv6fwd: resolve global ipv6 address: %v", err)
		return
	}

	vars := map[string]string{
		"ipv6":   addr,
		"sender": addr,
		"port":   enabledPortsCSV(rules),
		"link":   linkList(addr, rules),
		"time":   time.Now().Format(time.RFC3339),
	}
	body := tmpl.Substitute(cfg.WebhookBodyTemplate, vars)

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 10 * time.Second
	eb.MaxInterval = 10 * time.Second
	eb.Multiplier = 1 // fixed 10s cadence per spec.md §4.5 ("retries up to 30 times at 10s intervals")
	eb.RandomizationFactor = 0

	result := 0
	var lastResp string
	_ = backoff.Retry(func() error {
		resp, postErr := httpPostPlain(ctx, cfg.WebhookURL, body)
		lastResp = resp
		if postErr == nil {
			result = 1
		}
		return postErr
	}, backoff.WithMaxRetries(eb, 30))

	f.sendLog.Push(SendLogEntry{Ipv6Addr: addr, Content: body, Response: lastResp, Result: result, CreatedAt: time.Now().Unix()})
}

var reporterHTTPClient = &http.Client{Timeout: 10 * time.Second}

// maxReportResponseBytes bounds how much of a report endpoint's response
// httpPostPlain reads back; receivers aren't trusted to keep replies small.
const maxReportResponseBytes = 64 * 1024

// httpPostPlain POSTs body as application/json and returns the response
// body as text; a non-2xx status is treated as a delivery failure.
func httpPostPlain(ctx context.Context, url, body string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := reporterHTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxReportResponseBytes))
	if err != nil {
		return "", fmt.Errorf("read report response: %w", err)
	}
	text := string(respBody)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return text, fmt.Errorf("webhook responded with status %d", resp.StatusCode)
	}
	return text, nil
}

func (f *Forwarder) SendLog() []SendLogEntry {
	return f.sendLog.Items()
}

// TestReport forces one immediate report cycle for "/api/ipv6-proxy/test".
func (f *Forwarder) TestReport(ctx context.Context) {
	f.sendReport(ctx)
}
