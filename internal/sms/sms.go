// Package sms implements SmsEngine: incoming-signal intake, outbound
// send, webhook forwarding with single-pass template substitution, and a
// maintenance loop that keeps the daemon's MessageManager subscription
// alive across bus restarts (spec.md §4.4). Grounded on the teacher's
// discovery.Scanner (event callback + periodic reconciliation loop) and
// sol.Manager (webhook-style external notification) patterns.
package sms

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"connectd/internal/apierr"
	"connectd/internal/bus"
	"connectd/internal/ring"
	"connectd/internal/store"
	"connectd/internal/tmpl"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS sms_inbox (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	sender TEXT NOT NULL,
	content_hex TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	is_read INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS sms_sent (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	recipient TEXT NOT NULL,
	content_hex TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	status TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS sms_webhook_config (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	enabled INTEGER NOT NULL DEFAULT 0,
	platform TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL DEFAULT '',
	body_template TEXT NOT NULL DEFAULT '',
	headers TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS sms_config (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	max_inbox INTEGER NOT NULL DEFAULT 50,
	max_sent INTEGER NOT NULL DEFAULT 10,
	fix_enabled INTEGER NOT NULL DEFAULT 0
);
`

// Message is an inbox row with content decoded back to raw bytes — the
// hex-encoded content_hex column never leaks past this package.
type Message struct {
	ID        int64
	Sender    string
	Content   []byte
	Timestamp int64
	IsRead    bool
}

// SentMessage is an outbox row.
type SentMessage struct {
	ID        int64
	Recipient string
	Content   []byte
	Timestamp int64
	Status    string // "sent" | "failed"
}

type WebhookConfig struct {
	Enabled      bool
	Platform     string
	URL          string
	BodyTemplate string
	Headers      string // newline-separated "Key: Value" pairs
}

type WebhookLogEntry struct {
	Sender    string
	Request   string
	Response  string
	Result    int // 1 success, 0 failure
	CreatedAt int64
}

type Config struct {
	MaxInbox   int
	MaxSent    int
	FixEnabled bool
}

const (
	defaultMaxInbox = 50
	minMaxInbox     = 10
	maxMaxInbox     = 150

	defaultMaxSent = 10
	minMaxSent     = 1
	maxMaxSent     = 50

	cnmiEnable  = "AT+CNMI=3,2,0,1,0"
	cnmiDisable = "AT+CNMI=3,1,0,1,0"
)

// atSender is the minimal interface SmsEngine needs from Modem to run a raw
// AT command for the CNMI "SMS fix" toggle.
type atSender interface {
	ExecuteAT(ctx context.Context, cmd string) (string, error)
}

type Engine struct {
	log   *logrus.Logger
	store *store.Store
	bus   *bus.Client
	modem atSender

	modemPathFn func() string

	webhookLog *ring.Ring[WebhookLogEntry]

	subMu       sync.Mutex
	subID       uint64
	subscribed  bool
	// ofonoAvailable is set optimistically to true at startup (spec.md §9
	// open question, resolved): the maintenance loop corrects it within
	// one tick if the daemon isn't actually present yet. This mirrors the
	// source's speculative-flag behavior rather than waiting for the
	// first NameOwnerChanged appear event, which can be several seconds
	// after process start on a cold boot.
	ofonoAvailable bool

	httpClient *http.Client
}

func New(log *logrus.Logger, st *store.Store, busClient *bus.Client, modem atSender, modemPathFn func() string) (*Engine, error) {
	if err := st.EnsureSchema(context.Background(), schemaDDL); err != nil {
		return nil, fmt.Errorf("sms schema: %w", err)
	}
	return &Engine{
		log:            log,
		store:          st,
		bus:            busClient,
		modem:          modem,
		modemPathFn:    modemPathFn,
		webhookLog:     ring.New[WebhookLogEntry](100),
		ofonoAvailable: true,
		httpClient:     &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// Start subscribes to incoming-message signals and registers service
// appear/vanish callbacks (spec.md §4.4 Intake).
func (e *Engine) Start(ctx context.Context) {
	e.subscribe(ctx)
	e.bus.OnServiceAppear(func() {
		e.subscribe(ctx)
		e.applyFixIfEnabled(ctx)
	})
	e.bus.OnServiceVanish(func() {
		e.unsubscribe()
	})
}

func (e *Engine) subscribe(ctx context.Context) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	if e.subscribed {
		return
	}
	id := e.bus.Subscribe("org.ofono.MessageManager", "IncomingMessage", "", func(sig bus.Signal) {
		e.onIncomingMessage(ctx, sig)
	})
	e.subID = id
	e.subscribed = true
}

func (e *Engine) unsubscribe() {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	if !e.subscribed {
		return
	}
	e.bus.Unsubscribe(e.subID)
	e.subID = 0
	e.subscribed = false
}

// onIncomingMessage decodes (s, a{sv}) per spec.md §4.4 and persists,
// then fires the webhook dispatch in its own goroutine so the bus
// dispatcher never blocks (spec.md §9 "Signal callbacks as tasks").
func (e *Engine) onIncomingMessage(ctx context.Context, sig bus.Signal) {
	if len(sig.Body) != 2 {
		return
	}
	body, _ := sig.Body[0].(string)
	info, _ := sig.Body[1].(map[string]any)
	sender, _ := info["Sender"].(string)

	msg, err := e.persistIncoming(ctx, sender, []byte(body))
	if err != nil {
		e.log.Warnf("sms: persist incoming message: %v", err)
		return
	}
	go e.dispatchWebhookIfConfigured(ctx, msg)
}

func (e *Engine) persistIncoming(ctx context.Context, sender string, content []byte) (Message, error) {
	cfg, err := e.getConfig(ctx)
	if err != nil {
		return Message{}, err
	}

	now := time.Now().Unix()
	var id int64
	err = e.store.WithWrite(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO sms_inbox (sender, content_hex, timestamp, is_read) VALUES (?, ?, ?, 0)`,
			sender, encodeHex(content), now)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM sms_inbox WHERE id NOT IN (SELECT id FROM sms_inbox ORDER BY id DESC LIMIT ?)`,
			cfg.MaxInbox)
		return err
	})
	if err != nil {
		return Message{}, apierr.Wrap(apierr.Internal, "store incoming sms", err)
	}
	return Message{ID: id, Sender: sender, Content: content, Timestamp: now}, nil
}

func encodeHex(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0x0f]
	}
	return string(out)
}

func decodeHex(s string) []byte {
	if len(s)%2 != 0 {
		return nil
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		hi := hexVal(s[i*2])
		lo := hexVal(s[i*2+1])
		out[i] = hi<<4 | lo
	}
	return out
}

func hexVal(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10
	}
	return 0
}

// ListInbox returns messages newest-first.
func (e *Engine) ListInbox(ctx context.Context) ([]Message, error) {
	rows, err := e.store.DB().QueryContext(ctx, `SELECT id, sender, content_hex, timestamp, is_read FROM sms_inbox ORDER BY id DESC`)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "list inbox", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var contentHex string
		var isRead int
		if err := rows.Scan(&m.ID, &m.Sender, &contentHex, &m.Timestamp, &isRead); err != nil {
			return nil, apierr.Wrap(apierr.Internal, "scan inbox row", err)
		}
		m.Content = decodeHex(contentHex)
		m.IsRead = isRead != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

func (e *Engine) DeleteMessage(ctx context.Context, id int64) error {
	return e.store.WithWrite(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM sms_inbox WHERE id = ?`, id)
		return err
	})
}

// Send transmits content via the daemon's MessageManager.SendMessage with
// a 15s timeout and records the outcome in SentSms (spec.md §4.4 Outbound).
func (e *Engine) Send(ctx context.Context, recipient string, content []byte) (SentMessage, error) {
	if recipient == "" {
		return SentMessage{}, apierr.Invalid("recipient is required")
	}

	sendCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	status := "sent"
	_, err := e.bus.Call(sendCtx, "", e.modemPathFn(), "org.ofono.MessageManager.SendMessage", recipient, string(content))
	if err != nil {
		status = "failed"
	}

	now := time.Now().Unix()
	cfg, cfgErr := e.getConfig(ctx)
	if cfgErr != nil {
		cfg = Config{MaxSent: defaultMaxSent}
	}

	var id int64
	werr := e.store.WithWrite(ctx, func(tx *sql.Tx) error {
		res, ierr := tx.ExecContext(ctx,
			`INSERT INTO sms_sent (recipient, content_hex, timestamp, status) VALUES (?, ?, ?, ?)`,
			recipient, encodeHex(content), now, status)
		if ierr != nil {
			return ierr
		}
		id, ierr = res.LastInsertId()
		if ierr != nil {
			return ierr
		}
		_, ierr = tx.ExecContext(ctx,
			`DELETE FROM sms_sent WHERE id NOT IN (SELECT id FROM sms_sent ORDER BY id DESC LIMIT ?)`,
			cfg.MaxSent)
		return ierr
	})
	if werr != nil {
		return SentMessage{}, apierr.Wrap(apierr.Internal, "record sent sms", werr)
	}

	sent := SentMessage{ID: id, Recipient: recipient, Content: content, Timestamp: now, Status: status}
	if err != nil {
		return sent, apierr.Wrap(apierr.Unavailable, "send message", err)
	}
	return sent, nil
}

func (e *Engine) ListSent(ctx context.Context) ([]SentMessage, error) {
	rows, err := e.store.DB().QueryContext(ctx, `SELECT id, recipient, content_hex, timestamp, status FROM sms_sent ORDER BY id DESC`)
	if err != nil {
		return nil, apierr.Wrap(apierr.Internal, "list sent", err)
	}
	defer rows.Close()

	var out []SentMessage
	for rows.Next() {
		var s SentMessage
		var contentHex string
		if err := rows.Scan(&s.ID, &s.Recipient, &contentHex, &s.Timestamp, &s.Status); err != nil {
			return nil, apierr.Wrap(apierr.Internal, "scan sent row", err)
		}
		s.Content = decodeHex(contentHex)
		out = append(out, s)
	}
	return out, rows.Err()
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// GetConfig returns current caps/fix flag, seeding defaults lazily.
func (e *Engine) GetConfig(ctx context.Context) (Config, error) {
	return e.getConfig(ctx)
}

func (e *Engine) getConfig(ctx context.Context) (Config, error) {
	row := e.store.DB().QueryRowContext(ctx, `SELECT max_inbox, max_sent, fix_enabled FROM sms_config WHERE id = 1`)
	var maxInbox, maxSent, fixEnabled int
	err := row.Scan(&maxInbox, &maxSent, &fixEnabled)
	if err == sql.ErrNoRows {
		werr := e.store.WithWrite(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO sms_config (id, max_inbox, max_sent, fix_enabled) VALUES (1, ?, ?, 0)`,
				defaultMaxInbox, defaultMaxSent)
			return err
		})
		if werr != nil {
			return Config{}, apierr.Wrap(apierr.Internal, "seed sms config", werr)
		}
		return Config{MaxInbox: defaultMaxInbox, MaxSent: defaultMaxSent}, nil
	}
	if err != nil {
		return Config{}, apierr.Wrap(apierr.Internal, "read sms config", err)
	}
	return Config{MaxInbox: maxInbox, MaxSent: maxSent, FixEnabled: fixEnabled != 0}, nil
}

// SetConfig validates caps into range and persists them.
func (e *Engine) SetConfig(ctx context.Context, maxInbox, maxSent int) error {
	maxInbox = clampInt(maxInbox, minMaxInbox, maxMaxInbox)
	maxSent = clampInt(maxSent, minMaxSent, maxMaxSent)
	return e.store.WithWrite(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO sms_config (id, max_inbox, max_sent, fix_enabled) VALUES (1, ?, ?, 0)
			 ON CONFLICT(id) DO UPDATE SET max_inbox = excluded.max_inbox, max_sent = excluded.max_sent`,
			maxInbox, maxSent)
		return err
	})
}

// SetFixEnabled toggles the CNMI "SMS fix" and applies it immediately.
func (e *Engine) SetFixEnabled(ctx context.Context, enabled bool) error {
	err := e.store.WithWrite(ctx, func(tx *sql.Tx) error {
		v := 0
		if enabled {
			v = 1
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO sms_config (id, max_inbox, max_sent, fix_enabled) VALUES (1, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET fix_enabled = excluded.fix_enabled`,
			defaultMaxInbox, defaultMaxSent, v)
		return err
	})
	if err != nil {
		return apierr.Wrap(apierr.Internal, "set fix enabled", err)
	}
	e.applyFixIfEnabled(ctx)
	return nil
}

func (e *Engine) applyFixIfEnabled(ctx context.Context) {
	cfg, err := e.getConfig(ctx)
	if err != nil {
		return
	}
	cmd := cnmiDisable
	if cfg.FixEnabled {
		cmd = cnmiEnable
	}
	atCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
	defer cancel()
	if _, err := e.modem.ExecuteAT(atCtx, cmd); err != nil {
		e.log.Warnf("sms: apply CNMI fix: %v", err)
	}
}

func (e *Engine) GetWebhookConfig(ctx context.Context) (WebhookConfig, error) {
	row := e.store.DB().QueryRowContext(ctx, `SELECT enabled, platform, url, body_template, headers FROM sms_webhook_config WHERE id = 1`)
	var enabled int
	var cfg WebhookConfig
	err := row.Scan(&enabled, &cfg.Platform, &cfg.URL, &cfg.BodyTemplate, &cfg.Headers)
	if err == sql.ErrNoRows {
		return WebhookConfig{}, nil
	}
	if err != nil {
		return WebhookConfig{}, apierr.Wrap(apierr.Internal, "read webhook config", err)
	}
	cfg.Enabled = enabled != 0
	return cfg, nil
}

func (e *Engine) SetWebhookConfig(ctx context.Context, cfg WebhookConfig) error {
	enabled := 0
	if cfg.Enabled {
		enabled = 1
	}
	return e.store.WithWrite(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO sms_webhook_config (id, enabled, platform, url, body_template, headers) VALUES (1, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET enabled=excluded.enabled, platform=excluded.platform, url=excluded.url, body_template=excluded.body_template, headers=excluded.headers`,
			enabled, cfg.Platform, cfg.URL, cfg.BodyTemplate, cfg.Headers)
		return err
	})
}

func (e *Engine) dispatchWebhookIfConfigured(ctx context.Context, msg Message) {
	cfg, err := e.GetWebhookConfig(ctx)
	if err != nil || !cfg.Enabled || cfg.URL == "" {
		return
	}
	e.DeliverWebhook(ctx, cfg, msg.Sender, string(msg.Content))
}

// DeliverWebhook implements spec.md §4.4's forwarder: single-pass template
// substitution, header parsing with a default Content-Type injection,
// a temp-file request body, a 10s overall deadline, and the
// curl-error-marker outcome rule.
func (e *Engine) DeliverWebhook(ctx context.Context, cfg WebhookConfig, sender, content string) {
	vars := map[string]string{
		"sender":  sender,
		"content": content,
		"time":    time.Now().Format(time.RFC3339),
	}
	body := tmpl.Substitute(cfg.BodyTemplate, vars)

	deliverCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	respBody, err := e.postWebhook(deliverCtx, cfg.URL, cfg.Headers, body)

	result := 0
	if err == nil && isSuccessfulDelivery(respBody) {
		result = 1
	}
	e.webhookLog.Push(WebhookLogEntry{
		Sender:    sender,
		Request:   body,
		Response:  respBody,
		Result:    result,
		CreatedAt: time.Now().Unix(),
	})
}

// maxWebhookResponseBytes bounds how much of a webhook's response body
// isSuccessfulDelivery inspects; receivers aren't trusted to keep replies
// small.
const maxWebhookResponseBytes = 64 * 1024

// postWebhook writes the body to a temp file (spec.md §4.4: "avoid shell
// quoting pitfalls") then POSTs its contents.
func (e *Engine) postWebhook(ctx context.Context, url, headerBlock, body string) (string, error) {
	f, err := os.CreateTemp("", "connectd-webhook-*.json")
	if err != nil {
		return "", fmt.Errorf("create webhook temp file: %w", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.WriteString(body); err != nil {
		f.Close()
		return "", fmt.Errorf("write webhook temp file: %w", err)
	}
	f.Close()

	payload, err := os.ReadFile(f.Name())
	if err != nil {
		return "", fmt.Errorf("read webhook temp file: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return "", fmt.Errorf("build webhook request: %w", err)
	}

	hasContentType := false
	for _, line := range strings.Split(headerBlock, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		req.Header.Set(key, val)
		if strings.EqualFold(key, "Content-Type") {
			hasContentType = true
		}
	}
	if !hasContentType {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("webhook delivery: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookResponseBytes))
	if err != nil {
		return "", fmt.Errorf("read webhook response: %w", err)
	}
	return string(respBody), nil
}

var errorMarkers = []string{"curl:", "Could not resolve", "Connection refused", "Connection timed out"}

func isSuccessfulDelivery(resp string) bool {
	if resp == "" {
		return false
	}
	for _, marker := range errorMarkers {
		if strings.Contains(resp, marker) {
			return false
		}
	}
	return true
}

func (e *Engine) WebhookLog() []WebhookLogEntry {
	return e.webhookLog.Items()
}

// TestWebhook delivers a synthetic message through the configured webhook
// without persisting an inbox row, for the "/api/sms/webhook/test" endpoint.
func (e *Engine) TestWebhook(ctx context.Context) error {
	cfg, err := e.GetWebhookConfig(ctx)
	if err != nil {
		return err
	}
	if !cfg.Enabled || cfg.URL == "" {
		return apierr.Invalid("webhook is not configured")
	}
	e.DeliverWebhook(ctx, cfg, "+10000000000", "test message")
	return nil
}

// RunMaintenance is the ~30s loop that keeps the MessageManager
// subscription alive across bus restarts (spec.md §4.4 Maintenance loop).
func (e *Engine) RunMaintenance(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.reconcile(ctx)
		}
	}
}

func (e *Engine) reconcile(ctx context.Context) {
	if !e.bus.Connected() || !e.bus.ServiceAvailable() {
		e.unsubscribe()
		return
	}

	e.subMu.Lock()
	needsResub := !e.subscribed || e.subID == 0
	e.subMu.Unlock()

	if needsResub {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = 500 * time.Millisecond
		eb.MaxInterval = 5 * time.Second
		_ = backoff.Retry(func() error {
			e.subscribe(ctx)
			return nil
		}, backoff.WithMaxRetries(eb, 3))
		e.applyFixIfEnabled(ctx)
	}
}

func parseIDOrZero(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// ParseID exposes parseIDOrZero for ApiSurface's path-parameter decoding.
func ParseID(s string) int64 { return parseIDOrZero(s) }
