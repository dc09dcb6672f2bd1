// Package bus is a thin adapter over the system message bus (spec.md §2,
// "BusClient"). It owns one godbus connection, proxies method calls to the
// cellular daemon (oFono's well-known name), and runs a single dispatcher
// goroutine that delivers signal callbacks — per spec.md §5, callbacks must
// never block; they hand work off to the owning component instead.
package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
)

// Signal is the internal representation of a received bus signal,
// decoupled from godbus's wire type so subscribers don't import godbus.
type Signal struct {
	Path      string
	Interface string
	Member    string
	Body      []any
}

type subscription struct {
	id      uint64
	iface   string
	member  string
	path    string // "" matches any path
	handler func(Signal)
}

// Client is the shared bus connection. One instance is owned by main and
// injected into every component that needs bus access (spec.md §9 "Global
// mutable state" — no package-level connection singleton).
type Client struct {
	log         *logrus.Logger
	serviceName string
	callTimeout time.Duration

	mu        sync.RWMutex
	conn      *dbus.Conn
	connected bool

	subMu     sync.Mutex
	subs      map[uint64]*subscription
	nextSubID uint64

	nameOwnerMu sync.Mutex
	onAppear    []func()
	onVanish    []func()
	nameOwned   atomic.Bool
}

func New(log *logrus.Logger, serviceName string, callTimeout time.Duration) *Client {
	return &Client{
		log:         log,
		serviceName: serviceName,
		callTimeout: callTimeout,
		subs:        make(map[uint64]*subscription),
	}
}

// Connect dials the system bus. Safe to call again after a disconnect.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("connect system bus: %w", err)
	}

	if err := conn.AddMatchSignal(dbus.WithMatchInterface("org.freedesktop.DBus"), dbus.WithMatchMember("NameOwnerChanged")); err != nil {
		conn.Close()
		return fmt.Errorf("watch name owner changes: %w", err)
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.log.Info("bus: connected to system bus")

	// Re-arm every previously registered signal match on the new connection.
	c.subMu.Lock()
	for _, sub := range c.subs {
		c.addMatch(sub)
	}
	c.subMu.Unlock()

	return nil
}

func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *Client) currentConn() *dbus.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// reconnect rebuilds the bus connection with exponential backoff, used by
// Call/Run when the transport reports the connection is closed (spec.md
// §4.2 "executeAt": "on 'connection closed' reinitialises the bus proxy
// before retrying").
func (c *Client) reconnect(ctx context.Context) error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 500 * time.Millisecond
	eb.MaxInterval = 10 * time.Second

	return backoff.Retry(func() error {
		return c.Connect(ctx)
	}, backoff.WithContext(backoff.WithMaxRetries(eb, 5), ctx))
}

// isConnectionClosed recognizes the class of errors that should trigger a
// reconnect rather than a plain retry (spec.md §4.2).
func isConnectionClosed(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "closed") || strings.Contains(msg, "use of closed")
}

// Call invokes a method on the cellular daemon and returns its output
// arguments. dest defaults to the configured modem service name when empty.
// A single retry with reconnect is attempted on a closed-connection error,
// matching the AT bridge's "connection closed" recovery (spec.md §4.2).
func (c *Client) Call(ctx context.Context, dest string, path string, method string, args ...any) ([]any, error) {
	if dest == "" {
		dest = c.serviceName
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	ret, err := c.call(callCtx, dest, path, method, args...)
	if err != nil && isConnectionClosed(err) {
		if rerr := c.reconnect(ctx); rerr != nil {
			return nil, fmt.Errorf("bus call %s: reconnect failed: %w", method, rerr)
		}
		ret, err = c.call(callCtx, dest, path, method, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("bus call %s on %s: %w", method, path, err)
	}
	return ret, nil
}

func (c *Client) call(ctx context.Context, dest, path, method string, args ...any) ([]any, error) {
	conn := c.currentConn()
	if conn == nil {
		return nil, fmt.Errorf("bus not connected")
	}
	obj := conn.Object(dest, dbus.ObjectPath(path))
	call := obj.CallWithContext(ctx, method, 0, args...)
	if call.Err != nil {
		return nil, call.Err
	}
	return call.Body, nil
}

// Subscribe registers interest in signals matching iface/member on path
// (empty path matches any object path) and returns a subscription id for
// Unsubscribe. The handler runs on the single dispatcher goroutine (Run)
// and must not block (spec.md §5, §9 "Signal callbacks as tasks").
func (c *Client) Subscribe(iface, member, path string, handler func(Signal)) uint64 {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.nextSubID++
	sub := &subscription{id: c.nextSubID, iface: iface, member: member, path: path, handler: handler}
	c.subs[sub.id] = sub
	c.addMatch(sub)
	return sub.id
}

// addMatch must be called with subMu held.
func (c *Client) addMatch(sub *subscription) {
	conn := c.currentConn()
	if conn == nil {
		return
	}
	opts := []dbus.MatchOption{
		dbus.WithMatchInterface(sub.iface),
		dbus.WithMatchMember(sub.member),
	}
	if sub.path != "" {
		opts = append(opts, dbus.WithMatchObjectPath(dbus.ObjectPath(sub.path)))
	}
	if err := conn.AddMatchSignal(opts...); err != nil {
		c.log.Warnf("bus: add match %s.%s failed: %v", sub.iface, sub.member, err)
	}
}

func (c *Client) Unsubscribe(id uint64) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	delete(c.subs, id)
}

// Run is the single dispatcher goroutine: it reads raw godbus signals off
// the connection and fans them out to matching subscriptions. It also
// watches NameOwnerChanged for the configured service name to drive the
// appear/vanish callbacks (spec.md §4.3 Monitor, §4.4 maintenance loop).
// Blocks until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	for {
		conn := c.currentConn()
		if conn == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
				continue
			}
		}

		sigCh := make(chan *dbus.Signal, 64)
		conn.Signal(sigCh)

		c.dispatchLoop(ctx, sigCh)
		conn.RemoveSignal(sigCh)

		select {
		case <-ctx.Done():
			return
		default:
		}
		if !c.Connected() {
			if err := c.reconnect(ctx); err != nil {
				c.log.Warnf("bus: reconnect failed: %v", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(2 * time.Second):
				}
			}
		}
	}
}

func (c *Client) dispatchLoop(ctx context.Context, sigCh chan *dbus.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-sigCh:
			if !ok {
				return
			}
			c.handleRawSignal(sig)
		}
	}
}

func (c *Client) handleRawSignal(sig *dbus.Signal) {
	if sig.Name == "org.freedesktop.DBus.NameOwnerChanged" {
		c.handleNameOwnerChanged(sig)
		return
	}

	dot := strings.LastIndex(sig.Name, ".")
	if dot < 0 {
		return
	}
	iface, member := sig.Name[:dot], sig.Name[dot+1:]
	path := string(sig.Path)

	c.subMu.Lock()
	var matched []*subscription
	for _, sub := range c.subs {
		if sub.iface != iface || sub.member != member {
			continue
		}
		if sub.path != "" && sub.path != path {
			continue
		}
		matched = append(matched, sub)
	}
	c.subMu.Unlock()

	for _, sub := range matched {
		sub.handler(Signal{Path: path, Interface: iface, Member: member, Body: sig.Body})
	}
}

func (c *Client) handleNameOwnerChanged(sig *dbus.Signal) {
	if len(sig.Body) != 3 {
		return
	}
	name, _ := sig.Body[0].(string)
	oldOwner, _ := sig.Body[1].(string)
	newOwner, _ := sig.Body[2].(string)
	if name != c.serviceName {
		return
	}

	c.nameOwnerMu.Lock()
	defer c.nameOwnerMu.Unlock()

	if oldOwner == "" && newOwner != "" {
		c.nameOwned.Store(true)
		c.log.Infof("bus: service %s appeared", name)
		for _, fn := range c.onAppear {
			fn()
		}
	} else if oldOwner != "" && newOwner == "" {
		c.nameOwned.Store(false)
		c.log.Warnf("bus: service %s vanished", name)
		for _, fn := range c.onVanish {
			fn()
		}
	}
}

// OnServiceAppear registers a callback fired when the configured modem
// service acquires its well-known name on the bus.
func (c *Client) OnServiceAppear(fn func()) {
	c.nameOwnerMu.Lock()
	defer c.nameOwnerMu.Unlock()
	c.onAppear = append(c.onAppear, fn)
}

// OnServiceVanish registers a callback fired when the configured modem
// service loses its well-known name (crash, restart).
func (c *Client) OnServiceVanish(fn func()) {
	c.nameOwnerMu.Lock()
	defer c.nameOwnerMu.Unlock()
	c.onVanish = append(c.onVanish, fn)
}

func (c *Client) ServiceAvailable() bool {
	return c.nameOwned.Load()
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
