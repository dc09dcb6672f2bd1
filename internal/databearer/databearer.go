// Package databearer maintains best-effort "data always on" semantics
// over the cellular daemon's PDP/data contexts (spec.md §4.3). It runs an
// event-driven Monitor (three bus subscriptions, one coalescing restore
// timer) and an independent periodic Watchdog, grounded on the teacher's
// discovery.Scanner (event callback + periodic Run loop) and sol.Manager
// (coalesced reconnect-with-backoff) patterns.
package databearer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"connectd/internal/apierr"
	"connectd/internal/bus"
	"connectd/internal/store"
)

// Protocol mirrors ApnContext.protocol (spec.md §3).
type Protocol string

const (
	ProtoIP   Protocol = "ip"
	ProtoIPv6 Protocol = "ipv6"
	ProtoDual Protocol = "dual"
)

// ApnContext mirrors the cellular daemon's connection context object
// (spec.md §3). Only ContextType == internet is managed.
type ApnContext struct {
	Path        string
	Name        string
	Active      bool
	Apn         string
	Protocol    Protocol
	Username    string
	Password    string
	AuthMethod  string
	ContextType string
}

const contextTypeInternet = "internet"

type DataBearer struct {
	log *logrus.Logger
	bus *bus.Client

	modemPathFn func() string // resolves the current primary modem path

	mu          sync.Mutex // guards monitor subscription state and restore timer
	monitorSubs []uint64
	restoreTimer *time.Timer

	serviceWatchOnce sync.Once // OnServiceAppear/OnServiceVanish are registered at most once

	watchdogInterval time.Duration
	lastStatus       string

	apnStore *store.Store
}

func New(log *logrus.Logger, busClient *bus.Client, modemPathFn func() string, watchdogInterval time.Duration) *DataBearer {
	if watchdogInterval <= 0 {
		watchdogInterval = 10 * time.Second
	}
	return &DataBearer{
		log:              log,
		bus:              busClient,
		modemPathFn:      modemPathFn,
		watchdogInterval: watchdogInterval,
	}
}

// findInternetContext implements spec.md §4.3: prefer the first
// type=internet context with a non-empty APN; otherwise the first
// internet context; otherwise the static default path. Recomputed on
// every call — never cached — because a SIM swap invalidates paths.
func (d *DataBearer) findInternetContext(ctx context.Context) (*ApnContext, error) {
	contexts, err := d.listContexts(ctx)
	if err != nil {
		return nil, err
	}
	return selectInternetContext(contexts), nil
}

// selectInternetContext is the pure selection rule behind findInternetContext,
// split out so it is testable without a bus connection.
func selectInternetContext(contexts []ApnContext) *ApnContext {
	var firstInternet *ApnContext
	for _, c := range contexts {
		if c.ContextType != contextTypeInternet {
			continue
		}
		if firstInternet == nil {
			cc := c
			firstInternet = &cc
		}
		if c.Apn != "" {
			cc := c
			return &cc
		}
	}
	if firstInternet != nil {
		return firstInternet
	}
	return &ApnContext{Path: "/context1", ContextType: contextTypeInternet}
}

func (d *DataBearer) listContexts(ctx context.Context) ([]ApnContext, error) {
	out, err := d.bus.Call(ctx, "", d.modemPathFn(), "org.ofono.ConnectionManager.GetContexts")
	if err != nil {
		return nil, apierr.Wrap(apierr.Unavailable, "list contexts", err)
	}
	var result []ApnContext
	if len(out) == 0 {
		return result, nil
	}
	entries, ok := out[0].([]struct {
		Path       string
		Properties map[string]any
	})
	if !ok {
		// Tolerate alternate decodings from the bus binding; absence of
		// structured data just yields an empty context list.
		return result, nil
	}
	for _, e := range entries {
		result = append(result, contextFromProperties(e.Path, e.Properties))
	}
	return result, nil
}

func contextFromProperties(path string, props map[string]any) ApnContext {
	c := ApnContext{Path: path}
	if v, ok := props["Name"].(string); ok {
		c.Name = v
	}
	if v, ok := props["Active"].(bool); ok {
		c.Active = v
	}
	if v, ok := props["AccessPointName"].(string); ok {
		c.Apn = v
	}
	if v, ok := props["Protocol"].(string); ok {
		c.Protocol = Protocol(v)
	}
	if v, ok := props["Username"].(string); ok {
		c.Username = v
	}
	if v, ok := props["Password"].(string); ok {
		c.Password = v
	}
	if v, ok := props["AuthenticationMethod"].(string); ok {
		c.AuthMethod = v
	}
	if v, ok := props["Type"].(string); ok {
		c.ContextType = v
	}
	return c
}

// GetDataStatus reports whether the resolved internet context is active.
func (d *DataBearer) GetDataStatus(ctx context.Context) (bool, error) {
	c, err := d.findInternetContext(ctx)
	if err != nil {
		return false, err
	}
	return c.Active, nil
}

// SetDataStatus activates/deactivates the resolved internet context.
// Toggling starts/stops the Monitor as a side effect (spec.md §4.3).
func (d *DataBearer) SetDataStatus(ctx context.Context, active bool) error {
	c, err := d.findInternetContext(ctx)
	if err != nil {
		return err
	}
	_, err = d.bus.Call(ctx, "", c.Path, "org.ofono.ConnectionContext.SetProperty", "Active", active)
	if err != nil {
		return apierr.Wrap(apierr.Unavailable, "set data status", err)
	}

	if active {
		d.StartMonitor(ctx)
	} else {
		d.StopMonitor()
	}
	return nil
}

// GetRoaming reports the current roaming-allowed property on the modem.
func (d *DataBearer) GetRoaming(ctx context.Context) (bool, error) {
	out, err := d.bus.Call(ctx, "", d.modemPathFn(), "org.ofono.ConnectionManager.GetProperties")
	if err != nil {
		return false, apierr.Wrap(apierr.Unavailable, "get roaming", err)
	}
	if len(out) > 0 {
		if props, ok := out[0].(map[string]any); ok {
			if v, ok := props["RoamingAllowed"].(bool); ok {
				return v, nil
			}
		}
	}
	return false, nil
}

func (d *DataBearer) SetRoamingAllowed(ctx context.Context, allowed bool) error {
	_, err := d.bus.Call(ctx, "", d.modemPathFn(), "org.ofono.ConnectionManager.SetProperty", "RoamingAllowed", allowed)
	if err != nil {
		return apierr.Wrap(apierr.Unavailable, "set roaming allowed", err)
	}
	return nil
}

// checkAndRestore implements spec.md §4.3's five-step recovery check.
func (d *DataBearer) checkAndRestore(ctx context.Context) string {
	registered, err := d.isRegistered(ctx)
	if err != nil {
		return fmt.Sprintf("bus unavailable: %v", err)
	}
	if !registered {
		return "waiting for registration"
	}

	c, err := d.findInternetContext(ctx)
	if err != nil {
		return fmt.Sprintf("context resolution failed: %v", err)
	}
	if c.Apn == "" {
		return "APN not configured, skipping"
	}
	if c.Active {
		return "connected"
	}

	if err := d.SetDataStatus(ctx, true); err != nil {
		return fmt.Sprintf("restore failed: %v", err)
	}
	return "restored"
}

func (d *DataBearer) isRegistered(ctx context.Context) (bool, error) {
	out, err := d.bus.Call(ctx, "", d.modemPathFn(), "org.ofono.NetworkRegistration.GetProperties")
	if err != nil {
		return false, err
	}
	if len(out) == 0 {
		return false, nil
	}
	props, ok := out[0].(map[string]any)
	if !ok {
		return false, nil
	}
	status, _ := props["Status"].(string)
	return status == "registered" || status == "roaming", nil
}

// runCheckAndRestoreLogged runs checkAndRestore and logs only when the
// reported status string changes (spec.md §4.3 Watchdog).
func (d *DataBearer) runCheckAndRestoreLogged(ctx context.Context) {
	status := d.checkAndRestore(ctx)
	d.mu.Lock()
	changed := status != d.lastStatus
	d.lastStatus = status
	d.mu.Unlock()
	if changed {
		d.log.Infof("databearer: %s", status)
	}
}

// StartMonitor subscribes to the three bus signals described in spec.md
// §4.3. Re-arming (calling StartMonitor again) first tears down existing
// subscriptions to avoid duplicate callbacks.
func (d *DataBearer) StartMonitor(ctx context.Context) {
	d.StopMonitor()

	d.mu.Lock()
	s1 := d.bus.Subscribe("org.ofono.ConnectionContext", "PropertyChanged", "", func(sig bus.Signal) {
		d.onContextPropertyChanged(ctx, sig)
	})
	s2 := d.bus.Subscribe("org.ofono.NetworkRegistration", "PropertyChanged", d.modemPathFn(), func(sig bus.Signal) {
		d.onRegistrationPropertyChanged(ctx, sig)
	})
	s3 := d.bus.Subscribe("org.ofono.Manager", "PropertyChanged", "/", func(sig bus.Signal) {
		d.onManagerPropertyChanged(ctx, sig)
	})
	d.monitorSubs = []uint64{s1, s2, s3}
	d.mu.Unlock()

	// Registered exactly once per DataBearer, not once per StartMonitor
	// call: StartMonitor re-runs on every /api/data toggle (SetDataStatus),
	// and bus.Client's OnServiceAppear/OnServiceVanish slices have no
	// unregister, so re-adding a callback here on every toggle would leak
	// one more closure per call for the life of the process. The re-arm
	// closure uses a background context rather than the triggering call's
	// ctx, since it must keep working long after whatever request context
	// happened to be current when the service last appeared.
	d.serviceWatchOnce.Do(func() {
		d.bus.OnServiceAppear(func() { d.StartMonitor(context.Background()) })
		d.bus.OnServiceVanish(func() { d.StopMonitor() })
	})
}

func (d *DataBearer) StopMonitor() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range d.monitorSubs {
		d.bus.Unsubscribe(id)
	}
	d.monitorSubs = nil
	if d.restoreTimer != nil {
		d.restoreTimer.Stop()
		d.restoreTimer = nil
	}
}

// onContextPropertyChanged schedules a coalesced checkAndRestore 2s after
// an Active=false transition; re-arming cancels any pending timer so a
// burst of events within the window produces exactly one restore attempt
// (spec.md §8 invariant 8).
func (d *DataBearer) onContextPropertyChanged(ctx context.Context, sig bus.Signal) {
	if len(sig.Body) != 2 {
		return
	}
	name, _ := sig.Body[0].(string)
	if name != "Active" {
		return
	}
	active, _ := sig.Body[1].(bool)
	if active {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.restoreTimer != nil {
		d.restoreTimer.Stop()
	}
	d.restoreTimer = time.AfterFunc(2*time.Second, func() {
		d.runCheckAndRestoreLogged(ctx)
	})
}

func (d *DataBearer) onRegistrationPropertyChanged(ctx context.Context, sig bus.Signal) {
	if len(sig.Body) != 2 {
		return
	}
	name, _ := sig.Body[0].(string)
	if name != "Status" {
		return
	}
	status, _ := sig.Body[1].(string)
	if status == "registered" || status == "roaming" {
		go d.runCheckAndRestoreLogged(ctx)
	}
}

func (d *DataBearer) onManagerPropertyChanged(ctx context.Context, sig bus.Signal) {
	if len(sig.Body) != 2 {
		return
	}
	name, _ := sig.Body[0].(string)
	if name != "DataCard" {
		return
	}
	go d.runCheckAndRestoreLogged(ctx)
}

// RunWatchdog is the periodic, Monitor-independent recovery loop (spec.md
// §4.3). It blocks until ctx is cancelled.
func (d *DataBearer) RunWatchdog(ctx context.Context) {
	ticker := time.NewTicker(d.watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.runCheckAndRestoreLogged(ctx)
		}
	}
}
