// Package modem wraps the cellular stack (spec.md §4.2 "Modem"): AT
// command execution, network-mode/SIM-slot control, and signal/cell-info
// retrieval. AT execution is strictly serialized across all callers by
// modemAtMu (spec.md §5), and primarily proxied over the bus to oFono's
// AT bridge; a direct serial fallback (grounded on the i4energy-sms-gateway
// SerialDialer) is used only when the bus path is unavailable.
package modem

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"connectd/internal/apierr"
	"connectd/internal/bus"
)

// Slot identifies a SIM front-end.
type Slot string

const (
	Slot1 Slot = "slot1"
	Slot2 Slot = "slot2"
)

// NetworkMode is the user-facing mode selector (spec.md §4.2).
type NetworkMode string

const (
	ModeAuto    NetworkMode = "auto"
	ModeNR5GOnly NetworkMode = "nr5g_only"
	ModeLTEOnly NetworkMode = "lte_only"
	ModeNSAOnly NetworkMode = "nsa_only"
)

// technologyPreference is oFono's 11-value TechnologyPreference enum.
// Index-stable per spec.md §4.2; do not reorder.
var technologyPreference = []string{
	"wcdma_preferred", // 0
	"gsm_only",        // 1
	"wcdma_only",      // 2
	"gsm_wcdma_auto",  // 3
	"lte_gsm_wcdma_auto", // 4
	"lte_only",        // 5
	"lte_wcdma_auto",  // 6
	"nr5g_lte_gsm_wcdma_auto", // 7
	"nr5g_only",       // 8
	"nr5g_lte_auto",   // 9
	"nsa_only",        // 10
}

// modeToPreference maps the simplified API surface onto the daemon's enum.
var modeToPreference = map[NetworkMode]string{
	ModeAuto:     technologyPreference[7], // nr5g/lte/gsm/wcdma auto: broadest fallback
	ModeNR5GOnly: technologyPreference[8],
	ModeLTEOnly:  technologyPreference[5],
	ModeNSAOnly:  technologyPreference[10],
}

// NetworkStatus mirrors ModemState.networkStatus (spec.md §3).
type NetworkStatus string

const (
	StatusUnregistered NetworkStatus = "unregistered"
	StatusRegistered   NetworkStatus = "registered"
	StatusRoaming      NetworkStatus = "roaming"
	StatusDenied       NetworkStatus = "denied"
	StatusUnknown      NetworkStatus = "unknown"
)

// State is a live snapshot of ModemState (spec.md §3), cached at most 1s.
type State struct {
	Slot           Slot
	ModePreference string
	SignalPct      int
	SignalDbm      int
	NetworkStatus  NetworkStatus
	Technology     string
	Band           int
	ICCID          string
	IMEI           string
	IMSI           string
	CapturedAt     time.Time
}

type Modem struct {
	log  *logrus.Logger
	bus  *bus.Client
	path string // current modem object path on the bus

	atMu      sync.Mutex // modemAtMu: the sole serialization point for AT (spec.md §5)
	atTimeout time.Duration

	serial SerialFallback // direct AT fallback when the bus path is unavailable

	cacheMu   sync.RWMutex
	cached    *State
}

func New(log *logrus.Logger, busClient *bus.Client, modemPath string, atTimeout time.Duration) *Modem {
	return &Modem{
		log:       log,
		bus:       busClient,
		path:      modemPath,
		atTimeout: atTimeout,
	}
}

// SetSerialFallback configures the direct serial-port AT transport used
// when sendAt's bus call fails (e.g. oFono hasn't claimed the port yet,
// or has dropped it during a SIM-slot switch). Passing an empty
// PortName disables the fallback.
func (m *Modem) SetSerialFallback(portName string, baudRate int) {
	m.atMu.Lock()
	defer m.atMu.Unlock()
	m.serial = SerialFallback{PortName: portName, BaudRate: baudRate}
}

// SetPath updates the modem object path, e.g. after a SIM-slot switch
// changes which oFono modem object is primary.
func (m *Modem) SetPath(path string) {
	m.atMu.Lock()
	defer m.atMu.Unlock()
	m.path = path
}

func (m *Modem) Path() string {
	m.atMu.Lock()
	defer m.atMu.Unlock()
	return m.path
}

// ExecuteAT enforces the "AT" prefix, serializes across all callers, and
// retries per spec.md §4.2: 8s timeout + 1 retry; "connection closed"
// reinitializes the bus proxy before retrying; "operation already in
// progress" waits 500ms and retries.
func (m *Modem) ExecuteAT(ctx context.Context, cmd string) (string, error) {
	trimmed := strings.TrimSpace(cmd)
	if !strings.HasPrefix(strings.ToUpper(trimmed), "AT") {
		return "", apierr.Invalid("AT command must start with AT: %q", cmd)
	}

	m.atMu.Lock()
	defer m.atMu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, m.atTimeout)
	defer cancel()

	resp, err := m.sendAt(callCtx, trimmed)
	if err == nil {
		return resp, nil
	}

	if strings.Contains(err.Error(), "already in progress") {
		time.Sleep(500 * time.Millisecond)
		callCtx2, cancel2 := context.WithTimeout(ctx, m.atTimeout)
		defer cancel2()
		return m.sendAt(callCtx2, trimmed)
	}

	// One retry on any other failure (bus.Client.Call already reconnects
	// internally on "connection closed").
	callCtx3, cancel3 := context.WithTimeout(ctx, m.atTimeout)
	defer cancel3()
	resp, err2 := m.sendAt(callCtx3, trimmed)
	if err2 != nil {
		return "", apierr.Wrap(apierr.Unavailable, "AT execution failed", err2)
	}
	return resp, nil
}

func (m *Modem) sendAt(ctx context.Context, cmd string) (string, error) {
	out, err := m.bus.Call(ctx, "", m.path, "org.ofono.RadioSettings.SendAtcmd", cmd)
	if err == nil {
		if len(out) == 0 {
			return "", nil
		}
		s, _ := out[0].(string)
		return s, nil
	}

	if m.serial.PortName == "" {
		return "", err
	}
	m.log.WithError(err).Debug("AT over bus failed, trying direct serial port")
	return m.serial.sendAtSerial(ctx, cmd)
}

// SetNetworkMode maps mode onto oFono's TechnologyPreference string enum
// and applies it. With a nil slot it uses the cached modem path; with a
// slot it uses the path the daemon currently reports as the data card —
// the slot value itself does not select the path.
func (m *Modem) SetNetworkMode(ctx context.Context, slot *Slot, mode NetworkMode) error {
	pref, ok := modeToPreference[mode]
	if !ok {
		return apierr.Invalid("unknown network mode %q", mode)
	}

	path := m.Path()
	if slot != nil {
		p, err := m.pathForSlot(ctx, *slot)
		if err != nil {
			return err
		}
		path = p
	}

	_, err := m.bus.Call(ctx, "", path, "org.ofono.RadioSettings.SetProperty", "TechnologyPreference", pref)
	if err != nil {
		return apierr.Wrap(apierr.Unavailable, "set network mode", err)
	}
	return nil
}

func (m *Modem) pathForSlot(ctx context.Context, slot Slot) (string, error) {
	out, err := m.bus.Call(ctx, "", "/", "org.ofono.Manager.GetDataCard")
	if err != nil {
		return "", apierr.Wrap(apierr.Unavailable, "resolve slot path", err)
	}
	if len(out) == 0 {
		return "", apierr.New(apierr.Unavailable, "no data card reported")
	}
	// The daemon reports the active card path; slot selection happens via
	// SwitchSlot below, so by the time this is called the path is current.
	p, _ := out[0].(string)
	if p == "" {
		return "", apierr.New(apierr.Unavailable, "empty data card path")
	}
	_ = slot
	return p, nil
}

// SwitchSlot selects the SIM front-end. On success it updates the modem's
// cached object path for subsequent operations.
func (m *Modem) SwitchSlot(ctx context.Context, slot Slot) error {
	if slot != Slot1 && slot != Slot2 {
		return apierr.Invalid("unknown slot %q", slot)
	}
	_, err := m.bus.Call(ctx, "", "/", "org.ofono.Manager.SetDataCard", string(slot))
	if err != nil {
		return apierr.Wrap(apierr.Unavailable, "switch slot", err)
	}

	out, err := m.bus.Call(ctx, "", "/", "org.ofono.Manager.GetDataCard")
	if err == nil && len(out) > 0 {
		if p, ok := out[0].(string); ok && p != "" {
			m.SetPath(p)
		}
	}
	return nil
}

// SetAirplane toggles radio power via oFono's Modem.SetProperty("Powered").
func (m *Modem) SetAirplane(ctx context.Context, on bool) error {
	_, err := m.bus.Call(ctx, "", m.Path(), "org.ofono.Modem.SetProperty", "Powered", !on)
	if err != nil {
		return apierr.Wrap(apierr.Unavailable, "set airplane mode", err)
	}
	return nil
}

// GetInfo returns a live snapshot, caching for up to 1s (spec.md §3).
func (m *Modem) GetInfo(ctx context.Context) (*State, error) {
	m.cacheMu.RLock()
	if m.cached != nil && time.Since(m.cached.CapturedAt) < time.Second {
		s := *m.cached
		m.cacheMu.RUnlock()
		return &s, nil
	}
	m.cacheMu.RUnlock()

	props, err := m.bus.Call(ctx, "", m.Path(), "org.ofono.Modem.GetProperties")
	if err != nil {
		return nil, apierr.Wrap(apierr.Unavailable, "get modem info", err)
	}

	s := &State{CapturedAt: time.Now()}
	if len(props) > 0 {
		if m2, ok := props[0].(map[string]any); ok {
			fillState(s, m2)
		}
	}

	m.cacheMu.Lock()
	m.cached = s
	m.cacheMu.Unlock()

	out := *s
	return &out, nil
}

func fillState(s *State, props map[string]any) {
	if v, ok := props["Iccid"].(string); ok {
		s.ICCID = v
	}
	if v, ok := props["Serial"].(string); ok {
		s.IMEI = v
	}
	if v, ok := props["SubscriberIdentity"].(string); ok {
		s.IMSI = v
	}
	if v, ok := props["Status"].(string); ok {
		s.NetworkStatus = NetworkStatus(v)
	}
	if v, ok := props["Technology"].(string); ok {
		s.Technology = v
	}
	if v, ok := props["Strength"].(uint8); ok {
		s.SignalPct = int(v)
		s.SignalDbm = StrengthToDbm(int(v))
	}
}

// GetCurrentBand queries the daemon's vendor-specific cell table and
// decodes it into structured cell info (spec.md §6 "/api/current_band").
func (m *Modem) GetCurrentBand(ctx context.Context) (*CellInfo, error) {
	out, err := m.bus.Call(ctx, "", m.Path(), "org.ofono.NetworkMonitor.GetServingCellInformation")
	if err != nil {
		return nil, apierr.Wrap(apierr.Unavailable, "get serving cell information", err)
	}
	var raw string
	if len(out) > 0 {
		raw, _ = out[0].(string)
	}

	table := ParseCellTable(raw)
	info, ok := DecodeCellInfo(table)
	if !ok {
		return nil, apierr.New(apierr.NotFound, "no decodable cell information")
	}
	return info, nil
}

// StrengthToDbm converts a 0..100 signal strength percentage to dBm.
// Resolves spec.md §9's Open Question in favor of the standard 3GPP RSSI
// mapping (dBm = -113 + 2*S), matching the OQ's stated preference.
func StrengthToDbm(strengthPct int) int {
	return -113 + 2*strengthPct
}
