package modem

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial"
)

// SerialFallback dials the modem's AT command port directly when the bus
// path is unavailable (spec.md §9 ambient stack addition: the daemon
// normally proxies AT over oFono's RadioSettings.SendAtcmd, but that
// method only exists while oFono actually owns the port). Grounded on
// i4energy-sms-gateway's transport.go SerialDialer.
type SerialFallback struct {
	PortName string
	BaudRate int
}

// dial opens the serial port, racing against ctx cancellation the same
// way the pack's SerialDialer does, since serial.Open has no context
// parameter of its own.
func (f SerialFallback) dial(ctx context.Context) (serial.Port, error) {
	if f.PortName == "" {
		return nil, errors.New("modem: serial port name is required")
	}
	mode := &serial.Mode{BaudRate: f.BaudRate}
	if mode.BaudRate == 0 {
		mode.BaudRate = 115200
	}

	type result struct {
		p   serial.Port
		err error
	}
	ch := make(chan result, 1)
	go func() {
		p, err := serial.Open(f.PortName, mode)
		ch <- result{p: p, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			r := <-ch
			if r.err == nil && r.p != nil {
				_ = r.p.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("open serial port %q: %w", f.PortName, r.err)
		}
		return r.p, nil
	}
}

// sendAtSerial writes cmd terminated with CR and reads lines until "OK",
// "ERROR", or a "+CME ERROR"/"+CMS ERROR" line, or ctx expires.
func (f SerialFallback) sendAtSerial(ctx context.Context, cmd string) (string, error) {
	port, err := f.dial(ctx)
	if err != nil {
		return "", err
	}
	defer port.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = port.SetReadTimeout(time.Until(deadline))
	}

	if _, err := port.Write([]byte(cmd + "\r")); err != nil {
		return "", fmt.Errorf("write AT command: %w", err)
	}

	var lines []string
	scanner := bufio.NewScanner(port)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lines = append(lines, line)
		if line == "OK" {
			break
		}
		if line == "ERROR" || strings.HasPrefix(line, "+CME ERROR") || strings.HasPrefix(line, "+CMS ERROR") {
			return strings.Join(lines, "\n"), fmt.Errorf("modem reported: %s", line)
		}
		select {
		case <-ctx.Done():
			return strings.Join(lines, "\n"), ctx.Err()
		default:
		}
	}
	return strings.Join(lines, "\n"), nil
}
