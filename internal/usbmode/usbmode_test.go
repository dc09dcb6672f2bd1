package usbmode

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func newTestController(t *testing.T) *Controller {
	t.Helper()
	dir := t.TempDir()
	log := logrus.New()
	return New(log, Options{
		GadgetDir:      filepath.Join(dir, "gadget"),
		PersistentPath: filepath.Join(dir, "mode.cfg"),
		TempPath:       filepath.Join(dir, "mode_tmp.cfg"),
		UdcPath:        filepath.Join(dir, "udc"),
	})
}

func TestReadModeTempOverridesPersistent(t *testing.T) {
	c := newTestController(t)

	if err := c.SetMode(ModeECM, true); err != nil {
		t.Fatalf("set persistent: %v", err)
	}
	if err := os.WriteFile(c.tempPath, []byte("3"), 0o644); err != nil {
		t.Fatalf("write temp: %v", err)
	}

	mode, permanent, err := c.ReadMode()
	if err != nil {
		t.Fatalf("read mode: %v", err)
	}
	if mode != ModeRNDIS || permanent {
		t.Fatalf("expected temp (RNDIS, transient) to win, got mode=%v permanent=%v", mode, permanent)
	}
}

func TestSetModePermanentClearsTemp(t *testing.T) {
	c := newTestController(t)

	if err := os.WriteFile(c.tempPath, []byte("2"), 0o644); err != nil {
		t.Fatalf("seed temp: %v", err)
	}
	if err := c.SetMode(ModeNCM, true); err != nil {
		t.Fatalf("set permanent: %v", err)
	}
	if _, err := os.Stat(c.tempPath); !os.IsNotExist(err) {
		t.Fatalf("expected temp file removed after permanent write, stat err=%v", err)
	}

	mode, permanent, err := c.ReadMode()
	if err != nil {
		t.Fatalf("read mode: %v", err)
	}
	if mode != ModeNCM || !permanent {
		t.Fatalf("got mode=%v permanent=%v", mode, permanent)
	}
}

func TestParseMode(t *testing.T) {
	cases := map[string]Mode{"cdc_ncm": ModeNCM, "ncm": ModeNCM, "cdc_ecm": ModeECM, "rndis": ModeRNDIS, "3": ModeRNDIS}
	for in, want := range cases {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseMode("bogus"); err == nil {
		t.Error("expected error for unknown mode")
	}
}
