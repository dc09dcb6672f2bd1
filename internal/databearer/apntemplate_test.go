package databearer

import "testing"

func TestApnModeConstants(t *testing.T) {
	if ApnModeAuto != 0 || ApnModeManual != 1 {
		t.Fatalf("unexpected apn mode values: auto=%d manual=%d", ApnModeAuto, ApnModeManual)
	}
}

func TestRequireApnStoreFailsWithoutInit(t *testing.T) {
	d := &DataBearer{}
	if _, err := d.requireApnStore(); err == nil {
		t.Fatal("expected error when apn store not initialised")
	}
}
