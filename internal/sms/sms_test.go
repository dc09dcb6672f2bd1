package sms

import "testing"

func TestHexRoundTripArbitraryBytes(t *testing.T) {
	// The hex encoding used for the content_hex column round-trips
	// arbitrary bytes bit-for-bit (the basis of spec.md §8 invariant 2).
	cases := [][]byte{
		{},
		[]byte("hello"),
		{0x00, 0xff, 0x7f, 0x80},
		[]byte("emoji-ish \xe2\x98\x83 content"),
	}
	for _, c := range cases {
		enc := encodeHex(c)
		dec := decodeHex(enc)
		if string(dec) != string(c) {
			t.Errorf("round trip mismatch: got %v want %v", dec, c)
		}
	}
}

func TestIsSuccessfulDeliveryRejectsErrorMarkers(t *testing.T) {
	cases := []struct {
		resp string
		want bool
	}{
		{"", false},
		{"curl: (6) Could not resolve host", false},
		{"Connection refused", false},
		{"Connection timed out", false},
		{`{"ok":true}`, true},
	}
	for _, c := range cases {
		if got := isSuccessfulDelivery(c.resp); got != c.want {
			t.Errorf("isSuccessfulDelivery(%q) = %v, want %v", c.resp, got, c.want)
		}
	}
}

func TestClampIntBounds(t *testing.T) {
	if got := clampInt(5, minMaxInbox, maxMaxInbox); got != minMaxInbox {
		t.Errorf("expected clamp to min, got %d", got)
	}
	if got := clampInt(500, minMaxInbox, maxMaxInbox); got != maxMaxInbox {
		t.Errorf("expected clamp to max, got %d", got)
	}
	if got := clampInt(50, minMaxInbox, maxMaxInbox); got != 50 {
		t.Errorf("expected passthrough, got %d", got)
	}
}

func TestParseIDOrZero(t *testing.T) {
	if ParseID("42") != 42 {
		t.Error("expected 42")
	}
	if ParseID("not-a-number") != 0 {
		t.Error("expected 0 for invalid input")
	}
}
