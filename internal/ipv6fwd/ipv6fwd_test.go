package ipv6fwd

import "testing"

func TestValidatePortBounds(t *testing.T) {
	if err := validatePort(0); err == nil {
		t.Error("expected error for port 0")
	}
	if err := validatePort(65536); err == nil {
		t.Error("expected error for port 65536")
	}
	if err := validatePort(8080); err != nil {
		t.Errorf("expected valid port, got %v", err)
	}
}

func TestEnabledPortsCSV(t *testing.T) {
	rules := []Rule{
		{Ipv6Port: 8080, Enabled: true},
		{Ipv6Port: 9090, Enabled: false},
		{Ipv6Port: 7070, Enabled: true},
	}
	got := enabledPortsCSV(rules)
	want := "8080,7070"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestLinkList(t *testing.T) {
	rules := []Rule{
		{Ipv6Port: 8080, Enabled: true},
		{Ipv6Port: 9090, Enabled: false},
	}
	got := linkList("2001:db8::1", rules)
	want := "[2001:db8::1]:8080"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
