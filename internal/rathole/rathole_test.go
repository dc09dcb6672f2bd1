package rathole

import (
	"strings"
	"testing"
)

func TestRenderClientTOMLMatchesScenarioF(t *testing.T) {
	cfg := Config{ServerAddr: "198.51.100.5:2333"}
	services := []Service{{Name: "web", Token: "t1", LocalAddr: "127.0.0.1:80", Enabled: true}}

	doc, err := renderClientTOML(cfg, services)
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	for _, want := range []string{
		`remote_addr = "198.51.100.5:2333"`,
		"[client.services.web]",
		`token = "t1"`,
		`local_addr = "127.0.0.1:80"`,
	} {
		if !strings.Contains(doc, want) {
			t.Errorf("rendered toml missing %q:\n%s", want, doc)
		}
	}
}

func TestIsASCIIRejectsNonASCIIServiceNames(t *testing.T) {
	if isASCII("café") {
		t.Error("expected non-ASCII name to be rejected")
	}
	if !isASCII("web-1") {
		t.Error("expected ASCII name to pass")
	}
}

func TestSplitHostPort(t *testing.T) {
	host, port, err := splitHostPort("198.51.100.5:2333")
	if err != nil || host != "198.51.100.5" || port != "2333" {
		t.Fatalf("got host=%q port=%q err=%v", host, port, err)
	}
}
