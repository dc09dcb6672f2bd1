package databearer

import "testing"

func TestContextFromPropertiesDecodesKnownFields(t *testing.T) {
	c := contextFromProperties("/context1", map[string]any{
		"Name":                 "internet",
		"Active":               true,
		"AccessPointName":      "internet.apn",
		"Protocol":             "dual",
		"AuthenticationMethod": "chap",
		"Type":                 "internet",
	})
	if c.Path != "/context1" || !c.Active || c.Apn != "internet.apn" || c.Protocol != ProtoDual || c.ContextType != contextTypeInternet {
		t.Fatalf("unexpected decode: %+v", c)
	}
}

func TestSelectInternetContextPrefersNonEmptyApn(t *testing.T) {
	got := selectInternetContext([]ApnContext{
		{Path: "/context1", ContextType: contextTypeInternet, Apn: ""},
		{Path: "/context2", ContextType: "mms"},
		{Path: "/context3", ContextType: contextTypeInternet, Apn: "real.apn"},
	})
	if got.Path != "/context3" {
		t.Fatalf("expected context with non-empty APN, got %+v", got)
	}
}

func TestSelectInternetContextFallsBackToFirstInternet(t *testing.T) {
	got := selectInternetContext([]ApnContext{
		{Path: "/context1", ContextType: "mms"},
		{Path: "/context2", ContextType: contextTypeInternet, Apn: ""},
	})
	if got.Path != "/context2" {
		t.Fatalf("expected first internet context, got %+v", got)
	}
}

func TestSelectInternetContextDefaultsWhenNoneFound(t *testing.T) {
	got := selectInternetContext(nil)
	if got.Path != "/context1" || got.ContextType != contextTypeInternet {
		t.Fatalf("expected default context, got %+v", got)
	}
}
