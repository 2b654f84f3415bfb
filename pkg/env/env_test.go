package env

import "testing"

func TestGetFallsBackOnBlank(t *testing.T) {
	t.Setenv("FULFILLMENT_TEST_VALUE", "  ")
	if got := Get("FULFILLMENT_TEST_VALUE", "json"); got != "json" {
		t.Fatalf("expected fallback, got %q", got)
	}
	t.Setenv("FULFILLMENT_TEST_VALUE", "console")
	if got := Get("FULFILLMENT_TEST_VALUE", "json"); got != "console" {
		t.Fatalf("expected console, got %q", got)
	}
}

func TestBool(t *testing.T) {
	t.Setenv("FULFILLMENT_TEST_FLAG", "true")
	if !Bool("FULFILLMENT_TEST_FLAG", false) {
		t.Fatal("expected true")
	}
	t.Setenv("FULFILLMENT_TEST_FLAG", "nope")
	if !Bool("FULFILLMENT_TEST_FLAG", true) {
		t.Fatal("expected fallback on invalid value")
	}
}
