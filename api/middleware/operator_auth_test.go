package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/angelmondragon/fulfillment-backoffice/pkg/auth"
	"github.com/angelmondragon/fulfillment-backoffice/pkg/config"
)

func operatorAuthConfig() config.OperatorAuthConfig {
	return config.OperatorAuthConfig{Secret: "gateway-secret", Issuer: "backoffice-gateway", ExpirationMinutes: 5}
}

func TestOperatorAuthRejectsMissingToken(t *testing.T) {
	called := false
	handler := OperatorAuth(operatorAuthConfig(), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/reconcile", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if called {
		t.Fatal("handler must not run without a token")
	}
}

func TestOperatorAuthRejectsForeignSignature(t *testing.T) {
	foreign := operatorAuthConfig()
	foreign.Secret = "other"
	token, err := auth.MintOperatorToken(foreign, time.Now(), "ops-1", "")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	handler := OperatorAuth(operatorAuthConfig(), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/reconcile", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestOperatorAuthOverridesHeader(t *testing.T) {
	cfg := operatorAuthConfig()
	token, err := auth.MintOperatorToken(cfg, time.Now(), "ops-9", "")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	var seen string
	handler := Operator(nil)(OperatorAuth(cfg, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = OperatorFromContext(r.Context())
	})))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/reconcile", nil)
	req.Header.Set(operatorHeader, "spoofed")
	req.Header.Set("Authorization", "bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if seen != "ops-9" {
		t.Fatalf("expected ops-9, got %q", seen)
	}
}
