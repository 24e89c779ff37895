package pairing

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRegisterDevice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/test-realm/agent/devices" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"credentials_secret": "c2VjcmV0LXZhbHVlLTEyMzQ1Njc4OTAxMjM0"},
		})
	}))
	defer srv.Close()

	p := NewHTTPPairing(srv.URL, "test-realm", "device-1")
	secret, err := p.RegisterDevice(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if secret == "" {
		t.Fatal("expected non-empty credentials secret")
	}
}

func TestGetBrokerURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer the-secret" {
			t.Errorf("missing/incorrect bearer token: %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"protocols": map[string]any{
					"astarte_mqtt_v1": map[string]any{"broker_url": "mqtts://broker.example.com:8883"},
				},
			},
		})
	}))
	defer srv.Close()

	p := NewHTTPPairing(srv.URL, "test-realm", "device-1")
	u, err := p.GetBrokerURL(context.Background(), "the-secret")
	if err != nil {
		t.Fatal(err)
	}
	if u != "mqtts://broker.example.com:8883" {
		t.Fatalf("got %q", u)
	}
}

func TestHTTPErrorWrapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("forbidden"))
	}))
	defer srv.Close()

	p := NewHTTPPairing(srv.URL, "test-realm", "device-1")
	if _, err := p.RegisterDevice(context.Background()); err == nil {
		t.Fatal("expected error on HTTP 403")
	}
}

func TestGenerateCSRHasExpectedCommonName(t *testing.T) {
	keyPEM, csrPEM, err := generateCSR("test-realm", "device-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(keyPEM) == 0 || len(csrPEM) == 0 {
		t.Fatal("expected non-empty key and csr PEM")
	}
	block, _ := pem.Decode(csrPEM)
	if block == nil {
		t.Fatal("csr PEM did not decode")
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		t.Fatal(err)
	}
	if csr.Subject.CommonName != "test-realm/device-1" {
		t.Fatalf("CommonName = %q, want %q", csr.Subject.CommonName, "test-realm/device-1")
	}
}
