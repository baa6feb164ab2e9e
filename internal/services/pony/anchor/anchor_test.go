package anchor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	apperrors "github.com/elizatown/town/internal/platform/errors"
)

func TestHTTPRegistryResolve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/resolve" {
			t.Errorf("path = %s", r.URL.Path)
		}
		switch r.URL.Query().Get("erc8004Id") {
		case "eip155:1:0xabc":
			_, _ = w.Write([]byte(`{"houseId":"house-a"}`))
		case "broken":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	reg := NewHTTPRegistry(srv.URL+"/", srv.Client())
	houseID, err := reg.Resolve(context.Background(), "eip155:1:0xabc")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if houseID != "house-a" {
		t.Fatalf("house id = %s, want house-a", houseID)
	}

	if _, err := reg.Resolve(context.Background(), "missing"); !apperrors.HasCode(err, apperrors.CodeAnchorNotFound) {
		t.Fatalf("err = %v, want ANCHOR_NOT_FOUND", err)
	}
	if _, err := reg.Resolve(context.Background(), "broken"); !apperrors.HasCode(err, apperrors.CodeAnchorUnavailable) {
		t.Fatalf("err = %v, want ANCHOR_REGISTRY_UNAVAILABLE", err)
	}
	if _, err := reg.Resolve(context.Background(), " "); !apperrors.HasCode(err, apperrors.CodeDestinationRequired) {
		t.Fatalf("err = %v, want DESTINATION_REQUIRED", err)
	}
}

func TestHTTPRegistryTimesOut(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	reg := NewHTTPRegistry(srv.URL, srv.Client())
	reg.timeout = 50 * time.Millisecond
	start := time.Now()
	_, err := reg.Resolve(context.Background(), "slow")
	if !apperrors.HasCode(err, apperrors.CodeAnchorUnavailable) {
		t.Fatalf("err = %v, want ANCHOR_REGISTRY_UNAVAILABLE", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("resolve did not honor its timeout")
	}
}

func TestUnconfiguredRegistry(t *testing.T) {
	if _, err := (Unconfigured{}).Resolve(context.Background(), "x"); !apperrors.HasCode(err, apperrors.CodeAnchorUnavailable) {
		t.Fatalf("err = %v, want ANCHOR_REGISTRY_UNAVAILABLE", err)
	}
	if _, err := NewHTTPRegistry("", nil).Resolve(context.Background(), "x"); !apperrors.HasCode(err, apperrors.CodeAnchorUnavailable) {
		t.Fatalf("err = %v, want ANCHOR_REGISTRY_UNAVAILABLE", err)
	}
}
