package server

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

const testSealingKey = "0707070707070707070707070707070707070707070707070707070707070707"

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		HTTPAddr:  "127.0.0.1:0",
		DBPath:    filepath.Join(dir, "town.db"),
		LogDBPath: filepath.Join(dir, "houselog.db"),
	}
}

func startServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	srv, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() {
		serveDone <- srv.Serve(runCtx)
	}()
	t.Cleanup(func() {
		runCancel()
		select {
		case serveErr := <-serveDone:
			if serveErr != nil {
				t.Fatalf("serve: %v", serveErr)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for server shutdown")
		}
	})
	return srv
}

func TestServerServesHealthz(t *testing.T) {
	t.Setenv("TOWN_KEY_SEALING_KEY", testSealingKey)
	srv := startServer(t, testConfig(t))

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode healthz: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("body = %v, want ok", body)
	}
	if srv.GRPCAddr() != "" {
		t.Fatalf("grpc addr = %q, want disabled", srv.GRPCAddr())
	}
}

func TestServerIssuesNonces(t *testing.T) {
	t.Setenv("TOWN_KEY_SEALING_KEY", testSealingKey)
	srv := startServer(t, testConfig(t))

	resp, err := http.Get("http://" + srv.Addr() + "/house/nonce")
	if err != nil {
		t.Fatalf("get nonce: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode nonce: %v", err)
	}
	if nonce, _ := body["nonce"].(string); nonce == "" {
		t.Fatalf("body = %v, want nonce", body)
	}
}

func TestServerGRPCHealth(t *testing.T) {
	t.Setenv("TOWN_KEY_SEALING_KEY", testSealingKey)
	cfg := testConfig(t)
	cfg.GRPCAddr = "127.0.0.1:0"
	srv := startServer(t, cfg)

	conn, err := grpc.NewClient(srv.GRPCAddr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial health: %v", err)
	}
	t.Cleanup(func() {
		if closeErr := conn.Close(); closeErr != nil {
			t.Fatalf("close gRPC connection: %v", closeErr)
		}
	})

	client := grpc_health_v1.NewHealthClient(conn)
	for _, service := range []string{"", healthServiceName} {
		resp, err := client.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: service})
		if err != nil {
			t.Fatalf("check %q: %v", service, err)
		}
		if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
			t.Fatalf("status %q = %v, want SERVING", service, resp.GetStatus())
		}
	}
}

func TestServerFallsBackToMemoryLimiter(t *testing.T) {
	t.Setenv("TOWN_KEY_SEALING_KEY", testSealingKey)
	cfg := testConfig(t)
	cfg.RedisAddr = "127.0.0.1:1"
	srv, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	defer srv.Close()
	if srv.limiter != "memory" {
		t.Fatalf("limiter = %q, want memory", srv.limiter)
	}
	if srv.redis != nil {
		t.Fatal("expected redis client to be dropped")
	}
}

func TestNewRequiresSealingKey(t *testing.T) {
	t.Setenv("TOWN_KEY_SEALING_KEY", "")
	t.Setenv("TOWN_KEY_SEALING_KEYS", "")
	_, err := New(context.Background(), testConfig(t))
	if err == nil || !strings.Contains(err.Error(), "sealing keyring") {
		t.Fatalf("err = %v, want sealing keyring error", err)
	}
}

func TestNewFailsOnBusyAddress(t *testing.T) {
	t.Setenv("TOWN_KEY_SEALING_KEY", testSealingKey)
	first := startServer(t, testConfig(t))

	cfg := testConfig(t)
	cfg.HTTPAddr = first.Addr()
	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatal("expected listen error")
	}
}

func TestServeNilServer(t *testing.T) {
	var srv *Server
	if err := srv.Serve(context.Background()); err == nil {
		t.Fatal("expected nil server error")
	}
}
