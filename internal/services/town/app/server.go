// Package server wires the town runtime: storage, house and Pony services,
// the HTTP API and an optional gRPC health endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/elizatown/town/internal/platform/config"
	"github.com/elizatown/town/internal/platform/timeouts"
	"github.com/elizatown/town/internal/services/house/ceremony"
	"github.com/elizatown/town/internal/services/house/houseauth"
	"github.com/elizatown/town/internal/services/house/keyseal"
	"github.com/elizatown/town/internal/services/house/logbook"
	"github.com/elizatown/town/internal/services/house/registry"
	"github.com/elizatown/town/internal/services/pony/anchor"
	"github.com/elizatown/town/internal/services/pony/dispatch"
	"github.com/elizatown/town/internal/services/pony/policy"
	"github.com/elizatown/town/internal/services/pony/postage"
	"github.com/elizatown/town/internal/services/pony/ratelimit"
	"github.com/elizatown/town/internal/services/pony/relay"
	"github.com/elizatown/town/internal/services/pony/vault"
	"github.com/elizatown/town/internal/services/town/api/httpapi"
	boltstore "github.com/elizatown/town/internal/storage/bbolt"
	"github.com/elizatown/town/internal/storage/sqlite"
)

const (
	healthServiceName = "town.v1.Relay"
	redisKeyPrefix    = "town:pony:rl:"
)

// Config holds runtime settings. Zero durations and counts fall back to the
// service defaults.
type Config struct {
	HTTPAddr          string
	GRPCAddr          string
	DBPath            string
	LogDBPath         string
	AuthWindow        time.Duration
	NonceTTL          time.Duration
	CeremonyTTL       time.Duration
	RateLimitQuota    int
	RateLimitWindow   time.Duration
	RedisAddr         string
	PowBaseDifficulty int
	PowAnonDifficulty int
	PowVerifyWork     bool
	AnchorRegistryURL string
	LogMaxEntries     int
	PolicyPublicReads bool
}

// Server hosts the town HTTP API, the optional gRPC health endpoint and the
// storage lifecycle.
type Server struct {
	httpListener net.Listener
	httpServer   *http.Server
	grpcListener net.Listener
	grpcServer   *grpc.Server
	health       *health.Server
	store        *sqlite.Store
	logStore     *boltstore.Store
	redis        *redis.Client
	limiter      string
}

// New opens storage, builds every service and binds the listeners.
func New(ctx context.Context, cfg Config) (*Server, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	keyring, err := keyseal.KeyringFromEnv()
	if err != nil {
		return nil, fmt.Errorf("load sealing keyring: %w", err)
	}

	s := &Server{}
	if err := s.openStores(cfg); err != nil {
		s.Close()
		return nil, err
	}

	limiter := s.newLimiter(ctx, cfg)

	houses := registry.NewService(s.store, keyring, registry.WithNonceTTL(cfg.NonceTTL))
	disp := dispatch.New(s.store, []dispatch.Adapter{dispatch.RelayHTTP{}}, dispatch.Fallback{})
	verifier := postage.NewVerifier(disp,
		postage.WithThresholds(postage.Thresholds{Base: cfg.PowBaseDifficulty, Anonymous: cfg.PowAnonDifficulty}),
		postage.WithWorkVerification(cfg.PowVerifyWork),
	)
	policies := policy.NewService(s.store, nil)

	var anchors anchor.Registry = anchor.Unconfigured{}
	if url := strings.TrimSpace(cfg.AnchorRegistryURL); url != "" {
		anchors = anchor.NewHTTPRegistry(url, &http.Client{Timeout: timeouts.AnchorResolve})
	}

	handler := httpapi.NewHandler(httpapi.Deps{
		Auth:       houseauth.NewVerifier(houses, houseauth.WithWindow(cfg.AuthWindow)),
		Ceremonies: ceremony.NewService(s.store, ceremony.WithTTL(cfg.CeremonyTTL)),
		Houses:     houses,
		Logs:       logbook.NewService(s.logStore, logbook.WithMaxEntries(cfg.LogMaxEntries)),
		Relay: relay.NewService(relay.Deps{
			Store:      s.store,
			Houses:     houses,
			Policies:   policies,
			Engine:     policy.NewEngine(verifier, limiter),
			Dispatcher: disp,
			Anchors:    anchors,
		}),
		Policies:          policies,
		Vault:             vault.NewService(s.store, verifier),
		PublicPolicyReads: cfg.PolicyPublicReads,
		Ready:             s.ready,
	})

	if err := s.listen(cfg, handler); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Server) openStores(cfg Config) error {
	dbPath := strings.TrimSpace(cfg.DBPath)
	if dbPath == "" {
		dbPath = filepath.Join("data", "town.db")
	}
	logPath := strings.TrimSpace(cfg.LogDBPath)
	if logPath == "" {
		logPath = filepath.Join("data", "houselog.db")
	}
	for _, path := range []string{dbPath, logPath} {
		if err := config.EnsureParentDir(path); err != nil {
			return fmt.Errorf("create storage dir: %w", err)
		}
	}

	store, err := sqlite.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open town sqlite store: %w", err)
	}
	s.store = store
	logStore, err := boltstore.Open(logPath)
	if err != nil {
		return fmt.Errorf("open house log store: %w", err)
	}
	s.logStore = logStore
	return nil
}

// newLimiter uses Redis when configured and reachable, and the in-process
// limiter otherwise.
func (s *Server) newLimiter(ctx context.Context, cfg Config) ratelimit.Limiter {
	limits := ratelimit.Config{Quota: cfg.RateLimitQuota, Window: cfg.RateLimitWindow}
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		s.limiter = "memory"
		return ratelimit.NewMemory(limits, nil)
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, timeouts.RateLimit)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		log.Printf("redis unavailable, using in-memory rate limits addr=%s err=%v", addr, err)
		s.limiter = "memory"
		return ratelimit.NewMemory(limits, nil)
	}
	s.redis = client
	s.limiter = "redis"
	return ratelimit.NewRedis(client, limits, redisKeyPrefix)
}

func (s *Server) listen(cfg Config, handler http.Handler) error {
	httpAddr := strings.TrimSpace(cfg.HTTPAddr)
	if httpAddr == "" {
		httpAddr = ":8090"
	}
	listener, err := net.Listen("tcp", httpAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", httpAddr, err)
	}
	s.httpListener = listener
	s.httpServer = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: timeouts.ReadHeader,
	}

	grpcAddr := strings.TrimSpace(cfg.GRPCAddr)
	if grpcAddr == "" {
		return nil
	}
	grpcListener, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", grpcAddr, err)
	}
	s.grpcListener = grpcListener
	s.grpcServer = grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	s.health = health.NewServer()
	grpc_health_v1.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(healthServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	return nil
}

func (s *Server) ready(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return err
	}
	if s.redis != nil {
		if err := s.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
	}
	return nil
}

// Addr returns the HTTP listener address.
func (s *Server) Addr() string {
	if s == nil || s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// GRPCAddr returns the gRPC health listener address, or "" when disabled.
func (s *Server) GRPCAddr() string {
	if s == nil || s.grpcListener == nil {
		return ""
	}
	return s.grpcListener.Addr().String()
}

// Run creates and serves a town server until context cancellation.
func Run(ctx context.Context, cfg Config) error {
	server, err := New(ctx, cfg)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Serve runs the listeners until ctx is canceled or one of them fails, then
// shuts everything down.
func (s *Server) Serve(ctx context.Context) error {
	if s == nil {
		return errors.New("server is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	defer s.Close()

	g, gctx := errgroup.WithContext(ctx)
	log.Printf("town http listening at %v", s.httpListener.Addr())
	g.Go(func() error {
		err := s.httpServer.Serve(s.httpListener)
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	})
	if s.grpcServer != nil {
		log.Printf("town grpc health listening at %v", s.grpcListener.Addr())
		g.Go(func() error {
			err := s.grpcServer.Serve(s.grpcListener)
			if err == nil || errors.Is(err, grpc.ErrServerStopped) {
				return nil
			}
			return fmt.Errorf("serve grpc: %w", err)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		if s.health != nil {
			s.health.Shutdown()
		}
		if s.grpcServer != nil {
			s.grpcServer.GracefulStop()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.health != nil {
		s.health.Shutdown()
	}
	if s.grpcServer != nil {
		s.grpcServer.Stop()
	}
	if s.httpServer != nil {
		_ = s.httpServer.Close()
	}
	if s.httpListener != nil {
		_ = s.httpListener.Close()
	}
	if s.grpcListener != nil {
		_ = s.grpcListener.Close()
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			log.Printf("close redis client: %v", err)
		}
	}
	if s.logStore != nil {
		if err := s.logStore.Close(); err != nil {
			log.Printf("close house log store: %v", err)
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close town store: %v", err)
		}
	}
}
