// Package town parses town server flags and launches the service.
package town

import (
	"context"
	"flag"
	"time"

	entrypoint "github.com/elizatown/town/internal/platform/cmd"
	server "github.com/elizatown/town/internal/services/town/app"
)

// Config holds town command configuration.
type Config struct {
	HTTPAddr          string        `env:"TOWN_HTTP_ADDR" envDefault:":8090"`
	GRPCAddr          string        `env:"TOWN_GRPC_ADDR"`
	DBPath            string        `env:"TOWN_DB_PATH" envDefault:"data/town.db"`
	LogDBPath         string        `env:"TOWN_LOG_DB_PATH" envDefault:"data/houselog.db"`
	AuthWindow        time.Duration `env:"TOWN_AUTH_WINDOW" envDefault:"5m"`
	NonceTTL          time.Duration `env:"TOWN_NONCE_TTL" envDefault:"10m"`
	CeremonyTTL       time.Duration `env:"TOWN_CEREMONY_TTL" envDefault:"1h"`
	RateLimitQuota    int           `env:"TOWN_RATE_LIMIT_QUOTA" envDefault:"20"`
	RateLimitWindow   time.Duration `env:"TOWN_RATE_LIMIT_WINDOW" envDefault:"1h"`
	RedisAddr         string        `env:"TOWN_REDIS_ADDR"`
	PowBaseDifficulty int           `env:"TOWN_POW_BASE_DIFFICULTY" envDefault:"4"`
	PowAnonDifficulty int           `env:"TOWN_POW_ANON_DIFFICULTY" envDefault:"8"`
	PowVerifyWork     bool          `env:"TOWN_POW_VERIFY_WORK" envDefault:"false"`
	AnchorRegistryURL string        `env:"TOWN_ANCHOR_REGISTRY_URL"`
	LogMaxEntries     int           `env:"TOWN_LOG_MAX_ENTRIES" envDefault:"200"`
	PolicyPublicReads bool          `env:"TOWN_POLICY_PUBLIC_READS" envDefault:"false"`
}

// ParseConfig parses environment and flags into Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP listen address")
	fs.StringVar(&cfg.GRPCAddr, "grpc-addr", cfg.GRPCAddr, "gRPC health listen address (empty disables)")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.LogDBPath, "log-db", cfg.LogDBPath, "bbolt database path for house logs")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for shared rate limits")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ServerConfig maps command configuration onto the runtime configuration.
func (c Config) ServerConfig() server.Config {
	return server.Config{
		HTTPAddr:          c.HTTPAddr,
		GRPCAddr:          c.GRPCAddr,
		DBPath:            c.DBPath,
		LogDBPath:         c.LogDBPath,
		AuthWindow:        c.AuthWindow,
		NonceTTL:          c.NonceTTL,
		CeremonyTTL:       c.CeremonyTTL,
		RateLimitQuota:    c.RateLimitQuota,
		RateLimitWindow:   c.RateLimitWindow,
		RedisAddr:         c.RedisAddr,
		PowBaseDifficulty: c.PowBaseDifficulty,
		PowAnonDifficulty: c.PowAnonDifficulty,
		PowVerifyWork:     c.PowVerifyWork,
		AnchorRegistryURL: c.AnchorRegistryURL,
		LogMaxEntries:     c.LogMaxEntries,
		PolicyPublicReads: c.PolicyPublicReads,
	}
}

// Run starts the town relay.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceTown, func(ctx context.Context) error {
		return server.Run(ctx, cfg.ServerConfig())
	})
}
