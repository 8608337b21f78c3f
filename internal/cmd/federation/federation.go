// Package federation parses federation service flags and launches the
// service.
package federation

import (
	"context"
	"flag"

	entrypoint "github.com/convene-space/convene/internal/platform/cmd"
	server "github.com/convene-space/convene/internal/services/federation/app"
)

// Config holds federation command configuration.
type Config struct {
	HTTPAddr      string `env:"CONVENE_FEDERATION_HTTP_ADDR" envDefault:":8095"`
	HealthAddr    string `env:"CONVENE_FEDERATION_HEALTH_ADDR" envDefault:":8096"`
	DBPath        string `env:"CONVENE_FEDERATION_DB_PATH" envDefault:"data/federation.db"`
	BaseURL       string `env:"CONVENE_FEDERATION_BASE_URL" envDefault:"http://localhost:8095"`
	AdminSecret   string `env:"CONVENE_FEDERATION_ADMIN_SECRET"`
	SweepSchedule string `env:"CONVENE_FEDERATION_SWEEP_SCHEDULE" envDefault:"@hourly"`
}

// ParseConfig parses environment and flags into Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "The federation HTTP listen address")
	fs.StringVar(&cfg.HealthAddr, "health-addr", cfg.HealthAddr, "The gRPC health listen address (empty disables)")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The sqlite database path")
	fs.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "The public base URL actors are minted under")
	fs.StringVar(&cfg.SweepSchedule, "sweep-schedule", cfg.SweepSchedule, "The cron schedule for the actor expiry sweep")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the federation HTTP service.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceFederation, func(ctx context.Context) error {
		srv, err := server.New(server.Config{
			HTTPAddr:      cfg.HTTPAddr,
			HealthAddr:    cfg.HealthAddr,
			DBPath:        cfg.DBPath,
			BaseURL:       cfg.BaseURL,
			AdminSecret:   cfg.AdminSecret,
			SweepSchedule: cfg.SweepSchedule,
		})
		if err != nil {
			return err
		}
		return srv.Serve(ctx)
	})
}
