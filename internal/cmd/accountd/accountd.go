// Package accountd parses daemon flags and runs the account engine process.
package accountd

import (
	"context"
	"flag"
	"log"
	"time"

	server "github.com/ewalde/accountd/internal/accounts/app"
	"github.com/ewalde/accountd/internal/accounts/authenticator"
	"github.com/ewalde/accountd/internal/platform/config"
	"github.com/ewalde/accountd/internal/platform/otel"
)

// Config holds accountd command configuration.
type Config struct {
	Port           int           `env:"PORT" envDefault:"8290"`
	DataDir        string        `env:"DATA_DIR" envDefault:"data/accounts"`
	SessionTimeout time.Duration `env:"SESSION_TIMEOUT"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}

	fs.IntVar(&cfg.Port, "port", cfg.Port, "The accountd gRPC server port")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Directory holding per-user account databases")
	fs.DurationVar(&cfg.SessionTimeout, "session-timeout", cfg.SessionTimeout, "Authenticator response deadline (0 uses the default)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the accountd daemon.
func Run(ctx context.Context, cfg Config) error {
	shutdown, err := otel.Setup(ctx, "accountd")
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			log.Printf("otel shutdown: %v", err)
		}
	}()

	return server.Run(ctx, server.Options{
		Port:           cfg.Port,
		DataDir:        cfg.DataDir,
		Registry:       authenticator.NewRegistry(),
		SessionTimeout: cfg.SessionTimeout,
	})
}
