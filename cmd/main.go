package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/amirphl/sma-replay/internal/backtest"
	"github.com/amirphl/sma-replay/internal/config"
	"github.com/amirphl/sma-replay/internal/db"
	"github.com/amirphl/sma-replay/internal/db/conf"
	"github.com/amirphl/sma-replay/internal/strategy"
	"github.com/amirphl/sma-replay/internal/utils"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "sma-replay",
		Usage: "replay a dual moving-average policy over live or stored ticks",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML config file",
				EnvVars: []string{"SMA_REPLAY_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			liveCommand,
			replayCommand,
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := app.RunContext(ctx, os.Args)
	stop()
	if err != nil {
		utils.GetLogger().Fatal().Err(err).Msg("sma-replay failed")
	}
}

// loadConfig reads the config named by --config and sets up logging.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if err := utils.SetupLogger(cfg.Log); err != nil {
		return nil, err
	}
	return cfg, nil
}

func backtestConfig(s config.StrategyConfig) (backtest.Config, error) {
	policy, err := strategy.New(s.Policy, strategy.Options{WarmupEntry: s.WarmupEntry})
	if err != nil {
		return backtest.Config{}, err
	}
	cfg := backtest.Config{
		Params: strategy.Params{Fast: s.Fast, Slow: s.Slow},
		Policy: policy,
	}
	return cfg, cfg.Validate()
}

// openStorage returns nil when no driver is configured.
func openStorage(ctx context.Context, s config.StorageConfig) (db.Storage, error) {
	if s.Driver == "" {
		return nil, nil
	}
	store, err := db.New(ctx, conf.Config{
		Driver:  s.Driver,
		DSN:     s.DSN,
		MaxOpen: s.MaxOpen,
		MaxIdle: s.MaxIdle,
	})
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	utils.GetLogger().Info().Str("driver", s.Driver).Msg("storage ready")
	return store, nil
}

func runID(symbol string, at time.Time) string {
	return fmt.Sprintf("%s-%s", strings.ToUpper(symbol), at.UTC().Format("20060102T150405Z"))
}
