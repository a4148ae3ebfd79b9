package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/sma-replay/internal/backtest"
	"github.com/amirphl/sma-replay/internal/candle"
	"github.com/amirphl/sma-replay/internal/config"
	"github.com/amirphl/sma-replay/internal/db"
	"github.com/amirphl/sma-replay/internal/feed"
	"github.com/amirphl/sma-replay/internal/report"
	"github.com/amirphl/sma-replay/internal/session"
	"github.com/amirphl/sma-replay/internal/utils"
	"github.com/urfave/cli/v2"
)

const defaultReplayWindow = 24 * time.Hour

var replayCommand = &cli.Command{
	Name:  "replay",
	Usage: "replay the policy once over stored ticks or exchange history",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "symbol", Usage: "instrument, overrides feed.symbol"},
		&cli.TimestampFlag{Name: "from", Layout: time.RFC3339, Usage: "first bar (RFC3339)"},
		&cli.TimestampFlag{Name: "to", Layout: time.RFC3339, Usage: "end of range, exclusive (RFC3339)"},
		&cli.StringFlag{Name: "csv", Usage: "action log path, overrides report.csv_path"},
	},
	Action: runReplay,
}

func runReplay(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if v := c.String("symbol"); v != "" {
		cfg.Feed.Symbol = v
	}
	if v := c.Timestamp("from"); v != nil {
		cfg.Replay.From = *v
	}
	if v := c.Timestamp("to"); v != nil {
		cfg.Replay.To = *v
	}
	if v := c.String("csv"); v != "" {
		cfg.Report.CSVPath = v
	}
	if err := cfg.ValidateReplay(); err != nil {
		return err
	}
	ctx := c.Context
	logger := utils.Component("replay")

	bt, err := backtestConfig(cfg.Strategy)
	if err != nil {
		return err
	}

	store, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	from, to := replayRange(cfg.Replay)
	bars, err := loadBars(ctx, cfg, store, from, to)
	if err != nil {
		return err
	}
	logger.Info().Str("symbol", cfg.Feed.Symbol).Str("source", cfg.Replay.Source).
		Time("from", from).Time("to", to).Int("bars", len(bars)).Msg("bars loaded")

	started := time.Now().UTC()
	res, err := backtest.Replay(candle.BuildTable(bars), bt)
	if err != nil {
		return err
	}

	result := session.CycleResult{
		Seq:       1,
		Symbol:    cfg.Feed.Symbol,
		Mode:      session.ModeFull,
		StartedAt: started,
		Duration:  time.Since(started),
		Bars:      len(res.Rows),
		NewBars:   len(res.Rows),
		Result:    res,
	}

	reporters := []session.Reporter{report.NewCSVWriter(cfg.Report.CSVPath)}
	if store != nil {
		// Bars fetched from the exchange are archived alongside the run.
		if cfg.Replay.Source == "wallex" {
			result.Ticks = bars
		}
		id := runID(cfg.Feed.Symbol, started)
		reporters = append(reporters, report.NewStorageReporter(store, id))
		logger.Info().Str("run_id", id).Msg("persisting run")
	}

	var errs []error
	for _, r := range reporters {
		if err := r.Report(ctx, result); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Name(), err))
		}
	}

	ev := logger.Info().
		Str("policy", res.Policy).
		Int("trades", res.Trades).
		Int("wins", res.Wins).
		Int("losses", res.Losses).
		Float64("equity", res.Equity).
		Float64("max_drawdown", res.MaxDrawdown).
		Str("csv", cfg.Report.CSVPath)
	if res.OpenTrade != nil {
		ev = ev.Float64("open_entry", res.OpenTrade.Entry).Time("open_since", res.OpenTrade.EntryTime)
	}
	ev.Msg("replay done")

	return errors.Join(errs...)
}

func replayRange(r config.ReplayConfig) (time.Time, time.Time) {
	to := r.To
	if to.IsZero() {
		to = time.Now().UTC()
	}
	from := r.From
	if from.IsZero() {
		from = to.Add(-defaultReplayWindow)
	}
	return from, to
}

func loadBars(ctx context.Context, cfg *config.Config, store db.Storage, from, to time.Time) ([]candle.Candle, error) {
	switch cfg.Replay.Source {
	case "wallex":
		history := feed.NewWallexHistory(feed.NewWallexClient(cfg.Feed.WallexAPIKey))
		return history.FetchCandles(ctx, cfg.Feed.Symbol, cfg.Replay.Interval, from, to)
	default:
		if store == nil {
			return nil, errors.New("replay from storage needs storage.driver and storage.dsn")
		}
		return store.GetTicks(ctx, cfg.Feed.Symbol, from, to)
	}
}
