package main

import (
	"context"
	"time"

	"github.com/amirphl/sma-replay/internal/config"
	"github.com/amirphl/sma-replay/internal/db"
	"github.com/amirphl/sma-replay/internal/feed"
	"github.com/amirphl/sma-replay/internal/journal"
	"github.com/amirphl/sma-replay/internal/metrics"
	"github.com/amirphl/sma-replay/internal/notifier"
	"github.com/amirphl/sma-replay/internal/report"
	"github.com/amirphl/sma-replay/internal/session"
	"github.com/amirphl/sma-replay/internal/utils"
	"github.com/urfave/cli/v2"
)

// Breeze stamps bars in exchange local time without a zone.
var breezeZone = time.FixedZone("IST", 5*3600+1800)

var liveCommand = &cli.Command{
	Name:   "live",
	Usage:  "stream ticks and replay the policy on every cycle",
	Action: runLive,
}

func runLive(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	ctx := c.Context
	logger := utils.Component("live")

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

	rec := metrics.New()
	reporters := []session.Reporter{report.NewCSVWriter(cfg.Report.CSVPath)}
	opts := []session.Option{session.WithMetrics(rec)}

	if store != nil {
		id := runID(cfg.Feed.Symbol, time.Now())
		logger.Info().Str("run_id", id).Msg("persisting run")
		reporters = append(reporters, report.NewStorageReporter(store, id))
		opts = append(opts, session.WithJournal(store))
	}

	if cfg.Report.HTTPAddr != "" {
		srv := report.NewHTTPServer(cfg.Report.HTTPAddr, rec.Handler())
		srv.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Stop(shutdownCtx); err != nil {
				logger.Warn().Err(err).Msg("http server shutdown")
			}
		}()
		reporters = append(reporters, srv)
	}

	if k := cfg.Report.Kafka; len(k.Brokers) > 0 {
		pub, err := report.NewKafkaPublisher(k.Brokers, k.Topic, k.WriteTimeout)
		if err != nil {
			return err
		}
		defer pub.Close()
		reporters = append(reporters, pub)
	}

	if t := cfg.Report.Telegram; t.Token != "" && t.ChatID != "" {
		n := notifier.NewTelegramNotifier(t.Token, t.ChatID, t.Retries, t.Delay)
		reporters = append(reporters, report.NewNotifyReporter(n))
	}
	opts = append(opts, session.WithReporters(reporters...))

	src, parser := newSource(cfg.Feed)
	sess, err := session.New(session.Config{
		Symbol:     cfg.Feed.Symbol,
		Backtest:   bt,
		Mode:       cfg.Cycle.Mode,
		Trigger:    cfg.Cycle.Trigger,
		EveryTicks: cfg.Cycle.EveryTicks,
		Schedule:   cfg.Cycle.Schedule,
		MaxTicks:   cfg.Cycle.MaxTicks,
	}, parser, opts...)
	if err != nil {
		return err
	}

	journalFeed(ctx, store, src.Name(), "feed started", cfg.Feed.Symbol)
	err = sess.Run(ctx, src)
	journalFeed(context.Background(), store, src.Name(), "feed stopped", cfg.Feed.Symbol)
	if err != nil {
		return err
	}

	logger.Info().Int64("ticks", sess.Ingestor().Count()).Msg("shut down")
	return nil
}

func newSource(f config.FeedConfig) (feed.Source, feed.Parser) {
	parser := feed.Parser{Symbol: f.Symbol, Source: f.Source}
	if f.Source == "wallex" {
		parser.Interval = "tick"
		client := feed.NewWallexClient(f.WallexAPIKey)
		return feed.NewWallexSource(client, f.Symbol, f.PollInterval), parser
	}

	parser.Interval = f.Interval
	parser.Location = breezeZone
	return feed.NewWebsocketSource(feed.WebsocketConfig{
		URL:           f.URL,
		APIKey:        f.APIKey,
		APISecret:     f.APISecret,
		SessionToken:  f.SessionToken,
		StockToken:    f.StockToken,
		Interval:      f.Interval,
		MaxReconnects: f.MaxReconnects,
	}), parser
}

func journalFeed(ctx context.Context, store db.Storage, source, what, symbol string) {
	if store == nil {
		return
	}
	err := store.LogEvent(ctx, journal.Event{
		Time:        time.Now().UTC(),
		Type:        journal.TypeFeed,
		Description: what,
		Data:        map[string]any{"source": source, "symbol": symbol},
	})
	if err != nil {
		utils.GetLogger().Warn().Err(err).Msg("journal feed event")
	}
}
