package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/GoPolymarket/cluster-trader/internal/api"
	"github.com/GoPolymarket/cluster-trader/internal/app"
	"github.com/GoPolymarket/cluster-trader/internal/config"
	"github.com/GoPolymarket/cluster-trader/internal/feed"
	"github.com/GoPolymarket/cluster-trader/internal/logging"
	"github.com/GoPolymarket/cluster-trader/internal/notify"
	"github.com/GoPolymarket/cluster-trader/internal/paper"
	"github.com/GoPolymarket/cluster-trader/internal/strategy"
	"github.com/GoPolymarket/cluster-trader/internal/venue"
	"github.com/GoPolymarket/cluster-trader/internal/venue/bridge"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to config file")
	envPath := flag.String("env", ".env", "path to .env file with secrets")
	phase := flag.String("phase", "", "rollout phase preset: paper|shadow|live-small|live")
	modeOverride := flag.String("mode", "", "override trading mode: paper|live")
	flag.Parse()

	if err := config.LoadDotEnv(*envPath); err != nil {
		logrus.WithError(err).Fatal("load .env")
	}
	cfg, err := config.LoadFile(*cfgPath)
	if err != nil {
		logrus.WithError(err).Warn("config file unreadable, using defaults")
		cfg = config.Default()
	}
	cfg.ApplyEnv()
	if v := strings.ToLower(strings.TrimSpace(*modeOverride)); v != "" {
		cfg.TradingMode = v
	}
	if err := config.ApplyRolloutPhase(&cfg, *phase); err != nil {
		logrus.WithError(err).Fatal("invalid -phase")
	}
	if err := cfg.Validate(); err != nil {
		logrus.WithError(err).Fatal("invalid config")
	}

	log, err := logging.New(logging.Config{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		JSON:       cfg.Log.JSON,
	})
	if err != nil {
		logrus.WithError(err).Fatal("logger")
	}
	log.WithFields(logrus.Fields{
		"symbol":       cfg.Symbol,
		"mode":         cfg.TradingMode,
		"dry_run":      cfg.DryRun,
		"phase":        strings.TrimSpace(*phase),
		"risk_percent": cfg.Risk.RiskPercent,
		"nav_mode":     cfg.Risk.NAVMode,
		"score_source": cfg.Score.Source,
		"confirm":      cfg.Confirm.Enabled,
	}).Info("cluster-trader starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("trader stopped")
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

func run(ctx context.Context, cfg config.Config, log *logrus.Logger) error {
	g, ctx := errgroup.WithContext(ctx)
	metrics := app.NewMetrics()
	quotes := feed.NewQuoteSnapshot()

	// Venue and quote feed. The feed drives the paper simulator and the
	// momentum scorer.
	var (
		gw    venue.Gateway
		src   feed.QuoteSource
		sinks []feed.Sink
		br    *bridge.Client
	)
	if cfg.Bridge.URL != "" {
		br = bridge.New(bridge.Config{
			URL:     cfg.Bridge.URL,
			Token:   cfg.Bridge.Token,
			Timeout: cfg.Bridge.Timeout,
		}, log.WithField("component", "bridge"))
	}
	switch cfg.TradingMode {
	case "live":
		gw, src = br, br
	default:
		sim := paper.NewSimulator(paper.Config{
			Symbol:           cfg.Symbol,
			InitialBalance:   cfg.Paper.InitialBalance,
			CommissionPerLot: cfg.Paper.CommissionPerLot,
			Slippage:         cfg.Paper.Slippage,
			Info: venue.InstrumentInfo{
				Digits:          cfg.Paper.Digits,
				MinLot:          cfg.Paper.MinLot,
				LotStep:         cfg.Paper.LotStep,
				StopLevelPoints: cfg.Paper.StopLevelPoints,
				ValuePerUnit:    cfg.Paper.ValuePerUnit,
			},
		})
		gw = sim
		if br != nil {
			// Paper fills against real bridge prices.
			src = br
		} else {
			src = feed.NewRandomWalk(feed.WalkConfig{
				Start:      cfg.Paper.StartPrice,
				Spread:     cfg.Paper.Spread,
				Volatility: cfg.Paper.Volatility,
				Digits:     cfg.Paper.Digits,
				Seed:       cfg.Paper.Seed,
			})
		}
		sinks = append(sinks, func(q venue.Quote) { sim.SetQuote(q.Bid, q.Ask) })
	}

	var scores strategy.Source
	switch cfg.Score.Source {
	case "signal":
		scores = br.Signal(cfg.Symbol)
	case "static":
		scores = strategy.Static{Buy: cfg.Score.StaticBuy, Sell: cfg.Score.StaticSell}
	default:
		mom := strategy.NewMomentum(strategy.MomentumConfig{Interval: cfg.Score.BarInterval})
		sinks = append(sinks, func(q venue.Quote) { mom.Record((q.Bid+q.Ask)/2, q.Time) })
		scores = mom
	}

	quoteInterval := cfg.Bridge.QuoteInterval
	if quoteInterval <= 0 {
		quoteInterval = cfg.PollInterval
	}
	poller := feed.NewPoller(src, cfg.Symbol, quoteInterval, quotes, log.WithField("component", "feed"), sinks...)
	// Seed the venue before the engine asks it for a first quote.
	if err := poller.PollOnce(ctx); err != nil {
		log.WithError(err).Warn("initial quote unavailable")
	}

	// Outbound events.
	hub := notify.NewHub(log.WithField("component", "ws"))
	publishers := notify.Fanout{hub}
	var (
		tg      *notify.Notifier
		batcher *notify.Batcher
	)
	if cfg.Telegram.Enabled {
		tg = notify.NewNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
		batcher = notify.NewBatcher(tg, notify.BatchConfig{
			FlushDelay: cfg.Telegram.FlushDelay,
			QueueSize:  cfg.Telegram.QueueSize,
			MaxRunes:   cfg.Telegram.MaxBatchRune,
		}, log.WithField("component", "telegram"))
		batcher.OnDrop(metrics.NotificationDropped)
		publishers = append(publishers, batcher)
	}

	engine, err := app.New(cfg, app.Deps{
		Venue:   gw,
		Scores:  scores,
		Events:  publishers,
		Metrics: metrics,
		Log:     log,
	})
	if err != nil {
		return err
	}
	if err := engine.Start(ctx); err != nil {
		return err
	}

	g.Go(func() error { return poller.Run(ctx) })
	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error { return engine.NAVTracker().Run(ctx) })
	g.Go(func() error { return engine.Run(ctx) })
	if batcher != nil {
		g.Go(func() error { return batcher.Run(ctx) })
		if cfg.Telegram.Commands {
			listener := notify.NewListener(tg, cfg.Telegram.ChatID, cfg.Telegram.PollTimeout,
				engine.Submit, tg, log.WithField("component", "telegram-commands"))
			g.Go(func() error { return listener.Run(ctx) })
		}
	}
	if cfg.API.Enabled {
		srv := api.NewServer(api.Config{
			Addr:       cfg.API.Addr,
			StaleAfter: 10 * cfg.PollInterval,
		}, engine, hub, metrics.Handler(), log.WithField("component", "api"))
		g.Go(func() error { return srv.Run(ctx) })
	}

	return g.Wait()
}
