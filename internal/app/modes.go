package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/tickwatch/internal/alert"
	"github.com/alanyoungcy/tickwatch/internal/condition"
	"github.com/alanyoungcy/tickwatch/internal/config"
	"github.com/alanyoungcy/tickwatch/internal/domain"
	"github.com/alanyoungcy/tickwatch/internal/feed"
	"github.com/alanyoungcy/tickwatch/internal/pipeline"
	"github.com/alanyoungcy/tickwatch/internal/platform/marketdata"
	"github.com/alanyoungcy/tickwatch/internal/server"
	"github.com/alanyoungcy/tickwatch/internal/server/handler"
	"github.com/alanyoungcy/tickwatch/internal/server/ws"
	"github.com/alanyoungcy/tickwatch/internal/service"
)

// core is the set of components both run modes share.
type core struct {
	mode      string
	startedAt time.Time

	conn       *feed.ConnManager // nil in poll mode
	registry   *feed.Registry
	dispatcher *feed.Dispatcher
	poller     *feed.Poller

	store   *alert.Store
	engine  *alert.Engine
	alerts  *service.AlertService
	sink    *service.TriggerSink
	prices  *service.PriceService
	monitor *service.FeedMonitor
}

// StreamMode runs the streaming connection with the REST poller as a
// fallback while the stream is down.
func (a *App) StreamMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting stream mode",
		slog.String("ws_url", a.cfg.Feed.WSURL),
		slog.Int("symbols", len(a.cfg.Feed.Symbols)),
	)
	return a.run(ctx, deps, true)
}

// PollMode runs on the REST poller alone.
func (a *App) PollMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting poll mode",
		slog.String("rest_url", a.cfg.Feed.RESTURL),
		slog.Duration("interval", a.cfg.Feed.PollInterval.Duration),
	)
	return a.run(ctx, deps, false)
}

func (a *App) run(ctx context.Context, deps *Dependencies, streaming bool) error {
	c, err := a.buildCore(ctx, deps, streaming)
	if err != nil {
		return err
	}
	defer c.engine.Detach()
	defer c.prices.Unwatch()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.sink.Run(ctx) })
	g.Go(func() error { return c.prices.Run(ctx) })

	if c.poller != nil {
		g.Go(func() error { return c.poller.Run(ctx) })
	}

	if c.conn != nil {
		g.Go(func() error {
			c.conn.Start(ctx)
			<-ctx.Done()
			c.conn.Disconnect()
			return ctx.Err()
		})
	}

	if deps.Archiver != nil {
		archiver := pipeline.NewArchiver(deps.Archiver, deps.LockManager, a.cfg.Archive.RetentionDays, a.logger)
		g.Go(func() error { return archiver.RunCron(ctx, a.cfg.Archive.Cron) })
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, c)
	}

	return g.Wait()
}

// buildCore constructs the feed, the alert engine and the services, loads
// the persisted rules and subscribes the watched symbols.
func (a *App) buildCore(ctx context.Context, deps *Dependencies, streaming bool) (*core, error) {
	cfg := a.cfg
	clock := feed.SystemClock()

	c := &core{mode: config.ModePoll, startedAt: time.Now().UTC()}
	if streaming {
		c.mode = config.ModeStream
	}

	predicates := condition.Default()
	c.store = alert.NewStore(predicates, nil)
	c.sink = service.NewTriggerSink(cfg.Alerts.QueueSize, deps.RuleRepo, deps.AuditStore, deps.SignalBus, deps.Notifier, a.logger)
	tracker := alert.NewTracker(cfg.Alerts.HistoryWindow.Duration, cfg.Alerts.HistoryPoints)
	c.engine = alert.NewEngine(c.store, predicates, c.sink, tracker, nil, a.logger)
	c.alerts = service.NewAlertService(c.store, c.engine, deps.RuleRepo, deps.AuditStore, cfg.Alerts.MaxRules, a.logger)
	c.monitor = service.NewFeedMonitor(deps.SignalBus, deps.Notifier, a.logger)

	// The registry only gets a control sender when there is a stream to
	// send on.
	var sender feed.ControlSender
	if streaming {
		md := marketdata.NewDialer(cfg.Feed.WSURL, deps.FeedToken, cfg.Feed.HandshakeTimeout.Duration)
		dialer := feed.DialerFunc(func(ctx context.Context) (feed.Conn, error) {
			conn, err := md.Dial(ctx)
			if err != nil {
				return nil, err
			}
			return conn, nil
		})
		c.conn = feed.NewConnManager(dialer, clock, feed.Backoff{
			Base:        cfg.Feed.BackoffBase.Duration,
			Cap:         cfg.Feed.BackoffCap.Duration,
			MaxAttempts: cfg.Feed.MaxReconnects,
		}, cfg.Feed.DialTimeout.Duration, a.logger)
		sender = c.conn
	}

	c.registry = feed.NewRegistry(sender, a.logger)
	c.dispatcher = feed.NewDispatcher(c.registry, c.engine, clock, a.logger)

	var active func() bool
	if c.conn != nil {
		c.conn.OnMessage(c.dispatcher.HandleMessage)
		c.conn.OnConnected(c.registry.Resubscribe)
		c.conn.OnDisconnected(c.registry.Reset)
		c.conn.OnStatus(c.monitor.OnStatus)
		c.conn.OnError(c.monitor.OnError)
		conn := c.conn
		active = func() bool { return !conn.Connected() }
	}

	if cfg.Feed.RESTURL != "" {
		rest := marketdata.NewRESTClient(cfg.Feed.RESTURL, deps.FeedToken)
		c.poller = feed.NewPoller(rest, c.registry, c.dispatcher, deps.RateLimiter, active, clock, feed.PollerConfig{
			Interval:   cfg.Feed.PollInterval.Duration,
			RateLimit:  cfg.Feed.PollRateLimit,
			RateWindow: cfg.Feed.PollRateWindow.Duration,
			DedupTTL:   cfg.Feed.DedupTTL.Duration,
		}, a.logger)
	} else if !streaming {
		return nil, fmt.Errorf("app: poll mode requires feed.rest_url")
	}

	c.engine.Attach(c.registry)
	if err := c.alerts.Load(ctx); err != nil {
		return nil, fmt.Errorf("app: load rules: %w", err)
	}

	c.prices = service.NewPriceService(deps.PriceCache, deps.SignalBus, a.logger)
	c.prices.Watch(c.registry, cfg.Feed.Symbols)

	a.logger.InfoContext(ctx, "core ready",
		slog.String("mode", c.mode),
		slog.Int("rules", c.store.Count()),
		slog.Any("symbols", c.registry.Symbols()),
	)
	return c, nil
}

// feedStatus reports the stream state, or the monitor's last view when
// there is no stream.
func (c *core) feedStatus() domain.ConnStatus {
	if c.conn != nil {
		return c.conn.Status()
	}
	return c.monitor.Status()
}

func (c *core) snapshot() handler.StatusSnapshot {
	snap := handler.StatusSnapshot{
		Mode:            c.mode,
		StartedAt:       c.startedAt,
		Dispatch:        c.dispatcher.Stats(),
		Watched:         c.registry.Symbols(),
		AlertSymbols:    c.alerts.Symbols(),
		Rules:           c.store.Count(),
		DroppedTriggers: c.sink.Dropped(),
	}
	if c.conn != nil {
		st := c.conn.Status()
		snap.Feed = &st
	}
	return snap
}

// startHTTPServer adds the WebSocket hub and the API server to g.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, c *core) {
	hub := ws.NewHub(deps.SignalBus, c.registry, ws.Config{
		Mode:      c.mode,
		StartedAt: c.startedAt,
		Status:    c.feedStatus,
	}, a.logger)

	var health handler.FeedStatus
	if c.conn != nil {
		health = c.conn
	}

	var audit handler.AuditReader
	if deps.AuditStore != nil {
		audit = deps.AuditStore
	}

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(health, a.logger),
		Status: handler.NewStatusHandler(c.snapshot),
		Alerts: handler.NewAlertHandler(c.alerts, a.logger),
		Quotes: handler.NewQuoteHandler(c.prices, a.logger),
		Audit:  handler.NewAuditHandler(audit, a.logger),
	}
	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error { return srv.Run(ctx) })
}
