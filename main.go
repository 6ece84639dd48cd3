package main

import (
	"context"
	"errors"
	"log"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/go-monolith/mono"

	"github.com/example/chat-delivery/config"
	"github.com/example/chat-delivery/metrics"
	"github.com/example/chat-delivery/modules/activity"
	"github.com/example/chat-delivery/modules/api"
	"github.com/example/chat-delivery/modules/broadcast"
	"github.com/example/chat-delivery/modules/directory"
	"github.com/example/chat-delivery/modules/fanout"
	"github.com/example/chat-delivery/modules/gateway"
	"github.com/example/chat-delivery/modules/messagelog"
	"github.com/example/chat-delivery/modules/ratelimit"
	"github.com/example/chat-delivery/modules/room"
	"github.com/example/chat-delivery/modules/roomcache"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	app, err := mono.NewMonoApplication(
		mono.WithShutdownTimeout(cfg.ShutdownTimeout),
		mono.WithLogLevel(mono.LogLevelInfo),
		mono.WithLogFormat(mono.LogFormatText),
	)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	logger := app.Logger()
	m := metrics.New()

	// Create modules
	directoryModule := directory.NewModule(cfg.Directory, logger.WithModule("directory"))
	logModule := messagelog.NewModule(cfg.MessageLog, logger.WithModule("messagelog"))
	cacheModule := roomcache.NewModule(cfg.Cache, logger.WithModule("roomcache"))
	broadcastModule := broadcast.NewModule(m, logger.WithModule("broadcast"))
	fanoutModule := fanout.NewModule(cfg.Fanout, m, logger.WithModule("fanout"))
	gatewayModule := gateway.NewModule(logger.WithModule("gateway"))
	activityModule := activity.NewModule(activity.DefaultFeedSize, m, logger.WithModule("activity"))
	roomModule := room.NewModule(logger.WithModule("room"))
	var limitModule *ratelimit.Module
	if cfg.RateLimit.Enabled() {
		limitModule = ratelimit.NewModule(cfg.RateLimit, logger.WithModule("ratelimit"))
	}
	apiModule := api.NewModule(cfg.HTTP, cfg.Session, m, logger.WithModule("api"))

	// Wire what the service container does not carry. The factories run in
	// Start, after the stores they read from have started.
	fanoutModule.SetSink(broadcastModule.Hub())

	gatewayModule.SetFactory(func() (*gateway.Gateway, error) {
		repo, msgLog := directoryModule.Repository(), logModule.Log()
		if repo == nil || msgLog == nil {
			return nil, errors.New("stores not started")
		}
		return gateway.New(repo, msgLog, fanoutModule.Bus(), cfg.Gateway, m, logger.WithModule("gateway")), nil
	})

	roomModule.SetUpdateSource(fanoutModule.Bus())
	roomModule.SetFactory(func() (*room.Service, error) {
		newRoomID, err := room.NewRoomIDGenerator()
		if err != nil {
			return nil, err
		}
		gw := gatewayModule.Gateway()
		if gw == nil {
			return nil, errors.New("gateway not started")
		}
		return room.NewService(room.Deps{
			Directory: directoryModule.Repository(),
			Log:       logModule.Log(),
			Cache:     cacheModule.Cache(),
			Ingress:   gw,
			Notifier:  fanoutModule.Bus(),
			NewRoomID: newRoomID,
			PageSize:  cfg.HistoryPageSize,
			Metrics:   m,
			Logger:    logger.WithModule("room"),
		}), nil
	})

	apiModule.SetHub(broadcastModule.Hub())
	apiModule.SetActivityFeed(activityModule)
	apiModule.AddHealthCheck("directory", directoryModule)
	apiModule.AddHealthCheck("messagelog", logModule)
	apiModule.AddHealthCheck("roomcache", cacheModule)
	apiModule.AddHealthCheck("broadcast", broadcastModule)
	apiModule.AddHealthCheck("fanout", fanoutModule)
	if limitModule != nil {
		apiModule.SetRequestLimiter(limitModule)
		apiModule.AddHealthCheck("ratelimit", limitModule)
	}

	// Register modules with the framework.
	// Order: stores first, then transport, then the modules built on them.
	// Stop runs in reverse, so the HTTP server goes first and stores last.
	app.Register(directoryModule) // SQLite room directory
	app.Register(logModule)       // Pebble or Redis stream message log
	app.Register(cacheModule)     // Redis room-list cache
	app.Register(broadcastModule) // local session hub
	app.Register(fanoutModule)    // NATS fanout bus
	app.Register(gatewayModule)   // persist-then-publish ingress
	if limitModule != nil {
		app.Register(limitModule) // Redis sliding window for REST
	}
	app.Register(activityModule)  // room event consumer
	app.Register(roomModule)      // room services + event emitter
	app.Register(apiModule)       // HTTP/WebSocket API

	if err := app.Start(context.Background()); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	logger.Info("Chat delivery started",
		"http", cfg.HTTP.Addr,
		"nats", cfg.Fanout.URL,
		"message_log", cfg.MessageLog.Backend,
		"redis", cfg.Cache.RedisAddr,
		"rate_limit", cfg.RateLimit.Enabled(),
	)

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"mono-app": func(ctx context.Context) error {
				logger.Info("Graceful shutdown initiated")
				return app.Stop(ctx)
			},
		},
	)

	exitCode := <-wait
	logger.Info("Application exited", "code", exitCode)
	os.Exit(exitCode)
}
