// README: Entry point; loads config, wires services, starts HTTP server, the heartbeat sweep and the assignment queue consumer.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"swiftdispatch/internal/auth"
	"swiftdispatch/internal/clients"
	"swiftdispatch/internal/clock"
	"swiftdispatch/internal/config"
	"swiftdispatch/internal/events"
	"swiftdispatch/internal/geo"
	httptransport "swiftdispatch/internal/http"
	"swiftdispatch/internal/infra"
	"swiftdispatch/internal/maps"
	"swiftdispatch/internal/modules/assignment"
	"swiftdispatch/internal/modules/eta"
	"swiftdispatch/internal/modules/heatmap"
	"swiftdispatch/internal/modules/location"
	"swiftdispatch/internal/modules/matching"
	"swiftdispatch/internal/queue"
)

func main() {
	envFile := pflag.String("env-file", "", "optional KEY=value file read before the environment")
	addr := pflag.String("addr", "", "listen address (overrides http_addr)")
	pflag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}
	log := infra.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("dispatch-api exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	clk := clock.Real()

	dbPool, err := infra.NewDB(ctx, cfg.DBDSN)
	if err != nil {
		return err
	}
	defer dbPool.Close()

	redisClient := infra.NewRedis(infra.RedisOptions{
		Addr:        cfg.RedisAddr,
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		DialTimeout: cfg.RedisDialTimeout,
		ReadTimeout: cfg.RedisReadTimeout,
		MaxRetries:  cfg.RedisMaxRetries,
	})
	defer redisClient.Close()

	var publisher events.Publisher = events.Nop{}
	if brokers := cfg.Brokers(); len(brokers) > 0 {
		producer, err := infra.NewKafkaProducer(brokers)
		if err != nil {
			return err
		}
		kp := events.NewKafkaPublisher(producer, cfg.KafkaTopic)
		defer kp.Close()
		publisher = kp
		log.Info("publishing dispatch events", "brokers", brokers, "topic", cfg.KafkaTopic)
	}

	signer := auth.NewSigner(cfg.ServiceJWTSecret, 5*time.Minute)
	httpc := &http.Client{}
	orders := clients.NewOrderClient(cfg.OrderServiceURL, cfg.CollaboratorTimeout, httpc, signer)
	notifier := clients.NewNotificationClient(cfg.NotificationServiceURL, cfg.CollaboratorTimeout, httpc, signer)

	heatmapSvc := heatmap.NewService(heatmap.NewRedisStore(redisClient), geo.NewGrid(cfg.HeatmapResolution), heatmap.Config{
		Window:         cfg.HeatmapWindow(),
		SurgeThreshold: cfg.SurgeThreshold,
		SurgeCap:       cfg.SurgeCap,
		SurgeCacheTTL:  cfg.SurgeCacheTTL,
	}, clk, log.With("module", "heatmap"))

	locationSvc := location.NewService(location.NewRedisStore(redisClient), geo.NewGrid(cfg.GridResolution), location.Config{
		HeartbeatTTL:    cfg.HeartbeatTTL(),
		QueryTimeout:    cfg.IndexQueryTimeout,
		CleanupInterval: cfg.CleanupInterval(),
	}, clk, log.With("module", "location")).WithSupply(heatmapSvc)

	var distance eta.Distancer
	if cfg.GoogleMapsAPIKey != "" {
		routes, err := maps.NewRouteService(cfg.GoogleMapsAPIKey)
		if err != nil {
			return err
		}
		distance = routes
	}
	etaSvc := eta.NewService(eta.NewRedisCache(redisClient), distance, eta.Config{
		CacheTTL:     cfg.ETACacheTTL,
		LockTTL:      cfg.ETALockTTL,
		StampedeWait: cfg.ETAStampedeWait,
	}, clk, log.With("module", "eta"))

	assignmentSvc := assignment.NewService(assignment.NewPGStore(dbPool), orders, publisher, clk, log.With("module", "assignment"))

	deps := matching.Deps{
		Index:     locationSvc,
		ETA:       etaSvc,
		Surge:     heatmapSvc,
		Committer: assignmentSvc,
		Orders:    orders,
		Notifier:  notifier,
		Attempts:  matching.NewRedisStore(redisClient),
	}
	if cfg.ScorerURL != "" {
		scorer := clients.NewScorerClient(cfg.ScorerURL, cfg.ScorerTimeout, httpc, signer)
		deps.Remote = matching.NewRemoteScorer(scorer, cfg.ScorerCooldown, clk)
	}
	matchingSvc := matching.NewService(deps, matching.Config{RadiusKm: cfg.MatchRadiusKm}, clk, log.With("module", "matching"))

	handler := httptransport.NewServer(httptransport.ServerDeps{
		Location:   locationSvc,
		ETA:        etaSvc,
		Heatmap:    heatmapSvc,
		Matching:   matchingSvc,
		Assignment: assignmentSvc,
		Signer:     signer,
		Clock:      clk,
		Log:        log.With("module", "http"),
	})
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go locationSvc.RunCleanup(ctx)
	if cfg.AMQPURL != "" {
		consumer := queue.NewConsumer(queue.Config{
			URL:         cfg.AMQPURL,
			Queue:       cfg.AMQPQueue,
			RetryDelay:  cfg.AMQPRetryDelay,
			MaxAttempts: cfg.AMQPMaxAttempts,
		}, matchingSvc, log.With("module", "queue"))
		go consumer.Run(ctx)
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.HTTPAddr)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log.Info("shutting down")
	return server.Shutdown(shutdownCtx)
}
