// Package main is the entry point for the llmgateway service.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/howard-nolan/llmgateway/internal/breaker"
	"github.com/howard-nolan/llmgateway/internal/cache"
	"github.com/howard-nolan/llmgateway/internal/config"
	"github.com/howard-nolan/llmgateway/internal/failover"
	"github.com/howard-nolan/llmgateway/internal/kv"
	"github.com/howard-nolan/llmgateway/internal/metrics"
	"github.com/howard-nolan/llmgateway/internal/orchestrator"
	"github.com/howard-nolan/llmgateway/internal/pool"
	"github.com/howard-nolan/llmgateway/internal/provider"
	"github.com/howard-nolan/llmgateway/internal/queue"
	"github.com/howard-nolan/llmgateway/internal/ratelimit"
	"github.com/howard-nolan/llmgateway/internal/resilience"
	"github.com/howard-nolan/llmgateway/internal/server"
	"github.com/howard-nolan/llmgateway/internal/tracker"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	kvClient := kv.New(cfg.KV)
	defer kvClient.Close()

	cacheMgr := cache.New(kvClient, cfg.Cache.L1MaxSize, cfg.Cache.L2DefaultTTL, cfg.Cache.L2Required, log)
	poolMgr := pool.New(kvClient, cfg.Pool.MaxConcurrentConnections, cfg.Pool.MaxConnectionsPerUser,
		cfg.Pool.DegradedThreshold, cfg.Pool.CriticalThreshold, log)
	trk := tracker.New(cfg.Tracker.Enabled, cfg.Tracker.SampleRate, 500)
	limiter := ratelimit.New(cfg.RateLimit.DefaultPerMinute, cfg.RateLimit.PremiumPerMinute, cfg.RateLimit.Burst)

	registry, err := buildRegistry(cfg, kvClient, log)
	if err != nil {
		log.Error("failed to build provider registry", "error", err)
		os.Exit(1)
	}

	fakeRegistry := provider.NewRegistry()
	fakeRegistry.Register(provider.NewFakeProvider(), nil)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	retryCfg := resilience.Config{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay,
		MaxDelay:   cfg.Retry.MaxDelay,
	}
	orch := orchestrator.New(cacheMgr, poolMgr, registry, trk, retryCfg, cfg.Cache.L2DefaultTTL,
		orchestrator.Timeouts{
			FirstChunk:   cfg.Timeouts.FirstChunk,
			TotalRequest: cfg.Timeouts.TotalRequest,
			Heartbeat:    cfg.Timeouts.Heartbeat,
		}, log)
	orch.SetCachingEnabled(cfg.Features.EnableCaching)
	if cfg.Features.UseFakeLLM {
		orch.SetRegistry(fakeRegistry)
	}

	bus, err := queue.New(cfg.Queue, kvClient, "llmgateway:failover", cfg.Queue.KafkaConsumerGroup)
	if err != nil {
		log.Error("failed to build message bus", "error", err)
		os.Exit(1)
	}
	if err := bus.Initialize(context.Background()); err != nil {
		log.Error("failed to initialize message bus", "error", err)
		os.Exit(1)
	}

	shedder := queue.NewLoadShedder(bus, cfg.Queue.MaxDepth, cfg.Queue.BackpressureThreshold,
		cfg.Queue.LoadShedRatePerSecond, cfg.Queue.LoadShedBurst,
		cfg.Queue.BackpressureMaxRetries, cfg.Queue.BackpressureBaseDelay, cfg.Queue.BackpressureMaxDelay)

	publisher := failover.NewPublisher(kvClient, shedder, cfg.Queue.FailoverTimeout, log)
	orch.SetPublisher(publisher)
	orch.SetMetrics(m)

	consumer := failover.NewConsumerWorker(bus, kvClient, poolMgr, orch.RunPipeline,
		consumerName(), cfg.Queue.ConsumeBatchSize, cfg.Queue.ConsumeBlock,
		cfg.Queue.FailoverTimeout, cfg.Queue.FailoverMaxRetries,
		cfg.Queue.FailoverBaseDelay, cfg.Queue.FailoverCapDelay, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := consumer.Run(ctx); err != nil {
			log.Error("consumer worker stopped", "error", err)
		}
	}()
	go pollMetrics(ctx, m, poolMgr, registry, bus, cfg.Queue.KafkaTopic, log)

	srv := server.New(server.Deps{
		Config:       cfg,
		Orchestrator: orch,
		Registry:     registry,
		FakeRegistry: fakeRegistry,
		KV:           kvClient,
		Pool:         poolMgr,
		Tracker:      trk,
		Limiter:      limiter,
		Metrics:      m,
		Gatherer:     reg,
		Bus:          shedder,
		Log:          log,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info("llmgateway listening", "port", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
	}
}

// buildRegistry constructs the real provider registry from config,
// pairing each provider with its own circuit breaker via a
// constructor-map factory keyed by provider name.
func buildRegistry(cfg *config.Config, kvClient *kv.Client, log *slog.Logger) (*provider.Registry, error) {
	type factory func(apiKey, baseURL string, models []string) provider.Provider

	constructors := map[string]factory{
		"google": func(apiKey, baseURL string, models []string) provider.Provider {
			return provider.NewGoogleProvider(apiKey, baseURL, http.DefaultClient, models)
		},
		"anthropic": func(apiKey, baseURL string, models []string) provider.Provider {
			return provider.NewAnthropicProvider(apiKey, baseURL, http.DefaultClient, models)
		},
	}

	registry := provider.NewRegistry()
	for name, provCfg := range cfg.Providers {
		build, ok := constructors[name]
		if !ok {
			return nil, fmt.Errorf("unknown provider in config: %q", name)
		}
		p := build(provCfg.APIKey, provCfg.BaseURL, provCfg.Models)
		cb := breaker.New(name, kvClient, cfg.Circuit.FailureThreshold, cfg.Circuit.RecoveryTimeout, log)
		registry.Register(p, cb)
		log.Info("registered provider", "name", name, "models", provCfg.Models)
	}
	return registry, nil
}

// pollMetrics periodically samples the gauges that don't have a natural
// per-request hook: pool utilization, queue depth, and circuit state.
func pollMetrics(ctx context.Context, m *metrics.Metrics, poolMgr *pool.Pool, registry *provider.Registry, bus queue.Bus, topic string, log *slog.Logger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.PoolUtilization.Set(poolMgr.Utilization(ctx))

			for _, name := range registry.Names() {
				cb := registry.Breaker(name)
				if cb == nil {
					continue
				}
				m.RecordCircuitState(name, cb.GetState(ctx) == breaker.StateOpen)
			}

			if depth, err := bus.Depth(ctx); err != nil {
				log.Warn("failed to sample queue depth", "error", err)
			} else {
				m.QueueDepth.WithLabelValues(topic).Set(float64(depth))
			}
		}
	}
}

func consumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "gateway-consumer"
	}
	return "gateway-consumer-" + host
}
