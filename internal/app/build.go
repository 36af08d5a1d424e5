package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/damaface/consultoria/internal/avatar"
	"github.com/damaface/consultoria/internal/config"
	"github.com/damaface/consultoria/internal/consult"
	"github.com/damaface/consultoria/internal/cooldown"
	"github.com/damaface/consultoria/internal/events"
	"github.com/damaface/consultoria/internal/history"
	"github.com/damaface/consultoria/internal/httpapi"
	"github.com/damaface/consultoria/internal/logger"
	"github.com/damaface/consultoria/internal/observability"
	"github.com/damaface/consultoria/internal/queue"
	"github.com/damaface/consultoria/internal/session"
)

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Service  *consult.Service
	Sessions *session.Manager
	Metrics  *observability.Metrics
	Provider avatar.Provider

	// Cleanup releases external resources (DB pool, Redis, bus connections).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	log := logger.Component("app")
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	var closers []func() error
	fail := func(err error) (*BuildResult, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}

	historyStore, err := history.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fail(fmt.Errorf("history store init failed: %w", err))
	}
	closers = append(closers, historyStore.Close)

	cooldowns, err := cooldown.NewStore(ctx, cfg.RedisURL)
	if err != nil {
		return fail(fmt.Errorf("cooldown store init failed: %w", err))
	}
	closers = append(closers, cooldowns.Close)

	publisher, err := events.NewPublisher(events.Config{
		Backend: cfg.EventsBackend,
		NATSURL: cfg.NATSURL,
		AMQPURL: cfg.AMQPURL,
		Prefix:  cfg.EventsSubjectPrefix,
	})
	if err != nil {
		return fail(fmt.Errorf("events publisher init failed: %w", err))
	}
	closers = append(closers, publisher.Close)

	provider, err := avatar.NewProvider(cfg.AvatarProvider, cfg.AvatarICEServers)
	if err != nil {
		return fail(fmt.Errorf("avatar provider init failed: %w", err))
	}

	queueManager := queue.NewManager(cfg.MaxConcurrent, cfg.AvgSessionDuration)
	queueManager.UseObservedDurations(metrics.Durations.Average)

	sessions := session.NewManager(cfg.HeartbeatTimeout)
	service := consult.New(consult.Config{
		Capacity:          cfg.MaxConcurrent,
		Cooldown:          cfg.Cooldown,
		ReservationTTL:    cfg.ReservationTTL,
		QueueStaleTimeout: cfg.QueueStaleTimeout,
		DefaultAgentType:  cfg.DefaultAgentType,
	}, consult.Deps{
		Queue:     queueManager,
		Sessions:  sessions,
		Cooldowns: cooldowns,
		History:   historyStore,
		Publisher: publisher,
		Provider:  provider,
		Metrics:   metrics,
	})

	api := httpapi.New(cfg, service, metrics)

	log.WithField("avatar_provider", provider.Name()).
		WithField("history", historyStore.Mode()).
		WithField("events", eventsBackend(cfg)).
		Info("consultation service built")

	cleanup := func() error {
		var errs []string
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				errs = append(errs, err.Error())
			}
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Service:  service,
		Sessions: sessions,
		Metrics:  metrics,
		Provider: provider,
		Cleanup:  cleanup,
	}, nil
}

func eventsBackend(cfg config.Config) string {
	backend := strings.ToLower(strings.TrimSpace(cfg.EventsBackend))
	if backend == "" {
		return "none"
	}
	return backend
}
