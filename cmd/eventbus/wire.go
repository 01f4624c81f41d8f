package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	eventbus "github.com/glimte/mmate-eventbus"
	"github.com/glimte/mmate-eventbus/config"
	"github.com/glimte/mmate-eventbus/health"
	"github.com/glimte/mmate-eventbus/interceptors"
	"github.com/glimte/mmate-eventbus/metrics"
	"github.com/glimte/mmate-eventbus/notify"
	"github.com/glimte/mmate-eventbus/tenant"
	"github.com/glimte/mmate-eventbus/tenant/pgstore"
)

// app is a bus plus everything wired around it.
type app struct {
	cfg      *config.App
	logger   *slog.Logger
	bus      *eventbus.EventBus
	registry *prometheus.Registry
	health   *health.Registry
	closers  []func()
}

func newLogger(cfg *config.Log, verbose bool) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func newApp(ctx context.Context, cfg *config.App, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		health:   health.NewRegistry(),
	}

	opts := []eventbus.Option{
		eventbus.WithLogger(logger),
		eventbus.WithMetrics(metrics.NewPrometheus(a.registry, "eventbus")),
		eventbus.WithNotifier(a.notifier()),
		eventbus.WithInterceptors(interceptors.NewLoggingInterceptor(logger)),
	}

	switcher, err := a.tenantSwitcher(ctx)
	if err != nil {
		a.close()
		return nil, err
	}
	if switcher != nil {
		opts = append(opts, eventbus.WithTenantScoper(switcher))
	}

	bus, err := eventbus.New(cfg.BusConfig(), opts...)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to create event bus: %w", err)
	}
	a.bus = bus
	a.health.Register(bus.HealthChecker())
	a.closers = append(a.closers, func() { _ = bus.Close() })
	return a, nil
}

func (a *app) notifier() notify.Notifier {
	n := notify.Multi{notify.NewLogNotifier(a.logger)}
	if a.cfg.Webhook.URL != "" {
		n = append(n, notify.NewWebhookNotifier(a.cfg.Webhook.URL,
			notify.WithSecret(a.cfg.Webhook.Secret),
			notify.WithRetries(a.cfg.Webhook.Retries),
			notify.WithWebhookLogger(a.logger),
		))
	}
	return n
}

// tenantSwitcher returns nil when no tenant database is configured.
func (a *app) tenantSwitcher(ctx context.Context) (*tenant.Switcher, error) {
	tc := a.cfg.Tenant
	if tc.DatabaseURL == "" {
		return nil, nil
	}

	policy, err := tenant.ParseNotFoundPolicy(tc.NotFoundPolicy)
	if err != nil {
		return nil, err
	}
	store, err := pgstore.New(ctx, tc.DatabaseURL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, store.Close)
	a.health.Register(health.NewComponentChecker("tenant_store", store.Ping))

	opts := []tenant.SwitcherOption{
		tenant.WithNotFoundPolicy(policy),
		tenant.WithLoadTimeout(tc.LoadTimeout),
		tenant.WithLogger(a.logger),
	}
	if tc.SecretKey != "" {
		box, err := tenant.NewSecretBoxFromBase64(tc.SecretKey)
		if err != nil {
			return nil, err
		}
		opts = append(opts, tenant.WithDecrypter(box))
	}

	switch strings.ToLower(tc.CacheBackend) {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: tc.RedisAddr})
		a.closers = append(a.closers, func() { _ = client.Close() })
		a.health.Register(health.NewComponentChecker("tenant_cache", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}))
		opts = append(opts, tenant.WithCache(tenant.NewRedisCache(client, tc.RedisKeyPrefix, tc.CacheTTL, a.logger)))
	case "", "memory":
		opts = append(opts, tenant.WithCache(tenant.NewMemoryCache(tc.CacheTTL)))
	default:
		return nil, fmt.Errorf("unknown tenant cache backend %q", tc.CacheBackend)
	}

	return tenant.NewSwitcher(store, opts...), nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
