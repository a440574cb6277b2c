package main

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/courierd/courierd/internal/breaker"
	"github.com/courierd/courierd/internal/cache"
	"github.com/courierd/courierd/internal/config"
	"github.com/courierd/courierd/internal/database"
	"github.com/courierd/courierd/internal/delivery"
	"github.com/courierd/courierd/internal/directory"
	"github.com/courierd/courierd/internal/dispatch"
	"github.com/courierd/courierd/internal/engine"
	"github.com/courierd/courierd/internal/metrics"
	"github.com/courierd/courierd/internal/notification"
	"github.com/courierd/courierd/internal/preference"
	"github.com/courierd/courierd/internal/queue"
	"github.com/courierd/courierd/internal/ratelimit"
	"github.com/courierd/courierd/internal/telemetry"
	"github.com/courierd/courierd/internal/template"
)

// app holds every wired component one command needs. Commands build only
// what they use via the with* helpers.
type app struct {
	cfg *config.Config
	log *logrus.Logger

	db    *database.DB
	redis *redis.Client

	queue      queue.Queue
	repo       notification.Repository
	deliveries delivery.Repository
	prefRepo   preference.Repository
	templates  template.Repository

	store     *metrics.Store
	collector *metrics.Collector
	analytics *metrics.Analytics

	limiter  *ratelimit.Limiter
	breakers *breaker.Registry
	adapters *dispatch.Registry
	batcher  *preference.Batcher
	engine   *engine.Service
	tplCache *cache.Cache

	otel *telemetry.Provider
}

// newApp wires the full engine. Connection failures surface as transient
// errors so the process exits with the retryable code.
func newApp(cfg *config.Config, log *logrus.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	otelCfg := telemetry.LoadConfigFromEnv()
	provider, err := telemetry.NewProvider(otelCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.otel = provider

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: otelCfg.Environment,
		}); err != nil {
			log.WithError(err).Warn("failed to initialize sentry")
		}
	}

	a.db, err = database.Open(database.Config{
		URL:          cfg.Postgres.URL,
		MaxOpenConns: cfg.Postgres.MaxOpenConns,
		MaxIdleConns: cfg.Postgres.MaxIdleConns,
	})
	if err != nil {
		return nil, transientErr{err}
	}

	ropts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, configErr{fmt.Errorf("invalid redis url: %w", err)}
	}
	a.redis = redis.NewClient(ropts)
	if err := telemetry.InstrumentRedisClient(a.redis); err != nil {
		log.WithError(err).Warn("failed to instrument redis client")
	}

	a.queue = queue.NewRedisQueueFromClient(a.redis,
		queue.WithAgingThreshold(cfg.Worker.AgingThreshold))

	a.repo = notification.NewPostgresRepository(a.db.DB)
	a.deliveries = delivery.NewPostgresRepository(a.db.DB)
	// One cached instance serves the evaluator, the batcher, and the
	// HTTP preference endpoints, so a PUT invalidates the entry every
	// reader shares.
	a.prefRepo = preference.NewCachedRepository(
		preference.NewPostgresRepository(a.db.DB),
		cache.New(a.redis, "preferences", 5*time.Minute))
	a.templates = template.NewPostgresRepository(a.db.DB)
	a.tplCache = cache.New(a.redis, "templates", 5*time.Minute)

	a.store = metrics.NewStore(a.redis)
	a.collector = metrics.NewCollector(a.store, log)
	a.analytics = metrics.NewAnalytics(a.store)

	retryOverrides := make(map[notification.Channel]int, len(cfg.Retry.MaxRetries))
	for name, n := range cfg.Retry.MaxRetries {
		retryOverrides[notification.Channel(name)] = n
	}
	notification.OverrideMaxRetries(retryOverrides)
	notification.OverrideRetryDelays(cfg.Retry.Delays)

	a.limiter = ratelimit.NewLimiter(rateLimits(cfg))
	a.breakers = breaker.NewRegistry(breaker.Settings{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
	})

	a.adapters = dispatch.NewRegistry()
	a.registerAdapters()

	a.batcher = preference.NewBatcher(a.redis, a.prefRepo, log,
		preference.WithDailyHour(cfg.Batch.DailyHour),
		preference.WithWeeklyDay(cfg.Batch.Weekday()))

	resolver := directory.Resolver(directory.NewHTTPResolver(
		cfg.Directory.BaseURL, cfg.Directory.APIKey, cfg.Directory.Timeout))

	a.engine = engine.NewService(engine.Deps{
		Repo:            a.repo,
		Queue:           a.queue,
		PrefRepo:        a.prefRepo,
		Batcher:         a.batcher,
		Templates:       a.templates,
		Deliveries:      a.deliveries,
		Adapters:        a.adapters,
		Limiter:         a.limiter,
		Breakers:        a.breakers,
		Resolver:        resolver,
		Collector:       a.collector,
		TplCache:        a.tplCache,
		DefaultLanguage: cfg.Locale.DefaultLanguage,
		Log:             log,
	})
	return a, nil
}

// registerAdapters wires every channel whose provider is configured.
// Unconfigured channels stay unregistered and dispatch to them fails
// with ErrUnknownChannel.
func (a *app) registerAdapters() {
	candidates := []dispatch.Adapter{
		dispatch.NewEmailAdapter(dispatch.EmailConfig{
			Host:     a.cfg.Adapters.SMTP.Host,
			Port:     a.cfg.Adapters.SMTP.Port,
			Username: a.cfg.Adapters.SMTP.Username,
			Password: a.cfg.Adapters.SMTP.Password,
			From:     a.cfg.Adapters.SMTP.From,
			Timeout:  a.cfg.Adapters.TimeoutFor("email"),
		}),
		dispatch.NewSMSAdapter(dispatch.SMSConfig{
			BaseURL: a.cfg.Adapters.SMS.BaseURL,
			APIKey:  a.cfg.Adapters.SMS.APIKey,
			From:    a.cfg.Adapters.SMS.From,
			Timeout: a.cfg.Adapters.TimeoutFor("sms"),
		}),
		dispatch.NewPushAdapter(dispatch.PushConfig{
			BaseURL:   a.cfg.Adapters.Push.BaseURL,
			ServerKey: a.cfg.Adapters.Push.APIKey,
			Timeout:   a.cfg.Adapters.TimeoutFor("push"),
		}),
		dispatch.NewInAppAdapter(a.redis),
		dispatch.NewWebhookAdapter(dispatch.WebhookConfig{
			Timeout:       a.cfg.Adapters.TimeoutFor("webhook"),
			SigningSecret: a.cfg.Adapters.Webhook.SigningSecret,
		}),
	}

	for _, adapter := range candidates {
		if err := a.adapters.Register(adapter); err != nil {
			a.log.WithError(err).WithField("channel", adapter.Channel()).
				Warn("channel adapter not configured, channel disabled")
		}
	}
}

func rateLimits(cfg *config.Config) map[notification.Channel]ratelimit.Limit {
	limits := make(map[notification.Channel]ratelimit.Limit)
	for name, perMinute := range cfg.RateLimit.PerMinute {
		ch := notification.Channel(name)
		limit := ratelimit.DefaultLimits[ch]
		limit.PerMinute = int(perMinute)
		if burst, ok := cfg.RateLimit.Burst[name]; ok {
			limit.Burst = int(burst)
		}
		limits[ch] = limit
	}
	for name, burst := range cfg.RateLimit.Burst {
		ch := notification.Channel(name)
		if _, done := limits[ch]; done {
			continue
		}
		limit := ratelimit.DefaultLimits[ch]
		limit.Burst = int(burst)
		limits[ch] = limit
	}
	return limits
}

// Close releases connections in reverse dependency order.
func (a *app) Close() {
	if a.queue != nil {
		_ = a.queue.Close()
	} else if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
	if a.otel != nil {
		ctx, cancel := shutdownContext()
		defer cancel()
		_ = a.otel.Shutdown(ctx)
	}
	sentry.Flush(2 * time.Second)
}
