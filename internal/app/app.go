// Package app arma los componentes a partir de la config y corre los loops
// de fondo (scheduler de claves, cola de delivery).
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dropDatabas3/hellofed/internal/cache"
	"github.com/dropDatabas3/hellofed/internal/config"
	"github.com/dropDatabas3/hellofed/internal/delivery"
	"github.com/dropDatabas3/hellofed/internal/domain/repository"
	"github.com/dropDatabas3/hellofed/internal/http/handlers"
	mw "github.com/dropDatabas3/hellofed/internal/http/middlewares"
	"github.com/dropDatabas3/hellofed/internal/http/router"
	"github.com/dropDatabas3/hellofed/internal/httpsig"
	"github.com/dropDatabas3/hellofed/internal/inbound"
	"github.com/dropDatabas3/hellofed/internal/keys"
	"github.com/dropDatabas3/hellofed/internal/metrics"
	"github.com/dropDatabas3/hellofed/internal/notify"
	"github.com/dropDatabas3/hellofed/internal/observability/logger"
	"github.com/dropDatabas3/hellofed/internal/rate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// App contiene los componentes cableados.
type App struct {
	Config    *config.Config
	Log       *zap.Logger
	Registry  *prometheus.Registry
	Engine    *httpsig.Engine
	Keys      *keys.Manager
	Scheduler *keys.Scheduler
	KeyCache  *inbound.KeyCache
	Verifier  *inbound.Verifier
	Queue     *delivery.Queue
	Handler   http.Handler

	limiter *rate.MemoryLimiter // nil salvo con el gate en memoria
	closers []func() error
}

// Option ajusta New (tests, CLI).
type Option func(*options)

type options struct {
	keyGen    keys.Generator
	transport delivery.Transport
	version   string
}

// WithKeyGenerator reemplaza la generación de keypairs.
func WithKeyGenerator(g keys.Generator) Option { return func(o *options) { o.keyGen = g } }

// WithTransport reemplaza el transporte HTTP de delivery.
func WithTransport(t delivery.Transport) Option { return func(o *options) { o.transport = t } }

// WithVersion se expone en /readyz.
func WithVersion(v string) Option { return func(o *options) { o.version = v } }

// New construye todo. Si algo falla, lo ya abierto se cierra.
func New(ctx context.Context, cfg *config.Config, log *zap.Logger, opts ...Option) (_ *App, err error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	a := &App{Config: cfg, Log: logger.OrNop(log)}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if err := metrics.Register(a.Registry); err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	var rdb *redis.Client
	if cfg.UsesRedis() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
		})
		a.closers = append(a.closers, rdb.Close)
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		perr := rdb.Ping(pctx).Err()
		cancel()
		if perr != nil {
			return nil, fmt.Errorf("redis ping %s: %w", cfg.Cache.Redis.Addr, perr)
		}
	}

	st, err := a.openStores(ctx, rdb)
	if err != nil {
		return nil, err
	}

	// ─── Firma y claves ───
	a.Engine = httpsig.NewEngine(httpsig.Options{
		Allowed:   algorithms(cfg.Keys.SigningAlgorithms),
		ClockSkew: cfg.Verify.ClockSkewTolerance,
	})
	kopts := []keys.Option{keys.WithLogger(a.Log)}
	if o.keyGen != nil {
		kopts = append(kopts, keys.WithGenerator(o.keyGen))
	}
	a.Keys = keys.NewManager(st.keys, keys.Config{
		RotationInterval: cfg.Keys.RotationInterval,
		Overlap:          cfg.Keys.KeyOverlap,
		KeySize:          cfg.Keys.KeySize,
		Algorithm:        repository.Algorithm(cfg.Keys.Algorithm),
	}, kopts...)
	actors := cfg.Keys.Actors
	if ia := cfg.Keys.InstanceActor; ia != "" {
		actors = append([]string{ia}, actors...)
	}
	a.Scheduler = &keys.Scheduler{
		Manager:    a.Keys,
		Every:      cfg.Keys.SweepInterval,
		AutoRotate: *cfg.Keys.AutoRotate,
		Actors:     actors,
	}

	// ─── Inbound ───
	var cc cache.Client
	if cfg.Cache.Driver == "redis" {
		cc = cache.FromRedis(rdb, cfg.Cache.Prefix+":cache")
	} else {
		cc = cache.NewMemory(cfg.Cache.Prefix, time.Minute)
	}
	a.closers = append(a.closers, cc.Close)
	a.Registry.MustRegister(metrics.NewCacheCollector(cc))
	fetcher := &inbound.HTTPKeyFetcher{UserAgent: cfg.Delivery.UserAgent, Timeout: cfg.Verify.FetchTimeout}
	if ia := cfg.Keys.InstanceActor; ia != "" {
		fetcher.Sign = a.signAs(ia)
	}
	a.KeyCache = inbound.NewKeyCache(cc, fetcher, inbound.KeyCacheConfig{
		TTL:          cfg.Verify.KeyCacheTTL,
		MaxStale:     cfg.Verify.KeyCacheMaxStale,
		FetchTimeout: cfg.Verify.FetchTimeout,
		Logger:       a.Log,
	})

	buckets := rate.NewBuckets()
	if *cfg.Rate.Enabled {
		lim := rate.Limit{Window: cfg.Rate.Inbox.Window, Max: int64(cfg.Rate.Inbox.Max)}
		if cfg.Rate.Driver == "redis" {
			buckets.Set(inbound.InboxBucket, rate.NewRedisLimiter(rdb, cfg.Cache.Prefix+":rl:", lim))
		} else {
			a.limiter = rate.NewMemoryLimiter(lim)
			buckets.Set(inbound.InboxBucket, a.limiter)
		}
	}
	a.Verifier = inbound.NewVerifier(inbound.Config{
		Engine:         a.Engine,
		Cache:          a.KeyCache,
		Local:          a.Keys,
		LocalKeyPrefix: cfg.Verify.LocalKeyPrefix,
		Gate:           buckets,
		Logger:         a.Log,
	})

	// ─── Delivery ───
	transport := o.transport
	if transport == nil {
		transport = delivery.NewHTTPTransport(cfg.Delivery.Timeout)
	}
	a.Queue = delivery.NewQueue(st.jobs, a.Keys, a.Engine, transport, delivery.Config{
		Workers:      cfg.Delivery.Workers,
		MaxAttempts:  cfg.Delivery.MaxAttempts,
		Timeout:      cfg.Delivery.Timeout,
		PollInterval: cfg.Delivery.PollInterval,
		UserAgent:    cfg.Delivery.UserAgent,
		Backoff: delivery.Backoff{
			Base:   cfg.Delivery.BaseDelay,
			Max:    cfg.Delivery.MaxDelay,
			Jitter: *cfg.Delivery.Jitter,
		},
	}, delivery.WithLogger(a.Log), delivery.WithNotifier(a.notifier()))

	// ─── HTTP ───
	selfKey, err := keys.GenerateRSA(2048)
	if err != nil {
		return nil, fmt.Errorf("self-check key: %w", err)
	}
	proxies, err := mw.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("server.trusted_proxies: %w", err)
	}
	checks := map[string]handlers.Check{}
	if rdb != nil {
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	for name, c := range st.checks {
		checks[name] = c
	}
	a.Handler = router.New(router.Deps{
		Inbox:          &handlers.Inbox{Verifier: a.Verifier, MaxBody: cfg.Server.MaxBodyBytes},
		Keys:           &handlers.KeyDocument{Keys: a.Keys},
		Deliveries:     &handlers.Deliveries{Queue: a.Queue},
		Health:         &handlers.Health{Version: o.version, Checks: checks, Engine: a.Engine, SelfKey: selfKey},
		AdminToken:     cfg.Server.AdminToken,
		TrustedProxies: proxies,
		Gatherer:       a.Registry,
		Logger:         a.Log,
	})
	return a, nil
}

// Run corre el scheduler de claves y la cola hasta que ctx se cancela.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(a.Scheduler.Run(ctx)) })
	g.Go(func() error { return a.Queue.Run(ctx) })
	if a.limiter != nil {
		g.Go(func() error {
			t := time.NewTicker(time.Minute)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-t.C:
					a.limiter.Prune()
				}
			}
		})
	}
	return g.Wait()
}

// Close libera conexiones en orden inverso de apertura.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// signAs firma los GET de claves remotas con la clave Active del actor de instancia.
func (a *App) signAs(actorID string) func(*http.Request) error {
	return func(req *http.Request) error {
		k, err := a.Keys.ResolveForSigning(req.Context(), actorID)
		if err != nil {
			return err
		}
		return a.Engine.SignRequest(req, nil, k)
	}
}

func (a *App) notifier() delivery.Notifier {
	ns := notify.Multi{notify.Log{L: a.Log}}
	if s := a.Config.Notify.SMTP; s.Host != "" {
		ns = append(ns, notify.NewSMTP(notify.SMTPConfig{
			Host:               s.Host,
			Port:               s.Port,
			From:               s.From,
			To:                 s.To,
			Username:           s.Username,
			Password:           s.Password,
			TLSMode:            s.TLS,
			InsecureSkipVerify: s.InsecureSkipVerify,
		}))
	}
	return ns
}

func algorithms(names []string) []repository.Algorithm {
	out := make([]repository.Algorithm, 0, len(names))
	for _, n := range names {
		out = append(out, repository.Algorithm(n))
	}
	return out
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
