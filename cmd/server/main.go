package main

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/dmitrymomot/quotagate/api"
	"github.com/dmitrymomot/quotagate/internal/db/migrations"
	"github.com/dmitrymomot/quotagate/pkg/config"
	"github.com/dmitrymomot/quotagate/pkg/httpserver"
	"github.com/dmitrymomot/quotagate/pkg/logger"
	"github.com/dmitrymomot/quotagate/pkg/pg"
	"github.com/dmitrymomot/quotagate/pkg/redis"
	"github.com/dmitrymomot/quotagate/pkg/tenant"
	"github.com/dmitrymomot/quotagate/svc/account"
	"github.com/dmitrymomot/quotagate/svc/adgate"
	"github.com/dmitrymomot/quotagate/svc/billing"
	"github.com/dmitrymomot/quotagate/svc/entitlement"
	"github.com/dmitrymomot/quotagate/svc/feature"
	"github.com/dmitrymomot/quotagate/svc/quota"
)

type appConfig struct {
	Env  string `env:"APP_ENV" envDefault:"production"`
	Name string `env:"APP_NAME" envDefault:"quotagate"`
}

func main() {
	var app appConfig
	config.MustLoad(&app)

	log := logger.New(
		logger.WithEnvironment(app.Env, app.Name),
		logger.WithContextExtractors(
			requestID,
			tenant.LoggerExtractor(),
			account.LoggerExtractor(),
		),
	)
	slog.SetDefault(log)

	if err := run(context.Background(), app, log); err != nil {
		log.Error("server stopped with error", logger.Error(err))
		os.Exit(1)
	}
}

func requestID(ctx context.Context) (slog.Attr, bool) {
	if id := middleware.GetReqID(ctx); id != "" {
		return slog.String("request_id", id), true
	}
	return slog.Attr{}, false
}

type configs struct {
	http        httpserver.Config
	pg          pg.Config
	redis       redis.Config
	tenant      tenant.Config
	auth        account.Config
	adgate      adgate.Config
	billing     billing.Config
	paddle      billing.PaddleConfig
	entitlement entitlement.Config
	quota       quota.Config
	analyzer    feature.Config
}

func loadConfigs() (configs, error) {
	var c configs
	err := errors.Join(
		config.Load(&c.http),
		config.Load(&c.pg),
		config.Load(&c.redis),
		config.Load(&c.tenant),
		config.Load(&c.auth),
		config.Load(&c.adgate),
		config.Load(&c.billing),
		config.Load(&c.paddle),
		config.Load(&c.entitlement),
		config.Load(&c.quota),
		config.Load(&c.analyzer),
	)
	return c, err
}

func run(ctx context.Context, app appConfig, log *slog.Logger) error {
	cfg, err := loadConfigs()
	if err != nil {
		return err
	}

	table, err := entitlement.Load(cfg.entitlement)
	if err != nil {
		return err
	}
	analyzer, err := feature.NewRemoteAnalyzer(cfg.analyzer)
	if err != nil {
		return err
	}
	sessions, err := account.NewSessions(cfg.auth)
	if err != nil {
		return err
	}

	pool, err := pg.Connect(ctx, cfg.pg)
	if err != nil {
		return err
	}
	defer pool.Close()
	if cfg.pg.AutoMigrate {
		if err := pg.Migrate(ctx, pool, migrations.FS, cfg.pg, log); err != nil {
			return err
		}
	}

	rdb, err := redis.Connect(ctx, cfg.redis)
	if err != nil {
		return err
	}
	defer func() { _ = rdb.Close() }()

	ledger := quota.NewLedger(quota.NewPGStore(pool), table)
	gate := adgate.NewGate(ledger,
		adgate.NewTokens(cfg.adgate.Secret, cfg.adgate.TokenTTL),
		adgate.NewRedisRedeemer(rdb),
		adgate.WithLogger(log),
		adgate.WithLegacyBypass(cfg.adgate.AllowLegacyBypass),
	)

	metrics := api.NewMetrics()
	features := feature.NewService(gate, ledger, analyzer,
		feature.WithResultCache(quota.NewRedisResultCache(rdb), cfg.quota.ResultCacheTTL),
		feature.WithObserver(metrics),
		feature.WithLogger(log),
	)

	ingestor, err := billing.NewIngestor(billing.NewPGStore(pool), cfg.billing, billing.WithLogger(log))
	if err != nil {
		return err
	}
	var paddle *billing.PaddleSource
	if cfg.paddle.Enabled() {
		if paddle, err = billing.NewPaddleSource(cfg.paddle); err != nil {
			return err
		}
	}

	router := api.NewRouter(api.Deps{
		Log:            log,
		Dev:            app.Env == logger.EnvDevelopment,
		TenantResolver: cfg.tenant.Resolver(),
		Tenants:        account.NewTenantProvider(pool),
		TenantOptions: []tenant.Option{
			tenant.WithCache(tenant.NewRedisCache(rdb, "quotagate:tenant:")),
			tenant.WithCacheTTL(cfg.tenant.CacheTTL),
		},
		Auth:           account.NewAuthenticator(sessions, account.NewPGStore(pool)),
		Features:       features,
		Ingestor:       ingestor,
		Paddle:         paddle,
		WebhookLimiter: rate.NewLimiter(rate.Limit(cfg.billing.WebhookRPS), cfg.billing.WebhookBurst),
		Metrics:        metrics,
		Ready: map[string]httpserver.Check{
			"postgres": pg.Healthcheck(pool),
			"redis":    redis.Healthcheck(rdb),
		},
	})

	return httpserver.NewFromConfig(cfg.http, httpserver.WithLogger(log)).Run(ctx, router)
}
