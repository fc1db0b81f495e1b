package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/faceswap-studio/creditcore/internal/config"
	"github.com/faceswap-studio/creditcore/internal/db"
	apihttp "github.com/faceswap-studio/creditcore/internal/http"
	"github.com/faceswap-studio/creditcore/internal/http/api/admin"
	adminhandlers "github.com/faceswap-studio/creditcore/internal/http/api/admin/handlers"
	"github.com/faceswap-studio/creditcore/internal/http/api/front"
	"github.com/faceswap-studio/creditcore/internal/ledger"
	"github.com/faceswap-studio/creditcore/internal/logging"
	"github.com/faceswap-studio/creditcore/internal/metrics"
	"github.com/faceswap-studio/creditcore/internal/payment"
	"github.com/faceswap-studio/creditcore/internal/recharge"
	"github.com/faceswap-studio/creditcore/internal/reconcile"
	"github.com/faceswap-studio/creditcore/internal/retry"
	"github.com/faceswap-studio/creditcore/internal/settings"
	"github.com/faceswap-studio/creditcore/internal/subscription"
	"github.com/faceswap-studio/creditcore/internal/swap"
	"github.com/faceswap-studio/creditcore/internal/webhook"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Components are the wired services of one process.
type Components struct {
	Config        *config.Config
	DB            *gorm.DB
	Metrics       *metrics.Metrics
	Settings      *settings.Store
	Gateway       payment.Gateway
	Ledger        *ledger.Service
	Recharges     *recharge.Manager
	Subscriptions *subscription.Service
	Reconcile     *reconcile.Service
	Swap          *swap.Service
	Processor     *webhook.Processor

	closers []io.Closer
}

// Close releases the database, Redis and log file handles.
func (c *Components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if errClose := c.closers[i].Close(); errClose != nil {
			errs = append(errs, errClose)
		}
	}
	return errors.Join(errs...)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// Load resolves the config path and loads the config.
func Load(cfg config.AppConfig) (*config.Config, error) {
	configPath := config.ResolveConfigPath(cfg.ConfigPath)
	if !config.ConfigExists(configPath) {
		log.WithField("config", configPath).Warn("config file not found, using defaults and environment")
	}
	return config.Load(configPath)
}

// Boot loads the config and applies its log settings. The closer releases the log file.
func Boot(cfg config.AppConfig) (*config.Config, io.Closer, error) {
	conf, err := Load(cfg)
	if err != nil {
		return nil, nil, err
	}
	logCloser, errLog := logging.Setup(conf.Log)
	if errLog != nil {
		return nil, nil, errLog
	}
	return conf, logCloser, nil
}

// Migrate opens the database, runs migrations and seeds the catalog and admin account.
func Migrate(ctx context.Context, cfg config.AppConfig) error {
	conf, logCloser, err := Boot(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logCloser.Close() }()
	conn, err := db.Open(conf.Database.DSN)
	if err != nil {
		return err
	}
	defer closeDB(conn)
	return prepare(ctx, conn, conf)
}

func prepare(ctx context.Context, conn *gorm.DB, conf *config.Config) error {
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}
	if errSeed := db.SeedCatalog(ctx, conn, conf.Catalog); errSeed != nil {
		return errSeed
	}
	return db.EnsureAdmin(ctx, conn, conf.Admin)
}

// Build opens every dependency described by conf and wires the services.
func Build(ctx context.Context, conf *config.Config) (*Components, error) {
	conn, err := db.Open(conf.Database.DSN)
	if err != nil {
		return nil, err
	}
	comps, errWire := Wire(ctx, conn, conf)
	if errWire != nil {
		closeDB(conn)
		return nil, errWire
	}
	comps.closers = append([]io.Closer{closerFunc(func() error { closeDB(conn); return nil })}, comps.closers...)
	log.WithField("dialect", db.DialectName(conn)).Info("database ready")

	if conf.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     conf.Redis.Addr,
			Password: conf.Redis.Password,
			DB:       conf.Redis.DB,
		})
		if errPing := client.Ping(ctx).Err(); errPing != nil {
			log.WithError(errPing).WithField("addr", conf.Redis.Addr).Warn("redis unreachable, webhook lock will fail open")
		}
		comps.closers = append(comps.closers, client)
		comps.Processor = newProcessor(comps, webhook.NewRedisLocker(client, conf.Redis.LockTTL))
	}
	return comps, nil
}

// Wire builds the services over an open connection. The webhook processor uses no lock.
func Wire(ctx context.Context, conn *gorm.DB, conf *config.Config) (*Components, error) {
	if errPrepare := prepare(ctx, conn, conf); errPrepare != nil {
		return nil, errPrepare
	}

	store := settings.NewStore(conn)
	if errRefresh := store.Refresh(ctx); errRefresh != nil {
		return nil, errRefresh
	}

	var gateway payment.Gateway = payment.Disabled{}
	if conf.Stripe.SecretKey != "" {
		gateway = payment.NewStripeGateway(conf.Stripe.SecretKey, nil)
	} else {
		log.Warn("stripe secret key not set, recharges cannot create payment intents")
	}

	m := metrics.New()
	ledgerSvc := ledger.NewService(conn, m)
	recharges := recharge.NewManager(conn, ledgerSvc, gateway, m)
	subs := subscription.NewService(conn, ledgerSvc, gateway, m)
	comps := &Components{
		Config:        conf,
		DB:            conn,
		Metrics:       m,
		Settings:      store,
		Gateway:       gateway,
		Ledger:        ledgerSvc,
		Recharges:     recharges,
		Subscriptions: subs,
		Reconcile: reconcile.NewService(reconcile.Options{
			DB:            conn,
			Ledger:        ledgerSvc,
			Recharges:     recharges,
			Subscriptions: subs,
			Gateway:       gateway,
			Settings:      store,
			Config:        conf.Reconcile,
			Metrics:       m,
		}),
		Swap: swap.NewService(conn, ledgerSvc,
			swap.NewHTTPSwapper(conf.ImageAPI.BaseURL, conf.ImageAPI.APIKey, conf.ImageAPI.Timeout),
			conf.ImageAPI.Timeout),
	}
	comps.Processor = newProcessor(comps, nil)
	return comps, nil
}

func newProcessor(comps *Components, locker webhook.Locker) *webhook.Processor {
	conf := comps.Config
	if conf.Stripe.WebhookSecret == "" {
		log.Warn("stripe webhook secret not set, every webhook delivery will be rejected")
	}
	return webhook.NewProcessor(webhook.Options{
		DB:            comps.DB,
		Verifier:      webhook.NewVerifier(conf.Stripe.WebhookSecret),
		Recharges:     comps.Recharges,
		Subscriptions: comps.Subscriptions,
		Locker:        locker,
		Policy: retry.Policy{
			MaxAttempts: conf.Webhook.MaxAttempts,
			BaseDelay:   conf.Webhook.BaseDelay,
			MaxDelay:    conf.Webhook.MaxDelay,
		},
		Metrics: comps.Metrics,
	})
}

// NewEngine registers every route on a fresh gin engine.
func NewEngine(comps *Components) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), apihttp.RequestLogger())

	healthHandler := adminhandlers.NewHealthHandler(comps.DB)
	engine.GET("/healthz", healthHandler.Healthz)
	engine.GET("/metrics", gin.WrapH(comps.Metrics.Handler()))
	engine.POST("/v0/webhooks/stripe", apihttp.StripeWebhookHandler(comps.Processor))

	front.RegisterFrontRoutes(engine, comps.DB, comps.Config.JWT, front.Services{
		Ledger:    comps.Ledger,
		Recharges: comps.Recharges,
		Swap:      comps.Swap,
	})
	admin.RegisterAdminRoutes(engine, comps.DB, comps.Config.JWT, admin.Services{
		Reconcile:     comps.Reconcile,
		Subscriptions: comps.Subscriptions,
		Settings:      comps.Settings,
	})
	return engine
}

// RunServer boots the credit API and blocks until ctx is canceled.
func RunServer(ctx context.Context, cfg config.AppConfig) error {
	conf, logCloser, err := Boot(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logCloser.Close() }()
	gin.SetMode(conf.Server.Mode)

	comps, err := Build(ctx, conf)
	if err != nil {
		return err
	}
	defer func() {
		if errClose := comps.Close(); errClose != nil {
			log.WithError(errClose).Warn("close components")
		}
	}()

	go refreshSettings(ctx, comps.Settings, time.Minute)

	server := &http.Server{
		Addr:              conf.Server.Addr,
		Handler:           NewEngine(comps),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("starting credit api on %s", conf.Server.Addr)
		if errServe := server.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			errCh <- errServe
		}
		close(errCh)
	}()

	select {
	case errServe := <-errCh:
		return errServe
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), conf.Server.ShutdownTimeout)
	defer cancel()
	log.Info("shutting down credit api")
	if errShutdown := server.Shutdown(shutdownCtx); errShutdown != nil {
		return fmt.Errorf("shutdown: %w", errShutdown)
	}
	return nil
}

// refreshSettings reloads runtime settings so edits made by another replica are picked up.
func refreshSettings(ctx context.Context, store *settings.Store, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if errRefresh := store.Refresh(ctx); errRefresh != nil && ctx.Err() == nil {
				log.WithError(errRefresh).Warn("refresh settings")
			}
		}
	}
}

func closeDB(conn *gorm.DB) {
	sqlDB, errDB := conn.DB()
	if errDB != nil {
		return
	}
	_ = sqlDB.Close()
}
