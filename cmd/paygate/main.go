// Command paygate serves the billing API: subscription and unlock intents,
// access checks and processor webhooks.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dmitrymomot/paygate/migrations"
	"github.com/dmitrymomot/paygate/pkg/config"
	"github.com/dmitrymomot/paygate/pkg/email"
	"github.com/dmitrymomot/paygate/pkg/entitlement"
	"github.com/dmitrymomot/paygate/pkg/file"
	"github.com/dmitrymomot/paygate/pkg/httpserver"
	"github.com/dmitrymomot/paygate/pkg/logger"
	"github.com/dmitrymomot/paygate/pkg/pg"
	"github.com/dmitrymomot/paygate/pkg/ratelimiter"
	"github.com/dmitrymomot/paygate/pkg/reconcile"
	"github.com/dmitrymomot/paygate/pkg/redis"
	"github.com/dmitrymomot/paygate/pkg/tier"
	"github.com/dmitrymomot/paygate/pkg/unlock"
	"github.com/dmitrymomot/paygate/svc/billing"
)

func main() {
	_ = config.LoadEnv()

	var logCfg logger.Config
	config.MustLoad(&logCfg)
	log := logger.New(logger.FromConfig(logCfg)...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log); err != nil {
		log.Error("paygate stopped", logger.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, log *slog.Logger) error {
	var (
		billingCfg billing.Config
		stripeCfg  billing.StripeConfig
		paddleCfg  billing.PaddleConfig
		pgCfg      pg.Config
		redisCfg   redis.Config
		fileCfg    file.Config
		emailCfg   email.Config
		httpCfg    httpserver.Config
		limitCfg   ratelimiter.Config
	)
	if err := errors.Join(
		config.Load(&billingCfg),
		config.Load(&stripeCfg),
		config.Load(&paddleCfg),
		config.Load(&pgCfg),
		config.Load(&redisCfg),
		config.Load(&fileCfg),
		config.Load(&emailCfg),
		config.Load(&httpCfg),
		config.Load(&limitCfg),
	); err != nil {
		return err
	}

	pool, err := pg.Connect(ctx, pgCfg)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := pg.Migrate(ctx, pool, migrations.FS, pgCfg, log); err != nil {
		return err
	}

	rdb, err := redis.Connect(ctx, redisCfg)
	if err != nil {
		return err
	}
	defer func() { _ = rdb.Close() }()

	catalog := tier.DefaultCatalog()
	if billingCfg.CatalogPath != "" {
		if catalog, err = tier.FileSource(billingCfg.CatalogPath).Load(ctx); err != nil {
			return fmt.Errorf("load tier catalog: %w", err)
		}
	}

	var (
		entitlements = billing.NewEntitlementRepo(pool)
		rules        = billing.NewRuleRepo(pool)
		unlocks      = billing.NewUnlockRepo(pool)
		events       = billing.NewEventRepo(pool)
		intents      = billing.NewIntentRepo(pool)
		customers    = billing.NewCustomerRepo(pool)
	)
	if billingCfg.RulesPath != "" {
		n, err := billing.SeedRules(ctx, rules, catalog, billingCfg.RulesPath)
		if err != nil {
			return fmt.Errorf("seed content rules: %w", err)
		}
		log.InfoContext(ctx, "content rules seeded", slog.Int("count", n))
	}

	tracker := unlock.NewTracker(unlocks, unlock.WithLogger(log))
	resolver := entitlement.NewResolver(catalog, rules, tracker,
		entitlement.WithSnapshotStore(entitlements),
		entitlement.WithSnapshotCache(billing.NewRedisSnapshotCache(rdb, billingCfg.SnapshotTTL, billingCfg.SnapshotKeyPrefix)),
		entitlement.WithLogger(log),
	)

	reconcileOpts := []reconcile.Option{
		reconcile.WithLocker(redis.NewLocker(rdb, redis.LockerFromConfig(redisCfg)...)),
		reconcile.WithInvalidator(resolver),
		reconcile.WithLogger(log),
	}
	if billingCfg.ArchiveWebhooks {
		store, err := file.NewFromConfig(ctx, fileCfg)
		if err != nil {
			return fmt.Errorf("webhook archive: %w", err)
		}
		reconcileOpts = append(reconcileOpts, reconcile.WithArchive(billing.NewArchive(store, billingCfg.ArchivePrefix)))
	}
	if billingCfg.SendReceipts {
		sender, err := email.NewSender(emailCfg)
		if err != nil {
			return fmt.Errorf("email sender: %w", err)
		}
		reconcileOpts = append(reconcileOpts, reconcile.WithNotifier(billing.NewReceiptNotifier(sender, customers, catalog, tracker, rules)))
	}
	reconciler := reconcile.New(catalog, events, entitlements, tracker, reconcileOpts...)

	svcOpts := []billing.Option{
		billing.WithIntentTTL(billingCfg.IntentTTL),
		billing.WithMaxContentIDs(billingCfg.MaxContentIDs),
		billing.WithLogger(log),
	}
	var handlerOpts []billing.HandlerOption

	stripeProvider, err := billing.NewStripeProvider(stripeCfg, catalog, billing.WithStripeLogger(log))
	switch {
	case err == nil:
		svcOpts = append(svcOpts, billing.WithPayments(stripeProvider))
		handlerOpts = append(handlerOpts, billing.WithStripeWebhooks(stripeProvider))
	case errors.Is(err, billing.ErrStripeDisabled):
		log.WarnContext(ctx, "stripe is not configured, in-app payments are disabled")
	default:
		return err
	}

	paddleProvider, err := billing.NewPaddleProvider(paddleCfg, catalog)
	switch {
	case err == nil:
		handlerOpts = append(handlerOpts, billing.WithPaddleWebhooks(paddleProvider))
	case errors.Is(err, billing.ErrPaddleDisabled):
	default:
		return err
	}

	switch {
	case billingCfg.CheckoutProvider == "paddle" && paddleProvider != nil:
		svcOpts = append(svcOpts, billing.WithHostedCheckout(paddleProvider))
	case stripeProvider != nil:
		svcOpts = append(svcOpts, billing.WithHostedCheckout(stripeProvider))
	}

	svc := billing.NewService(resolver, tracker, rules, intents, customers, svcOpts...)

	limiter, err := ratelimiter.NewBucket(ratelimiter.NewRedisStore(rdb), limitCfg)
	if err != nil {
		return err
	}
	handlerOpts = append(handlerOpts,
		billing.WithRateLimiter(limiter),
		billing.WithHealthChecks(map[string]httpserver.Check{
			"postgres": pg.Healthcheck(pool),
			"redis":    redis.Healthcheck(rdb),
		}),
		billing.WithHandlerLogger(log),
	)
	handler := billing.NewHandler(svc, reconciler, handlerOpts...)

	go sweep(ctx, log, svc, billingCfg.SweepInterval, billingCfg.StaleAttemptAfter)

	return httpserver.NewFromConfig(httpCfg, httpserver.WithLogger(log)).Run(ctx, handler.Handle())
}

// sweep cancels abandoned unlock attempts and expired intents until ctx ends.
func sweep(ctx context.Context, log *slog.Logger, svc *billing.Service, every, olderThan time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := svc.Sweep(ctx, olderThan); err != nil {
				log.ErrorContext(ctx, "billing sweep failed", logger.Error(err))
			}
		}
	}
}
