// Command renew runs the periodic subscription-renewal job (component F):
// for every active subscription with an expired required upstream order,
// re-issue the missing order if the consent still resolves; afterwards,
// garbage-collect upstream orders no subscription references any longer
// (spec.md §4.6).
//
// Grounded on apps/discovery-service/internal/worker/scan_poller.go's
// ticker-driven poll shape, generalized here to a cron.Schedule via
// robfig/cron/v3 (spec.md's periodic renewal task, SPEC_FULL.md §2).
package main

import (
	"context"
	"flag"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/consometers/sge-tiers-proxy/internal/config"
	"github.com/consometers/sge-tiers-proxy/internal/consent"
	"github.com/consometers/sge-tiers-proxy/internal/coordinator"
	"github.com/consometers/sge-tiers-proxy/internal/dsoclient"
	"github.com/consometers/sge-tiers-proxy/internal/guardedcall"
	"github.com/consometers/sge-tiers-proxy/internal/ledger"
	"github.com/consometers/sge-tiers-proxy/internal/obslog"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the JSON configuration document")
	schedule := flag.String("schedule", "@every 1h", "cron schedule for the renewal pass")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	logger := obslog.New("renew", cfg.LogDir)
	defer logger.Sync()

	poolCfg, err := pgxpool.ParseConfig(cfg.DBURL)
	if err != nil {
		logger.Fatal("failed to parse db_url", zap.Error(err))
	}
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()
	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()
	store := ledger.NewStore(pool)

	dsoLocation, err := time.LoadLocation("Europe/Paris")
	if err != nil {
		logger.Fatal("failed to load DSO time zone", zap.Error(err))
	}
	dso, err := dsoclient.NewWithClientCert(cfg.DSO.BaseURL, cfg.DSO.Login, cfg.DSO.ContractID,
		dsoLocation, cfg.DSO.CertPath, cfg.DSO.PrivateKeyPath)
	if err != nil {
		logger.Fatal("failed to build DSO client", zap.Error(err))
	}

	resolver := consent.New(store)
	coord := coordinator.New(store, store, dso)

	c := cron.New()
	_, err = c.AddFunc(*schedule, func() {
		runRenewalPass(context.Background(), store, resolver, coord, logger)
	})
	if err != nil {
		logger.Fatal("invalid cron schedule", zap.String("schedule", *schedule), zap.Error(err))
	}

	logger.Info("renewal job scheduled", zap.String("schedule", *schedule))
	c.Run() // blocks; AddFunc-registered jobs run on their own goroutines
}

// runRenewalPass implements spec.md §4.6's renewal sweep plus the §3
// garbage-collection supplement: for each active subscription with expired
// required call kinds, re-place the missing upstream orders if the
// subscriber's consent still resolves; then delete upstream orders no
// subscription references any longer.
func runRenewalPass(ctx context.Context, store *ledger.Store, resolver *consent.Resolver, coord *coordinator.Coordinator, logger *zap.Logger) {
	subs, err := store.ListActiveSubscriptions(ctx)
	if err != nil {
		logger.Error("failed to list active subscriptions", zap.Error(err))
		return
	}

	renewed := 0
	for _, sub := range subs {
		expired, err := coord.ExpiredCalls(ctx, sub)
		if err != nil {
			logger.Error("failed to compute expired calls", zap.Int64("subscription_id", sub.ID), zap.Error(err))
			continue
		}
		if len(expired) == 0 {
			continue
		}

		c, err := resolver.Resolve(ctx, sub.UserID, sub.UsagePointID, time.Now())
		if err != nil {
			logger.Warn("consent no longer resolves, skipping renewal",
				zap.Int64("subscription_id", sub.ID), zap.Error(err))
			continue
		}

		up, err := store.GetUsagePoint(ctx, sub.UsagePointID)
		if err != nil {
			logger.Error("failed to load usage point", zap.String("usage_point_id", sub.UsagePointID), zap.Error(err))
			continue
		}
		isLinky := up.Segment != nil && up.Segment.IsLinky()

		spec := guardedcall.CallSpec{
			Webservice: ledger.WebserviceSubscribe, UsagePointID: sub.UsagePointID, UserID: sub.UserID,
			ConsentID: c.ID, ConsentBeginsAt: c.BeginsAt, ConsentExpiresAt: c.ExpiresAt,
		}
		for _, callType := range expired {
			order, err := coord.GetOrCallUpstreamOrder(ctx, spec, sub.UsagePointID, callType, isLinky,
				c.IssuerType == ledger.IssuerCompany, c.IssuerName)
			if err != nil {
				if dsoclient.IsCode(err, "SGT570") {
					continue
				}
				logger.Error("failed to renew upstream order", zap.Int64("subscription_id", sub.ID), zap.Error(err))
				continue
			}
			if err := store.LinkSubscriptionOrder(ctx, sub.ID, order.ID); err != nil {
				logger.Error("failed to link renewed upstream order", zap.Int64("subscription_id", sub.ID), zap.Error(err))
				continue
			}
			renewed++
		}
	}
	logger.Info("renewal pass complete", zap.Int("subscriptions_checked", len(subs)), zap.Int("orders_renewed", renewed))

	deleted, err := coord.GarbageCollect(ctx)
	if err != nil {
		logger.Error("garbage collection failed", zap.Error(err))
		return
	}
	logger.Info("garbage collection complete", zap.Int("orders_deleted", deleted))
}
