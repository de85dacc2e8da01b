// Command omsd launches the order lifecycle and reconciliation daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"

	"github.com/meridianhq/ordercore/config"
	"github.com/meridianhq/ordercore/internal/broker"
	"github.com/meridianhq/ordercore/internal/broker/paper"
	"github.com/meridianhq/ordercore/internal/broker/rest"
	"github.com/meridianhq/ordercore/internal/lifecycle"
	"github.com/meridianhq/ordercore/internal/observability"
	"github.com/meridianhq/ordercore/internal/orderstore"
	"github.com/meridianhq/ordercore/internal/orderstore/postgres"
	"github.com/meridianhq/ordercore/internal/reconcile"
	"github.com/meridianhq/ordercore/internal/retry"
	"github.com/meridianhq/ordercore/internal/schema"
)

const (
	omsdLoggerPrefix = "omsd "
	migrateTimeout   = 30 * time.Second
)

func main() {
	cfgPath, verbose := parseFlags()

	ctx, cancel := newSignalContext()
	defer cancel()

	logger := log.New(os.Stdout, omsdLoggerPrefix, log.LstdFlags)
	observability.SetLogger(observability.NewStdLogger(logger, verbose))

	cfg, err := config.LoadOrDefault(cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: env=%s, accounts=%d, store=%s",
		cfg.Environment, len(cfg.Accounts), cfg.Store.Driver)

	store, cleanup, err := buildStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("initialise store: %v", err)
	}
	defer cleanup()

	gateways := buildGateways(cfg)
	brokers := make(map[string]lifecycle.Broker, len(gateways))
	readers := make([]reconcile.Gateway, 0, len(gateways))
	for accountID, gw := range gateways {
		brokers[accountID] = gw
		readers = append(readers, gw)
	}

	machine := lifecycle.NewMachine(store, brokers)
	engine := reconcile.NewEngine(store, machine, readers...)

	var loop conc.WaitGroup
	loop.Go(func() {
		engine.RunEvery(ctx, cfg.Reconcile.Interval.Std())
	})
	logger.Printf("reconciler running every %s", cfg.Reconcile.Interval.Std())

	logger.Print("omsd started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, stopping reconciler")
	loop.Wait()
	logger.Print("shutdown complete")
}

func parseFlags() (string, bool) {
	cfgPath := flag.String("config", "", "Path to the yaml configuration file")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()
	return *cfgPath, *verbose
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func buildStore(ctx context.Context, cfg config.Config, logger *log.Logger) (orderstore.Store, func(), error) {
	switch cfg.Store.Driver {
	case config.StorePostgres:
		migrateCtx, cancel := context.WithTimeout(ctx, migrateTimeout)
		defer cancel()
		if err := postgres.Migrate(migrateCtx, cfg.Store.DSN); err != nil {
			return nil, nil, fmt.Errorf("apply migrations: %w", err)
		}
		pool, err := pgxpool.New(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		logger.Print("postgres order store ready")
		return postgres.NewStore(pool), pool.Close, nil
	default:
		logger.Print("in-memory order store ready")
		return orderstore.NewMemoryStore(), func() {}, nil
	}
}

func buildGateways(cfg config.Config) map[string]*broker.Gateway {
	opts := []broker.GatewayOption{}
	if schedule := cfg.Retry.Schedule(); schedule != nil {
		opts = append(opts, broker.WithRetryPolicy(retry.NewPolicy(retry.WithDelays(schedule...))))
	}

	gateways := make(map[string]*broker.Gateway, len(cfg.Accounts))
	for _, account := range cfg.Accounts {
		acct := schema.Account{
			ID:        account.ID,
			Venue:     account.Venue,
			BaseURL:   account.BaseURL,
			APIKey:    account.APIKey,
			APISecret: account.APISecret,
		}
		var api broker.API
		if account.Paper {
			api = paper.New(account.Venue, paper.WithImmediateFill())
		} else {
			api = rest.NewClient(rest.Options{
				Venue:     account.Venue,
				BaseURL:   account.BaseURL,
				APIKey:    account.APIKey,
				APISecret: account.APISecret,
			})
		}
		accountOpts := opts
		if account.ThrottleRPS > 0 && account.ThrottleBurst > 0 {
			accountOpts = append(accountOpts, broker.WithThrottle(account.ThrottleRPS, account.ThrottleBurst))
		}
		gateways[account.ID] = broker.NewGateway(acct, api, accountOpts...)
	}
	return gateways
}
