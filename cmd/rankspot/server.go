package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rankspot/rankspot/internal/config"
	"github.com/rankspot/rankspot/internal/db"
	"github.com/rankspot/rankspot/internal/logging"
	"github.com/rankspot/rankspot/internal/models"
	"github.com/rankspot/rankspot/internal/notify"
	"github.com/rankspot/rankspot/internal/pool"
	"github.com/rankspot/rankspot/internal/rank"
	"github.com/rankspot/rankspot/internal/remote"
	"github.com/rankspot/rankspot/internal/rental"
	"github.com/rankspot/rankspot/internal/server"
	"github.com/rankspot/rankspot/internal/watchdog"
)

var serverFlags struct {
	dbPath    string
	natsURL   string
	bridgeURL string
	opsPort   int
	adminUser int64
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the monitoring engine",
	Long: `Run the engine: the proxy health checker, the rental watchdog, the
payment subscription, and the operational HTTP endpoint.

Notifications are published to NATS when --nats-url is set; without a
broker they are written to the log.`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)

	serverCmd.Flags().StringVar(&serverFlags.dbPath, "db", getEnv("RANKSPOT_DB", "rankspot.db"), "database path")
	serverCmd.Flags().StringVar(&serverFlags.natsURL, "nats-url", os.Getenv("RANKSPOT_NATS_URL"), "NATS broker URL (empty: log notifications)")
	serverCmd.Flags().StringVar(&serverFlags.bridgeURL, "bridge-url", getEnv("RANKSPOT_BRIDGE_URL", "http://127.0.0.1:8089"), "transport bridge base URL")
	serverCmd.Flags().IntVar(&serverFlags.opsPort, "ops-port", getEnvInt("RANKSPOT_OPS_PORT", 9090), "metrics and health port")
	serverCmd.Flags().Int64Var(&serverFlags.adminUser, "admin-user", int64(getEnvInt("RANKSPOT_ADMIN_USER", 0)), "user id for operator alerts (0 disables)")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	cfg.DBPath = serverFlags.dbPath
	cfg.NATSUrl = serverFlags.natsURL
	cfg.BridgeURL = serverFlags.bridgeURL
	cfg.OpsPort = serverFlags.opsPort

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()
	store := db.NewStore(database)

	var sink notify.Sink = &notify.LogSink{Logger: logger.Named("notify")}
	var nc *nats.Conn
	if cfg.NATSUrl != "" {
		nc, err = notify.Connect(cfg.NATSUrl, logger.Named("nats"))
		if err != nil {
			return fmt.Errorf("connect NATS: %w", err)
		}
		natsSink := notify.NewNATSSink(nc, logger.Named("nats"))
		defer natsSink.Close()
		sink = natsSink
	}

	engine, cache := buildRankStack(store, cfg, sink, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	checker := pool.NewHealthChecker(store,
		cfg.HealthTimeout, cfg.HealthInterval, cfg.ProxyFailLimit, cfg.ProxyRetention,
		logger.Named("health"))
	go checker.Run(ctx)

	if err := cache.Warm(ctx); err != nil {
		logger.Warn("rank cache warm failed", zap.Error(err))
	}

	svc := rental.NewService(store, store, engine, sink,
		cfg.RefundPercent, cfg.SearchLimit, logger.Named("rental"))

	if nc != nil {
		sub, err := notify.SubscribePayments(nc, logger.Named("payments"), func(ev notify.PaymentConfirmed) {
			payCtx, payCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer payCancel()
			if err := svc.ConfirmPayment(payCtx, ev.RentalID, ev.PaymentRef, ev.DurationHours); err != nil {
				logger.Error("payment confirmation failed",
					zap.Error(err), logging.RentalID(ev.RentalID))
			}
		})
		if err != nil {
			return fmt.Errorf("subscribe payments: %w", err)
		}
		defer sub.Unsubscribe()
	}

	dog := watchdog.New(store, svc, engine, sink, watchdog.Config{
		CheckInterval:  cfg.CheckInterval,
		SleepSlice:     cfg.SleepSlice,
		ExpiryReminder: cfg.ExpiryReminder,
		FinalReminder:  cfg.FinalReminder,
		PendingExpiry:  cfg.PendingExpiry,
		ArchiveAfter:   cfg.ArchiveAfter,
		ArchiveHour:    cfg.ArchiveHour,
	}, logger)
	dog.Start()
	defer dog.Stop()

	ops := server.NewOpsServer(cfg.OpsPort, database, logger.Named("ops"))
	ops.Start()
	if err := ops.WaitForStartup(time.Second); err != nil {
		return err
	}
	logger.Info("engine running",
		logging.Port(cfg.OpsPort), zap.String("bridge", cfg.BridgeURL))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	ops.Shutdown(shutdownCtx)
	return nil
}

// buildRankStack wires the probe pipeline: pool, bridge, prober, cache,
// engine. Shared by the server and the one-shot rank commands.
func buildRankStack(store *db.Store, cfg *config.Config, sink notify.Sink, logger *zap.Logger) (*rank.Engine, *rank.Cache) {
	sessionPool := pool.New(store, store, cfg.SessionCooldown, cfg.MaxSessionFails, logger.Named("pool"))
	bridge := remote.NewBridge(cfg.BridgeURL, cfg.ProbeTimeout)
	cache := rank.NewCache(store, cfg.RankCacheTTL, logger.Named("cache"))

	prober := rank.NewProber(rank.ProberConfig{
		Pool:        sessionPool,
		Searcher:    bridge,
		Relabeler:   bridge,
		Assets:      store,
		Wait:        cfg.PropagationWait,
		Timeout:     cfg.ProbeTimeout,
		SearchLimit: cfg.SearchLimit,
		Logger:      logger.Named("probe"),
		Alert: func(ctx context.Context, asset models.Asset, err error) {
			if serverFlags.adminUser == 0 {
				return
			}
			n := notify.New(serverFlags.adminUser, notify.TypeSystem,
				"Label restore failed",
				fmt.Sprintf("Asset %d is stuck with a probe label: %v. Manual restore needed.", asset.ID, err))
			if serr := sink.Send(ctx, n); serr != nil {
				logger.Error("operator alert delivery failed", zap.Error(serr))
			}
		},
	})

	return rank.NewEngine(store, prober, cache, logger.Named("rank")), cache
}
