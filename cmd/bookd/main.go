package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/forgetrade/mcp-binance-go/internal/admission"
	"github.com/forgetrade/mcp-binance-go/internal/analytics"
	"github.com/forgetrade/mcp-binance-go/internal/book"
	"github.com/forgetrade/mcp-binance-go/internal/config"
	"github.com/forgetrade/mcp-binance-go/internal/creds"
	"github.com/forgetrade/mcp-binance-go/internal/errs"
	"github.com/forgetrade/mcp-binance-go/internal/facade"
	"github.com/forgetrade/mcp-binance-go/internal/httpapi"
	"github.com/forgetrade/mcp-binance-go/internal/market"
	"github.com/forgetrade/mcp-binance-go/internal/metrics"
	"github.com/forgetrade/mcp-binance-go/internal/rest"
	"github.com/forgetrade/mcp-binance-go/internal/store"
	"github.com/forgetrade/mcp-binance-go/internal/stream"
	"github.com/forgetrade/mcp-binance-go/internal/tape"
	"github.com/forgetrade/mcp-binance-go/internal/telemetry"
)

const (
	appName = "bookd"
	version = "v1.2.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Real-time order book analytics core",
		Version: version,
		Long: `bookd maintains consistent L2 order books over streaming depth
updates, persists a rolling snapshot time-series, and serves order flow,
volume profile, anomaly, and health analytics on top of it.`,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the order book core and the ops HTTP server",
		RunE:  runServe,
	}
	serveCmd.Flags().String("config", "", "Path to YAML config (defaults apply when omitted)")
	serveCmd.Flags().String("addr", "", "Override the ops server listen address")

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Probe a running instance",
		RunE:  runHealth,
	}
	healthCmd.Flags().String("addr", "localhost:8090", "Address of the running instance")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(healthCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel := telemetry.NewRegistry(nil)

	adm := admission.New(admission.Config{
		RatePerMinute:      cfg.Admission.RatePerMinute,
		Burst:              cfg.Admission.Burst,
		RouteRatePerMinute: cfg.Admission.RouteRatePerMinute,
		RouteBurst:         cfg.Admission.RouteBurst,
		QueueTimeout:       time.Duration(cfg.Admission.QueueTimeoutMs) * time.Millisecond,
	})
	snapshotter := rest.New(cfg.Endpoints.RESTBase, adm, log.Logger)

	snapStore, err := buildStore(cfg)
	if err != nil {
		return err
	}
	defer snapStore.Close()

	tapes := tape.NewTapes(cfg.Endpoints.StreamBase, cfg.Analytics.TapeCapacity, log.Logger)
	tapes.Start(ctx)

	engine := analytics.NewEngine(analytics.Config{
		Retention:           cfg.Retention(),
		MinProfileTrades:    cfg.Analytics.MinProfileTrades,
		StuffingUpdateRate:  cfg.Analytics.StuffingUpdateRate,
		StuffingMaxFillRate: cfg.Analytics.StuffingMaxFillRate,
		IcebergRefillFactor: cfg.Analytics.IcebergRefillFactor,
	}, snapStore, tapes, log.Logger)

	registry := book.NewRegistry(book.RegistryConfig{
		MaxConcurrentSymbols:  cfg.Books.MaxConcurrentSymbols,
		EvictionMinAge:        cfg.FreshnessThreshold(),
		ActivationTimeoutCold: time.Duration(cfg.Books.ActivationTimeoutColdMs) * time.Millisecond,
		ActivationTimeoutWarm: time.Duration(cfg.Books.ActivationTimeoutWarmMs) * time.Millisecond,
	}, sessionFactory(cfg, snapshotter, engine, tel), log.Logger)
	registry.Start(ctx)
	defer registry.Shutdown()

	writer := store.NewWriter(registry, snapStore,
		cfg.SnapshotInterval(),
		time.Duration(cfg.Snapshots.SweepIntervalM)*time.Minute,
		cfg.Retention(),
		log.Logger)
	go writer.Run(ctx)

	f := facade.New(registry, engine, creds.NewStore(), adm, tel,
		func(symbol string) market.Scales {
			p, q := cfg.ScalesFor(symbol)
			return market.Scales{Price: p, Qty: q}
		},
		metrics.L1Config{
			ImbalanceTopK:  cfg.Books.ImbalanceTopK,
			WallMultiplier: cfg.Books.WallMultiplier,
		},
		log.Logger)

	srv := httpapi.New(cfg.Server.Addr, f, log.Logger)
	log.Info().Str("version", version).Str("addr", cfg.Server.Addr).Msg("bookd starting")
	if err := srv.Run(ctx); err != nil && err != http.ErrServerClosed {
		return err
	}
	log.Info().Msg("bookd stopped")
	return nil
}

// telemetryObserver mirrors apply events into the Prometheus counters.
type telemetryObserver struct {
	tel *telemetry.Registry
}

func (o telemetryObserver) ObserveApply(ev book.ApplyEvent) {
	o.tel.DeltasApplied.WithLabelValues(ev.Symbol).Inc()
}

// sessionFactory wires one symbol's depth stream, snapshot fetch, and
// anomaly detector into a session.
func sessionFactory(cfg *config.Config, snapshotter *rest.Snapshotter, engine *analytics.Engine, tel *telemetry.Registry) book.SessionFactory {
	return func(symbol string) *book.Session {
		p, q := cfg.ScalesFor(symbol)
		scales := market.Scales{Price: p, Qty: q}

		source := stream.NewDepthStream(cfg.Endpoints.StreamBase, symbol, scales, cfg.Books.SyncBufferLimit, log.Logger)
		snapFn := func(ctx context.Context, sym string, sc market.Scales) (*book.SyncSnapshot, error) {
			snap, err := snapshotter.Snapshot(ctx, sym, sc)
			if err != nil {
				return nil, err
			}
			return &book.SyncSnapshot{Bids: snap.Bids, Asks: snap.Asks, Cursor: snap.Cursor}, nil
		}

		sess := book.NewSession(book.SessionConfig{
			Symbol:             symbol,
			Scales:             scales,
			FreshnessThreshold: cfg.FreshnessThreshold(),
			SnapshotAttempts:   cfg.Books.SnapshotAttemptBudget,
			SyncBufferLimit:    cfg.Books.SyncBufferLimit,
		}, snapFn, source, log.Logger)
		sess.AddObserver(engine.DetectorFor(symbol, scales))
		sess.AddObserver(telemetryObserver{tel: tel})
		return sess
	}
}

func buildStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Snapshots.Backend {
	case "memory":
		return store.NewMemoryStore(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr: cfg.Snapshots.Redis.Addr,
			DB:   cfg.Snapshots.Redis.DB,
		})
		return store.NewRedisStore(client, cfg.Retention(), log.Logger), nil
	default:
		return nil, errs.Validation("unknown snapshot backend %q", cfg.Snapshots.Backend)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func runHealth(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s/healthz", addr))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("instance unhealthy: status %d", resp.StatusCode)
	}
	fmt.Println("ok")
	return nil
}
