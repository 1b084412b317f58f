package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"

	"loom/internal/api"
	"loom/internal/capability"
	"loom/internal/config"
	"loom/internal/executor"
	"loom/internal/ledger"
	"loom/internal/mesh"
	"loom/internal/remote"
	"loom/internal/router"
	"loom/internal/server"
	"loom/internal/state"
	"loom/internal/stream/nats"
	"loom/internal/trust"
)

var cli struct {
	Config string   `short:"c" help:"Path to the config file." type:"path"`
	Serve  serveCmd `cmd:"" default:"withargs" help:"Run the mesh inference node."`
}

type serveCmd struct{}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("loomd"),
		kong.Description("Peer mesh AI inference node: capability gossip, trust-ranked routing, private serving and a token ledger."),
	)
	ctx.FatalIfErrorf(ctx.Run())
}

func (s *serveCmd) Run() error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}

	logger := logrus.New()
	if cfg.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	}
	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(level)
	}
	if logger.GetLevel() < logrus.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	if cfg.Node.DeviceID == "" {
		cfg.Node.DeviceID = uuid.New().String()
		logger.WithField("deviceId", cfg.Node.DeviceID).Warn("no device id configured, generated an ephemeral one")
	}

	appState := state.New()
	appState.Config = cfg
	appState.Logger = logger

	// One DB handle backs both the trust and ledger stores; the state owns
	// its lifetime.
	if err := os.MkdirAll(cfg.Node.DataDir, 0o755); err != nil {
		return err
	}
	db, err := leveldb.OpenFile(filepath.Join(cfg.Node.DataDir, "loom.db"), nil)
	if err != nil {
		return err
	}
	appState.DB = db

	trustEngine, err := trust.NewEngine(cfg.Trust.Thresholds, trust.NewLevelDBStore(db))
	if err != nil {
		appState.Close()
		return err
	}
	appState.Trust = trustEngine

	ledgerStore, err := ledger.NewLevelDBStore(db)
	if err != nil {
		appState.Close()
		return err
	}
	tokenLedger, err := ledger.New(ledgerStore)
	if err != nil {
		appState.Close()
		return err
	}
	appState.Ledger = tokenLedger

	battery := &capability.SysfsBattery{Root: cfg.Capability.BatterySysfsRoot}
	model := capability.StaticModel{Name: cfg.Capability.ModelName}
	appState.Provider = capability.NewSystemProvider(cfg.Capability.Weights, battery, model)

	appState.Topology = mesh.NewTopology(cfg.TopologyConfig(), trustEngine)

	var exec server.Executor
	if cfg.Capability.RuntimeEndpoint != "" {
		exec = executor.NewHTTP(cfg.Capability.RuntimeEndpoint, logger)
	}
	srv := server.New(cfg.ServerConfig(), tokenLedger, trustEngine, exec, logger)
	srv.SetHandler(api.SessionHandler(srv, logger))
	appState.Server = srv

	appState.Router = router.New(trustEngine, srv.SessionLoad)
	appState.Remote = remote.NewClient(logger)

	if cfg.NATS.URL != "" {
		meshStream, err := nats.New(cfg.NATS.URL, logger)
		if err != nil {
			logger.WithError(err).Warn("failed to initialize NATS stream, running without mesh gossip")
		} else {
			appState.Stream = meshStream
			logger.Info("NATS stream initialized")
		}
	}

	if cfg.Server.IsEnabled {
		if err := srv.Start(); err != nil {
			logger.WithError(err).Warn("inference server did not start")
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if appState.Stream != nil {
		advertiser := mesh.NewAdvertiser(
			cfg.Node.DeviceID,
			cfg.Node.Name,
			appState.Provider,
			func() mesh.ServeInfo {
				return mesh.ServeInfo{
					PricePerRequest: srv.Config().PricePerRequest,
					Address:         srv.Address(),
				}
			},
			appState.Topology,
			appState.Stream,
			cfg.Mesh.AdvertiseInterval.Std(),
			logger,
		)
		go func() {
			if err := advertiser.Run(runCtx); err != nil && err != context.Canceled {
				logger.WithError(err).Error("advertiser stopped")
			}
		}()
	}

	go maintenanceLoop(runCtx, appState)

	engine := api.SetupRoutes(appState)
	httpServer := &http.Server{
		Addr:    cfg.Node.APIAddress,
		Handler: engine,
	}
	go func() {
		logger.WithField("address", cfg.Node.APIAddress).Info("API listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("API server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down node...")

	// Cancelling the run context publishes the mesh leave message before
	// the stream closes.
	cancel()
	time.Sleep(100 * time.Millisecond)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("API server did not shut down cleanly")
	}

	if err := appState.Close(); err != nil {
		logger.WithError(err).Warn("error during state teardown")
	}

	logger.Info("Node exited gracefully")
	return nil
}

// maintenanceLoop drives the periodic work: topology staleness sweeps and
// battery policy evaluation off fresh capability snapshots.
func maintenanceLoop(ctx context.Context, appState *state.State) {
	cfg := appState.Config
	tick := time.NewTicker(cfg.Mesh.TickInterval.Std())
	snapshot := time.NewTicker(cfg.Capability.SnapshotInterval.Std())
	defer tick.Stop()
	defer snapshot.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tick.C:
			for _, id := range appState.Topology.Tick(now) {
				appState.Logger.WithField("peer", id).Info("peer expired from mesh")
			}
		case <-snapshot.C:
			appState.Server.EvaluatePower(appState.Provider.Snapshot())
		}
	}
}
