package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/user/osd/internal/config"
	"github.com/user/osd/internal/mapstore"
	"github.com/user/osd/internal/mon"
	"github.com/user/osd/internal/msg"
	"github.com/user/osd/internal/objectstore"
	"github.com/user/osd/internal/observability"
	"github.com/user/osd/internal/osd"
	"github.com/user/osd/internal/osdmap"
	"github.com/user/osd/internal/server"
)

var mkfsCmd = &cobra.Command{
	Use:   "mkfs",
	Short: "Initialize the object store of a node",
	RunE:  runMkfs,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a node in a standalone cluster with an in-process monitor",
	RunE:  runNode,
}

var (
	poolPGs         uint32
	shutdownTimeout = 2 * time.Second
)

func addStoreFlags(fs *pflag.FlagSet) {
	def := config.Default()
	fs.Int32("id", def.Whoami, "Node id (whoami)")
	fs.String("cluster-fsid", "", "Cluster fsid; generated when empty")
	fs.String("data-dir", def.DataDir, "Object store directory")
	fs.String("objectstore", def.ObjectStore, "Object store backend: pebble or badger")
	fs.Bool("no-sync", false, "Disable fsync on store writes")
}

func init() {
	addStoreFlags(mkfsCmd.Flags())
	addStoreFlags(runCmd.Flags())

	def := config.Default()
	runCmd.Flags().String("public-addr", def.PublicAddr, "Public address (ip:port)")
	runCmd.Flags().String("cluster-addr", def.ClusterAddr, "Cluster address (ip:port)")
	runCmd.Flags().String("admin-bind", def.AdminBind, "Admin HTTP bind address; empty disables it")
	runCmd.Flags().Bool("otel-enabled", false, "Enable OpenTelemetry tracing")
	runCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint (host:port) for traces; if empty uses stdout exporter")
	runCmd.Flags().Uint32Var(&poolPGs, "pool-pgs", 8, "Create a replicated pool with this many pgs once active; 0 skips it")
	runCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 2*time.Second, "Graceful HTTP shutdown timeout")

	rootCmd.AddCommand(mkfsCmd, runCmd)
}

func openStore(cfg config.Config) (objectstore.Store, error) {
	return objectstore.New(objectstore.Options{
		Backend: cfg.ObjectStore,
		Dir:     cfg.DataDir,
		NoSync:  cfg.StoreNoSync,
	})
}

// clusterFSID returns the configured fsid, else the one the store was made
// with, else a fresh one.
func clusterFSID(cfg config.Config, store objectstore.Store) (uuid.UUID, error) {
	if cfg.ClusterFSID != "" {
		id, err := uuid.Parse(cfg.ClusterFSID)
		if err != nil {
			return uuid.Nil, fmt.Errorf("cluster fsid: %w", err)
		}
		return id, nil
	}
	if err := store.Mount(); err == nil {
		raw, readErr := store.ReadMeta(osd.MetaClusterFSID)
		if err := store.Umount(); err != nil {
			return uuid.Nil, fmt.Errorf("umount: %w", err)
		}
		if readErr == nil {
			return uuid.Parse(raw)
		}
	}
	return uuid.New(), nil
}

func runMkfs(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath, cmd.Flags())
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	fsid, err := clusterFSID(cfg, store)
	if err != nil {
		return err
	}
	sb, err := osd.Mkfs(store, fsid, cfg.Whoami)
	if err != nil {
		return err
	}
	fmt.Printf("created object store %s for osd.%d fsid %s cluster %s\n",
		cfg.DataDir, sb.Whoami, sb.OSDFSID, sb.ClusterFSID)
	return nil
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath, cmd.Flags())
	if err != nil {
		return err
	}

	slog.Info("starting osd",
		"osd", cfg.Whoami,
		"data_dir", cfg.DataDir,
		"objectstore", cfg.ObjectStore,
		"store_nosync", cfg.StoreNoSync,
		"public_addr", cfg.PublicAddr,
		"cluster_addr", cfg.ClusterAddr,
		"admin_bind", cfg.AdminBind,
		"map_message_max", cfg.MapMessageMax,
		"otel_enabled", cfg.OTelEnabled,
		"otel_endpoint", cfg.OTelEndpoint,
	)

	otelShutdown, err := observability.InitTracer(observability.TracingConfig{
		Enabled:  cfg.OTelEnabled,
		Service:  "osd",
		Whoami:   cfg.Whoami,
		Endpoint: cfg.OTelEndpoint,
	})
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			slog.Warn("otel shutdown error", "error", err)
		}
	}()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	fsid, err := clusterFSID(cfg, store)
	if err != nil {
		return err
	}
	sb, err := osd.Mkfs(store, fsid, cfg.Whoami)
	if err != nil {
		return err
	}

	monitor, err := startMonitor(cfg, sb)
	if err != nil {
		return err
	}

	// Every process binds a fresh nonce so the monitor can tell a restart
	// from the previous instance.
	public, cluster, hbFront, hbBack, err := cfg.Addrs(uint32(os.Getpid()))
	if err != nil {
		return err
	}
	fatalCh := make(chan error, 1)
	node, err := osd.New(osd.Config{
		Whoami:           cfg.Whoami,
		MapMessageMax:    cfg.MapMessageMax,
		MapCacheSize:     cfg.MapCacheSize,
		MapBlobCacheSize: cfg.MapBlobCacheSize,
		BeaconInterval:   cfg.BeaconInterval,
		TickInterval:     cfg.TickInterval,
		LoadConcurrency:  cfg.LoadConcurrency,
		PublicAddrs:      public,
		ClusterAddrs:     cluster,
		HBFrontAddrs:     hbFront,
		HBBackAddrs:      hbBack,
		OnFatal: func(err error) {
			select {
			case fatalCh <- err:
			default:
			}
		},
	}, store, func(d msg.Dispatcher) mon.Client {
		return monitor.Connect(cfg.Whoami, d)
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := node.Start(ctx); err != nil {
		node.Stop()
		return fmt.Errorf("start osd: %w", err)
	}

	var srv *server.Server
	if cfg.AdminBind != "" {
		srv = server.New(node, cfg.AdminBind)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("HTTP server error", "error", err)
				cancel()
			}
		}()
	}

	if poolPGs > 0 {
		go createPool(ctx, monitor, node, poolPGs)
	}

	slog.Info("osd ready", "osd", cfg.Whoami, "admin_bind", cfg.AdminBind)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	var runErr error
	select {
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	case err := <-fatalCh:
		slog.Error("fatal error, stopping", "error", err)
		runErr = err
	case <-node.Done():
		slog.Info("osd stopped itself")
	case <-ctx.Done():
	}

	if srv != nil {
		slog.Info("stopping HTTP server")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP shutdown error", "error", err)
		}
	}

	slog.Info("stopping osd")
	node.Stop()
	slog.Info("osd stopped")
	return runErr
}

// startMonitor builds the in-process monitor of a standalone cluster holding
// this node, and advances it to the newest epoch the store has seen so the
// node never finds the monitor behind it.
func startMonitor(cfg config.Config, sb mapstore.Superblock) (*mon.Local, error) {
	monitor := mon.NewLocal(mon.LocalConfig{
		FSID:       sb.ClusterFSID.String(),
		MessageMax: cfg.MapMessageMax,
		AutoUp:     cfg.MonAutoUp,
	})
	flags := osdmap.FlagSortBitwise
	if _, err := monitor.Commit(func(inc *osdmap.Incremental) {
		inc.NewFlags = &flags
		inc.NewRequireOSDRelease = osdmap.ReleaseNautilus
		inc.NewMaxOSD = cfg.Whoami + 1
		inc.NewExists = map[int32]string{cfg.Whoami: sb.OSDFSID.String()}
	}); err != nil {
		return nil, fmt.Errorf("bootstrap monitor: %w", err)
	}
	for monitor.Current().Epoch < sb.NewestMap {
		if _, err := monitor.Commit(nil); err != nil {
			return nil, fmt.Errorf("advance monitor: %w", err)
		}
	}
	slog.Info("standalone monitor ready", "fsid", sb.ClusterFSID.String(), "epoch", monitor.Current().Epoch)
	return monitor, nil
}

// createPool creates pool 1 once the node is active and clears its creating
// flag after every pg exists.
func createPool(ctx context.Context, monitor *mon.Local, node *osd.OSD, pgNum uint32) {
	const poolID = 1
	if !waitUntil(ctx, func() bool { return node.State() == osd.StateActive }) {
		return
	}
	if monitor.Current().HavePool(poolID) {
		return
	}
	pool := osdmap.Pool{
		ID:      poolID,
		Name:    "data",
		Type:    osdmap.PoolReplicated,
		Size:    1,
		MinSize: 1,
		PGNum:   pgNum,
	}
	if _, err := monitor.CreatePool(pool); err != nil {
		slog.Error("create pool", "pool", poolID, "error", err)
		return
	}
	if !waitUntil(ctx, func() bool { return len(node.PGs()) >= int(pgNum) }) {
		return
	}
	if _, err := monitor.FinishPoolCreate(poolID); err != nil {
		slog.Error("finish pool create", "pool", poolID, "error", err)
		return
	}
	slog.Info("pool created", "pool", poolID, "pg_num", pgNum)
}

func waitUntil(ctx context.Context, fn func() bool) bool {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	for !fn() {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
		}
	}
	return true
}
