// Command knotproofd runs the relay node: it dials and accepts Bitcoin
// peers, relays transactions between them, classifies their software by
// user agent, and exposes the result as Prometheus metrics.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"
	"gopkg.in/urfave/cli.v1"

	"github.com/knotproof/knotproof/internal/addrstore"
	"github.com/knotproof/knotproof/internal/config"
	"github.com/knotproof/knotproof/internal/discovery"
	"github.com/knotproof/knotproof/internal/relay"
	"github.com/knotproof/knotproof/internal/telemetry"
)

// defaultDBPath returns knotproof/peers.db under the per-user directory
// reported by os.UserConfigDir, falling back to the current directory if
// none can be determined.
func defaultDBPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "knotproof", "peers.db")
}

func main() {
	app := cli.NewApp()
	app.Name = "knotproofd"
	app.Usage = "aggressive Bitcoin P2P relay node for topology exploration"
	app.Flags = config.Flags
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("knotproofd: build logger: %w", err)
	}
	defer logger.Sync()
	log := logger.Sugar()

	cfg, err := config.FromContext(ctx)
	if err != nil {
		return fmt.Errorf("knotproofd: config: %w", err)
	}
	log.Infow("knotproofd: starting",
		"target_peers", cfg.TargetPeers,
		"listen_port", cfg.ListenPort,
		"enable_discovery", cfg.EnableDiscovery,
		"user_agent", cfg.UserAgent,
	)

	dbPath := defaultDBPath()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("knotproofd: create data dir: %w", err)
	}

	store, err := addrstore.Open(dbPath)
	if err != nil {
		return fmt.Errorf("knotproofd: open address store: %w", err)
	}
	defer store.Close()

	metrics, registry := telemetry.New()

	manager := relay.New(store, metrics, relay.Config{
		TargetPeers: cfg.TargetPeers,
		ListenAddr:  cfg.ListenAddr(),
		UserAgent:   cfg.UserAgent,
		PeerTimeout: cfg.PeerTimeout(),
	}, log)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.EnableDiscovery {
		disco := discovery.New(store, metrics, manager, cfg.DiscoveryInterval(), log)
		manager.SetDiscovery(disco)
		go disco.Run(runCtx)
	} else {
		log.Infow("knotproofd: discovery disabled")
	}

	go telemetry.Serve(runCtx, cfg.MetricsAddr, registry, log)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigc)
	go func() {
		<-sigc
		log.Infow("knotproofd: received shutdown signal")
		cancel()
	}()

	manager.Run(runCtx)
	log.Infow("knotproofd: stopped")
	return nil
}
