package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/quiltdb/quilt/pkg/config"
	"github.com/quiltdb/quilt/pkg/log"
	"github.com/quiltdb/quilt/pkg/metrics"
	"github.com/quiltdb/quilt/pkg/peer"
	"github.com/quiltdb/quilt/pkg/storage"
	"github.com/quiltdb/quilt/pkg/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the replica daemon: peer server, metrics, periodic sync",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "Path to YAML config file")
	serveCmd.Flags().String("listen", "", "Peer listen address (overrides config)")
	serveCmd.Flags().StringSlice("peer", nil, "Peer sync address (repeatable, overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return err
		}
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.ListenAddr = listen
	}
	if peers, _ := cmd.Flags().GetStringSlice("peer"); len(peers) > 0 {
		cfg.Peers = peers
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("serve")

	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	backend, err := storage.NewBoltBackend(cfg.DataDir)
	if err != nil {
		return err
	}
	st, err := store.Open(backend, cfg.StoreName)
	if err != nil {
		backend.Close()
		return err
	}
	defer st.Close()
	logger.Info().
		Uint64("replica", uint64(st.This())).
		Str("store", cfg.StoreName).
		Msg("replica ready")

	server := peer.NewServer(st)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(cfg.ListenAddr)
	}()

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Error().Err(err).Msg("metrics endpoint failed")
			}
		}()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics endpoint up")
	}

	var ticker *time.Ticker
	var tick <-chan time.Time
	if cfg.SyncInterval > 0 && len(cfg.Peers) > 0 {
		ticker = time.NewTicker(cfg.SyncInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-tick:
			for _, addr := range cfg.Peers {
				if err := server.SyncWith(addr); err != nil {
					logger.Warn().Err(err).Str("peer", addr).Msg("sync round failed")
					continue
				}
				logger.Debug().Str("peer", addr).Msg("sync round complete")
			}
			drainAndLog(st, logger)
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("shutting down")
			server.Stop()
			return nil
		case err := <-errCh:
			return err
		}
	}
}
