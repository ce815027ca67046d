package main

import (
	"fmt"
	"log"
	"net/http"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ivoronin/reconcile/internal/comparisoncache"
	"github.com/ivoronin/reconcile/internal/config"
	"github.com/ivoronin/reconcile/internal/gateway"
	"github.com/ivoronin/reconcile/internal/jobrunner"
	"github.com/ivoronin/reconcile/internal/runstore"
	"github.com/ivoronin/reconcile/internal/stages"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Gateway HTTP server and JobRunner",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runServe(root, listenAddr)
		},
	}
	cmd.Flags().StringVar(&listenAddr, "listen", "", "Override the config file's listen_addr")
	return cmd
}

func runServe(root *rootOptions, listenAddrOverride string) error {
	cfg, err := config.Load(root.confPath)
	if err != nil {
		return err
	}
	if root.dataDir != "" {
		cfg.DataDir = root.dataDir
	}
	if listenAddrOverride != "" {
		cfg.ListenAddr = listenAddrOverride
	}

	store, err := runstore.Open(filepath.Join(cfg.DataDir, "runs.db"))
	if err != nil {
		return fmt.Errorf("open run store: %w", err)
	}
	defer func() { _ = store.Close() }()

	cache := comparisoncache.New(cfg.DataDir)

	pipeline := &stages.Pipeline{
		Store:           store,
		Cache:           cache,
		DataDir:         cfg.DataDir,
		SampleThreshold: cfg.SampleThreshold,
		MemoryCapKeys:   cfg.MemoryCapKeys,
		MaxRowsPerChunk: cfg.MaxRowsPerChunk,
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	metrics := jobrunner.NewMetrics(reg)
	runner := jobrunner.New(store, pipeline.Register(), cfg.MaxConcurrentRuns, metrics)

	gw := gateway.New(store, cache, runner)

	mux := http.NewServeMux()
	mux.Handle("/", gw.Handler())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	log.Printf("reconcile: listening on %s (data dir %s)", cfg.ListenAddr, cfg.DataDir)
	return http.ListenAndServe(cfg.ListenAddr, mux)
}
