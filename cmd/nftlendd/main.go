package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nftlend/config"
	"nftlend/core"
	"nftlend/observability/logging"
	"nftlend/storage"
)

const envVar = "NFTLEND_ENV"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	metricsAddress := flag.String("metrics", ":9464", "Address for the metrics and health endpoints")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv(envVar))
	logger := logging.Setup("nftlendd", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("failed to load config", "path", *configFile, "error", err)
		os.Exit(1)
	}

	allowLists, err := config.NewAllowLists(cfg)
	if err != nil {
		logger.Error("failed to build allow-lists", "error", err)
		os.Exit(1)
	}
	pauses := config.NewPauseSet(cfg)

	feeTreasury, err := cfg.FeeTreasuryAddress()
	if err != nil {
		logger.Error("invalid fee treasury address", "error", err)
		os.Exit(1)
	}
	escrowVault, err := cfg.EscrowVaultAddress()
	if err != nil {
		logger.Error("invalid escrow vault address", "error", err)
		os.Exit(1)
	}
	bidVault, err := cfg.BidVaultAddress()
	if err != nil {
		logger.Error("invalid bid vault address", "error", err)
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "ledger"))
	if err != nil {
		logger.Error("failed to open database", "dataDir", cfg.DataDir, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	hub, err := core.NewHub(core.HubConfig{
		Store:         storage.NewStore(db),
		AllowLists:    allowLists,
		Pauses:        pauses,
		FeeTreasury:   feeTreasury,
		EscrowVault:   escrowVault,
		BidVault:      bidVault,
		MaxFeeBps:     cfg.MaxOriginationFeeBps,
		MinAuctionDur: cfg.MinAuctionDuration,
		Logger:        logger,
	})
	if err != nil {
		logger.Error("failed to construct hub", "error", err)
		os.Exit(1)
	}
	logger.Info("lending hub ready", "currencies", len(cfg.Currencies), "collections", len(cfg.Collections))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if hub == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	server := &http.Server{Addr: *metricsAddress, Handler: mux}

	go func() {
		logger.Info("metrics server listening", "address", *metricsAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("metrics server shutdown failed", "error", err)
	}
}
