package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/dreamware/warden/internal/agency"
	"github.com/dreamware/warden/internal/supervisor"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to a yaml config file")
		endpoint    = flag.String("agency-endpoint", "", "agency HTTP endpoint (overrides config)")
		prefix      = flag.String("prefix", "", "agency prefix (overrides config)")
		frequency   = flag.Float64("frequency", 0, "tick period in seconds (overrides config)")
		gracePeriod = flag.Float64("grace-period", -1, "grace period in seconds (overrides config)")
		metricsAddr = flag.String("metrics-addr", "", "prometheus listen address (overrides config)")
		verbose     = flag.Bool("verbose", false, "enable debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := supervisor.LoadConfig(*configPath)
	if err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if *endpoint != "" {
		cfg.AgencyEndpoint = *endpoint
	}
	if *prefix != "" {
		cfg.AgencyPrefix = *prefix
	}
	if *frequency > 0 {
		cfg.SupervisionFrequency = *frequency
	}
	if *gracePeriod >= 0 {
		cfg.SupervisionGracePeriod = *gracePeriod
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("metrics listening", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics listener failed", "error", err)
			}
		}()
	}

	client := agency.NewClient(cfg.AgencyEndpoint, log)
	sup := supervisor.New(cfg, client, client.Leadership(), log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stop
		log.Info("shutting down supervisor")
		sup.BeginShutdown()
		cancel()
	}()

	log.Info("supervisor starting", "endpoint", cfg.AgencyEndpoint, "prefix", cfg.AgencyPrefix)
	sup.Run(ctx)
	log.Info("supervisor stopped")
}
