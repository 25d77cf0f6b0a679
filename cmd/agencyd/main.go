// Command agencyd runs an in-memory, single-node agency over HTTP. It is
// a development stand-in for a real replicated agency: one process, no
// persistence, always leading unless told otherwise.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/dreamware/warden/internal/agency"
)

func main() {
	var (
		addr    = flag.String("addr", ":4001", "listen address")
		leader  = flag.Bool("leader", true, "report this instance as the agency leader")
		verbose = flag.Bool("verbose", false, "enable debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	store := agency.NewStore()
	store.SetLeading(*leader, time.Now())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           agency.NewServer(store, log).Mux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("agencyd listening", "addr", *addr, "leader", *leader)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("listen failed", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	log.Info("agencyd stopped")
}
