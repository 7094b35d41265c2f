// Command execd runs the scheduler server: it accepts client sessions
// on one listener, worker sessions on another, and persists the
// execution cache across restarts (spec §6 "Server process").
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/veluca93/task-maker-go/internal/execcache"
	"github.com/veluca93/task-maker-go/internal/filestore"
	"github.com/veluca93/task-maker-go/internal/logging"
	"github.com/veluca93/task-maker-go/internal/server"
)

var opts struct {
	clientAddr   string
	workerAddr   string
	metricsAddr  string
	storeDir     string
	maxCacheMiB  uint64
	minCacheMiB  uint64
	clientSecret string
	workerSecret string
	logLevel     string
}

func main() {
	root := &cobra.Command{
		Use:   "execd",
		Short: "Run the task evaluation scheduler server",
		RunE:  run,
	}

	flags := root.Flags()
	flags.StringVar(&opts.clientAddr, "client-addr", "127.0.0.1:7070", "listen address for client sessions")
	flags.StringVar(&opts.workerAddr, "worker-addr", "127.0.0.1:7071", "listen address for worker sessions")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "listen address for the Prometheus metrics endpoint (disabled if empty)")
	flags.StringVar(&opts.storeDir, "store-dir", "./execd-store", "directory for the content-addressed file store and cache manifest")
	flags.Uint64Var(&opts.maxCacheMiB, "max-cache-mib", 4096, "file store high watermark in MiB before eviction runs")
	flags.Uint64Var(&opts.minCacheMiB, "min-cache-mib", 2048, "file store low watermark in MiB to evict down to")
	flags.StringVar(&opts.clientSecret, "client-secret", "", "shared secret required from connecting clients")
	flags.StringVar(&opts.workerSecret, "worker-secret", "", "shared secret required from connecting workers")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level (debug|info|warn|error)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if err := logging.SetLevel(opts.logLevel); err != nil {
		return fmt.Errorf("execd: %w", err)
	}

	ctx := logging.WithComponent(context.Background(), "execd")
	log := logging.G(ctx)

	if err := os.MkdirAll(opts.storeDir, 0o755); err != nil {
		return fmt.Errorf("execd: creating store dir: %w", err)
	}

	fs, err := filestore.Open(ctx, opts.storeDir, opts.maxCacheMiB, opts.minCacheMiB)
	if err != nil {
		return fmt.Errorf("execd: opening file store: %w", err)
	}
	defer fs.Close()

	cache := execcache.Load(ctx, opts.storeDir)

	srv := server.New(fs, cache, server.Config{
		ClientSecret: opts.clientSecret,
		WorkerSecret: opts.workerSecret,
	})

	if opts.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(fs.Collectors()...)
		reg.MustRegister(cache.Collectors()...)
		reg.MustRegister(srv.Scheduler.Collectors()...)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(opts.metricsAddr, mux); err != nil {
				log.WithError(err).Warn("execd: metrics listener stopped")
			}
		}()
	}

	clientLis, err := net.Listen("tcp", opts.clientAddr)
	if err != nil {
		return fmt.Errorf("execd: binding client listener: %w", err)
	}
	workerLis, err := net.Listen("tcp", opts.workerAddr)
	if err != nil {
		return fmt.Errorf("execd: binding worker listener: %w", err)
	}

	errc := make(chan error, 2)
	go func() { errc <- srv.ServeClients(clientLis) }()
	go func() { errc <- srv.ServeWorkers(workerLis) }()

	log.WithField("client-addr", opts.clientAddr).WithField("worker-addr", opts.workerAddr).Info("execd: listening")

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigc:
		log.WithField("signal", sig).Info("execd: shutting down")
	case err := <-errc:
		if err != nil {
			log.WithError(err).Error("execd: listener failed")
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Stop(stopCtx, opts.storeDir)
}
