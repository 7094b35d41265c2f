// Command execworker connects to an execd server and runs dispatched
// execution groups in OS-process sandboxes (spec §6 "Worker process").
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/veluca93/task-maker-go/internal/filestore"
	"github.com/veluca93/task-maker-go/internal/logging"
	"github.com/veluca93/task-maker-go/internal/proto"
	"github.com/veluca93/task-maker-go/internal/sandbox/execadapter"
	"github.com/veluca93/task-maker-go/internal/worker"
)

var opts struct {
	name        string
	cores       int
	serverAddr  string
	secret      string
	sandboxRoot string
	maxCacheMiB uint64
	minCacheMiB uint64
	logLevel    string
}

func main() {
	root := &cobra.Command{
		Use:   "execworker",
		Short: "Connect to an execd server and run dispatched execution groups",
		RunE:  run,
	}

	flags := root.Flags()
	flags.StringVar(&opts.name, "name", "", "display name advertised to the server (defaults to a generated id)")
	flags.IntVar(&opts.cores, "cores", 1, "core count advertised to the server (the server still runs one group at a time on this worker)")
	flags.StringVar(&opts.serverAddr, "server-addr", "127.0.0.1:7071", "execd worker-facing listen address to dial")
	flags.StringVar(&opts.secret, "secret", "", "shared secret expected by the server's worker listener")
	flags.StringVar(&opts.sandboxRoot, "sandbox-root", "./execworker-sandbox", "directory for per-group sandbox roots and the local blob cache")
	flags.Uint64Var(&opts.maxCacheMiB, "max-cache-mib", 2048, "local blob cache high watermark in MiB before eviction runs")
	flags.Uint64Var(&opts.minCacheMiB, "min-cache-mib", 1024, "local blob cache low watermark in MiB to evict down to")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level (debug|info|warn|error)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if err := logging.SetLevel(opts.logLevel); err != nil {
		return fmt.Errorf("execworker: %w", err)
	}

	name := opts.name
	if name == "" {
		name = "worker-" + uuid.NewString()[:8]
	}

	ctx, cancel := context.WithCancel(logging.WithComponent(context.Background(), "execworker"))
	defer cancel()
	log := logging.G(ctx)

	if err := os.MkdirAll(opts.sandboxRoot, 0o755); err != nil {
		return fmt.Errorf("execworker: creating sandbox root: %w", err)
	}
	cacheDir := opts.sandboxRoot + "/cache"
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return fmt.Errorf("execworker: creating cache dir: %w", err)
	}

	fs, err := filestore.Open(ctx, cacheDir, opts.maxCacheMiB, opts.minCacheMiB)
	if err != nil {
		return fmt.Errorf("execworker: opening local blob cache: %w", err)
	}
	defer fs.Close()

	cc, err := worker.DialTCP(ctx, opts.serverAddr)
	if err != nil {
		return fmt.Errorf("execworker: dialing server: %w", err)
	}
	defer cc.Close()

	stream, err := proto.NewWorkerServiceClient(ctx, cc)
	if err != nil {
		return fmt.Errorf("execworker: opening session: %w", err)
	}

	w := worker.New(stream, name, opts.cores, opts.sandboxRoot, fs, execadapter.New)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigc
		log.Info("execworker: shutting down")
		cancel()
	}()

	log.WithField("name", name).WithField("server-addr", opts.serverAddr).Info("execworker: connected")
	return w.Run(ctx, opts.secret)
}
