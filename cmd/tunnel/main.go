package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	k8s "k8s.io/client-go/kubernetes"

	"github.com/hasirciogluhq/xtls-tunnel/cmd/tunnel/internal/api"
	"github.com/hasirciogluhq/xtls-tunnel/cmd/tunnel/internal/config"
	"github.com/hasirciogluhq/xtls-tunnel/cmd/tunnel/internal/core"
	"github.com/hasirciogluhq/xtls-tunnel/cmd/tunnel/internal/factory"
	"github.com/hasirciogluhq/xtls-tunnel/cmd/tunnel/internal/logger"
	"github.com/hasirciogluhq/xtls-tunnel/cmd/tunnel/internal/metrics"
)

func main() {
	// Optional .env for local runs
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Failed to load .env: %v\n", err)
	}

	// Load configuration from environment
	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	clock := core.SystemClock{}
	log := logger.New(logger.Options{Debug: cfg.Debug, Format: cfg.LogFormat, Clock: clock})
	log.Info("Starting xtls-tunnel...",
		"runtime", cfg.Runtime,
		"forward_mode", cfg.ForwardMode,
		"discovery", cfg.DiscoveryMode,
		"tls_mode", cfg.TLSMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, clock); err != nil {
		log.Error("Tunnel stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("Tunnel stopped")
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger, clock core.Clock) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Kubernetes client is shared by the Secret store and the Service resolver
	var clientset k8s.Interface
	if cfg.NeedsKubernetes() {
		var err error
		clientset, err = factory.NewKubernetesClient(cfg, log)
		if err != nil {
			return err
		}
	}

	// Load the serving certificate
	tlsFactory := factory.NewTLSFactory(cfg, log, clock)
	store, err := tlsFactory.Create(ctx, clientset)
	if err != nil {
		return fmt.Errorf("failed to create credential store: %w", err)
	}
	cert, err := tlsFactory.LoadCertificate(ctx, store)
	if err != nil {
		return err
	}

	resolver, err := factory.NewResolverFactory(cfg, log).Create(ctx, clientset)
	if err != nil {
		return fmt.Errorf("failed to create backend resolver: %w", err)
	}

	handler, err := factory.NewTunnelFactory(cfg, log, m, clock).Create(cert, resolver)
	if err != nil {
		return fmt.Errorf("failed to create tunnel handler: %w", err)
	}

	statusServer := api.NewStatusServer(cfg.StatusAddr(), reg, m, log)
	server := &core.Server{
		ConnectionHandler: handler,
		Logger:            log,
		ShutdownTimeout:   cfg.ShutdownTimeout,
		OnListening: func(addr net.Addr) {
			// Mark as ready
			statusServer.SetReady(true)
			log.Info("Tunnel is ready to accept connections", "addr", addr.String())
		},
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return statusServer.Run(ctx)
	})
	g.Go(func() error {
		defer statusServer.SetReady(false)
		return server.ListenAndServe(ctx, core.TCPTransport{}, cfg.ListenAddr())
	})
	return g.Wait()
}
