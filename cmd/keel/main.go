package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/keel/pkg/agent"
	"github.com/cuemby/keel/pkg/config"
	"github.com/cuemby/keel/pkg/log"
	"github.com/cuemby/keel/pkg/metrics"
	"github.com/cuemby/keel/pkg/orchestrator"
	"github.com/cuemby/keel/pkg/security"
	"github.com/cuemby/keel/pkg/storage"
	"github.com/spf13/cobra"
	"google.golang.org/grpc/credentials"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "keel",
	Short: "Keel - storage cluster orchestrator",
	Long: `Keel keeps the daemons of a storage cluster where their service specs
say they should be. It tracks the host inventory, refreshes what each host
runs, and deploys or removes daemons until the cluster matches.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Keel version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Log as JSON")

	rootCmd.AddCommand(serveCmd)
}

// loadConfig reads --config when given and applies the global flags
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	if cmd.Flags().Changed("log-json") {
		cfg.Log.JSON, _ = cmd.Flags().GetBool("log-json")
	}
	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
		Output:     os.Stderr,
	})
	return cfg, cfg.Validate()
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator",
	Long: `Run the orchestrator control plane.

The reconciliation loop runs until interrupted. Metrics are served on
/metrics and health on /health, /ready and /live of --metrics-addr.

Examples:
  # Single node with local state
  keel serve --config /etc/keel/keel.yaml

  # Seed hosts and services on first start
  keel serve --cluster cluster.yaml`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringP("config", "c", "", "Configuration file")
	serveCmd.Flags().String("cluster", "", "Cluster file with hosts and services to seed")
	serveCmd.Flags().String("metrics-addr", "", "Metrics and health listen address")
	serveCmd.Flags().Bool("ephemeral", false, "Keep state in memory only")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		cfg.Metrics.Addr = addr
	}
	if ephemeral, _ := cmd.Flags().GetBool("ephemeral"); ephemeral {
		cfg.Storage.Backend = config.BackendMemory
	}

	logger := log.WithComponent("main")

	store, raftSource, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	clientOpts, err := agentClientOptions(cfg, store)
	if err != nil {
		return err
	}
	client := agent.NewClient(cfg.Agent, clientOpts...)
	defer client.Close()

	orch, err := orchestrator.New(cfg, store, client, orchestrator.WithVersion(Version))
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if path, _ := cmd.Flags().GetString("cluster"); path != "" {
		if err := seed(ctx, orch, path); err != nil {
			return err
		}
	}

	orch.Start(ctx)

	var source metrics.RaftSource
	if raftSource != nil {
		source = raftSource
	}
	collector := metrics.NewCollector(orch, source, cfg.Loop.Interval)
	collector.Start()

	srv := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           orch.Health().Mux(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server error: %w", err)
		}
	}()
	logger.Info().
		Str("version", Version).
		Str("storage", cfg.Storage.Backend).
		Str("metrics_addr", cfg.Metrics.Addr).
		Msg("keel is running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case runErr = <-errCh:
		logger.Error().Err(runErr).Msg("shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	collector.Stop()
	orch.Stop()
	cancel()

	logger.Info().Msg("shutdown complete")
	return runErr
}

// openStore opens the configured persistence backend. The replicated store
// is returned a second time for raft metrics.
func openStore(cfg *config.Config) (storage.Store, *storage.ReplicatedStore, error) {
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		return storage.NewMemoryStore(), nil, nil
	case config.BackendBolt:
		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open state: %w", err)
		}
		return store, nil, nil
	case config.BackendRaft:
		local, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open state: %w", err)
		}
		rs, err := storage.NewReplicatedStore(storage.RaftConfig{
			NodeID:    cfg.Storage.NodeID,
			BindAddr:  cfg.Storage.RaftBindAddr,
			DataDir:   cfg.DataDir,
			Bootstrap: cfg.Storage.Bootstrap,
		}, local)
		if err != nil {
			_ = local.Close()
			return nil, nil, err
		}
		if cfg.Storage.Bootstrap {
			if err := rs.WaitForLeader(30 * time.Second); err != nil {
				_ = rs.Close()
				return nil, nil, err
			}
		}
		return rs, rs, nil
	}
	return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}

// agentClientOptions sets up mutual TLS to the agents when enabled. The
// orchestrator certificate is issued fresh on every start.
func agentClientOptions(cfg *config.Config, store storage.Store) ([]agent.ClientOption, error) {
	if !cfg.Agent.TLS {
		return nil, nil
	}
	ca := security.NewCertAuthority(store)
	if err := ca.LoadOrInitialize(); err != nil {
		return nil, fmt.Errorf("failed to load certificate authority: %w", err)
	}
	cert, err := ca.IssueOrchestratorCertificate(cfg.Storage.NodeID)
	if err != nil {
		return nil, err
	}
	creds := credentials.NewTLS(security.ClientTLSConfig(cert, ca.CertPool()))
	return []agent.ClientOption{agent.WithTransportCredentials(creds)}, nil
}

// seed adds the hosts and applies the services of a cluster file. Hosts that
// fail their check are logged and skipped.
func seed(ctx context.Context, orch *orchestrator.Orchestrator, path string) error {
	cf, err := config.LoadClusterFile(path)
	if err != nil {
		return err
	}
	logger := log.WithComponent("seed")
	for _, h := range cf.Hosts {
		msg, err := orch.AddHost(ctx, h)
		if err != nil {
			logger.Warn().Err(err).Str("host", h.Hostname).Msg("failed to add host")
			continue
		}
		logger.Info().Msg(msg)
	}
	for _, spec := range cf.Services {
		msg, err := orch.Apply(spec)
		if err != nil {
			return fmt.Errorf("failed to apply %s: %w", spec.ServiceName(), err)
		}
		logger.Info().Msg(msg)
	}
	return nil
}
