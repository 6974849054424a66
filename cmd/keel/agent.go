package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/cuemby/keel/pkg/agent"
	"github.com/cuemby/keel/pkg/health"
	"github.com/cuemby/keel/pkg/log"
	"github.com/cuemby/keel/pkg/runtime"
	"github.com/cuemby/keel/pkg/security"
	"github.com/spf13/cobra"
	"google.golang.org/grpc/credentials"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the host agent",
	Long: `Run the host agent on this host.

The agent runs daemons as containerd containers on behalf of the
orchestrator. It must be able to reach the containerd socket.

Examples:
  keel agent --port 7950 --data-dir /var/lib/keel`,
	RunE: runAgent,
}

func init() {
	agentCmd.Flags().String("hostname", "", "Hostname the agent answers for (default: kernel hostname)")
	agentCmd.Flags().Int("port", 7950, "Agent listen port")
	agentCmd.Flags().String("bind", "0.0.0.0", "Agent listen address")
	agentCmd.Flags().String("containerd-socket", runtime.DefaultSocketPath, "containerd socket path")
	agentCmd.Flags().String("data-dir", "/var/lib/keel", "Data directory for daemons")
	agentCmd.Flags().Bool("probe-ports", true, "Report running daemons that do not answer on their ports")
	agentCmd.Flags().String("cert-dir", "", "Directory with tls.crt, tls.key and ca.crt for mutual TLS")

	rootCmd.AddCommand(agentCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	level, _ := cmd.Flags().GetString("log-level")
	jsonOutput, _ := cmd.Flags().GetBool("log-json")
	log.Init(log.Config{
		Level:      log.ParseLevel(level),
		JSONOutput: jsonOutput,
		Output:     os.Stderr,
	})

	hostname, _ := cmd.Flags().GetString("hostname")
	port, _ := cmd.Flags().GetInt("port")
	bind, _ := cmd.Flags().GetString("bind")
	socket, _ := cmd.Flags().GetString("containerd-socket")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	certDir, _ := cmd.Flags().GetString("cert-dir")
	probePorts, _ := cmd.Flags().GetBool("probe-ports")

	var opts []agent.ServerOption
	if probePorts {
		opts = append(opts, agent.WithPortProbe(health.NewPortProber(health.DefaultConfig(), nil)))
	}
	if certDir != "" {
		cert, err := security.LoadCertFromFile(certDir)
		if err != nil {
			return err
		}
		pool, err := security.LoadCAPoolFromFile(certDir)
		if err != nil {
			return err
		}
		if security.CertNeedsRotation(cert.Leaf) {
			logger := log.WithComponent("main")
			logger.Warn().
				Time("not_after", cert.Leaf.NotAfter).
				Msg("agent certificate expires soon, reissue it with keel certs issue")
		}
		opts = append(opts, agent.WithServerCredentials(
			credentials.NewTLS(security.ServerTLSConfig(cert, pool))))
	}

	rt, err := runtime.NewContainerdRuntime(socket, filepath.Join(dataDir, "daemons"))
	if err != nil {
		return err
	}
	defer rt.Close()

	srv, err := agent.NewServer(hostname, Version, rt, opts...)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(net.JoinHostPort(bind, strconv.Itoa(port))); err != nil {
			errCh <- fmt.Errorf("agent server error: %w", err)
		}
	}()

	logger := log.WithComponent("main")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		return err
	}
	srv.Stop()
	return nil
}
