package main

import (
	"fmt"

	"github.com/cuemby/keel/pkg/security"
	"github.com/spf13/cobra"
)

var certsCmd = &cobra.Command{
	Use:   "certs",
	Short: "Manage agent certificates",
}

var certsIssueCmd = &cobra.Command{
	Use:   "issue HOSTNAME",
	Short: "Issue a host agent certificate",
	Long: `Issue a certificate for the host agent of HOSTNAME, signed by the
cluster CA kept in the orchestrator state. The CA is created on first use.

With the bolt backend the state file is locked while keel serve runs, so
issue certificates before starting the orchestrator.

Examples:
  keel certs issue node1 --addr 10.0.0.1 --out /etc/keel/certs/node1`,
	Args: cobra.ExactArgs(1),
	RunE: runCertsIssue,
}

func init() {
	certsIssueCmd.Flags().StringP("config", "c", "", "Configuration file")
	certsIssueCmd.Flags().StringSlice("addr", nil, "Addresses the orchestrator dials the agent on")
	certsIssueCmd.Flags().String("out", "", "Output directory (required)")
	_ = certsIssueCmd.MarkFlagRequired("out")

	certsCmd.AddCommand(certsIssueCmd)
	rootCmd.AddCommand(certsCmd)
}

func runCertsIssue(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	hostname := args[0]
	addrs, _ := cmd.Flags().GetStringSlice("addr")
	out, _ := cmd.Flags().GetString("out")

	store, _, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ca := security.NewCertAuthority(store)
	if err := ca.LoadOrInitialize(); err != nil {
		return fmt.Errorf("failed to load certificate authority: %w", err)
	}
	cert, err := ca.IssueAgentCertificate(hostname, addrs...)
	if err != nil {
		return err
	}
	if err := security.SaveCertToFile(cert, out); err != nil {
		return err
	}
	if err := security.SaveCACertToFile(ca.RootCertPEM(), out); err != nil {
		return err
	}

	fmt.Printf("✓ Certificate for %s written to %s (expires %s)\n",
		hostname, out, cert.Leaf.NotAfter.Format("2006-01-02"))
	return nil
}
