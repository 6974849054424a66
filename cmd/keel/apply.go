package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cuemby/keel/pkg/config"
	"github.com/cuemby/keel/pkg/executor"
	"github.com/cuemby/keel/pkg/orchestrator"
	"github.com/cuemby/keel/pkg/storage"
	"github.com/cuemby/keel/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate service specs",
	Long: `Validate one or more service specs from a YAML file.

Examples:
  keel validate -f rgw.yaml`,
	RunE: runValidate,
}

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Show where service specs would place daemons",
	Long: `Compute placement for service specs against the hosts and services
of a cluster file without contacting any host.

Examples:
  keel preview -f rgw.yaml --cluster cluster.yaml`,
	RunE: runPreview,
}

func init() {
	validateCmd.Flags().StringP("file", "f", "", "YAML file with service specs (required)")
	_ = validateCmd.MarkFlagRequired("file")

	previewCmd.Flags().StringP("file", "f", "", "YAML file with service specs (required)")
	previewCmd.Flags().String("cluster", "", "Cluster file with hosts and services (required)")
	_ = previewCmd.MarkFlagRequired("file")
	_ = previewCmd.MarkFlagRequired("cluster")

	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(previewCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	specs, err := config.LoadSpecs(filename)
	if err != nil {
		return err
	}
	failed := 0
	for i := range specs {
		if err := specs[i].Validate(); err != nil {
			fmt.Printf("✗ %s: %v\n", specs[i].ServiceName(), err)
			failed++
			continue
		}
		fmt.Printf("✓ %s\n", specs[i].ServiceName())
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d specs are invalid", failed, len(specs))
	}
	return nil
}

func runPreview(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	clusterFile, _ := cmd.Flags().GetString("cluster")

	specs, err := config.LoadSpecs(filename)
	if err != nil {
		return err
	}
	previews, err := preview(context.Background(), clusterFile, specs)
	if err != nil {
		return err
	}

	enc := yaml.NewEncoder(os.Stdout)
	defer enc.Close()
	for _, p := range previews {
		if err := enc.Encode(p); err != nil {
			return err
		}
	}
	return nil
}

// preview plans specs against an in-memory cluster built from the cluster
// file. The cluster's own services are deployed on fake hosts first so scale
// downs and moves show up.
func preview(ctx context.Context, clusterFile string, specs []types.ServiceSpec) ([]orchestrator.PlacementPreview, error) {
	cf, err := config.LoadClusterFile(clusterFile)
	if err != nil {
		return nil, err
	}

	cfg := config.Default()
	cfg.Storage.Backend = config.BackendMemory
	cfg.Loop.Interval = time.Hour

	orch, err := orchestrator.New(cfg, storage.NewMemoryStore(), executor.NewFake())
	if err != nil {
		return nil, err
	}
	for _, h := range cf.Hosts {
		if _, err := orch.AddHost(ctx, h); err != nil {
			return nil, err
		}
	}
	for _, spec := range cf.Services {
		if _, err := orch.Apply(spec); err != nil {
			return nil, fmt.Errorf("failed to apply %s: %w", spec.ServiceName(), err)
		}
	}
	if len(cf.Services) > 0 {
		orch.Reconcile(ctx)
	}

	out := make([]orchestrator.PlacementPreview, 0, len(specs))
	for _, spec := range specs {
		p, err := orch.Preview(spec)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", spec.ServiceName(), err)
		}
		out = append(out, *p)
	}
	return out, nil
}
