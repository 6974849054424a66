package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/containerd/errdefs"
	"github.com/cuemby/keel/pkg/executor"
	"github.com/cuemby/keel/pkg/log"
	"github.com/cuemby/keel/pkg/types"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"
)

const (
	// DefaultNamespace is the containerd namespace keel daemons live in
	DefaultNamespace = "keel"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// DaemonDataPath is where a daemon finds its data directory
	DaemonDataPath = "/var/lib/keel"

	stopTimeout = 10 * time.Second
)

// Container labels carrying the daemon identity
const (
	LabelDaemonType     = "keel.daemon-type"
	LabelDaemonID       = "keel.daemon-id"
	LabelService        = "keel.service"
	LabelRank           = "keel.rank"
	LabelRankGeneration = "keel.rank-generation"
	LabelPorts          = "keel.ports"
)

// ContainerdRuntime runs keel daemons as containerd containers. A daemon's
// container is named after the daemon and labelled with its identity, so
// the daemon list can be rebuilt from containerd alone.
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
	dataDir   string
	logger    zerolog.Logger
}

// NewContainerdRuntime connects to containerd. Daemon data directories are
// created under dataDir.
func NewContainerdRuntime(socketPath, dataDir string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdRuntime{
		client:    client,
		namespace: DefaultNamespace,
		dataDir:   dataDir,
		logger:    log.WithComponent("runtime"),
	}, nil
}

// Close closes the containerd client connection
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *ContainerdRuntime) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, r.namespace)
}

// Version returns the containerd version
func (r *ContainerdRuntime) Version(ctx context.Context) (string, error) {
	v, err := r.client.Version(r.ctx(ctx))
	if err != nil {
		return "", fmt.Errorf("failed to get containerd version: %w", err)
	}
	return "containerd " + v.Version, nil
}

// ListDaemons describes every keel daemon container
func (r *ContainerdRuntime) ListDaemons(ctx context.Context) ([]types.DaemonDescription, error) {
	ctx = r.ctx(ctx)

	containers, err := r.client.Containers(ctx, fmt.Sprintf("labels.%q", LabelDaemonType))
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	out := make([]types.DaemonDescription, 0, len(containers))
	for _, c := range containers {
		d, err := r.describe(ctx, c)
		if err != nil {
			r.logger.Warn().Err(err).Str("container", c.ID()).Msg("failed to describe container")
			continue
		}
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}

func (r *ContainerdRuntime) describe(ctx context.Context, c containerd.Container) (*types.DaemonDescription, error) {
	info, err := c.Info(ctx)
	if err != nil {
		return nil, err
	}
	d := daemonFromLabels(info.Labels)
	d.Image = info.Image
	d.Created = info.CreatedAt
	d.LastConfigured = info.UpdatedAt
	d.Status = r.status(ctx, c)
	d.IsActive = d.Status == types.DaemonStatusRunning
	return &d, nil
}

// status maps the task state onto a daemon status
func (r *ContainerdRuntime) status(ctx context.Context, c containerd.Container) types.DaemonStatus {
	task, err := c.Task(ctx, nil)
	if err != nil {
		return types.DaemonStatusStopped
	}
	st, err := task.Status(ctx)
	if err != nil {
		return types.DaemonStatusUnknown
	}
	return daemonStatus(st.Status, st.ExitStatus)
}

func daemonStatus(s containerd.ProcessStatus, exitStatus uint32) types.DaemonStatus {
	switch s {
	case containerd.Running:
		return types.DaemonStatusRunning
	case containerd.Created:
		return types.DaemonStatusStarting
	case containerd.Paused, containerd.Pausing:
		return types.DaemonStatusStopped
	case containerd.Stopped:
		if exitStatus == 0 {
			return types.DaemonStatusStopped
		}
		return types.DaemonStatusError
	default:
		return types.DaemonStatusUnknown
	}
}

// Deploy pulls the image and (re)creates the daemon container, then starts
// it. A reconfig rewrites the daemon config and restarts the container in
// place.
func (r *ContainerdRuntime) Deploy(ctx context.Context, spec executor.DaemonSpec) (*types.DaemonDescription, error) {
	ctx = r.ctx(ctx)
	name := spec.Name()
	logger := log.WithDaemon(name)

	dir, err := r.writeConfig(spec)
	if err != nil {
		return nil, err
	}

	if spec.Reconfig {
		if err := r.Restart(ctx, name); err != nil {
			return nil, err
		}
		c, err := r.load(ctx, name)
		if err != nil {
			return nil, err
		}
		logger.Info().Msg("daemon reconfigured")
		return r.describe(ctx, c)
	}

	if _, err := r.load(ctx, name); err == nil {
		if err := r.Remove(ctx, name); err != nil {
			return nil, fmt.Errorf("failed to remove previous container: %w", err)
		}
	}

	image, err := r.client.Pull(ctx, spec.Image, containerd.WithPullUnpack)
	if err != nil {
		return nil, fmt.Errorf("failed to pull image %s: %w", spec.Image, err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithHostNamespace(specs.NetworkNamespace),
		oci.WithHostHostsFile,
		oci.WithHostResolvconf,
		oci.WithEnv(daemonEnv(spec)),
		oci.WithMounts([]specs.Mount{
			{
				Source:      dir,
				Destination: DaemonDataPath,
				Type:        "bind",
				Options:     []string{"rbind", "rw"},
			},
		}),
	}

	c, err := r.client.NewContainer(
		ctx,
		name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(name+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(daemonLabels(spec)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := r.startTask(ctx, c); err != nil {
		return nil, err
	}
	logger.Info().Str("image", spec.Image).Msg("daemon deployed")
	return r.describe(ctx, c)
}

// writeConfig stores the daemon's extra config in its data directory
func (r *ContainerdRuntime) writeConfig(spec executor.DaemonSpec) (string, error) {
	dir := filepath.Join(r.dataDir, spec.Name())
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), data, 0640); err != nil {
		return "", fmt.Errorf("failed to write daemon config: %w", err)
	}
	return dir, nil
}

func (r *ContainerdRuntime) load(ctx context.Context, name string) (containerd.Container, error) {
	c, err := r.client.LoadContainer(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, types.NewNotFoundError("daemon", name)
		}
		return nil, fmt.Errorf("failed to load container %s: %w", name, err)
	}
	return c, nil
}

// Remove stops the daemon and deletes its container and snapshot. The data
// directory is kept.
func (r *ContainerdRuntime) Remove(ctx context.Context, name string) error {
	ctx = r.ctx(ctx)
	c, err := r.load(ctx, name)
	if err != nil {
		return err
	}
	if err := r.stopTask(ctx, c); err != nil {
		r.logger.Warn().Err(err).Str("daemon", name).Msg("failed to stop container before delete")
	}
	if err := c.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("failed to delete container: %w", err)
	}
	return nil
}

// Start starts a stopped daemon; a running daemon is left alone
func (r *ContainerdRuntime) Start(ctx context.Context, name string) error {
	ctx = r.ctx(ctx)
	c, err := r.load(ctx, name)
	if err != nil {
		return err
	}
	return r.startTask(ctx, c)
}

// Stop stops a daemon, SIGTERM first and SIGKILL after a grace period
func (r *ContainerdRuntime) Stop(ctx context.Context, name string) error {
	ctx = r.ctx(ctx)
	c, err := r.load(ctx, name)
	if err != nil {
		return err
	}
	return r.stopTask(ctx, c)
}

// Restart stops and starts a daemon
func (r *ContainerdRuntime) Restart(ctx context.Context, name string) error {
	ctx = r.ctx(ctx)
	c, err := r.load(ctx, name)
	if err != nil {
		return err
	}
	if err := r.stopTask(ctx, c); err != nil {
		return err
	}
	return r.startTask(ctx, c)
}

func (r *ContainerdRuntime) startTask(ctx context.Context, c containerd.Container) error {
	if task, err := c.Task(ctx, nil); err == nil {
		st, err := task.Status(ctx)
		if err == nil && st.Status == containerd.Running {
			return nil
		}
		if _, err := task.Delete(ctx); err != nil {
			return fmt.Errorf("failed to delete stale task: %w", err)
		}
	}

	task, err := c.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task: %w", err)
	}
	return nil
}

func (r *ContainerdRuntime) stopTask(ctx context.Context, c containerd.Container) error {
	task, err := c.Task(ctx, nil)
	if err != nil {
		// not running
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}
	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to kill task: %w", err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("failed to force kill task: %w", err)
		}
		<-statusC
	}

	if _, err := task.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

// daemonLabels renders the identity of a daemon as container labels
func daemonLabels(spec executor.DaemonSpec) map[string]string {
	labels := map[string]string{
		LabelDaemonType: spec.DaemonType,
		LabelDaemonID:   spec.DaemonID,
		LabelService:    spec.ServiceName,
	}
	if spec.Rank != nil {
		labels[LabelRank] = strconv.Itoa(*spec.Rank)
	}
	if spec.RankGeneration != nil {
		labels[LabelRankGeneration] = strconv.Itoa(*spec.RankGeneration)
	}
	if len(spec.Ports) > 0 {
		ports := make([]string, len(spec.Ports))
		for i, p := range spec.Ports {
			ports[i] = strconv.Itoa(p)
		}
		labels[LabelPorts] = strings.Join(ports, ",")
	}
	return labels
}

// daemonFromLabels rebuilds a daemon's identity from its container labels
func daemonFromLabels(labels map[string]string) types.DaemonDescription {
	d := types.DaemonDescription{
		DaemonType: labels[LabelDaemonType],
		DaemonID:   labels[LabelDaemonID],
		Service:    labels[LabelService],
	}
	if n, err := strconv.Atoi(labels[LabelRank]); err == nil {
		d.Rank = &n
	}
	if n, err := strconv.Atoi(labels[LabelRankGeneration]); err == nil {
		d.RankGeneration = &n
	}
	if s := labels[LabelPorts]; s != "" {
		for _, p := range strings.Split(s, ",") {
			if n, err := strconv.Atoi(p); err == nil {
				d.Ports = append(d.Ports, n)
			}
		}
	}
	return d
}

// daemonEnv exposes the identity and extra config to the daemon process
func daemonEnv(spec executor.DaemonSpec) []string {
	env := []string{
		"KEEL_DAEMON_TYPE=" + spec.DaemonType,
		"KEEL_DAEMON_ID=" + spec.DaemonID,
		"KEEL_SERVICE=" + spec.ServiceName,
		"KEEL_DATA_DIR=" + DaemonDataPath,
	}
	if spec.IP != "" {
		env = append(env, "KEEL_BIND_IP="+spec.IP)
	}
	keys := make([]string, 0, len(spec.Extra))
	for k := range spec.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		key := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(k))
		env = append(env, "KEEL_"+key+"="+spec.Extra[k])
	}
	return env
}
