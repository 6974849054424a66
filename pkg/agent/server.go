package agent

import (
	"context"
	"fmt"
	"net"
	"os"
	goruntime "runtime"
	"time"

	"github.com/cuemby/keel/pkg/executor"
	"github.com/cuemby/keel/pkg/health"
	"github.com/cuemby/keel/pkg/log"
	"github.com/cuemby/keel/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"
)

// DaemonRuntime runs the daemons of one host
type DaemonRuntime interface {
	Version(ctx context.Context) (string, error)
	ListDaemons(ctx context.Context) ([]types.DaemonDescription, error)
	Deploy(ctx context.Context, spec executor.DaemonSpec) (*types.DaemonDescription, error)
	Remove(ctx context.Context, name string) error
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error
}

// Server serves the host agent protocol from a DaemonRuntime
type Server struct {
	hostname string
	version  string
	runtime  DaemonRuntime
	prober   *health.PortProber
	grpc     *grpc.Server
	logger   zerolog.Logger
}

// ServerOption customizes a Server
type ServerOption func(*serverOptions)

type serverOptions struct {
	creds  credentials.TransportCredentials
	prober *health.PortProber
}

// WithServerCredentials secures the agent, typically with mutual TLS from
// security.ServerTLSConfig
func WithServerCredentials(creds credentials.TransportCredentials) ServerOption {
	return func(o *serverOptions) { o.creds = creds }
}

// WithPortProbe makes Refresh check that running daemons answer on their
// ports
func WithPortProbe(p *health.PortProber) ServerOption {
	return func(o *serverOptions) { o.prober = p }
}

// NewServer creates an agent for the local host. An empty hostname falls
// back to the kernel's.
func NewServer(hostname, version string, rt DaemonRuntime, opts ...ServerOption) (*Server, error) {
	var o serverOptions
	for _, opt := range opts {
		opt(&o)
	}

	if hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("failed to get hostname: %w", err)
		}
		hostname = h
	}
	s := &Server{
		hostname: hostname,
		version:  version,
		runtime:  rt,
		prober:   o.prober,
		logger:   log.WithComponent("agent").With().Str("host", hostname).Logger(),
	}
	grpcOpts := []grpc.ServerOption{grpc.UnaryInterceptor(s.logCalls)}
	if o.creds != nil {
		grpcOpts = append(grpcOpts, grpc.Creds(o.creds))
	}
	s.grpc = grpc.NewServer(grpcOpts...)
	RegisterHostAgentServer(s.grpc, s)
	return s, nil
}

// Start listens on addr and serves until Stop
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.logger.Info().Str("addr", addr).Msg("host agent listening")
	return s.Serve(lis)
}

// Serve serves on an existing listener
func (s *Server) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// Stop gracefully stops the server
func (s *Server) Stop() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
}

// logCalls logs every call with its outcome and maps errors onto gRPC codes
func (s *Server) logCalls(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	ev := s.logger.Debug()
	if err != nil {
		ev = s.logger.Warn().Err(err)
	}
	ev.Str("method", info.FullMethod).Dur("took", time.Since(start)).Msg("agent call")
	return resp, toStatus(err)
}

// CheckHost confirms this agent serves the host the caller asked for
func (s *Server) CheckHost(ctx context.Context, req *CheckHostRequest) (*Empty, error) {
	if req.Host.Hostname != s.hostname {
		return nil, status.Errorf(codes.FailedPrecondition,
			"host %s (%s) is %s", req.Host.Hostname, req.Host.Addr, s.hostname)
	}
	if _, err := s.runtime.Version(ctx); err != nil {
		return nil, status.Errorf(codes.FailedPrecondition, "container runtime: %v", err)
	}
	return &Empty{}, nil
}

// Refresh reports the requested kinds of observed data
func (s *Server) Refresh(ctx context.Context, req *RefreshRequest) (*executor.HostSnapshot, error) {
	snap := &executor.HostSnapshot{}
	if req.Kinds.Daemons {
		daemons, err := s.runtime.ListDaemons(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list daemons: %w", err)
		}
		for i := range daemons {
			daemons[i].Hostname = req.Host.Hostname
		}
		s.probe(ctx, req.Host, daemons)
		snap.Daemons = daemons
	}
	if req.Kinds.Devices {
		snap.Devices = []types.Device{}
		networks, err := hostNetworks()
		if err != nil {
			return nil, fmt.Errorf("failed to list networks: %w", err)
		}
		snap.Networks = networks
	}
	if req.Kinds.Facts {
		facts, err := s.facts(ctx)
		if err != nil {
			return nil, err
		}
		snap.Facts = facts
	}
	return snap, nil
}

// probe records unanswered daemon ports in the status description
func (s *Server) probe(ctx context.Context, host types.Host, daemons []types.DaemonDescription) {
	if s.prober == nil {
		return
	}
	ip := "127.0.0.1"
	if net.ParseIP(host.Addr) != nil {
		ip = host.Addr
	}
	seen := make(map[string]bool, len(daemons))
	for i := range daemons {
		seen[daemons[i].Name()] = true
		if desc := s.prober.Probe(ctx, daemons[i], ip); desc != "" {
			daemons[i].StatusDesc = desc
		}
	}
	s.prober.Prune(seen)
}

func (s *Server) facts(ctx context.Context) (types.HostFacts, error) {
	version, err := s.runtime.Version(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get runtime version: %w", err)
	}
	return types.HostFacts{
		"hostname":          s.hostname,
		"arch":              goruntime.GOARCH,
		"os":                goruntime.GOOS,
		"container_runtime": version,
		"agent_version":     s.version,
	}, nil
}

// Deploy creates a daemon, or rewrites the configuration of a running one
func (s *Server) Deploy(ctx context.Context, req *DeployRequest) (*executor.Result, error) {
	d, err := s.runtime.Deploy(ctx, req.Spec)
	if err != nil {
		return nil, fmt.Errorf("failed to deploy %s: %w", req.Spec.Name(), err)
	}
	d.Hostname = req.Host.Hostname

	verb := "Deployed"
	if req.Spec.Reconfig {
		verb = "Reconfigured"
	}
	return &executor.Result{
		Message: fmt.Sprintf("%s %s on host '%s'", verb, req.Spec.Name(), req.Host.Hostname),
		Daemon:  d,
	}, nil
}

// Remove tears a daemon down
func (s *Server) Remove(ctx context.Context, req *RemoveRequest) (*executor.Result, error) {
	if err := s.runtime.Remove(ctx, req.DaemonName); err != nil {
		return nil, fmt.Errorf("failed to remove %s: %w", req.DaemonName, err)
	}
	return &executor.Result{
		Message: fmt.Sprintf("Removed %s from host '%s'", req.DaemonName, req.Host.Hostname),
	}, nil
}

var actionVerbs = map[types.DaemonAction]string{
	types.ActionStart:   "Started",
	types.ActionStop:    "Stopped",
	types.ActionRestart: "Restarted",
}

// RunAction starts, stops or restarts a daemon. Redeploy and reconfig need
// the daemon spec and go through Deploy.
func (s *Server) RunAction(ctx context.Context, req *ActionRequest) (*executor.Result, error) {
	var err error
	switch req.Action {
	case types.ActionStart:
		err = s.runtime.Start(ctx, req.DaemonName)
	case types.ActionStop:
		err = s.runtime.Stop(ctx, req.DaemonName)
	case types.ActionRestart:
		err = s.runtime.Restart(ctx, req.DaemonName)
	default:
		return nil, status.Errorf(codes.InvalidArgument, "action %q is not run by the agent; deploy the daemon instead", req.Action)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to %s %s: %w", req.Action, req.DaemonName, err)
	}
	return &executor.Result{
		Message: fmt.Sprintf("%s %s on host '%s'", actionVerbs[req.Action], req.DaemonName, req.Host.Hostname),
	}, nil
}

// hostNetworks groups the host's addresses by subnet and interface
func hostNetworks() (types.HostNetworks, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make(types.HostNetworks)
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			subnet := (&net.IPNet{IP: ipnet.IP.Mask(ipnet.Mask), Mask: ipnet.Mask}).String()
			if out[subnet] == nil {
				out[subnet] = make(map[string][]string)
			}
			out[subnet][iface.Name] = append(out[subnet][iface.Name], ipnet.IP.String())
		}
	}
	return out, nil
}
