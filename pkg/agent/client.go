package agent

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/keel/pkg/config"
	"github.com/cuemby/keel/pkg/executor"
	"github.com/cuemby/keel/pkg/log"
	"github.com/cuemby/keel/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// Client drives the host agents. It implements executor.HostExecutor and
// keeps one connection per agent address.
type Client struct {
	port        int
	dialTimeout time.Duration
	dialer      func(context.Context, string) (net.Conn, error)
	creds       credentials.TransportCredentials

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn

	logger zerolog.Logger
}

var _ executor.HostExecutor = (*Client)(nil)

// ClientOption customizes a Client
type ClientOption func(*Client)

// WithDialer replaces the network dialer, for in-memory listeners
func WithDialer(dial func(context.Context, string) (net.Conn, error)) ClientOption {
	return func(c *Client) { c.dialer = dial }
}

// WithTransportCredentials secures the agent connections, typically with
// mutual TLS from security.ClientTLSConfig
func WithTransportCredentials(creds credentials.TransportCredentials) ClientOption {
	return func(c *Client) { c.creds = creds }
}

// NewClient creates a client reaching agents on cfg.Port of each host
func NewClient(cfg config.AgentConfig, opts ...ClientOption) *Client {
	c := &Client{
		port:        cfg.Port,
		dialTimeout: cfg.DialTimeout,
		conns:       make(map[string]*grpc.ClientConn),
		creds:       insecure.NewCredentials(),
		logger:      log.WithComponent("agent-client"),
	}
	if c.dialTimeout <= 0 {
		c.dialTimeout = 5 * time.Second
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) target(host types.Host) string {
	addr := host.Addr
	if addr == "" {
		addr = host.Hostname
	}
	return net.JoinHostPort(addr, strconv.Itoa(c.port))
}

// conn returns the cached connection to host's agent, creating it on first
// use. grpc.NewClient does not dial, so this never blocks on the network.
func (c *Client) conn(host types.Host) (*grpc.ClientConn, error) {
	target := c.target(host)

	c.mu.Lock()
	defer c.mu.Unlock()

	if cc, ok := c.conns[target]; ok {
		return cc, nil
	}

	backoffConfig := backoff.DefaultConfig
	backoffConfig.MaxDelay = 15 * time.Second

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(c.creds),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff:           backoffConfig,
			MinConnectTimeout: c.dialTimeout,
		}),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}
	if c.dialer != nil {
		opts = append(opts, grpc.WithContextDialer(c.dialer))
	}

	cc, err := grpc.NewClient("passthrough:///"+target, opts...)
	if err != nil {
		return nil, err
	}
	c.conns[target] = cc
	c.logger.Debug().Str("host", host.Hostname).Str("target", target).Msg("agent connection created")
	return cc, nil
}

func (c *Client) invoke(ctx context.Context, host types.Host, method string, req, resp interface{}) error {
	cc, err := c.conn(host)
	if err != nil {
		return types.NewUnreachableError(host.Hostname, err.Error())
	}
	return fromStatus(host.Hostname, cc.Invoke(ctx, fullMethod(method), req, resp))
}

// Refresh implements executor.HostExecutor
func (c *Client) Refresh(ctx context.Context, host types.Host, kinds executor.RefreshKinds) (*executor.HostSnapshot, error) {
	resp := &executor.HostSnapshot{}
	if err := c.invoke(ctx, host, "Refresh", &RefreshRequest{Host: host, Kinds: kinds}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// CheckHost implements executor.HostExecutor
func (c *Client) CheckHost(ctx context.Context, host types.Host) error {
	return c.invoke(ctx, host, "CheckHost", &CheckHostRequest{Host: host}, &Empty{})
}

// Deploy implements executor.HostExecutor
func (c *Client) Deploy(ctx context.Context, host types.Host, spec executor.DaemonSpec) (*executor.Result, error) {
	resp := &executor.Result{}
	if err := c.invoke(ctx, host, "Deploy", &DeployRequest{Host: host, Spec: spec}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Remove implements executor.HostExecutor
func (c *Client) Remove(ctx context.Context, host types.Host, daemonName string) (*executor.Result, error) {
	resp := &executor.Result{}
	if err := c.invoke(ctx, host, "Remove", &RemoveRequest{Host: host, DaemonName: daemonName}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// RunAction implements executor.HostExecutor
func (c *Client) RunAction(ctx context.Context, host types.Host, daemonName string, action types.DaemonAction) (*executor.Result, error) {
	resp := &executor.Result{}
	req := &ActionRequest{Host: host, DaemonName: daemonName, Action: action}
	if err := c.invoke(ctx, host, "RunAction", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Close drops every cached connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var first error
	for target, cc := range c.conns {
		if err := cc.Close(); err != nil && first == nil {
			first = err
		}
		delete(c.conns, target)
	}
	return first
}
