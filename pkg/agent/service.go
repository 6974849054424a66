package agent

import (
	"context"

	"github.com/cuemby/keel/pkg/executor"
	"github.com/cuemby/keel/pkg/types"
	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service of the host agent
const ServiceName = "keel.agent.v1.HostAgent"

// RefreshRequest asks a host for the selected kinds of observed data
type RefreshRequest struct {
	Host  types.Host            `json:"host"`
	Kinds executor.RefreshKinds `json:"kinds"`
}

// CheckHostRequest asks an agent to confirm it serves host
type CheckHostRequest struct {
	Host types.Host `json:"host"`
}

// DeployRequest creates or reconfigures one daemon
type DeployRequest struct {
	Host types.Host          `json:"host"`
	Spec executor.DaemonSpec `json:"spec"`
}

// RemoveRequest tears one daemon down
type RemoveRequest struct {
	Host       types.Host `json:"host"`
	DaemonName string     `json:"daemon_name"`
}

// ActionRequest runs a lifecycle action on one daemon
type ActionRequest struct {
	Host       types.Host         `json:"host"`
	DaemonName string             `json:"daemon_name"`
	Action     types.DaemonAction `json:"action"`
}

// Empty is an empty message
type Empty struct{}

// HostAgentServer is the server side of the host agent protocol
type HostAgentServer interface {
	Refresh(context.Context, *RefreshRequest) (*executor.HostSnapshot, error)
	CheckHost(context.Context, *CheckHostRequest) (*Empty, error)
	Deploy(context.Context, *DeployRequest) (*executor.Result, error)
	Remove(context.Context, *RemoveRequest) (*executor.Result, error)
	RunAction(context.Context, *ActionRequest) (*executor.Result, error)
}

// RegisterHostAgentServer registers srv on s
func RegisterHostAgentServer(s *grpc.Server, srv HostAgentServer) {
	s.RegisterService(&serviceDesc, srv)
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// unary builds the descriptor of one method; call forwards the decoded
// request to the server
func unary[Req any, Resp any](method string, call func(HostAgentServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(HostAgentServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(HostAgentServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*HostAgentServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Refresh", HostAgentServer.Refresh),
		unary("CheckHost", HostAgentServer.CheckHost),
		unary("Deploy", HostAgentServer.Deploy),
		unary("Remove", HostAgentServer.Remove),
		unary("RunAction", HostAgentServer.RunAction),
	},
	Streams: []grpc.StreamDesc{},
}
