package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
	"github.com/cuemby/keel/pkg/types"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// toStatus maps an error class onto a gRPC status for the wire
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	code := codes.Internal
	switch {
	case errdefs.IsNotFound(err):
		code = codes.NotFound
	case errdefs.IsInvalidArgument(err):
		code = codes.InvalidArgument
	case errdefs.IsAlreadyExists(err):
		code = codes.AlreadyExists
	case errdefs.IsFailedPrecondition(err):
		code = codes.FailedPrecondition
	case errdefs.IsUnavailable(err):
		code = codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return status.Error(code, err.Error())
}

// fromStatus maps a call error back onto the error classes the reconciler
// acts on. A host that cannot be reached yields *types.UnreachableError.
func fromStatus(host string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded:
		return types.NewUnreachableError(host, st.Message())
	case codes.NotFound:
		return fmt.Errorf("%s: %w", st.Message(), errdefs.ErrNotFound)
	case codes.InvalidArgument:
		return fmt.Errorf("%s: %w", st.Message(), errdefs.ErrInvalidArgument)
	case codes.AlreadyExists:
		return fmt.Errorf("%s: %w", st.Message(), errdefs.ErrAlreadyExists)
	case codes.FailedPrecondition:
		return fmt.Errorf("%s: %w", st.Message(), errdefs.ErrFailedPrecondition)
	default:
		return fmt.Errorf("agent on %s: %s", host, st.Message())
	}
}
