package proto

import (
	cerrdefs "github.com/containerd/errdefs"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ToGRPCStatus maps the internal/errdefs taxonomy (spec §7's error
// classes) onto a gRPC status, the same mapping containerd's own gRPC
// services apply to errdefs-classified errors.
func ToGRPCStatus(err error) error {
	if err == nil {
		return nil
	}
	var code codes.Code
	switch {
	case cerrdefs.IsNotFound(err):
		code = codes.NotFound
	case cerrdefs.IsInvalidArgument(err):
		code = codes.InvalidArgument
	case cerrdefs.IsUnavailable(err):
		code = codes.Unavailable
	case cerrdefs.IsCanceled(err):
		code = codes.Canceled
	case cerrdefs.IsFailedPrecondition(err):
		code = codes.FailedPrecondition
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}
