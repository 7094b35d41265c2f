package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/veluca93/task-maker-go/internal/errdefs"
)

func TestToGRPCStatus(t *testing.T) {
	tests := map[string]struct {
		err  error
		code codes.Code
	}{
		"not found":          {errdefs.Errorf(errdefs.NotFound, "missing"), codes.NotFound},
		"invalid argument":   {errdefs.Errorf(errdefs.InvalidArgument, "bad dag"), codes.InvalidArgument},
		"unavailable":        {errdefs.Errorf(errdefs.Unavailable, "disconnected"), codes.Unavailable},
		"canceled":           {errdefs.Errorf(errdefs.Canceled, "stopped"), codes.Canceled},
		"failed precondition": {errdefs.Errorf(errdefs.FailedPrecondition, "no active job"), codes.FailedPrecondition},
		"internal default":   {errdefs.Errorf(errdefs.Internal, "boom"), codes.Internal},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			st, ok := grpcstatus.FromError(ToGRPCStatus(tc.err))
			assert.True(t, ok)
			assert.Equal(t, tc.code, st.Code())
		})
	}
}

func TestToGRPCStatusNil(t *testing.T) {
	assert.NoError(t, ToGRPCStatus(nil))
}
