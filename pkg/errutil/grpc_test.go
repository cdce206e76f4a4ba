package errutil

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type coded struct{ code CoreStatus }

func (c coded) Error() string      { return string(c.code) }
func (c coded) Status() CoreStatus { return c.code }

func TestToGRPCError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"not found", NotFound("plan p1", nil), codes.NotFound},
		{"conflict", Conflict("chain broken", errors.New("seq 2")), codes.Aborted},
		{"validation", ValidationFailed("bad share", nil), codes.InvalidArgument},
		{"status carrier", coded{StatusBadGateway}, codes.Unavailable},
		{"cancelled", context.Canceled, codes.Canceled},
		{"plain", errors.New("boom"), codes.Internal},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			st, ok := status.FromError(ToGRPCError(tc.err))
			require.True(t, ok)
			require.Equal(t, tc.want, st.Code())
		})
	}

	require.NoError(t, ToGRPCError(nil))
}

func TestUnaryServerInterceptor(t *testing.T) {
	intercept := UnaryServerInterceptor()
	_, err := intercept(context.Background(), nil, &grpc.UnaryServerInfo{}, func(ctx context.Context, req any) (any, error) {
		return nil, NotFound("plan p1", nil)
	})
	require.Equal(t, codes.NotFound, status.Code(err))

	resp, err := intercept(context.Background(), nil, &grpc.UnaryServerInfo{}, func(ctx context.Context, req any) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", resp)
}
