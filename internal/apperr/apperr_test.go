package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestFromRemoteClassifiesCodes(t *testing.T) {
	cases := []struct {
		code codes.Code
		want Kind
	}{
		{codes.InvalidArgument, KindValidation},
		{codes.PermissionDenied, KindPermission},
		{codes.NotFound, KindNotFound},
		{codes.AlreadyExists, KindConflict},
		{codes.Unauthenticated, KindUnauthenticated},
		{codes.Unavailable, KindTransient},
		{codes.DeadlineExceeded, KindTransient},
		{codes.Internal, KindTransient},
		{codes.Aborted, KindTransient},
		{codes.ResourceExhausted, KindTransient},
		{codes.Unknown, KindInternal},
	}

	for _, tc := range cases {
		t.Run(tc.code.String(), func(t *testing.T) {
			err := status.Error(tc.code, "remote says no")
			require.Equal(t, tc.want, FromRemote(err).Kind)
		})
	}
}

func TestFromRemoteKeepsClassifiedErrors(t *testing.T) {
	original := Conflict("You are already friends.")
	wrapped := fmt.Errorf("send request: %w", original)

	got := FromRemote(wrapped)
	require.Same(t, original, got)
}

func TestFromRemoteNetworkFailures(t *testing.T) {
	require.Equal(t, KindTransient, FromRemote(Network(errors.New("connection reset"))).Kind)

	opErr := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}
	require.Equal(t, KindTransient, FromRemote(opErr).Kind)

	require.Equal(t, KindTransient, FromRemote(context.DeadlineExceeded).Kind)
	require.Equal(t, KindInternal, FromRemote(context.Canceled).Kind)
	require.Equal(t, KindInternal, FromRemote(errors.New("boom")).Kind)
}

func TestClassifiedErrorsAreStatusErrors(t *testing.T) {
	err := Permission("edit this folder")
	st, ok := status.FromError(err)
	require.True(t, ok)
	require.Equal(t, codes.PermissionDenied, st.Code())
}

func TestDescribeNeverLeaksCodes(t *testing.T) {
	d := Describe(status.Error(codes.Unavailable, "upstream connect error 14"))
	require.Equal(t, "transient", d.Kind)
	require.Equal(t, "The service is temporarily unavailable.", d.Message)
	require.NotContains(t, d.Message, "14")

	d = Describe(RateLimited("sending friend requests", 90*time.Second))
	require.Equal(t, 90, d.RetryAfterSeconds)
	require.Contains(t, d.Message, "2 minutes")
}

func TestHTTPStatus(t *testing.T) {
	require.Equal(t, http.StatusBadRequest, HTTPStatus(Validation("bad")))
	require.Equal(t, http.StatusForbidden, HTTPStatus(Permission("do that")))
	require.Equal(t, http.StatusTooManyRequests, HTTPStatus(RateLimited("searching", time.Second)))
	require.Equal(t, http.StatusConflict, HTTPStatus(Conflict("dup")))
	require.Equal(t, http.StatusServiceUnavailable, HTTPStatus(status.Error(codes.Aborted, "retry")))
	require.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("boom")))
}

func TestHumanDuration(t *testing.T) {
	require.Equal(t, "1 second", HumanDuration(200*time.Millisecond))
	require.Equal(t, "45 seconds", HumanDuration(45*time.Second))
	require.Equal(t, "1 minute", HumanDuration(time.Minute))
	require.Equal(t, "3 hours", HumanDuration(150*time.Minute))
	require.Equal(t, "2 days", HumanDuration(47*time.Hour))
}
