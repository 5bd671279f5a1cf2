package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

func TestKindOf(t *testing.T) {
	cause := errors.New("disk full")

	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindNone},
		{"invalid", InvalidArgument("empty format list"), KindInvalidArgument},
		{"not found wrapped", fmt.Errorf("reader: %w", NotFound("format %q", "x")), KindNotFound},
		{"fetch failed", FetchFailed(cause), KindFetchFailed},
		{"context canceled", context.Canceled, KindCancelled},
		{"deadline", fmt.Errorf("read: %w", context.DeadlineExceeded), KindCancelled},
		{"unsupported beats deadline", fmt.Errorf("%w: %w", ErrUnsupportedOnPlatform, context.DeadlineExceeded), KindUnsupportedOnPlatform},
		{"failed", Failed(cause), KindFailed},
		{"unknown", cause, KindInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, KindOf(tc.err))
		})
	}
}

func TestFetchFailedKeepsCause(t *testing.T) {
	cause := errors.New("boom")
	err := FetchFailed(cause)
	require.ErrorIs(t, err, ErrFetchFailed)
	require.ErrorIs(t, err, cause)
	require.True(t, KindOf(err).Retryable())
}

func TestToResult(t *testing.T) {
	require.True(t, ToResult(nil).OK())

	r := ToResult(Cancelled(context.Canceled))
	require.Equal(t, KindCancelled, r.Kind)
	require.True(t, r.Kind.Silent())
	require.NotEmpty(t, r.Message)
}

func TestGRPCCodeRoundTrip(t *testing.T) {
	for _, k := range []Kind{
		KindInvalidArgument, KindNotFound, KindFetchFailed, KindCancelled,
		KindAccessDenied, KindUnsupportedOnPlatform, KindAlreadyInProgress, KindFailed,
	} {
		err := FromGRPCCode(GRPCCode(k))
		require.Equal(t, k, KindOf(err), "kind %s", k)
	}
	require.Equal(t, codes.Internal, GRPCCode(KindInternal))
	require.NoError(t, FromGRPCCode(codes.OK))
}

func TestResultErr(t *testing.T) {
	require.NoError(t, Result{}.Err())

	err := ToResult(NotFound("format %q", "text/html")).Err()
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, `not found: format "text/html"`, err.Error())

	err = Result{Kind: KindInternal, Message: "boom"}.Err()
	require.Equal(t, KindInternal, KindOf(err))
}
