package nodeclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/stretchr/testify/require"
)

// TestMapRPCError asserts node errors are classified correctly.
func TestMapRPCError(t *testing.T) {
	t.Parallel()

	notFound := btcjson.NewRPCError(btcjson.ErrRPCBlockNotFound, "missing")
	outOfRange := btcjson.NewRPCError(btcjson.ErrRPCOutOfRange, "range")

	testCases := []struct {
		name      string
		err       error
		transient bool
	}{
		{
			name:      "disconnected",
			err:       rpcclient.ErrClientDisconnect,
			transient: true,
		},
		{
			name:      "not connected",
			err:       rpcclient.ErrClientNotConnected,
			transient: true,
		},
		{
			name:      "transport",
			err:       errors.New("connection refused"),
			transient: true,
		},
		{
			name: "block not found",
			err:  notFound,
		},
		{
			name: "out of range",
			err:  outOfRange,
		},
		{
			name: "deadline",
			err:  context.DeadlineExceeded,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			mapped := mapRPCError(tc.err)
			require.Equal(t, tc.transient, IsTransient(mapped))
			require.ErrorIs(t, mapped, tc.err)
		})
	}

	require.True(t, isBlockNotFound(notFound))
	require.False(t, isBlockNotFound(outOfRange))
	require.False(t, isBlockNotFound(errors.New("other")))
}

// TestReceive asserts the receive helper returns the response or gives up
// once the context is done.
func TestReceive(t *testing.T) {
	t.Parallel()

	val, err := receive(context.Background(), func() (int64, error) {
		return 42, nil
	})
	require.NoError(t, err)
	require.EqualValues(t, 42, val)

	ctx, cancel := context.WithTimeout(
		context.Background(), 10*time.Millisecond,
	)
	defer cancel()

	release := make(chan struct{})
	defer close(release)

	_, err = receive(ctx, func() (int64, error) {
		<-release
		return 0, nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
