package signal

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const defaultTimeout = 5 * time.Second

// TestShutdownRequest asserts a shutdown request stops the interceptor, and
// that a new one can only be started once the previous one exited.
func TestShutdownRequest(t *testing.T) {
	interceptor, err := Intercept()
	require.NoError(t, err)
	require.True(t, interceptor.Listening())

	_, err = Intercept()
	require.Error(t, err)

	interceptor.RequestShutdown()

	select {
	case <-interceptor.ShutdownChannel():
	case <-time.After(defaultTimeout):
		t.Fatal("interceptor did not shut down")
	}
	require.False(t, interceptor.Alive())

	// Requests after the shutdown don't block.
	interceptor.RequestShutdown()

	require.Eventually(t, func() bool {
		interceptor, err = Intercept()
		return err == nil
	}, defaultTimeout, 10*time.Millisecond)
	interceptor.RequestShutdown()
	<-interceptor.ShutdownChannel()
}

// TestInterruptSignal asserts a caught signal shuts the handler down.
func TestInterruptSignal(t *testing.T) {
	t.Parallel()

	interceptor := newInterceptor()
	go interceptor.mainInterruptHandler()

	interceptor.interruptChannel <- os.Interrupt

	select {
	case <-interceptor.ShutdownChannel():
	case <-time.After(defaultTimeout):
		t.Fatal("interceptor did not shut down")
	}
}
