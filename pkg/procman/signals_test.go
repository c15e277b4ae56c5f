package procman

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSignalRelayShutsDownSupervisors(t *testing.T) {
	relay := NewSignalRelay(zaptest.NewLogger(t), 2*time.Second)

	received := make(chan os.Signal, 1)
	relay.OnSignal = func(sig os.Signal) { received <- sig }

	relay.Start()
	defer relay.Stop()

	s := NewSupervisor(zaptest.NewLogger(t), Hooks{}, relay)
	defer s.Destroy()

	_, err := s.Start(context.Background(), "sleep", []string{"30"}, StartOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, s.Count())

	// Inject the signal directly instead of raising a real one; the loop
	// behaves identically either way.
	relay.sigCh <- syscall.SIGTERM

	select {
	case sig := <-received:
		assert.Equal(t, syscall.SIGTERM, sig)
	case <-time.After(5 * time.Second):
		t.Fatal("relay never delivered the signal")
	}
	assert.Equal(t, 0, s.Count())
}

func TestSignalRelayUnregister(t *testing.T) {
	relay := NewSignalRelay(zaptest.NewLogger(t), time.Second)

	s := NewSupervisor(zaptest.NewLogger(t), Hooks{}, relay)
	relay.mu.Lock()
	_, registered := relay.supervisors[s]
	relay.mu.Unlock()
	assert.True(t, registered)

	s.Destroy()
	relay.mu.Lock()
	_, registered = relay.supervisors[s]
	relay.mu.Unlock()
	assert.False(t, registered)
}

func TestSignalRelayStopIsIdempotent(t *testing.T) {
	relay := NewSignalRelay(zaptest.NewLogger(t), time.Second)
	relay.Start()
	relay.Stop()
	relay.Stop()
}
