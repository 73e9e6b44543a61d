package tunnel

import (
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestTeardownInterlockKillsTheOtherSubprocess exercises the mutual-kill
// interlock in waitFor: when one subprocess exits first, the other must be
// sent SIGTERM rather than left running, and the exited callback must fire
// exactly once, only after both have gone down.
func TestTeardownInterlockKillsTheOtherSubprocess(t *testing.T) {
	quick := exec.Command("true")
	slow := exec.Command("sleep", "30")

	require.NoError(t, quick.Start())
	require.NoError(t, slow.Start())

	exited := make(chan error, 1)
	c := &Connection{
		sslCmd:   quick,
		pppdCmd:  slow,
		stop:     make(chan struct{}),
		onExited: func(err error) { exited <- err },
	}

	go c.waitFor(quick, "openssl", &c.sslExited)
	go c.waitFor(slow, "pppd", &c.pppdExited)

	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("teardown interlock did not complete: slow subprocess was never signaled")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	require.True(t, c.sslExited)
	require.True(t, c.pppdExited)
}
