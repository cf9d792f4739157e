package cli

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListen_StopsOnCancel(t *testing.T) {
	cfg := writeConfig(t, t.TempDir(), "fleet.db", `listener:
  poll_interval: 10ms
`)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	_, err := executeContext(t, ctx, "listen", fleetDir, "--mode", "stream", "--config", cfg)
	require.NoError(t, err)
}

func TestListen_InvalidMode(t *testing.T) {
	cfg := writeConfig(t, t.TempDir(), "fleet.db", "")
	_, err := execute(t, "listen", fleetDir, "--mode", "sideways", "--config", cfg)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
