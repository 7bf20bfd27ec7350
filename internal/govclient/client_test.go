package govclient

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialFailsFastWithoutGovernor(t *testing.T) {
	start := time.Now()
	_, err := Dial(filepath.Join(t.TempDir(), "absent.sock"))
	require.Error(t, err)
	assert.Less(t, time.Since(start), ConnectTimeout+time.Second)
}

func TestConnectFallsOpenWithoutAutoStart(t *testing.T) {
	t.Setenv("GOV_ENDPOINT", filepath.Join(t.TempDir(), "absent.sock"))
	assert.Nil(t, Connect(false))
}

func TestConnectFallsOpenWhenBinaryMissing(t *testing.T) {
	t.Setenv("GOV_ENDPOINT", filepath.Join(t.TempDir(), "absent.sock"))
	t.Setenv("GOV_SERVICE_PATH", filepath.Join(t.TempDir(), "no-governor-here"))
	t.Setenv("PATH", t.TempDir())

	start := time.Now()
	client := Connect(true)
	if client != nil {
		client.Close()
		t.Fatal("expected no session against a cold host with no binary")
	}
	// Fall-open must stay inside the launcher-wait plus readiness window.
	assert.Less(t, time.Since(start), launcherWait+readinessMax+2*time.Second)
}

func TestCloseNilClientIsSafe(t *testing.T) {
	var c *Client
	assert.NoError(t, c.Close())
}
