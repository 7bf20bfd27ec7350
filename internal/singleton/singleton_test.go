package singleton

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAcquireIsExclusive(t *testing.T) {
	name := "BuildGovernorTest-" + t.Name()

	first, held, err := TryAcquire(name)
	require.NoError(t, err)
	require.True(t, held)
	defer first.Release()

	_, held, err = TryAcquire(name)
	require.NoError(t, err)
	assert.False(t, held)
}

func TestReleaseAllowsReacquire(t *testing.T) {
	name := "BuildGovernorTest-" + t.Name()

	first, held, err := TryAcquire(name)
	require.NoError(t, err)
	require.True(t, held)
	require.NoError(t, first.Release())

	second, held, err := TryAcquire(name)
	require.NoError(t, err)
	require.True(t, held)
	second.Release()
}

func TestAcquireWaitTimesOut(t *testing.T) {
	name := "BuildGovernorTest-" + t.Name()

	holder, held, err := TryAcquire(name)
	require.NoError(t, err)
	require.True(t, held)
	defer holder.Release()

	start := time.Now()
	_, err = AcquireWait(name, 200*time.Millisecond)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestAcquireWaitSucceedsAfterRelease(t *testing.T) {
	name := "BuildGovernorTest-" + t.Name()

	holder, held, err := TryAcquire(name)
	require.NoError(t, err)
	require.True(t, held)

	go func() {
		time.Sleep(100 * time.Millisecond)
		holder.Release()
	}()

	waited, err := AcquireWait(name, 2*time.Second)
	require.NoError(t, err)
	waited.Release()
}

func TestReleaseNilIsSafe(t *testing.T) {
	var m *Mutex
	assert.NoError(t, m.Release())
	assert.Equal(t, "", m.Name())
}
