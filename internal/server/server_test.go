package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildgov/governor/internal/govclient"
	"github.com/buildgov/governor/internal/memory"
	"github.com/buildgov/governor/internal/pool"
	"github.com/buildgov/governor/internal/protocol"
)

type fixedSampler struct {
	snap memory.Snapshot
}

func (s fixedSampler) Sample() (memory.Snapshot, error) {
	return s.snap, nil
}

func relaxedSnapshot() memory.Snapshot {
	return memory.Snapshot{
		TotalPhysical:     64 << 30,
		AvailablePhysical: 44 << 30,
		CommitCharge:      20 << 30,
		CommitLimit:       64 << 30,
	}
}

func startServer(t *testing.T, snap memory.Snapshot) (string, func()) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := pool.New(fixedSampler{snap: snap}, pool.Options{Logger: logger})

	socket := filepath.Join(t.TempDir(), "gov.sock")
	srv := New(p, Options{SocketPath: socket, Logger: logger})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx)
	}()
	waitForSocket(t, socket)

	return socket, func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("server did not stop")
		}
	}
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("unix", path); err == nil {
			conn.Close()
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("endpoint %s never came up", path)
}

func TestAcquireReleaseOverSocket(t *testing.T) {
	socket, stop := startServer(t, relaxedSnapshot())
	defer stop()

	client, err := govclient.Dial(socket)
	require.NoError(t, err)
	defer client.Close()

	acquire, err := client.Acquire(protocol.AcquireRequest{
		Tool: "cl", RequestedTokens: 2, TimeoutMS: 1000,
	})
	require.NoError(t, err)
	require.True(t, acquire.Granted)
	assert.Len(t, acquire.LeaseID, 12)
	assert.Equal(t, 2, acquire.GrantedTokens)

	alive, err := client.Heartbeat(acquire.LeaseID)
	require.NoError(t, err)
	assert.True(t, alive)

	release, err := client.Release(protocol.ReleaseRequest{
		LeaseID: acquire.LeaseID, ExitCode: 0, DurationMS: 3000,
	})
	require.NoError(t, err)
	assert.True(t, release.Acknowledged)
	assert.Equal(t, "Success", release.Classification)

	status, err := client.Status()
	require.NoError(t, err)
	assert.Equal(t, 0, status.ActiveLeases)
	assert.Equal(t, status.TotalTokens, status.AvailableTokens)
	assert.Equal(t, "Normal", status.ThrottleLevel)
}

func TestMalformedInputKeepsConnectionOpen(t *testing.T) {
	socket, stop := startServer(t, relaxedSnapshot())
	defer stop()

	conn, err := net.Dial("unix", socket)
	require.NoError(t, err)
	defer conn.Close()
	reader := bufio.NewReader(conn)

	_, err = conn.Write([]byte("this is not json\n"))
	require.NoError(t, err)

	line, err := reader.ReadBytes('\n')
	require.NoError(t, err)
	var reply protocol.ErrorReply
	require.NoError(t, json.Unmarshal(line, &reply))
	assert.NotEmpty(t, reply.Error)

	// The session is still usable after the error reply.
	require.NoError(t, protocol.Encode(conn, protocol.TypeStatus, protocol.StatusRequest{}))
	env, err := protocol.Decode(reader)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeStatusResponse, env.Type)
}

func TestUnrecognizedTypeGetsErrorReply(t *testing.T) {
	socket, stop := startServer(t, relaxedSnapshot())
	defer stop()

	conn, err := net.Dial("unix", socket)
	require.NoError(t, err)
	defer conn.Close()
	reader := bufio.NewReader(conn)

	require.NoError(t, protocol.Encode(conn, "defragment", struct{}{}))
	line, err := reader.ReadBytes('\n')
	require.NoError(t, err)

	var reply protocol.ErrorReply
	require.NoError(t, json.Unmarshal(line, &reply))
	assert.Contains(t, reply.Error, "defragment")
}

func TestConnectionLossKeepsLease(t *testing.T) {
	socket, stop := startServer(t, relaxedSnapshot())
	defer stop()

	client, err := govclient.Dial(socket)
	require.NoError(t, err)
	acquire, err := client.Acquire(protocol.AcquireRequest{
		Tool: "link", RequestedTokens: 3, TimeoutMS: 1000,
	})
	require.NoError(t, err)
	require.True(t, acquire.Granted)
	client.Close()

	// A fresh session still sees the lease and can release it.
	second, err := govclient.Dial(socket)
	require.NoError(t, err)
	defer second.Close()

	alive, err := second.Heartbeat(acquire.LeaseID)
	require.NoError(t, err)
	assert.True(t, alive)

	release, err := second.Release(protocol.ReleaseRequest{
		LeaseID: acquire.LeaseID, ExitCode: 0,
	})
	require.NoError(t, err)
	assert.True(t, release.Acknowledged)
}

func TestConcurrentSessions(t *testing.T) {
	socket, stop := startServer(t, relaxedSnapshot())
	defer stop()

	const sessions = 8
	errs := make(chan error, sessions)
	for i := 0; i < sessions; i++ {
		go func() {
			client, err := govclient.Dial(socket)
			if err != nil {
				errs <- err
				return
			}
			defer client.Close()
			acquire, err := client.Acquire(protocol.AcquireRequest{
				Tool: "cl", RequestedTokens: 1, TimeoutMS: 5000,
			})
			if err != nil {
				errs <- err
				return
			}
			if acquire.Granted {
				_, err = client.Release(protocol.ReleaseRequest{
					LeaseID: acquire.LeaseID, ExitCode: 0,
				})
			}
			errs <- err
		}()
	}
	for i := 0; i < sessions; i++ {
		require.NoError(t, <-errs)
	}

	client, err := govclient.Dial(socket)
	require.NoError(t, err)
	defer client.Close()
	status, err := client.Status()
	require.NoError(t, err)
	assert.Equal(t, 0, status.ActiveLeases)
	assert.Equal(t, status.TotalTokens, status.AvailableTokens)
}

func TestReleaseUnknownLeaseOverSocket(t *testing.T) {
	socket, stop := startServer(t, relaxedSnapshot())
	defer stop()

	client, err := govclient.Dial(socket)
	require.NoError(t, err)
	defer client.Close()

	release, err := client.Release(protocol.ReleaseRequest{LeaseID: "000000000000"})
	require.NoError(t, err)
	assert.False(t, release.Acknowledged)
}
