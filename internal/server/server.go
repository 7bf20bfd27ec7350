// Package server hosts the governor's IPC endpoint: one goroutine per
// accepted connection, LF-framed JSON messages, responses in request order.
// All shared state lives behind the pool's lock; the server itself only
// routes messages.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/buildgov/governor/internal/logging"
	"github.com/buildgov/governor/internal/pool"
	"github.com/buildgov/governor/internal/protocol"
)

// Options configures the server.
type Options struct {
	SocketPath   string
	Logger       *slog.Logger
	IdleShutdown time.Duration // zero disables idle auto-shutdown
}

// Server accepts shim connections and routes requests into the pool.
type Server struct {
	pool   *pool.Pool
	path   string
	logger *slog.Logger
	idle   time.Duration

	mu         sync.Mutex
	lastActive time.Time
}

// New constructs a server over the given pool.
func New(p *pool.Pool, opts Options) *Server {
	path := strings.TrimSpace(opts.SocketPath)
	if path == "" {
		path = protocol.SocketPath()
	}
	return &Server{
		pool:       p,
		path:       path,
		logger:     logging.Ensure(opts.Logger).With("component", "server"),
		idle:       opts.IdleShutdown,
		lastActive: time.Now(),
	}
}

// SocketPath returns the endpoint the server binds.
func (s *Server) SocketPath() string {
	return s.path
}

// Serve binds the endpoint and accepts connections until the context ends
// or the idle shutdown fires. The socket file is removed on exit.
func (s *Server) Serve(ctx context.Context) error {
	// A stale socket from a crashed governor would block the bind; the
	// instance mutex guarantees no live governor owns it.
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale endpoint %s: %w", s.path, err)
	}

	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("bind endpoint %s: %w", s.path, err)
	}
	s.logger.Info("endpoint bound", "path", s.path)

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, groupCtx := errgroup.WithContext(serveCtx)

	group.Go(func() error {
		<-groupCtx.Done()
		listener.Close()
		return nil
	})

	if s.idle > 0 {
		group.Go(func() error {
			return s.watchIdle(groupCtx, cancel)
		})
	}

	group.Go(func() error {
		for {
			conn, err := listener.Accept()
			if err != nil {
				if groupCtx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}
			s.markActive()
			go s.handleConn(groupCtx, conn)
		}
	})

	err = group.Wait()
	if removeErr := os.Remove(s.path); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
		err = errors.Join(err, removeErr)
	}
	s.logger.Info("endpoint closed", "path", s.path)
	return err
}

func (s *Server) markActive() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// watchIdle cancels the serve context after the idle window passes with no
// active leases and no connection activity.
func (s *Server) watchIdle(ctx context.Context, cancel context.CancelFunc) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if s.pool.ActiveLeases() > 0 {
				s.markActive()
				continue
			}
			s.mu.Lock()
			idleFor := time.Since(s.lastActive)
			s.mu.Unlock()
			if idleFor >= s.idle {
				s.logger.Info("idle shutdown", "idle", idleFor.Round(time.Second).String())
				cancel()
				return nil
			}
		}
	}
}

// handleConn serves one session: requests handled in order, one response
// each. Malformed input gets a one-shot error object and the connection
// stays open. Connection loss never touches outstanding leases.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	session := uuid.NewString()[:8]
	logger := s.logger.With("session", session)
	logger.Debug("session opened", "remote", conn.RemoteAddr().String())

	reader := bufio.NewReader(conn)
	for {
		if ctx.Err() != nil {
			return
		}
		env, err := protocol.Decode(reader)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				logger.Debug("session closed")
				return
			}
			if errors.Is(err, protocol.ErrMalformed) {
				logger.Debug("malformed message", "error", err)
				if writeErr := protocol.EncodeError(conn, err.Error()); writeErr != nil {
					return
				}
				continue
			}
			logger.Debug("session read failed", "error", err)
			return
		}
		s.markActive()

		if err := s.dispatch(ctx, conn, env, logger); err != nil {
			logger.Debug("session write failed", "error", err)
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, conn net.Conn, env protocol.Envelope, logger *slog.Logger) error {
	switch env.Type {
	case protocol.TypeAcquire:
		var req protocol.AcquireRequest
		if err := protocol.DecodeData(env, &req); err != nil {
			return protocol.EncodeError(conn, err.Error())
		}
		outcome := s.pool.TryAcquire(
			ctx, req.Tool, req.RequestedTokens,
			time.Duration(req.TimeoutMS)*time.Millisecond)
		return protocol.Encode(conn, protocol.TypeAcquireResponse, protocol.AcquireResponse{
			Granted:                outcome.Granted,
			LeaseID:                outcome.LeaseID,
			GrantedTokens:          outcome.GrantedTokens,
			RecommendedParallelism: outcome.RecommendedParallelism,
			Reason:                 outcome.Reason,
			CommitRatio:            outcome.CommitRatio,
		})

	case protocol.TypeRelease:
		var req protocol.ReleaseRequest
		if err := protocol.DecodeData(env, &req); err != nil {
			return protocol.EncodeError(conn, err.Error())
		}
		outcome := s.pool.Release(pool.ReleaseReport{
			LeaseID:              req.LeaseID,
			PeakWorkingSetBytes:  req.PeakWorkingSetBytes,
			PeakCommitBytes:      req.PeakCommitBytes,
			ExitCode:             req.ExitCode,
			DurationMS:           req.DurationMS,
			StderrHadDiagnostics: req.StderrHadDiagnostics,
		})
		return protocol.Encode(conn, protocol.TypeReleaseResponse, protocol.ReleaseResponse{
			Acknowledged:    outcome.Acknowledged,
			Classification:  string(outcome.Classification),
			Message:         outcome.Message,
			ShouldRetry:     outcome.ShouldRetry,
			RetryWithTokens: outcome.RetryWithTokens,
		})

	case protocol.TypeStatus:
		status := s.pool.StatusNow()
		recent := make([]protocol.LeaseSummary, 0, len(status.RecentLeases))
		for _, l := range status.RecentLeases {
			recent = append(recent, protocol.LeaseSummary{
				LeaseID:          l.LeaseID,
				Tool:             l.Tool,
				Tokens:           l.Tokens,
				DurationSeconds:  l.DurationSeconds,
				ExpiresInSeconds: l.ExpiresInSeconds,
			})
		}
		return protocol.Encode(conn, protocol.TypeStatusResponse, protocol.StatusResponse{
			TotalTokens:            status.TotalTokens,
			AvailableTokens:        status.AvailableTokens,
			ActiveLeases:           status.ActiveLeases,
			ExpiredLeases:          status.ExpiredLeases,
			CommitRatio:            status.CommitRatio,
			CommitChargeBytes:      status.Snapshot.CommitCharge,
			CommitLimitBytes:       status.Snapshot.CommitLimit,
			AvailableMemoryBytes:   status.Snapshot.AvailablePhysical,
			RecommendedParallelism: status.RecommendedParallelism,
			ThrottleLevel:          string(status.Throttle),
			RecentLeases:           recent,
		})

	case protocol.TypeHeartbeat:
		var req protocol.HeartbeatRequest
		if err := protocol.DecodeData(env, &req); err != nil {
			return protocol.EncodeError(conn, err.Error())
		}
		return protocol.Encode(conn, protocol.TypeHeartbeatResponse, protocol.HeartbeatResponse{
			Alive:     s.pool.Heartbeat(req.LeaseID),
			Timestamp: time.Now().UnixMilli(),
		})

	default:
		logger.Debug("unrecognized message type", "type", env.Type)
		return protocol.EncodeError(conn, fmt.Sprintf("unrecognized message type %q", env.Type))
	}
}
