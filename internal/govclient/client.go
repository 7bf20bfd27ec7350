// Package govclient is the shim side of the governor protocol: a short-lived
// session over the local endpoint plus the auto-start election. Every failure
// mode here degrades to "no session" — the shim falls open and runs the tool
// ungoverned; nothing in this package may block a build.
package govclient

import (
	"bufio"
	"fmt"
	"net"
	"time"

	"github.com/buildgov/governor/internal/protocol"
)

// Timeouts for the shim's three calls. A blown timeout downgrades the shim
// to ungoverned mode for that invocation.
const (
	ConnectTimeout = 2 * time.Second
	AcquireTimeout = 60 * time.Second
	ReleaseTimeout = 5 * time.Second
)

// Client is one logical session with the governor.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
}

// Dial connects to the governor endpoint with the short connect timeout.
func Dial(socketPath string) (*Client, error) {
	if socketPath == "" {
		socketPath = protocol.SocketPath()
	}
	conn, err := net.DialTimeout("unix", socketPath, ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect to governor: %w", err)
	}
	return &Client{conn: conn, reader: bufio.NewReader(conn)}, nil
}

// Close ends the session. Outstanding leases survive; they are keyed by id,
// not by connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// roundTrip sends one request and reads the one matching reply.
func (c *Client) roundTrip(msgType string, data any, timeout time.Duration, out any) error {
	if err := c.conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	if err := protocol.Encode(c.conn, msgType, data); err != nil {
		return err
	}
	env, err := protocol.Decode(c.reader)
	if err != nil {
		return fmt.Errorf("read %s reply: %w", msgType, err)
	}
	if err := protocol.DecodeData(env, out); err != nil {
		return err
	}
	return nil
}

// Acquire requests tokens. The per-request timeout on the wire is the
// governor's polling budget; the socket deadline adds slack on top of it.
func (c *Client) Acquire(req protocol.AcquireRequest) (protocol.AcquireResponse, error) {
	var resp protocol.AcquireResponse
	wait := time.Duration(req.TimeoutMS)*time.Millisecond + 5*time.Second
	if wait > AcquireTimeout+5*time.Second {
		wait = AcquireTimeout + 5*time.Second
	}
	if err := c.roundTrip(protocol.TypeAcquire, req, wait, &resp); err != nil {
		return protocol.AcquireResponse{}, err
	}
	return resp, nil
}

// Release reports the finished run and returns the classifier verdict.
func (c *Client) Release(req protocol.ReleaseRequest) (protocol.ReleaseResponse, error) {
	var resp protocol.ReleaseResponse
	if err := c.roundTrip(protocol.TypeRelease, req, ReleaseTimeout, &resp); err != nil {
		return protocol.ReleaseResponse{}, err
	}
	return resp, nil
}

// Status queries the pool.
func (c *Client) Status() (protocol.StatusResponse, error) {
	var resp protocol.StatusResponse
	if err := c.roundTrip(protocol.TypeStatus, protocol.StatusRequest{}, ReleaseTimeout, &resp); err != nil {
		return protocol.StatusResponse{}, err
	}
	return resp, nil
}

// Heartbeat checks whether a lease is still held.
func (c *Client) Heartbeat(leaseID string) (bool, error) {
	var resp protocol.HeartbeatResponse
	req := protocol.HeartbeatRequest{LeaseID: leaseID}
	if err := c.roundTrip(protocol.TypeHeartbeat, req, ReleaseTimeout, &resp); err != nil {
		return false, err
	}
	return resp.Alive, nil
}
