package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	pbzk "github.com/mikekulinski/zkclient/proto"
)

var (
	// ErrClosed is returned by Send once the channel has been closed.
	ErrClosed = errors.New("transport: channel closed")
	// ErrSessionRejected means the server refused to reattach the session presented in the
	// handshake, usually because it already expired.
	ErrSessionRejected = errors.New("transport: session rejected by server")
)

// Channel is one handshaken connection to one ensemble member. Frames are delivered by Recv until
// the connection fails; a Channel is never reused after that.
type Channel struct {
	address string
	conn    Conn

	// mu serializes writes onto the underlying stream.
	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

// Open dials address and performs the session handshake. The returned ConnectResponse carries
// the session id, password and negotiated timeout the server granted.
func Open(ctx context.Context, d Dialer, address string, req *pbzk.ConnectRequest) (*Channel, *pbzk.ConnectResponse, error) {
	conn, err := d.Dial(ctx, address)
	if err != nil {
		return nil, nil, err
	}
	ch := &Channel{address: address, conn: conn}
	resp, err := ch.handshake(ctx, req)
	if err != nil {
		ch.Close()
		return nil, nil, err
	}
	return ch, resp, nil
}

func (c *Channel) handshake(ctx context.Context, req *pbzk.ConnectRequest) (*pbzk.ConnectResponse, error) {
	if err := c.Send(&pbzk.ZookeeperRequest{Op: pbzk.OpCreateSession, Message: req}); err != nil {
		return nil, fmt.Errorf("sending handshake to %s: %w", c.address, err)
	}

	type result struct {
		resp *pbzk.ZookeeperResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := c.conn.Recv()
		done <- result{resp: resp, err: err}
	}()

	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		// Closing the connection unblocks the pending Recv.
		c.Close()
		<-done
		return nil, fmt.Errorf("handshake with %s: %w", c.address, ctx.Err())
	}
	if r.err != nil {
		return nil, fmt.Errorf("receiving handshake from %s: %w", c.address, r.err)
	}

	switch r.resp.Err {
	case pbzk.ErrOK:
	case pbzk.ErrSessionExpired:
		return nil, ErrSessionRejected
	default:
		return nil, fmt.Errorf("handshake with %s failed: %s", c.address, r.resp.Err)
	}
	resp, ok := r.resp.Message.(*pbzk.ConnectResponse)
	if !ok {
		return nil, fmt.Errorf("handshake with %s: unexpected response %T", c.address, r.resp.Message)
	}
	// A zero timeout is how servers without an explicit error code report an expired session.
	if resp.TimeoutMs <= 0 {
		return nil, ErrSessionRejected
	}
	return resp, nil
}

// Address is the ensemble member this channel is connected to.
func (c *Channel) Address() string {
	return c.address
}

// Send writes one frame. It is safe for concurrent use, but callers that need frames to hit the
// wire in a particular order must serialize their calls.
func (c *Channel) Send(req *pbzk.ZookeeperRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return c.conn.Send(req)
}

// Recv returns the next inbound frame. Once it returns an error the channel is finished.
func (c *Channel) Recv() (*pbzk.ZookeeperResponse, error) {
	return c.conn.Recv()
}

// Close releases the connection. It is idempotent.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		// Close the connection before taking mu, so a Send blocked on a stalled stream is
		// interrupted instead of holding the lock forever.
		_ = c.conn.Close()
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
	})
}
