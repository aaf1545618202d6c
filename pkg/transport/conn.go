// Package transport owns the byte-level connection between a client session and one ensemble
// member. It frames requests and responses but never retries; reconnect policy belongs to the
// session.
package transport

//go:generate mockgen -source=conn.go -destination=mocks/mock_conn.go -package=mock_transport

import (
	"context"
	"fmt"

	pbzk "github.com/mikekulinski/zkclient/proto"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Conn is a single framed connection to one server.
type Conn interface {
	Send(req *pbzk.ZookeeperRequest) error
	// Recv blocks until the next frame arrives or the connection fails.
	Recv() (*pbzk.ZookeeperResponse, error)
	Close() error
}

// Dialer opens connections to ensemble members by address.
type Dialer interface {
	Dial(ctx context.Context, address string) (Conn, error)
}

type grpcDialer struct {
	opts []grpc.DialOption
}

// NewGRPCDialer returns a Dialer that opens the Zookeeper message stream over gRPC. Extra options
// are applied after the defaults, so callers can replace the transport credentials or the
// context dialer.
//
// The connection is not dialed in the background and the stream is not wait-for-ready, so a
// member that cannot be reached fails the attempt right away.
func NewGRPCDialer(opts ...grpc.DialOption) Dialer {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDisableRetry(),
	}
	return &grpcDialer{opts: append(base, opts...)}
}

func (d *grpcDialer) Dial(ctx context.Context, address string) (Conn, error) {
	cc, err := grpc.Dial(address, d.opts...)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", address, err)
	}
	// The stream outlives the dial context; it ends when the connection is closed. Until the
	// stream is open, ctx still bounds the attempt.
	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	stream, err := pbzk.NewZookeeperClient(cc).Message(streamCtx)
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		cancel()
		_ = cc.Close()
		return nil, fmt.Errorf("opening message stream to %s: %w", address, err)
	}
	return &grpcConn{cc: cc, stream: stream, cancel: cancel}, nil
}

type grpcConn struct {
	cc     *grpc.ClientConn
	stream pbzk.Zookeeper_MessageClient
	cancel context.CancelFunc
}

func (c *grpcConn) Send(req *pbzk.ZookeeperRequest) error {
	return c.stream.Send(req)
}

func (c *grpcConn) Recv() (*pbzk.ZookeeperResponse, error) {
	return c.stream.Recv()
}

func (c *grpcConn) Close() error {
	c.cancel()
	return c.cc.Close()
}
