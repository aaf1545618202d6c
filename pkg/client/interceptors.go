package client

import (
	"context"

	"github.com/mikekulinski/zkclient/pkg/utils"
	"google.golang.org/grpc"
)

// clientIDStreamInterceptor returns a gRPC stream interceptor that adds a client ID to outgoing streams.
func clientIDStreamInterceptor(clientID string) grpc.StreamClientInterceptor {
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		ctx = utils.SetClientIDHeader(ctx, clientID)
		return streamer(ctx, desc, cc, method, opts...)
	}
}
