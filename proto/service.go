package proto

import (
	"context"

	"google.golang.org/grpc"
)

const (
	Zookeeper_Message_FullMethodName = "/zookeeper.Zookeeper/Message"
)

// ZookeeperClient is the client API for the Zookeeper service.
type ZookeeperClient interface {
	// Message opens the bidirectional stream a session lives on.
	Message(ctx context.Context, opts ...grpc.CallOption) (Zookeeper_MessageClient, error)
}

type zookeeperClient struct {
	cc grpc.ClientConnInterface
}

func NewZookeeperClient(cc grpc.ClientConnInterface) ZookeeperClient {
	return &zookeeperClient{cc}
}

func (c *zookeeperClient) Message(ctx context.Context, opts ...grpc.CallOption) (Zookeeper_MessageClient, error) {
	opts = append([]grpc.CallOption{grpc.ForceCodec(Codec{})}, opts...)
	stream, err := c.cc.NewStream(ctx, &Zookeeper_ServiceDesc.Streams[0], Zookeeper_Message_FullMethodName, opts...)
	if err != nil {
		return nil, err
	}
	return &zookeeperMessageClient{stream}, nil
}

type Zookeeper_MessageClient interface {
	Send(*ZookeeperRequest) error
	Recv() (*ZookeeperResponse, error)
	grpc.ClientStream
}

type zookeeperMessageClient struct {
	grpc.ClientStream
}

func (x *zookeeperMessageClient) Send(m *ZookeeperRequest) error {
	return x.ClientStream.SendMsg(m)
}

func (x *zookeeperMessageClient) Recv() (*ZookeeperResponse, error) {
	m := new(ZookeeperResponse)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// ZookeeperServer is the server API for the Zookeeper service.
type ZookeeperServer interface {
	Message(Zookeeper_MessageServer) error
}

func RegisterZookeeperServer(s grpc.ServiceRegistrar, srv ZookeeperServer) {
	s.RegisterService(&Zookeeper_ServiceDesc, srv)
}

func _Zookeeper_Message_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(ZookeeperServer).Message(&zookeeperMessageServer{stream})
}

type Zookeeper_MessageServer interface {
	Send(*ZookeeperResponse) error
	Recv() (*ZookeeperRequest, error)
	grpc.ServerStream
}

type zookeeperMessageServer struct {
	grpc.ServerStream
}

func (x *zookeeperMessageServer) Send(m *ZookeeperResponse) error {
	return x.ServerStream.SendMsg(m)
}

func (x *zookeeperMessageServer) Recv() (*ZookeeperRequest, error) {
	m := new(ZookeeperRequest)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Zookeeper_ServiceDesc is the grpc.ServiceDesc for the Zookeeper service.
var Zookeeper_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "zookeeper.Zookeeper",
	HandlerType: (*ZookeeperServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Message",
			Handler:       _Zookeeper_Message_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "zookeeper.proto",
}
