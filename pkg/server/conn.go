package server

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/mikekulinski/zkclient/pkg/session"
	"github.com/mikekulinski/zkclient/pkg/utils"
	pbzk "github.com/mikekulinski/zkclient/proto"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Message serves one client stream. The first frame must be the session handshake; after that
// requests are processed in arrival order and every response, along with the watch events
// triggered before it, is written by a single sender.
func (s *Server) Message(stream pbzk.Zookeeper_MessageServer) error {
	ctx := stream.Context()
	// Extract the clientID from the message headers.
	clientID, ok := utils.ExtractClientIDHeader(ctx)
	if !ok {
		return status.Error(codes.InvalidArgument, "missing ClientID in the headers")
	}

	first, err := stream.Recv()
	if err != nil {
		return err
	}
	connectReq, ok := first.Message.(*pbzk.ConnectRequest)
	if first.Op != pbzk.OpCreateSession || !ok {
		return status.Errorf(codes.InvalidArgument, "expected session handshake, got %s", first.Op)
	}

	conn := session.NewConn(s.cfg.OutboxSize)
	sess, ok := s.connect(connectReq, clientID, conn)
	if ok {
		defer s.detach(sess, conn)
		go s.receiveMessages(sess, conn, stream)
	}
	return s.sendMessages(ctx, conn, stream)
}

func (s *Server) receiveMessages(sess *session.Session, conn *session.Conn, stream pbzk.Zookeeper_MessageServer) {
	for {
		req, err := stream.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) && status.Code(err) != codes.Canceled {
				s.log.WithError(err).WithField("session_id", fmt.Sprintf("%#x", sess.ID)).Warn("Error receiving from client stream")
			}
			conn.Kill()
			return
		}
		if s.process(sess, conn, req) {
			return
		}
	}
}

// sendMessages drains the outbox onto the stream until it is finished or the connection is
// killed.
func (s *Server) sendMessages(ctx context.Context, conn *session.Conn, stream pbzk.Zookeeper_MessageServer) error {
	for {
		select {
		case resp, ok := <-conn.Messages():
			if !ok {
				return nil
			}
			if err := stream.Send(resp); err != nil {
				conn.Kill()
				return err
			}
		case <-conn.Killed():
			return nil
		case <-ctx.Done():
			conn.Kill()
			return ctx.Err()
		}
	}
}
