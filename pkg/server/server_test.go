package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/mikekulinski/zkclient/pkg/logging"
	"github.com/mikekulinski/zkclient/pkg/session"
	"github.com/mikekulinski/zkclient/pkg/utils"
	pbzk "github.com/mikekulinski/zkclient/proto"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

const dataDir = "/var/lib/zk"

func newTestServer(t *testing.T, fs afero.Fs) *Server {
	t.Helper()
	s, err := NewServer(Config{
		TickTime: 100 * time.Millisecond,
		Fs:       fs,
		DataDir:  dataDir,
		Logger:   logging.NewLogger("server-test"),
	})
	require.NoError(t, err)
	return s
}

type testSession struct {
	*session.Session
	conn *session.Conn
}

func connect(t *testing.T, s *Server) *testSession {
	t.Helper()
	conn := session.NewConn(64)
	sess, ok := s.connect(&pbzk.ConnectRequest{TimeoutMs: 1000}, "test-client", conn)
	require.True(t, ok)
	resp := next(t, conn)
	require.Equal(t, pbzk.ErrOK, resp.Err)
	return &testSession{Session: sess, conn: conn}
}

func next(t *testing.T, conn *session.Conn) *pbzk.ZookeeperResponse {
	t.Helper()
	select {
	case resp, ok := <-conn.Messages():
		require.True(t, ok, "outbox closed")
		return resp
	case <-time.After(time.Second):
		require.FailNow(t, "no message queued")
		return nil
	}
}

func assertIdle(t *testing.T, conn *session.Conn) {
	t.Helper()
	select {
	case resp := <-conn.Messages():
		assert.Failf(t, "unexpected message", "%+v", resp)
	default:
	}
}

func (ts *testSession) do(t *testing.T, s *Server, xid int32, op pbzk.OpCode, body pbzk.Record) *pbzk.ZookeeperResponse {
	t.Helper()
	s.process(ts.Session, ts.conn, &pbzk.ZookeeperRequest{Xid: xid, Op: op, Message: body})
	resp := next(t, ts.conn)
	require.Equal(t, xid, resp.Xid)
	return resp
}

func (ts *testSession) create(t *testing.T, s *Server, path string, mode pbzk.CreateMode) string {
	t.Helper()
	resp := ts.do(t, s, 1, pbzk.OpCreate, &pbzk.CreateRequest{Path: path, Acl: pbzk.WorldACL(pbzk.PermAll), Mode: mode})
	require.Equal(t, pbzk.ErrOK, resp.Err)
	return resp.Message.(*pbzk.CreateResponse).Path
}

func TestServer_NegotiateTimeout(t *testing.T) {
	s := newTestServer(t, afero.NewMemMapFs())
	tests := []struct {
		name      string
		requested int32
		expected  time.Duration
	}{
		{name: "below the minimum", requested: 10, expected: 200 * time.Millisecond},
		{name: "within bounds", requested: 1500, expected: 1500 * time.Millisecond},
		{name: "above the maximum", requested: 60000, expected: 2 * time.Second},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, s.negotiateTimeout(test.requested))
		})
	}
}

func TestServer_Process(t *testing.T) {
	tests := []struct {
		name                   string
		op                     pbzk.OpCode
		body                   pbzk.Record
		expectedErr            pbzk.ErrCode
		expectedCurrentVersion int32
		expectedBody           pbzk.Record
	}{
		{
			name:         "ping",
			op:           pbzk.OpPing,
			body:         &pbzk.Empty{},
			expectedBody: &pbzk.Empty{},
		},
		{
			name:        "create without parent",
			op:          pbzk.OpCreate,
			body:        &pbzk.CreateRequest{Path: "/x/y", Acl: pbzk.WorldACL(pbzk.PermAll)},
			expectedErr: pbzk.ErrNoNode,
		},
		{
			name:        "create existing node",
			op:          pbzk.OpCreate,
			body:        &pbzk.CreateRequest{Path: "/app", Acl: pbzk.WorldACL(pbzk.PermAll)},
			expectedErr: pbzk.ErrNodeExists,
		},
		{
			name:        "create under ephemeral",
			op:          pbzk.OpCreate,
			body:        &pbzk.CreateRequest{Path: "/app/lock/x", Acl: pbzk.WorldACL(pbzk.PermAll)},
			expectedErr: pbzk.ErrNoChildrenForEphemerals,
		},
		{
			name:        "invalid path",
			op:          pbzk.OpGetData,
			body:        &pbzk.PathWatchRequest{Path: "app"},
			expectedErr: pbzk.ErrBadArguments,
		},
		{
			name:        "body does not match op",
			op:          pbzk.OpDelete,
			body:        &pbzk.PathRecord{Path: "/app"},
			expectedErr: pbzk.ErrBadArguments,
		},
		{
			name:                   "set data with stale version",
			op:                     pbzk.OpSetData,
			body:                   &pbzk.SetDataRequest{Path: "/app", Data: []byte("v"), Version: 3},
			expectedErr:            pbzk.ErrBadVersion,
			expectedCurrentVersion: 0,
		},
		{
			name:        "delete non-empty node",
			op:          pbzk.OpDelete,
			body:        &pbzk.DeleteRequest{Path: "/app", Version: -1},
			expectedErr: pbzk.ErrNotEmpty,
		},
		{
			name:        "exists on missing node",
			op:          pbzk.OpExists,
			body:        &pbzk.PathWatchRequest{Path: "/missing"},
			expectedErr: pbzk.ErrNoNode,
		},
		{
			name:         "get children",
			op:           pbzk.OpGetChildren,
			body:         &pbzk.PathWatchRequest{Path: "/app"},
			expectedBody: nil,
		},
		{
			name:         "sync",
			op:           pbzk.OpSync,
			body:         &pbzk.PathRecord{Path: "/app"},
			expectedBody: &pbzk.SyncResponse{Path: "/app"},
		},
		{
			name:        "unknown op",
			op:          pbzk.OpCode(42),
			body:        &pbzk.Empty{},
			expectedErr: pbzk.ErrUnimplemented,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			s := newTestServer(t, afero.NewMemMapFs())
			ts := connect(t, s)
			ts.create(t, s, "/app", pbzk.ModePersistent)
			ts.create(t, s, "/app/lock", pbzk.ModeEphemeral)

			resp := ts.do(t, s, 7, test.op, test.body)
			assert.Equal(t, test.expectedErr, resp.Err)
			assert.Equal(t, test.op, resp.Op)
			assert.Equal(t, test.expectedCurrentVersion, resp.CurrentVersion)
			assert.Equal(t, s.db.LastZxid(), resp.Zxid)
			if test.expectedBody != nil {
				assert.Equal(t, test.expectedBody, resp.Message)
			}
			if test.expectedErr != pbzk.ErrOK {
				assert.Nil(t, resp.Message)
			}
		})
	}
}

func TestServer_Writes(t *testing.T) {
	s := newTestServer(t, afero.NewMemMapFs())
	ts := connect(t, s)

	assert.Equal(t, "/app", ts.create(t, s, "/app", pbzk.ModePersistent))
	assert.Equal(t, "/app/job-0000000000", ts.create(t, s, "/app/job-", pbzk.ModePersistentSequential))
	assert.Equal(t, "/app/job-0000000001", ts.create(t, s, "/app/job-", pbzk.ModeEphemeralSequential))

	resp := ts.do(t, s, 2, pbzk.OpSetData, &pbzk.SetDataRequest{Path: "/app", Data: []byte("cfg"), Version: 0})
	require.Equal(t, pbzk.ErrOK, resp.Err)
	stat := resp.Message.(*pbzk.SetDataResponse).Stat
	assert.Equal(t, int32(1), stat.Version)
	assert.Equal(t, resp.Zxid, stat.Mzxid)

	resp = ts.do(t, s, 3, pbzk.OpSetData, &pbzk.SetDataRequest{Path: "/app", Data: []byte("cfg"), Version: 0})
	assert.Equal(t, pbzk.ErrBadVersion, resp.Err)
	assert.Equal(t, int32(1), resp.CurrentVersion)

	resp = ts.do(t, s, 4, pbzk.OpGetChildren, &pbzk.PathWatchRequest{Path: "/app"})
	require.Equal(t, pbzk.ErrOK, resp.Err)
	assert.Equal(t, []string{"job-0000000000", "job-0000000001"}, resp.Message.(*pbzk.GetChildrenResponse).Children)

	resp = ts.do(t, s, 5, pbzk.OpDelete, &pbzk.DeleteRequest{Path: "/app/job-0000000000", Version: -1})
	assert.Equal(t, pbzk.ErrOK, resp.Err)
	assert.Equal(t, &pbzk.Empty{}, resp.Message)

	resp = ts.do(t, s, 6, pbzk.OpGetData, &pbzk.PathWatchRequest{Path: "/app"})
	require.Equal(t, pbzk.ErrOK, resp.Err)
	assert.Equal(t, []byte("cfg"), resp.Message.(*pbzk.GetDataResponse).Data)
}

func TestServer_WatchEvents(t *testing.T) {
	tests := []struct {
		name           string
		watchOp        pbzk.OpCode
		watchPath      string
		trigger        func(t *testing.T, s *Server, ts *testSession)
		expectedEvents []*pbzk.WatcherEvent
	}{
		{
			name:      "exists watch on missing node fires on create",
			watchOp:   pbzk.OpExists,
			watchPath: "/app/new",
			trigger: func(t *testing.T, s *Server, ts *testSession) {
				ts.create(t, s, "/app/new", pbzk.ModePersistent)
			},
			expectedEvents: []*pbzk.WatcherEvent{
				{Type: pbzk.EventNodeCreated, State: pbzk.StateSyncConnected, Path: "/app/new"},
			},
		},
		{
			name:      "data watch fires on set",
			watchOp:   pbzk.OpGetData,
			watchPath: "/app",
			trigger: func(t *testing.T, s *Server, ts *testSession) {
				ts.do(t, s, 9, pbzk.OpSetData, &pbzk.SetDataRequest{Path: "/app", Version: -1})
			},
			expectedEvents: []*pbzk.WatcherEvent{
				{Type: pbzk.EventNodeDataChanged, State: pbzk.StateSyncConnected, Path: "/app"},
			},
		},
		{
			name:      "child watch fires on create",
			watchOp:   pbzk.OpGetChildren,
			watchPath: "/app",
			trigger: func(t *testing.T, s *Server, ts *testSession) {
				ts.create(t, s, "/app/child", pbzk.ModePersistent)
			},
			expectedEvents: []*pbzk.WatcherEvent{
				{Type: pbzk.EventNodeChildrenChanged, State: pbzk.StateSyncConnected, Path: "/app"},
			},
		},
		{
			name:      "child watch fires on delete of the watched node",
			watchOp:   pbzk.OpGetChildren,
			watchPath: "/app",
			trigger: func(t *testing.T, s *Server, ts *testSession) {
				ts.do(t, s, 9, pbzk.OpDelete, &pbzk.DeleteRequest{Path: "/app", Version: -1})
			},
			expectedEvents: []*pbzk.WatcherEvent{
				{Type: pbzk.EventNodeDeleted, State: pbzk.StateSyncConnected, Path: "/app"},
			},
		},
		{
			name:      "data watch ignores children",
			watchOp:   pbzk.OpGetData,
			watchPath: "/app",
			trigger: func(t *testing.T, s *Server, ts *testSession) {
				ts.create(t, s, "/app/child", pbzk.ModePersistent)
			},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			s := newTestServer(t, afero.NewMemMapFs())
			watcher := connect(t, s)
			writer := connect(t, s)
			writer.create(t, s, "/app", pbzk.ModePersistent)

			watcher.do(t, s, 1, test.watchOp, &pbzk.PathWatchRequest{Path: test.watchPath, Watch: true})
			test.trigger(t, s, writer)

			for _, expected := range test.expectedEvents {
				resp := next(t, watcher.conn)
				assert.Equal(t, pbzk.XidWatchEvent, resp.Xid)
				assert.Equal(t, pbzk.OpNotify, resp.Op)
				assert.Equal(t, expected, resp.Message)
			}
			assertIdle(t, watcher.conn)
			if len(test.expectedEvents) > 0 {
				// Watches fire once.
				assert.Equal(t, 0, s.WatchCount())
			}
		})
	}
}

func TestServer_WatchEventPrecedesResponse(t *testing.T) {
	s := newTestServer(t, afero.NewMemMapFs())
	ts := connect(t, s)
	ts.create(t, s, "/app", pbzk.ModePersistent)
	ts.do(t, s, 2, pbzk.OpGetData, &pbzk.PathWatchRequest{Path: "/app", Watch: true})
	require.Equal(t, 1, s.WatchCount())

	s.process(ts.Session, ts.conn, &pbzk.ZookeeperRequest{
		Xid:     3,
		Op:      pbzk.OpSetData,
		Message: &pbzk.SetDataRequest{Path: "/app", Data: []byte("x"), Version: -1},
	})
	event := next(t, ts.conn)
	assert.Equal(t, pbzk.XidWatchEvent, event.Xid)
	resp := next(t, ts.conn)
	assert.Equal(t, int32(3), resp.Xid)
	assert.Equal(t, event.Zxid, resp.Zxid)
	assert.Equal(t, 0, s.WatchCount())
}

func TestServer_SetWatches(t *testing.T) {
	s := newTestServer(t, afero.NewMemMapFs())
	writer := connect(t, s)
	writer.create(t, s, "/stable", pbzk.ModePersistent)
	writer.create(t, s, "/changed", pbzk.ModePersistent)
	writer.create(t, s, "/parent", pbzk.ModePersistent)
	writer.create(t, s, "/quiet", pbzk.ModePersistent)
	rel := s.db.LastZxid()

	writer.do(t, s, 2, pbzk.OpSetData, &pbzk.SetDataRequest{Path: "/changed", Version: -1})
	writer.create(t, s, "/parent/child", pbzk.ModePersistent)
	writer.create(t, s, "/born", pbzk.ModePersistent)

	watcher := connect(t, s)
	s.process(watcher.Session, watcher.conn, &pbzk.ZookeeperRequest{
		Xid: pbzk.XidSetWatches,
		Op:  pbzk.OpSetWatches,
		Message: &pbzk.SetWatchesRequest{
			RelativeZxid: rel,
			DataWatches:  []string{"/stable", "/changed", "/gone"},
			ExistWatches: []string{"/born", "/unborn"},
			ChildWatches: []string{"/parent", "/quiet"},
		},
	})
	var events []*pbzk.WatcherEvent
	for {
		resp := next(t, watcher.conn)
		if resp.Xid != pbzk.XidWatchEvent {
			assert.Equal(t, pbzk.XidSetWatches, resp.Xid)
			break
		}
		events = append(events, resp.Message.(*pbzk.WatcherEvent))
	}
	assert.Equal(t, []*pbzk.WatcherEvent{
		{Type: pbzk.EventNodeDataChanged, State: pbzk.StateSyncConnected, Path: "/changed"},
		{Type: pbzk.EventNodeDeleted, State: pbzk.StateSyncConnected, Path: "/gone"},
		{Type: pbzk.EventNodeCreated, State: pbzk.StateSyncConnected, Path: "/born"},
		{Type: pbzk.EventNodeChildrenChanged, State: pbzk.StateSyncConnected, Path: "/parent"},
	}, events)

	// Only the watches whose condition still holds are registered.
	assert.Equal(t, 3, s.WatchCount())
}

func TestServer_Reattach(t *testing.T) {
	tests := []struct {
		name          string
		passwd        func(ts *testSession) []byte
		sessionID     func(ts *testSession) int64
		errorExpected bool
	}{
		{
			name:      "correct password",
			passwd:    func(ts *testSession) []byte { return ts.Passwd },
			sessionID: func(ts *testSession) int64 { return ts.ID },
		},
		{
			name:          "wrong password",
			passwd:        func(ts *testSession) []byte { return []byte("guess") },
			sessionID:     func(ts *testSession) int64 { return ts.ID },
			errorExpected: true,
		},
		{
			name:          "unknown session",
			passwd:        func(ts *testSession) []byte { return ts.Passwd },
			sessionID:     func(ts *testSession) int64 { return ts.ID + 1 },
			errorExpected: true,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			s := newTestServer(t, afero.NewMemMapFs())
			ts := connect(t, s)
			ts.create(t, s, "/app", pbzk.ModePersistent)
			ts.do(t, s, 2, pbzk.OpGetData, &pbzk.PathWatchRequest{Path: "/app", Watch: true})

			conn := session.NewConn(8)
			sess, ok := s.connect(&pbzk.ConnectRequest{
				TimeoutMs: 1000,
				SessionID: test.sessionID(ts),
				Passwd:    test.passwd(ts),
			}, "test-client", conn)
			resp := next(t, conn)
			assert.Equal(t, !test.errorExpected, ok)
			if test.errorExpected {
				assert.Equal(t, pbzk.ErrSessionExpired, resp.Err)
				_, open := <-conn.Messages()
				assert.False(t, open)
				assert.Equal(t, 1, s.SessionCount())
				assert.Equal(t, 1, s.WatchCount())
				return
			}
			require.Equal(t, pbzk.ErrOK, resp.Err)
			assert.Same(t, ts.Session, sess)
			assert.Equal(t, ts.ID, resp.Message.(*pbzk.ConnectResponse).SessionID)
			// The old stream is dropped and the watches wait to be set again.
			assert.Equal(t, 0, s.WatchCount())
			select {
			case <-ts.conn.Killed():
			default:
				assert.Fail(t, "previous connection still alive")
			}
			// Requests from the old stream are refused.
			assert.True(t, s.process(ts.Session, ts.conn, &pbzk.ZookeeperRequest{Xid: 3, Op: pbzk.OpPing, Message: &pbzk.Empty{}}))
		})
	}
}

func TestServer_SessionEnd(t *testing.T) {
	tests := []struct {
		name string
		end  func(t *testing.T, s *Server, owner, observer *testSession)
	}{
		{
			name: "expired by the server",
			end: func(t *testing.T, s *Server, owner, _ *testSession) {
				assert.True(t, s.ExpireSession(owner.ID))
			},
		},
		{
			name: "timed out",
			end: func(t *testing.T, s *Server, _, observer *testSession) {
				observer.Timeout = time.Hour
				s.now = func() time.Time { return time.Now().Add(time.Minute) }
				s.expireSessions()
			},
		},
		{
			name: "closed by the client",
			end: func(t *testing.T, s *Server, owner, _ *testSession) {
				assert.True(t, s.process(owner.Session, owner.conn, &pbzk.ZookeeperRequest{Xid: 9, Op: pbzk.OpClose, Message: &pbzk.Empty{}}))
				resp := next(t, owner.conn)
				assert.Equal(t, int32(9), resp.Xid)
				_, open := <-owner.conn.Messages()
				assert.False(t, open)
			},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			s := newTestServer(t, afero.NewMemMapFs())
			owner := connect(t, s)
			observer := connect(t, s)
			owner.create(t, s, "/app", pbzk.ModePersistent)
			owner.create(t, s, "/app/member", pbzk.ModeEphemeral)
			observer.do(t, s, 1, pbzk.OpExists, &pbzk.PathWatchRequest{Path: "/app/member", Watch: true})

			test.end(t, s, owner, observer)

			_, ok := s.Get("/app/member")
			assert.False(t, ok)
			_, ok = s.Get("/app")
			assert.True(t, ok)
			assert.False(t, s.ExpireSession(owner.ID))

			event := next(t, observer.conn)
			assert.Equal(t, &pbzk.WatcherEvent{
				Type:  pbzk.EventNodeDeleted,
				State: pbzk.StateSyncConnected,
				Path:  "/app/member",
			}, event.Message)
		})
	}
}

func TestServer_RecoversFromLog(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := newTestServer(t, fs)
	ts := connect(t, s)
	ts.create(t, s, "/app", pbzk.ModePersistent)
	ts.create(t, s, "/app/member", pbzk.ModeEphemeral)
	ts.do(t, s, 2, pbzk.OpSetData, &pbzk.SetDataRequest{Path: "/app", Data: []byte("cfg"), Version: -1})
	before, ok := s.Get("/app")
	require.True(t, ok)

	restarted := newTestServer(t, fs)
	after, ok := restarted.Get("/app")
	require.True(t, ok)
	assert.Equal(t, before.Data, after.Data)
	assert.Equal(t, before.Stat.Mzxid, after.Stat.Mzxid)
	// Sessions do not survive the restart.
	_, ok = restarted.Get("/app/member")
	assert.False(t, ok)
	assert.Greater(t, restarted.db.LastZxid(), s.db.LastZxid())
	assert.Equal(t, 0, restarted.SessionCount())
}

func TestServer_Message(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := newTestServer(t, afero.NewMemMapFs())
	lis := bufconn.Listen(1 << 20)
	grpcServer := grpc.NewServer(pbzk.ServerCodec())
	pbzk.RegisterZookeeperServer(grpcServer, s)
	go func() {
		_ = grpcServer.Serve(lis)
	}()
	defer grpcServer.Stop()

	cc, err := grpc.DialContext(ctx, "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer cc.Close()

	open := func(t *testing.T, clientID string) pbzk.Zookeeper_MessageClient {
		streamCtx := ctx
		if clientID != "" {
			streamCtx = utils.SetClientIDHeader(ctx, clientID)
		}
		stream, err := pbzk.NewZookeeperClient(cc).Message(streamCtx)
		require.NoError(t, err)
		return stream
	}

	t.Run("missing client id", func(t *testing.T) {
		stream := open(t, "")
		_, err := stream.Recv()
		assert.Error(t, err)
	})

	t.Run("request before handshake", func(t *testing.T) {
		stream := open(t, "c1")
		require.NoError(t, stream.Send(&pbzk.ZookeeperRequest{Xid: 1, Op: pbzk.OpPing, Message: &pbzk.Empty{}}))
		_, err := stream.Recv()
		assert.Error(t, err)
	})

	t.Run("session lifecycle", func(t *testing.T) {
		stream := open(t, "c2")
		require.NoError(t, stream.Send(&pbzk.ZookeeperRequest{
			Op:      pbzk.OpCreateSession,
			Message: &pbzk.ConnectRequest{TimeoutMs: 1000},
		}))
		resp, err := stream.Recv()
		require.NoError(t, err)
		require.Equal(t, pbzk.ErrOK, resp.Err)
		assert.Equal(t, int32(1000), resp.Message.(*pbzk.ConnectResponse).TimeoutMs)

		requests := []*pbzk.ZookeeperRequest{
			{Xid: 1, Op: pbzk.OpCreate, Message: &pbzk.CreateRequest{Path: "/wire", Acl: pbzk.WorldACL(pbzk.PermAll)}},
			{Xid: 2, Op: pbzk.OpGetData, Message: &pbzk.PathWatchRequest{Path: "/wire"}},
			{Xid: 3, Op: pbzk.OpClose, Message: &pbzk.Empty{}},
		}
		for _, req := range requests {
			require.NoError(t, stream.Send(req))
		}
		for _, req := range requests {
			resp, err := stream.Recv()
			require.NoError(t, err)
			assert.Equal(t, req.Xid, resp.Xid)
			assert.Equal(t, pbzk.ErrOK, resp.Err)
		}
		// The server ends the stream after the close response.
		_, err = stream.Recv()
		assert.Error(t, err)
		assert.Equal(t, 0, s.SessionCount())
	})
}
