package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mikekulinski/zkclient/pkg/logging"
	"github.com/mikekulinski/zkclient/pkg/persistence"
	"github.com/mikekulinski/zkclient/pkg/session"
	"github.com/mikekulinski/zkclient/pkg/utils"
	"github.com/mikekulinski/zkclient/pkg/znode"
	"github.com/mikekulinski/zkclient/pkg/zxid"
	pbzk "github.com/mikekulinski/zkclient/proto"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const (
	DefaultTickTime   = 500 * time.Millisecond
	DefaultOutboxSize = 1024
)

type Config struct {
	// TickTime is the basic time unit. Session timeouts are negotiated into [2, 20] ticks and
	// expired sessions are reaped once per tick.
	TickTime time.Duration
	// Epoch is the high word of every zxid issued by this server.
	Epoch int32
	// OutboxSize bounds the queue of responses and events per stream. A stream that falls this
	// far behind is dropped.
	OutboxSize int
	// DataDir holds the transaction log. The tree is kept in memory only when it is empty.
	DataDir string
	Fs      afero.Fs
	Logger  *logrus.Entry
}

// Server is an in-memory Zookeeper service. Every ensemble member in a process registers the
// same Server, so members share one tree and one session table.
type Server struct {
	cfg Config
	log *logrus.Entry
	now func() time.Time

	// mu serializes request processing. Responses and watch events are queued while it is
	// held, which gives every session a view consistent with the commit order.
	mu            sync.Mutex
	db            *znode.DB
	zxids         *zxid.Generator
	wal           *persistence.LogManager
	sessions      map[int64]*session.Session
	watches       *watchManager
	lastSessionID int64
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.TickTime <= 0 {
		cfg.TickTime = DefaultTickTime
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = DefaultOutboxSize
	}
	if cfg.Epoch <= 0 {
		cfg.Epoch = 1
	}
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger("server")
	}

	s := &Server{
		cfg:           cfg,
		log:           cfg.Logger,
		now:           time.Now,
		db:            znode.NewDB(),
		sessions:      map[int64]*session.Session{},
		watches:       newWatchManager(),
		lastSessionID: time.Now().UnixMilli() << 16,
	}
	if cfg.DataDir != "" {
		wal, err := persistence.NewLogManager(cfg.Fs, cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("opening transaction log: %w", err)
		}
		if err := wal.Replay(s.db.Apply); err != nil {
			return nil, err
		}
		s.wal = wal
	}
	s.zxids = zxid.NewGenerator(cfg.Epoch, zxid.ZXID(s.db.LastZxid()))

	// Sessions do not survive a restart, so neither do their ephemeral nodes.
	s.mu.Lock()
	for _, owner := range s.db.EphemeralOwners() {
		s.deleteEphemeralsLocked(owner)
	}
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"last_zxid": fmt.Sprintf("%#x", s.db.LastZxid()),
		"data_dir":  cfg.DataDir,
	}).Info("Server ready")
	return s, nil
}

// Run reaps expired sessions until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickTime)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.expireSessions()
		}
	}
}

func (s *Server) expireSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, sess := range s.sessions {
		if sess.Expired(now) {
			s.log.WithFields(logrus.Fields{
				"session_id": fmt.Sprintf("%#x", sess.ID),
				"client_id":  sess.ClientID,
			}).Info("Session expired")
			s.endSessionLocked(sess)
		}
	}
}

// ExpireSession ends a session as if it had timed out. It reports whether the session existed.
func (s *Server) ExpireSession(sessionID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if ok {
		s.endSessionLocked(sess)
	}
	return ok
}

// DropConnections kills every stream without ending the sessions they carry.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if c := sess.Conn(); c != nil {
			c.Kill()
		}
	}
}

// SessionCount is the number of live sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// WatchCount is the number of registered (path, session) watches.
func (s *Server) WatchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watches.count()
}

// Get returns a copy of the node at path.
func (s *Server) Get(path string) (znode.Snapshot, bool) {
	return s.db.Get(path)
}

// connect performs the handshake. It queues the response on conn and reports whether the
// session was granted.
func (s *Server) connect(req *pbzk.ConnectRequest, clientID string, conn *session.Conn) (*session.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	timeout := s.negotiateTimeout(req.TimeoutMs)
	log := s.log.WithField("client_id", clientID)

	var sess *session.Session
	if req.SessionID != 0 {
		existing, ok := s.sessions[req.SessionID]
		if !ok || !bytes.Equal(existing.Passwd, req.Passwd) {
			log.WithField("session_id", fmt.Sprintf("%#x", req.SessionID)).Info("Rejecting unknown session")
			conn.Deliver(&pbzk.ZookeeperResponse{
				Op:      pbzk.OpCreateSession,
				Zxid:    s.db.LastZxid(),
				Err:     pbzk.ErrSessionExpired,
				Message: &pbzk.ConnectResponse{},
			})
			conn.Finish()
			return nil, false
		}
		sess = existing
		sess.Timeout = timeout
		// The client sends its watches again once it is attached.
		s.watches.removeSession(sess.ID)
		log.WithField("session_id", fmt.Sprintf("%#x", sess.ID)).Info("Session reattached")
	} else {
		s.lastSessionID++
		sess = session.NewSession(s.lastSessionID, timeout, clientID, now)
		s.sessions[sess.ID] = sess
		log.WithFields(logrus.Fields{
			"session_id": fmt.Sprintf("%#x", sess.ID),
			"timeout":    timeout,
		}).Info("Session created")
	}
	sess.Attach(conn, now)

	conn.Deliver(&pbzk.ZookeeperResponse{
		Op:   pbzk.OpCreateSession,
		Zxid: s.db.LastZxid(),
		Message: &pbzk.ConnectResponse{
			TimeoutMs: int32(timeout / time.Millisecond),
			SessionID: sess.ID,
			Passwd:    sess.Passwd,
		},
	})
	return sess, true
}

func (s *Server) negotiateTimeout(requestedMs int32) time.Duration {
	requested := time.Duration(requestedMs) * time.Millisecond
	return min(max(requested, 2*s.cfg.TickTime), 20*s.cfg.TickTime)
}

// detach unbinds a stream that ended. The session lives on until it reconnects or expires.
func (s *Server) detach(sess *session.Session, conn *session.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.Detach(conn, s.now()) {
		s.watches.removeSession(sess.ID)
	}
}

// process handles one request and queues the response, preceded by any watch events it
// triggers. It reports whether the stream is done.
func (s *Server) process(sess *session.Session, conn *session.Conn, req *pbzk.ZookeeperRequest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions[sess.ID] != sess || sess.Conn() != conn {
		conn.Kill()
		return true
	}
	sess.Touch(s.now())

	resp := &pbzk.ZookeeperResponse{Xid: req.Xid, Op: req.Op}
	done := false
	if err := validateRequest(req); err != nil {
		s.log.WithError(err).WithField("session_id", fmt.Sprintf("%#x", sess.ID)).Debug("Rejecting request")
		resp.Err = pbzk.ErrBadArguments
	} else {
		switch req.Op {
		case pbzk.OpPing:
			resp.Message = &pbzk.Empty{}
		case pbzk.OpCreate, pbzk.OpDelete, pbzk.OpSetData:
			s.write(sess, req, resp)
		case pbzk.OpExists, pbzk.OpGetData, pbzk.OpGetChildren:
			s.read(sess, req.Op, req.Message.(*pbzk.PathWatchRequest), resp)
		case pbzk.OpSync:
			// Every member shares one tree, so a sync is already complete.
			resp.Message = &pbzk.SyncResponse{Path: req.Message.(*pbzk.SyncRequest).Path}
		case pbzk.OpSetWatches:
			s.setWatches(sess, conn, req.Message.(*pbzk.SetWatchesRequest))
			resp.Message = &pbzk.Empty{}
		case pbzk.OpClose:
			s.log.WithField("session_id", fmt.Sprintf("%#x", sess.ID)).Info("Session closed by client")
			// Detached first so the stream stays up long enough to carry the response.
			sess.Detach(conn, s.now())
			s.endSessionLocked(sess)
			resp.Message = &pbzk.Empty{}
			done = true
		default:
			resp.Err = pbzk.ErrUnimplemented
		}
	}
	if resp.Zxid == 0 {
		resp.Zxid = s.db.LastZxid()
	}
	conn.Deliver(resp)
	if done {
		conn.Finish()
	}
	return done
}

func (s *Server) write(sess *session.Session, req *pbzk.ZookeeperRequest, resp *pbzk.ZookeeperResponse) {
	var txn *znode.Txn
	var err error
	switch m := req.Message.(type) {
	case *pbzk.CreateRequest:
		txn, err = s.db.CheckCreate(sess.ID, m.Path, m.Data, m.Acl, m.Mode)
	case *pbzk.DeleteRequest:
		txn, err = s.db.CheckDelete(m.Path, m.Version)
	case *pbzk.SetDataRequest:
		txn, err = s.db.CheckSetData(m.Path, m.Data, m.Version)
	}
	if err == nil {
		err = s.commitLocked(txn)
	}
	if err != nil {
		resp.Err = znode.Code(err)
		var versionErr *znode.VersionError
		if errors.As(err, &versionErr) {
			resp.CurrentVersion = versionErr.Actual
		}
		return
	}

	resp.Zxid = txn.Zxid
	switch txn.Type {
	case znode.TxnCreate:
		resp.Message = &pbzk.CreateResponse{Path: txn.Path}
	case znode.TxnDelete:
		resp.Message = &pbzk.Empty{}
	case znode.TxnSetData:
		node, _ := s.db.Get(txn.Path)
		resp.Message = &pbzk.SetDataResponse{Stat: &node.Stat}
	}
}

func (s *Server) read(sess *session.Session, op pbzk.OpCode, req *pbzk.PathWatchRequest, resp *pbzk.ZookeeperResponse) {
	node, ok := s.db.Get(req.Path)
	// An exists watch is left even when the node is missing, so it can report the creation.
	if op == pbzk.OpExists && req.Watch {
		s.watches.addData(req.Path, sess.ID)
	}
	if !ok {
		resp.Err = pbzk.ErrNoNode
		return
	}

	switch op {
	case pbzk.OpExists:
		resp.Message = &pbzk.ExistsResponse{Stat: &node.Stat}
	case pbzk.OpGetData:
		if req.Watch {
			s.watches.addData(req.Path, sess.ID)
		}
		resp.Message = &pbzk.GetDataResponse{Data: node.Data, Stat: &node.Stat}
	case pbzk.OpGetChildren:
		if req.Watch {
			s.watches.addChild(req.Path, sess.ID)
		}
		resp.Message = &pbzk.GetChildrenResponse{Children: node.Children, Stat: &node.Stat}
	}
}

// setWatches re-registers the watches of a reattached session. Watches whose condition
// already changed after relativeZxid fire right away instead.
func (s *Server) setWatches(sess *session.Session, conn *session.Conn, req *pbzk.SetWatchesRequest) {
	rel := req.RelativeZxid
	fire := func(path string, typ pbzk.EventType) {
		conn.Deliver(watchEvent(path, typ, s.db.LastZxid()))
	}
	for _, path := range req.DataWatches {
		node, ok := s.db.Get(path)
		switch {
		case !ok:
			fire(path, pbzk.EventNodeDeleted)
		case node.Stat.Mzxid > rel:
			fire(path, pbzk.EventNodeDataChanged)
		default:
			s.watches.addData(path, sess.ID)
		}
	}
	for _, path := range req.ExistWatches {
		if _, ok := s.db.Get(path); ok {
			fire(path, pbzk.EventNodeCreated)
		} else {
			s.watches.addData(path, sess.ID)
		}
	}
	for _, path := range req.ChildWatches {
		node, ok := s.db.Get(path)
		switch {
		case !ok:
			fire(path, pbzk.EventNodeDeleted)
		case node.Stat.Pzxid > rel:
			fire(path, pbzk.EventNodeChildrenChanged)
		default:
			s.watches.addChild(path, sess.ID)
		}
	}
}

// commitLocked logs and applies txn, then fires the watches it triggers.
func (s *Server) commitLocked(txn *znode.Txn) error {
	txn.Zxid = int64(s.zxids.Next())
	txn.Time = s.now().UnixMilli()
	if s.wal != nil {
		if err := s.wal.Append(txn); err != nil {
			return err
		}
	}
	if err := s.db.Apply(txn); err != nil {
		return err
	}

	parent, _ := utils.SplitPath(txn.Path)
	switch txn.Type {
	case znode.TxnCreate:
		s.notifyLocked(txn.Path, pbzk.EventNodeCreated, txn.Zxid)
		s.notifyLocked(parent, pbzk.EventNodeChildrenChanged, txn.Zxid)
	case znode.TxnDelete:
		s.notifyLocked(txn.Path, pbzk.EventNodeDeleted, txn.Zxid)
		s.notifyLocked(parent, pbzk.EventNodeChildrenChanged, txn.Zxid)
	case znode.TxnSetData:
		s.notifyLocked(txn.Path, pbzk.EventNodeDataChanged, txn.Zxid)
	}
	return nil
}

func (s *Server) notifyLocked(path string, typ pbzk.EventType, zxid int64) {
	for _, id := range s.watches.trigger(path, typ) {
		sess, ok := s.sessions[id]
		if !ok || sess.Conn() == nil {
			continue
		}
		sess.Conn().Deliver(watchEvent(path, typ, zxid))
	}
}

func watchEvent(path string, typ pbzk.EventType, zxid int64) *pbzk.ZookeeperResponse {
	return &pbzk.ZookeeperResponse{
		Xid:  pbzk.XidWatchEvent,
		Zxid: zxid,
		Op:   pbzk.OpNotify,
		Message: &pbzk.WatcherEvent{
			Type:  typ,
			State: pbzk.StateSyncConnected,
			Path:  path,
		},
	}
}

// endSessionLocked removes a session and its ephemeral nodes. An attached stream is killed.
func (s *Server) endSessionLocked(sess *session.Session) {
	s.watches.removeSession(sess.ID)
	delete(s.sessions, sess.ID)
	s.deleteEphemeralsLocked(sess.ID)
	if c := sess.Conn(); c != nil {
		c.Finish()
		c.Kill()
	}
}

func (s *Server) deleteEphemeralsLocked(sessionID int64) {
	for _, path := range s.db.Ephemerals(sessionID) {
		txn, err := s.db.CheckDelete(path, -1)
		if err == nil {
			err = s.commitLocked(txn)
		}
		if err != nil {
			s.log.WithError(err).WithField("path", path).Error("Failed to delete ephemeral node")
		}
	}
}
