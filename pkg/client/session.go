package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/mikekulinski/zkclient/pkg/transport"
	pbzk "github.com/mikekulinski/zkclient/proto"
	"github.com/sirupsen/logrus"
)

const protocolVersion = 0

// session owns the connection to the ensemble. A single goroutine runs the connect, serve and
// reconnect loop; callers interact with it through submit and close.
type session struct {
	cfg     *Config
	log     *logrus.Entry
	paths   pathTranslator
	hosts   *hostList
	pending *pendingTable
	watches *watchRegistry
	notify  *notifier

	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}

	// mu guards everything below. Frames are written while holding it, which keeps the wire
	// order equal to the xid order.
	mu       sync.Mutex
	state    State
	stateCh  chan struct{}
	closing  bool
	id       int64
	passwd   []byte
	timeout  time.Duration
	server   string
	channel  *transport.Channel
	lastZxid int64
	lastSend time.Time
	lastRecv time.Time
}

func newSession(cfg *Config, paths pathTranslator) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		cfg:      cfg,
		log:      cfg.Logger,
		paths:    paths,
		hosts:    newHostList(cfg.Servers),
		pending:  &pendingTable{},
		watches:  newWatchRegistry(),
		notify:   newNotifier(cfg.Logger),
		ctx:      ctx,
		cancel:   cancel,
		loopDone: make(chan struct{}),
		state:    StateDisconnected,
		stateCh:  make(chan struct{}),
		lastRecv: time.Now(),
	}
	go s.run()
	return s
}

func (s *session) run() {
	defer close(s.loopDone)
	for {
		ch, err := s.connect()
		if err != nil {
			if errors.Is(err, ErrSessionExpired) {
				s.log.WithError(err).Warn("Session expired")
				s.terminate(StateExpired, err)
			}
			return
		}
		err = s.serve(ch)
		if s.stopping() {
			return
		}
		s.disconnected(err)
	}
}

func (s *session) stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing || s.ctx.Err() != nil
}

// connect walks the server list until one member accepts the session. Once the session timeout
// has passed without contact every member gets one last short try, since only the ensemble can
// tell whether the session survived. If none answers the session is treated as expired.
func (s *session) connect() (*transport.Channel, error) {
	s.mu.Lock()
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	lastTries := s.hosts.len()
	for attempt := 0; ; attempt++ {
		s.mu.Lock()
		req := &pbzk.ConnectRequest{
			ProtocolVersion: protocolVersion,
			LastZxidSeen:    s.lastZxid,
			TimeoutMs:       int32(s.cfg.SessionTimeout / time.Millisecond),
			SessionID:       s.id,
			Passwd:          s.passwd,
		}
		budget := s.budgetLocked()
		remaining := budget - time.Since(s.lastRecv)
		s.mu.Unlock()
		dialTimeout := s.cfg.ConnectTimeout
		if remaining > 0 {
			dialTimeout = min(dialTimeout, remaining)
		} else {
			if lastTries == 0 {
				return nil, fmt.Errorf("%w: no server answered within %s", ErrSessionExpired, budget)
			}
			lastTries--
			// The whole last round fits in half a session timeout.
			dialTimeout = min(dialTimeout, max(budget/time.Duration(2*s.hosts.len()), time.Millisecond))
		}

		addr := s.hosts.next()
		log := s.log.WithField("server", addr)
		ctx, cancel := context.WithTimeout(s.ctx, dialTimeout)
		ch, resp, err := transport.Open(ctx, s.cfg.Dialer, addr, req)
		cancel()
		if err == nil {
			if err = s.established(ch, resp); err != nil {
				ch.Close()
				return nil, err
			}
			return ch, nil
		}
		if errors.Is(err, transport.ErrSessionRejected) {
			return nil, fmt.Errorf("%w: rejected by %s", ErrSessionExpired, addr)
		}
		if s.stopping() {
			return nil, ErrSessionClosed
		}

		delay := s.backoff(attempt, max(remaining, 0))
		log.WithError(err).WithField("retry_in", delay).Warn("Failed to connect")
		select {
		case <-time.After(delay):
		case <-s.ctx.Done():
			return nil, ErrSessionClosed
		}
	}
}

// established installs a freshly handshaken channel, restores watches and resends the requests
// that survived the previous connection, then publishes the Connected state.
func (s *session) established(ch *transport.Channel, resp *pbzk.ConnectResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return ErrSessionClosed
	}
	reconnect := s.id != 0
	if reconnect && resp.SessionID != s.id {
		return fmt.Errorf("%w: %s granted session %#x instead of %#x", ErrSessionExpired, ch.Address(), resp.SessionID, s.id)
	}

	s.id = resp.SessionID
	s.passwd = resp.Passwd
	s.timeout = time.Duration(resp.TimeoutMs) * time.Millisecond
	s.server = ch.Address()
	s.channel = ch
	now := time.Now()
	s.lastSend = now
	s.lastRecv = now

	if reconnect {
		s.restoreWatchesLocked()
	}
	for _, req := range s.pending.snapshot() {
		if !req.sent {
			s.writeLocked(req)
		}
	}
	s.log.WithFields(logrus.Fields{
		"server":     s.server,
		"session_id": fmt.Sprintf("%#x", s.id),
		"timeout":    s.timeout,
		"reconnect":  reconnect,
	}).Info("Session established")
	s.setStateLocked(StateConnected)
	return nil
}

func (s *session) restoreWatchesLocked() {
	if s.watches.len() == 0 {
		return
	}
	if s.cfg.DisableAutoWatchReset {
		for _, sub := range s.watches.dropAll() {
			s.notWatching(sub, StateConnected, ErrWatchesLost)
		}
		return
	}
	s.sendLocked(&pbzk.ZookeeperRequest{
		Xid:     pbzk.XidSetWatches,
		Op:      pbzk.OpSetWatches,
		Message: s.watches.setWatches(s.lastZxid),
	})
}

// serve pumps the channel until it fails or the session stops.
func (s *session) serve(ch *transport.Channel) error {
	errc := make(chan error, 1)
	go func() {
		errc <- s.readLoop(ch)
	}()

	s.mu.Lock()
	tick := max(s.pingIntervalLocked()/2, 10*time.Millisecond)
	s.mu.Unlock()
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case err := <-errc:
			ch.Close()
			return err
		case <-ticker.C:
			if err := s.keepAlive(); err != nil {
				ch.Close()
				<-errc
				return err
			}
		case <-s.ctx.Done():
			ch.Close()
			<-errc
			return ErrSessionClosed
		}
	}
}

// keepAlive pings an idle connection and declares it dead when the server has been silent for
// a whole session timeout.
func (s *session) keepAlive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if silence := time.Since(s.lastRecv); silence > s.timeout {
		return fmt.Errorf("%w: no response from %s for %s", ErrConnectionLoss, s.server, silence.Round(time.Millisecond))
	}
	if time.Since(s.lastSend) >= s.pingIntervalLocked() {
		s.sendLocked(&pbzk.ZookeeperRequest{Xid: pbzk.XidPing, Op: pbzk.OpPing, Message: &pbzk.Empty{}})
	}
	return nil
}

func (s *session) readLoop(ch *transport.Channel) error {
	for {
		resp, err := ch.Recv()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrConnectionLoss, err)
		}
		s.received(resp)

		switch resp.Xid {
		case pbzk.XidWatchEvent:
			s.dispatchEvent(resp)
		case pbzk.XidPing:
		case pbzk.XidSetWatches:
			if resp.Err != pbzk.ErrOK {
				s.log.WithField("code", resp.Err).Warn("Server failed to restore watches")
			}
		default:
			req, err := s.pending.complete(resp.Xid)
			if err != nil {
				s.log.WithError(err).Error("Dropping connection")
				return err
			}
			if req.watch != nil {
				if kind, ok := watchActivation(req.op, resp.Err); ok {
					s.watches.activate(req.watch, kind)
				}
			}
			req.complete(resp, nil)
		}
	}
}

func (s *session) received(resp *pbzk.ZookeeperResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRecv = time.Now()
	if resp.Zxid > s.lastZxid {
		s.lastZxid = resp.Zxid
	}
}

func (s *session) dispatchEvent(resp *pbzk.ZookeeperResponse) {
	ev, ok := resp.Message.(*pbzk.WatcherEvent)
	if !ok {
		s.log.WithField("message", fmt.Sprintf("%T", resp.Message)).Warn("Ignoring malformed watch event")
		return
	}
	path, ok := s.paths.toClient(ev.Path)
	if !ok {
		s.log.WithField("path", ev.Path).Warn("Ignoring watch event outside the chroot")
		return
	}
	for _, sub := range s.watches.trigger(ev.Path, ev.Type) {
		fn, e := sub.fn, Event{Type: EventType(ev.Type), State: StateConnected, Path: path}
		s.notify.enqueue(func() { fn(e) })
	}
}

// disconnected fails the requests that cannot be retried and marks the rest for resending.
// A written write request may already have been applied, so it fails together with everything
// queued before it. That keeps completions in submission order.
func (s *session) disconnected(cause error) {
	s.mu.Lock()
	s.channel = nil
	reason := ErrConnectionLoss
	var failed []*request
	if errors.Is(cause, ErrProtocol) {
		reason = ErrProtocol
		failed = s.pending.drain()
	} else {
		failed = s.pending.failThrough(func(r *request) bool {
			return r.sent && !r.idempotent()
		})
	}
	for _, r := range s.pending.snapshot() {
		r.sent = false
	}
	s.log.WithError(cause).WithFields(logrus.Fields{
		"server":  s.server,
		"failed":  len(failed),
		"resends": s.pending.len(),
	}).Warn("Connection lost")
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	for _, r := range failed {
		r.complete(nil, reason)
	}
}

// terminate moves the session into a terminal state. Every outstanding request fails with
// reason and every watch receives a final EventNotWatching.
func (s *session) terminate(state State, reason error) {
	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return
	}
	if s.channel != nil {
		s.channel.Close()
		s.channel = nil
	}
	s.setStateLocked(state)
	failed := s.pending.drain()
	for _, sub := range s.watches.dropAll() {
		s.notWatching(sub, state, reason)
	}
	s.mu.Unlock()

	for _, r := range failed {
		r.complete(nil, reason)
	}
}

func (s *session) notWatching(sub *watchSub, state State, reason error) {
	path, _ := s.paths.toClient(sub.path)
	fn, e := sub.fn, Event{Type: EventNotWatching, State: state, Path: path, Err: reason}
	s.notify.enqueue(func() { fn(e) })
}

// submit queues req and writes it right away when connected. Requests submitted while
// disconnected are written in order once a connection is established.
func (s *session) submit(req *request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.terminalErrLocked(); err != nil {
		req.complete(nil, err)
		return
	}
	s.pending.add(req)
	if s.state == StateConnected {
		s.writeLocked(req)
	}
}

func (s *session) terminalErrLocked() error {
	switch {
	case s.state == StateExpired:
		return ErrSessionExpired
	case s.state == StateClosed, s.closing:
		return ErrSessionClosed
	}
	return nil
}

func (s *session) writeLocked(req *request) {
	req.sent = s.sendLocked(&pbzk.ZookeeperRequest{Xid: req.xid, Op: req.op, Message: req.body})
}

// sendLocked writes one frame. A failed write closes the channel, which ends the read loop and
// starts a reconnect.
func (s *session) sendLocked(frame *pbzk.ZookeeperRequest) bool {
	if s.channel == nil {
		return false
	}
	if err := s.channel.Send(frame); err != nil {
		s.log.WithError(err).WithField("op", frame.Op).Warn("Failed to write request")
		s.channel.Close()
		return false
	}
	s.lastSend = time.Now()
	return true
}

// close ends the session on the server when connected, then stops the loop. Outstanding
// requests fail with ErrSessionClosed.
func (s *session) close(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	var req *request
	if s.state == StateConnected {
		req = newRequest(s.notify, pbzk.OpClose, "", &pbzk.Empty{})
		s.pending.add(req)
		s.writeLocked(req)
	}
	s.mu.Unlock()

	var err error
	if req != nil {
		select {
		case <-req.done:
			_, err = req.result()
		case <-s.loopDone:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	s.cancel()
	<-s.loopDone
	s.terminate(StateClosed, ErrSessionClosed)
	s.notify.close()
	return err
}

func (s *session) setStateLocked(state State) {
	if s.state == state {
		return
	}
	s.log.WithFields(logrus.Fields{"from": s.state, "to": state}).Debug("Session state changed")
	s.state = state
	close(s.stateCh)
	s.stateCh = make(chan struct{})
	if w := s.cfg.Watcher; w != nil {
		e := Event{Type: EventSession, State: state, Server: s.server}
		s.notify.enqueue(func() { w(e) })
	}
}

// waitConnected blocks until the session is connected or terminal.
func (s *session) waitConnected(ctx context.Context) error {
	for {
		s.mu.Lock()
		state, ch := s.state, s.stateCh
		err := s.terminalErrLocked()
		s.mu.Unlock()
		if err != nil {
			return err
		}
		if state == StateConnected {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *session) budgetLocked() time.Duration {
	if s.timeout > 0 {
		return s.timeout
	}
	return s.cfg.SessionTimeout
}

func (s *session) pingIntervalLocked() time.Duration {
	return s.budgetLocked() / time.Duration(s.cfg.PingDivisor)
}

// backoff grows exponentially with attempt, is randomized into [d/2, d] and never exceeds the
// time left before the session would expire.
func (s *session) backoff(attempt int, remaining time.Duration) time.Duration {
	d := s.cfg.BackoffMin << min(attempt, 16)
	if d <= 0 || d > s.cfg.BackoffMax {
		d = s.cfg.BackoffMax
	}
	d = d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
	return min(d, remaining)
}

// hostList hands out servers round-robin from a shuffled copy of the configured list, so a
// reconnect tries a different member first.
type hostList struct {
	mu      sync.Mutex
	servers []string
	idx     int
}

func newHostList(servers []string) *hostList {
	shuffled := make([]string, len(servers))
	copy(shuffled, servers)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return &hostList{servers: shuffled}
}

func (h *hostList) len() int {
	return len(h.servers)
}

func (h *hostList) next() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	addr := h.servers[h.idx%len(h.servers)]
	h.idx++
	return addr
}
