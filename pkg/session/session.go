package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	pbzk "github.com/mikekulinski/zkclient/proto"
)

// Session is the server side state of one client session. It outlives the streams that carry
// it: a client that loses its connection reattaches with the id and password.
//
// Session is not safe for concurrent use. The server guards it with its own lock.
type Session struct {
	ID       int64
	Passwd   []byte
	Timeout  time.Duration
	ClientID string

	lastSeen time.Time
	conn     *Conn
}

func NewSession(id int64, timeout time.Duration, clientID string, now time.Time) *Session {
	passwd := uuid.New()
	return &Session{
		ID:       id,
		Passwd:   passwd[:],
		Timeout:  timeout,
		ClientID: clientID,
		lastSeen: now,
	}
}

// Attach binds the session to a new stream. A previously attached stream is killed.
func (s *Session) Attach(c *Conn, now time.Time) {
	if s.conn != nil && s.conn != c {
		s.conn.Kill()
	}
	s.conn = c
	s.lastSeen = now
}

// Detach unbinds c. It reports false when the session has already moved to another stream.
func (s *Session) Detach(c *Conn, now time.Time) bool {
	if s.conn != c {
		return false
	}
	s.conn = nil
	s.lastSeen = now
	return true
}

// Conn returns the attached stream, or nil.
func (s *Session) Conn() *Conn {
	return s.conn
}

// Touch records traffic from the client.
func (s *Session) Touch(now time.Time) {
	s.lastSeen = now
}

func (s *Session) Expired(now time.Time) bool {
	return now.Sub(s.lastSeen) > s.Timeout
}

// Conn is the outbound queue of one stream. Responses and watch events for the session are
// queued here in the order the server produced them; a single writer drains it onto the wire.
type Conn struct {
	mu       sync.Mutex
	messages chan *pbzk.ZookeeperResponse
	finished bool

	killOnce sync.Once
	killed   chan struct{}
}

func NewConn(buffer int) *Conn {
	return &Conn{
		messages: make(chan *pbzk.ZookeeperResponse, buffer),
		killed:   make(chan struct{}),
	}
}

// Deliver queues resp. A connection whose queue is full is too slow to keep up and is killed.
func (c *Conn) Deliver(resp *pbzk.ZookeeperResponse) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return false
	}
	select {
	case c.messages <- resp:
		return true
	default:
		c.finished = true
		c.Kill()
		return false
	}
}

// Finish stops accepting messages. The writer sends what is queued and then ends the stream.
func (c *Conn) Finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.finished {
		c.finished = true
		close(c.messages)
	}
}

// Kill ends the stream without flushing.
func (c *Conn) Kill() {
	c.killOnce.Do(func() {
		close(c.killed)
	})
}

func (c *Conn) Messages() <-chan *pbzk.ZookeeperResponse {
	return c.messages
}

func (c *Conn) Killed() <-chan struct{} {
	return c.killed
}
