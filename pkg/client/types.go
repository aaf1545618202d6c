package client

import (
	"fmt"

	pbzk "github.com/mikekulinski/zkclient/proto"
)

type (
	Stat       = pbzk.Stat
	ACL        = pbzk.ACL
	CreateMode = pbzk.CreateMode
)

const (
	// ModePersistent nodes live until they are deleted.
	ModePersistent = pbzk.ModePersistent
	// ModeEphemeral nodes are deleted when the session that created them ends.
	ModeEphemeral = pbzk.ModeEphemeral
	// The sequential modes make the server append a monotonically increasing, zero padded
	// counter to the name. The created name is returned by Create.
	ModePersistentSequential = pbzk.ModePersistentSequential
	ModeEphemeralSequential  = pbzk.ModeEphemeralSequential
)

const (
	PermRead   = pbzk.PermRead
	PermWrite  = pbzk.PermWrite
	PermCreate = pbzk.PermCreate
	PermDelete = pbzk.PermDelete
	PermAdmin  = pbzk.PermAdmin
	PermAll    = pbzk.PermAll
)

// WorldACL returns an ACL list granting perms to everyone.
func WorldACL(perms int32) []ACL {
	return pbzk.WorldACL(perms)
}

// AnyVersion skips the version check of Delete and SetData.
const AnyVersion int32 = -1

// State is the state of the session state machine.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateExpired
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateExpired:
		return "Expired"
	case StateClosed:
		return "Closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

func (s State) terminal() bool {
	return s == StateExpired || s == StateClosed
}

type EventType int32

const (
	EventNodeCreated         = EventType(pbzk.EventNodeCreated)
	EventNodeDeleted         = EventType(pbzk.EventNodeDeleted)
	EventNodeDataChanged     = EventType(pbzk.EventNodeDataChanged)
	EventNodeChildrenChanged = EventType(pbzk.EventNodeChildrenChanged)

	// EventSession reports a change of the session state. It is only sent to Config.Watcher.
	EventSession EventType = -1
	// EventNotWatching tells a watcher that its watch was dropped without firing. Event.Err
	// carries the reason.
	EventNotWatching EventType = -2
)

func (e EventType) String() string {
	switch e {
	case EventSession:
		return "Session"
	case EventNotWatching:
		return "NotWatching"
	}
	return pbzk.EventType(e).String()
}

// Event is delivered to watchers. Path is caller-visible.
type Event struct {
	Type   EventType
	State  State
	Path   string
	Server string
	Err    error
}

// Watcher is called at most once per registration, on the client's notification goroutine.
// It must not block for long; other watches and async callbacks wait behind it.
type Watcher func(Event)

// DataResult is the result of GetData.
type DataResult struct {
	Data []byte
	Stat *Stat
}

// ChildrenResult is the result of GetChildren. Children are sorted.
type ChildrenResult struct {
	Children []string
	Stat     *Stat
}
