// Package proto holds the records exchanged between a Zookeeper client and an ensemble member,
// together with the gRPC service they travel over. Records are encoded in the protobuf wire
// format by hand (see codec.go), so no generated code is needed.
package proto

import "fmt"

// OpCode identifies the operation carried by a request envelope. Values match the opcodes used
// by Apache Zookeeper so logs are easy to correlate.
type OpCode int32

const (
	OpNotify        OpCode = 0
	OpCreate        OpCode = 1
	OpDelete        OpCode = 2
	OpExists        OpCode = 3
	OpGetData       OpCode = 4
	OpSetData       OpCode = 5
	OpGetChildren   OpCode = 8
	OpSync          OpCode = 9
	OpPing          OpCode = 11
	OpSetWatches    OpCode = 101
	OpCreateSession OpCode = -10
	OpClose         OpCode = -11
)

func (o OpCode) String() string {
	switch o {
	case OpNotify:
		return "notify"
	case OpCreate:
		return "create"
	case OpDelete:
		return "delete"
	case OpExists:
		return "exists"
	case OpGetData:
		return "getData"
	case OpSetData:
		return "setData"
	case OpGetChildren:
		return "getChildren"
	case OpSync:
		return "sync"
	case OpPing:
		return "ping"
	case OpSetWatches:
		return "setWatches"
	case OpCreateSession:
		return "createSession"
	case OpClose:
		return "close"
	}
	return fmt.Sprintf("op(%d)", int32(o))
}

// Reserved transaction ids. Ordinary requests always use positive xids.
const (
	XidWatchEvent int32 = -1
	XidPing       int32 = -2
	XidSetWatches int32 = -8
)

// ErrCode is the result code attached to every response envelope.
type ErrCode int32

const (
	ErrOK                      ErrCode = 0
	ErrSystemError             ErrCode = -1
	ErrUnimplemented           ErrCode = -6
	ErrBadArguments            ErrCode = -8
	ErrNoNode                  ErrCode = -101
	ErrBadVersion              ErrCode = -103
	ErrNoChildrenForEphemerals ErrCode = -108
	ErrNodeExists              ErrCode = -110
	ErrNotEmpty                ErrCode = -111
	ErrSessionExpired          ErrCode = -112
	ErrInvalidACL              ErrCode = -114
)

func (e ErrCode) String() string {
	switch e {
	case ErrOK:
		return "ok"
	case ErrSystemError:
		return "system error"
	case ErrUnimplemented:
		return "unimplemented"
	case ErrBadArguments:
		return "bad arguments"
	case ErrNoNode:
		return "node does not exist"
	case ErrBadVersion:
		return "version conflict"
	case ErrNoChildrenForEphemerals:
		return "ephemeral nodes may not have children"
	case ErrNodeExists:
		return "node already exists"
	case ErrNotEmpty:
		return "node has children"
	case ErrSessionExpired:
		return "session has been expired by the server"
	case ErrInvalidACL:
		return "invalid ACL specified"
	}
	return fmt.Sprintf("error(%d)", int32(e))
}

// EventType is the kind of change reported by a WatcherEvent.
type EventType int32

const (
	EventNodeCreated         EventType = 1
	EventNodeDeleted         EventType = 2
	EventNodeDataChanged     EventType = 3
	EventNodeChildrenChanged EventType = 4
)

func (e EventType) String() string {
	switch e {
	case EventNodeCreated:
		return "NodeCreated"
	case EventNodeDeleted:
		return "NodeDeleted"
	case EventNodeDataChanged:
		return "NodeDataChanged"
	case EventNodeChildrenChanged:
		return "NodeChildrenChanged"
	}
	return fmt.Sprintf("event(%d)", int32(e))
}

// KeeperState is the connection state reported by the server alongside watch events.
type KeeperState int32

const (
	StateDisconnected  KeeperState = 0
	StateSyncConnected KeeperState = 3
	StateExpired       KeeperState = -112
)

// CreateMode selects the lifetime and naming of a node being created.
type CreateMode int32

const (
	ModePersistent           CreateMode = 0
	ModeEphemeral            CreateMode = 1
	ModePersistentSequential CreateMode = 2
	ModeEphemeralSequential  CreateMode = 3
)

func (m CreateMode) IsEphemeral() bool {
	return m == ModeEphemeral || m == ModeEphemeralSequential
}

func (m CreateMode) IsSequential() bool {
	return m == ModePersistentSequential || m == ModeEphemeralSequential
}

func (m CreateMode) Valid() bool {
	return m >= ModePersistent && m <= ModeEphemeralSequential
}

// Permission bits carried in an ACL entry. The driver does not interpret them.
const (
	PermRead int32 = 1 << iota
	PermWrite
	PermCreate
	PermDelete
	PermAdmin
	PermAll = PermRead | PermWrite | PermCreate | PermDelete | PermAdmin
)

// ACL is a single (scheme, id, permissions) entry.
type ACL struct {
	Perms  int32
	Scheme string
	ID     string
}

// WorldACL returns an ACL list granting perms to everyone.
func WorldACL(perms int32) []ACL {
	return []ACL{{Perms: perms, Scheme: "world", ID: "anyone"}}
}

// Stat is the metadata stored with every node.
type Stat struct {
	// Czxid is the zxid of the change that created this node.
	Czxid int64
	// Mzxid is the zxid of the change that last modified this node's data.
	Mzxid int64
	// Ctime and Mtime are milliseconds since the epoch.
	Ctime int64
	Mtime int64
	// Version is the number of changes to the data of this node.
	Version int32
	// Cversion is the number of changes to the children of this node.
	Cversion int32
	// Aversion is the number of changes to the ACL of this node.
	Aversion int32
	// EphemeralOwner is the owning session id for ephemeral nodes and zero otherwise.
	EphemeralOwner int64
	DataLength     int32
	NumChildren    int32
	// Pzxid is the zxid of the change that last modified this node's children.
	Pzxid int64
}
