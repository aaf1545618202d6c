package znode

import (
	"errors"
	"fmt"
	"sort"

	pbzk "github.com/mikekulinski/zkclient/proto"
)

var (
	ErrNoNode                  = errors.New("node does not exist")
	ErrNodeExists              = errors.New("node already exists")
	ErrNotEmpty                = errors.New("node has children")
	ErrBadVersion              = errors.New("version conflict")
	ErrNoChildrenForEphemerals = errors.New("ephemeral nodes cannot have children")
	ErrBadArguments            = errors.New("bad arguments")
)

// VersionError reports a failed conditional write.
type VersionError struct {
	Path     string
	Expected int32
	Actual   int32
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("invalid version for [%s]: expected [%d], actual [%d]", e.Path, e.Expected, e.Actual)
}

func (e *VersionError) Is(target error) bool {
	return target == ErrBadVersion
}

// Code maps a DB error onto the wire error code.
func Code(err error) pbzk.ErrCode {
	switch {
	case err == nil:
		return pbzk.ErrOK
	case errors.Is(err, ErrNoNode):
		return pbzk.ErrNoNode
	case errors.Is(err, ErrNodeExists):
		return pbzk.ErrNodeExists
	case errors.Is(err, ErrNotEmpty):
		return pbzk.ErrNotEmpty
	case errors.Is(err, ErrBadVersion):
		return pbzk.ErrBadVersion
	case errors.Is(err, ErrNoChildrenForEphemerals):
		return pbzk.ErrNoChildrenForEphemerals
	case errors.Is(err, ErrBadArguments):
		return pbzk.ErrBadArguments
	}
	return pbzk.ErrSystemError
}

type ZNode struct {
	// Name is the full path of the node.
	Name     string
	Stat     pbzk.Stat
	Acl      []pbzk.ACL
	Children map[string]*ZNode
	// NextSequentialNode is the counter appended to the names of sequential children.
	NextSequentialNode int32

	// Data is the data stored here by the client.
	Data []byte
}

func NewZNode(name string, data []byte, acl []pbzk.ACL) *ZNode {
	return &ZNode{
		Name: name,
		Acl:  acl,
		// Init the children to an empty map instead of nil to avoid panics when writing to
		// a nil map.
		Children: map[string]*ZNode{},
		Data:     data,
	}
}

func (z *ZNode) Ephemeral() bool {
	return z.Stat.EphemeralOwner != 0
}

// Snapshot is a copy of a node that is safe to hand out after the DB lock is released.
type Snapshot struct {
	Path     string
	Data     []byte
	Stat     pbzk.Stat
	Children []string
}

func (z *ZNode) snapshot() Snapshot {
	children := make([]string, 0, len(z.Children))
	for name := range z.Children {
		children = append(children, name)
	}
	sort.Strings(children)

	stat := z.Stat
	stat.DataLength = int32(len(z.Data))
	stat.NumChildren = int32(len(z.Children))
	return Snapshot{
		Path:     z.Name,
		Data:     append([]byte(nil), z.Data...),
		Stat:     stat,
		Children: children,
	}
}

type TxnType int

const (
	TxnCreate TxnType = iota + 1
	TxnDelete
	TxnSetData
)

func (t TxnType) String() string {
	switch t {
	case TxnCreate:
		return "create"
	case TxnDelete:
		return "delete"
	case TxnSetData:
		return "setData"
	}
	return fmt.Sprintf("TxnType(%d)", int(t))
}

// Txn is a validated change to the tree. Every field needed to apply it again is recorded,
// including the final name of sequential nodes, so replaying a log reproduces the same tree.
type Txn struct {
	Zxid int64   `cbor:"1,keyasint"`
	Type TxnType `cbor:"2,keyasint"`
	// Time is the commit time in unix milliseconds.
	Time       int64      `cbor:"3,keyasint"`
	SessionID  int64      `cbor:"4,keyasint,omitempty"`
	Path       string     `cbor:"5,keyasint"`
	Data       []byte     `cbor:"6,keyasint,omitempty"`
	Acl        []pbzk.ACL `cbor:"7,keyasint,omitempty"`
	Ephemeral  bool       `cbor:"8,keyasint,omitempty"`
	Sequential bool       `cbor:"9,keyasint,omitempty"`
	Version    int32      `cbor:"10,keyasint,omitempty"`
}
