package client

import (
	"errors"
	"fmt"

	pbzk "github.com/mikekulinski/zkclient/proto"
)

var (
	ErrNoNode                  = errors.New("zk: node does not exist")
	ErrNodeExists              = errors.New("zk: node already exists")
	ErrNotEmpty                = errors.New("zk: node has children")
	ErrBadVersion              = errors.New("zk: version conflict")
	ErrInvalidACL              = errors.New("zk: invalid ACL specified")
	ErrInvalidPath             = errors.New("zk: invalid path")
	ErrBadArguments            = errors.New("zk: bad arguments")
	ErrNoChildrenForEphemerals = errors.New("zk: ephemeral nodes may not have children")
	ErrUnimplemented           = errors.New("zk: not implemented by the server")
	ErrSystemError             = errors.New("zk: server error")

	// ErrConnectionLoss means the connection carrying a request failed before its response
	// arrived. The request may or may not have been applied.
	ErrConnectionLoss = errors.New("zk: connection loss")
	// ErrSessionExpired is terminal; a new Client has to be created. It is returned both when the
	// server rejects the session and when no server could be reached within the session timeout.
	ErrSessionExpired = errors.New("zk: session expired")
	// ErrSessionClosed is returned once Close has been called.
	ErrSessionClosed = errors.New("zk: session closed")
	// ErrProtocol means the server answered out of order. The connection is dropped.
	ErrProtocol = errors.New("zk: protocol error")
	// ErrWatchesLost is delivered to watches that were dropped on reconnect because automatic
	// watch reset is disabled.
	ErrWatchesLost = errors.New("zk: watches may have been missed while disconnected")
)

var errCodes = map[pbzk.ErrCode]error{
	pbzk.ErrNoNode:                  ErrNoNode,
	pbzk.ErrNodeExists:              ErrNodeExists,
	pbzk.ErrNotEmpty:                ErrNotEmpty,
	pbzk.ErrBadVersion:              ErrBadVersion,
	pbzk.ErrInvalidACL:              ErrInvalidACL,
	pbzk.ErrBadArguments:            ErrBadArguments,
	pbzk.ErrNoChildrenForEphemerals: ErrNoChildrenForEphemerals,
	pbzk.ErrSessionExpired:          ErrSessionExpired,
	pbzk.ErrUnimplemented:           ErrUnimplemented,
	pbzk.ErrSystemError:             ErrSystemError,
}

func errForCode(code pbzk.ErrCode) error {
	if err, ok := errCodes[code]; ok {
		return err
	}
	return fmt.Errorf("%w: %s", ErrSystemError, code)
}

// Error is returned by every operation that fails. Path is always the caller-visible path.
// Use errors.Is with the sentinel errors above to inspect the cause.
type Error struct {
	Op   string
	Path string
	// ExpectedVersion and ActualVersion are only meaningful when Err is ErrBadVersion.
	ExpectedVersion int32
	ActualVersion   int32
	Err             error
}

func (e *Error) Error() string {
	if errors.Is(e.Err, ErrBadVersion) {
		return fmt.Sprintf("%s %s: %v (expected version %d, actual %d)", e.Op, e.Path, e.Err, e.ExpectedVersion, e.ActualVersion)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
