package proto

import "google.golang.org/protobuf/encoding/protowire"

// This file describes the records carried inside the request and response envelopes.

func (a *ACL) appendFields(b []byte) []byte {
	b = appendInt32(b, 1, a.Perms)
	b = appendString(b, 2, a.Scheme)
	return appendString(b, 3, a.ID)
}

func (a *ACL) consumeField(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
	switch num {
	case 1:
		a.Perms, n, err = consumeInt32(typ, b)
	case 2:
		a.Scheme, n, err = consumeString(typ, b)
	case 3:
		a.ID, n, err = consumeString(typ, b)
	default:
		n, err = skipField(num, typ, b)
	}
	return n, err
}

func (s *Stat) appendFields(b []byte) []byte {
	b = appendInt64(b, 1, s.Czxid)
	b = appendInt64(b, 2, s.Mzxid)
	b = appendInt64(b, 3, s.Ctime)
	b = appendInt64(b, 4, s.Mtime)
	b = appendInt32(b, 5, s.Version)
	b = appendInt32(b, 6, s.Cversion)
	b = appendInt32(b, 7, s.Aversion)
	b = appendInt64(b, 8, s.EphemeralOwner)
	b = appendInt32(b, 9, s.DataLength)
	b = appendInt32(b, 10, s.NumChildren)
	return appendInt64(b, 11, s.Pzxid)
}

func (s *Stat) consumeField(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
	switch num {
	case 1:
		s.Czxid, n, err = consumeInt64(typ, b)
	case 2:
		s.Mzxid, n, err = consumeInt64(typ, b)
	case 3:
		s.Ctime, n, err = consumeInt64(typ, b)
	case 4:
		s.Mtime, n, err = consumeInt64(typ, b)
	case 5:
		s.Version, n, err = consumeInt32(typ, b)
	case 6:
		s.Cversion, n, err = consumeInt32(typ, b)
	case 7:
		s.Aversion, n, err = consumeInt32(typ, b)
	case 8:
		s.EphemeralOwner, n, err = consumeInt64(typ, b)
	case 9:
		s.DataLength, n, err = consumeInt32(typ, b)
	case 10:
		s.NumChildren, n, err = consumeInt32(typ, b)
	case 11:
		s.Pzxid, n, err = consumeInt64(typ, b)
	default:
		n, err = skipField(num, typ, b)
	}
	return n, err
}

func consumeStat(typ protowire.Type, b []byte, dst **Stat) (int, error) {
	stat := &Stat{}
	n, err := consumeRecord(typ, b, stat)
	*dst = stat
	return n, err
}

func appendStat(b []byte, num protowire.Number, s *Stat) []byte {
	if s == nil {
		return b
	}
	return appendRecord(b, num, s)
}

/*
Requests
*/

// ConnectRequest opens a new session, or reattaches to an existing one when SessionID and
// Passwd are set.
type ConnectRequest struct {
	ProtocolVersion int32
	LastZxidSeen    int64
	TimeoutMs       int32
	SessionID       int64
	Passwd          []byte
}

func (r *ConnectRequest) appendFields(b []byte) []byte {
	b = appendInt32(b, 1, r.ProtocolVersion)
	b = appendInt64(b, 2, r.LastZxidSeen)
	b = appendInt32(b, 3, r.TimeoutMs)
	b = appendInt64(b, 4, r.SessionID)
	return appendBytes(b, 5, r.Passwd)
}

func (r *ConnectRequest) consumeField(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
	switch num {
	case 1:
		r.ProtocolVersion, n, err = consumeInt32(typ, b)
	case 2:
		r.LastZxidSeen, n, err = consumeInt64(typ, b)
	case 3:
		r.TimeoutMs, n, err = consumeInt32(typ, b)
	case 4:
		r.SessionID, n, err = consumeInt64(typ, b)
	case 5:
		r.Passwd, n, err = consumeBytes(typ, b)
	default:
		n, err = skipField(num, typ, b)
	}
	return n, err
}

type CreateRequest struct {
	Path string
	Data []byte
	Acl  []ACL
	Mode CreateMode
}

func (r *CreateRequest) appendFields(b []byte) []byte {
	b = appendString(b, 1, r.Path)
	b = appendBytes(b, 2, r.Data)
	for i := range r.Acl {
		b = appendRecord(b, 3, &r.Acl[i])
	}
	return appendInt32(b, 4, int32(r.Mode))
}

func (r *CreateRequest) consumeField(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
	switch num {
	case 1:
		r.Path, n, err = consumeString(typ, b)
	case 2:
		r.Data, n, err = consumeBytes(typ, b)
	case 3:
		var acl ACL
		n, err = consumeRecord(typ, b, &acl)
		r.Acl = append(r.Acl, acl)
	case 4:
		var mode int32
		mode, n, err = consumeInt32(typ, b)
		r.Mode = CreateMode(mode)
	default:
		n, err = skipField(num, typ, b)
	}
	return n, err
}

type DeleteRequest struct {
	Path    string
	Version int32
}

func (r *DeleteRequest) appendFields(b []byte) []byte {
	b = appendString(b, 1, r.Path)
	return appendInt32(b, 2, r.Version)
}

func (r *DeleteRequest) consumeField(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
	switch num {
	case 1:
		r.Path, n, err = consumeString(typ, b)
	case 2:
		r.Version, n, err = consumeInt32(typ, b)
	default:
		n, err = skipField(num, typ, b)
	}
	return n, err
}

// PathWatchRequest is the body shared by exists, getData and getChildren.
type PathWatchRequest struct {
	Path  string
	Watch bool
}

func (r *PathWatchRequest) appendFields(b []byte) []byte {
	b = appendString(b, 1, r.Path)
	return appendBool(b, 2, r.Watch)
}

func (r *PathWatchRequest) consumeField(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
	switch num {
	case 1:
		r.Path, n, err = consumeString(typ, b)
	case 2:
		r.Watch, n, err = consumeBool(typ, b)
	default:
		n, err = skipField(num, typ, b)
	}
	return n, err
}

type SetDataRequest struct {
	Path    string
	Data    []byte
	Version int32
}

func (r *SetDataRequest) appendFields(b []byte) []byte {
	b = appendString(b, 1, r.Path)
	b = appendBytes(b, 2, r.Data)
	return appendInt32(b, 3, r.Version)
}

func (r *SetDataRequest) consumeField(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
	switch num {
	case 1:
		r.Path, n, err = consumeString(typ, b)
	case 2:
		r.Data, n, err = consumeBytes(typ, b)
	case 3:
		r.Version, n, err = consumeInt32(typ, b)
	default:
		n, err = skipField(num, typ, b)
	}
	return n, err
}

// PathRecord carries a single path. It is used by sync requests and by the create and sync
// responses.
type PathRecord struct {
	Path string
}

func (r *PathRecord) appendFields(b []byte) []byte {
	return appendString(b, 1, r.Path)
}

func (r *PathRecord) consumeField(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
	if num == 1 {
		r.Path, n, err = consumeString(typ, b)
		return n, err
	}
	return skipField(num, typ, b)
}

// SetWatchesRequest re-arms watches on a new connection. The server fires immediately any watch
// whose node changed after RelativeZxid.
type SetWatchesRequest struct {
	RelativeZxid int64
	DataWatches  []string
	ExistWatches []string
	ChildWatches []string
}

func (r *SetWatchesRequest) appendFields(b []byte) []byte {
	b = appendInt64(b, 1, r.RelativeZxid)
	b = appendStrings(b, 2, r.DataWatches)
	b = appendStrings(b, 3, r.ExistWatches)
	return appendStrings(b, 4, r.ChildWatches)
}

func (r *SetWatchesRequest) consumeField(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
	var path string
	switch num {
	case 1:
		r.RelativeZxid, n, err = consumeInt64(typ, b)
	case 2:
		path, n, err = consumeString(typ, b)
		r.DataWatches = append(r.DataWatches, path)
	case 3:
		path, n, err = consumeString(typ, b)
		r.ExistWatches = append(r.ExistWatches, path)
	case 4:
		path, n, err = consumeString(typ, b)
		r.ChildWatches = append(r.ChildWatches, path)
	default:
		n, err = skipField(num, typ, b)
	}
	return n, err
}

// Empty is the body of requests and responses that carry no fields (ping, close, delete and
// setWatches responses).
type Empty struct{}

func (*Empty) appendFields(b []byte) []byte { return b }

func (*Empty) consumeField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	return skipField(num, typ, b)
}

/*
Responses
*/

type ConnectResponse struct {
	ProtocolVersion int32
	TimeoutMs       int32
	SessionID       int64
	Passwd          []byte
}

func (r *ConnectResponse) appendFields(b []byte) []byte {
	b = appendInt32(b, 1, r.ProtocolVersion)
	b = appendInt32(b, 2, r.TimeoutMs)
	b = appendInt64(b, 3, r.SessionID)
	return appendBytes(b, 4, r.Passwd)
}

func (r *ConnectResponse) consumeField(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
	switch num {
	case 1:
		r.ProtocolVersion, n, err = consumeInt32(typ, b)
	case 2:
		r.TimeoutMs, n, err = consumeInt32(typ, b)
	case 3:
		r.SessionID, n, err = consumeInt64(typ, b)
	case 4:
		r.Passwd, n, err = consumeBytes(typ, b)
	default:
		n, err = skipField(num, typ, b)
	}
	return n, err
}

// StatResponse is the body of exists and setData responses.
type StatResponse struct {
	Stat *Stat
}

func (r *StatResponse) appendFields(b []byte) []byte {
	return appendStat(b, 1, r.Stat)
}

func (r *StatResponse) consumeField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	if num == 1 {
		return consumeStat(typ, b, &r.Stat)
	}
	return skipField(num, typ, b)
}

type GetDataResponse struct {
	Data []byte
	Stat *Stat
}

func (r *GetDataResponse) appendFields(b []byte) []byte {
	b = appendBytes(b, 1, r.Data)
	return appendStat(b, 2, r.Stat)
}

func (r *GetDataResponse) consumeField(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
	switch num {
	case 1:
		r.Data, n, err = consumeBytes(typ, b)
	case 2:
		n, err = consumeStat(typ, b, &r.Stat)
	default:
		n, err = skipField(num, typ, b)
	}
	return n, err
}

type GetChildrenResponse struct {
	Children []string
	Stat     *Stat
}

func (r *GetChildrenResponse) appendFields(b []byte) []byte {
	b = appendStrings(b, 1, r.Children)
	return appendStat(b, 2, r.Stat)
}

func (r *GetChildrenResponse) consumeField(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
	switch num {
	case 1:
		var child string
		child, n, err = consumeString(typ, b)
		r.Children = append(r.Children, child)
	case 2:
		n, err = consumeStat(typ, b, &r.Stat)
	default:
		n, err = skipField(num, typ, b)
	}
	return n, err
}

// WatcherEvent is pushed by the server with XidWatchEvent when a watch fires.
type WatcherEvent struct {
	Type  EventType
	State KeeperState
	Path  string
}

func (r *WatcherEvent) appendFields(b []byte) []byte {
	b = appendInt32(b, 1, int32(r.Type))
	b = appendInt32(b, 2, int32(r.State))
	return appendString(b, 3, r.Path)
}

func (r *WatcherEvent) consumeField(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
	var v int32
	switch num {
	case 1:
		v, n, err = consumeInt32(typ, b)
		r.Type = EventType(v)
	case 2:
		v, n, err = consumeInt32(typ, b)
		r.State = KeeperState(v)
	case 3:
		r.Path, n, err = consumeString(typ, b)
	default:
		n, err = skipField(num, typ, b)
	}
	return n, err
}
