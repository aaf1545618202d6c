package proto

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Per-operation names for the shared bodies.
type (
	ExistsRequest      = PathWatchRequest
	GetDataRequest     = PathWatchRequest
	GetChildrenRequest = PathWatchRequest
	SyncRequest        = PathRecord
	CreateResponse     = PathRecord
	SyncResponse       = PathRecord
	ExistsResponse     = StatResponse
	SetDataResponse    = StatResponse
)

// ZookeeperRequest is the envelope for every frame a client sends. Message must be the record
// matching Op (see NewRequestRecord).
type ZookeeperRequest struct {
	Xid     int32
	Op      OpCode
	Message Record
}

// ZookeeperResponse is the envelope for every frame a server sends: replies to requests, pings
// and watch notifications (Xid == XidWatchEvent). Message may be nil when Err is set.
type ZookeeperResponse struct {
	Xid  int32
	Zxid int64
	Err  ErrCode
	Op   OpCode
	// CurrentVersion is the node version the server saw when it answered ErrBadVersion.
	CurrentVersion int32
	Message        Record
}

// NewRequestRecord returns an empty request body for op.
func NewRequestRecord(op OpCode) (Record, error) {
	switch op {
	case OpCreateSession:
		return &ConnectRequest{}, nil
	case OpCreate:
		return &CreateRequest{}, nil
	case OpDelete:
		return &DeleteRequest{}, nil
	case OpExists, OpGetData, OpGetChildren:
		return &PathWatchRequest{}, nil
	case OpSetData:
		return &SetDataRequest{}, nil
	case OpSync:
		return &PathRecord{}, nil
	case OpSetWatches:
		return &SetWatchesRequest{}, nil
	case OpPing, OpClose:
		return &Empty{}, nil
	}
	return nil, fmt.Errorf("proto: unknown request op %s", op)
}

// NewResponseRecord returns an empty response body for op.
func NewResponseRecord(op OpCode) (Record, error) {
	switch op {
	case OpCreateSession:
		return &ConnectResponse{}, nil
	case OpCreate, OpSync:
		return &PathRecord{}, nil
	case OpExists, OpSetData:
		return &StatResponse{}, nil
	case OpGetData:
		return &GetDataResponse{}, nil
	case OpGetChildren:
		return &GetChildrenResponse{}, nil
	case OpNotify:
		return &WatcherEvent{}, nil
	case OpDelete, OpPing, OpClose, OpSetWatches:
		return &Empty{}, nil
	}
	return nil, fmt.Errorf("proto: unknown response op %s", op)
}

func (r *ZookeeperRequest) Marshal() ([]byte, error) {
	var b []byte
	b = appendInt32(b, 1, r.Xid)
	b = appendInt32(b, 2, int32(r.Op))
	if r.Message != nil {
		b = appendRecord(b, 3, r.Message)
	}
	return b, nil
}

func (r *ZookeeperRequest) Unmarshal(b []byte) error {
	var body []byte
	hasBody := false
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		var err error
		switch num {
		case 1:
			r.Xid, n, err = consumeInt32(typ, b)
		case 2:
			var op int32
			op, n, err = consumeInt32(typ, b)
			r.Op = OpCode(op)
		case 3:
			body, n, err = consumeBytes(typ, b)
			hasBody = true
		default:
			n, err = skipField(num, typ, b)
		}
		if err != nil {
			return fmt.Errorf("proto: request field %d: %w", num, err)
		}
		b = b[n:]
	}

	msg, err := NewRequestRecord(r.Op)
	if err != nil {
		return err
	}
	if hasBody {
		if err := unmarshalRecord(body, msg); err != nil {
			return fmt.Errorf("proto: %s request body: %w", r.Op, err)
		}
	}
	r.Message = msg
	return nil
}

func (r *ZookeeperResponse) Marshal() ([]byte, error) {
	var b []byte
	b = appendInt32(b, 1, r.Xid)
	b = appendInt64(b, 2, r.Zxid)
	b = appendInt32(b, 3, int32(r.Err))
	b = appendInt32(b, 4, int32(r.Op))
	b = appendInt32(b, 5, r.CurrentVersion)
	if r.Message != nil {
		b = appendRecord(b, 6, r.Message)
	}
	return b, nil
}

func (r *ZookeeperResponse) Unmarshal(b []byte) error {
	var body []byte
	hasBody := false
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		var err error
		var v int32
		switch num {
		case 1:
			r.Xid, n, err = consumeInt32(typ, b)
		case 2:
			r.Zxid, n, err = consumeInt64(typ, b)
		case 3:
			v, n, err = consumeInt32(typ, b)
			r.Err = ErrCode(v)
		case 4:
			v, n, err = consumeInt32(typ, b)
			r.Op = OpCode(v)
		case 5:
			r.CurrentVersion, n, err = consumeInt32(typ, b)
		case 6:
			body, n, err = consumeBytes(typ, b)
			hasBody = true
		default:
			n, err = skipField(num, typ, b)
		}
		if err != nil {
			return fmt.Errorf("proto: response field %d: %w", num, err)
		}
		b = b[n:]
	}

	if !hasBody {
		return nil
	}
	msg, err := NewResponseRecord(r.Op)
	if err != nil {
		return err
	}
	if err := unmarshalRecord(body, msg); err != nil {
		return fmt.Errorf("proto: %s response body: %w", r.Op, err)
	}
	r.Message = msg
	return nil
}
