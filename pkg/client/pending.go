package client

import (
	"fmt"
	"sync"

	pbzk "github.com/mikekulinski/zkclient/proto"
)

// request is one outstanding operation. It is completed exactly once, either with the server's
// response or with a local error.
type request struct {
	xid  int32
	op   pbzk.OpCode
	body pbzk.Record
	// path is the caller-visible path, used for errors.
	path string
	// version is the expected version of conditional operations.
	version int32
	watch   *watchSub
	// sent is owned by the session and guarded by its mutex.
	sent bool

	notify *notifier
	done   chan struct{}

	mu        sync.Mutex
	completed bool
	resp      *pbzk.ZookeeperResponse
	err       error
	callbacks []func()
}

func newRequest(n *notifier, op pbzk.OpCode, path string, body pbzk.Record) *request {
	return &request{
		op:      op,
		body:    body,
		path:    path,
		version: AnyVersion,
		notify:  n,
		done:    make(chan struct{}),
	}
}

// idempotent requests are safe to send again after a connection loss.
func (r *request) idempotent() bool {
	switch r.op {
	case pbzk.OpExists, pbzk.OpGetData, pbzk.OpGetChildren, pbzk.OpSync:
		return true
	}
	return false
}

func (r *request) complete(resp *pbzk.ZookeeperResponse, err error) {
	r.mu.Lock()
	if r.completed {
		r.mu.Unlock()
		return
	}
	r.completed = true
	r.resp = resp
	r.err = err
	callbacks := r.callbacks
	r.callbacks = nil
	close(r.done)
	r.mu.Unlock()

	for _, cb := range callbacks {
		r.notify.enqueue(cb)
	}
}

// onComplete schedules cb on the notification goroutine once the request completes.
func (r *request) onComplete(cb func()) {
	r.mu.Lock()
	if !r.completed {
		r.callbacks = append(r.callbacks, cb)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	r.notify.enqueue(cb)
}

func (r *request) result() (*pbzk.ZookeeperResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resp, r.err
}

// pendingTable holds requests in the order they were submitted. The server answers requests
// of a session in order, so every response must match the head of the table.
type pendingTable struct {
	mu      sync.Mutex
	lastXid int32
	queue   []*request
}

// add assigns the next xid to r and appends it.
func (t *pendingTable) add(r *request) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastXid++
	if t.lastXid <= 0 {
		t.lastXid = 1
	}
	r.xid = t.lastXid
	t.queue = append(t.queue, r)
}

// complete pops the head of the table. A response for any other xid is a protocol error.
func (t *pendingTable) complete(xid int32) (*request, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) == 0 {
		return nil, fmt.Errorf("%w: response for xid %d with no request outstanding", ErrProtocol, xid)
	}
	head := t.queue[0]
	if head.xid != xid {
		return nil, fmt.Errorf("%w: response for xid %d while xid %d is outstanding", ErrProtocol, xid, head.xid)
	}
	t.queue[0] = nil
	t.queue = t.queue[1:]
	return head, nil
}

// invalidate removes and returns every request for which keep returns false. The order of the
// remaining requests is preserved.
func (t *pendingTable) invalidate(keep func(*request) bool) []*request {
	t.mu.Lock()
	defer t.mu.Unlock()
	var kept, dropped []*request
	for _, r := range t.queue {
		if keep(r) {
			kept = append(kept, r)
		} else {
			dropped = append(dropped, r)
		}
	}
	t.queue = kept
	return dropped
}

// failThrough removes and returns the longest prefix of the table that ends with a request
// matching fail.
func (t *pendingTable) failThrough(fail func(*request) bool) []*request {
	t.mu.Lock()
	defer t.mu.Unlock()
	cut := 0
	for i, r := range t.queue {
		if fail(r) {
			cut = i + 1
		}
	}
	dropped := make([]*request, cut)
	copy(dropped, t.queue[:cut])
	t.queue = t.queue[cut:]
	return dropped
}

func (t *pendingTable) drain() []*request {
	return t.invalidate(func(*request) bool { return false })
}

func (t *pendingTable) snapshot() []*request {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*request, len(t.queue))
	copy(out, t.queue)
	return out
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}
