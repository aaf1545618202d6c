package client

import (
	"sort"
	"sync"

	pbzk "github.com/mikekulinski/zkclient/proto"
)

type watchKind int

const (
	watchKindData watchKind = iota
	watchKindExist
	watchKindChild
)

func (k watchKind) String() string {
	switch k {
	case watchKindData:
		return "data"
	case watchKindExist:
		return "exist"
	case watchKindChild:
		return "child"
	}
	return "unknown"
}

// watchKindsFor lists the registrations consumed by an event, in delivery order.
func watchKindsFor(typ pbzk.EventType) []watchKind {
	switch typ {
	case pbzk.EventNodeCreated:
		return []watchKind{watchKindExist}
	case pbzk.EventNodeDataChanged:
		return []watchKind{watchKindData, watchKindExist}
	case pbzk.EventNodeDeleted:
		return []watchKind{watchKindData, watchKindExist, watchKindChild}
	case pbzk.EventNodeChildrenChanged:
		return []watchKind{watchKindChild}
	}
	return nil
}

// watchActivation decides which registration a successful read turns its pending watch into.
// An exists on a missing node leaves an exist watch; on a present node it behaves like a data
// watch so that both deletion and data changes fire it.
func watchActivation(op pbzk.OpCode, code pbzk.ErrCode) (watchKind, bool) {
	switch {
	case op == pbzk.OpExists && code == pbzk.ErrNoNode:
		return watchKindExist, true
	case code != pbzk.ErrOK:
		return 0, false
	case op == pbzk.OpExists, op == pbzk.OpGetData:
		return watchKindData, true
	case op == pbzk.OpGetChildren:
		return watchKindChild, true
	}
	return 0, false
}

// watchSub is a single watcher registration. path is the server path.
type watchSub struct {
	path string
	fn   Watcher
}

type watchKey struct {
	path string
	kind watchKind
}

// watchRegistry holds active watch registrations. A registration is pending while its read is
// in flight and is only added here once the response arrives, so an event can never reach a
// watcher whose read failed.
type watchRegistry struct {
	mu     sync.Mutex
	active map[watchKey][]*watchSub
}

func newWatchRegistry() *watchRegistry {
	return &watchRegistry{active: make(map[watchKey][]*watchSub)}
}

func (w *watchRegistry) activate(sub *watchSub, kind watchKind) {
	w.mu.Lock()
	defer w.mu.Unlock()
	key := watchKey{path: sub.path, kind: kind}
	w.active[key] = append(w.active[key], sub)
}

// trigger removes and returns every registration consumed by an event on path.
func (w *watchRegistry) trigger(path string, typ pbzk.EventType) []*watchSub {
	w.mu.Lock()
	defer w.mu.Unlock()
	var fired []*watchSub
	for _, kind := range watchKindsFor(typ) {
		key := watchKey{path: path, kind: kind}
		fired = append(fired, w.active[key]...)
		delete(w.active, key)
	}
	return fired
}

// dropAll removes and returns every registration.
func (w *watchRegistry) dropAll() []*watchSub {
	w.mu.Lock()
	defer w.mu.Unlock()
	var dropped []*watchSub
	for _, key := range w.sortedKeysLocked() {
		dropped = append(dropped, w.active[key]...)
	}
	w.active = make(map[watchKey][]*watchSub)
	return dropped
}

// setWatches builds the request that re-arms every active registration on a new connection.
func (w *watchRegistry) setWatches(relativeZxid int64) *pbzk.SetWatchesRequest {
	w.mu.Lock()
	defer w.mu.Unlock()
	req := &pbzk.SetWatchesRequest{RelativeZxid: relativeZxid}
	for _, key := range w.sortedKeysLocked() {
		switch key.kind {
		case watchKindData:
			req.DataWatches = append(req.DataWatches, key.path)
		case watchKindExist:
			req.ExistWatches = append(req.ExistWatches, key.path)
		case watchKindChild:
			req.ChildWatches = append(req.ChildWatches, key.path)
		}
	}
	return req
}

func (w *watchRegistry) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, subs := range w.active {
		n += len(subs)
	}
	return n
}

func (w *watchRegistry) sortedKeysLocked() []watchKey {
	keys := make([]watchKey, 0, len(w.active))
	for key := range w.active {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].path != keys[j].path {
			return keys[i].path < keys[j].path
		}
		return keys[i].kind < keys[j].kind
	})
	return keys
}
