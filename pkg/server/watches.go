package server

import (
	"sort"

	pbzk "github.com/mikekulinski/zkclient/proto"
)

// watchManager tracks which sessions watch which paths. Exists and getData watches share the
// data table, getChildren watches live in the child table. Every watch fires at most once.
type watchManager struct {
	data  map[string]map[int64]struct{}
	child map[string]map[int64]struct{}
}

func newWatchManager() *watchManager {
	return &watchManager{
		data:  map[string]map[int64]struct{}{},
		child: map[string]map[int64]struct{}{},
	}
}

func (w *watchManager) addData(path string, sessionID int64) {
	add(w.data, path, sessionID)
}

func (w *watchManager) addChild(path string, sessionID int64) {
	add(w.child, path, sessionID)
}

func add(table map[string]map[int64]struct{}, path string, sessionID int64) {
	watchers, ok := table[path]
	if !ok {
		watchers = map[int64]struct{}{}
		table[path] = watchers
	}
	watchers[sessionID] = struct{}{}
}

// trigger removes and returns the sessions watching path for an event of typ, sorted by id.
func (w *watchManager) trigger(path string, typ pbzk.EventType) []int64 {
	fired := map[int64]struct{}{}
	switch typ {
	case pbzk.EventNodeCreated, pbzk.EventNodeDataChanged:
		take(w.data, path, fired)
	case pbzk.EventNodeDeleted:
		take(w.data, path, fired)
		take(w.child, path, fired)
	case pbzk.EventNodeChildrenChanged:
		take(w.child, path, fired)
	}

	ids := make([]int64, 0, len(fired))
	for id := range fired {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func take(table map[string]map[int64]struct{}, path string, into map[int64]struct{}) {
	for id := range table[path] {
		into[id] = struct{}{}
	}
	delete(table, path)
}

// removeSession drops every watch held by sessionID.
func (w *watchManager) removeSession(sessionID int64) {
	for _, table := range []map[string]map[int64]struct{}{w.data, w.child} {
		for path, watchers := range table {
			delete(watchers, sessionID)
			if len(watchers) == 0 {
				delete(table, path)
			}
		}
	}
}

// count returns the number of (path, session) registrations.
func (w *watchManager) count() int {
	n := 0
	for _, table := range []map[string]map[int64]struct{}{w.data, w.child} {
		for _, watchers := range table {
			n += len(watchers)
		}
	}
	return n
}
