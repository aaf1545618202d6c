package znode

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/mikekulinski/zkclient/pkg/utils"
	pbzk "github.com/mikekulinski/zkclient/proto"
)

// DB is the source of truth for all the data stored in the Zookeeper server. It also controls the
// locking mechanism, so it can be abstracted away from the caller.
//
// Writes happen in two steps. A Check method validates a request against the current tree and
// returns the Txn describing the change; Apply performs it. Check never mutates, which lets the
// caller log the Txn before it is applied.
type DB struct {
	root     *ZNode
	mu       *sync.RWMutex
	lastZxid int64
}

func NewDB() *DB {
	return &DB{
		root: NewZNode("/", nil, pbzk.WorldACL(pbzk.PermAll)),
		mu:   &sync.RWMutex{},
	}
}

// Get returns a copy of the node at path.
func (d *DB) Get(path string) (Snapshot, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	node := findZNode(d.root, splitPathIntoNodeNames(path))
	if node == nil {
		return Snapshot{}, false
	}
	return node.snapshot(), true
}

// LastZxid is the zxid of the last applied transaction.
func (d *DB) LastZxid() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastZxid
}

// Ephemerals returns the paths of every ephemeral node owned by sessionID, sorted.
func (d *DB) Ephemerals(sessionID int64) []string {
	if sessionID == 0 {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	var paths []string
	var walk func(*ZNode)
	walk = func(z *ZNode) {
		if z.Stat.EphemeralOwner == sessionID {
			paths = append(paths, z.Name)
		}
		for _, child := range z.Children {
			walk(child)
		}
	}
	walk(d.root)
	sort.Strings(paths)
	return paths
}

// EphemeralOwners returns every session id that owns at least one ephemeral node.
func (d *DB) EphemeralOwners() []int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()

	owners := map[int64]bool{}
	var walk func(*ZNode)
	walk = func(z *ZNode) {
		if z.Ephemeral() {
			owners[z.Stat.EphemeralOwner] = true
		}
		for _, child := range z.Children {
			walk(child)
		}
	}
	walk(d.root)

	ids := make([]int64, 0, len(owners))
	for id := range owners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// findZNode will search down to the tree and return the node specified by the names.
// If the node could not be found, then we will return nil.
func findZNode(start *ZNode, names []string) *ZNode {
	node := start
	for _, name := range names {
		z, ok := node.Children[name]
		if !ok {
			return nil
		}
		node = z
	}
	return node
}

func splitPathIntoNodeNames(path string) []string {
	if path == "/" {
		return nil
	}
	// Since we have a leading /, then we expect the first name to be empty.
	return strings.Split(path, "/")[1:]
}

// CheckCreate validates the creation of path. For sequential modes the returned Txn carries the
// final name.
func (d *DB) CheckCreate(sessionID int64, path string, data []byte, acl []pbzk.ACL, mode pbzk.CreateMode) (*Txn, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if path == "/" || !mode.Valid() {
		return nil, ErrBadArguments
	}
	parentPath, name := utils.SplitPath(path)
	// Search down the tree until we hit the parent where we'll be creating this new node.
	parent := findZNode(d.root, splitPathIntoNodeNames(parentPath))
	if parent == nil {
		return nil, fmt.Errorf("parent of [%s]: %w", path, ErrNoNode)
	}
	if parent.Ephemeral() {
		return nil, ErrNoChildrenForEphemerals
	}

	if mode.IsSequential() {
		name = fmt.Sprintf("%s%010d", name, parent.NextSequentialNode)
		path = utils.JoinPath(parentPath, name)
	}
	if _, ok := parent.Children[name]; ok {
		return nil, fmt.Errorf("[%s]: %w", path, ErrNodeExists)
	}

	txn := &Txn{
		Type:       TxnCreate,
		Path:       path,
		Data:       data,
		Acl:        acl,
		Ephemeral:  mode.IsEphemeral(),
		Sequential: mode.IsSequential(),
	}
	if txn.Ephemeral {
		txn.SessionID = sessionID
	}
	return txn, nil
}

// CheckDelete validates the deletion of path at version. A version of -1 matches any version.
func (d *DB) CheckDelete(path string, version int32) (*Txn, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if path == "/" {
		return nil, ErrBadArguments
	}
	node := findZNode(d.root, splitPathIntoNodeNames(path))
	if node == nil {
		return nil, fmt.Errorf("[%s]: %w", path, ErrNoNode)
	}
	if !isValidVersion(version, node.Stat.Version) {
		return nil, &VersionError{Path: path, Expected: version, Actual: node.Stat.Version}
	}
	if len(node.Children) > 0 {
		return nil, fmt.Errorf("[%s]: %w", path, ErrNotEmpty)
	}
	return &Txn{Type: TxnDelete, Path: path, Version: version}, nil
}

// CheckSetData validates a write of data to path at version.
func (d *DB) CheckSetData(path string, data []byte, version int32) (*Txn, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	node := findZNode(d.root, splitPathIntoNodeNames(path))
	if node == nil {
		return nil, fmt.Errorf("[%s]: %w", path, ErrNoNode)
	}
	if !isValidVersion(version, node.Stat.Version) {
		return nil, &VersionError{Path: path, Expected: version, Actual: node.Stat.Version}
	}
	return &Txn{Type: TxnSetData, Path: path, Data: data, Version: version}, nil
}

func isValidVersion(expected, actual int32) bool {
	return expected == -1 || expected == actual
}

// Apply performs a transaction returned by one of the Check methods, or read back from the log.
func (d *DB) Apply(txn *Txn) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if txn.Zxid <= d.lastZxid {
		return fmt.Errorf("transaction %#x is not newer than %#x", txn.Zxid, d.lastZxid)
	}

	parentPath, name := utils.SplitPath(txn.Path)
	parent := findZNode(d.root, splitPathIntoNodeNames(parentPath))
	if parent == nil {
		return fmt.Errorf("applying %s of [%s]: parent: %w", txn.Type, txn.Path, ErrNoNode)
	}

	switch txn.Type {
	case TxnCreate:
		if _, ok := parent.Children[name]; ok {
			return fmt.Errorf("applying create of [%s]: %w", txn.Path, ErrNodeExists)
		}
		node := NewZNode(txn.Path, txn.Data, txn.Acl)
		node.Stat = pbzk.Stat{
			Czxid:          txn.Zxid,
			Mzxid:          txn.Zxid,
			Pzxid:          txn.Zxid,
			Ctime:          txn.Time,
			Mtime:          txn.Time,
			EphemeralOwner: txn.SessionID,
		}
		parent.Children[name] = node
		// Make sure to increment the counter so the next sequential node will have the next number.
		if txn.Sequential {
			parent.NextSequentialNode++
		}
		parent.Stat.Cversion++
		parent.Stat.Pzxid = txn.Zxid
	case TxnDelete:
		if _, ok := parent.Children[name]; !ok {
			return fmt.Errorf("applying delete of [%s]: %w", txn.Path, ErrNoNode)
		}
		delete(parent.Children, name)
		parent.Stat.Cversion++
		parent.Stat.Pzxid = txn.Zxid
	case TxnSetData:
		node := findZNode(d.root, splitPathIntoNodeNames(txn.Path))
		if node == nil {
			return fmt.Errorf("applying setData of [%s]: %w", txn.Path, ErrNoNode)
		}
		node.Data = txn.Data
		node.Stat.Version++
		node.Stat.Mzxid = txn.Zxid
		node.Stat.Mtime = txn.Time
	default:
		return fmt.Errorf("unknown transaction type %s", txn.Type)
	}
	d.lastZxid = txn.Zxid
	return nil
}
