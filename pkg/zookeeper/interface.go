// Package zookeeper defines the client API as an interface so callers can substitute a fake in
// their own tests.
package zookeeper

import (
	"context"

	"github.com/mikekulinski/zkclient/pkg/client"
)

type Zookeeper interface {
	// Create creates a ZNode with path name path, stores data in it, and returns the name of the new ZNode.
	// The mode picks whether the ZNode is ephemeral and whether a sequence number is appended to its name.
	Create(ctx context.Context, path string, data []byte, acl []client.ACL, mode client.CreateMode) (string, error)
	// Delete deletes the ZNode at the given path if that ZNode is at the expected version.
	Delete(ctx context.Context, path string, version int32) error
	// Exists returns the Stat of the ZNode with path name path, or nil if it does not exist.
	Exists(ctx context.Context, path string) (*client.Stat, error)
	// ExistsW is Exists that also leaves a watch. The watch fires on creation if the ZNode is
	// missing, or on change or deletion if it exists.
	ExistsW(ctx context.Context, path string, w client.Watcher) (*client.Stat, error)
	// GetData returns the data and metadata, such as version information, associated with the ZNode.
	GetData(ctx context.Context, path string) ([]byte, *client.Stat, error)
	// GetDataW works in the same way as ExistsW, except that Zookeeper does not set the watch
	// if the ZNode does not exist.
	GetDataW(ctx context.Context, path string, w client.Watcher) ([]byte, *client.Stat, error)
	// SetData writes data to the ZNode path if the version number is the current version of the ZNode.
	SetData(ctx context.Context, path string, data []byte, version int32) (*client.Stat, error)
	// GetChildren returns the sorted names of the children of a ZNode.
	GetChildren(ctx context.Context, path string) ([]string, *client.Stat, error)
	GetChildrenW(ctx context.Context, path string, w client.Watcher) ([]string, *client.Stat, error)
	// Sync waits for all updates pending at the start of the operation to propagate to the server
	// that the client is connected to.
	Sync(ctx context.Context, path string) (string, error)
	Close() error
}

var _ Zookeeper = (*client.Client)(nil)
