package client

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	pbzk "github.com/mikekulinski/zkclient/proto"
)

// Client is a handle on one session with the ensemble. It is safe for concurrent use. Every
// operation comes in a blocking form and an Async form returning a Future; both go through the
// same ordered pipeline, so calls made in program order reach the server in that order.
type Client struct {
	cfg      *Config
	clientID string
	paths    pathTranslator
	sess     *session

	closeOnce sync.Once
	closeErr  error
}

// NewClient starts connecting in the background and returns immediately. Requests issued
// before the session is established are queued and sent once it is.
func NewClient(cfg *Config) (*Client, error) {
	clientID := uuid.New().String()
	cfg, err := cfg.withDefaults(clientID)
	if err != nil {
		return nil, err
	}
	paths, err := newPathTranslator(cfg.Chroot)
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:      cfg,
		clientID: clientID,
		paths:    paths,
		sess:     newSession(cfg, paths),
	}, nil
}

// Connect is NewClient followed by WaitConnected.
func Connect(ctx context.Context, cfg *Config) (*Client, error) {
	c, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if err := c.WaitConnected(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// Close ends the session. Ephemeral nodes owned by the session are removed by the server.
// Outstanding requests fail with ErrSessionClosed. Close is idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
		defer cancel()
		c.closeErr = c.sess.close(ctx)
	})
	return c.closeErr
}

// WaitConnected blocks until the session is connected. It fails once the session is expired or
// closed.
func (c *Client) WaitConnected(ctx context.Context) error {
	return c.sess.waitConnected(ctx)
}

func (c *Client) State() State {
	c.sess.mu.Lock()
	defer c.sess.mu.Unlock()
	return c.sess.state
}

// SessionID is zero until the first handshake completes.
func (c *Client) SessionID() int64 {
	c.sess.mu.Lock()
	defer c.sess.mu.Unlock()
	return c.sess.id
}

// Server is the address of the member the session is currently or was last connected to.
func (c *Client) Server() string {
	c.sess.mu.Lock()
	defer c.sess.mu.Unlock()
	return c.sess.server
}

// ClientID identifies this client instance in server logs.
func (c *Client) ClientID() string {
	return c.clientID
}

// Create creates a node at path and returns the caller-visible path of the new node, which
// differs from path for sequential modes.
func (c *Client) Create(ctx context.Context, path string, data []byte, acl []ACL, mode CreateMode) (string, error) {
	return c.CreateAsync(path, data, acl, mode).Get(ctx)
}

func (c *Client) CreateAsync(path string, data []byte, acl []ACL, mode CreateMode) *Future[string] {
	const op = pbzk.OpCreate
	serverPath, err := c.paths.toServer(path)
	switch {
	case err != nil:
	case path == "/":
		err = fmt.Errorf("%w: cannot create the root", ErrInvalidPath)
	case !mode.Valid():
		err = fmt.Errorf("%w: unknown create mode %d", ErrBadArguments, mode)
	case len(acl) == 0:
		err = fmt.Errorf("%w: empty ACL list", ErrInvalidACL)
	default:
		err = c.checkDataSize(data)
	}
	if err != nil {
		return newFuture(c.failed(op, path, err), decodeString)
	}

	req := newRequest(c.sess.notify, op, path, &pbzk.CreateRequest{Path: serverPath, Data: data, Acl: acl, Mode: mode})
	c.sess.submit(req)
	return newFuture(req, func(r *request) (string, error) {
		resp, err := c.result(r)
		if err != nil {
			return "", err
		}
		body, ok := resp.Message.(*pbzk.CreateResponse)
		if !ok {
			return "", c.malformed(r, resp)
		}
		created, ok := c.paths.toClient(body.Path)
		if !ok {
			return "", c.malformed(r, resp)
		}
		return created, nil
	})
}

// Delete removes the node at path if its version matches. Pass AnyVersion to skip the check.
func (c *Client) Delete(ctx context.Context, path string, version int32) error {
	_, err := c.DeleteAsync(path, version).Get(ctx)
	return err
}

func (c *Client) DeleteAsync(path string, version int32) *Future[struct{}] {
	const op = pbzk.OpDelete
	serverPath, err := c.paths.toServer(path)
	switch {
	case err != nil:
	case path == "/":
		err = fmt.Errorf("%w: cannot delete the root", ErrInvalidPath)
	default:
		err = checkVersion(version)
	}
	if err != nil {
		return newFuture(c.failed(op, path, err), decodeNothing)
	}

	req := newRequest(c.sess.notify, op, path, &pbzk.DeleteRequest{Path: serverPath, Version: version})
	req.version = version
	c.sess.submit(req)
	return newFuture(req, func(r *request) (struct{}, error) {
		_, err := c.result(r)
		return struct{}{}, err
	})
}

// Exists returns the Stat of the node at path, or nil without an error when it does not exist.
func (c *Client) Exists(ctx context.Context, path string) (*Stat, error) {
	return c.ExistsAsync(path, nil).Get(ctx)
}

// ExistsW is Exists plus a watch. The watch fires when the node is created, deleted or its data
// changes, depending on whether it existed.
func (c *Client) ExistsW(ctx context.Context, path string, w Watcher) (*Stat, error) {
	return c.ExistsAsync(path, w).Get(ctx)
}

func (c *Client) ExistsAsync(path string, w Watcher) *Future[*Stat] {
	const op = pbzk.OpExists
	req, err := c.readRequest(op, path, w)
	if err != nil {
		return newFuture(c.failed(op, path, err), decodeStat)
	}
	c.sess.submit(req)
	return newFuture(req, func(r *request) (*Stat, error) {
		resp, err := c.result(r)
		if err != nil {
			if resp != nil && resp.Err == pbzk.ErrNoNode {
				return nil, nil
			}
			return nil, err
		}
		body, ok := resp.Message.(*pbzk.ExistsResponse)
		if !ok {
			return nil, c.malformed(r, resp)
		}
		return statOrZero(body.Stat), nil
	})
}

func (c *Client) GetData(ctx context.Context, path string) ([]byte, *Stat, error) {
	res, err := c.GetDataAsync(path, nil).Get(ctx)
	return res.Data, res.Stat, err
}

// GetDataW is GetData plus a watch that fires when the data changes or the node is deleted.
// No watch is left behind when the node does not exist.
func (c *Client) GetDataW(ctx context.Context, path string, w Watcher) ([]byte, *Stat, error) {
	res, err := c.GetDataAsync(path, w).Get(ctx)
	return res.Data, res.Stat, err
}

func (c *Client) GetDataAsync(path string, w Watcher) *Future[DataResult] {
	const op = pbzk.OpGetData
	req, err := c.readRequest(op, path, w)
	if err != nil {
		return newFuture(c.failed(op, path, err), decodeData)
	}
	c.sess.submit(req)
	return newFuture(req, func(r *request) (DataResult, error) {
		resp, err := c.result(r)
		if err != nil {
			return DataResult{}, err
		}
		body, ok := resp.Message.(*pbzk.GetDataResponse)
		if !ok {
			return DataResult{}, c.malformed(r, resp)
		}
		return DataResult{Data: body.Data, Stat: statOrZero(body.Stat)}, nil
	})
}

// SetData replaces the data of the node at path if its version matches and returns the new
// Stat. Pass AnyVersion to skip the check.
func (c *Client) SetData(ctx context.Context, path string, data []byte, version int32) (*Stat, error) {
	return c.SetDataAsync(path, data, version).Get(ctx)
}

func (c *Client) SetDataAsync(path string, data []byte, version int32) *Future[*Stat] {
	const op = pbzk.OpSetData
	serverPath, err := c.paths.toServer(path)
	if err == nil {
		err = checkVersion(version)
	}
	if err == nil {
		err = c.checkDataSize(data)
	}
	if err != nil {
		return newFuture(c.failed(op, path, err), decodeStat)
	}

	req := newRequest(c.sess.notify, op, path, &pbzk.SetDataRequest{Path: serverPath, Data: data, Version: version})
	req.version = version
	c.sess.submit(req)
	return newFuture(req, func(r *request) (*Stat, error) {
		resp, err := c.result(r)
		if err != nil {
			return nil, err
		}
		body, ok := resp.Message.(*pbzk.SetDataResponse)
		if !ok {
			return nil, c.malformed(r, resp)
		}
		return statOrZero(body.Stat), nil
	})
}

// GetChildren returns the sorted names of the children of the node at path.
func (c *Client) GetChildren(ctx context.Context, path string) ([]string, *Stat, error) {
	res, err := c.GetChildrenAsync(path, nil).Get(ctx)
	return res.Children, res.Stat, err
}

// GetChildrenW is GetChildren plus a watch that fires when a child is created or deleted, or
// the node itself is deleted.
func (c *Client) GetChildrenW(ctx context.Context, path string, w Watcher) ([]string, *Stat, error) {
	res, err := c.GetChildrenAsync(path, w).Get(ctx)
	return res.Children, res.Stat, err
}

func (c *Client) GetChildrenAsync(path string, w Watcher) *Future[ChildrenResult] {
	const op = pbzk.OpGetChildren
	req, err := c.readRequest(op, path, w)
	if err != nil {
		return newFuture(c.failed(op, path, err), decodeChildren)
	}
	c.sess.submit(req)
	return newFuture(req, func(r *request) (ChildrenResult, error) {
		resp, err := c.result(r)
		if err != nil {
			return ChildrenResult{}, err
		}
		body, ok := resp.Message.(*pbzk.GetChildrenResponse)
		if !ok {
			return ChildrenResult{}, c.malformed(r, resp)
		}
		children := append([]string{}, body.Children...)
		sort.Strings(children)
		return ChildrenResult{Children: children, Stat: statOrZero(body.Stat)}, nil
	})
}

// Sync waits until the member the client is connected to has caught up with the leader for
// path. Reads issued after Sync returns observe every write committed before it was issued.
func (c *Client) Sync(ctx context.Context, path string) (string, error) {
	return c.SyncAsync(path).Get(ctx)
}

func (c *Client) SyncAsync(path string) *Future[string] {
	const op = pbzk.OpSync
	serverPath, err := c.paths.toServer(path)
	if err != nil {
		return newFuture(c.failed(op, path, err), decodeString)
	}
	req := newRequest(c.sess.notify, op, path, &pbzk.SyncRequest{Path: serverPath})
	c.sess.submit(req)
	return newFuture(req, func(r *request) (string, error) {
		resp, err := c.result(r)
		if err != nil {
			return "", err
		}
		body, ok := resp.Message.(*pbzk.SyncResponse)
		if !ok {
			return "", c.malformed(r, resp)
		}
		synced, ok := c.paths.toClient(body.Path)
		if !ok {
			return "", c.malformed(r, resp)
		}
		return synced, nil
	})
}

// readRequest builds an exists, getData or getChildren request. A non-nil watcher becomes a
// pending watch that is only activated by the response.
func (c *Client) readRequest(op pbzk.OpCode, path string, w Watcher) (*request, error) {
	serverPath, err := c.paths.toServer(path)
	if err != nil {
		return nil, err
	}
	req := newRequest(c.sess.notify, op, path, &pbzk.PathWatchRequest{Path: serverPath, Watch: w != nil})
	if w != nil {
		req.watch = &watchSub{path: serverPath, fn: w}
	}
	return req, nil
}

// result returns the response of a completed request, or the request's failure as an *Error.
// The response is also returned for server-side errors so callers can inspect the code.
func (c *Client) result(r *request) (*pbzk.ZookeeperResponse, error) {
	resp, err := r.result()
	if err != nil {
		return nil, c.opError(r, err)
	}
	if resp.Err == pbzk.ErrOK {
		return resp, nil
	}
	e := c.opError(r, errForCode(resp.Err))
	if resp.Err == pbzk.ErrBadVersion {
		e.ActualVersion = resp.CurrentVersion
	}
	return resp, e
}

func (c *Client) opError(r *request, err error) *Error {
	if e, ok := err.(*Error); ok {
		return e
	}
	return &Error{Op: r.op.String(), Path: r.path, ExpectedVersion: r.version, ActualVersion: AnyVersion, Err: err}
}

func (c *Client) malformed(r *request, resp *pbzk.ZookeeperResponse) error {
	return c.opError(r, fmt.Errorf("%w: unexpected %s response body %T", ErrProtocol, resp.Op, resp.Message))
}

func (c *Client) failed(op pbzk.OpCode, path string, err error) *request {
	r := newRequest(c.sess.notify, op, path, nil)
	r.complete(nil, c.opError(r, err))
	return r
}

func (c *Client) checkDataSize(data []byte) error {
	if len(data) > c.cfg.MaxDataSize {
		return fmt.Errorf("%w: data is %d bytes, the limit is %d", ErrBadArguments, len(data), c.cfg.MaxDataSize)
	}
	return nil
}

func checkVersion(version int32) error {
	if version < AnyVersion {
		return fmt.Errorf("%w: version %d is negative", ErrBadArguments, version)
	}
	return nil
}

func statOrZero(s *Stat) *Stat {
	if s == nil {
		return &Stat{}
	}
	return s
}

// The decoders below serve requests that failed before submission.

func decodeString(r *request) (string, error) {
	_, err := r.result()
	return "", err
}

func decodeNothing(r *request) (struct{}, error) {
	_, err := r.result()
	return struct{}{}, err
}

func decodeStat(r *request) (*Stat, error) {
	_, err := r.result()
	return nil, err
}

func decodeData(r *request) (DataResult, error) {
	_, err := r.result()
	return DataResult{}, err
}

func decodeChildren(r *request) (ChildrenResult, error) {
	_, err := r.result()
	return ChildrenResult{}, err
}
