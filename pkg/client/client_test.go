package client_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	zkc "github.com/mikekulinski/zkclient/pkg/client"
	"github.com/mikekulinski/zkclient/pkg/zktest"
	"github.com/stretchr/testify/suite"
)

const eventTimeout = 3 * time.Second

type integrationTestSuite struct {
	suite.Suite
	ensemble *zktest.Ensemble
	ctx      context.Context
	cancel   context.CancelFunc
}

func TestIntegration(t *testing.T) {
	suite.Run(t, new(integrationTestSuite))
}

func (i *integrationTestSuite) SetupTest() {
	i.ensemble = zktest.StartEnsemble(i.T(), 3)
	i.ctx, i.cancel = context.WithTimeout(context.Background(), 10*time.Second)
}

func (i *integrationTestSuite) TearDownTest() {
	i.cancel()
}

func (i *integrationTestSuite) config(mutate ...func(cfg *zkc.Config)) *zkc.Config {
	cfg := zkc.DefaultConfig(i.ensemble.Servers()...)
	cfg.SessionTimeout = time.Second
	cfg.DialOptions = i.ensemble.DialOptions()
	for _, m := range mutate {
		m(cfg)
	}
	return cfg
}

func (i *integrationTestSuite) connect(mutate ...func(cfg *zkc.Config)) *zkc.Client {
	c, err := zkc.Connect(i.ctx, i.config(mutate...))
	i.Require().NoError(err)
	i.T().Cleanup(func() { _ = c.Close() })
	return c
}

func (i *integrationTestSuite) create(c *zkc.Client, path string, data string, mode zkc.CreateMode) string {
	created, err := c.Create(i.ctx, path, []byte(data), zkc.WorldACL(zkc.PermAll), mode)
	i.Require().NoError(err)
	return created
}

// watcher records events so tests can wait for them.
type watcher struct {
	events chan zkc.Event
}

func newWatcher() *watcher {
	return &watcher{events: make(chan zkc.Event, 16)}
}

func (w *watcher) fn(e zkc.Event) {
	w.events <- e
}

func (i *integrationTestSuite) nextEvent(w *watcher) zkc.Event {
	select {
	case e := <-w.events:
		return e
	case <-time.After(eventTimeout):
		i.Require().FailNow("no watch event")
		return zkc.Event{}
	}
}

func (i *integrationTestSuite) noEvent(w *watcher) {
	select {
	case e := <-w.events:
		i.Failf("unexpected watch event", "%+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

// stopCurrentMember stops the member c is connected to and returns its address.
func (i *integrationTestSuite) stopCurrentMember(c *zkc.Client) string {
	addr := c.Server()
	idx := i.ensemble.IndexOf(addr)
	i.Require().GreaterOrEqual(idx, 0, addr)
	i.ensemble.StopMember(idx)
	return addr
}

func (i *integrationTestSuite) waitReconnected(c *zkc.Client, previous string) {
	i.Require().Eventually(func() bool {
		return c.State() == zkc.StateConnected && c.Server() != previous
	}, eventTimeout, 10*time.Millisecond)
}

func (i *integrationTestSuite) TestCreateThenGetData() {
	c := i.connect()

	i.Equal("/zoo", i.create(c, "/zoo", "Secrets", zkc.ModePersistent))
	i.Equal("/zoo/giraffe", i.create(c, "/zoo/giraffe", "More secrets", zkc.ModePersistent))

	data, stat, err := c.GetData(i.ctx, "/zoo")
	i.Require().NoError(err)
	i.Equal([]byte("Secrets"), data)
	i.Equal(int32(0), stat.Version)
	i.Equal(int32(1), stat.NumChildren)
	i.Equal(int32(len("Secrets")), stat.DataLength)

	stat, err = c.SetData(i.ctx, "/zoo", []byte("Better secrets"), 0)
	i.Require().NoError(err)
	i.Equal(int32(1), stat.Version)

	children, _, err := c.GetChildren(i.ctx, "/zoo")
	i.Require().NoError(err)
	i.Equal([]string{"giraffe"}, children)

	i.Require().NoError(c.Delete(i.ctx, "/zoo/giraffe", 0))
	stat, err = c.Exists(i.ctx, "/zoo/giraffe")
	i.NoError(err)
	i.Nil(stat)

	synced, err := c.Sync(i.ctx, "/zoo")
	i.NoError(err)
	i.Equal("/zoo", synced)
}

func (i *integrationTestSuite) TestOperationErrors() {
	c := i.connect()
	i.create(c, "/app", "", zkc.ModePersistent)
	i.create(c, "/app/child", "", zkc.ModePersistent)
	i.create(c, "/eph", "", zkc.ModeEphemeral)

	tests := []struct {
		name        string
		call        func() error
		expectedErr error
		path        string
	}{
		{
			name: "get missing node",
			call: func() error {
				_, _, err := c.GetData(i.ctx, "/missing")
				return err
			},
			expectedErr: zkc.ErrNoNode,
			path:        "/missing",
		},
		{
			name: "create existing node",
			call: func() error {
				_, err := c.Create(i.ctx, "/app", nil, zkc.WorldACL(zkc.PermAll), zkc.ModePersistent)
				return err
			},
			expectedErr: zkc.ErrNodeExists,
			path:        "/app",
		},
		{
			name: "create without parent",
			call: func() error {
				_, err := c.Create(i.ctx, "/nope/child", nil, zkc.WorldACL(zkc.PermAll), zkc.ModePersistent)
				return err
			},
			expectedErr: zkc.ErrNoNode,
			path:        "/nope/child",
		},
		{
			name: "create under ephemeral",
			call: func() error {
				_, err := c.Create(i.ctx, "/eph/child", nil, zkc.WorldACL(zkc.PermAll), zkc.ModePersistent)
				return err
			},
			expectedErr: zkc.ErrNoChildrenForEphemerals,
			path:        "/eph/child",
		},
		{
			name: "delete node with children",
			call: func() error {
				return c.Delete(i.ctx, "/app", zkc.AnyVersion)
			},
			expectedErr: zkc.ErrNotEmpty,
			path:        "/app",
		},
		{
			name: "children of missing node",
			call: func() error {
				_, _, err := c.GetChildren(i.ctx, "/missing")
				return err
			},
			expectedErr: zkc.ErrNoNode,
			path:        "/missing",
		},
	}
	for _, test := range tests {
		i.Run(test.name, func() {
			err := test.call()
			i.True(errors.Is(err, test.expectedErr), "got %v", err)
			var opErr *zkc.Error
			i.Require().True(errors.As(err, &opErr))
			i.Equal(test.path, opErr.Path)
		})
	}
}

func (i *integrationTestSuite) TestBadVersion() {
	c := i.connect()
	i.create(c, "/v", "", zkc.ModePersistent)
	_, err := c.SetData(i.ctx, "/v", []byte("1"), zkc.AnyVersion)
	i.Require().NoError(err)

	_, err = c.SetData(i.ctx, "/v", []byte("2"), 0)
	i.True(errors.Is(err, zkc.ErrBadVersion))
	var opErr *zkc.Error
	i.Require().True(errors.As(err, &opErr))
	i.Equal(int32(0), opErr.ExpectedVersion)
	i.Equal(int32(1), opErr.ActualVersion)

	err = c.Delete(i.ctx, "/v", 5)
	i.True(errors.Is(err, zkc.ErrBadVersion))
}

func (i *integrationTestSuite) TestSequentialNodes() {
	c := i.connect()
	i.create(c, "/queue", "", zkc.ModePersistent)

	var created []string
	for n := 0; n < 3; n++ {
		created = append(created, i.create(c, "/queue/item-", "", zkc.ModePersistentSequential))
	}
	i.Equal([]string{"/queue/item-0000000000", "/queue/item-0000000001", "/queue/item-0000000002"}, created)

	children, _, err := c.GetChildren(i.ctx, "/queue")
	i.Require().NoError(err)
	i.Equal([]string{"item-0000000000", "item-0000000001", "item-0000000002"}, children)
}

func (i *integrationTestSuite) TestChroot() {
	root := i.connect()
	i.create(root, "/app", "", zkc.ModePersistent)

	c := i.connect(func(cfg *zkc.Config) { cfg.Chroot = "/app" })
	i.Equal("/jobs", i.create(c, "/jobs", "x", zkc.ModePersistent))
	i.Equal("/jobs/job-0000000000", i.create(c, "/jobs/job-", "", zkc.ModeEphemeralSequential))

	data, _, err := root.GetData(i.ctx, "/app/jobs")
	i.Require().NoError(err)
	i.Equal([]byte("x"), data)

	children, _, err := c.GetChildren(i.ctx, "/")
	i.Require().NoError(err)
	i.Equal([]string{"jobs"}, children)

	w := newWatcher()
	_, _, err = c.GetDataW(i.ctx, "/jobs", w.fn)
	i.Require().NoError(err)
	_, err = root.SetData(i.ctx, "/app/jobs", []byte("y"), zkc.AnyVersion)
	i.Require().NoError(err)
	e := i.nextEvent(w)
	i.Equal(zkc.EventNodeDataChanged, e.Type)
	i.Equal("/jobs", e.Path)

	synced, err := c.Sync(i.ctx, "/jobs")
	i.NoError(err)
	i.Equal("/jobs", synced)

	// The root of the chroot is "/" to the confined client.
	_, err = c.Exists(i.ctx, "/")
	i.NoError(err)
	var opErr *zkc.Error
	_, _, err = c.GetData(i.ctx, "/missing")
	i.Require().True(errors.As(err, &opErr))
	i.Equal("/missing", opErr.Path)
}

func (i *integrationTestSuite) TestWatchEvents() {
	tests := []struct {
		name          string
		setup         func(c *zkc.Client)
		watch         func(c *zkc.Client, w zkc.Watcher) error
		trigger       func(c *zkc.Client)
		expectedEvent zkc.EventType
		expectedPath  string
	}{
		{
			name: "exists on missing node fires on create",
			watch: func(c *zkc.Client, w zkc.Watcher) error {
				_, err := c.ExistsW(i.ctx, "/w", w)
				return err
			},
			trigger:       func(c *zkc.Client) { i.create(c, "/w", "", zkc.ModePersistent) },
			expectedEvent: zkc.EventNodeCreated,
			expectedPath:  "/w",
		},
		{
			name:  "exists on present node fires on delete",
			setup: func(c *zkc.Client) { i.create(c, "/w", "", zkc.ModePersistent) },
			watch: func(c *zkc.Client, w zkc.Watcher) error {
				_, err := c.ExistsW(i.ctx, "/w", w)
				return err
			},
			trigger:       func(c *zkc.Client) { i.Require().NoError(c.Delete(i.ctx, "/w", zkc.AnyVersion)) },
			expectedEvent: zkc.EventNodeDeleted,
			expectedPath:  "/w",
		},
		{
			name:  "getData fires on set",
			setup: func(c *zkc.Client) { i.create(c, "/w", "", zkc.ModePersistent) },
			watch: func(c *zkc.Client, w zkc.Watcher) error {
				_, _, err := c.GetDataW(i.ctx, "/w", w)
				return err
			},
			trigger: func(c *zkc.Client) {
				_, err := c.SetData(i.ctx, "/w", []byte("new"), zkc.AnyVersion)
				i.Require().NoError(err)
			},
			expectedEvent: zkc.EventNodeDataChanged,
			expectedPath:  "/w",
		},
		{
			name:  "getChildren fires on child create",
			setup: func(c *zkc.Client) { i.create(c, "/w", "", zkc.ModePersistent) },
			watch: func(c *zkc.Client, w zkc.Watcher) error {
				_, _, err := c.GetChildrenW(i.ctx, "/w", w)
				return err
			},
			trigger:       func(c *zkc.Client) { i.create(c, "/w/c", "", zkc.ModePersistent) },
			expectedEvent: zkc.EventNodeChildrenChanged,
			expectedPath:  "/w",
		},
	}
	for _, test := range tests {
		i.Run(test.name, func() {
			watching := i.connect()
			writer := i.connect()
			if test.setup != nil {
				test.setup(writer)
			}
			w := newWatcher()
			i.Require().NoError(test.watch(watching, w.fn))

			test.trigger(writer)
			e := i.nextEvent(w)
			i.Equal(test.expectedEvent, e.Type)
			i.Equal(test.expectedPath, e.Path)
			i.Equal(zkc.StateConnected, e.State)

			// Watches fire once. Churn touches every kind of watch on /w and leaves it removed.
			churn := []func() error{
				func() error {
					_, err := writer.Create(i.ctx, "/w", nil, zkc.WorldACL(zkc.PermAll), zkc.ModePersistent)
					return err
				},
				func() error {
					_, err := writer.SetData(i.ctx, "/w", []byte("again"), zkc.AnyVersion)
					return err
				},
				func() error { return writer.Delete(i.ctx, "/w/c", zkc.AnyVersion) },
				func() error { return writer.Delete(i.ctx, "/w", zkc.AnyVersion) },
			}
			for _, f := range churn {
				_ = f()
			}
			i.noEvent(w)
		})
	}
}

func (i *integrationTestSuite) TestGetDataOnMissingNodeLeavesNoWatch() {
	c := i.connect()
	w := newWatcher()
	_, _, err := c.GetDataW(i.ctx, "/later", w.fn)
	i.True(errors.Is(err, zkc.ErrNoNode))

	i.create(c, "/later", "", zkc.ModePersistent)
	i.noEvent(w)
}

func (i *integrationTestSuite) TestEventPrecedesTriggeringResponse() {
	c := i.connect()
	i.create(c, "/ordered", "", zkc.ModePersistent)

	var mu sync.Mutex
	var order []string
	record := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, s)
	}
	_, _, err := c.GetDataW(i.ctx, "/ordered", func(zkc.Event) { record("event") })
	i.Require().NoError(err)

	f := c.SetDataAsync("/ordered", []byte("x"), zkc.AnyVersion)
	f.OnComplete(func(*zkc.Stat, error) { record("set") })
	_, err = f.Get(i.ctx)
	i.Require().NoError(err)

	i.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, eventTimeout, 10*time.Millisecond)
	i.Equal([]string{"event", "set"}, order)
}

func (i *integrationTestSuite) TestAsyncCompletionOrder() {
	c := i.connect()
	i.create(c, "/async", "", zkc.ModePersistent)

	const n = 50
	var mu sync.Mutex
	var order []int
	var last *zkc.Future[string]
	for k := 0; k < n; k++ {
		// Every other request fails, which must not reorder completions.
		path := fmt.Sprintf("/async/%d", k)
		if k%2 == 1 {
			path = fmt.Sprintf("/missing/%d", k)
		}
		last = c.CreateAsync(path, nil, zkc.WorldACL(zkc.PermAll), zkc.ModePersistent)
		last.OnComplete(func(string, error) {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, k)
		})
	}
	_, err := last.Get(i.ctx)
	i.True(errors.Is(err, zkc.ErrNoNode))

	i.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == n
	}, eventTimeout, 10*time.Millisecond)
	for k, v := range order {
		i.Equal(k, v)
	}
}

func (i *integrationTestSuite) TestReconnectToAnotherMember() {
	c := i.connect()
	other := i.connect()
	i.create(c, "/member", "", zkc.ModeEphemeral)
	sessionID := c.SessionID()

	w := newWatcher()
	_, _, err := c.GetDataW(i.ctx, "/member", w.fn)
	i.Require().NoError(err)

	previous := i.stopCurrentMember(c)
	// Requests made while reconnecting are queued and sent on the new connection.
	stat, err := c.Exists(i.ctx, "/member")
	i.Require().NoError(err)
	i.NotNil(stat)
	i.waitReconnected(c, previous)
	i.Equal(sessionID, c.SessionID())

	// The ephemeral node survived and the watch was set again on the new member.
	_, err = other.SetData(i.ctx, "/member", []byte("changed"), zkc.AnyVersion)
	i.Require().NoError(err)
	e := i.nextEvent(w)
	i.Equal(zkc.EventNodeDataChanged, e.Type)
	i.Equal("/member", e.Path)
}

func (i *integrationTestSuite) TestChangeWhileDisconnectedFiresOnReconnect() {
	c := i.connect(func(cfg *zkc.Config) {
		// Keep the client off the other members long enough for the change to land first.
		cfg.Servers = cfg.Servers[:1]
	})
	other := i.connect()
	i.create(other, "/offline", "", zkc.ModePersistent)

	w := newWatcher()
	_, _, err := c.GetDataW(i.ctx, "/offline", w.fn)
	i.Require().NoError(err)

	i.ensemble.StopMember(0)
	_, err = other.SetData(i.ctx, "/offline", []byte("while away"), zkc.AnyVersion)
	i.Require().NoError(err)
	i.ensemble.StartMember(0)

	e := i.nextEvent(w)
	i.Equal(zkc.EventNodeDataChanged, e.Type)
	i.Equal("/offline", e.Path)
}

func (i *integrationTestSuite) TestRedialsRestartedMemberWithinBackoff() {
	c := i.connect(func(cfg *zkc.Config) {
		cfg.Servers = cfg.Servers[:1]
		cfg.BackoffMax = 100 * time.Millisecond
	})
	sessionID := c.SessionID()

	i.ensemble.StopMember(0)
	i.Require().Eventually(func() bool {
		return c.State() == zkc.StateConnecting
	}, eventTimeout, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	i.ensemble.StartMember(0)

	restarted := time.Now()
	i.Require().Eventually(func() bool {
		return c.State() == zkc.StateConnected
	}, eventTimeout, 5*time.Millisecond)
	// Each failed attempt returns to the session backoff instead of waiting inside the dial.
	i.Less(time.Since(restarted), 400*time.Millisecond)
	i.Equal(sessionID, c.SessionID())
}

func (i *integrationTestSuite) TestAutoWatchResetDisabled() {
	c := i.connect(func(cfg *zkc.Config) { cfg.DisableAutoWatchReset = true })
	i.create(c, "/manual", "", zkc.ModePersistent)

	w := newWatcher()
	_, _, err := c.GetDataW(i.ctx, "/manual", w.fn)
	i.Require().NoError(err)

	previous := i.stopCurrentMember(c)
	e := i.nextEvent(w)
	i.Equal(zkc.EventNotWatching, e.Type)
	i.Equal("/manual", e.Path)
	i.True(errors.Is(e.Err, zkc.ErrWatchesLost))
	i.waitReconnected(c, previous)

	_, err = c.SetData(i.ctx, "/manual", []byte("x"), zkc.AnyVersion)
	i.Require().NoError(err)
	i.noEvent(w)
}

func (i *integrationTestSuite) TestSessionExpiry() {
	states := newWatcher()
	c := i.connect(func(cfg *zkc.Config) { cfg.Watcher = states.fn })
	other := i.connect()
	i.create(c, "/owned", "", zkc.ModeEphemeral)

	w := newWatcher()
	_, err := c.ExistsW(i.ctx, "/owned", w.fn)
	i.Require().NoError(err)
	otherWatch := newWatcher()
	_, err = other.ExistsW(i.ctx, "/owned", otherWatch.fn)
	i.Require().NoError(err)

	i.Require().True(i.ensemble.Server().ExpireSession(c.SessionID()))

	// The ephemeral node is gone for everyone else.
	e := i.nextEvent(otherWatch)
	i.Equal(zkc.EventNodeDeleted, e.Type)

	e = i.nextEvent(w)
	i.Equal(zkc.EventNotWatching, e.Type)
	i.Equal(zkc.StateExpired, e.State)
	i.True(errors.Is(e.Err, zkc.ErrSessionExpired))
	i.Equal(zkc.StateExpired, c.State())

	_, err = c.Exists(i.ctx, "/owned")
	i.True(errors.Is(err, zkc.ErrSessionExpired))
	i.True(errors.Is(c.WaitConnected(i.ctx), zkc.ErrSessionExpired))

	var sawExpired bool
	for len(states.events) > 0 {
		if (<-states.events).State == zkc.StateExpired {
			sawExpired = true
		}
	}
	i.True(sawExpired)
}

func (i *integrationTestSuite) TestClose() {
	c := i.connect()
	other := i.connect()
	i.create(c, "/session-node", "", zkc.ModeEphemeral)
	w := newWatcher()
	_, _, err := c.GetDataW(i.ctx, "/session-node", w.fn)
	i.Require().NoError(err)

	i.Require().NoError(c.Close())
	i.NoError(c.Close())
	i.Equal(zkc.StateClosed, c.State())

	e := i.nextEvent(w)
	i.Equal(zkc.EventNotWatching, e.Type)
	i.True(errors.Is(e.Err, zkc.ErrSessionClosed))

	stat, err := other.Exists(i.ctx, "/session-node")
	i.NoError(err)
	i.Nil(stat)

	_, err = c.Create(i.ctx, "/after-close", nil, zkc.WorldACL(zkc.PermAll), zkc.ModePersistent)
	i.True(errors.Is(err, zkc.ErrSessionClosed))
	i.Equal(1, i.ensemble.Server().SessionCount())
}

func (i *integrationTestSuite) TestCloseUnblocksPendingCalls() {
	for idx := range i.ensemble.Servers() {
		i.ensemble.StopMember(idx)
	}
	c, err := zkc.NewClient(i.config())
	i.Require().NoError(err)

	done := make(chan error, 1)
	go func() {
		_, _, err := c.GetData(i.ctx, "/anything")
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	i.Require().NoError(c.Close())

	select {
	case err := <-done:
		i.True(errors.Is(err, zkc.ErrSessionClosed), "got %v", err)
	case <-time.After(eventTimeout):
		i.Fail("pending call still blocked after Close")
	}
}
