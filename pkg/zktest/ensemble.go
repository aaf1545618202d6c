// Package zktest runs an in-process ensemble for tests. Members listen on bufconn listeners and
// share a single server, so a client can move between them without losing its session.
package zktest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mikekulinski/zkclient/pkg/logging"
	"github.com/mikekulinski/zkclient/pkg/server"
	pbzk "github.com/mikekulinski/zkclient/proto"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

const (
	bufSize = 1 << 20
	// TickTime keeps negotiated session timeouts short so expiry tests finish quickly.
	TickTime = 50 * time.Millisecond
)

var errMemberDown = errors.New("zktest: member is down")

type member struct {
	address string
	lis     *bufconn.Listener
	grpc    *grpc.Server
}

type Ensemble struct {
	server *server.Server
	log    *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu      sync.Mutex
	members []*member
}

// StartEnsemble starts n members and stops them when the test ends.
func StartEnsemble(t testing.TB, n int) *Ensemble {
	t.Helper()
	srv, err := server.NewServer(server.Config{
		TickTime: TickTime,
		Fs:       afero.NewMemMapFs(),
		Logger:   logging.NewLogger("zktest"),
	})
	if err != nil {
		t.Fatalf("starting server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	e := &Ensemble{
		server:  srv,
		log:     logging.NewLogger("zktest"),
		ctx:     ctx,
		cancel:  cancel,
		group:   group,
		members: make([]*member, n),
	}
	group.Go(func() error {
		return srv.Run(ctx)
	})
	for i := range e.members {
		e.StartMember(i)
	}
	t.Cleanup(e.Close)
	return e
}

// Servers returns the member addresses in a form suitable for client.Config.Servers.
func (e *Ensemble) Servers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	addrs := make([]string, len(e.members))
	for i := range e.members {
		addrs[i] = address(i)
	}
	return addrs
}

// ConnectString returns the members joined as a connect string, with an optional chroot.
func (e *Ensemble) ConnectString(chroot string) string {
	return strings.Join(e.Servers(), ",") + chroot
}

// IndexOf returns the index of the member listening on addr, or -1.
func (e *Ensemble) IndexOf(addr string) int {
	for i, a := range e.Servers() {
		if a == addr {
			return i
		}
	}
	return -1
}

// Server is the state shared by every member.
func (e *Ensemble) Server() *server.Server {
	return e.server
}

// DialOptions route client dials to the in-process listeners.
func (e *Ensemble) DialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
			e.mu.Lock()
			var lis *bufconn.Listener
			for _, m := range e.members {
				if m != nil && m.address == addr {
					lis = m.lis
				}
			}
			e.mu.Unlock()
			if lis == nil {
				return nil, fmt.Errorf("dialing %s: %w", addr, errMemberDown)
			}
			return lis.DialContext(ctx)
		}),
	}
}

// StartMember starts member i if it is not running.
func (e *Ensemble) StartMember(i int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.members[i] != nil {
		return
	}
	m := &member{
		address: address(i),
		lis:     bufconn.Listen(bufSize),
		grpc:    grpc.NewServer(pbzk.ServerCodec()),
	}
	pbzk.RegisterZookeeperServer(m.grpc, e.server)
	e.members[i] = m
	e.group.Go(func() error {
		if err := m.grpc.Serve(m.lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			e.log.WithError(err).WithField("member", m.address).Warn("Member stopped")
		}
		return nil
	})
}

// StopMember kills member i and every stream it carries. Sessions stay alive until they
// time out.
func (e *Ensemble) StopMember(i int) {
	e.mu.Lock()
	m := e.members[i]
	e.members[i] = nil
	e.mu.Unlock()
	if m != nil {
		m.grpc.Stop()
	}
}

// Close stops every member.
func (e *Ensemble) Close() {
	e.mu.Lock()
	members := e.members
	e.members = make([]*member, len(members))
	e.mu.Unlock()
	for _, m := range members {
		if m != nil {
			m.grpc.Stop()
		}
	}
	e.cancel()
	_ = e.group.Wait()
}

func address(i int) string {
	return fmt.Sprintf("member-%d:2181", i)
}
