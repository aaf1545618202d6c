package client

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// notifier runs watcher and completion callbacks one at a time on a single goroutine, in the
// order they were enqueued. Callbacks never run on the connection reader, so a slow callback
// cannot stall responses.
type notifier struct {
	log *logrus.Entry

	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newNotifier(log *logrus.Entry) *notifier {
	n := &notifier{
		log:  log,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *notifier) enqueue(f func()) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		go n.call(f)
		return
	}
	n.queue = append(n.queue, f)
	n.mu.Unlock()
	n.signal()
}

// close lets the queued callbacks run and then stops the goroutine. Callbacks enqueued later
// run on their own goroutine.
func (n *notifier) close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	n.signal()
}

func (n *notifier) signal() {
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) run() {
	defer close(n.done)
	for {
		n.mu.Lock()
		for len(n.queue) == 0 {
			if n.closed {
				n.mu.Unlock()
				return
			}
			n.mu.Unlock()
			<-n.wake
			n.mu.Lock()
		}
		f := n.queue[0]
		n.queue[0] = nil
		n.queue = n.queue[1:]
		n.mu.Unlock()

		n.call(f)
	}
}

func (n *notifier) call(f func()) {
	defer func() {
		if r := recover(); r != nil {
			n.log.WithField("panic", r).Error("Callback panicked")
		}
	}()
	f()
}
