// Package dispatch provides the single serial context on which all radio
// callbacks run.
//
// Transports deliver callbacks on whatever goroutine they like; handlers only
// Post closures here. The loop runs them one at a time, in post order, so the
// state machines behind it need no locks.
package dispatch

import (
	"sync"
)

// Loop is an unbounded FIFO of closures drained by one goroutine.
type Loop struct {
	mu      sync.Mutex
	events  []func()
	closed  bool
	signal  chan struct{} // buffered, size 1
	done    chan struct{}
	started bool
}

// New creates a loop. Call Start to begin draining.
func New() *Loop {
	return &Loop{
		events: make([]func(), 0, 64),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Start launches the draining goroutine. Extra calls are no-ops.
func (l *Loop) Start() {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.mu.Unlock()

	go l.run()
}

// Post enqueues fn. Returns false once the loop is closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false
	}
	l.events = append(l.events, fn)

	// Non-blocking: the buffer of 1 coalesces signals
	select {
	case l.signal <- struct{}{}:
	default:
	}
	return true
}

// Do posts fn and waits for it to finish. It must not be called from inside
// the loop. Returns false if the loop was closed before fn ran.
func (l *Loop) Do(fn func()) bool {
	ran := make(chan struct{})
	if !l.Post(func() {
		defer close(ran)
		fn()
	}) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-l.done:
		// fn may still have been the last closure drained
		select {
		case <-ran:
			return true
		default:
			return false
		}
	}
}

// Close stops accepting events, drains what is queued, and waits for the
// goroutine to exit. Safe to call more than once.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.closed = true
	started := l.started
	l.started = true
	select {
	case l.signal <- struct{}{}:
	default:
	}
	l.mu.Unlock()

	if !started {
		go l.run()
	}
	<-l.done
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		fn, ok, closed := l.next()
		if ok {
			fn()
			continue
		}
		if closed {
			return
		}
		<-l.signal
	}
}

// next pops the front event. closed is true when nothing is queued and
// Close has been called.
func (l *Loop) next() (fn func(), ok bool, closed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.events) == 0 {
		return nil, false, l.closed
	}
	fn = l.events[0]
	l.events[0] = nil
	l.events = l.events[1:]
	return fn, true, false
}
