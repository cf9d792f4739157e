package engine

import (
	"sync"

	"github.com/roach88/rulebox/internal/message"
)

// queuedCommand is a policy-triggered command waiting to run.
type queuedCommand struct {
	Seq     int64
	Command message.Command
}

// commandQueue is a thread-safe unbounded FIFO of triggered commands.
//
// Unbounded so a policy never blocks while enqueuing; the cascade guard
// bounds how much one correlation can add. A buffered signal channel of size
// one lets consumers wait with select alongside ctx.Done.
type commandQueue struct {
	mu       sync.Mutex
	commands []queuedCommand
	closed   bool
	signal   chan struct{}
}

func newCommandQueue() *commandQueue {
	return &commandQueue{
		commands: make([]queuedCommand, 0, 16),
		signal:   make(chan struct{}, 1),
	}
}

// Enqueue adds a command to the back of the queue. Returns false if the
// queue is closed.
func (q *commandQueue) Enqueue(c queuedCommand) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.commands = append(q.commands, c)

	// Non-blocking: the buffer of 1 coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front command without blocking.
func (q *commandQueue) TryDequeue() (queuedCommand, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.commands) == 0 {
		return queuedCommand{}, false
	}
	c := q.commands[0]

	// Release the payload maps held by the backing array.
	q.commands[0] = queuedCommand{}
	if len(q.commands) == 1 {
		q.commands = q.commands[:0]
	} else {
		q.commands = q.commands[1:]
	}
	return c, true
}

// Wait returns a channel that signals when commands may be available. It is
// closed when the queue closes.
func (q *commandQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *commandQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.commands)
}

// Closed reports whether Close was called.
func (q *commandQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close stops further enqueues and wakes waiters.
func (q *commandQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
