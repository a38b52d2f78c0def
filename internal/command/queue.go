package command

import (
	"time"
)

// Queue is a bounded, non-blocking inbox of commands shared by both role loops.
type Queue struct {
	commands chan Command
	ready    chan struct{}
}

// NewQueue creates a queue holding at most capacity pending commands.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		commands: make(chan Command, capacity),
		ready:    make(chan struct{}, 1),
	}
}

// Submit enqueues cmd without blocking. Returns ErrQueueFull when the queue is
// at capacity and ErrInvalidCommand for malformed commands.
func (q *Queue) Submit(cmd Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	if cmd.IssuedAt.IsZero() {
		cmd.IssuedAt = time.Now()
	}

	select {
	case q.commands <- cmd:
	default:
		return ErrQueueFull
	}

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

// Drain removes up to max commands in submission order.
func (q *Queue) Drain(max int) []Command {
	var drained []Command
	for len(drained) < max {
		select {
		case cmd := <-q.commands:
			drained = append(drained, cmd)
		default:
			return drained
		}
	}
	return drained
}

// Ready is signalled after a successful Submit so an idle loop can wake early.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Len returns the number of pending commands.
func (q *Queue) Len() int {
	return len(q.commands)
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.commands)
}
