// Package queue runs engine commands one at a time on a single background
// worker.
package queue

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/nhle/mailsync/internal/listener"
)

// Observers is the part of the listener registry the queue needs.
type Observers interface {
	IsRegistered(h listener.Handle) bool
	CommandCompleted(morePending bool)
}

// Command is a unit of queued work. It is run at most once.
type Command struct {
	Name string
	// Observer, when non-zero, must still be registered when the command
	// reaches the head of the queue or the command is dropped.
	Observer listener.Handle
	Run      func(ctx context.Context)
}

// Queue is an unbounded FIFO of commands served by one worker goroutine.
type Queue struct {
	observers Observers
	logger    zerolog.Logger

	mu      sync.Mutex
	pending []Command
	running bool
	signal  chan struct{}
	stopCh  chan struct{}
	done    chan struct{}

	busy  atomic.Bool
	depth atomic.Int64
}

// New creates a stopped queue.
func New(observers Observers, logger zerolog.Logger) *Queue {
	return &Queue{
		observers: observers,
		logger:    logger.With().Str("component", "queue").Logger(),
		signal:    make(chan struct{}, 1),
	}
}

// Enqueue appends a command. It never blocks and never rejects.
func (q *Queue) Enqueue(name string, observer listener.Handle, run func(ctx context.Context)) {
	q.mu.Lock()
	q.pending = append(q.pending, Command{Name: name, Observer: observer, Run: run})
	q.depth.Add(1)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Start launches the worker. Calling Start while running has no effect; a
// stopped queue can be started again.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return
	}
	q.running = true
	q.stopCh = make(chan struct{})
	q.done = make(chan struct{})
	go q.loop(ctx, q.stopCh, q.done)
}

// Stop lets the running command finish, then stops the worker. Commands
// still queued are discarded.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	close(q.stopCh)
	done := q.done
	q.mu.Unlock()

	<-done

	q.mu.Lock()
	dropped := len(q.pending)
	q.pending = nil
	q.depth.Store(0)
	q.mu.Unlock()

	if dropped > 0 {
		q.logger.Debug().Int("dropped", dropped).Msg("queue stopped with pending commands")
	}
}

// IsBusy reports whether a command is running or waiting. The answer is a
// hint and may be stale by the time it is read.
func (q *Queue) IsBusy() bool {
	return q.busy.Load() || q.depth.Load() > 0
}

// Len returns the number of waiting commands.
func (q *Queue) Len() int {
	return int(q.depth.Load())
}

func (q *Queue) loop(ctx context.Context, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		cmd, ok := q.take()
		if !ok {
			select {
			case <-q.signal:
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		q.execute(ctx, cmd)
	}
}

// take pops the head of the queue and marks the worker busy.
func (q *Queue) take() (Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return Command{}, false
	}
	cmd := q.pending[0]
	q.pending[0] = Command{}
	q.pending = q.pending[1:]
	q.busy.Store(true)
	q.depth.Add(-1)
	return cmd, true
}

func (q *Queue) execute(ctx context.Context, cmd Command) {
	if cmd.Observer != 0 && !q.observers.IsRegistered(cmd.Observer) {
		q.busy.Store(false)
		q.logger.Debug().Str("command", cmd.Name).Msg("observer gone, command dropped")
		return
	}

	q.logger.Debug().Str("command", cmd.Name).Msg("running command")
	q.run(ctx, cmd)
	q.busy.Store(false)

	q.observers.CommandCompleted(q.Len() > 0)
}

func (q *Queue) run(ctx context.Context, cmd Command) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error().
				Str("command", cmd.Name).
				Interface("panic", r).
				Msg("command panicked")
		}
	}()
	cmd.Run(ctx)
}
