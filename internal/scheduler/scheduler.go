// Package scheduler runs cancellable one-shot tasks after a delay.
package scheduler

import (
	"sync"
	"sync/atomic"
	"time"
)

// Task is a pending or completed delayed function.
type Task struct {
	s     *Scheduler
	fn    func()
	due   time.Time
	timer *time.Timer

	// 0 pending, 1 fired, 2 cancelled
	state atomic.Int32
	done  chan struct{}
}

const (
	taskPending int32 = iota
	taskFired
	taskCancelled
)

// Cancel prevents the task from running. It returns false if the task has
// already fired or been cancelled.
func (t *Task) Cancel() bool {
	if !t.state.CompareAndSwap(taskPending, taskCancelled) {
		return false
	}
	t.timer.Stop()
	t.s.forget(t)
	close(t.done)
	return true
}

// Remaining returns the time left before the task fires, or zero once it has
// fired or been cancelled.
func (t *Task) Remaining() time.Duration {
	if t.state.Load() != taskPending {
		return 0
	}
	d := time.Until(t.due)
	if d < 0 {
		return 0
	}
	return d
}

// Pending reports whether the task is still waiting to fire.
func (t *Task) Pending() bool {
	return t.state.Load() == taskPending
}

// Fired reports whether the task's function ran.
func (t *Task) Fired() bool {
	return t.state.Load() == taskFired
}

// Done is closed when the task has finished running or was cancelled.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

func (t *Task) fire() {
	if !t.state.CompareAndSwap(taskPending, taskFired) {
		return
	}
	t.s.forget(t)
	defer close(t.done)
	t.fn()
}

// Scheduler tracks pending tasks so they can be cancelled together.
type Scheduler struct {
	mu      sync.Mutex
	pending map[*Task]struct{}
	stopped bool
}

// New creates a Scheduler.
func New() *Scheduler {
	return &Scheduler{pending: make(map[*Task]struct{})}
}

// Schedule runs fn once after delay on its own goroutine. After Stop the
// returned task is already cancelled.
func (s *Scheduler) Schedule(delay time.Duration, fn func()) *Task {
	if delay < 0 {
		delay = 0
	}
	t := &Task{
		s:    s,
		fn:   fn,
		due:  time.Now().Add(delay),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		t.state.Store(taskCancelled)
		close(t.done)
		return t
	}
	s.pending[t] = struct{}{}
	// The timer is created under the lock so Cancel never sees a nil timer
	// through Stop.
	t.timer = time.AfterFunc(delay, t.fire)
	s.mu.Unlock()
	return t
}

// Len returns the number of pending tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stop cancels every pending task and rejects new ones.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	tasks := make([]*Task, 0, len(s.pending))
	for t := range s.pending {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		t.Cancel()
	}
}

func (s *Scheduler) forget(t *Task) {
	s.mu.Lock()
	delete(s.pending, t)
	s.mu.Unlock()
}
