// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package scheduler runs delayed tasks on a bounded pool of workers.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrStopped is returned once Shutdown has been called.
	ErrStopped = errors.New("scheduler stopped")

	// ErrQueueFull is returned when an immediate task finds every worker
	// busy and the queue at capacity.
	ErrQueueFull = errors.New("scheduler queue full")
)

const (
	taskPending int32 = iota
	taskRunning
	taskDone
	taskCancelled
)

// Config configures a Scheduler.
type Config struct {
	// Workers is the number of goroutines running tasks.
	Workers int

	// QueueSize bounds the tasks that are due but not yet picked up.
	QueueSize int

	// Now replaces time.Now when computing due times.
	Now func() time.Time
}

// Task is a scheduled function.
type Task struct {
	s     *Scheduler
	fn    func()
	due   time.Time
	seq   uint64
	index int
	state atomic.Int32
}

// Due returns the time the task is due at.
func (t *Task) Due() time.Time {
	return t.due
}

// Cancel prevents the task from running. It reports whether the task was
// still pending; calling it again, or after the task ran, returns false.
func (t *Task) Cancel() bool {
	if !t.state.CompareAndSwap(taskPending, taskCancelled) {
		return false
	}
	t.s.remove(t)
	return true
}

// Scheduler runs tasks after a delay. A single timer goroutine moves due
// tasks from a min-heap to a bounded channel drained by the workers.
type Scheduler struct {
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	tasks   taskHeap
	seq     uint64
	stopped bool

	wake chan struct{}
	work chan *Task
	done chan struct{}

	timerWG  sync.WaitGroup
	workerWG sync.WaitGroup
}

// New starts a scheduler.
func New(cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Scheduler{
		now:    cfg.Now,
		logger: logger,
		wake:   make(chan struct{}, 1),
		work:   make(chan *Task, cfg.QueueSize),
		done:   make(chan struct{}),
	}

	s.timerWG.Add(1)
	go s.timerLoop()

	for i := 0; i < cfg.Workers; i++ {
		s.workerWG.Add(1)
		go s.worker()
	}

	return s
}

// Now returns the scheduler's current time.
func (s *Scheduler) Now() time.Time {
	return s.now()
}

// Schedule runs fn after delay. A non-positive delay queues fn right away
// and fails with ErrQueueFull when the queue is at capacity.
func (s *Scheduler) Schedule(delay time.Duration, fn func()) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, ErrStopped
	}

	s.seq++
	t := &Task{s: s, fn: fn, due: s.now().Add(delay), seq: s.seq, index: -1}

	if delay <= 0 {
		select {
		case s.work <- t:
			return t, nil
		default:
			return nil, ErrQueueFull
		}
	}

	heap.Push(&s.tasks, t)
	if t.index == 0 {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
	return t, nil
}

// Pending returns the number of tasks not yet started.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks) + len(s.work)
}

// Shutdown rejects new tasks, cancels every pending task and waits for
// running tasks until ctx is done.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	for _, t := range s.tasks {
		t.index = -1
		t.state.CompareAndSwap(taskPending, taskCancelled)
	}
	s.tasks = nil
	s.mu.Unlock()

	close(s.done)
	s.timerWG.Wait()

	// Tasks already queued will never run.
drain:
	for {
		select {
		case t := <-s.work:
			t.state.CompareAndSwap(taskPending, taskCancelled)
		default:
			break drain
		}
	}

	finished := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		s.logger.Warn("scheduler shutdown timed out, tasks still running")
		return ctx.Err()
	}
}

func (s *Scheduler) remove(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.index >= 0 && t.index < len(s.tasks) && s.tasks[t.index] == t {
		heap.Remove(&s.tasks, t.index)
	}
}

func (s *Scheduler) timerLoop() {
	defer s.timerWG.Done()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		due, wait := s.popDue()
		for _, t := range due {
			select {
			case s.work <- t:
			case <-s.done:
				return
			}
		}

		if wait >= 0 {
			timer.Reset(wait)
		}

		select {
		case <-timer.C:
		case <-s.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-s.done:
			return
		}
	}
}

// popDue removes the tasks that are due and returns them with the time
// until the next one, or -1 if the heap is empty.
func (s *Scheduler) popDue() ([]*Task, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var due []*Task
	for len(s.tasks) > 0 {
		next := s.tasks[0]
		if next.due.After(now) {
			return due, next.due.Sub(now)
		}
		heap.Pop(&s.tasks)
		due = append(due, next)
	}
	return due, -1
}

func (s *Scheduler) worker() {
	defer s.workerWG.Done()

	for {
		select {
		case t := <-s.work:
			s.run(t)
		case <-s.done:
			return
		}
	}
}

func (s *Scheduler) run(t *Task) {
	select {
	case <-s.done:
		t.state.CompareAndSwap(taskPending, taskCancelled)
		return
	default:
	}
	if !t.state.CompareAndSwap(taskPending, taskRunning) {
		return
	}
	defer t.state.Store(taskDone)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled task panicked", slog.Any("panic", r))
		}
	}()
	t.fn()
}
