// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package taskqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var ErrStopped = errors.New("queue is stopped")

// Memory is an in-process task queue. Each task gets its own timer,
// and its handler call runs in its own goroutine.
type Memory struct {
	// Context passed to handlers. Cancelling it does not stop
	// timers: use Stop.
	ctx    context.Context
	logger logrus.FieldLogger

	mtx     sync.Mutex
	handler Handler
	timers  map[string]*time.Timer
	active  int           // scheduled + running
	idle    chan struct{} // closed when active drops to 0
	stopped bool
}

// NewMemory returns a new Memory queue. Handlers are called with
// ctx.
func NewMemory(ctx context.Context, logger logrus.FieldLogger) *Memory {
	return &Memory{
		ctx:    ctx,
		logger: logger,
		timers: map[string]*time.Timer{},
	}
}

// SetHandler sets the function called for each due task.
func (q *Memory) SetHandler(h Handler) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	q.handler = h
}

// ScheduleAfter arranges for the handler to be called with host
// after the given delay.
func (q *Memory) ScheduleAfter(ctx context.Context, delay time.Duration, host string) (Task, error) {
	task, err := newTask(host, delay)
	if err != nil {
		return task, err
	}
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if q.stopped {
		return Task{}, ErrStopped
	}
	if q.active == 0 {
		q.idle = make(chan struct{})
	}
	q.active++
	q.timers[task.ID] = time.AfterFunc(delay, func() { q.fire(task) })
	return task, nil
}

func (q *Memory) fire(task Task) {
	q.mtx.Lock()
	delete(q.timers, task.ID)
	handler := q.handler
	q.mtx.Unlock()
	defer q.done()

	logger := q.logger.WithFields(logrus.Fields{
		"TaskID": task.ID,
		"Host":   task.Host,
	})
	if handler == nil {
		logger.Error("no task handler registered, dropping task")
		return
	}
	logger.Debug("running task")
	handler(q.ctx, task.Host)
}

func (q *Memory) done() {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	q.active--
	if q.active == 0 {
		close(q.idle)
	}
}

// Pending returns the number of tasks that have been scheduled but
// have not yet come due.
func (q *Memory) Pending() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return len(q.timers)
}

// Wait blocks until no tasks are scheduled or running, or ctx is
// done.
func (q *Memory) Wait(ctx context.Context) error {
	q.mtx.Lock()
	if q.active == 0 {
		q.mtx.Unlock()
		return nil
	}
	idle := q.idle
	q.mtx.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run waits for ctx to be done, then stops the queue. Tasks are
// handled by their own timers whether or not Run is called.
func (q *Memory) Run(ctx context.Context) error {
	<-ctx.Done()
	q.Stop()
	return ctx.Err()
}

// Close stops the queue.
func (q *Memory) Close() error {
	q.Stop()
	return nil
}

// Stop cancels all tasks that have not come due, and makes further
// calls to ScheduleAfter fail. Handlers that are already running are
// not interrupted.
func (q *Memory) Stop() {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	q.stopped = true
	for id, t := range q.timers {
		if t.Stop() {
			q.active--
		}
		delete(q.timers, id)
	}
	if q.active == 0 && q.idle != nil {
		select {
		case <-q.idle:
		default:
			close(q.idle)
		}
	}
}
