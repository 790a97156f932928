// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package taskqueue runs delayed single-argument tasks.
//
// Two implementations are provided: Memory keeps tasks in timers in
// the current process, Redis keeps them in a sorted set so they
// survive restarts and can be shared by several worker processes.
// Neither one de-duplicates tasks, orders tasks beyond their due
// times, or retries a task after its handler returns.
package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opcreset/opcreset/lib/config"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
)

// Handler is called with the payload of each task when it is due.
type Handler func(ctx context.Context, host string)

// Task is a scheduled call to the handler.
type Task struct {
	ID   string
	Host string
	Due  time.Time
}

var errNegativeDelay = errors.New("delay must not be negative")

func newTask(host string, delay time.Duration) (Task, error) {
	if delay < 0 {
		return Task{}, errNegativeDelay
	}
	return Task{
		ID:   xid.New().String(),
		Host: host,
		Due:  time.Now().Add(delay),
	}, nil
}

// Queue is a task queue that can be driven by a long-running worker.
type Queue interface {
	ScheduleAfter(ctx context.Context, delay time.Duration, host string) (Task, error)
	SetHandler(Handler)
	// Run handles tasks until ctx is done.
	Run(ctx context.Context) error
	Close() error
}

// New returns the queue selected by cfg.Queue.Driver. Handlers of a
// memory queue are called with ctx.
func New(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (Queue, error) {
	switch cfg.Queue.Driver {
	case "", "memory":
		return NewMemory(ctx, logger), nil
	case "redis":
		q := NewRedis(cfg.Queue.RedisAddress, cfg.Queue.RedisKey, cfg.Queue.PollInterval.Duration(), logger)
		if err := q.Client.Ping(ctx).Err(); err != nil {
			q.Close()
			return nil, fmt.Errorf("redis %s: %w", cfg.Queue.RedisAddress, err)
		}
		return q, nil
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Queue.Driver)
	}
}
