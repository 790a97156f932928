// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// Redis is a task queue stored in a redis sorted set, scored by due
// time in milliseconds since the epoch.
//
// Any number of processes may call Run on the same key. A task is
// handled by the worker whose ZREM removes it from the set, so each
// task is handled at most once, even if the handling worker crashes.
type Redis struct {
	Client       redis.UniversalClient
	Key          string
	PollInterval time.Duration
	// Maximum number of due tasks claimed per poll.
	BatchSize int64
	Logger    logrus.FieldLogger

	mtx     sync.Mutex
	handler Handler
}

// NewRedis returns a Redis queue connected to the given address.
func NewRedis(addr, key string, pollInterval time.Duration, logger logrus.FieldLogger) *Redis {
	return &Redis{
		Client:       redis.NewClient(&redis.Options{Addr: addr}),
		Key:          key,
		PollInterval: pollInterval,
		BatchSize:    100,
		Logger:       logger,
	}
}

// SetHandler sets the function called for each due task.
func (q *Redis) SetHandler(h Handler) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	q.handler = h
}

// ScheduleAfter adds a task to the sorted set.
func (q *Redis) ScheduleAfter(ctx context.Context, delay time.Duration, host string) (Task, error) {
	task, err := newTask(host, delay)
	if err != nil {
		return task, err
	}
	buf, err := json.Marshal(task)
	if err != nil {
		return Task{}, err
	}
	err = q.Client.ZAdd(ctx, q.Key, &redis.Z{
		Score:  float64(task.Due.UnixMilli()),
		Member: string(buf),
	}).Err()
	if err != nil {
		return Task{}, fmt.Errorf("redis ZADD %s: %w", q.Key, err)
	}
	return task, nil
}

// Pending returns the number of tasks in the set.
func (q *Redis) Pending(ctx context.Context) (int64, error) {
	return q.Client.ZCard(ctx, q.Key).Result()
}

// Run polls for due tasks and handles them until ctx is done.
func (q *Redis) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := q.Poll(ctx); err != nil && ctx.Err() == nil {
			q.Logger.WithError(err).Warn("error polling task queue")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll claims and handles all tasks that are due now, and returns
// the number handled. Handlers run concurrently; Poll returns when
// all of them have returned.
func (q *Redis) Poll(ctx context.Context) (int, error) {
	members, err := q.Client.ZRangeByScore(ctx, q.Key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(time.Now().UnixMilli(), 10),
		Count: q.BatchSize,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis ZRANGEBYSCORE %s: %w", q.Key, err)
	}
	q.mtx.Lock()
	handler := q.handler
	q.mtx.Unlock()

	var wg sync.WaitGroup
	defer wg.Wait()
	handled := 0
	for _, member := range members {
		n, err := q.Client.ZRem(ctx, q.Key, member).Result()
		if err != nil {
			return handled, fmt.Errorf("redis ZREM %s: %w", q.Key, err)
		} else if n == 0 {
			// Another worker claimed it.
			continue
		}
		var task Task
		if err := json.Unmarshal([]byte(member), &task); err != nil {
			q.Logger.WithError(err).WithField("Member", member).Error("discarding malformed task")
			continue
		}
		logger := q.Logger.WithFields(logrus.Fields{
			"TaskID": task.ID,
			"Host":   task.Host,
		})
		if handler == nil {
			logger.Error("no task handler registered, dropping task")
			continue
		}
		handled++
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Debug("running task")
			handler(ctx, task.Host)
		}()
	}
	return handled, nil
}

// Close closes the redis client.
func (q *Redis) Close() error {
	return q.Client.Close()
}
