// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package resetqueue turns discovered fleet members into delayed
// reset tasks.
package resetqueue

import (
	"context"
	"time"

	"github.com/opcreset/opcreset/lib/fleet"
	"github.com/opcreset/opcreset/lib/taskqueue"
	"github.com/sirupsen/logrus"
)

// TaskScheduler runs a reset task for host after the given delay.
// taskqueue.Memory and taskqueue.Redis implement it.
type TaskScheduler interface {
	ScheduleAfter(ctx context.Context, delay time.Duration, host string) (taskqueue.Task, error)
}

// Scheduler schedules reset tasks. It does not de-duplicate: every
// call produces a separate task.
type Scheduler struct {
	Tasks TaskScheduler
	// Stagger between consecutive fleet members.
	Interval time.Duration
	Logger   logrus.FieldLogger
}

// FleetDelay returns the delay for the fleet member with the given
// dispatch index. When a fallback host is scheduled at delay 0, every
// fleet member is pushed back by one interval.
func FleetDelay(index int, fallbackEnabled bool, interval time.Duration) time.Duration {
	if fallbackEnabled {
		index++
	}
	return time.Duration(index) * interval
}

// ScheduleOne schedules a single reset of host after delay.
func (s *Scheduler) ScheduleOne(ctx context.Context, host string, delay time.Duration) (taskqueue.Task, error) {
	task, err := s.Tasks.ScheduleAfter(ctx, delay, host)
	if err != nil {
		return task, err
	}
	s.Logger.WithFields(logrus.Fields{
		"TaskID": task.ID,
		"Host":   host,
		"Delay":  delay.String(),
	}).Debug("scheduled reset")
	return task, nil
}

// ScheduleFleet schedules a reset of every target, staggered by
// dispatch index. It keeps going after a failure, and returns the
// number of tasks scheduled along with the first error.
func (s *Scheduler) ScheduleFleet(ctx context.Context, targets []fleet.Target, fallbackEnabled bool) (int, error) {
	var firstErr error
	n := 0
	for _, t := range targets {
		delay := FleetDelay(t.DispatchIndex, fallbackEnabled, s.Interval)
		_, err := s.ScheduleOne(ctx, t.Address, delay)
		if err != nil {
			s.Logger.WithError(err).WithFields(logrus.Fields{
				"InstanceID": t.InstanceID,
				"Host":       t.Address,
			}).Error("cannot schedule reset")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		n++
	}
	return n, firstErr
}
