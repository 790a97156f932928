// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package orchestrator resets the opcode cache on this host and
// schedules staggered resets on every running member of the load
// balancer.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/opcreset/opcreset/lib/config"
	"github.com/opcreset/opcreset/lib/fleet"
	"github.com/opcreset/opcreset/lib/resetqueue"
	"github.com/opcreset/opcreset/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// LocalCache is the opcode cache of the current host.
type LocalCache interface {
	ResetLocal(ctx context.Context) (bool, error)
	Enabled(ctx context.Context) bool
}

// Discoverer lists the running fleet members.
type Discoverer interface {
	Discover(ctx context.Context) ([]fleet.Target, error)
}

// Resetter resets the opcode cache on a remote host.
type Resetter interface {
	Reset(ctx context.Context, host string) (bool, error)
}

// Report summarizes one TriggerReset call.
type Report struct {
	LocalReset        bool
	FallbackScheduled bool
	Discovered        int
	Scheduled         int
	DiscoveryError    error  `json:"-"`
	DiscoveryErrorMsg string `json:"DiscoveryError,omitempty"`
}

// Orchestrator implements the reset trigger and the delayed reset
// task.
type Orchestrator struct {
	FallbackHost string
	Local        LocalCache
	Fleet        Discoverer
	Scheduler    *resetqueue.Scheduler
	Remote       Resetter
	Logger       logrus.FieldLogger

	mTriggers        prometheus.Counter
	mScheduled       *prometheus.CounterVec
	mRemoteResets    *prometheus.CounterVec
	mDiscoveryErrors *prometheus.CounterVec
	mDiscovered      prometheus.Gauge
}

// New returns an Orchestrator using the given components. Metrics are
// registered with reg; if reg is nil, they are registered with a
// private registry.
func New(cfg *config.Config, local LocalCache, discoverer Discoverer, sched *resetqueue.Scheduler, remote Resetter, logger logrus.FieldLogger, reg *prometheus.Registry) *Orchestrator {
	o := &Orchestrator{
		FallbackHost: cfg.FallbackHost,
		Local:        local,
		Fleet:        discoverer,
		Scheduler:    sched,
		Remote:       remote,
		Logger:       logger,
	}
	o.registerMetrics(reg)
	return o
}

func (o *Orchestrator) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	o.mTriggers = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "opcreset",
		Name:      "triggers_total",
		Help:      "Number of fleet-wide resets triggered.",
	})
	reg.MustRegister(o.mTriggers)
	o.mScheduled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opcreset",
		Name:      "tasks_scheduled_total",
		Help:      "Number of remote reset tasks scheduled, by kind (fallback or fleet).",
	}, []string{"kind"})
	reg.MustRegister(o.mScheduled)
	o.mRemoteResets = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opcreset",
		Name:      "remote_resets_total",
		Help:      "Number of remote resets attempted, by result (ok, false, or error).",
	}, []string{"result"})
	reg.MustRegister(o.mRemoteResets)
	o.mDiscoveryErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opcreset",
		Name:      "discovery_errors_total",
		Help:      "Number of failed fleet discoveries, by kind (config or api).",
	}, []string{"kind"})
	reg.MustRegister(o.mDiscoveryErrors)
	o.mDiscovered = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "opcreset",
		Name:      "last_discovered_instances",
		Help:      "Number of running instances found by the most recent discovery.",
	})
	reg.MustRegister(o.mDiscovered)
}

// TriggerReset resets the local opcode cache, schedules a reset of
// the fallback host (if any) with no delay, and schedules a staggered
// reset of every running fleet member.
//
// Failures are logged and reflected in the returned Report. A failure
// in one step does not prevent the following steps, except that a
// discovery failure leaves nothing to schedule.
func (o *Orchestrator) TriggerReset(ctx context.Context) Report {
	var report Report
	o.mTriggers.Inc()
	logger := ctxlog.FromContextOr(ctx, o.Logger)

	if o.Local != nil {
		ok, err := o.Local.ResetLocal(ctx)
		if err != nil {
			logger.WithError(err).Error("local opcode cache reset failed")
		} else if !ok {
			logger.Warn("local opcode cache reset returned false")
		} else {
			logger.Info("local opcode cache reset")
		}
		report.LocalReset = err == nil && ok
	}

	fallback := o.FallbackHost != ""
	if fallback {
		_, err := o.Scheduler.ScheduleOne(ctx, o.FallbackHost, 0)
		if err != nil {
			logger.WithError(err).WithField("Host", o.FallbackHost).Error("cannot schedule fallback host reset")
		} else {
			o.mScheduled.WithLabelValues("fallback").Inc()
			report.FallbackScheduled = true
		}
	}

	targets, err := o.Fleet.Discover(ctx)
	if errors.Is(err, fleet.ErrNotConfigured) {
		o.mDiscoveryErrors.WithLabelValues("config").Inc()
		logger.WithError(err).Warn("fleet discovery is not configured, skipping fleet reset")
		report.DiscoveryError = err
		report.DiscoveryErrorMsg = err.Error()
		return report
	} else if err != nil {
		o.mDiscoveryErrors.WithLabelValues("api").Inc()
		logger.WithError(err).Error("fleet discovery failed, skipping fleet reset")
		report.DiscoveryError = err
		report.DiscoveryErrorMsg = err.Error()
		return report
	}
	o.mDiscovered.Set(float64(len(targets)))
	report.Discovered = len(targets)
	if len(targets) == 0 {
		logger.Info("no running instances found behind load balancer")
		return report
	}

	n, err := o.Scheduler.ScheduleFleet(ctx, targets, fallback)
	o.mScheduled.WithLabelValues("fleet").Add(float64(n))
	report.Scheduled = n
	if err != nil {
		logger.WithError(err).WithField("Failed", len(targets)-n).Error("some fleet resets could not be scheduled")
	}
	logger.WithFields(logrus.Fields{
		"Discovered": len(targets),
		"Scheduled":  n,
		"Interval":   o.Scheduler.Interval.String(),
	}).Info("scheduled fleet reset")
	return report
}

// HandleTask resets the opcode cache on host. It is the handler for
// tasks created by TriggerReset. The outcome is logged; a failed
// reset is not retried.
func (o *Orchestrator) HandleTask(ctx context.Context, host string) {
	logger := ctxlog.FromContextOr(ctx, o.Logger).WithField("Host", host)
	t0 := time.Now()
	ok, err := o.Remote.Reset(ctx, host)
	logger = logger.WithField("Elapsed", time.Since(t0).Seconds())
	if err != nil {
		o.mRemoteResets.WithLabelValues("error").Inc()
		logger.WithError(err).Error("remote opcode cache reset failed")
	} else if !ok {
		o.mRemoteResets.WithLabelValues("false").Inc()
		logger.Warn("remote opcode cache reset returned false")
	} else {
		o.mRemoteResets.WithLabelValues("ok").Inc()
		logger.Info("remote opcode cache reset")
	}
}

// Enabled returns true if the fleet reset feature should be offered:
// the region and load balancer are configured, and the local runtime
// has the opcode cache enabled.
func Enabled(ctx context.Context, cfg *config.Config, local LocalCache) bool {
	return cfg.Valid() && local.Enabled(ctx)
}

// Registrar accepts the trigger and task handler entry points.
type Registrar interface {
	RegisterTrigger(name string, fn func(context.Context))
	RegisterTaskHandler(fn func(ctx context.Context, host string))
}

// Register connects o's entry points to reg.
func Register(reg Registrar, o *Orchestrator) {
	reg.RegisterTrigger("reset", func(ctx context.Context) { o.TriggerReset(ctx) })
	reg.RegisterTaskHandler(o.HandleTask)
}
