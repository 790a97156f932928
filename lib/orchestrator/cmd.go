// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package orchestrator

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/opcreset/opcreset/lib/cachetool"
	"github.com/opcreset/opcreset/lib/cmd"
	"github.com/opcreset/opcreset/lib/config"
	"github.com/opcreset/opcreset/lib/fleet"
	"github.com/opcreset/opcreset/lib/resetqueue"
	"github.com/opcreset/opcreset/lib/taskqueue"
	"github.com/opcreset/opcreset/sdk/go/ctxlog"
	"github.com/sirupsen/logrus"
)

var (
	TriggerCommand   cmd.Handler = triggerCommand{}
	ResetHostCommand cmd.Handler = resetHostCommand{}
	DiscoverCommand  cmd.Handler = discoverCommand{}
	CheckCommand     cmd.Handler = checkCommand{}
)

// env is what a one-shot command needs from the config file.
type env struct {
	cfg    *config.Config
	logger *logrus.Logger
	client *cachetool.Client
	local  *cachetool.Local
}

// setup parses flags and loads the config file. If ok is false, the
// command should exit with the returned code.
func setup(prog string, args []string, positional string, flags *flag.FlagSet, stdin io.Reader, stderr io.Writer) (e *env, ok bool, code int) {
	logger := ctxlog.New(stderr, "text", "info")
	loader := config.NewLoader(stdin, logger)
	loader.SetupFlags(flags)
	if ok, code := cmd.ParseFlags(flags, prog, args, positional, stderr); !ok {
		return nil, false, code
	}
	cfg, err := loader.Load()
	if err != nil {
		logger.WithError(err).Error("cannot load config")
		return nil, false, 1
	}
	logger = ctxlog.New(stderr, cfg.SystemLogs.Format, cfg.SystemLogs.LogLevel)
	client := cachetool.NewClient(cfg, logger)
	return &env{
		cfg:    cfg,
		logger: logger,
		client: client,
		local:  &cachetool.Local{Client: client, Address: cfg.LocalCache.Address},
	}, true, 0
}

// interruptible returns a context that is cancelled by SIGINT or
// SIGTERM.
func interruptible() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

type triggerCommand struct{}

// RunCommand implements the "trigger" subcommand: reset the local
// cache, schedule resets of the fallback host and the fleet, and
// print a JSON report.
//
// With the memory queue, resets run in this process, so the command
// waits for all of them (up to the last member's delay) before
// exiting. With the redis queue, the command exits after scheduling
// and the service processes carry out the resets.
func (triggerCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	force := flags.Bool("force", false, "Trigger even if the feature gate is closed")
	noWait := flags.Bool("no-wait", false, "With the memory queue, exit without waiting for scheduled resets (they are abandoned)")
	e, ok, code := setup(prog, args, "", flags, stdin, stderr)
	if !ok {
		return code
	}
	ctx, cancel := interruptible()
	defer cancel()
	ctx = ctxlog.Context(ctx, e.logger)

	if !Enabled(ctx, e.cfg, e.local) && !*force {
		e.logger.Error("fleet reset is disabled: region and load balancer must be configured, and the opcode cache must be enabled on this host (use -force to override)")
		return 1
	}

	queue, err := taskqueue.New(ctx, e.cfg, e.logger)
	if err != nil {
		e.logger.WithError(err).Error("cannot set up task queue")
		return 1
	}
	defer queue.Close()
	discoverer, err := fleet.New(ctx, e.cfg, e.logger)
	if err != nil {
		e.logger.WithError(err).Error("cannot set up fleet discovery")
		return 1
	}
	orch := New(e.cfg, e.local, discoverer, &resetqueue.Scheduler{
		Tasks:    queue,
		Interval: e.cfg.StaggerInterval.Duration(),
		Logger:   e.logger,
	}, e.client, e.logger, nil)
	queue.SetHandler(orch.HandleTask)

	report := orch.TriggerReset(ctx)
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		e.logger.WithError(err).Error("cannot write report")
		return 1
	}

	if mq, ok := queue.(*taskqueue.Memory); ok && !*noWait {
		e.logger.WithField("Pending", mq.Pending()).Info("waiting for scheduled resets")
		if err := mq.Wait(ctx); err != nil {
			e.logger.WithField("Pending", mq.Pending()).Warn("interrupted, abandoning scheduled resets")
			return 1
		}
	}
	if report.DiscoveryError != nil {
		return 1
	}
	return 0
}

type resetHostCommand struct{}

// RunCommand implements the "reset-host" subcommand, the delayed
// task entry point for external schedulers.
func (resetHostCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	e, ok, code := setup(prog, args, "host [host...]", flags, stdin, stderr)
	if !ok {
		return code
	}
	ctx, cancel := interruptible()
	defer cancel()

	failed := 0
	for _, host := range flags.Args() {
		ok, err := e.client.Reset(ctx, host)
		switch {
		case err != nil:
			e.logger.WithError(err).WithField("Host", host).Error("remote opcode cache reset failed")
			fmt.Fprintf(stdout, "%s: error\n", host)
			failed++
		case !ok:
			e.logger.WithField("Host", host).Warn("remote opcode cache reset returned false")
			fmt.Fprintf(stdout, "%s: false\n", host)
			failed++
		default:
			fmt.Fprintf(stdout, "%s: ok\n", host)
		}
	}
	if failed > 0 {
		return 1
	}
	return 0
}

type discoverCommand struct{}

// plannedReset is one line of the "discover" output.
type plannedReset struct {
	fleet.Target
	Delay string
}

// RunCommand implements the "discover" subcommand: print the
// fallback host and the running fleet members with their planned
// delays, without resetting anything.
func (discoverCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	e, ok, code := setup(prog, args, "", flags, stdin, stderr)
	if !ok {
		return code
	}
	ctx, cancel := interruptible()
	defer cancel()

	discoverer, err := fleet.New(ctx, e.cfg, e.logger)
	if err != nil {
		e.logger.WithError(err).Error("cannot set up fleet discovery")
		return 1
	}
	targets, err := discoverer.Discover(ctx)
	if err != nil {
		e.logger.WithError(err).Error("fleet discovery failed")
		return 1
	}
	return writePlan(stdout, e.cfg, targets, e.logger)
}

func writePlan(w io.Writer, cfg *config.Config, targets []fleet.Target, logger logrus.FieldLogger) int {
	out := struct {
		FallbackHost string
		Targets      []plannedReset
	}{FallbackHost: cfg.FallbackHost, Targets: []plannedReset{}}
	for _, t := range targets {
		delay := resetqueue.FleetDelay(t.DispatchIndex, cfg.FallbackEnabled(), cfg.StaggerInterval.Duration())
		out.Targets = append(out.Targets, plannedReset{Target: t, Delay: delay.String()})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		logger.WithError(err).Error("cannot write output")
		return 1
	}
	return 0
}

type checkCommand struct{}

// RunCommand implements the "check" subcommand: exit 0 if fleet
// reset is enabled on this host, 1 if not.
func (checkCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	e, ok, code := setup(prog, args, "", flags, stdin, stderr)
	if !ok {
		return code
	}
	ctx, cancel := interruptible()
	defer cancel()

	if !e.cfg.Valid() {
		fmt.Fprintln(stdout, "disabled: Region and LoadBalancer must be configured")
		return 1
	}
	if !e.local.Enabled(ctx) {
		fmt.Fprintf(stdout, "disabled: opcode cache is not enabled at %s\n", e.cfg.LocalCache.Address)
		return 1
	}
	fmt.Fprintln(stdout, "enabled")
	return 0
}
