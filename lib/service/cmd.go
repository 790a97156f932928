// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package service provides a cmd.Handler that runs the fleet reset
// service: the management API, the delayed task worker, and the
// periodic and signal triggers.
package service

import (
	"context"
	"errors"
	"flag"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/opcreset/opcreset/lib/cachetool"
	"github.com/opcreset/opcreset/lib/cmd"
	"github.com/opcreset/opcreset/lib/config"
	"github.com/opcreset/opcreset/lib/fleet"
	"github.com/opcreset/opcreset/lib/orchestrator"
	"github.com/opcreset/opcreset/lib/resetqueue"
	"github.com/opcreset/opcreset/lib/taskqueue"
	"github.com/opcreset/opcreset/sdk/go/ctxlog"
	"github.com/opcreset/opcreset/sdk/go/health"
	"github.com/opcreset/opcreset/sdk/go/httpserver"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var errDisabled = errors.New("fleet reset is disabled: region and load balancer must be configured, and the opcode cache must be enabled on this host")

type command struct {
	ctx context.Context // enables tests to shutdown service; no public API yet
}

// Command returns a cmd.Handler that loads the config file, checks
// whether fleet reset is enabled on this host, and brings up the
// service.
func Command() cmd.Handler {
	return &command{ctx: context.Background()}
}

func (c *command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	log := ctxlog.New(stderr, "json", "info")

	var err error
	defer func() {
		if err != nil {
			log.WithError(err).Error("exiting")
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)

	loader := config.NewLoader(stdin, log)
	loader.SetupFlags(flags)

	versionFlag := flags.Bool("version", false, "Write version information to stdout and exit 0")
	pprofAddr := flags.String("pprof", "", "Serve Go profile data at `[addr]:port`")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	} else if *versionFlag {
		return cmd.Version.RunCommand(prog, args, stdin, stdout, stderr)
	}

	if *pprofAddr != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	cfg, err := loader.Load()
	if err != nil {
		return 1
	}

	// Now that we've read the config, replace the bootstrap
	// logger with a new one according to the logging config.
	log = ctxlog.New(stderr, cfg.SystemLogs.Format, cfg.SystemLogs.LogLevel)
	logger := log.WithFields(logrus.Fields{
		"PID":          os.Getpid(),
		"LoadBalancer": cfg.LoadBalancer,
	})
	ctx, cancel := context.WithCancel(ctxlog.Context(c.ctx, logger))
	defer cancel()

	reg := prometheus.NewRegistry()
	// opcreset_version_running{version="1.2.3"} 1.0
	mVersion := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "opcreset",
		Name:      "version_running",
		Help:      "Indicated version is running.",
	}, []string{"version"})
	mVersion.WithLabelValues(cmd.Version.String()).Set(1)
	reg.MustRegister(mVersion)

	queue, err := taskqueue.New(ctx, cfg, logger)
	if err != nil {
		return 1
	}
	defer queue.Close()

	client := cachetool.NewClient(cfg, logger)
	local := &cachetool.Local{Client: client, Address: cfg.LocalCache.Address}
	discoverer, err := fleet.New(ctx, cfg, logger)
	if err != nil {
		return 1
	}
	orch := orchestrator.New(cfg, local, discoverer, &resetqueue.Scheduler{
		Tasks:    queue,
		Interval: cfg.StaggerInterval.Duration(),
		Logger:   logger,
	}, client, logger, reg)

	srv := NewServer(ctx, cfg.Service.ManagementToken, queue, reg, logger)
	enabled := orchestrator.Enabled(ctx, cfg, local)
	srv.Health = health.Routes{"ping": func(context.Context) error {
		if !enabled {
			return errDisabled
		}
		return nil
	}}
	if enabled {
		orchestrator.Register(srv, orch)
	} else {
		logger.Warn(errDisabled.Error())
	}

	hs := &httpserver.Server{
		Server: http.Server{
			Handler:     srv.Handler(),
			BaseContext: func(net.Listener) context.Context { return ctx },
		},
		Addr: cfg.Service.Listen,
	}
	if cfg.Service.TLS.Certificate != "" {
		hs.TLSConfig, err = tlsConfigWithCertUpdater(ctx, cfg.Service.TLS, logger)
		if err != nil {
			return 1
		}
	}
	useTLS := hs.TLSConfig != nil
	err = hs.Start()
	if err != nil {
		return 1
	}
	logger.WithFields(logrus.Fields{
		"Listen":  hs.Addr,
		"TLS":     useTLS,
		"Enabled": enabled,
		"Version": cmd.Version.String(),
	}).Info("listening")
	if _, err := daemon.SdNotify(false, "READY=1"); err != nil {
		logger.WithError(err).Errorf("error notifying init daemon")
	}

	if enabled {
		go func() {
			if err := queue.Run(ctx); err != nil && ctx.Err() == nil {
				logger.WithError(err).Error("task queue worker stopped")
				cancel()
			}
		}()
		if interval := cfg.Service.TriggerInterval.Duration(); interval > 0 {
			go srv.RunPeriodic(ctx, "reset", interval)
		}
		srv.TriggerOnSignal(ctx, "reset", syscall.SIGUSR1)
	}

	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGTERM, os.Interrupt)
		defer signal.Stop(sigs)
		select {
		case sig := <-sigs:
			logger.WithField("Signal", sig.String()).Info("shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()
	go func() {
		<-ctx.Done()
		hs.Close()
	}()
	err = hs.Wait()
	srv.Wait()
	if err != nil {
		return 1
	}
	return 0
}
