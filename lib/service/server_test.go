// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package service

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/opcreset/opcreset/lib/config"
	"github.com/opcreset/opcreset/lib/fleet"
	"github.com/opcreset/opcreset/lib/orchestrator"
	"github.com/opcreset/opcreset/lib/taskqueue"
	"github.com/opcreset/opcreset/sdk/go/ctxlog"
	"github.com/opcreset/opcreset/sdk/go/health"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ServerSuite{})

type ServerSuite struct {
	ctx    context.Context
	cancel context.CancelFunc
	queue  *taskqueue.Memory
	reg    *prometheus.Registry
	srv    *Server

	mtx   sync.Mutex
	fired int
	hosts []string
}

func (s *ServerSuite) SetUpTest(c *check.C) {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.queue = taskqueue.NewMemory(s.ctx, ctxlog.TestLogger(c))
	s.reg = prometheus.NewRegistry()
	s.srv = NewServer(s.ctx, "abcde", s.queue, s.reg, ctxlog.TestLogger(c))
	s.fired = 0
	s.hosts = nil
	s.srv.RegisterTrigger("reset", func(ctx context.Context) {
		s.mtx.Lock()
		defer s.mtx.Unlock()
		s.fired++
	})
	s.srv.RegisterTaskHandler(func(ctx context.Context, host string) {
		s.mtx.Lock()
		defer s.mtx.Unlock()
		s.hosts = append(s.hosts, host)
	})
}

func (s *ServerSuite) TearDownTest(c *check.C) {
	s.cancel()
	s.queue.Stop()
}

func (s *ServerSuite) firedCount() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.fired
}

func (s *ServerSuite) do(method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	s.srv.Handler().ServeHTTP(resp, req)
	return resp
}

func (s *ServerSuite) TestTriggerAuth(c *check.C) {
	c.Check(s.do("POST", "/reset", "").Code, check.Equals, http.StatusUnauthorized)
	c.Check(s.do("POST", "/reset", "wrong").Code, check.Equals, http.StatusForbidden)
	c.Check(s.do("GET", "/reset", "abcde").Code, check.Equals, http.StatusMethodNotAllowed)
	c.Check(s.do("POST", "/nonexistent", "abcde").Code, check.Equals, http.StatusNotFound)
	s.srv.Wait()
	c.Check(s.firedCount(), check.Equals, 0)

	resp := s.do("POST", "/reset", "abcde")
	c.Check(resp.Code, check.Equals, http.StatusAccepted)
	c.Check(resp.Body.String(), check.Equals, "")
	s.srv.Wait()
	c.Check(s.firedCount(), check.Equals, 1)
}

func (s *ServerSuite) TestEmptyTokenDisablesAPI(c *check.C) {
	s.srv.ManagementToken = ""
	c.Check(s.do("POST", "/reset", "").Code, check.Equals, http.StatusNotFound)
	c.Check(s.do("GET", "/metrics", "").Code, check.Equals, http.StatusNotFound)
	c.Check(s.do("GET", "/_health/ping", "").Code, check.Equals, http.StatusNotFound)
	s.srv.Wait()
	c.Check(s.firedCount(), check.Equals, 0)
}

func (s *ServerSuite) TestHealth(c *check.C) {
	resp := s.do("GET", "/_health/ping", "abcde")
	c.Check(resp.Code, check.Equals, http.StatusOK)
	c.Check(resp.Body.String(), check.Equals, `{"health":"OK"}`+"\n")

	s.srv.Health = health.Routes{"ping": func(context.Context) error { return errors.New("disabled") }}
	resp = s.do("GET", "/_health/ping", "abcde")
	c.Check(resp.Code, check.Equals, http.StatusServiceUnavailable)
	c.Check(resp.Body.String(), check.Matches, `.*"error":"disabled".*\n`)
}

func (s *ServerSuite) TestMetrics(c *check.C) {
	orch := orchestrator.New(&config.Config{}, nil, nil, nil, okResetter{}, ctxlog.TestLogger(c), s.reg)
	orch.HandleTask(s.ctx, "10.0.0.1")

	resp := s.do("GET", "/metrics", "abcde")
	c.Check(resp.Code, check.Equals, http.StatusOK)
	c.Check(resp.Body.String(), check.Matches, `(?ms).*\nopcreset_remote_resets_total\{result="ok"\} 1\n.*`)

	// The served document matches what the registry reports.
	mfs, err := s.reg.Gather()
	c.Assert(err, check.IsNil)
	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range mfs {
		c.Check(enc.Encode(mf), check.IsNil)
	}
	comments := regexp.MustCompile(`(?m)^#.*\n`)
	c.Check(comments.ReplaceAllString(resp.Body.String(), ""), check.Equals, comments.ReplaceAllString(buf.String(), ""))
}

type okResetter struct{}

type okLocal struct{}

func (okLocal) ResetLocal(context.Context) (bool, error) { return true, nil }
func (okLocal) Enabled(context.Context) bool { return true }

func (okResetter) Reset(context.Context, string) (bool, error) { return true, nil }

func (s *ServerSuite) TestUnknownTrigger(c *check.C) {
	c.Check(s.srv.Trigger("reset"), check.Equals, true)
	c.Check(s.srv.Trigger("restart"), check.Equals, false)
	s.srv.Wait()
	c.Check(s.firedCount(), check.Equals, 1)
}

func (s *ServerSuite) TestTaskHandler(c *check.C) {
	_, err := s.queue.ScheduleAfter(s.ctx, time.Millisecond, "10.0.0.1")
	c.Assert(err, check.IsNil)
	c.Check(s.queue.Wait(s.ctx), check.IsNil)
	s.mtx.Lock()
	defer s.mtx.Unlock()
	c.Check(s.hosts, check.DeepEquals, []string{"10.0.0.1"})
}

func (s *ServerSuite) TestRunPeriodic(c *check.C) {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.srv.RunPeriodic(ctx, "reset", 5*time.Millisecond)
	}()
	for s.firedCount() < 3 && ctx.Err() == nil {
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done
	s.srv.Wait()
	c.Check(s.firedCount() >= 3, check.Equals, true)
}

func (s *ServerSuite) TestTriggerOnSignal(c *check.C) {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	s.srv.TriggerOnSignal(ctx, "reset", syscall.SIGUSR1)
	c.Assert(syscall.Kill(syscall.Getpid(), syscall.SIGUSR1), check.IsNil)
	for s.firedCount() < 1 && ctx.Err() == nil {
		time.Sleep(time.Millisecond)
	}
	s.srv.Wait()
	c.Check(s.firedCount(), check.Equals, 1)
}

// The orchestrator's entry points are reachable through the server
// once registered.
func (s *ServerSuite) TestRegisterOrchestrator(c *check.C) {
	srv := NewServer(s.ctx, "abcde", s.queue, prometheus.NewRegistry(), ctxlog.TestLogger(c))
	var reg orchestrator.Registrar = srv
	reg.RegisterTrigger("reset", func(context.Context) {})
	c.Check(srv.Trigger("reset"), check.Equals, true)
	srv.Wait()
}

// Entries logged by a trigger's handler identify the trigger.
func (s *ServerSuite) TestTriggerLogsCarryTriggerName(c *check.C) {
	var buf lockedBuffer
	logger := ctxlog.New(&buf, "text", "info")
	srv := NewServer(s.ctx, "abcde", s.queue, prometheus.NewRegistry(), logger)
	orch := orchestrator.New(&config.Config{}, okLocal{}, &fleet.Discoverer{Logger: logger}, nil, okResetter{}, logger, nil)
	orchestrator.Register(srv, orch)
	c.Check(srv.Trigger("reset"), check.Equals, true)
	srv.Wait()
	c.Check(buf.String(), check.Matches, `(?ms).*msg="trigger started" Trigger=reset\n.*`)
	c.Check(buf.String(), check.Matches, `(?ms).*msg="local opcode cache reset" Trigger=reset\n.*`)
	c.Check(buf.String(), check.Matches, `(?ms).*msg="fleet discovery is not configured, skipping fleet reset" Trigger=reset error=.*`)
}
