// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/fcgi"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/opcreset/opcreset/lib/cmd"
	"github.com/opcreset/opcreset/lib/cmdtest"
	"github.com/opcreset/opcreset/lib/config"
	"github.com/opcreset/opcreset/lib/fleet"
	"github.com/opcreset/opcreset/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&CmdSuite{})

type CmdSuite struct {
	listener net.Listener
	addr     string
	runtime  *runtimeStub
}

// runtimeStub is a FastCGI server that runs nothing, but answers
// every script with the configured result.
type runtimeStub struct {
	mtx     sync.Mutex
	scripts []string
	result  bool
}

func (rs *runtimeStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	src, err := os.ReadFile(fcgi.ProcessEnv(r)["SCRIPT_FILENAME"])
	if err != nil {
		http.Error(w, "File not found.", http.StatusNotFound)
		return
	}
	rs.mtx.Lock()
	rs.scripts = append(rs.scripts, string(src))
	result := rs.result
	rs.mtx.Unlock()
	fmt.Fprintf(w, `{"result":%v,"error":null}`, result)
}

func (rs *runtimeStub) resets() int {
	rs.mtx.Lock()
	defer rs.mtx.Unlock()
	n := 0
	for _, src := range rs.scripts {
		if strings.Contains(src, "opcache_reset()") {
			n++
		}
	}
	return n
}

func (s *CmdSuite) SetUpTest(c *check.C) {
	var err error
	s.listener, err = net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, check.IsNil)
	s.addr = s.listener.Addr().String()
	s.runtime = &runtimeStub{result: true}
	go fcgi.Serve(s.listener, s.runtime)
}

func (s *CmdSuite) TearDownTest(c *check.C) {
	s.listener.Close()
}

func (s *CmdSuite) runCommand(c *check.C, handler cmd.Handler, args []string, conf string) (int, string, string) {
	defer cmdtest.LeakCheck(c)()
	var stdout, stderr bytes.Buffer
	code := handler.RunCommand("opcache-reset", append([]string{"-config", "-"}, args...), strings.NewReader(conf), &stdout, &stderr)
	c.Logf("stderr: %s", stderr.String())
	return code, stdout.String(), stderr.String()
}

func (s *CmdSuite) TestCheckNotConfigured(c *check.C) {
	code, stdout, _ := s.runCommand(c, CheckCommand, nil, "LocalCache: {Address: \""+s.addr+"\"}\n")
	c.Check(code, check.Equals, 1)
	c.Check(stdout, check.Equals, "disabled: Region and LoadBalancer must be configured\n")
}

func (s *CmdSuite) TestCheckEnabled(c *check.C) {
	code, stdout, _ := s.runCommand(c, CheckCommand, nil, `
Region: us-east-1
LoadBalancer: lb1
LocalCache: {Address: "`+s.addr+`"}
`)
	c.Check(code, check.Equals, 0)
	c.Check(stdout, check.Equals, "enabled\n")
}

func (s *CmdSuite) TestCheckCacheDisabled(c *check.C) {
	s.runtime.result = false
	code, stdout, _ := s.runCommand(c, CheckCommand, nil, `
Region: us-east-1
LoadBalancer: lb1
LocalCache: {Address: "`+s.addr+`"}
`)
	c.Check(code, check.Equals, 1)
	c.Check(stdout, check.Equals, "disabled: opcode cache is not enabled at "+s.addr+"\n")
}

func (s *CmdSuite) TestCheckFlagOverride(c *check.C) {
	code, stdout, _ := s.runCommand(c, CheckCommand, []string{"-region", "us-east-1", "-load-balancer", "lb1"}, "LocalCache: {Address: \""+s.addr+"\"}\n")
	c.Check(code, check.Equals, 0)
	c.Check(stdout, check.Equals, "enabled\n")
}

func (s *CmdSuite) TestResetHost(c *check.C) {
	code, stdout, _ := s.runCommand(c, ResetHostCommand, []string{s.addr, s.addr}, "")
	c.Check(code, check.Equals, 0)
	c.Check(stdout, check.Equals, s.addr+": ok\n"+s.addr+": ok\n")
	c.Check(s.runtime.resets(), check.Equals, 2)
}

func (s *CmdSuite) TestResetHostFailure(c *check.C) {
	s.runtime.result = false
	code, stdout, _ := s.runCommand(c, ResetHostCommand, []string{s.addr, "127.0.0.1:1"}, "Timeouts: {Connect: 1s}\n")
	c.Check(code, check.Equals, 1)
	c.Check(stdout, check.Equals, s.addr+": false\n127.0.0.1:1: error\n")
}

func (s *CmdSuite) TestResetHostMissingArg(c *check.C) {
	code, _, stderr := s.runCommand(c, ResetHostCommand, nil, "")
	c.Check(code, check.Equals, 2)
	c.Check(stderr, check.Matches, `missing command line argument: host \[host...\].*\n`)
}

func (s *CmdSuite) TestDiscoverNotConfigured(c *check.C) {
	code, stdout, stderr := s.runCommand(c, DiscoverCommand, nil, "")
	c.Check(code, check.Equals, 1)
	c.Check(stdout, check.Equals, "")
	c.Check(stderr, check.Matches, `(?ms).*region and load balancer must be configured.*`)
}

func (s *CmdSuite) TestWritePlan(c *check.C) {
	var buf bytes.Buffer
	cfg := &config.Config{FallbackHost: "127.0.0.1", StaggerInterval: config.Duration(time.Minute)}
	code := writePlan(&buf, cfg, []fleet.Target{
		{InstanceID: "i-1", Address: "10.0.0.1", DispatchIndex: 0},
		{InstanceID: "i-4", Address: "10.0.0.4", DispatchIndex: 3},
	}, ctxlog.TestLogger(c))
	c.Check(code, check.Equals, 0)
	var plan struct {
		FallbackHost string
		Targets      []struct {
			InstanceID    string
			Address       string
			DispatchIndex int
			Delay         string
		}
	}
	c.Assert(json.Unmarshal(buf.Bytes(), &plan), check.IsNil)
	c.Check(plan.FallbackHost, check.Equals, "127.0.0.1")
	c.Assert(plan.Targets, check.HasLen, 2)
	c.Check(plan.Targets[0].Delay, check.Equals, "1m0s")
	c.Check(plan.Targets[1].InstanceID, check.Equals, "i-4")
	c.Check(plan.Targets[1].Delay, check.Equals, "4m0s")

	buf.Reset()
	writePlan(&buf, cfg, nil, ctxlog.TestLogger(c))
	c.Check(buf.String(), check.Equals, "{\n  \"FallbackHost\": \"127.0.0.1\",\n  \"Targets\": []\n}\n")
}

func (s *CmdSuite) TestTriggerGateClosed(c *check.C) {
	code, stdout, stderr := s.runCommand(c, TriggerCommand, nil, "LocalCache: {Address: \""+s.addr+"\"}\n")
	c.Check(code, check.Equals, 1)
	c.Check(stdout, check.Equals, "")
	c.Check(stderr, check.Matches, `(?ms).*fleet reset is disabled.*`)
	c.Check(s.runtime.resets(), check.Equals, 0)
}

// With -force and no fleet configuration, the local cache and the
// fallback host are still reset, and the command waits for the
// fallback reset before exiting.
func (s *CmdSuite) TestTriggerForce(c *check.C) {
	code, stdout, _ := s.runCommand(c, TriggerCommand, []string{"-force"}, `
FallbackHost: "`+s.addr+`"
LocalCache: {Address: "`+s.addr+`"}
`)
	c.Check(code, check.Equals, 1)
	var report map[string]interface{}
	c.Assert(json.Unmarshal([]byte(stdout), &report), check.IsNil)
	c.Check(report["LocalReset"], check.Equals, true)
	c.Check(report["FallbackScheduled"], check.Equals, true)
	c.Check(report["DiscoveryError"], check.Equals, "region and load balancer must be configured")
	c.Check(s.runtime.resets(), check.Equals, 2)
}

func (s *CmdSuite) TestTriggerNoFallback(c *check.C) {
	code, stdout, _ := s.runCommand(c, TriggerCommand, []string{"-force", "-no-fallback"}, `
LocalCache: {Address: "`+s.addr+`"}
`)
	c.Check(code, check.Equals, 1)
	c.Check(stdout, check.Matches, `(?ms).*"FallbackScheduled": false.*`)
	c.Check(s.runtime.resets(), check.Equals, 1)
}
