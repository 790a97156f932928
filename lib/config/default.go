// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

// DefaultYAML is loaded before the site config file, so every key
// omitted from the site config takes the value given here.
var DefaultYAML = []byte(`
# AWS region and classic load balancer name. Both are required for
# fleet discovery; without them only the local cache and the
# fallback host are reset.
Region: ""
LoadBalancer: ""

# FastCGI port of the cache runtime on each load balancer member.
Port: 8289

# Host to reset immediately on every trigger, whether or not fleet
# discovery succeeds. Set to "" to disable.
FallbackHost: 127.0.0.1

# Directory the remote cache runtime treats as its filesystem root.
# When set, reset scripts are written under this directory and passed
# to the runtime by their path relative to it. When empty, scripts
# are written to the system temporary directory and passed by
# absolute path.
WorkDir: ""

# Delay between consecutive member resets. A reset briefly empties
# the bytecode cache, so members are reset one at a time.
StaggerInterval: 60s

# By default the Nth instance in the EC2 API response is reset after
# N*StaggerInterval (plus one interval if FallbackHost is set), and
# non-running instances leave gaps in the sequence. With
# LegacyDispatchIndex, N is instead the reservation index plus the
# index within the reservation, so instances in different
# reservations may be reset simultaneously.
LegacyDispatchIndex: false

LocalCache:
  # FastCGI address of the cache runtime on this host, either
  # host:port or unix:/path/to/socket.
  Address: 127.0.0.1:9000

AWS:
  # If empty, credentials come from the environment, shared
  # config files, or the instance role.
  AccessKeyID: ""
  SecretAccessKey: ""
  Endpoint: ""

Timeouts:
  Discovery: 30s
  Connect: 5s
  Request: 30s

Queue:
  # "memory" runs delayed resets in this process. "redis" keeps them
  # in a sorted set so they survive restarts and can be shared by
  # several service processes.
  Driver: memory
  RedisAddress: ""
  RedisKey: opcache-reset:tasks
  PollInterval: 1s

Service:
  Listen: ":8290"
  # Bearer token required for POST /reset, /metrics and /_health/.
  # If empty, those endpoints are disabled.
  ManagementToken: ""
  # Trigger a fleet reset periodically. 0s disables.
  TriggerInterval: 0s
  TLS:
    # PEM certificate and key files. If set, the service listens on
    # HTTPS and reloads both files on SIGHUP.
    Certificate: ""
    Key: ""

SystemLogs:
  Format: json
  LogLevel: info
`)
