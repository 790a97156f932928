// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"errors"
	"fmt"
)

// Config is the process-wide configuration. It is loaded once at
// startup and must not be modified afterwards.
type Config struct {
	// AWS region of the load balancer and its instances.
	Region string
	// Name of the (classic) load balancer whose members get
	// reset.
	LoadBalancer string
	// FastCGI port of the cache runtime on each member.
	Port int
	// Host that is always reset with no delay, before any
	// discovered member. Empty disables.
	FallbackHost string
	// Directory the cache runtime sees as its filesystem root.
	// Reset scripts are written here, and referred to by their
	// path relative to it.
	WorkDir string
	// Delay between consecutive member resets.
	StaggerInterval Duration
	// Compute each member's stagger position as reservation
	// index + index within reservation (instead of its position
	// in the instance list). Members in different reservations
	// can then be reset at the same time.
	LegacyDispatchIndex bool

	LocalCache LocalCacheConfig
	AWS        AWSConfig
	Timeouts   TimeoutsConfig
	Queue      QueueConfig
	Service    ServiceConfig
	SystemLogs SystemLogsConfig
}

type LocalCacheConfig struct {
	// FastCGI address of the cache runtime on this host
	// ("host:port" or "unix:/path/to/socket").
	Address string
}

type AWSConfig struct {
	// Static credentials. If empty, the SDK's default credential
	// chain (environment, shared config, instance role) is used.
	AccessKeyID     string
	SecretAccessKey string
	// Alternate API endpoint, e.g., for an API-compatible
	// service.
	Endpoint string
}

type TimeoutsConfig struct {
	Discovery Duration
	Connect   Duration
	Request   Duration
}

type QueueConfig struct {
	// "memory" or "redis".
	Driver       string
	RedisAddress string
	RedisKey     string
	PollInterval Duration
}

type ServiceConfig struct {
	Listen          string
	ManagementToken string
	// Trigger a fleet reset this often. Zero disables.
	TriggerInterval Duration
	TLS             TLSConfig
}

// TLSConfig names PEM files. If both are empty, the service listens
// on plain HTTP.
type TLSConfig struct {
	Certificate string
	Key         string
}

type SystemLogsConfig struct {
	Format   string
	LogLevel string
}

// Valid returns true if the identifiers needed for fleet discovery
// are configured.
func (cfg *Config) Valid() bool {
	return cfg.Region != "" && cfg.LoadBalancer != ""
}

// FallbackEnabled returns true if a fallback host is configured.
func (cfg *Config) FallbackEnabled() bool {
	return cfg.FallbackHost != ""
}

// Check returns an error if any configured value is unusable. It
// does not require Region or LoadBalancer: see Valid.
func (cfg *Config) Check() error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("Port %d out of range", cfg.Port)
	}
	if cfg.StaggerInterval < 0 {
		return errors.New("StaggerInterval must not be negative")
	}
	for name, d := range map[string]Duration{
		"Timeouts.Discovery":      cfg.Timeouts.Discovery,
		"Timeouts.Connect":        cfg.Timeouts.Connect,
		"Timeouts.Request":        cfg.Timeouts.Request,
		"Queue.PollInterval":      cfg.Queue.PollInterval,
		"Service.TriggerInterval": cfg.Service.TriggerInterval,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	switch cfg.Queue.Driver {
	case "memory":
	case "redis":
		if cfg.Queue.RedisAddress == "" {
			return errors.New("Queue.RedisAddress must be provided when Queue.Driver is redis")
		}
		if cfg.Queue.PollInterval == 0 {
			return errors.New("Queue.PollInterval must be positive when Queue.Driver is redis")
		}
	default:
		return fmt.Errorf("unknown Queue.Driver %q", cfg.Queue.Driver)
	}
	if (cfg.Service.TLS.Certificate == "") != (cfg.Service.TLS.Key == "") {
		return errors.New("Service.TLS.Certificate and Service.TLS.Key must be provided together")
	}
	if cfg.LocalCache.Address == "" {
		return errors.New("LocalCache.Address must be provided")
	}
	return nil
}
