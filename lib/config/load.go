// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"dario.cat/mergo"
	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
)

var DefaultConfigFile = func() string {
	if path := os.Getenv("OPCRESET_CONFIG"); path != "" {
		return path
	}
	return "/etc/opcache-reset/config.yml"
}()

type Loader struct {
	Logger logrus.FieldLogger

	// Path to the config file. "-" means read from stdin.
	Path string

	stdin     io.Reader
	pathSet   bool
	overrides Config
	noFallbk  bool
}

// NewLoader returns a new Loader with Path set to the default config
// file location.
func NewLoader(stdin io.Reader, logger logrus.FieldLogger) *Loader {
	return &Loader{
		Logger: logger,
		Path:   DefaultConfigFile,
		stdin:  stdin,
	}
}

// SetupFlags configures a flagset so arguments like -config X can be
// used to change the loader's behavior.
//
//	ldr := NewLoader(os.Stdin, logger)
//	flagset := flag.NewFlagSet("", flag.ContinueOnError)
//	ldr.SetupFlags(flagset)
//	// ldr.Path == "/etc/opcache-reset/config.yml"
//	flagset.Parse([]string{"-config", "/tmp/c.yaml", "-region", "eu-west-1"})
//	// ldr.Path == "/tmp/c.yaml", and Load() will use eu-west-1
//	// regardless of the Region in the file
func (ldr *Loader) SetupFlags(flagset *flag.FlagSet) {
	flagset.Func("config", "Site configuration `file` (default may be overridden by setting an OPCRESET_CONFIG environment variable)", func(s string) error {
		ldr.Path = s
		ldr.pathSet = true
		return nil
	})
	flagset.StringVar(&ldr.overrides.Region, "region", "", "AWS `region` (overrides Region in config file)")
	flagset.StringVar(&ldr.overrides.LoadBalancer, "load-balancer", "", "load balancer `name` (overrides LoadBalancer in config file)")
	flagset.IntVar(&ldr.overrides.Port, "port", 0, "cache runtime FastCGI `port` (overrides Port in config file)")
	flagset.StringVar(&ldr.overrides.FallbackHost, "fallback-host", "", "fallback `host` (overrides FallbackHost in config file)")
	flagset.BoolVar(&ldr.noFallbk, "no-fallback", false, "do not reset a fallback host")
	flagset.StringVar(&ldr.overrides.WorkDir, "workdir", "", "cache runtime root `directory` (overrides WorkDir in config file)")
}

// Load reads the config file (or stdin, if Path is "-") on top of
// DefaultYAML, applies command line overrides, and checks the
// result.
//
// If Path was not given explicitly and the default config file does
// not exist, Load proceeds with the defaults.
func (ldr *Loader) Load() (*Config, error) {
	var buf []byte
	var err error
	if ldr.Path == "-" {
		buf, err = io.ReadAll(ldr.stdin)
	} else {
		buf, err = os.ReadFile(ldr.Path)
		if errors.Is(err, os.ErrNotExist) && !ldr.pathSet {
			ldr.Logger.WithField("Path", ldr.Path).Debug("config file not found, using defaults")
			buf, err = nil, nil
		}
	}
	if err != nil {
		return nil, err
	}
	return ldr.load(buf)
}

func (ldr *Loader) load(buf []byte) (*Config, error) {
	var cfg Config
	err := yaml.Unmarshal(DefaultYAML, &cfg)
	if err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}
	if len(buf) > 0 {
		// Unmarshaling on top of the defaults means keys
		// present in the file override defaults even when
		// they are empty (e.g., FallbackHost: "").
		err = yaml.Unmarshal(buf, &cfg)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", ldr.Path, err)
		}
		ldr.checkExtraKeys(buf)
	}
	err = mergo.Merge(&cfg, ldr.overrides, mergo.WithOverride)
	if err != nil {
		return nil, fmt.Errorf("applying command line overrides: %w", err)
	}
	if ldr.noFallbk {
		cfg.FallbackHost = ""
	}
	err = cfg.Check()
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (ldr *Loader) checkExtraKeys(buf []byte) {
	var supplied, expected map[string]interface{}
	if err := yaml.Unmarshal(buf, &supplied); err != nil {
		return
	}
	if err := yaml.Unmarshal(DefaultYAML, &expected); err != nil {
		return
	}
	for _, key := range extraKeys(expected, supplied, "") {
		ldr.Logger.Warnf("unknown config entry: %s", key)
	}
}

// extraKeys returns the dotted paths of keys in supplied that have
// no counterpart in expected. Key comparison is case-insensitive,
// like the JSON decoder's field matching.
func extraKeys(expected, supplied map[string]interface{}, prefix string) []string {
	var extra []string
	for k, vsupp := range supplied {
		var vexp interface{}
		found := false
		for ek, ev := range expected {
			if strings.EqualFold(ek, k) {
				vexp, found = ev, true
				break
			}
		}
		if !found {
			extra = append(extra, prefix+k)
			continue
		}
		msupp, ok1 := vsupp.(map[string]interface{})
		mexp, ok2 := vexp.(map[string]interface{})
		if ok1 && ok2 {
			extra = append(extra, extraKeys(mexp, msupp, prefix+k+".")...)
		}
	}
	sort.Strings(extra)
	return extra
}
