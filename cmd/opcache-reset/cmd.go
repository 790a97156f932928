// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"os"

	"github.com/opcreset/opcreset/lib/cmd"
	"github.com/opcreset/opcreset/lib/orchestrator"
	"github.com/opcreset/opcreset/lib/service"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"check":      orchestrator.CheckCommand,
		"discover":   orchestrator.DiscoverCommand,
		"reset-host": orchestrator.ResetHostCommand,
		"service":    service.Command(),
		"trigger":    orchestrator.TriggerCommand,
	})
)

func main() {
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
