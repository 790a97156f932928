// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package cmdtest helps test subcommands that are supposed to write
// only to the stdout and stderr streams they are given.
package cmdtest

import (
	"io"
	"os"

	check "gopkg.in/check.v1"
)

// LeakCheck redirects os.Stdout and os.Stderr to temporary files, and
// returns a func that restores them and fails the test if anything
// was written to either one.
//
//	func (s *Suite) TestSomething(c *check.C) {
//		defer cmdtest.LeakCheck(c)()
//		code := SomeCommand.RunCommand("prog", nil, stdin, &stdout, &stderr)
//	}
func LeakCheck(c *check.C) func() {
	origOut, origErr := os.Stdout, os.Stderr
	tmpOut := unlinkedTempFile(c)
	tmpErr := unlinkedTempFile(c)
	os.Stdout, os.Stderr = tmpOut, tmpErr
	return func() {
		os.Stdout, os.Stderr = origOut, origErr
		for name, f := range map[string]*os.File{"stdout": tmpOut, "stderr": tmpErr} {
			_, err := f.Seek(0, io.SeekStart)
			c.Assert(err, check.IsNil)
			leaked, err := io.ReadAll(f)
			c.Assert(err, check.IsNil)
			c.Check(string(leaked), check.Equals, "", check.Commentf("output leaked to os.%s", name))
			f.Close()
		}
	}
}

func unlinkedTempFile(c *check.C) *os.File {
	f, err := os.CreateTemp("", "leakcheck-")
	c.Assert(err, check.IsNil)
	c.Assert(os.Remove(f.Name()), check.IsNil)
	return f
}
