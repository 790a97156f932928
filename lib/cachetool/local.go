// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cachetool

import (
	"context"
)

// Local is the opcode cache of the PHP runtime on this host.
type Local struct {
	Client  *Client
	Address string
}

// ResetLocal clears the local runtime's opcode cache.
func (l *Local) ResetLocal(ctx context.Context) (bool, error) {
	return l.Client.run(ctx, l.Client.address(l.Address), resetScript)
}

// Enabled returns true if the local runtime has the opcode cache
// loaded and enabled. Errors are logged and count as "not enabled".
func (l *Local) Enabled(ctx context.Context) bool {
	ok, err := l.Client.Status(ctx, l.Address)
	if err != nil {
		l.Client.Logger.WithError(err).WithField("Address", l.Address).Warn("cannot query local opcode cache status")
		return false
	}
	return ok
}
