// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package fleet

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"
)

// Holdoff period after the API reports a rate-limit error.
var throttleHoldoff = time.Minute

var rateLimitCodes = map[string]bool{
	"Throttling":               true,
	"ThrottlingException":      true,
	"RequestLimitExceeded":     true,
	"TooManyRequestsException": true,
}

type throttle struct {
	err   error
	until time.Time
	mtx   sync.Mutex
}

// CheckRateLimitError checks whether the given error is an AWS
// rate-limit error, and if so, ensures Error() returns a non-nil
// error until the holdoff period expires.
func (thr *throttle) CheckRateLimitError(err error, logger logrus.FieldLogger, callType string) {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) || !rateLimitCodes[apiErr.ErrorCode()] {
		return
	}
	until := time.Now().Add(throttleHoldoff)
	logger.WithFields(logrus.Fields{
		"CallType": callType,
		"Duration": throttleHoldoff,
		"ResumeAt": until,
	}).Info("suspending discovery calls due to rate-limit error")
	thr.ErrorUntil(fmt.Errorf("discovery calls are suspended for %s, until %s", throttleHoldoff, until), until)
}

func (thr *throttle) ErrorUntil(err error, until time.Time) {
	thr.mtx.Lock()
	defer thr.mtx.Unlock()
	thr.err, thr.until = err, until
}

func (thr *throttle) Error() error {
	thr.mtx.Lock()
	defer thr.mtx.Unlock()
	if thr.err != nil && time.Now().After(thr.until) {
		thr.err = nil
	}
	return thr.err
}
