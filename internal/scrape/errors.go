package scrape

import (
	"errors"
	"strings"
)

// ErrStopped is the cooperative-cancellation outcome. The message is part of
// the external contract and surfaces verbatim in the job record.
var ErrStopped = errors.New("Stopped by user")

var sessionLostNeedles = []string{
	"invalid session id",
	"session deleted",
	"not connected to devtools",
	"disconnected",
	"no such window",
	"target closed",
	"websocket: close",
}

// IsSessionLost classifies driver failures that indicate the automation
// session itself died, as opposed to a page-level problem. These are
// recoverable by a session restart.
func IsSessionLost(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range sessionLostNeedles {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

var navTimeoutNeedles = []string{
	"timed out receiving message from renderer",
	"context deadline exceeded",
	"timeout",
}

// IsNavigationTimeout reports whether err is a navigation-timeout-class
// failure. Navigation timeouts are tolerated: extraction continues with
// whatever DOM loaded.
func IsNavigationTimeout(err error) bool {
	if err == nil || IsSessionLost(err) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range navTimeoutNeedles {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
