//go:build !linux

package monitor

import "errors"

var errUnsupported = errors.New("psi triggers require linux")

func newPoller() (poller, error) {
	return nil, errUnsupported
}

func openTriggerFile(path string) (triggerFile, error) {
	return nil, errUnsupported
}
