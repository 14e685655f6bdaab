package engine

import "errors"

var (
	ErrUnknownProject    = errors.New("unknown project")
	ErrUnknownBuild      = errors.New("unknown build")
	ErrUnknownDeviceType = errors.New("unknown device type")
)
