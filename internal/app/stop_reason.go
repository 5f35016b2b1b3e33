package app

import (
	"os"
	"syscall"
)

// StopReason is logged on shutdown and reported to systemd.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

// ReasonFor maps a received signal to a StopReason.
func ReasonFor(sig os.Signal) StopReason {
	switch sig {
	case os.Interrupt:
		return StopSIGINT
	case syscall.SIGTERM:
		return StopSIGTERM
	case nil:
		return StopAppStop
	default:
		return StopUnknown
	}
}
