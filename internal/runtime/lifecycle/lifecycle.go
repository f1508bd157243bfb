// Package lifecycle carries process lifecycle vocabulary shared by the app
// and its entrypoints.
package lifecycle

// StopReason names why the app is shutting down. It is logged and handed to
// components that care about the distinction (e.g. notify-on-crash vs
// clean exit).
type StopReason string

const (
	StopUnknown      StopReason = "unknown"
	StopSIGINT       StopReason = "sigint"
	StopSIGTERM      StopReason = "sigterm"
	StopFatalError   StopReason = "fatal_error"
	StopAppStop      StopReason = "app_stop"
	StopConfigReload StopReason = "config_reload"
)
