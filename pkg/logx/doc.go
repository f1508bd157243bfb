// Package logx is the thin zerolog front used across webtaskd.
//
// Logger is a value type safe to copy and embed; its zero value discards
// everything. Service owns the sinks (console, file, telegram) and can swap
// them at runtime without invalidating loggers already handed out.
package logx
