//go:build !sqlite
// +build !sqlite

package storage

import (
	"errors"

	logx "webtaskd/pkg/logx"
)

// Stub for builds without the sqlite tag; Open reports the driver as
// unavailable instead of failing at link time.
func openSQLite(Config, logx.Logger) (Store, error) {
	return nil, errors.New("sqlite storage not built: build with -tags sqlite")
}
