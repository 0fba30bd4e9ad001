package influxdb

import "errors"

var (
	// ErrDisabled is returned by Connect when influxdb.enabled is false.
	ErrDisabled = errors.New("influxdb: disabled in configuration")

	ErrConnectionFailed = errors.New("influxdb: connection failed")
	ErrNotConnected     = errors.New("influxdb: not connected")

	// ErrWriteFailed wraps batch write errors passed to the SetOnError
	// callback. The batch is lost.
	ErrWriteFailed = errors.New("influxdb: batch write failed")
)
