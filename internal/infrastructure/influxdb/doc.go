// Package influxdb provides InfluxDB connectivity for Lockgate.
//
// It wraps the official influxdb-client-go v2 library with connection
// management, non-blocking point writes, and health monitoring.
//
// # Purpose
//
// This package handles time-series storage for:
//   - Lock telemetry (battery voltage, signal strength, lock state)
//   - Command outcomes and latencies
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB, cfg.Site.ID)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WritePointWithTime("lock_telemetry", tags, fields, receivedAt)
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write operations are non-blocking and batch errors are delivered via
// SetOnError, wrapped in ErrWriteFailed. Connection and health check
// errors are returned directly. Stats counts queued, dropped and failed
// points.
package influxdb
