package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WritePointWithTime writes a point with full control over tags, fields
// and timestamp.
//
// Lock telemetry carries the time the frame was received, not the time
// the batch is flushed, so every Lockgate writer supplies its own timestamp.
// The write is non-blocking; data is batched and sent asynchronously.
// The site tag configured at Connect is added by the client.
//
// Parameters:
//   - measurement: The measurement name (e.g. "lock_telemetry")
//   - tags: Key-value pairs for indexing (low cardinality: imei, code)
//   - fields: Key-value pairs for the data
//   - timestamp: The exact time for this data point
//
// Example:
//
//	client.WritePointWithTime("lock_telemetry",
//	    map[string]string{"imei": imei},
//	    map[string]interface{}{"voltage": 3.95, "signal": 21},
//	    receivedAt)
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		c.dropped.Add(1)
		return
	}
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, timestamp))
	c.queued.Add(1)
}
