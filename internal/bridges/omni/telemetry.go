package omni

import "time"

// Measurement names written by TelemetrySink.
const (
	measurementTelemetry = "lock_telemetry"
	measurementCommands  = "lock_commands"
)

// PointWriter writes one time-series point. Satisfied by *influxdb.Client.
type PointWriter interface {
	WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time)
}

// TelemetrySink records lock telemetry and command outcomes as time-series
// points. It is an EventSink.
type TelemetrySink struct {
	writer PointWriter
}

// NewTelemetrySink creates a sink writing to w.
func NewTelemetrySink(w PointWriter) *TelemetrySink {
	return &TelemetrySink{writer: w}
}

// HandleEvent implements EventSink.
func (t *TelemetrySink) HandleEvent(e Event) {
	if t.writer == nil || e.IMEI == "" {
		return
	}
	switch e.Type {
	case EventTelemetry:
		t.writeTelemetry(e)
	case EventCommand:
		t.writeCommand(e)
	}
}

func (t *TelemetrySink) writeTelemetry(e Event) {
	if e.Status == nil {
		return
	}
	fields := map[string]interface{}{
		"voltage": e.Status.Voltage,
		"signal":  e.Status.Signal,
	}
	if e.Status.Locked != nil {
		fields["locked"] = *e.Status.Locked
	}
	t.writer.WritePointWithTime(measurementTelemetry,
		map[string]string{
			"imei":   e.IMEI,
			"source": string(e.Code),
		},
		fields,
		e.Timestamp,
	)
}

func (t *TelemetrySink) writeCommand(e Event) {
	outcome := outcomeSuccess
	var elapsed int64
	switch {
	case e.Error != "":
		outcome = "error"
	case e.Result != nil && !e.Result.Success:
		outcome = outcomeFailure
	}
	if e.Result != nil {
		elapsed = e.Result.ElapsedMS
	}
	t.writer.WritePointWithTime(measurementCommands,
		map[string]string{
			"imei":    e.IMEI,
			"code":    string(e.Code),
			"outcome": outcome,
		},
		map[string]interface{}{
			"count":      1,
			"elapsed_ms": elapsed,
		},
		e.Timestamp,
	)
}
