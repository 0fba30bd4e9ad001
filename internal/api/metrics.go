package api

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/lockgate-core/internal/bridges/omni"
	"github.com/nerrad567/lockgate-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/lockgate-core/internal/infrastructure/mqtt"
)

// SystemMetrics is the /api/v1/system document. Sections for optional
// components are omitted when the component is disabled.
type SystemMetrics struct {
	Timestamp     string           `json:"timestamp"`
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	LockServer    omni.Stats       `json:"lock_server"`
	WebSocket     WSMetrics        `json:"websocket"`
	MQTT          *mqtt.Stats      `json:"mqtt,omitempty"`
	InfluxDB      *influxdb.Stats  `json:"influxdb,omitempty"`
	Database      *DatabaseMetrics `json:"database,omitempty"`
	Runtime       RuntimeMetrics   `json:"runtime"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics counts event stream clients and the frames queued for them.
// FramesDropped are frames a slow client missed because its buffer was full.
type WSMetrics struct {
	ConnectedClients int    `json:"connected_clients"`
	FramesSent       uint64 `json:"frames_sent"`
	FramesDropped    uint64 `json:"frames_dropped"`
}

// DatabaseMetrics is the audit database pool and file size.
type DatabaseMetrics struct {
	SizeBytes       int64 `json:"size_bytes"`
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

func runtimeMetrics() RuntimeMetrics {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	const mb = 1 << 20
	return RuntimeMetrics{
		Goroutines:    runtime.NumGoroutine(),
		MemoryAllocMB: float64(ms.Alloc) / mb,
		MemoryTotalMB: float64(ms.TotalAlloc) / mb,
		NumGC:         ms.NumGC,
	}
}

// systemMetrics assembles the snapshot served by /system.
func (s *Server) systemMetrics(ctx context.Context) SystemMetrics {
	m := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		LockServer:    s.locks.Stats(),
		WebSocket:     s.hub.Stats(),
		Runtime:       runtimeMetrics(),
	}

	if s.broker != nil {
		st := s.broker.Stats()
		m.MQTT = &st
	}
	if s.telemetry != nil {
		st := s.telemetry.Stats()
		m.InfluxDB = &st
	}
	if s.db != nil {
		st := s.db.Stats()
		m.Database = &DatabaseMetrics{
			OpenConnections: st.OpenConnections,
			InUse:           st.InUse,
			Idle:            st.Idle,
			WaitCount:       st.WaitCount,
		}
		if size, err := s.db.SizeBytes(ctx); err == nil {
			m.Database.SizeBytes = size
		} else {
			s.logger.Warn("reading database size", "error", err)
		}
	}
	return m
}

// handleSystemMetrics serves a JSON snapshot for dashboards that do not
// scrape /metrics.
func (s *Server) handleSystemMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.systemMetrics(r.Context()))
}
