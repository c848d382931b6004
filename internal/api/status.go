package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/camrelay/internal/relay"
)

const bytesPerMiB = 1 << 20

// SystemStatus is the body of GET /status: a point-in-time view of the
// relay for operators. /metrics carries the same counters for scraping.
type SystemStatus struct {
	Timestamp     time.Time   `json:"timestamp"`
	Version       string      `json:"version"`
	UptimeSeconds int64       `json:"uptime_seconds"`
	Relay         relay.Stats `json:"relay"`
	KnownDevices  int         `json:"known_devices"`
	MQTT          BrokerState `json:"mqtt"`
	Store         StoreState  `json:"store"`
	Runtime       GoRuntime   `json:"runtime"`
}

// BrokerState reports whether the OTP relay broker is configured and up.
type BrokerState struct {
	Enabled   bool `json:"enabled"`
	Connected bool `json:"connected"`
}

// StoreState is the SQLite connection pool.
type StoreState struct {
	Open      int   `json:"open"`
	InUse     int   `json:"in_use"`
	Idle      int   `json:"idle"`
	WaitCount int64 `json:"wait_count"`
}

type GoRuntime struct {
	Goroutines int     `json:"goroutines"`
	HeapMiB    float64 `json:"heap_mib"`
	SysMiB     float64 `json:"sys_mib"`
	GCCycles   uint32  `json:"gc_cycles"`
}

func readGoRuntime() GoRuntime {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return GoRuntime{
		Goroutines: runtime.NumGoroutine(),
		HeapMiB:    float64(ms.HeapAlloc) / bytesPerMiB,
		SysMiB:     float64(ms.Sys) / bytesPerMiB,
		GCCycles:   ms.NumGC,
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	now := time.Now().UTC()
	status := SystemStatus{
		Timestamp:     now,
		Version:       s.version,
		UptimeSeconds: int64(now.Sub(s.startTime) / time.Second),
		Relay:         s.relay.Stats(),
		KnownDevices:  s.catalog.Len(),
		Runtime:       readGoRuntime(),
	}
	if s.mqtt != nil {
		status.MQTT.Enabled = true
		status.MQTT.Connected = s.mqtt.IsConnected()
	}
	if s.db != nil {
		pool := s.db.Stats()
		status.Store = StoreState{
			Open:      pool.OpenConnections,
			InUse:     pool.InUse,
			Idle:      pool.Idle,
			WaitCount: pool.WaitCount,
		}
	}
	writeJSON(w, http.StatusOK, status)
}
