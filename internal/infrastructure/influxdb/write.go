package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the relay.
const (
	MeasurementConnection = "device_connection"
	MeasurementFrames     = "device_frames"
	MeasurementCommand    = "device_command"
	MeasurementViewer     = "viewer_session"
)

// WriteDeviceEvent records a device connecting or disconnecting.
//
//	client.WriteDeviceEvent("cam1", "disconnected", "heartbeat timeout")
func (c *Client) WriteDeviceEvent(deviceID, event, reason string) {
	c.writePoint(deviceEventPoint(deviceID, event, reason, time.Now()))
}

// WriteFrameStats records the frames and bytes a device pushed since the
// previous sample.
func (c *Client) WriteFrameStats(deviceID string, frames int, bytes int64, at time.Time) {
	c.writePoint(frameStatsPoint(deviceID, frames, bytes, at))
}

// WriteCommand records how a correlated command ended and how long it took.
func (c *Client) WriteCommand(deviceID, name, state string, latency time.Duration) {
	c.writePoint(commandPoint(deviceID, name, state, latency, time.Now()))
}

// WriteViewerEvent records a viewer joining or leaving a device's stream.
func (c *Client) WriteViewerEvent(deviceID, event, reason string) {
	c.writePoint(viewerEventPoint(deviceID, event, reason, time.Now()))
}

func (c *Client) writePoint(p *write.Point) {
	if !c.IsConnected() {
		return
	}
	c.writer.WritePoint(p)
}

func deviceEventPoint(deviceID, event, reason string, at time.Time) *write.Point {
	fields := map[string]any{"count": 1}
	if reason != "" {
		fields["reason"] = reason
	}
	return write.NewPoint(MeasurementConnection,
		map[string]string{"device_id": deviceID, "event": event},
		fields, at)
}

func frameStatsPoint(deviceID string, frames int, bytes int64, at time.Time) *write.Point {
	return write.NewPoint(MeasurementFrames,
		map[string]string{"device_id": deviceID},
		map[string]any{"frames": frames, "bytes": bytes},
		at)
}

func commandPoint(deviceID, name, state string, latency time.Duration, at time.Time) *write.Point {
	return write.NewPoint(MeasurementCommand,
		map[string]string{"device_id": deviceID, "command": name, "state": state},
		map[string]any{"latency_ms": float64(latency) / float64(time.Millisecond)},
		at)
}

func viewerEventPoint(deviceID, event, reason string, at time.Time) *write.Point {
	fields := map[string]any{"count": 1}
	if reason != "" {
		fields["reason"] = reason
	}
	return write.NewPoint(MeasurementViewer,
		map[string]string{"device_id": deviceID, "event": event},
		fields, at)
}
