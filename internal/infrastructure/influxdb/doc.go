// Package influxdb records relay telemetry in InfluxDB v2.
//
// Points are written through the client library's non-blocking batched
// write API (batch_size, flush_interval in config.yaml); asynchronous
// write failures are reported through SetOnError.
//
// Measurements:
//   - device_connection: connects and disconnects, tagged by reason
//   - device_frames: frames and bytes per device per sample interval
//   - device_command: correlated command outcomes and latency
//   - viewer_session: viewers joining and leaving
//
// Usage:
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	client.WriteDeviceEvent("cam1", "connected", "")
package influxdb
