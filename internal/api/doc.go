// Package api implements camrelay's front door: the HTTP API, the device
// WebSocket transport and the viewer streams.
//
// This package provides:
//   - Device transport at /ws/device: a camera connects outbound, says hello,
//     then pushes media and answers commands over one WebSocket
//   - Viewer endpoints: MJPEG over multipart/x-mixed-replace and binary
//     WebSocket frames, both fed by the relay's broadcaster
//   - One-shot capture, latest frame, commands and start requests
//   - Device registration, OTP login and session cookies backed by the
//     session gate
//   - Middleware stack (request ID, logging, recovery, CORS, metrics)
//
// # Security
//
// Every /devices/{id} route passes the session gate on every request and
// only accepts sessions issued for that device. Credentials come from the
// camrelay_session cookie or an Authorization: Bearer header. The device
// transport is not authenticated; devices assert their own identity.
//
// # Graceful Degradation
//
// The server operates without MQTT or InfluxDB. Only notification delivery
// depends on a configured sender.
package api
