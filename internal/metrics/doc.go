// Package metrics exports relay activity.
//
// Prometheus holds counters, gauges and histograms on its own registry and
// serves them at /metrics. Telemetry forwards connection, command and
// viewer events to InfluxDB and batches per-device frame counts into one
// point per flush interval.
//
// Both types implement relay.Observer and can be combined with
// relay.Observers.
package metrics
