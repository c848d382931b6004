// Package relay is the connection-relay and fan-out core of camrelay.
//
// A camera device holds one outbound connection to the relay. The relay
// keeps exactly one registered connection per device identity, caches the
// device's latest frame, fans every frame out to any number of viewers,
// turns the push-only device into a request/response capture primitive and
// evicts connections that stop answering heartbeats.
//
// # Components
//
//   - Registry: device identity to its single active Conn; latest wins.
//   - FrameCache: one immutable Frame per device, lock-free reads.
//   - Broadcaster: per-device subscriber sets, one bounded queue and
//     goroutine per viewer so a slow viewer never stalls the device.
//   - Correlator: pending commands keyed by correlation token, resolved
//     exactly once by a response, a deadline timer or a transport failure.
//   - Supervisor: periodic heartbeat sweep.
//
// Relay wires them together and is what the HTTP front door calls.
//
// # Concurrency
//
// Every structure is keyed by device identity and locked only around map
// access. No lock is held across network I/O.
package relay
