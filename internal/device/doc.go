// Package device keeps the durable side of camera devices: their directory
// records, identity validation and presence.
//
// A device record lives at devices/{id} in the directory and carries the
// registered email, whether the device has completed an OTP round, whether
// a start request is waiting for its next connection, and the last
// observed presence:
//
//	{"email": "...", "verified": true, "pending_start": false,
//	 "online": true, "last_seen": "2026-03-01T12:00:00Z", "firmware": "1.4.2"}
//
// Components:
//
//   - Store reads and writes records and implements relay.StartQueue.
//   - Catalog watches the devices/ prefix and keeps the set of known
//     identities in memory.
//   - Presence is a relay.Observer that mirrors connect and disconnect
//     events into the records and onto retained MQTT status topics.
//   - CommandHandler turns inbound MQTT command messages into relay calls.
package device
