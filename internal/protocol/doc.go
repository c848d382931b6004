// Package protocol encodes and decodes the camera device wire protocol.
//
// A device holds one WebSocket to the relay. Text messages are JSON control
// messages; binary messages carry media.
//
// Control (device to relay):
//
//	{"type":"hello","device_id":"cam1","tokens":true,"firmware":"1.4.2"}
//	{"type":"pong"}
//	{"type":"status","state":"streaming"}
//	{"type":"error","token":"<token>","message":"sensor busy"}
//
// Commands (relay to device):
//
//	{"type":"command","name":"capture","token":"<token>"}
//
// Binary messages start with a kind byte. 0x01 is followed by a media
// payload; 0x02 is followed by a msgpack map {"t": token, "p": payload}
// answering a capture command. Devices that predate tagging send bare JPEG
// (first byte 0xFF), which is treated as an untagged media unit.
package protocol
