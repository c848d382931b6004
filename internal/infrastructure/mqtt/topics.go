package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every camrelay topic.
//
// Hierarchy:
//
//	camrelay/system/status              relay status (retained, LWT)
//	camrelay/device/{id}/status         device presence (retained)
//	camrelay/device/{id}/command        inbound commands for a device
//	camrelay/notify/email               outbound email requests for the mailer bridge
const TopicPrefix = "camrelay"

// Topics provides builders for camrelay MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.DeviceStatus("cam1") // "camrelay/device/cam1/status"
type Topics struct{}

// SystemStatus returns the relay status topic.
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}

// DeviceStatus returns the presence topic for a device.
func (Topics) DeviceStatus(deviceID string) string {
	return fmt.Sprintf("%s/device/%s/status", TopicPrefix, deviceID)
}

// DeviceCommand returns the topic on which commands for a device arrive.
func (Topics) DeviceCommand(deviceID string) string {
	return fmt.Sprintf("%s/device/%s/command", TopicPrefix, deviceID)
}

// NotifyEmail returns the topic the mailer bridge consumes.
func (Topics) NotifyEmail() string {
	return TopicPrefix + "/notify/email"
}

// AllDeviceCommands matches commands for every device.
//
// Pattern: camrelay/device/+/command
func (Topics) AllDeviceCommands() string {
	return TopicPrefix + "/device/+/command"
}

// AllDeviceStatus matches every device presence topic.
//
// Pattern: camrelay/device/+/status
func (Topics) AllDeviceStatus() string {
	return TopicPrefix + "/device/+/status"
}

// DeviceIDFromTopic extracts the device ID from a camrelay/device/{id}/...
// topic.
func DeviceIDFromTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, TopicPrefix+"/device/")
	if !ok {
		return "", false
	}
	id, _, found := strings.Cut(rest, "/")
	if !found || id == "" {
		return "", false
	}
	return id, true
}
