// Package mqtt connects camrelay to an MQTT broker.
//
// The relay uses MQTT for side channels only; frames never cross it:
//   - retained relay status on camrelay/system/status, with a Last Will
//   - retained device presence on camrelay/device/{id}/status
//   - inbound commands on camrelay/device/{id}/command
//   - email requests on camrelay/notify/email for an external mailer bridge
//
// The client reconnects with backoff and restores its subscriptions.
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.PublishJSON(mqtt.Topics{}.DeviceStatus("cam1"),
//	    mqtt.NewStatusMessage(mqtt.StatusOnline, "cam1", ""), true)
package mqtt
