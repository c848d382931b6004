// Package config loads the relay configuration.
//
// Load applies, in order: built-in defaults, the YAML file, CAMRELAY_*
// environment variables, then Validate. Validate reports every problem at
// once rather than stopping at the first.
//
// Secrets belong in the environment: CAMRELAY_JWT_SECRET (required, at
// least 32 characters), CAMRELAY_MQTT_PASSWORD and CAMRELAY_INFLUXDB_TOKEN.
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    return err
//	}
//	r := relay.New(relay.Options{HeartbeatInterval: cfg.Relay.HeartbeatInterval})
package config
