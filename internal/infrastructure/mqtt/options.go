package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"net"
	"net/url"
	"strconv"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/camrelay/internal/infrastructure/config"
)

const (
	connectTimeout = 10 * time.Second
	// opTimeout bounds publish, subscribe and unsubscribe acknowledgements.
	opTimeout     = 5 * time.Second
	quiesceMillis = 1000
	keepAlive     = 60 * time.Second
	maxQoS        = 2
	minTLS        = tls.VersionTLS12
)

// Presence values carried in StatusMessage.Status.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// StatusMessage is the retained JSON body on relay and device status topics.
type StatusMessage struct {
	Status    string    `json:"status"`
	ClientID  string    `json:"client_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func NewStatusMessage(status, clientID, reason string) StatusMessage {
	return StatusMessage{Status: status, ClientID: clientID, Reason: reason, Timestamp: time.Now().UTC()}
}

// Bytes returns the JSON encoding of m.
func (m StatusMessage) Bytes() []byte {
	b, _ := json.Marshal(m) //nolint:errcheck // strings and a time.Time always encode
	return b
}

func brokerURL(b config.MQTTBrokerConfig) *url.URL {
	u := &url.URL{Scheme: "tcp", Host: net.JoinHostPort(b.Host, strconv.Itoa(b.Port))}
	if b.TLS {
		u.Scheme = "ssl"
	}
	return u
}

// clientOptions maps the relay's MQTT config onto paho. Sessions are clean:
// everything the relay publishes is retained, and subscriptions are
// restored by the client itself on reconnect.
func clientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions().
		AddBroker(brokerURL(cfg.Broker).String()).
		SetClientID(cfg.Broker.ClientID).
		SetCleanSession(true).
		SetKeepAlive(keepAlive).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(time.Duration(cfg.Reconnect.InitialDelay) * time.Second).
		SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second)

	if user := cfg.Auth.Username; user != "" {
		opts.SetUsername(user).SetPassword(cfg.Auth.Password)
	}
	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: minTLS})
	}
	return opts
}

// withWill registers a retained offline status on the system topic that
// the broker publishes if the relay drops without a clean disconnect.
func withWill(opts *pahomqtt.ClientOptions, clientID string) *pahomqtt.ClientOptions {
	payload := NewStatusMessage(StatusOffline, clientID, "unexpected_disconnect").Bytes()
	return opts.SetBinaryWill(Topics{}.SystemStatus(), payload, 1, true)
}
