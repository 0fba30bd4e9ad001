package mqtt

import (
	"crypto/tls"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/lockgate-core/internal/infrastructure/config"
)

const (
	defaultConnectTimeout = 10 * time.Second

	// defaultPublishTimeout bounds every wait for a broker acknowledgement:
	// publish, subscribe and unsubscribe.
	defaultPublishTimeout = 5 * time.Second

	defaultDisconnectQuiesce = 1000 // milliseconds
	defaultKeepAlive         = 60 * time.Second

	maxQoS        = 2
	tlsMinVersion = tls.VersionTLS12

	// maxPayloadSize caps outgoing messages. Lock events and state
	// documents are a few hundred bytes.
	maxPayloadSize = 1 << 20
)

// brokerURL returns the paho server URL for the configured broker.
func brokerURL(b config.MQTTBrokerConfig) string {
	scheme := "tcp"
	if b.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, b.Host, b.Port)
}

// buildClientOptions maps the mqtt config section onto paho options.
//
// Sessions are clean: the broker keeps no state for Lockgate between
// connections, so Client replays its own subscriptions on reconnect.
// Reconnects back off from reconnect.initial_delay up to
// reconnect.max_delay.
func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions().
		AddBroker(brokerURL(cfg.Broker)).
		SetClientID(cfg.Broker.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(time.Duration(cfg.Reconnect.InitialDelay) * time.Second).
		SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second).
		SetConnectTimeout(defaultConnectTimeout).
		SetKeepAlive(defaultKeepAlive)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}
	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}

	return opts
}

// configureLWT arms the Last Will: an offline StatusMessage with reason
// unexpected_disconnect, retained on the system status topic. Its
// timestamp is the connect time, the moment the will was registered.
func configureLWT(opts *pahomqtt.ClientOptions, clientID string, id Identity) {
	will := statusPayload(StatusOffline, ReasonUnexpectedDisconnect, clientID, id)
	opts.SetBinaryWill(Topics{}.SystemStatus(), will, 1, true)
}
