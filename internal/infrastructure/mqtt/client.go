package mqtt

import (
	"context"
	"fmt"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/lockgate-core/internal/infrastructure/config"
)

// Client is Lockgate's broker session.
//
// It announces the instance on lockgate/system/status (retained, with a
// Last Will for crashes), re-subscribes the lock command topics after
// every reconnect and counts traffic for the system metrics endpoint.
//
// All methods are safe for concurrent use.
type Client struct {
	client   pahomqtt.Client
	cfg      config.MQTTConfig
	identity Identity
	counters counters

	// subscriptions are replayed after each reconnect; the broker session
	// is clean so it forgets them.
	subscriptions map[string]subscription
	subMu         sync.RWMutex

	connected bool
	connMu    sync.RWMutex

	onConnect    func()
	onDisconnect func(err error)
	callbackMu   sync.RWMutex

	logger   Logger
	loggerMu sync.RWMutex
}

// Logger is the optional logging interface. *logging.Logger satisfies it.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

type subscription struct {
	topic   string
	qos     byte
	handler MessageHandler
}

// MessageHandler receives a message delivered on a subscribed topic.
//
// paho invokes handlers on its own goroutines; a slow handler delays
// delivery of later messages on the same session. A returned error is
// logged and counted, the message is still acknowledged.
type MessageHandler func(topic string, payload []byte) error

// Connect opens the broker session described by cfg and announces id as
// online.
//
// The Last Will is armed before the connection is made, so a crash at any
// point afterwards leaves an offline status with reason
// unexpected_disconnect on the status topic.
//
// Parameters:
//   - cfg: mqtt section of config.yaml
//   - id: site and build reported in status announcements
//
// Returns:
//   - *Client: connected client
//   - error: ErrConnectionFailed if the broker is unreachable within the timeout
func Connect(cfg config.MQTTConfig, id Identity) (*Client, error) {
	c := &Client{
		cfg:           cfg,
		identity:      id,
		subscriptions: make(map[string]subscription),
	}

	opts := buildClientOptions(cfg)
	configureLWT(opts, cfg.Broker.ClientID, id)
	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		c.handleConnect()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.handleDisconnect(err)
	})
	opts.SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
		c.handleReconnecting()
	})

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// The OnConnect handler runs asynchronously and may not have fired yet.
	c.setConnected(true)

	return c, nil
}

func (c *Client) setConnected(v bool) {
	c.connMu.Lock()
	c.connected = v
	c.connMu.Unlock()
}

// handleConnect runs on the initial connect and on every reconnect.
func (c *Client) handleConnect() {
	c.setConnected(true)
	c.restoreSubscriptions()
	c.announce(StatusOnline, "")

	c.callbackMu.RLock()
	callback := c.onConnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback()
	}
}

func (c *Client) handleDisconnect(err error) {
	c.setConnected(false)

	c.callbackMu.RLock()
	callback := c.onDisconnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback(err)
	}
}

func (c *Client) handleReconnecting() {
	attempt := c.counters.reconnects.Add(1)
	if logger := c.getLogger(); logger != nil {
		logger.Warn("MQTT reconnecting",
			"broker", fmt.Sprintf("%s:%d", c.cfg.Broker.Host, c.cfg.Broker.Port),
			"attempt", attempt,
		)
	}
}

// restoreSubscriptions replays tracked subscriptions on a fresh session.
// A failed topic stays tracked and is retried on the next reconnect.
func (c *Client) restoreSubscriptions() {
	c.subMu.RLock()
	subs := make([]subscription, 0, len(c.subscriptions))
	for _, sub := range c.subscriptions {
		subs = append(subs, sub)
	}
	c.subMu.RUnlock()

	for _, sub := range subs {
		if err := waitToken(c.client.Subscribe(sub.topic, sub.qos, c.wrapHandler(sub.handler))); err != nil {
			if logger := c.getLogger(); logger != nil {
				logger.Error("MQTT re-subscribe failed", "topic", sub.topic, "error", err)
			}
		}
	}
}

// announce publishes a retained status message without waiting for the
// broker acknowledgement.
func (c *Client) announce(status, reason string) pahomqtt.Token {
	payload := statusPayload(status, reason, c.cfg.Broker.ClientID, c.identity)
	return c.client.Publish(Topics{}.SystemStatus(), byte(c.cfg.QoS), true, payload)
}

// Close announces a graceful shutdown, then disconnects. Pending
// publishes get defaultDisconnectQuiesce to drain.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}

	if c.IsConnected() {
		c.announce(StatusOffline, ReasonGracefulShutdown).WaitTimeout(defaultPublishTimeout)
	}

	c.client.Disconnect(defaultDisconnectQuiesce)
	c.setConnected(false)

	return nil
}

// HealthCheck reports ErrNotConnected while the session is down.
func (c *Client) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("mqtt health check: %w", ctx.Err())
	default:
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected returns the last known connection state.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected && c.client != nil && c.client.IsConnected()
}

// SetOnConnect sets a callback invoked after the initial connect and every
// reconnect, once subscriptions have been restored.
func (c *Client) SetOnConnect(callback func()) {
	c.callbackMu.Lock()
	c.onConnect = callback
	c.callbackMu.Unlock()
}

// SetOnDisconnect sets a callback invoked when the session is lost.
func (c *Client) SetOnDisconnect(callback func(err error)) {
	c.callbackMu.Lock()
	c.onDisconnect = callback
	c.callbackMu.Unlock()
}

// SetLogger enables logging of reconnects, re-subscribe failures and
// handler errors.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

// wrapHandler adapts a MessageHandler to paho. It counts deliveries and
// recovers handler panics.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		c.counters.received.Add(1)
		defer func() {
			if r := recover(); r != nil {
				c.counters.handlerErrors.Add(1)
				if logger := c.getLogger(); logger != nil {
					logger.Error("MQTT handler panic recovered", "topic", msg.Topic(), "panic", r)
				}
			}
		}()

		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.counters.handlerErrors.Add(1)
			if logger := c.getLogger(); logger != nil {
				logger.Warn("MQTT handler returned error", "topic", msg.Topic(), "error", err)
			}
		}
	}
}
