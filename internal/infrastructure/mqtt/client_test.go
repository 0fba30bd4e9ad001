package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/lockgate-core/internal/infrastructure/config"
)

const testBrokerAddr = "127.0.0.1:1883"

var (
	brokerOnce sync.Once
	brokerUp   bool
)

// testConfig returns a valid MQTT configuration for testing.
func testConfig(clientID string) config.MQTTConfig {
	return config.MQTTConfig{
		Enabled: true,
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: clientID,
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

// connectOrSkip connects to the local broker, skipping the test when
// none is listening.
func connectOrSkip(t *testing.T, clientID string) *Client {
	t.Helper()
	brokerOnce.Do(func() {
		conn, err := net.DialTimeout("tcp", testBrokerAddr, 500*time.Millisecond)
		if err == nil {
			brokerUp = true
			conn.Close()
		}
	})
	if !brokerUp {
		t.Skipf("no MQTT broker at %s", testBrokerAddr)
	}

	client, err := Connect(testConfig(clientID), Identity{SiteID: "test-site", Version: "test"})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// =============================================================================
// Offline Tests
// =============================================================================

func TestCloseNil(t *testing.T) {
	client := &Client{}
	if err := client.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v, want nil", err)
	}
}

func TestPublishValidation(t *testing.T) {
	client := &Client{subscriptions: make(map[string]subscription)}

	tests := []struct {
		name    string
		topic   string
		qos     byte
		payload []byte
		wantErr error
	}{
		{name: "empty topic", topic: "", qos: 1, wantErr: ErrInvalidTopic},
		{name: "invalid QoS", topic: "lockgate/test", qos: 3, wantErr: ErrInvalidQoS},
		{name: "oversize payload", topic: "lockgate/test", qos: 1, payload: make([]byte, maxPayloadSize+1), wantErr: ErrPayloadTooLarge},
		{name: "not connected", topic: "lockgate/test", qos: 1, payload: []byte("{}"), wantErr: ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.Publish(tt.topic, tt.payload, tt.qos, false)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSubscribeValidation(t *testing.T) {
	client := &Client{subscriptions: make(map[string]subscription)}
	handler := func(string, []byte) error { return nil }

	if err := client.Subscribe("", 1, handler); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty topic error = %v", err)
	}
	if err := client.Subscribe("lockgate/#", 3, handler); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("invalid QoS error = %v", err)
	}
	if err := client.Subscribe("lockgate/#", 1, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("nil handler error = %v", err)
	}
	if err := client.Unsubscribe(""); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Unsubscribe empty topic error = %v", err)
	}
	if client.SubscriptionCount() != 0 || client.HasSubscription("lockgate/#") {
		t.Error("rejected subscriptions were tracked")
	}
}

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig("lockgate-opts")
	cfg.Broker.TLS = true
	cfg.Auth = config.MQTTAuthConfig{Username: "fleet", Password: "secret"}

	opts := buildClientOptions(cfg)

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "ssl://127.0.0.1:1883" {
		t.Errorf("Servers = %v, want ssl://127.0.0.1:1883", opts.Servers)
	}
	if opts.ClientID != "lockgate-opts" {
		t.Errorf("ClientID = %q", opts.ClientID)
	}
	if opts.Username != "fleet" || opts.Password != "secret" {
		t.Errorf("credentials = %q/%q", opts.Username, opts.Password)
	}
	if opts.TLSConfig == nil || opts.TLSConfig.MinVersion != tlsMinVersion {
		t.Error("TLS not configured")
	}
	if !opts.AutoReconnect || opts.MaxReconnectInterval != 5*time.Second {
		t.Errorf("reconnect = %v/%v", opts.AutoReconnect, opts.MaxReconnectInterval)
	}
}

func TestConfigureLWT(t *testing.T) {
	opts := buildClientOptions(testConfig("lockgate-lwt"))
	configureLWT(opts, "lockgate-lwt", Identity{SiteID: "depot-3", Version: "1.4.0"})

	if !opts.WillEnabled || opts.WillTopic != "lockgate/system/status" || !opts.WillRetained || opts.WillQos != 1 {
		t.Errorf("will = %v %q retained=%v qos=%d", opts.WillEnabled, opts.WillTopic, opts.WillRetained, opts.WillQos)
	}

	var will StatusMessage
	if err := json.Unmarshal(opts.WillPayload, &will); err != nil {
		t.Fatalf("will payload is not JSON: %v", err)
	}
	want := StatusMessage{Status: StatusOffline, ClientID: "lockgate-lwt", SiteID: "depot-3", Version: "1.4.0", Reason: ReasonUnexpectedDisconnect}
	will.Timestamp = ""
	if will != want {
		t.Errorf("will = %+v, want %+v", will, want)
	}
}

func TestStatusPayload(t *testing.T) {
	tests := []struct {
		name       string
		status     string
		reason     string
		id         Identity
		wantFields []string
		omitFields []string
	}{
		{
			name: "online", status: StatusOnline, id: Identity{SiteID: "depot-3", Version: "1.4.0"},
			wantFields: []string{"status", "client_id", "site_id", "version", "timestamp"},
			omitFields: []string{"reason"},
		},
		{
			name: "graceful offline", status: StatusOffline, reason: ReasonGracefulShutdown,
			wantFields: []string{"status", "client_id", "reason", "timestamp"},
			omitFields: []string{"site_id", "version"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg map[string]string
			if err := json.Unmarshal(statusPayload(tt.status, tt.reason, "lockgate", tt.id), &msg); err != nil {
				t.Fatalf("payload is not JSON: %v", err)
			}
			if msg["status"] != tt.status || msg["client_id"] != "lockgate" || msg["reason"] != tt.reason {
				t.Errorf("payload = %v", msg)
			}
			for _, f := range tt.wantFields {
				if _, ok := msg[f]; !ok {
					t.Errorf("payload missing %q: %v", f, msg)
				}
			}
			for _, f := range tt.omitFields {
				if _, ok := msg[f]; ok {
					t.Errorf("payload has unexpected %q: %v", f, msg)
				}
			}
			if _, err := time.Parse(time.RFC3339, msg["timestamp"]); err != nil {
				t.Errorf("timestamp %q: %v", msg["timestamp"], err)
			}
		})
	}
}

func TestStatsOffline(t *testing.T) {
	client := &Client{subscriptions: make(map[string]subscription)}
	_ = client.Publish("lockgate/test", []byte("{}"), 1, false)
	client.handleReconnecting()
	client.handleReconnecting()

	got := client.Stats()
	want := Stats{PublishErrors: 1, Reconnects: 2}
	if got != want {
		t.Errorf("Stats() = %+v, want %+v", got, want)
	}
}

func TestHandleReconnectingLogs(t *testing.T) {
	log := &recordingLogger{}
	client := &Client{cfg: testConfig("lockgate-reconnect")}
	client.SetLogger(log)
	client.handleReconnecting()

	log.mu.Lock()
	defer log.mu.Unlock()
	if len(log.warns) != 1 || log.warns[0] != "MQTT reconnecting" {
		t.Errorf("warns = %v", log.warns)
	}
}

func TestConnectionCallbacks(t *testing.T) {
	client := &Client{}
	var lost error
	client.SetOnDisconnect(func(err error) { lost = err })

	client.setConnected(true)
	client.handleDisconnect(errors.New("broker gone"))

	if lost == nil || lost.Error() != "broker gone" {
		t.Errorf("disconnect callback got %v", lost)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after disconnect")
	}
}

func TestSystemStatusTopic(t *testing.T) {
	if got := (Topics{}).SystemStatus(); got != "lockgate/system/status" {
		t.Errorf("SystemStatus() = %q, want %q", got, "lockgate/system/status")
	}
}

func TestWrapHandlerRecoversPanic(t *testing.T) {
	log := &recordingLogger{}
	client := &Client{}
	client.SetLogger(log)

	wrapped := client.wrapHandler(func(string, []byte) error { panic("boom") })
	wrapped(nil, fakeMessage{topic: "lockgate/command/omni/1"})

	wrapped = client.wrapHandler(func(string, []byte) error { return errors.New("bad payload") })
	wrapped(nil, fakeMessage{topic: "lockgate/command/omni/1"})

	log.mu.Lock()
	defer log.mu.Unlock()
	if len(log.errors) != 1 || len(log.warns) != 1 {
		t.Errorf("errors = %v, warns = %v", log.errors, log.warns)
	}
	if st := client.Stats(); st.Received != 2 || st.HandlerErrors != 2 {
		t.Errorf("Stats() = %+v, want 2 received, 2 handler errors", st)
	}
}

// =============================================================================
// Broker Tests
// =============================================================================

func TestConnectAndHealthCheck(t *testing.T) {
	client := connectOrSkip(t, "lockgate-test-health")

	if !client.IsConnected() {
		t.Error("IsConnected() = false, want true")
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v, want nil", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := client.HealthCheck(ctx); err == nil {
		t.Error("HealthCheck() expected error for cancelled context")
	}

	client.Close()
	if err := client.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() after Close error = %v, want ErrNotConnected", err)
	}
}

func TestPublishSubscribeRoundtrip(t *testing.T) {
	client := connectOrSkip(t, "lockgate-test-roundtrip")

	received := make(chan string, 1)
	pattern := "lockgate/test/roundtrip/+"
	err := client.Subscribe(pattern, 1, func(topic string, payload []byte) error {
		received <- topic + " " + string(payload)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if !client.HasSubscription(pattern) || client.SubscriptionCount() != 1 {
		t.Error("subscription not tracked")
	}

	if err := client.Publish("lockgate/test/roundtrip/lock-1", []byte(`{"action":"lock"}`), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case got := <-received:
		if !strings.HasPrefix(got, "lockgate/test/roundtrip/lock-1 ") {
			t.Errorf("received %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message not received")
	}

	if st := client.Stats(); !st.Connected || st.Published == 0 || st.Received == 0 {
		t.Errorf("Stats() = %+v after roundtrip", st)
	}

	if err := client.Unsubscribe(pattern); err != nil {
		t.Errorf("Unsubscribe() error = %v", err)
	}
	if client.HasSubscription(pattern) {
		t.Error("subscription still tracked after Unsubscribe")
	}
}

func TestPublishRetained(t *testing.T) {
	client := connectOrSkip(t, "lockgate-test-retained")

	topic := TopicPrefixBridge + "/state/test/retained"
	if err := client.Publish(topic, []byte(`{"online":true}`), 1, true); err != nil {
		t.Errorf("Publish(retained) error = %v", err)
	}
	// Clear the retained message.
	_ = client.Publish(topic, nil, 1, true)
}

// =============================================================================
// Helpers
// =============================================================================

type recordingLogger struct {
	mu     sync.Mutex
	errors []string
	warns  []string
}

func (l *recordingLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	l.errors = append(l.errors, msg)
	l.mu.Unlock()
}

func (l *recordingLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}

// fakeMessage implements pahomqtt.Message for handler tests.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}
