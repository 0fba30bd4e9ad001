package omni

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MQTT topic layout: lockgate/{category}/omni/{address}.
const (
	topicPrefix   = "lockgate"
	topicProtocol = "omni"

	// defaultHealthInterval is how often bridge health is published.
	defaultHealthInterval = 30 * time.Second

	// mqttQoS is used for every publish and subscription.
	mqttQoS = 1
)

// StateTopic returns the retained status topic for a lock.
//
// Example: lockgate/state/omni/860000000000001
func StateTopic(imei string) string {
	return fmt.Sprintf("%s/state/%s/%s", topicPrefix, topicProtocol, imei)
}

// EventTopic returns the topic for lock events of one type.
//
// Example: lockgate/event/omni/lock.connected
func EventTopic(t EventType) string {
	return fmt.Sprintf("%s/event/%s/%s", topicPrefix, topicProtocol, t)
}

// CommandTopic returns the topic operators publish lock commands on.
//
// Example: lockgate/command/omni/860000000000001
func CommandTopic(imei string) string {
	return fmt.Sprintf("%s/command/%s/%s", topicPrefix, topicProtocol, imei)
}

// CommandSubscribeTopic returns the wildcard the bridge subscribes to.
func CommandSubscribeTopic() string {
	return CommandTopic("+")
}

// ResponseTopic returns the topic a command's outcome is published on.
//
// Example: lockgate/response/omni/req-1a2b3c4d
func ResponseTopic(requestID string) string {
	return fmt.Sprintf("%s/response/%s/%s", topicPrefix, topicProtocol, requestID)
}

// HealthTopic returns the retained bridge health topic.
func HealthTopic() string {
	return fmt.Sprintf("%s/health/%s", topicPrefix, topicProtocol)
}

// MQTTClient is the subset of MQTT operations the bridge needs.
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error

	// Unsubscribe removes the handler for a topic pattern.
	Unsubscribe(topic string) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool
}

// LockController is what the MQTT bridge drives. *Server satisfies it.
type LockController interface {
	ConnectionForIMEI(imei string) (string, error)
	UnlockAs(ctx context.Context, id string, resetTime bool, userID string) (Result, error)
	Lock(ctx context.Context, id string) (Result, error)
	GetStatus(ctx context.Context, id string) (Result, error)
	Stats() Stats
}

// CommandMessage is an operator command received over MQTT.
// Topic: lockgate/command/omni/{imei}
type CommandMessage struct {
	// RequestID correlates the response. Generated when empty.
	RequestID string `json:"request_id"`

	// Action is one of "unlock", "lock", "status".
	Action string `json:"action"`

	// ResetTime applies to unlock. Default: true.
	ResetTime *bool `json:"reset_time,omitempty"`

	// UserID applies to unlock. Default: "0".
	UserID string `json:"user_id,omitempty"`
}

// Command actions.
const (
	ActionUnlock = "unlock"
	ActionLock   = "lock"
	ActionStatus = "status"
)

// ResponseMessage reports the outcome of an MQTT command.
// Topic: lockgate/response/omni/{request_id}
type ResponseMessage struct {
	RequestID string         `json:"request_id"`
	IMEI      string         `json:"imei"`
	Action    string         `json:"action"`
	Status    string         `json:"status"`
	Result    *Result        `json:"result,omitempty"`
	Error     *ResponseError `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ResponseError carries a machine-readable failure.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Response statuses.
const (
	ResponseOK      = "ok"
	ResponseFailed  = "failed"
	ResponseErrored = "error"
)

// Error codes for command failures.
const (
	ErrCodeUnknownLock    = "UNKNOWN_LOCK"
	ErrCodeBusy           = "BUSY"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeConnectionLost = "CONNECTION_LOST"
	ErrCodeInvalidCommand = "INVALID_COMMAND"
	ErrCodeInternal       = "INTERNAL"
)

// errorCode maps a command error to its wire code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnknownLock), errors.Is(err, ErrNotFound):
		return ErrCodeUnknownLock
	case errors.Is(err, ErrCommandInFlight):
		return ErrCodeBusy
	case errors.Is(err, ErrTimeout):
		return ErrCodeTimeout
	case errors.Is(err, ErrConnectionLost):
		return ErrCodeConnectionLost
	default:
		return ErrCodeInternal
	}
}

// StateMessage is the retained status of a lock.
// Topic: lockgate/state/omni/{imei}
type StateMessage struct {
	IMEI         string    `json:"imei"`
	ConnectionID string    `json:"connection_id"`
	Online       bool      `json:"online"`
	Status       *Status   `json:"status,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// HealthMessage is the retained bridge health report.
// Topic: lockgate/health/omni
type HealthMessage struct {
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
	UptimeSec int64     `json:"uptime_seconds"`
	Stats     Stats     `json:"stats"`
}

// Health statuses.
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthStopping = "stopping"
)

// MQTTBridgeOptions holds configuration for creating an MQTT bridge.
type MQTTBridgeOptions struct {
	// Client is the MQTT client implementation.
	Client MQTTClient

	// Locks executes commands. Usually the *Server.
	Locks LockController

	// Version is reported in health messages.
	Version string

	// HealthInterval is how often health is published. Default: 30 seconds.
	HealthInterval time.Duration

	// CommandTimeout bounds each MQTT-initiated command on top of the
	// dispatcher's own timeout. Zero leaves only the dispatcher's.
	CommandTimeout time.Duration

	// Logger is optional structured logger.
	Logger Logger
}

// MQTTBridge publishes lock events to MQTT and executes lock commands
// received from it. It is an EventSink.
//
// Thread Safety: All methods are safe for concurrent use.
type MQTTBridge struct {
	client         MQTTClient
	locks          LockController
	version        string
	healthInterval time.Duration
	commandTimeout time.Duration
	logger         Logger
	startTime      time.Time

	ctx       context.Context
	ctxCancel context.CancelFunc
	mu        sync.Mutex
	stopped   bool
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

// NewMQTTBridge creates an MQTT bridge. Call Start to subscribe.
func NewMQTTBridge(opts MQTTBridgeOptions) (*MQTTBridge, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Locks == nil {
		return nil, fmt.Errorf("lock controller is required")
	}

	interval := opts.HealthInterval
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &MQTTBridge{
		client:         opts.Client,
		locks:          opts.Locks,
		version:        opts.Version,
		healthInterval: interval,
		commandTimeout: opts.CommandTimeout,
		logger:         logger,
		startTime:      time.Now(),
		ctx:            ctx,
		ctxCancel:      cancel,
	}, nil
}

// Start subscribes to command topics and begins health reporting.
func (b *MQTTBridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return ErrServerStopped
	}

	topic := CommandSubscribeTopic()
	if err := b.client.Subscribe(topic, mqttQoS, b.handleCommandMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logger.Info("subscribed to lock commands", "topic", topic)

	b.wg.Add(1)
	go b.healthLoop(ctx)
	return nil
}

// Stop stops taking commands, cancels in-flight ones, waits for them and
// publishes a final stopping status. Safe to call multiple times.
func (b *MQTTBridge) Stop() {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.stopped = true
		b.mu.Unlock()

		if err := b.client.Unsubscribe(CommandSubscribeTopic()); err != nil {
			b.logger.Warn("unsubscribe from commands failed", "error", err)
		}

		b.ctxCancel()
		b.wg.Wait()
		//nolint:errcheck // best-effort during shutdown
		b.publishHealth(HealthStopping, "bridge stopping")
	})
}

// HandleEvent implements EventSink.
func (b *MQTTBridge) HandleEvent(e Event) {
	if !b.client.IsConnected() {
		return
	}

	payload, err := json.Marshal(e)
	if err != nil {
		b.logger.Error("failed to marshal event", "type", e.Type, "error", err)
		return
	}
	if err := b.client.Publish(EventTopic(e.Type), payload, mqttQoS, false); err != nil {
		b.logger.Warn("failed to publish event", "type", e.Type, "error", err)
	}

	if e.IMEI == "" {
		return
	}
	if e.Type == EventDisconnected && b.heldElsewhere(e.IMEI, e.ConnectionID) {
		return
	}
	switch e.Type {
	case EventIdentified, EventTelemetry, EventDisconnected:
		b.publishState(StateMessage{
			IMEI:         e.IMEI,
			ConnectionID: e.ConnectionID,
			Online:       e.Type != EventDisconnected,
			Status:       e.Status,
			Timestamp:    e.Timestamp,
		})
	}
}

// heldElsewhere reports whether another open connection is bound to imei,
// in which case the retained state must stay online.
func (b *MQTTBridge) heldElsewhere(imei, connectionID string) bool {
	id, err := b.locks.ConnectionForIMEI(imei)
	return err == nil && id != connectionID
}

func (b *MQTTBridge) publishState(msg StateMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("failed to marshal state", "imei", msg.IMEI, "error", err)
		return
	}
	if err := b.client.Publish(StateTopic(msg.IMEI), payload, mqttQoS, true); err != nil {
		b.logger.Warn("failed to publish state", "imei", msg.IMEI, "error", err)
	}
}

// handleCommandMessage parses a command and executes it off the MQTT
// client's goroutine; commands can block until the lock answers.
func (b *MQTTBridge) handleCommandMessage(topic string, payload []byte) {
	imei := topic[strings.LastIndex(topic, "/")+1:]

	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logger.Warn("failed to parse lock command", "topic", topic, "error", err)
		return
	}
	if cmd.RequestID == "" {
		cmd.RequestID = "req-" + uuid.NewString()[:8]
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.publishResponse(b.execute(imei, cmd))
	}()
}

// execute runs one MQTT command and builds its response.
func (b *MQTTBridge) execute(imei string, cmd CommandMessage) ResponseMessage {
	resp := ResponseMessage{
		RequestID: cmd.RequestID,
		IMEI:      imei,
		Action:    cmd.Action,
	}

	b.logger.Info("received lock command", "request_id", cmd.RequestID, "imei", imei, "action", cmd.Action)

	id, err := b.locks.ConnectionForIMEI(imei)
	if err != nil {
		return withError(resp, ErrCodeUnknownLock, err)
	}

	ctx := WithOrigin(b.ctx, Origin{Source: SourceMQTT, UserID: cmd.UserID})
	if b.commandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.commandTimeout)
		defer cancel()
	}

	var result Result
	switch cmd.Action {
	case ActionUnlock:
		reset := true
		if cmd.ResetTime != nil {
			reset = *cmd.ResetTime
		}
		result, err = b.locks.UnlockAs(ctx, id, reset, cmd.UserID)
	case ActionLock:
		result, err = b.locks.Lock(ctx, id)
	case ActionStatus:
		result, err = b.locks.GetStatus(ctx, id)
	default:
		return withError(resp, ErrCodeInvalidCommand, fmt.Errorf("unknown action %q", cmd.Action))
	}
	if err != nil {
		return withError(resp, errorCode(err), err)
	}

	resp.Result = &result
	if result.Success {
		resp.Status = ResponseOK
	} else {
		resp.Status = ResponseFailed
	}
	return resp
}

func withError(resp ResponseMessage, code string, err error) ResponseMessage {
	resp.Status = ResponseErrored
	resp.Error = &ResponseError{Code: code, Message: err.Error()}
	return resp
}

func (b *MQTTBridge) publishResponse(resp ResponseMessage) {
	resp.Timestamp = time.Now().UTC()
	payload, err := json.Marshal(resp)
	if err != nil {
		b.logger.Error("failed to marshal response", "request_id", resp.RequestID, "error", err)
		return
	}
	if err := b.client.Publish(ResponseTopic(resp.RequestID), payload, mqttQoS, false); err != nil {
		b.logger.Warn("failed to publish response", "request_id", resp.RequestID, "error", err)
	}
}

// healthLoop publishes bridge health until stopped.
func (b *MQTTBridge) healthLoop(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.healthInterval)
	defer ticker.Stop()

	b.publishCurrentHealth()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.publishCurrentHealth()
		}
	}
}

func (b *MQTTBridge) publishCurrentHealth() {
	status, reason := HealthHealthy, ""
	if !b.locks.Stats().Running {
		status, reason = HealthDegraded, "lock server not running"
	}
	if err := b.publishHealth(status, reason); err != nil {
		b.logger.Warn("failed to publish health", "error", err)
	}
}

func (b *MQTTBridge) publishHealth(status, reason string) error {
	if !b.client.IsConnected() {
		return nil
	}
	msg := HealthMessage{
		Status:    status,
		Reason:    reason,
		Version:   b.version,
		Timestamp: time.Now().UTC(),
		UptimeSec: int64(time.Since(b.startTime).Seconds()),
		Stats:     b.locks.Stats(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.client.Publish(HealthTopic(), payload, mqttQoS, true)
}
