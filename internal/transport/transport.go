package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"mqtt-go-home/internal/event"
	"mqtt-go-home/internal/registry"
	"mqtt-go-home/internal/store"
)

// ErrNotConnected is returned when a command is issued while the broker
// connection is down. Callers abandon the command; nothing is queued.
var ErrNotConnected = errors.New("mqtt not connected")

// Connection status values as reported by Status and in connection_state
// events.
const (
	StatusDisconnected = "disconnected"
	StatusConnecting   = "connecting"
	StatusConnected    = "connected"
)

const (
	maxReconnectAttempts = 5
	baseReconnectDelay   = time.Second
	maxReconnectDelay    = 30 * time.Second
	connectTimeout       = 10 * time.Second
	publishTimeout       = 5 * time.Second
)

// statusRequestPayload asks the firmware for a full state snapshot.
const statusRequestPayload = "status_request"

// nextBackoff returns the delay before reconnect attempt n (1-based).
// Doubling from two seconds, capped at thirty.
func nextBackoff(attempt int) time.Duration {
	d := baseReconnectDelay << attempt
	if d > maxReconnectDelay {
		return maxReconnectDelay
	}
	return d
}

// Transport owns the MQTT connection to the switch firmware. It publishes
// control messages, mirrors incoming status reports into the registry and
// manages its own reconnect cycle. paho's built-in auto-reconnect is
// disabled; the backoff policy here is capped and gives up after a fixed
// number of attempts.
type Transport struct {
	registry *registry.Registry
	events   *event.Bus
	logger   *slog.Logger

	mu            sync.Mutex
	client        pahomqtt.Client
	cfg           store.MQTTConfig
	status        string
	explicitClose bool
	autoReconnect bool
	attempts      int
	reconnectTmr  *time.Timer
}

// New creates a disconnected transport. Call Connect to establish the
// broker session.
func New(reg *registry.Registry, events *event.Bus, logger *slog.Logger) *Transport {
	return &Transport{
		registry:      reg,
		events:        events,
		logger:        logger.With("component", "transport"),
		status:        StatusDisconnected,
		autoReconnect: true,
	}
}

// SetAutoReconnect toggles the reconnect-on-loss policy at runtime. An
// in-flight backoff timer is left alone; the flag is re-checked when it
// fires.
func (t *Transport) SetAutoReconnect(enabled bool) {
	t.mu.Lock()
	t.autoReconnect = enabled
	t.mu.Unlock()
}

// Status returns the current connection status string.
func (t *Transport) Status() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Connected reports whether the broker session is up.
func (t *Transport) Connected() bool {
	return t.Status() == StatusConnected
}

// Connect establishes a broker session with the given configuration. A
// previous session, if any, is torn down first. The initial attempt failing
// starts the reconnect cycle when auto-reconnect is on.
func (t *Transport) Connect(cfg store.MQTTConfig) error {
	t.mu.Lock()
	if t.client != nil && t.client.IsConnected() {
		t.client.Disconnect(250)
	}
	t.cfg = cfg
	t.explicitClose = false
	t.attempts = 0
	t.client = pahomqtt.NewClient(t.clientOptions(cfg))
	t.mu.Unlock()

	return t.dial()
}

// dial runs one connection attempt against the stored configuration.
func (t *Transport) dial() error {
	t.mu.Lock()
	client := t.client
	broker := t.cfg.BrokerURL()
	changed := t.setStatusLocked(StatusConnecting)
	t.mu.Unlock()
	if changed {
		t.emitStatus(StatusConnecting)
	}

	t.logger.Info("connecting", "broker", broker)

	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		t.connectFailed(fmt.Errorf("connect timeout"))
		return fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		t.connectFailed(err)
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

func (t *Transport) connectFailed(err error) {
	t.logger.Warn("connect failed", "err", err)
	t.mu.Lock()
	changed := t.setStatusLocked(StatusDisconnected)
	t.mu.Unlock()
	if changed {
		t.emitStatus(StatusDisconnected)
	}
	t.scheduleReconnect()
}

func (t *Transport) clientOptions(cfg store.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL()).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			t.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			t.onConnectionLost(err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	return opts
}

// onConnect resets the backoff cycle, subscribes to the status topic and
// requests a full state snapshot from the firmware.
func (t *Transport) onConnect() {
	t.mu.Lock()
	t.attempts = 0
	changed := t.setStatusLocked(StatusConnected)
	client := t.client
	statusTopic := t.cfg.TopicStatus
	t.mu.Unlock()
	if changed {
		t.emitStatus(StatusConnected)
	}

	t.logger.Info("connected", "status_topic", statusTopic)

	token := client.Subscribe(statusTopic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		t.handleStatus(msg.Payload())
	})
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			t.logger.Warn("status subscribe timeout", "topic", statusTopic)
		} else if err := token.Error(); err != nil {
			t.logger.Warn("status subscribe", "topic", statusTopic, "err", err)
		}
	}()

	t.requestStatus()
}

func (t *Transport) onConnectionLost(err error) {
	t.logger.Warn("connection lost", "err", err)
	t.mu.Lock()
	changed := t.setStatusLocked(StatusDisconnected)
	t.mu.Unlock()
	if changed {
		t.emitStatus(StatusDisconnected)
	}
	t.scheduleReconnect()
}

// scheduleReconnect arms the backoff timer for the next attempt. Nothing is
// armed after an explicit disconnect, when auto-reconnect is off, or once
// the attempt budget is spent.
func (t *Transport) scheduleReconnect() {
	t.mu.Lock()

	if t.explicitClose || !t.autoReconnect {
		t.mu.Unlock()
		return
	}
	if t.attempts >= maxReconnectAttempts {
		// The cycle ends where it started; a later Connect begins a new one.
		t.logger.Error("giving up after max reconnect attempts", "attempts", t.attempts)
		changed := t.setStatusLocked(StatusDisconnected)
		t.mu.Unlock()
		if changed {
			t.emitStatus(StatusDisconnected)
		}
		return
	}

	t.attempts++
	delay := nextBackoff(t.attempts)
	t.logger.Info("reconnecting", "attempt", t.attempts, "delay", delay)

	if t.reconnectTmr != nil {
		t.reconnectTmr.Stop()
	}
	t.reconnectTmr = time.AfterFunc(delay, t.reconnectFired)
	t.mu.Unlock()
}

// reconnectFired runs when the backoff timer expires. Disconnect may have
// raced the timer, so the flags are re-checked before dialing.
func (t *Transport) reconnectFired() {
	t.mu.Lock()
	closed := t.explicitClose || !t.autoReconnect
	t.mu.Unlock()
	if closed {
		return
	}
	if err := t.dial(); err != nil {
		t.logger.Warn("reconnect attempt failed", "err", err)
	}
}

// Disconnect tears the session down and suppresses any reconnect. Safe to
// call when already disconnected.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.explicitClose = true
	if t.reconnectTmr != nil {
		t.reconnectTmr.Stop()
		t.reconnectTmr = nil
	}
	client := t.client
	changed := t.setStatusLocked(StatusDisconnected)
	t.mu.Unlock()
	if changed {
		t.emitStatus(StatusDisconnected)
	}

	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
	t.logger.Info("disconnected")
}

// ControlDevice publishes a control message for a switch. Fails immediately
// with ErrNotConnected while the session is down; the command is not queued.
func (t *Transport) ControlDevice(id int, on bool, pwm int) error {
	t.mu.Lock()
	if t.status != StatusConnected {
		t.mu.Unlock()
		return ErrNotConnected
	}
	client := t.client
	topic := t.cfg.TopicControl
	t.mu.Unlock()

	msg := newControlMessage(id, on, pwm, time.Now())
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode control message: %w", err)
	}

	t.publish(client, topic, payload)
	t.logger.Info("control sent", "device", msg.Device, "state", msg.State, "pwm", msg.PWM)
	return nil
}

// requestStatus asks the firmware to publish a full snapshot.
func (t *Transport) requestStatus() {
	t.mu.Lock()
	client := t.client
	topic := t.cfg.TopicControl
	connected := t.status == StatusConnected
	t.mu.Unlock()

	if !connected {
		return
	}
	t.publish(client, topic, []byte(statusRequestPayload))
}

// handleStatus mirrors a status payload into the registry. Malformed
// payloads and unknown device names are logged and skipped; a valid report
// goes through the registry so state events and persistence behave the same
// as a local change.
func (t *Transport) handleStatus(payload []byte) {
	reports, err := parseStatus(payload)
	if err != nil {
		t.logger.Warn("unreadable status payload", "err", err)
		return
	}
	for _, r := range reports {
		id, ok := r.SwitchID()
		if !ok {
			t.logger.Warn("status for unknown device name", "device", r.Device)
			continue
		}
		if err := t.registry.SetState(id, r.On(), r.PWM); err != nil {
			t.logger.Warn("status for unknown switch", "device", r.Device, "err", err)
		}
	}
}

func (t *Transport) publish(client pahomqtt.Client, topic string, payload []byte) {
	token := client.Publish(topic, 1, false, payload)
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			t.logger.Warn("publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			t.logger.Warn("publish error", "topic", topic, "err", err)
		}
	}()
}

// setStatusLocked records a status transition and reports whether one
// happened. Caller holds t.mu and, when true, emits via emitStatus after
// releasing it. Emitting outside the lock keeps handlers free to call back
// into the transport; emitting synchronously keeps rapid transitions
// (connecting, connected) in order on the bus.
func (t *Transport) setStatusLocked(status string) bool {
	if t.status == status {
		return false
	}
	t.status = status
	return true
}

func (t *Transport) emitStatus(status string) {
	t.events.Emit(event.Event{Type: event.TypeConnectionState, Data: map[string]interface{}{
		"status": status,
	}})
}
