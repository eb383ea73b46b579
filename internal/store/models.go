package store

import "fmt"

// Device is one controllable switch endpoint. IDs are small positive
// integers and double as the MQTT message discriminator ("switch<id>").
type Device struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Icon string `json:"icon"`
}

// DeviceState is the last-known runtime state of a device. The slice
// persisted under the device_states key is indexed by device id minus one.
type DeviceState struct {
	On  bool `json:"state"`
	PWM int  `json:"pwm"`
}

// Schedule is a day-of-week plus time-of-day rule that issues a device
// action. Days use 0 for Sunday through 6 for Saturday; Time is a
// zero-padded "HH:MM" string. SwitchNum is a weak reference into the
// device list and may dangle after device edits.
type Schedule struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Days      []int  `json:"days"`
	Time      string `json:"time"`
	SwitchNum int    `json:"switchNum"`
	Action    string `json:"action"`
	Intensity int    `json:"intensity"`
}

// Schedule actions.
const (
	ActionOn     = "on"
	ActionOff    = "off"
	ActionToggle = "toggle"
)

// Flag values for SystemConfig fields, kept as the original "yes"/"no"
// strings for storage compatibility.
const (
	FlagYes = "yes"
	FlagNo  = "no"
)

// SystemConfig holds the behavior toggles of the controller.
type SystemConfig struct {
	RestoreState  string `json:"restoreState"`
	AutoConnect   string `json:"autoConnect"`
	AutoReconnect string `json:"autoReconnect"`
}

// RestoreEnabled reports whether runtime state should be persisted and
// restored across restarts.
func (c SystemConfig) RestoreEnabled() bool { return c.RestoreState == FlagYes }

// AutoConnectEnabled reports whether the transport connects at startup.
func (c SystemConfig) AutoConnectEnabled() bool { return c.AutoConnect == FlagYes }

// AutoReconnectEnabled reports whether the transport retries after an
// unexpected disconnect.
func (c SystemConfig) AutoReconnectEnabled() bool { return c.AutoReconnect == FlagYes }

// MQTTConfig holds broker connection settings.
type MQTTConfig struct {
	Protocol     string `json:"protocol"`
	Broker       string `json:"broker"`
	Port         int    `json:"port"`
	Path         string `json:"path"`
	ClientID     string `json:"clientId"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	TopicControl string `json:"topicControl"`
	TopicStatus  string `json:"topicStatus"`
}

// BrokerURL assembles the connection URL the way the dashboard did:
// protocol://broker:port/path.
func (c MQTTConfig) BrokerURL() string {
	return fmt.Sprintf("%s://%s:%d%s", c.Protocol, c.Broker, c.Port, c.Path)
}
