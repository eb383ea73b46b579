package transport

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ControlMessage is the payload published to the control topic. The device
// field carries the "switch<N>" convention the firmware expects.
type ControlMessage struct {
	Device    string `json:"device"`
	State     string `json:"state"`
	PWM       int    `json:"pwm"`
	Timestamp string `json:"timestamp"`
}

func newControlMessage(id int, on bool, pwm int, now time.Time) ControlMessage {
	state := "OFF"
	if on {
		state = "ON"
	}
	return ControlMessage{
		Device:    fmt.Sprintf("switch%d", id),
		State:     state,
		PWM:       pwm,
		Timestamp: now.UTC().Format(time.RFC3339),
	}
}

// DeviceStatus is one switch's reported state inside a status message.
type DeviceStatus struct {
	Device string `json:"device"`
	State  string `json:"state"`
	PWM    int    `json:"pwm"`
}

// On reports whether the status carries an ON state. Anything other than
// the literal "ON" counts as off.
func (s DeviceStatus) On() bool {
	return s.State == "ON"
}

// SwitchID extracts the numeric id from the "switch<N>" device name.
// Names outside the convention return false.
func (s DeviceStatus) SwitchID() (int, bool) {
	rest, ok := strings.CutPrefix(s.Device, "switch")
	if !ok {
		return 0, false
	}
	id, err := strconv.Atoi(rest)
	if err != nil || id < 1 {
		return 0, false
	}
	return id, true
}

// statusEnvelope covers both shapes a status payload can take: a full
// snapshot with a switches array, or a single device report at the top
// level.
type statusEnvelope struct {
	Switches []DeviceStatus `json:"switches"`
	DeviceStatus
}

// parseStatus decodes a status payload into the list of device reports it
// carries. Payloads matching neither shape return an error; unknown device
// names inside a valid payload are passed through for the caller to skip.
func parseStatus(payload []byte) ([]DeviceStatus, error) {
	var env statusEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	if env.Switches != nil {
		return env.Switches, nil
	}
	if env.Device == "" {
		return nil, fmt.Errorf("status payload has neither switches nor device")
	}
	return []DeviceStatus{env.DeviceStatus}, nil
}
