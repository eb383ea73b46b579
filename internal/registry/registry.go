package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"mqtt-go-home/internal/event"
	"mqtt-go-home/internal/store"
)

// ErrNotFound is returned when a device id does not resolve.
var ErrNotFound = errors.New("device not found")

// ValidationError describes rejected user input to an edit operation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// DefaultDevices is the seed list used when nothing is persisted yet.
// Four switches, matching the dashboard this controller replaces.
func DefaultDevices() []store.Device {
	return []store.Device{
		{ID: 1, Name: "Living Room Lamp", Icon: "fas fa-lightbulb"},
		{ID: 2, Name: "Bedroom Lamp", Icon: "fas fa-bed"},
		{ID: 3, Name: "Kitchen Lamp", Icon: "fas fa-utensils"},
		{ID: 4, Name: "Porch Lamp", Icon: "fas fa-home"},
	}
}

// RuntimeState is the last-known on/off and intensity of a device.
// IntensityEnabled mirrors the dashboard's per-card intensity toggle; it is
// not persisted directly but inferred from the stored PWM value on restore.
type RuntimeState struct {
	On               bool `json:"on"`
	Intensity        int  `json:"intensity"`
	IntensityEnabled bool `json:"intensityEnabled"`
}

// Registry is the single source of truth for the device list and each
// device's runtime state.
type Registry struct {
	store  store.Store
	events *event.Bus
	logger *slog.Logger

	mu      sync.RWMutex
	devices []store.Device
	states  []RuntimeState
	restore bool
}

// New creates a device registry. Call Load before use.
func New(st store.Store, events *event.Bus, logger *slog.Logger) *Registry {
	return &Registry{
		store:  st,
		events: events,
		logger: logger.With("component", "registry"),
	}
}

// SetRestoreEnabled controls whether runtime state is persisted on mutation
// and restored at startup (the restoreState system setting).
func (r *Registry) SetRestoreEnabled(enabled bool) {
	r.mu.Lock()
	r.restore = enabled
	r.mu.Unlock()
}

// Load reads the persisted device list, falling back to the default seed
// list when nothing is stored or the stored value is unreadable. It never
// returns an error.
func (r *Registry) Load() {
	devices, err := r.store.GetDevices()
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("load devices, using defaults", "err", err)
		}
		devices = DefaultDevices()
	}
	if len(devices) == 0 {
		devices = DefaultDevices()
	}

	r.mu.Lock()
	r.devices = devices
	r.states = make([]RuntimeState, len(devices))
	r.mu.Unlock()

	r.logger.Info("devices loaded", "count", len(devices))
}

// LoadStates restores the persisted runtime state array, gated by the
// restoreState setting. Whether intensity control was active is
// reconstructed from the stored PWM value alone: strictly between 0 and 100
// means enabled. A device saved at exactly 0% or 100% with intensity control
// on therefore restores with it off; that is the documented behavior of the
// original controller, preserved here.
func (r *Registry) LoadStates() {
	r.mu.Lock()
	restore := r.restore
	r.mu.Unlock()
	if !restore {
		return
	}

	states, err := r.store.GetDeviceStates()
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("load device states", "err", err)
		}
		return
	}

	r.mu.Lock()
	for i, st := range states {
		if i >= len(r.states) {
			break
		}
		r.states[i] = RuntimeState{
			On:               st.On,
			Intensity:        st.PWM,
			IntensityEnabled: st.PWM > 0 && st.PWM < 100,
		}
	}
	r.mu.Unlock()

	r.logger.Info("device states restored", "count", len(states))
}

// Devices returns a copy of the device list.
func (r *Registry) Devices() []store.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]store.Device, len(r.devices))
	copy(out, r.devices)
	return out
}

// Get returns the device with the given id, or ErrNotFound.
func (r *Registry) Get(id int) (store.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.devices {
		if d.ID == id {
			return d, nil
		}
	}
	return store.Device{}, fmt.Errorf("device %d: %w", id, ErrNotFound)
}

// FallbackName is the label shown for a dangling device reference.
func FallbackName(id int) string {
	return fmt.Sprintf("Switch %d", id)
}

// DisplayName returns the device's name, or the fallback label when the id
// does not resolve.
func (r *Registry) DisplayName(id int) string {
	dev, err := r.Get(id)
	if err != nil {
		return FallbackName(id)
	}
	return dev.Name
}

// UpdateDevice renames a device and sets its icon. Name and icon must be
// non-empty. On success the list is persisted and a devices_changed event
// notifies interested parties that name lookups may have changed.
func (r *Registry) UpdateDevice(id int, name, icon string) error {
	if name == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if icon == "" {
		return &ValidationError{Field: "icon", Reason: "must not be empty"}
	}

	r.mu.Lock()
	found := false
	for i := range r.devices {
		if r.devices[i].ID == id {
			r.devices[i].Name = name
			r.devices[i].Icon = icon
			found = true
			break
		}
	}
	r.mu.Unlock()

	if !found {
		return fmt.Errorf("device %d: %w", id, ErrNotFound)
	}
	return r.Save()
}

// Save persists the device list and notifies listeners.
func (r *Registry) Save() error {
	r.mu.RLock()
	devices := make([]store.Device, len(r.devices))
	copy(devices, r.devices)
	r.mu.RUnlock()

	if err := r.store.SaveDevices(devices); err != nil {
		r.logger.Error("save devices", "err", err)
		return fmt.Errorf("save devices: %w", err)
	}

	r.events.Emit(event.Event{Type: event.TypeDevicesChanged, Data: map[string]interface{}{
		"count": len(devices),
	}})
	return nil
}

// State returns the runtime state of a device.
func (r *Registry) State(id int) (RuntimeState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx := id - 1
	if idx < 0 || idx >= len(r.states) {
		return RuntimeState{}, fmt.Errorf("device %d: %w", id, ErrNotFound)
	}
	return r.states[idx], nil
}

// SetState records a device's on/off and intensity. It is the single write
// path shared by user toggles, schedule execution, and inbound status
// messages; writes are last-wins. Persistence happens on every mutation when
// restoreState is enabled.
func (r *Registry) SetState(id int, on bool, intensity int) error {
	if intensity < 0 {
		intensity = 0
	}
	if intensity > 100 {
		intensity = 100
	}

	r.mu.Lock()
	idx := id - 1
	if idx < 0 || idx >= len(r.states) {
		r.mu.Unlock()
		return fmt.Errorf("device %d: %w", id, ErrNotFound)
	}
	r.states[idx].On = on
	r.states[idx].Intensity = intensity
	r.mu.Unlock()

	r.saveStates()

	stateStr := "OFF"
	if on {
		stateStr = "ON"
	}
	r.events.Emit(event.Event{Type: event.TypeDeviceState, Data: map[string]interface{}{
		"id":    id,
		"state": stateStr,
		"pwm":   intensity,
	}})
	return nil
}

// SetIntensityEnabled toggles per-device intensity control. Disabling it
// while the device is on snaps the intensity back to 100, matching the
// dashboard's behavior.
func (r *Registry) SetIntensityEnabled(id int, enabled bool) error {
	r.mu.Lock()
	idx := id - 1
	if idx < 0 || idx >= len(r.states) {
		r.mu.Unlock()
		return fmt.Errorf("device %d: %w", id, ErrNotFound)
	}
	r.states[idx].IntensityEnabled = enabled
	snapOn := false
	if !enabled && r.states[idx].On {
		r.states[idx].Intensity = 100
		snapOn = true
	}
	r.mu.Unlock()

	r.saveStates()
	if snapOn {
		r.events.Emit(event.Event{Type: event.TypeDeviceState, Data: map[string]interface{}{
			"id":    id,
			"state": "ON",
			"pwm":   100,
		}})
	}
	return nil
}

// saveStates persists the runtime state array when restoreState is enabled.
// Storage failures are logged and otherwise ignored; the in-memory state
// stays authoritative.
func (r *Registry) saveStates() {
	r.mu.RLock()
	if !r.restore {
		r.mu.RUnlock()
		return
	}
	states := make([]store.DeviceState, len(r.states))
	for i, st := range r.states {
		states[i] = store.DeviceState{On: st.On, PWM: st.Intensity}
	}
	r.mu.RUnlock()

	if err := r.store.SaveDeviceStates(states); err != nil {
		r.logger.Error("save device states", "err", err)
	}
}
