package store

import "errors"

// ErrNotFound is returned when a requested entry does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Device list and runtime state
	SaveDevices(devices []Device) error
	GetDevices() ([]Device, error)
	SaveDeviceStates(states []DeviceState) error
	GetDeviceStates() ([]DeviceState, error)

	// Schedules
	SaveSchedule(s *Schedule) error
	DeleteSchedule(id string) error
	ListSchedules() ([]*Schedule, error)

	// Configuration
	SaveSystemConfig(cfg *SystemConfig) error
	GetSystemConfig() (*SystemConfig, error)
	SaveMQTTConfig(cfg *MQTTConfig) error
	GetMQTTConfig() (*MQTTConfig, error)

	// Close the store
	Close() error
}
