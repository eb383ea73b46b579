package store

import (
	"errors"
	"path/filepath"
	"reflect"
	"testing"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetDevices(t *testing.T) {
	s := newTestStore(t)

	devices := []Device{
		{ID: 1, Name: "Living Room Lamp", Icon: "fas fa-lightbulb"},
		{ID: 2, Name: "Bedroom Lamp", Icon: "fas fa-bed"},
		{ID: 3, Name: "Kitchen Lamp", Icon: "fas fa-utensils"},
		{ID: 4, Name: "Porch Lamp", Icon: "fas fa-home"},
	}

	if err := s.SaveDevices(devices); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetDevices()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, devices) {
		t.Errorf("devices round-trip mismatch:\n got %+v\nwant %+v", got, devices)
	}
}

func TestGetDevicesNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetDevices()
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDeviceStatesRoundTrip(t *testing.T) {
	s := newTestStore(t)

	states := []DeviceState{
		{On: true, PWM: 100},
		{On: false, PWM: 0},
		{On: true, PWM: 45},
		{On: false, PWM: 0},
	}

	if err := s.SaveDeviceStates(states); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetDeviceStates()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, states) {
		t.Errorf("states round-trip mismatch:\n got %+v\nwant %+v", got, states)
	}
}

func TestScheduleCRUD(t *testing.T) {
	s := newTestStore(t)

	sched := &Schedule{
		ID:        "a1b2c3",
		Name:      "Morning",
		Days:      []int{1, 2, 3, 4, 5},
		Time:      "07:00",
		SwitchNum: 1,
		Action:    ActionOn,
		Intensity: 80,
	}

	if err := s.SaveSchedule(sched); err != nil {
		t.Fatal(err)
	}

	list, err := s.ListSchedules()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("list count = %d, want 1", len(list))
	}
	if !reflect.DeepEqual(list[0], sched) {
		t.Errorf("schedule round-trip mismatch:\n got %+v\nwant %+v", list[0], sched)
	}

	if err := s.DeleteSchedule(sched.ID); err != nil {
		t.Fatal(err)
	}
	list, err = s.ListSchedules()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Fatalf("list count after delete = %d, want 0", len(list))
	}
}

func TestListSchedulesEmpty(t *testing.T) {
	s := newTestStore(t)

	list, err := s.ListSchedules()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Fatalf("list count = %d, want 0", len(list))
	}
}

func TestSystemConfigRoundTrip(t *testing.T) {
	s := newTestStore(t)

	cfg := &SystemConfig{
		RestoreState:  FlagYes,
		AutoConnect:   FlagNo,
		AutoReconnect: FlagYes,
	}

	if err := s.SaveSystemConfig(cfg); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetSystemConfig()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, cfg) {
		t.Errorf("system config mismatch: got %+v, want %+v", got, cfg)
	}
	if !got.RestoreEnabled() {
		t.Error("RestoreEnabled() = false, want true")
	}
	if got.AutoConnectEnabled() {
		t.Error("AutoConnectEnabled() = true, want false")
	}
	if !got.AutoReconnectEnabled() {
		t.Error("AutoReconnectEnabled() = false, want true")
	}
}

func TestMQTTConfigRoundTrip(t *testing.T) {
	s := newTestStore(t)

	cfg := &MQTTConfig{
		Protocol:     "wss",
		Broker:       "test.mosquitto.org",
		Port:         8081,
		Path:         "/mqtt",
		ClientID:     "web-client-abcd1234",
		Username:     "user",
		Password:     "secret",
		TopicControl: "home/light/control",
		TopicStatus:  "home/light/status",
	}

	if err := s.SaveMQTTConfig(cfg); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetMQTTConfig()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, cfg) {
		t.Errorf("mqtt config mismatch: got %+v, want %+v", got, cfg)
	}
	if got.BrokerURL() != "wss://test.mosquitto.org:8081/mqtt" {
		t.Errorf("BrokerURL() = %q", got.BrokerURL())
	}
}
