package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketConfig    = []byte("config")
	bucketSchedules = []byte("schedules")

	keyDevices      = []byte("devices")
	keyDeviceStates = []byte("device_states")
	keySystemConfig = []byte("system")
	keyMQTTConfig   = []byte("mqtt")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketConfig, bucketSchedules} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// putJSON stores a JSON-encoded value under a key in the config bucket.
func (s *BoltStore) putJSON(key []byte, v any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConfig)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketConfig)
		}
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// getJSON loads a JSON-encoded value from the config bucket. A missing key
// yields ErrNotFound.
func (s *BoltStore) getJSON(key []byte, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConfig)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketConfig)
		}
		data := b.Get(key)
		if data == nil {
			return fmt.Errorf("key %s: %w", key, ErrNotFound)
		}
		return json.Unmarshal(data, v)
	})
}

func (s *BoltStore) SaveDevices(devices []Device) error {
	return s.putJSON(keyDevices, devices)
}

func (s *BoltStore) GetDevices() ([]Device, error) {
	var devices []Device
	if err := s.getJSON(keyDevices, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

func (s *BoltStore) SaveDeviceStates(states []DeviceState) error {
	return s.putJSON(keyDeviceStates, states)
}

func (s *BoltStore) GetDeviceStates() ([]DeviceState, error) {
	var states []DeviceState
	if err := s.getJSON(keyDeviceStates, &states); err != nil {
		return nil, err
	}
	return states, nil
}

func (s *BoltStore) SaveSchedule(sched *Schedule) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSchedules)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketSchedules)
		}
		data, err := json.Marshal(sched)
		if err != nil {
			return err
		}
		return b.Put([]byte(sched.ID), data)
	})
}

func (s *BoltStore) DeleteSchedule(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSchedules)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketSchedules)
		}
		return b.Delete([]byte(id))
	})
}

func (s *BoltStore) ListSchedules() ([]*Schedule, error) {
	var schedules []*Schedule
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSchedules)
		if b == nil {
			return nil // no bucket = no schedules
		}
		schedules = make([]*Schedule, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var sched Schedule
			if err := json.Unmarshal(v, &sched); err != nil {
				return err
			}
			schedules = append(schedules, &sched)
			return nil
		})
	})
	return schedules, err
}

func (s *BoltStore) SaveSystemConfig(cfg *SystemConfig) error {
	return s.putJSON(keySystemConfig, cfg)
}

func (s *BoltStore) GetSystemConfig() (*SystemConfig, error) {
	var cfg SystemConfig
	if err := s.getJSON(keySystemConfig, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *BoltStore) SaveMQTTConfig(cfg *MQTTConfig) error {
	return s.putJSON(keyMQTTConfig, cfg)
}

func (s *BoltStore) GetMQTTConfig() (*MQTTConfig, error) {
	var cfg MQTTConfig
	if err := s.getJSON(keyMQTTConfig, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
