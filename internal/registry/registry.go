// Package registry persists metadata for Zigbee devices paired with the
// panel's co-processor.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrNotFound is returned when a requested device does not exist.
var ErrNotFound = errors.New("not found")

var bucketDevices = []byte("devices")

// Device is the persisted metadata of a paired sensor or actuator.
type Device struct {
	IEEE         string    `json:"ieee_addr"`
	ShortAddr    uint16    `json:"short_addr"`
	DeviceID     uint8     `json:"device_id"`
	Endpoint     uint8     `json:"endpoint_id"`
	Manufacturer string    `json:"manufacturer,omitempty"`
	Name         string    `json:"name,omitempty"`
	Type         string    `json:"type,omitempty"`
	TypeID       uint32    `json:"type_id"`
	JoinedAt     time.Time `json:"joined_at"`
	LastSeen     time.Time `json:"last_seen"`
}

// Registry is the BoltDB-backed device registry.
type Registry struct {
	db *bolt.DB
}

// Open opens or creates the registry database.
func Open(path string) (*Registry, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDevices)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create registry bucket: %w", err)
	}
	return &Registry{db: db}, nil
}

// Save inserts or replaces a device keyed by IEEE address.
func (r *Registry) Save(dev *Device) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		data, err := json.Marshal(dev)
		if err != nil {
			return err
		}
		return b.Put([]byte(dev.IEEE), data)
	})
}

// Get returns the device with the given IEEE address.
func (r *Registry) Get(ieee string) (*Device, error) {
	var dev Device
	err := r.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDevices).Get([]byte(ieee))
		if data == nil {
			return fmt.Errorf("device %s: %w", ieee, ErrNotFound)
		}
		return json.Unmarshal(data, &dev)
	})
	if err != nil {
		return nil, err
	}
	return &dev, nil
}

// Delete removes a device. Deleting an unknown device is a no-op.
func (r *Registry) Delete(ieee string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevices).Delete([]byte(ieee))
	})
}

// List returns all known devices.
func (r *Registry) List() ([]*Device, error) {
	var devices []*Device
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		devices = make([]*Device, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var dev Device
			if err := json.Unmarshal(v, &dev); err != nil {
				return err
			}
			devices = append(devices, &dev)
			return nil
		})
	})
	return devices, err
}

// Count returns the number of known devices.
func (r *Registry) Count() (int, error) {
	n := 0
	err := r.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketDevices).Stats().KeyN
		return nil
	})
	return n, err
}

// Touch updates LastSeen for a device, creating a minimal record when the
// device is not yet known (reports can precede the join notification after
// a panel restart).
func (r *Registry) Touch(ieee string, shortAddr uint16, at time.Time) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		dev := Device{IEEE: ieee, ShortAddr: shortAddr, JoinedAt: at}
		if data := b.Get([]byte(ieee)); data != nil {
			if err := json.Unmarshal(data, &dev); err != nil {
				return err
			}
			dev.ShortAddr = shortAddr
		}
		dev.LastSeen = at
		data, err := json.Marshal(&dev)
		if err != nil {
			return err
		}
		return b.Put([]byte(ieee), data)
	})
}

// Close closes the database.
func (r *Registry) Close() error {
	return r.db.Close()
}
