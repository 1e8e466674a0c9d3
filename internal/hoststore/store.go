// Package hoststore persists device settings on a device host, so a host
// restart restores the last flushed configuration of every device.
package hoststore

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"

	"github.com/nerrad567/microscope-core/internal/device"
)

const (
	settingsBucket = "settings"
	openTimeout    = time.Second
)

// ErrStoreClosed is returned after Close.
var ErrStoreClosed = errors.New("hoststore: store closed")

// Store implements device.SettingsStore on a bbolt file. Each device gets a
// nested bucket holding one JSON value per setting.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening settings store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(settingsBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating settings bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save replaces the stored snapshot for deviceID.
func (s *Store) Save(deviceID string, values map[string]device.Value) error {
	if deviceID == "" {
		return fmt.Errorf("hoststore: device id is required")
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(settingsBucket))
		if root.Bucket([]byte(deviceID)) != nil {
			if err := root.DeleteBucket([]byte(deviceID)); err != nil {
				return err
			}
		}
		b, err := root.CreateBucket([]byte(deviceID))
		if err != nil {
			return err
		}
		for name, v := range values {
			raw, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("encoding %s: %w", name, err)
			}
			if err := b.Put([]byte(name), raw); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, berrors.ErrDatabaseNotOpen) {
		return ErrStoreClosed
	}
	if err != nil {
		return fmt.Errorf("saving settings of %s: %w", deviceID, err)
	}
	return nil
}

// Load returns the stored snapshot for deviceID, or nil if there is none.
func (s *Store) Load(deviceID string) (map[string]device.Value, error) {
	var out map[string]device.Value
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(settingsBucket)).Bucket([]byte(deviceID))
		if b == nil {
			return nil
		}
		out = make(map[string]device.Value)
		return b.ForEach(func(k, raw []byte) error {
			var v device.Value
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("decoding %s: %w", k, err)
			}
			out[string(k)] = v
			return nil
		})
	})
	if errors.Is(err, berrors.ErrDatabaseNotOpen) {
		return nil, ErrStoreClosed
	}
	if err != nil {
		return nil, fmt.Errorf("loading settings of %s: %w", deviceID, err)
	}
	return out, nil
}

// Delete removes the snapshot for deviceID.
func (s *Store) Delete(deviceID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket([]byte(settingsBucket)).DeleteBucket([]byte(deviceID))
		if errors.Is(err, berrors.ErrBucketNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("deleting settings of %s: %w", deviceID, err)
	}
	return nil
}

// Devices lists the ids with a stored snapshot.
func (s *Store) Devices() ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(settingsBucket)).ForEachBucket(func(k []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

var _ device.SettingsStore = (*Store)(nil)
