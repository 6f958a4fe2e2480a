package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketDevices      = []byte("devices")
	bucketBackups      = []byte("backups")
	bucketBackupsIndex = []byte("backups_by_id")
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
		for _, b := range [][]byte{bucketDevices, bucketBackups, bucketBackupsIndex} {
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

func (s *BoltStore) SaveDevice(dev *Device) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putDevice(tx.Bucket(bucketDevices), dev)
	})
}

func putDevice(b *bolt.Bucket, dev *Device) error {
	data, err := encode(dev)
	if err != nil {
		return fmt.Errorf("encode device %s: %w", dev.IEEEAddress, err)
	}
	return b.Put([]byte(dev.IEEEAddress), data)
}

func (s *BoltStore) GetDevice(ieee string) (*Device, error) {
	var dev Device
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDevices).Get([]byte(ieee))
		if data == nil {
			return fmt.Errorf("device %s: %w", ieee, ErrNotFound)
		}
		return decode(data, &dev)
	})
	if err != nil {
		return nil, err
	}
	return &dev, nil
}

func (s *BoltStore) DeleteDevice(ieee string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevices).Delete([]byte(ieee))
	})
}

func (s *BoltStore) ListDevices() ([]*Device, error) {
	var devices []*Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		devices = make([]*Device, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var dev Device
			if err := decode(v, &dev); err != nil {
				return fmt.Errorf("decode device %s: %w", k, err)
			}
			devices = append(devices, &dev)
			return nil
		})
	})
	return devices, err
}

var errFound = errors.New("found")

func (s *BoltStore) FindByNetworkAddress(nwk uint16) (*Device, error) {
	var found *Device
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevices).ForEach(func(k, v []byte) error {
			var dev Device
			if err := decode(v, &dev); err != nil {
				return fmt.Errorf("decode device %s: %w", k, err)
			}
			if dev.NetworkAddress == nwk {
				found = &dev
				return errFound
			}
			return nil
		})
	})
	if err != nil && !errors.Is(err, errFound) {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("device 0x%04X: %w", nwk, ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) UpdateDevice(ieee string, fn func(dev *Device) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		data := b.Get([]byte(ieee))
		if data == nil {
			return fmt.Errorf("device %s: %w", ieee, ErrNotFound)
		}
		var dev Device
		if err := decode(data, &dev); err != nil {
			return fmt.Errorf("decode device %s: %w", ieee, err)
		}
		if err := fn(&dev); err != nil {
			return err
		}
		dev.IEEEAddress = ieee
		return putDevice(b, &dev)
	})
}

// AppendBackup stores rec under the next sequence number and indexes it by id.
func (s *BoltStore) AppendBackup(rec *BackupRecord) error {
	if rec.ID == "" {
		return errors.New("append backup: empty id")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBackups)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := binary.BigEndian.AppendUint64(nil, seq)
		data, err := encode(rec)
		if err != nil {
			return fmt.Errorf("encode backup %s: %w", rec.ID, err)
		}
		if err := b.Put(key, data); err != nil {
			return err
		}
		return tx.Bucket(bucketBackupsIndex).Put([]byte(rec.ID), key)
	})
}

func (s *BoltStore) ListBackups() ([]*BackupRecord, error) {
	var recs []*BackupRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBackups).ForEach(func(k, v []byte) error {
			var rec BackupRecord
			if err := decode(v, &rec); err != nil {
				return fmt.Errorf("decode backup %x: %w", k, err)
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	return recs, err
}

func (s *BoltStore) GetBackup(id string) (*BackupRecord, error) {
	var rec BackupRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		key := tx.Bucket(bucketBackupsIndex).Get([]byte(id))
		if key == nil {
			return fmt.Errorf("backup %s: %w", id, ErrNotFound)
		}
		data := tx.Bucket(bucketBackups).Get(key)
		if data == nil {
			return fmt.Errorf("backup %s: %w", id, ErrNotFound)
		}
		return decode(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
