// Package store persists the device table and the backup history.
package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Device operations
	SaveDevice(dev *Device) error
	GetDevice(ieee string) (*Device, error)
	DeleteDevice(ieee string) error
	ListDevices() ([]*Device, error)
	// FindByNetworkAddress returns the device currently using a short address.
	FindByNetworkAddress(nwk uint16) (*Device, error)

	// UpdateDevice atomically reads, modifies, and saves a device in a single
	// transaction. Returns ErrNotFound if the device does not exist.
	UpdateDevice(ieee string, fn func(dev *Device) error) error

	// Backup history, newest last.
	AppendBackup(rec *BackupRecord) error
	ListBackups() ([]*BackupRecord, error)
	GetBackup(id string) (*BackupRecord, error)

	// Close the store
	Close() error
}
