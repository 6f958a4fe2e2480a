package store

import "time"

// Device is one node the coordinator has seen join or announce.
type Device struct {
	IEEEAddress      string     `cbor:"1,keyasint" json:"ieee_address"`
	NetworkAddress   uint16     `cbor:"2,keyasint" json:"network_address"`
	ManufacturerCode uint16     `cbor:"3,keyasint,omitempty" json:"manufacturer_code,omitempty"`
	LogicalType      string     `cbor:"4,keyasint,omitempty" json:"logical_type,omitempty"`
	Endpoints        []Endpoint `cbor:"5,keyasint,omitempty" json:"endpoints,omitempty"`
	JoinedAt         time.Time  `cbor:"6,keyasint" json:"joined_at"`
	LastSeen         time.Time  `cbor:"7,keyasint" json:"last_seen"`
	LinkQuality      uint8      `cbor:"8,keyasint,omitempty" json:"link_quality,omitempty"`
	RSSI             int8       `cbor:"9,keyasint,omitempty" json:"rssi,omitempty"`
}

// Endpoint represents a device endpoint.
type Endpoint struct {
	ID          uint8    `cbor:"1,keyasint" json:"id"`
	ProfileID   uint16   `cbor:"2,keyasint" json:"profile_id"`
	DeviceID    uint16   `cbor:"3,keyasint" json:"device_id"`
	InClusters  []uint16 `cbor:"4,keyasint" json:"in_clusters"`
	OutClusters []uint16 `cbor:"5,keyasint" json:"out_clusters"`
}

// SetEndpoint replaces or adds an endpoint, keeping the list ordered by id.
func (d *Device) SetEndpoint(ep Endpoint) {
	for i := range d.Endpoints {
		if d.Endpoints[i].ID == ep.ID {
			d.Endpoints[i] = ep
			return
		}
	}
	i := 0
	for i < len(d.Endpoints) && d.Endpoints[i].ID < ep.ID {
		i++
	}
	d.Endpoints = append(d.Endpoints, Endpoint{})
	copy(d.Endpoints[i+1:], d.Endpoints[i:])
	d.Endpoints[i] = ep
}

// BackupRecord is one coordinator backup kept in history. Document holds
// the backup file contents.
type BackupRecord struct {
	ID          string    `cbor:"1,keyasint" json:"id"`
	CreatedAt   time.Time `cbor:"2,keyasint" json:"created_at"`
	PanID       uint16    `cbor:"3,keyasint" json:"pan_id"`
	Channel     uint8     `cbor:"4,keyasint" json:"channel"`
	DeviceCount int       `cbor:"5,keyasint" json:"device_count"`
	Document    []byte    `cbor:"6,keyasint" json:"-"`
}
