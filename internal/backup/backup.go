// Package backup reads and writes coordinator backups in the open
// coordinator backup JSON format (version 1).
package backup

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"zigbee-ncp-host/internal/ncp"
)

const (
	Format        = "zigpy/open-coordinator-backup"
	FormatVersion = 1
	// StackKey names this host's entry under stack_specific.
	StackKey = "ncp_host"
	// SecurityLevelZ3 is the only security level Zigbee 3.0 networks use.
	SecurityLevelZ3 = 5
)

var (
	ErrCorrupt            = errors.New("backup: file is corrupted")
	ErrUnknownFormat      = errors.New("backup: unknown format")
	ErrUnsupportedVersion = errors.New("backup: unsupported format version")
	ErrWrongStack         = errors.New("backup: not written by this stack")
)

// Backup is everything needed to re-form a network on a blank NCP.
type Backup struct {
	ID           uuid.UUID
	CreatedAt    time.Time
	Source       string
	StackVersion string

	CoordinatorEUI64 ncp.EUI64
	PanID            uint16
	ExtendedPanID    ncp.ExtendedPanID
	Channel          uint8
	ChannelList      []uint8
	NetworkUpdateID  uint8
	SecurityLevel    uint8

	NetworkKey             ncp.Key
	NetworkKeySequence     uint8
	NetworkKeyFrameCounter uint32

	HashedTCLK ncp.Key
	Devices    []Device
}

// Device is one entry of the trust center's device list.
type Device struct {
	NetworkAddress *ncp.NodeID
	EUI64          ncp.EUI64
	IsDirectChild  bool
	LinkKey        *DeviceKey
}

// DeviceKey is a hashed link key with its frame counters.
type DeviceKey struct {
	Key       ncp.Key
	RxCounter uint32
	TxCounter uint32
}

// LinkKeys returns the device keys in import order.
func (b *Backup) LinkKeys() []ncp.LinkKey {
	var keys []ncp.LinkKey
	for _, d := range b.Devices {
		if d.LinkKey == nil {
			continue
		}
		keys = append(keys, ncp.LinkKey{
			EUI64:                d.EUI64,
			Key:                  d.LinkKey.Key,
			IncomingFrameCounter: d.LinkKey.RxCounter,
			OutgoingFrameCounter: d.LinkKey.TxCounter,
		})
	}
	return keys
}

// DevicesFromLinkKeys builds the device list of a backup from exported keys.
func DevicesFromLinkKeys(keys []ncp.LinkKey) []Device {
	devices := make([]Device, 0, len(keys))
	for _, k := range keys {
		devices = append(devices, Device{
			EUI64: k.EUI64,
			LinkKey: &DeviceKey{
				Key:       k.Key,
				RxCounter: k.IncomingFrameCounter,
				TxCounter: k.OutgoingFrameCounter,
			},
		})
	}
	return devices
}

// ChannelsFromMask lists the channels (11-26) set in an 802.15.4 channel mask.
func ChannelsFromMask(mask uint32) []uint8 {
	var list []uint8
	for ch := uint8(11); ch <= 26; ch++ {
		if mask&(1<<ch) != 0 {
			list = append(list, ch)
		}
	}
	return list
}

// MaskFromChannels is the inverse of ChannelsFromMask.
func MaskFromChannels(list []uint8) uint32 {
	var mask uint32
	for _, ch := range list {
		if ch >= 11 && ch <= 26 {
			mask |= 1 << ch
		}
	}
	return mask
}

// Load reads a backup file. A missing file yields an error matching
// fs.ErrNotExist.
func Load(path string) (*Backup, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load backup: %w", err)
	}
	b, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("load backup %s: %w", path, err)
	}
	return b, nil
}

// Save writes the backup atomically (temp file and rename).
func Save(path string, b *Backup) error {
	data, err := Marshal(b)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("save backup: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("save backup: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("save backup: %w", err)
	}
	return nil
}

type fileMetadata struct {
	Format   string       `json:"format"`
	Version  int          `json:"version"`
	Source   string       `json:"source"`
	Internal fileInternal `json:"internal"`
}

type fileInternal struct {
	Date         string `json:"date"`
	BackupID     string `json:"backupId,omitempty"`
	StackVersion string `json:"stackVersion,omitempty"`
}

type fileStack struct {
	HashedTCLK string `json:"hashed_tclk"`
}

type fileNetworkKey struct {
	Key            string `json:"key"`
	SequenceNumber uint8  `json:"sequence_number"`
	FrameCounter   uint32 `json:"frame_counter"`
}

type fileLinkKey struct {
	Key       string `json:"key"`
	RxCounter uint32 `json:"rx_counter"`
	TxCounter uint32 `json:"tx_counter"`
}

type fileDevice struct {
	NwkAddress  *string      `json:"nwk_address"`
	IEEEAddress string       `json:"ieee_address"`
	IsChild     bool         `json:"is_child"`
	LinkKey     *fileLinkKey `json:"link_key,omitempty"`
}

type file struct {
	Metadata        fileMetadata          `json:"metadata"`
	StackSpecific   map[string]*fileStack `json:"stack_specific"`
	CoordinatorIEEE string                `json:"coordinator_ieee"`
	PanID           string                `json:"pan_id"`
	ExtendedPanID   string                `json:"extended_pan_id"`
	NwkUpdateID     uint8                 `json:"nwk_update_id"`
	SecurityLevel   uint8                 `json:"security_level"`
	Channel         uint8                 `json:"channel"`
	ChannelMask     []int                 `json:"channel_mask"`
	NetworkKey      fileNetworkKey        `json:"network_key"`
	Devices         []fileDevice          `json:"devices"`
}

// Marshal encodes b as indented JSON.
func Marshal(b *Backup) ([]byte, error) {
	f := file{
		Metadata: fileMetadata{
			Format:  Format,
			Version: FormatVersion,
			Source:  b.Source,
			Internal: fileInternal{
				Date:         b.CreatedAt.UTC().Format(time.RFC3339),
				StackVersion: b.StackVersion,
			},
		},
		StackSpecific:   map[string]*fileStack{StackKey: {HashedTCLK: b.HashedTCLK.String()}},
		CoordinatorIEEE: hex.EncodeToString(b.CoordinatorEUI64[:]),
		PanID:           fmt.Sprintf("%04x", b.PanID),
		ExtendedPanID:   b.ExtendedPanID.String(),
		NwkUpdateID:     b.NetworkUpdateID,
		SecurityLevel:   b.SecurityLevel,
		Channel:         b.Channel,
		ChannelMask:     make([]int, 0, len(b.ChannelList)),
		NetworkKey: fileNetworkKey{
			Key:            b.NetworkKey.String(),
			SequenceNumber: b.NetworkKeySequence,
			FrameCounter:   b.NetworkKeyFrameCounter,
		},
		Devices: make([]fileDevice, 0, len(b.Devices)),
	}
	if b.ID != uuid.Nil {
		f.Metadata.Internal.BackupID = b.ID.String()
	}
	for _, ch := range b.ChannelList {
		f.ChannelMask = append(f.ChannelMask, int(ch))
	}
	for _, d := range b.Devices {
		fd := fileDevice{IEEEAddress: hex.EncodeToString(d.EUI64[:]), IsChild: d.IsDirectChild}
		if d.NetworkAddress != nil {
			s := fmt.Sprintf("%04x", uint16(*d.NetworkAddress))
			fd.NwkAddress = &s
		}
		if d.LinkKey != nil {
			fd.LinkKey = &fileLinkKey{Key: d.LinkKey.Key.String(), RxCounter: d.LinkKey.RxCounter, TxCounter: d.LinkKey.TxCounter}
		}
		f.Devices = append(f.Devices, fd)
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal backup: %w", err)
	}
	return data, nil
}

// Unmarshal decodes and validates a backup document.
func Unmarshal(data []byte) (*Backup, error) {
	var f file
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if f.Metadata.Format != Format || f.Metadata.Version == 0 {
		return nil, ErrUnknownFormat
	}
	if f.Metadata.Version != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, f.Metadata.Version)
	}
	stack := f.StackSpecific[StackKey]
	if stack == nil {
		return nil, ErrWrongStack
	}

	b := &Backup{
		Source:                 f.Metadata.Source,
		StackVersion:           f.Metadata.Internal.StackVersion,
		NetworkUpdateID:        f.NwkUpdateID,
		SecurityLevel:          f.SecurityLevel,
		Channel:                f.Channel,
		NetworkKeySequence:     f.NetworkKey.SequenceNumber,
		NetworkKeyFrameCounter: f.NetworkKey.FrameCounter,
	}
	for _, ch := range f.ChannelMask {
		if ch < 11 || ch > 26 {
			return nil, fmt.Errorf("%w: channel %d in channel_mask", ErrCorrupt, ch)
		}
		b.ChannelList = append(b.ChannelList, uint8(ch))
	}
	var err error
	if f.Metadata.Internal.Date != "" {
		if b.CreatedAt, err = time.Parse(time.RFC3339, f.Metadata.Internal.Date); err != nil {
			return nil, fmt.Errorf("%w: date: %v", ErrCorrupt, err)
		}
	}
	if f.Metadata.Internal.BackupID != "" {
		if b.ID, err = uuid.Parse(f.Metadata.Internal.BackupID); err != nil {
			return nil, fmt.Errorf("%w: backup id: %v", ErrCorrupt, err)
		}
	}
	pan, err := strconv.ParseUint(f.PanID, 16, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: pan_id: %v", ErrCorrupt, err)
	}
	b.PanID = uint16(pan)
	if b.ExtendedPanID, err = ncp.ParseExtendedPanID(f.ExtendedPanID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if b.CoordinatorEUI64, err = ncp.ParseEUI64(f.CoordinatorIEEE); err != nil {
		return nil, fmt.Errorf("%w: coordinator_ieee: %v", ErrCorrupt, err)
	}
	if b.NetworkKey, err = ncp.ParseKey(f.NetworkKey.Key); err != nil {
		return nil, fmt.Errorf("%w: network_key: %v", ErrCorrupt, err)
	}
	if b.HashedTCLK, err = ncp.ParseKey(stack.HashedTCLK); err != nil {
		return nil, fmt.Errorf("%w: hashed_tclk: %v", ErrCorrupt, err)
	}

	for i, fd := range f.Devices {
		d := Device{IsDirectChild: fd.IsChild}
		if d.EUI64, err = ncp.ParseEUI64(fd.IEEEAddress); err != nil {
			return nil, fmt.Errorf("%w: device %d: %v", ErrCorrupt, i, err)
		}
		if fd.NwkAddress != nil {
			v, err := strconv.ParseUint(*fd.NwkAddress, 16, 16)
			if err != nil {
				return nil, fmt.Errorf("%w: device %d nwk_address: %v", ErrCorrupt, i, err)
			}
			id := ncp.NodeID(v)
			d.NetworkAddress = &id
		}
		if fd.LinkKey != nil {
			k, err := ncp.ParseKey(fd.LinkKey.Key)
			if err != nil {
				return nil, fmt.Errorf("%w: device %d link_key: %v", ErrCorrupt, i, err)
			}
			d.LinkKey = &DeviceKey{Key: k, RxCounter: fd.LinkKey.RxCounter, TxCounter: fd.LinkKey.TxCounter}
		}
		b.Devices = append(b.Devices, d)
	}
	return b, nil
}
