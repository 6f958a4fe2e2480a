// Package ncp defines the contract between the host and a Zigbee Network Co-Processor.
// Backend: nRF52840 (ZBOSS NCP over USB CDC ACM).
package ncp

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
)

// Transport is the single logical command channel to the NCP.
//
// Every command returns the NCP-reported Status plus typed results. The error
// return is reserved for host-side failures (serial I/O, closed transport,
// cancelled context). Commands must not be pipelined: callers serialize them.
type Transport interface {
	// Lifecycle
	Open(ctx context.Context) (*Info, error)
	Close() error
	Events() <-chan Event

	// Network
	NetworkInit(ctx context.Context) (Status, error)
	NetworkState(ctx context.Context) (NetworkStatus, error)
	GetNetworkParameters(ctx context.Context) (Status, NodeType, NetworkParameters, error)
	GetEUI64(ctx context.Context) (EUI64, error)
	GetNodeID(ctx context.Context) (NodeID, error)
	FormNetwork(ctx context.Context, params NetworkParameters) (Status, error)
	LeaveNetwork(ctx context.Context) (Status, error)
	PermitJoining(ctx context.Context, seconds uint8) (Status, error)
	SetRadioPower(ctx context.Context, dbm int8) (Status, error)
	SetManufacturerCode(ctx context.Context, code uint16) (Status, error)
	SetMulticastTableEntry(ctx context.Context, index int, entry MulticastTableEntry) (Status, error)
	StartWritingStackTokens(ctx context.Context) (Status, error)

	// Security
	SetInitialSecurityState(ctx context.Context, state SecurityState) (Status, error)
	SetExtendedSecurityBitmask(ctx context.Context, mask ExtendedSecurityBitmask) (Status, error)
	ExportKey(ctx context.Context, kind KeyType) (Key, Status, error)
	GetNetworkKeyInfo(ctx context.Context) (Status, NetworkKeyInfo, error)
	KeyTableSize(ctx context.Context) (int, Status, error)
	ClearKeyTable(ctx context.Context) (Status, error)
	ImportLinkKey(ctx context.Context, index int, eui64 EUI64, key Key) (Status, error)
	EraseKeyTableEntry(ctx context.Context, index int) (Status, error)
	ExportLinkKeyByIndex(ctx context.Context, index int) (LinkKey, Status, error)
	ImportTransientKey(ctx context.Context, eui64 EUI64, key Key) (Status, error)

	// Messaging. The transport assigns frame.Sequence (APS counter) on success.
	SendUnicast(ctx context.Context, dest NodeID, frame *APSFrame, tag uint8, payload []byte) (Status, error)
	SendMulticast(ctx context.Context, frame *APSFrame, radius uint8, tag uint8, payload []byte) (Status, error)
	SendBroadcast(ctx context.Context, dest NodeID, frame *APSFrame, radius uint8, tag uint8, payload []byte) (Status, error)
}

// Info holds firmware/stack version information from the NCP.
type Info struct {
	FWVersion       uint32 `json:"fw_version"`
	StackVersion    string `json:"stack_version"` // e.g. "3.11.3.0"
	ProtocolVersion uint32 `json:"protocol_version"`
	KeyTableSize    int    `json:"key_table_size"`
}

// NodeID is a 16-bit network (short) address.
type NodeID uint16

// Well-known network addresses.
const (
	CoordinatorAddress NodeID = 0x0000
	// BroadcastAll reaches every device, including sleepy end devices.
	BroadcastAll NodeID = 0xFFFF
	// BroadcastRxOnWhenIdle reaches devices with their receiver on.
	BroadcastRxOnWhenIdle NodeID = 0xFFFD
	// BroadcastRouters reaches routers and the coordinator.
	BroadcastRouters NodeID = 0xFFFC
	// MinBroadcastAddress is the lowest reserved broadcast address.
	MinBroadcastAddress NodeID = 0xFFF8
)

func (n NodeID) String() string {
	return fmt.Sprintf("0x%04X", uint16(n))
}

// IsBroadcast reports whether n is in the reserved broadcast range.
func (n NodeID) IsBroadcast() bool {
	return n >= MinBroadcastAddress
}

// EUI64 is an IEEE address, most significant byte first (display order).
type EUI64 [8]byte

// BlankEUI64 is the all-zero address.
var BlankEUI64 EUI64

// ParseEUI64 parses "0x00124B0012345678", "00:12:4B:00:12:34:56:78" or plain hex.
func ParseEUI64(s string) (EUI64, error) {
	var result EUI64
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	s = strings.ReplaceAll(s, ":", "")
	b, err := hex.DecodeString(s)
	if err != nil {
		return result, fmt.Errorf("parse eui64: %w", err)
	}
	if len(b) != 8 {
		return result, fmt.Errorf("eui64 must be 8 bytes, got %d", len(b))
	}
	copy(result[:], b)
	return result, nil
}

func (e EUI64) String() string {
	return "0x" + hex.EncodeToString(e[:])
}

func (e EUI64) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

func (e *EUI64) UnmarshalText(b []byte) error {
	v, err := ParseEUI64(string(b))
	if err != nil {
		return err
	}
	*e = v
	return nil
}

// Wire returns the address in over-the-air (little-endian) byte order.
func (e EUI64) Wire() [8]byte {
	var w [8]byte
	for i := range e {
		w[i] = e[7-i]
	}
	return w
}

// EUI64FromWire converts little-endian wire bytes into an EUI64.
func EUI64FromWire(b []byte) EUI64 {
	var e EUI64
	for i := 0; i < 8 && i < len(b); i++ {
		e[7-i] = b[i]
	}
	return e
}

// ExtendedPanID is the 64-bit extended PAN identifier, display order.
type ExtendedPanID [8]byte

// ParseExtendedPanID accepts the same formats as ParseEUI64.
func ParseExtendedPanID(s string) (ExtendedPanID, error) {
	e, err := ParseEUI64(s)
	if err != nil {
		return ExtendedPanID{}, fmt.Errorf("parse extended pan id: %w", err)
	}
	return ExtendedPanID(e), nil
}

func (x ExtendedPanID) String() string {
	return hex.EncodeToString(x[:])
}

func (x ExtendedPanID) MarshalText() ([]byte, error) {
	return []byte(x.String()), nil
}

func (x *ExtendedPanID) UnmarshalText(b []byte) error {
	v, err := ParseExtendedPanID(string(b))
	if err != nil {
		return err
	}
	*x = v
	return nil
}

// Key is a 128-bit AES key.
type Key [16]byte

// ParseKey parses 32 hex characters (optionally ':'-separated).
func ParseKey(s string) (Key, error) {
	var k Key
	b, err := hex.DecodeString(strings.ReplaceAll(s, ":", ""))
	if err != nil {
		return k, fmt.Errorf("parse key: %w", err)
	}
	if len(b) != len(k) {
		return k, fmt.Errorf("key must be 16 bytes, got %d", len(b))
	}
	copy(k[:], b)
	return k, nil
}

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// NodeType is the logical role of a node.
type NodeType uint8

const (
	NodeTypeUnknown NodeType = iota
	NodeTypeCoordinator
	NodeTypeRouter
	NodeTypeEndDevice
	NodeTypeSleepyEndDevice
)

func (t NodeType) String() string {
	switch t {
	case NodeTypeCoordinator:
		return "coordinator"
	case NodeTypeRouter:
		return "router"
	case NodeTypeEndDevice:
		return "end_device"
	case NodeTypeSleepyEndDevice:
		return "sleepy_end_device"
	default:
		return "unknown"
	}
}

// NetworkStatus is the joined state reported by the NCP.
type NetworkStatus uint8

const (
	NetworkStatusNoNetwork NetworkStatus = iota
	NetworkStatusJoining
	NetworkStatusJoined
	NetworkStatusJoinedNoParent
	NetworkStatusLeaving
)

func (s NetworkStatus) String() string {
	switch s {
	case NetworkStatusNoNetwork:
		return "no_network"
	case NetworkStatusJoining:
		return "joining"
	case NetworkStatusJoined:
		return "joined"
	case NetworkStatusJoinedNoParent:
		return "joined_no_parent"
	case NetworkStatusLeaving:
		return "leaving"
	default:
		return fmt.Sprintf("network_status(%d)", uint8(s))
	}
}

// AllChannelsMask selects 802.15.4 channels 11-26.
const AllChannelsMask uint32 = 0x07FFF800

// NetworkParameters describes the network the NCP is on, or should form.
type NetworkParameters struct {
	ExtendedPanID ExtendedPanID `json:"extended_pan_id"`
	PanID         uint16        `json:"pan_id"`
	RadioTxPower  int8          `json:"radio_tx_power"`
	RadioChannel  uint8         `json:"radio_channel"`
	NwkManagerID  NodeID        `json:"nwk_manager_id"`
	NwkUpdateID   uint8         `json:"nwk_update_id"`
	Channels      uint32        `json:"channels"`
}

// KeyType selects which key ExportKey returns.
type KeyType uint8

const (
	KeyTypeTrustCenterLinkKey KeyType = iota + 1
	KeyTypeNetwork
)

// InitialSecurityBitmask flags for SetInitialSecurityState.
type InitialSecurityBitmask uint16

const (
	SecurityTrustCenterGlobalLinkKey     InitialSecurityBitmask = 0x0004
	SecurityHavePreconfiguredKey         InitialSecurityBitmask = 0x0100
	SecurityHaveNetworkKey               InitialSecurityBitmask = 0x0200
	SecurityRequireEncryptedKey          InitialSecurityBitmask = 0x0800
	SecurityNoFrameCounterReset          InitialSecurityBitmask = 0x1000
	SecurityTrustCenterUsesHashedLinkKey InitialSecurityBitmask = 0x0084
)

// ExtendedSecurityBitmask flags for SetExtendedSecurityBitmask.
type ExtendedSecurityBitmask uint16

const (
	ExtSecurityJoinerGlobalLinkKey       ExtendedSecurityBitmask = 0x0010
	ExtSecurityNwkLeaveRequestNotAllowed ExtendedSecurityBitmask = 0x0100
)

// SecurityState is programmed before forming a network.
type SecurityState struct {
	Bitmask                  InitialSecurityBitmask
	PreconfiguredKey         Key
	NetworkKey               Key
	NetworkKeySequenceNumber uint8
	PreconfiguredTCEUI64     EUI64
}

// NetworkKeyInfo describes the active network key.
type NetworkKeyInfo struct {
	NetworkKeySet  bool
	SequenceNumber uint8
	FrameCounter   uint32
}

// LinkKey is one entry of the NCP key table.
type LinkKey struct {
	EUI64                EUI64
	Key                  Key
	OutgoingFrameCounter uint32
	IncomingFrameCounter uint32
}

// MulticastTableEntry registers a group the coordinator endpoint listens on.
type MulticastTableEntry struct {
	GroupID  uint16
	Endpoint uint8
}

// APSOption bits for outgoing frames.
type APSOption uint16

const (
	APSOptionNone                   APSOption = 0x0000
	APSOptionRetry                  APSOption = 0x0040
	APSOptionEnableRouteDiscovery   APSOption = 0x0100
	APSOptionEnableAddressDiscovery APSOption = 0x1000
)

// DefaultAPSOptions is used for every unicast unless no response is expected.
const DefaultAPSOptions = APSOptionRetry | APSOptionEnableRouteDiscovery | APSOptionEnableAddressDiscovery

// Profile IDs.
const (
	ProfileZDO uint16 = 0x0000
	ProfileHA  uint16 = 0x0104
)

// APSFrame is the application support sublayer header of a message.
type APSFrame struct {
	ProfileID           uint16    `json:"profile_id"`
	ClusterID           uint16    `json:"cluster_id"`
	SourceEndpoint      uint8     `json:"source_endpoint"`
	DestinationEndpoint uint8     `json:"destination_endpoint"`
	Options             APSOption `json:"options"`
	GroupID             uint16    `json:"group_id"`
	Sequence            uint8     `json:"sequence"`
}

// OutgoingMessageType classifies a sent message.
type OutgoingMessageType uint8

const (
	OutgoingDirect OutgoingMessageType = iota
	OutgoingMulticast
	OutgoingBroadcast
)

func (t OutgoingMessageType) String() string {
	switch t {
	case OutgoingDirect:
		return "direct"
	case OutgoingMulticast:
		return "multicast"
	case OutgoingBroadcast:
		return "broadcast"
	default:
		return fmt.Sprintf("outgoing(%d)", uint8(t))
	}
}

// IncomingMessageType classifies a received message.
type IncomingMessageType uint8

const (
	IncomingUnicast IncomingMessageType = iota
	IncomingMulticast
	IncomingBroadcast
)
