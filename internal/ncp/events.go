package ncp

import "fmt"

// Event is one asynchronous notification raised by the transport.
// The set of variants is closed: only types in this package implement it.
type Event interface {
	event()
}

// StackStatusEvent reports a network state change.
type StackStatusEvent struct {
	Status Status
}

// MessageSentEvent confirms (or denies) delivery of an earlier send.
type MessageSentEvent struct {
	Status      Status
	Type        OutgoingMessageType
	Destination NodeID
	Frame       APSFrame
	Tag         uint8
}

// IncomingMessageEvent carries a non-ZDO application message.
type IncomingMessageEvent struct {
	Type        IncomingMessageType
	Frame       APSFrame
	LinkQuality uint8
	RSSI        int8
	Sender      NodeID
	Payload     []byte
}

// ZDOResponseEvent carries a ZDO message (profile 0). Payload starts with
// the ZDO transaction sequence number.
type ZDOResponseEvent struct {
	Sender  NodeID
	Frame   APSFrame
	Payload []byte
}

// DeviceUpdate is the reason of a trust center join notification.
type DeviceUpdate uint8

const (
	DeviceSecuredRejoin DeviceUpdate = iota
	DeviceUnsecuredJoin
	DeviceLeft
	DeviceUnsecuredRejoin
)

func (d DeviceUpdate) String() string {
	switch d {
	case DeviceSecuredRejoin:
		return "secured_rejoin"
	case DeviceUnsecuredJoin:
		return "unsecured_join"
	case DeviceLeft:
		return "left"
	case DeviceUnsecuredRejoin:
		return "unsecured_rejoin"
	default:
		return fmt.Sprintf("device_update(%d)", uint8(d))
	}
}

// JoinDecision is the trust center policy outcome for a joining device.
type JoinDecision uint8

const (
	JoinPreconfiguredKey JoinDecision = iota
	JoinSendKeyInClear
	JoinDenied
	JoinNoAction
)

// TrustCenterJoinEvent reports a device joining, rejoining or leaving
// through the trust center.
type TrustCenterJoinEvent struct {
	NodeID   NodeID
	EUI64    EUI64
	Status   DeviceUpdate
	Decision JoinDecision
	Parent   NodeID
}

// DeviceLeftEvent reports a device leaving the network.
type DeviceLeftEvent struct {
	NodeID NodeID
	EUI64  EUI64
}

// FatalErrorEvent reports that the NCP link is unusable and needs a full
// reset and re-initialization.
type FatalErrorEvent struct {
	Reason string
}

func (StackStatusEvent) event()     {}
func (MessageSentEvent) event()     {}
func (IncomingMessageEvent) event() {}
func (ZDOResponseEvent) event()     {}
func (TrustCenterJoinEvent) event() {}
func (DeviceLeftEvent) event()      {}
func (FatalErrorEvent) event()      {}
