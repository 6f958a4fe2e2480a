// Package zdo builds Zigbee Device Object requests and parses their
// responses. Payloads exclude the leading ZDO transaction sequence number.
package zdo

import (
	"encoding/binary"
	"fmt"

	"zigbee-ncp-host/internal/ncp"
)

// Cluster IDs. A response uses the request id with ResponseBit set.
const (
	NetworkAddressRequest    uint16 = 0x0000
	IEEEAddressRequest       uint16 = 0x0001
	NodeDescriptorRequest    uint16 = 0x0002
	SimpleDescriptorRequest  uint16 = 0x0004
	ActiveEndpointsRequest   uint16 = 0x0005
	DeviceAnnounce           uint16 = 0x0013
	BindRequest              uint16 = 0x0021
	UnbindRequest            uint16 = 0x0022
	LQITableRequest          uint16 = 0x0031
	RoutingTableRequest      uint16 = 0x0032
	LeaveRequest             uint16 = 0x0034
	PermitJoiningRequest     uint16 = 0x0036
	NetworkUpdateRequest     uint16 = 0x0038
	ResponseBit              uint16 = 0x8000
	NetworkAddressResponse          = NetworkAddressRequest | ResponseBit
	IEEEAddressResponse             = IEEEAddressRequest | ResponseBit
	NodeDescriptorResponse          = NodeDescriptorRequest | ResponseBit
	SimpleDescriptorResponse        = SimpleDescriptorRequest | ResponseBit
	ActiveEndpointsResponse         = ActiveEndpointsRequest | ResponseBit
	BindResponse                    = BindRequest | ResponseBit
	UnbindResponse                  = UnbindRequest | ResponseBit
	LQITableResponse                = LQITableRequest | ResponseBit
	RoutingTableResponse            = RoutingTableRequest | ResponseBit
	LeaveResponse                   = LeaveRequest | ResponseBit
	PermitJoiningResponse           = PermitJoiningRequest | ResponseBit
)

// IsResponse reports whether cluster is a ZDO response.
func IsResponse(cluster uint16) bool { return cluster&ResponseBit != 0 }

// ResponseCluster returns the response id for a request id.
func ResponseCluster(request uint16) uint16 { return request | ResponseBit }

// ZDO status codes.
const (
	StatusSuccess           uint8 = 0x00
	StatusInvalidRequest    uint8 = 0x80
	StatusDeviceNotFound    uint8 = 0x81
	StatusInvalidEndpoint   uint8 = 0x82
	StatusNotActive         uint8 = 0x83
	StatusNotSupported      uint8 = 0x84
	StatusTimeout           uint8 = 0x85
	StatusNoMatch           uint8 = 0x86
	StatusNoEntry           uint8 = 0x88
	StatusNoDescriptor      uint8 = 0x89
	StatusInsufficientSpace uint8 = 0x8A
	StatusNotPermitted      uint8 = 0x8B
	StatusTableFull         uint8 = 0x8C
	StatusNotAuthorized     uint8 = 0x8D
)

// Channel change uses scan duration 0xFE in a network update request.
const ChannelChangeScanDuration uint8 = 0xFE

// Bind destination address modes.
const (
	AddrModeGroup uint8 = 0x01
	AddrModeIEEE  uint8 = 0x03
)

// Frame returns the APS frame of a ZDO request.
func Frame(cluster uint16) ncp.APSFrame {
	return ncp.APSFrame{
		ProfileID:           ncp.ProfileZDO,
		ClusterID:           cluster,
		SourceEndpoint:      0,
		DestinationEndpoint: 0,
		Options:             ncp.DefaultAPSOptions,
	}
}

// WithSequence prefixes a request payload with its transaction sequence.
func WithSequence(seq uint8, payload []byte) []byte {
	return append([]byte{seq}, payload...)
}

// NodeDescriptorPayload asks target for its node descriptor.
func NodeDescriptorPayload(target ncp.NodeID) []byte {
	return binary.LittleEndian.AppendUint16(nil, uint16(target))
}

// ActiveEndpointsPayload asks target for its endpoint list.
func ActiveEndpointsPayload(target ncp.NodeID) []byte {
	return binary.LittleEndian.AppendUint16(nil, uint16(target))
}

// SimpleDescriptorPayload asks target for the descriptor of one endpoint.
func SimpleDescriptorPayload(target ncp.NodeID, endpoint uint8) []byte {
	return append(binary.LittleEndian.AppendUint16(nil, uint16(target)), endpoint)
}

// IEEEAddressPayload asks target for its IEEE address (single response).
func IEEEAddressPayload(target ncp.NodeID) []byte {
	return append(binary.LittleEndian.AppendUint16(nil, uint16(target)), 0x00, 0x00)
}

// BindDestination is either a group or a unicast endpoint.
type BindDestination struct {
	Group    *uint16
	EUI64    ncp.EUI64
	Endpoint uint8
}

// GroupDestination binds to a group address.
func GroupDestination(group uint16) BindDestination {
	return BindDestination{Group: &group}
}

// EndpointDestination binds to an endpoint of a device.
func EndpointDestination(eui64 ncp.EUI64, endpoint uint8) BindDestination {
	return BindDestination{EUI64: eui64, Endpoint: endpoint}
}

func (d BindDestination) String() string {
	if d.Group != nil {
		return fmt.Sprintf("group 0x%04X", *d.Group)
	}
	return fmt.Sprintf("%s/%d", d.EUI64, d.Endpoint)
}

// BindPayload builds a bind or unbind request body.
func BindPayload(source ncp.EUI64, sourceEndpoint uint8, cluster uint16, dest BindDestination) []byte {
	src := source.Wire()
	buf := make([]byte, 0, 21)
	buf = append(buf, src[:]...)
	buf = append(buf, sourceEndpoint)
	buf = binary.LittleEndian.AppendUint16(buf, cluster)
	if dest.Group != nil {
		buf = append(buf, AddrModeGroup)
		return binary.LittleEndian.AppendUint16(buf, *dest.Group)
	}
	dst := dest.EUI64.Wire()
	buf = append(buf, AddrModeIEEE)
	buf = append(buf, dst[:]...)
	return append(buf, dest.Endpoint)
}

// TablePayload requests a management table page starting at index.
func TablePayload(startIndex uint8) []byte {
	return []byte{startIndex}
}

// LeavePayload asks a device to leave. An empty EUI64 means the receiver.
func LeavePayload(eui64 ncp.EUI64, rejoin, removeChildren bool) []byte {
	w := eui64.Wire()
	var flags uint8
	if rejoin {
		flags |= 0x80
	}
	if removeChildren {
		flags |= 0x40
	}
	return append(w[:], flags)
}

// PermitJoiningPayload opens (or closes with 0) joining on the receivers.
func PermitJoiningPayload(seconds uint8) []byte {
	return []byte{seconds, 0x01}
}

// ChannelChangePayload asks the network to move to channel.
func ChannelChangePayload(channel uint8, updateID uint8) []byte {
	buf := binary.LittleEndian.AppendUint32(nil, uint32(1)<<channel)
	return append(buf, ChannelChangeScanDuration, updateID)
}
