package zdo

import (
	"encoding/binary"
	"errors"
	"fmt"

	"zigbee-ncp-host/internal/ncp"
)

// ErrTruncated reports a response shorter than its declared content.
var ErrTruncated = errors.New("zdo: truncated response")

func truncated(what string, need, have int) error {
	return fmt.Errorf("%w: %s needs %d bytes, have %d", ErrTruncated, what, need, have)
}

// SplitResponse separates the transaction sequence and, for response
// clusters, the status byte from the rest of a ZDO message.
func SplitResponse(cluster uint16, payload []byte) (seq, status uint8, body []byte, err error) {
	if len(payload) < 1 {
		return 0, 0, nil, truncated("sequence", 1, 0)
	}
	seq = payload[0]
	if !IsResponse(cluster) {
		return seq, StatusSuccess, payload[1:], nil
	}
	if len(payload) < 2 {
		return seq, 0, nil, truncated("status", 2, len(payload))
	}
	return seq, payload[1], payload[2:], nil
}

// Announce is a device announcement.
type Announce struct {
	NodeID       ncp.NodeID
	EUI64        ncp.EUI64
	Capabilities uint8
}

// ParseAnnounce parses a device announce body.
func ParseAnnounce(b []byte) (Announce, error) {
	if len(b) < 11 {
		return Announce{}, truncated("device announce", 11, len(b))
	}
	return Announce{
		NodeID:       ncp.NodeID(binary.LittleEndian.Uint16(b[0:2])),
		EUI64:        ncp.EUI64FromWire(b[2:10]),
		Capabilities: b[10],
	}, nil
}

// AddressResponse is the body of an IEEE or network address response.
type AddressResponse struct {
	EUI64  ncp.EUI64
	NodeID ncp.NodeID
}

// ParseAddressResponse parses an IEEE/NWK address response body.
func ParseAddressResponse(b []byte) (AddressResponse, error) {
	if len(b) < 10 {
		return AddressResponse{}, truncated("address response", 10, len(b))
	}
	return AddressResponse{
		EUI64:  ncp.EUI64FromWire(b[0:8]),
		NodeID: ncp.NodeID(binary.LittleEndian.Uint16(b[8:10])),
	}, nil
}

// LogicalType of a node descriptor.
type LogicalType uint8

const (
	LogicalCoordinator LogicalType = 0
	LogicalRouter      LogicalType = 1
	LogicalEndDevice   LogicalType = 2
)

func (t LogicalType) String() string {
	switch t {
	case LogicalCoordinator:
		return "Coordinator"
	case LogicalRouter:
		return "Router"
	case LogicalEndDevice:
		return "EndDevice"
	}
	return fmt.Sprintf("LogicalType(%d)", uint8(t))
}

// NodeDescriptor is the subset of the node descriptor the host uses.
type NodeDescriptor struct {
	NodeID           ncp.NodeID
	LogicalType      LogicalType
	MACCapabilities  uint8
	ManufacturerCode uint16
	MaxBufferSize    uint8
	ServerMask       uint16
	// StackRevision is bits 9-15 of the server mask (R21 and later).
	StackRevision uint8
}

// ParseNodeDescriptor parses a node descriptor response body.
func ParseNodeDescriptor(b []byte) (NodeDescriptor, error) {
	if len(b) < 2+13 {
		return NodeDescriptor{}, truncated("node descriptor", 15, len(b))
	}
	d := b[2:]
	server := binary.LittleEndian.Uint16(d[8:10])
	return NodeDescriptor{
		NodeID:           ncp.NodeID(binary.LittleEndian.Uint16(b[0:2])),
		LogicalType:      LogicalType(d[0] & 0x07),
		MACCapabilities:  d[2],
		ManufacturerCode: binary.LittleEndian.Uint16(d[3:5]),
		MaxBufferSize:    d[5],
		ServerMask:       server,
		StackRevision:    uint8(server >> 9),
	}, nil
}

// ActiveEndpoints is an active endpoints response.
type ActiveEndpoints struct {
	NodeID    ncp.NodeID
	Endpoints []uint8
}

// ParseActiveEndpoints parses an active endpoints response body.
func ParseActiveEndpoints(b []byte) (ActiveEndpoints, error) {
	if len(b) < 3 {
		return ActiveEndpoints{}, truncated("active endpoints", 3, len(b))
	}
	count := int(b[2])
	if len(b) < 3+count {
		return ActiveEndpoints{}, truncated("active endpoint list", 3+count, len(b))
	}
	return ActiveEndpoints{
		NodeID:    ncp.NodeID(binary.LittleEndian.Uint16(b[0:2])),
		Endpoints: append([]uint8(nil), b[3:3+count]...),
	}, nil
}

// SimpleDescriptor describes an endpoint.
type SimpleDescriptor struct {
	NodeID        ncp.NodeID
	Endpoint      uint8
	ProfileID     uint16
	DeviceID      uint16
	DeviceVersion uint8
	InClusters    []uint16
	OutClusters   []uint16
}

// ParseSimpleDescriptor parses a simple descriptor response body.
func ParseSimpleDescriptor(b []byte) (SimpleDescriptor, error) {
	if len(b) < 3 {
		return SimpleDescriptor{}, truncated("simple descriptor", 3, len(b))
	}
	sd := SimpleDescriptor{NodeID: ncp.NodeID(binary.LittleEndian.Uint16(b[0:2]))}
	d := b[3:]
	if int(b[2]) > len(d) || len(d) < 7 {
		return sd, truncated("simple descriptor body", 3+max(int(b[2]), 7), len(b))
	}
	sd.Endpoint = d[0]
	sd.ProfileID = binary.LittleEndian.Uint16(d[1:3])
	sd.DeviceID = binary.LittleEndian.Uint16(d[3:5])
	sd.DeviceVersion = d[5] & 0x0F

	pos := 6
	var err error
	if sd.InClusters, pos, err = clusterList(d, pos); err != nil {
		return sd, err
	}
	if sd.OutClusters, _, err = clusterList(d, pos); err != nil {
		return sd, err
	}
	return sd, nil
}

func clusterList(d []byte, pos int) ([]uint16, int, error) {
	if pos >= len(d) {
		return nil, pos, truncated("cluster count", pos+1, len(d))
	}
	count := int(d[pos])
	pos++
	if pos+2*count > len(d) {
		return nil, pos, truncated("cluster list", pos+2*count, len(d))
	}
	list := make([]uint16, count)
	for i := range list {
		list[i] = binary.LittleEndian.Uint16(d[pos : pos+2])
		pos += 2
	}
	return list, pos, nil
}

// Neighbor is one entry of a LQI (neighbor) table.
type Neighbor struct {
	ExtendedPanID ncp.ExtendedPanID
	EUI64         ncp.EUI64
	NodeID        ncp.NodeID
	DeviceType    uint8
	RxOnWhenIdle  uint8
	Relationship  uint8
	PermitJoining uint8
	Depth         uint8
	LinkQuality   uint8
}

// Route is one entry of a routing table.
type Route struct {
	Destination         ncp.NodeID
	Status              uint8
	MemoryConstrained   bool
	ManyToOne           bool
	RouteRecordRequired bool
	NextHop             ncp.NodeID
}

// TablePage is the header shared by management table responses.
type TablePage[T any] struct {
	Total      uint8
	StartIndex uint8
	Entries    []T
}

const (
	neighborSize = 22
	routeSize    = 5
)

// ParseLQITable parses a management LQI response body.
func ParseLQITable(b []byte) (TablePage[Neighbor], error) {
	return parseTable(b, neighborSize, func(e []byte) Neighbor {
		var xp ncp.ExtendedPanID
		copy(xp[:], reversed(e[0:8]))
		return Neighbor{
			ExtendedPanID: xp,
			EUI64:         ncp.EUI64FromWire(e[8:16]),
			NodeID:        ncp.NodeID(binary.LittleEndian.Uint16(e[16:18])),
			DeviceType:    e[18] & 0x03,
			RxOnWhenIdle:  (e[18] >> 2) & 0x03,
			Relationship:  (e[18] >> 4) & 0x07,
			PermitJoining: e[19] & 0x03,
			Depth:         e[20],
			LinkQuality:   e[21],
		}
	})
}

// ParseRoutingTable parses a management routing table response body.
func ParseRoutingTable(b []byte) (TablePage[Route], error) {
	return parseTable(b, routeSize, func(e []byte) Route {
		return Route{
			Destination:         ncp.NodeID(binary.LittleEndian.Uint16(e[0:2])),
			Status:              e[2] & 0x07,
			MemoryConstrained:   e[2]&0x08 != 0,
			ManyToOne:           e[2]&0x10 != 0,
			RouteRecordRequired: e[2]&0x20 != 0,
			NextHop:             ncp.NodeID(binary.LittleEndian.Uint16(e[3:5])),
		}
	})
}

func parseTable[T any](b []byte, size int, entry func([]byte) T) (TablePage[T], error) {
	var page TablePage[T]
	if len(b) < 3 {
		return page, truncated("table header", 3, len(b))
	}
	page.Total, page.StartIndex = b[0], b[1]
	count := int(b[2])
	if len(b) < 3+count*size {
		return page, truncated("table entries", 3+count*size, len(b))
	}
	page.Entries = make([]T, 0, count)
	for i := 0; i < count; i++ {
		off := 3 + i*size
		page.Entries = append(page.Entries, entry(b[off:off+size]))
	}
	return page, nil
}

func reversed(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[len(b)-1-i] = b[i]
	}
	return out
}
