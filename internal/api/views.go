package api

import (
	"encoding/hex"
	"time"

	"zigbee-ncp-host/internal/ncp"
	"zigbee-ncp-host/internal/zcl"
)

// CoordinatorInfo is the result of the "coordinator" command.
type CoordinatorInfo struct {
	Version          string                `json:"version"`
	IEEEAddress      ncp.EUI64             `json:"ieee_address"`
	Stack            *ncp.Info             `json:"stack,omitempty"`
	State            string                `json:"state"`
	Network          ncp.NetworkParameters `json:"network"`
	ManufacturerCode uint16                `json:"manufacturer_code"`
	Groups           []uint16              `json:"groups"`
}

// BackupSummary describes one backup without its key material.
type BackupSummary struct {
	ID          string    `json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	PanID       uint16    `json:"pan_id"`
	Channel     uint8     `json:"channel"`
	DeviceCount int       `json:"device_count"`
}

// LinkKeyInfo is a key table entry with the key itself left out.
type LinkKeyInfo struct {
	IEEEAddress          ncp.EUI64 `json:"ieee_address"`
	OutgoingFrameCounter uint32    `json:"outgoing_frame_counter"`
	IncomingFrameCounter uint32    `json:"incoming_frame_counter"`
}

type Neighbor struct {
	IEEEAddress    ncp.EUI64 `json:"ieee_address"`
	NetworkAddress string    `json:"network_address"`
	DeviceType     uint8     `json:"device_type"`
	Relationship   uint8     `json:"relationship"`
	Depth          uint8     `json:"depth"`
	LinkQuality    uint8     `json:"link_quality"`
}

type Route struct {
	Destination string `json:"destination"`
	NextHop     string `json:"next_hop"`
	Status      uint8  `json:"status"`
	ManyToOne   bool   `json:"many_to_one"`
}

// ZCLResult is the outcome of a ZCL send. Response is nil when the command
// expects no answer or was not unicast.
type ZCLResult struct {
	TSN      uint8        `json:"tsn"`
	Response *ZCLResponse `json:"response,omitempty"`
}

// ZCLResponse is a decoded ZCL frame received from a device.
type ZCLResponse struct {
	Sender      string                `json:"sender"`
	Endpoint    uint8                 `json:"endpoint"`
	ClusterID   uint16                `json:"cluster_id"`
	CommandID   uint8                 `json:"command_id"`
	Global      bool                  `json:"global"`
	Payload     string                `json:"payload"`
	Attributes  []zcl.AttributeRecord `json:"attributes,omitempty"`
	Status      *uint8                `json:"status,omitempty"`
	LinkQuality uint8                 `json:"link_quality"`
	RSSI        int8                  `json:"rssi"`
}

// DecodeZCL describes a received ZCL frame, decoding attribute records and
// default response status for foundation commands.
func DecodeZCL(sender ncp.NodeID, endpoint uint8, cluster uint16, hdr zcl.Header, payload []byte, lqi uint8, rssi int8) *ZCLResponse {
	r := &ZCLResponse{
		Sender:      sender.String(),
		Endpoint:    endpoint,
		ClusterID:   cluster,
		CommandID:   hdr.CommandID,
		Global:      hdr.FrameType == zcl.FrameTypeGlobal,
		Payload:     hex.EncodeToString(payload),
		LinkQuality: lqi,
		RSSI:        rssi,
	}
	if !r.Global {
		return r
	}
	switch hdr.CommandID {
	case zcl.FoundationReadAttributesResponse:
		r.Attributes, _ = zcl.ParseReadAttributesResponse(payload)
	case zcl.FoundationReportAttributes:
		r.Attributes, _ = zcl.ParseReportAttributes(payload)
	case zcl.FoundationDefaultResponse:
		if dr, err := zcl.ParseDefaultResponse(payload); err == nil {
			r.Status = &dr.Status
		}
	}
	return r
}
