// Package zcl encodes and decodes Zigbee Cluster Library frame headers and
// the foundation (global) commands the host needs. Cluster semantics are
// left to callers.
package zcl

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// FrameType is bits 0-1 of the frame control field.
type FrameType uint8

const (
	FrameTypeGlobal  FrameType = 0x00
	FrameTypeCluster FrameType = 0x01
)

// Direction of a ZCL command.
type Direction uint8

const (
	DirectionClientToServer Direction = 0
	DirectionServerToClient Direction = 1
)

// Frame control bits.
const (
	fcFrameTypeMask      = 0x03
	fcManufacturerSpec   = 0x04
	fcServerToClient     = 0x08
	fcDisableDefaultResp = 0x10
)

// ErrShortFrame is returned when a buffer cannot hold a ZCL header.
var ErrShortFrame = errors.New("zcl: frame too short")

// Header is a decoded ZCL frame header.
type Header struct {
	FrameType              FrameType `json:"frame_type"`
	ManufacturerSpecific   bool      `json:"manufacturer_specific"`
	Direction              Direction `json:"direction"`
	DisableDefaultResponse bool      `json:"disable_default_response"`
	ManufacturerCode       uint16    `json:"manufacturer_code,omitempty"`
	TransactionSequence    uint8     `json:"tsn"`
	CommandID              uint8     `json:"command_id"`
}

// Frame is a ZCL header plus the command payload.
type Frame struct {
	Header  Header `json:"header"`
	Payload []byte `json:"payload"`
}

// NewGlobal builds a foundation command frame from client to server.
func NewGlobal(tsn, command uint8, payload []byte) *Frame {
	return &Frame{
		Header: Header{
			FrameType:           FrameTypeGlobal,
			TransactionSequence: tsn,
			CommandID:           command,
		},
		Payload: payload,
	}
}

// NewCluster builds a cluster-specific command frame from client to server.
func NewCluster(tsn, command uint8, payload []byte) *Frame {
	return &Frame{
		Header: Header{
			FrameType:           FrameTypeCluster,
			TransactionSequence: tsn,
			CommandID:           command,
		},
		Payload: payload,
	}
}

// HeaderLen returns the encoded header length.
func (h Header) HeaderLen() int {
	if h.ManufacturerSpecific {
		return 5
	}
	return 3
}

// FrameControl packs the header flags into the frame control byte.
func (h Header) FrameControl() uint8 {
	fc := uint8(h.FrameType) & fcFrameTypeMask
	if h.ManufacturerSpecific {
		fc |= fcManufacturerSpec
	}
	if h.Direction == DirectionServerToClient {
		fc |= fcServerToClient
	}
	if h.DisableDefaultResponse {
		fc |= fcDisableDefaultResp
	}
	return fc
}

// Encode serializes the frame.
func (f *Frame) Encode() []byte {
	buf := make([]byte, 0, f.Header.HeaderLen()+len(f.Payload))
	buf = append(buf, f.Header.FrameControl())
	if f.Header.ManufacturerSpecific {
		buf = binary.LittleEndian.AppendUint16(buf, f.Header.ManufacturerCode)
	}
	buf = append(buf, f.Header.TransactionSequence, f.Header.CommandID)
	return append(buf, f.Payload...)
}

// DecodeHeader parses the header at the start of data.
func DecodeHeader(data []byte) (Header, error) {
	var h Header
	if len(data) < 3 {
		return h, ErrShortFrame
	}
	fc := data[0]
	h.FrameType = FrameType(fc & fcFrameTypeMask)
	h.ManufacturerSpecific = fc&fcManufacturerSpec != 0
	if fc&fcServerToClient != 0 {
		h.Direction = DirectionServerToClient
	}
	h.DisableDefaultResponse = fc&fcDisableDefaultResp != 0

	pos := 1
	if h.ManufacturerSpecific {
		if len(data) < 5 {
			return h, ErrShortFrame
		}
		h.ManufacturerCode = binary.LittleEndian.Uint16(data[1:3])
		pos = 3
	}
	h.TransactionSequence = data[pos]
	h.CommandID = data[pos+1]
	return h, nil
}

// Decode parses a complete frame. The payload aliases data.
func Decode(data []byte) (*Frame, error) {
	h, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}
	return &Frame{Header: h, Payload: data[h.HeaderLen():]}, nil
}

// IsGlobal reports whether the frame carries a foundation command.
func (f *Frame) IsGlobal() bool {
	return f.Header.FrameType == FrameTypeGlobal
}

// ExpectedResponse returns the command id a server answers this frame with,
// for the foundation commands that have a dedicated response.
func (f *Frame) ExpectedResponse() (uint8, bool) {
	if !f.IsGlobal() {
		return 0, false
	}
	rsp, ok := foundationResponses[f.Header.CommandID]
	return rsp, ok
}

func (h Header) String() string {
	kind := "global"
	if h.FrameType == FrameTypeCluster {
		kind = "cluster"
	}
	return fmt.Sprintf("%s cmd=0x%02X tsn=%d", kind, h.CommandID, h.TransactionSequence)
}
