package zcl

import (
	"encoding/binary"
	"fmt"
)

// Foundation ZCL command IDs (global, not cluster-specific).
const (
	FoundationReadAttributes         uint8 = 0x00
	FoundationReadAttributesResponse uint8 = 0x01
	FoundationWriteAttributes        uint8 = 0x02
	FoundationWriteAttributesResp    uint8 = 0x04
	FoundationConfigReporting        uint8 = 0x06
	FoundationConfigReportingResp    uint8 = 0x07
	FoundationReadReportingConfig    uint8 = 0x08
	FoundationReadReportingConfigRsp uint8 = 0x09
	FoundationReportAttributes       uint8 = 0x0A
	FoundationDefaultResponse        uint8 = 0x0B
	FoundationDiscoverAttributes     uint8 = 0x0C
	FoundationDiscoverAttributesResp uint8 = 0x0D
)

var foundationResponses = map[uint8]uint8{
	FoundationReadAttributes:      FoundationReadAttributesResponse,
	FoundationWriteAttributes:     FoundationWriteAttributesResp,
	FoundationConfigReporting:     FoundationConfigReportingResp,
	FoundationReadReportingConfig: FoundationReadReportingConfigRsp,
	FoundationDiscoverAttributes:  FoundationDiscoverAttributesResp,
}

// ZCL status codes
const (
	StatusSuccess         uint8 = 0x00
	StatusFailure         uint8 = 0x01
	StatusUnsupportedAttr uint8 = 0x86
	StatusInvalidValue    uint8 = 0x87
	StatusReadOnly        uint8 = 0x88
	StatusNotFound        uint8 = 0x8B
	StatusUnreportable    uint8 = 0x8C
	StatusInvalidDataType uint8 = 0x8D
)

// ReadAttributesPayload builds the payload of a Read Attributes command.
func ReadAttributesPayload(attrIDs ...uint16) []byte {
	buf := make([]byte, 0, 2*len(attrIDs))
	for _, id := range attrIDs {
		buf = binary.LittleEndian.AppendUint16(buf, id)
	}
	return buf
}

// WriteRecord is one attribute in a Write Attributes command.
type WriteRecord struct {
	AttrID   uint16
	DataType uint8
	Value    []byte
}

// WriteAttributesPayload builds the payload of a Write Attributes command.
func WriteAttributesPayload(records ...WriteRecord) []byte {
	var buf []byte
	for _, rec := range records {
		buf = binary.LittleEndian.AppendUint16(buf, rec.AttrID)
		buf = append(buf, rec.DataType)
		buf = append(buf, rec.Value...)
	}
	return buf
}

// ConfigureReportingPayload builds one "send reports" record.
func ConfigureReportingPayload(attrID uint16, dataType uint8, minInterval, maxInterval uint16, reportableChange []byte) []byte {
	buf := []byte{0x00} // direction: send reports
	buf = binary.LittleEndian.AppendUint16(buf, attrID)
	buf = append(buf, dataType)
	buf = binary.LittleEndian.AppendUint16(buf, minInterval)
	buf = binary.LittleEndian.AppendUint16(buf, maxInterval)
	return append(buf, reportableChange...)
}

// AttributeRecord is one attribute from a read response or report.
type AttributeRecord struct {
	AttrID   uint16 `json:"attr_id"`
	Status   uint8  `json:"status"`
	DataType uint8  `json:"data_type"`
	Value    any    `json:"value,omitempty"`
}

// ParseReadAttributesResponse parses [attrID(2) status(1) (type(1) value)?]...
// Parsing stops at the first record whose value cannot be delimited.
func ParseReadAttributesResponse(data []byte) ([]AttributeRecord, error) {
	return parseRecords(data, true)
}

// ParseReportAttributes parses [attrID(2) type(1) value]...
func ParseReportAttributes(data []byte) ([]AttributeRecord, error) {
	return parseRecords(data, false)
}

func parseRecords(data []byte, withStatus bool) ([]AttributeRecord, error) {
	var records []AttributeRecord
	for len(data) > 0 {
		if len(data) < 3 {
			return records, fmt.Errorf("zcl: truncated attribute record")
		}
		rec := AttributeRecord{AttrID: binary.LittleEndian.Uint16(data[0:2])}
		data = data[2:]
		if withStatus {
			rec.Status = data[0]
			data = data[1:]
			if rec.Status != StatusSuccess {
				records = append(records, rec)
				continue
			}
			if len(data) < 1 {
				return records, fmt.Errorf("zcl: missing data type for attribute 0x%04X", rec.AttrID)
			}
		}
		rec.DataType = data[0]
		data = data[1:]

		val, n, err := DecodeValue(rec.DataType, data)
		if err != nil {
			return records, fmt.Errorf("zcl: attribute 0x%04X: %w", rec.AttrID, err)
		}
		rec.Value = val
		data = data[n:]
		records = append(records, rec)
	}
	return records, nil
}

// DefaultResponse is the payload of a Default Response command.
type DefaultResponse struct {
	CommandID uint8 `json:"command_id"`
	Status    uint8 `json:"status"`
}

// ParseDefaultResponse parses commandID(1) + status(1).
func ParseDefaultResponse(data []byte) (DefaultResponse, error) {
	if len(data) < 2 {
		return DefaultResponse{}, fmt.Errorf("zcl: default response too short: %d bytes", len(data))
	}
	return DefaultResponse{CommandID: data[0], Status: data[1]}, nil
}
