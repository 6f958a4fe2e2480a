package zcl

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// ZCL data type IDs
const (
	TypeNoData     uint8 = 0x00
	TypeData8      uint8 = 0x08
	TypeBool       uint8 = 0x10
	TypeBitmap8    uint8 = 0x18
	TypeBitmap16   uint8 = 0x19
	TypeBitmap24   uint8 = 0x1A
	TypeBitmap32   uint8 = 0x1B
	TypeUint8      uint8 = 0x20
	TypeUint16     uint8 = 0x21
	TypeUint24     uint8 = 0x22
	TypeUint32     uint8 = 0x23
	TypeUint40     uint8 = 0x24
	TypeUint48     uint8 = 0x25
	TypeInt8       uint8 = 0x28
	TypeInt16      uint8 = 0x29
	TypeInt24      uint8 = 0x2A
	TypeInt32      uint8 = 0x2B
	TypeEnum8      uint8 = 0x30
	TypeEnum16     uint8 = 0x31
	TypeFloat16    uint8 = 0x38
	TypeFloat32    uint8 = 0x39
	TypeFloat64    uint8 = 0x3A
	TypeOctetStr   uint8 = 0x41
	TypeCharStr    uint8 = 0x42
	TypeOctetStr16 uint8 = 0x43
	TypeCharStr16  uint8 = 0x44
	TypeArray      uint8 = 0x48
	TypeStruct     uint8 = 0x4C
	TypeToD        uint8 = 0xE0 // Time of Day
	TypeDate       uint8 = 0xE1
	TypeUTC        uint8 = 0xE2
	TypeClusterID  uint8 = 0xE8
	TypeAttrID     uint8 = 0xE9
	TypeEUI64      uint8 = 0xF0
	TypeKey128     uint8 = 0xF1
)

// Size markers for variable-length types.
const (
	SizeVariable   = -1 // 1-byte length prefix
	SizeVariable16 = -2 // 2-byte length prefix
	SizeUnknown    = -3
)

type typeInfo struct {
	name string
	size int
}

var typeTable = map[uint8]typeInfo{
	TypeNoData:     {"nodata", 0},
	TypeBool:       {"bool", 1},
	TypeBitmap8:    {"map8", 1},
	TypeBitmap16:   {"map16", 2},
	TypeBitmap24:   {"map24", 3},
	TypeBitmap32:   {"map32", 4},
	TypeUint8:      {"uint8", 1},
	TypeUint16:     {"uint16", 2},
	TypeUint24:     {"uint24", 3},
	TypeUint32:     {"uint32", 4},
	TypeUint40:     {"uint40", 5},
	TypeUint48:     {"uint48", 6},
	TypeInt8:       {"int8", 1},
	TypeInt16:      {"int16", 2},
	TypeInt24:      {"int24", 3},
	TypeInt32:      {"int32", 4},
	TypeEnum8:      {"enum8", 1},
	TypeEnum16:     {"enum16", 2},
	TypeFloat16:    {"float16", 2},
	TypeFloat32:    {"float32", 4},
	TypeFloat64:    {"float64", 8},
	TypeOctetStr:   {"octstr", SizeVariable},
	TypeCharStr:    {"string", SizeVariable},
	TypeOctetStr16: {"octstr16", SizeVariable16},
	TypeCharStr16:  {"string16", SizeVariable16},
	TypeToD:        {"ToD", 4},
	TypeDate:       {"date", 4},
	TypeUTC:        {"UTC", 4},
	TypeClusterID:  {"clusterId", 2},
	TypeAttrID:     {"attribId", 2},
	TypeEUI64:      {"EUI64", 8},
	TypeKey128:     {"key128", 16},
}

// TypeSize returns the encoded size of a ZCL type, or one of the Size markers.
func TypeSize(typeID uint8) int {
	if typeID >= 0x08 && typeID <= 0x0F { // data8..data64
		return int(typeID-TypeData8) + 1
	}
	if info, ok := typeTable[typeID]; ok {
		return info.size
	}
	return SizeUnknown
}

// TypeName returns a human-readable name for a ZCL type.
func TypeName(typeID uint8) string {
	if info, ok := typeTable[typeID]; ok {
		return info.name
	}
	return fmt.Sprintf("0x%02X", typeID)
}

// DecodeValue decodes a ZCL typed value from raw bytes, returning the Go value and bytes consumed.
func DecodeValue(typeID uint8, data []byte) (any, int, error) {
	size := TypeSize(typeID)
	switch size {
	case 0:
		return nil, 0, nil
	case SizeUnknown:
		return nil, 0, fmt.Errorf("zcl: unsupported type 0x%02X", typeID)
	case SizeVariable, SizeVariable16:
		return decodeString(typeID, size, data)
	}

	if len(data) < size {
		return nil, 0, fmt.Errorf("zcl: not enough data for type 0x%02X: need %d, have %d", typeID, size, len(data))
	}

	switch typeID {
	case TypeBool:
		return data[0] != 0, 1, nil
	case TypeUint8, TypeEnum8, TypeBitmap8:
		return data[0], 1, nil
	case TypeUint16, TypeEnum16, TypeBitmap16, TypeClusterID, TypeAttrID:
		return binary.LittleEndian.Uint16(data), 2, nil
	case TypeFloat16:
		return float16.Frombits(binary.LittleEndian.Uint16(data)).Float32(), 2, nil
	case TypeUint24, TypeBitmap24:
		return uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16, 3, nil
	case TypeInt24:
		v := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16
		if v&0x800000 != 0 {
			v |= 0xFF000000 // sign extend
		}
		return int32(v), 3, nil
	case TypeUint32, TypeBitmap32, TypeUTC, TypeToD, TypeDate:
		return binary.LittleEndian.Uint32(data), 4, nil
	case TypeUint40, TypeUint48:
		var v uint64
		for i := size - 1; i >= 0; i-- {
			v = v<<8 | uint64(data[i])
		}
		return v, size, nil
	case TypeInt8:
		return int8(data[0]), 1, nil
	case TypeInt16:
		return int16(binary.LittleEndian.Uint16(data)), 2, nil
	case TypeInt32:
		return int32(binary.LittleEndian.Uint32(data)), 4, nil
	case TypeFloat32:
		return math.Float32frombits(binary.LittleEndian.Uint32(data)), 4, nil
	case TypeFloat64:
		return math.Float64frombits(binary.LittleEndian.Uint64(data)), 8, nil
	case TypeEUI64:
		// Wire order is little-endian; render most significant byte first.
		return fmt.Sprintf("0x%016X", binary.LittleEndian.Uint64(data)), 8, nil
	}

	raw := make([]byte, size)
	copy(raw, data[:size])
	return raw, size, nil
}

func decodeString(typeID uint8, size int, data []byte) (any, int, error) {
	prefix := 1
	if size == SizeVariable16 {
		prefix = 2
	}
	if len(data) < prefix {
		return nil, 0, fmt.Errorf("zcl: no length prefix for type 0x%02X", typeID)
	}
	var length int
	if prefix == 1 {
		length = int(data[0])
		if length == 0xFF {
			return nil, 1, nil // invalid value
		}
	} else {
		length = int(binary.LittleEndian.Uint16(data))
		if length == 0xFFFF {
			return nil, 2, nil
		}
	}
	if len(data) < prefix+length {
		return nil, 0, fmt.Errorf("zcl: string truncated: need %d, have %d", length, len(data)-prefix)
	}
	body := data[prefix : prefix+length]
	if typeID == TypeCharStr || typeID == TypeCharStr16 {
		return string(body), prefix + length, nil
	}
	b := make([]byte, length)
	copy(b, body)
	return b, prefix + length, nil
}
