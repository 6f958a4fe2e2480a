package zcl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeValue(t *testing.T) {
	tests := []struct {
		name   string
		typeID uint8
		data   []byte
		want   any
		n      int
	}{
		{"bool", TypeBool, []byte{0x01}, true, 1},
		{"uint8", TypeUint8, []byte{0x42}, uint8(0x42), 1},
		{"uint16", TypeUint16, []byte{0x34, 0x12}, uint16(0x1234), 2},
		{"uint24", TypeUint24, []byte{0x03, 0x02, 0x01}, uint32(0x010203), 3},
		{"int24 negative", TypeInt24, []byte{0xFF, 0xFF, 0xFF}, int32(-1), 3},
		{"int16", TypeInt16, []byte{0x9C, 0xFF}, int16(-100), 2},
		{"uint48", TypeUint48, []byte{1, 0, 0, 0, 0, 1}, uint64(0x010000000001), 6},
		{"float16 one", TypeFloat16, []byte{0x00, 0x3C}, float32(1), 2},
		{"float32", TypeFloat32, []byte{0x00, 0x00, 0x20, 0x41}, float32(10), 4},
		{"string", TypeCharStr, []byte{0x03, 'a', 'b', 'c', 0xFF}, "abc", 4},
		{"string16", TypeCharStr16, []byte{0x02, 0x00, 'h', 'i'}, "hi", 4},
		{"invalid string", TypeCharStr, []byte{0xFF}, nil, 1},
		{"octstr", TypeOctetStr, []byte{0x02, 0xAA, 0xBB}, []byte{0xAA, 0xBB}, 3},
		{"eui64", TypeEUI64, []byte{8, 7, 6, 5, 4, 3, 2, 1}, "0x0102030405060708", 8},
		{"data16", 0x09, []byte{0x01, 0x02}, []byte{0x01, 0x02}, 2},
		{"nodata", TypeNoData, nil, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, n, err := DecodeValue(tt.typeID, tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.n, n)
		})
	}
}

func TestDecodeValueErrors(t *testing.T) {
	_, _, err := DecodeValue(TypeUint32, []byte{0x01})
	assert.Error(t, err)
	_, _, err = DecodeValue(TypeCharStr, []byte{0x05, 'a'})
	assert.Error(t, err)
	_, _, err = DecodeValue(TypeArray, []byte{0x00})
	assert.Error(t, err)
}

func TestParseReadAttributesResponse(t *testing.T) {
	// 0x0000 OK uint8 0x03, 0x0001 unsupported, 0x0004 OK string "IKEA"
	data := []byte{
		0x00, 0x00, 0x00, TypeUint8, 0x03,
		0x01, 0x00, StatusUnsupportedAttr,
		0x04, 0x00, 0x00, TypeCharStr, 0x04, 'I', 'K', 'E', 'A',
	}
	recs, err := ParseReadAttributesResponse(data)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, AttributeRecord{AttrID: 0, DataType: TypeUint8, Value: uint8(3)}, recs[0])
	assert.Equal(t, AttributeRecord{AttrID: 1, Status: StatusUnsupportedAttr}, recs[1])
	assert.Equal(t, "IKEA", recs[2].Value)
}

func TestParseReportAttributesStopsOnUnknownType(t *testing.T) {
	data := []byte{
		0x00, 0x00, TypeInt16, 0xF4, 0x01,
		0x01, 0x00, TypeArray, 0x00,
	}
	recs, err := ParseReportAttributes(data)
	assert.Error(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, int16(500), recs[0].Value)
}

func TestParseDefaultResponse(t *testing.T) {
	rsp, err := ParseDefaultResponse([]byte{0x02, StatusSuccess})
	require.NoError(t, err)
	assert.Equal(t, DefaultResponse{CommandID: 0x02}, rsp)

	_, err = ParseDefaultResponse([]byte{0x02})
	assert.Error(t, err)
}

func TestTypeNames(t *testing.T) {
	assert.Equal(t, "uint16", TypeName(TypeUint16))
	assert.Equal(t, "0x99", TypeName(0x99))
	assert.Equal(t, 4, TypeSize(0x0B))
	assert.Equal(t, SizeVariable16, TypeSize(TypeOctetStr16))
}
