package zcl

import (
	"bytes"
	"testing"
)

func TestFrameEncodeDecode(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
		want  []byte
	}{
		{
			name:  "global read",
			frame: *NewGlobal(5, FoundationReadAttributes, ReadAttributesPayload(0x0000, 0x0001)),
			want:  []byte{0x00, 0x05, 0x00, 0x00, 0x00, 0x01, 0x00},
		},
		{
			name: "cluster toggle without default response",
			frame: Frame{Header: Header{
				FrameType:              FrameTypeCluster,
				DisableDefaultResponse: true,
				TransactionSequence:    7,
				CommandID:              0x02,
			}},
			want: []byte{0x11, 0x07, 0x02},
		},
		{
			name: "manufacturer specific server to client",
			frame: Frame{Header: Header{
				FrameType:            FrameTypeCluster,
				ManufacturerSpecific: true,
				ManufacturerCode:     0x115F,
				Direction:            DirectionServerToClient,
				TransactionSequence:  9,
				CommandID:            0xF0,
			}, Payload: []byte{0xAA}},
			want: []byte{0x0D, 0x5F, 0x11, 0x09, 0xF0, 0xAA},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.frame.Encode()
			if !bytes.Equal(got, tt.want) {
				t.Fatalf("Encode = %X, want %X", got, tt.want)
			}
			dec, err := Decode(got)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if dec.Header != tt.frame.Header {
				t.Errorf("header = %+v, want %+v", dec.Header, tt.frame.Header)
			}
			if !bytes.Equal(dec.Payload, tt.frame.Payload) {
				t.Errorf("payload = %X, want %X", dec.Payload, tt.frame.Payload)
			}
		})
	}
}

func TestDecodeShortFrame(t *testing.T) {
	if _, err := Decode([]byte{0x00, 0x01}); err != ErrShortFrame {
		t.Errorf("err = %v, want ErrShortFrame", err)
	}
	if _, err := Decode([]byte{0x04, 0x01, 0x02}); err != ErrShortFrame {
		t.Errorf("manufacturer header: err = %v, want ErrShortFrame", err)
	}
}

func TestExpectedResponse(t *testing.T) {
	rsp, ok := NewGlobal(1, FoundationReadAttributes, nil).ExpectedResponse()
	if !ok || rsp != FoundationReadAttributesResponse {
		t.Errorf("read: got 0x%02X %v", rsp, ok)
	}
	if _, ok := NewGlobal(1, FoundationReportAttributes, nil).ExpectedResponse(); ok {
		t.Error("report attributes has no response")
	}
	if _, ok := NewCluster(1, 0x00, nil).ExpectedResponse(); ok {
		t.Error("cluster commands have no known response")
	}
}
