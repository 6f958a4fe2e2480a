package ncp

// ZBOSS NCP serial protocol: LL/HL frame codec, CRC8/CRC16, command IDs.
// Reference: Wireshark ZBOSS NCP dissector (packet-zbncp.c/h).

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// --- LL (Low-Level) header constants ---

const (
	zbossSig0         = 0xDE
	zbossSig1         = 0xAD
	zbossLLHeaderSize = 7 // sig(2) + len(2) + type(1) + flags(1) + crc8(1)
	zbossBodyCRCSize  = 2 // CRC16 at start of body
	zbossMaxFrameSize = 256
)

// LL packet type (always 0x06 for ZBOSS NCP API HL; ACK vs DATA is in flags).
const zbossLLType uint8 = 0x06

// LL flags bitmask.
const (
	zbossFlagACK         = 0x01
	zbossFlagRetrans     = 0x02
	zbossFlagPktSeqMask  = 0x0C
	zbossFlagPktSeqShift = 2
	zbossFlagAckSeqMask  = 0x30
	zbossFlagAckSeqShift = 4
	zbossFlagFirstFrag   = 0x40
	zbossFlagLastFrag    = 0x80
)

// --- HL (High-Level) header constants ---

const (
	zbossHLVersion    uint8 = 0x00
	zbossHLRequest    uint8 = 0x00
	zbossHLResponse   uint8 = 0x01
	zbossHLIndication uint8 = 0x02
)

// --- Command IDs (call_id) ---

const (
	// NCP configuration
	zbossCmdGetModuleVersion uint16 = 0x0001
	zbossCmdNCPReset         uint16 = 0x0002
	zbossCmdGetZigbeeRole    uint16 = 0x0004
	zbossCmdSetZigbeeRole    uint16 = 0x0005
	zbossCmdSetChannelMask   uint16 = 0x0007
	zbossCmdGetChannel       uint16 = 0x0008
	zbossCmdGetPanID         uint16 = 0x0009
	zbossCmdSetPanID         uint16 = 0x000A
	zbossCmdGetLocalIEEE     uint16 = 0x000B
	zbossCmdGetTxPower       uint16 = 0x0010
	zbossCmdSetTxPower       uint16 = 0x0011
	zbossCmdSetRxOnWhenIdle  uint16 = 0x0013
	zbossCmdGetJoined        uint16 = 0x0014
	zbossCmdSetEDTimeout     uint16 = 0x0017
	zbossCmdSetNwkKey        uint16 = 0x001B
	zbossCmdGetNwkKeys       uint16 = 0x001E
	zbossCmdGetExtPanID      uint16 = 0x0023
	zbossCmdGetShortAddr     uint16 = 0x0025
	zbossCmdNCPResetInd      uint16 = 0x002B
	zbossCmdSetTCPolicy      uint16 = 0x0032
	zbossCmdSetExtPanID      uint16 = 0x0033
	zbossCmdSetMaxChildren   uint16 = 0x0034

	// AF
	zbossCmdAFSetSimpleDesc uint16 = 0x0101

	// ZDO indications
	zbossCmdZDOPermitJoiningReq uint16 = 0x020B
	zbossCmdZDODevAnnceInd      uint16 = 0x020C
	zbossCmdZDODevAuthorizedInd uint16 = 0x0214
	zbossCmdZDODevUpdateInd     uint16 = 0x0215

	// APS
	zbossCmdAPSDEDataReq uint16 = 0x0301
	zbossCmdAPSDEDataInd uint16 = 0x0306
	zbossCmdAPSAddGroup  uint16 = 0x0308
	zbossCmdAPSRmGroup   uint16 = 0x0309

	// NWK
	zbossCmdNwkFormation        uint16 = 0x0401
	zbossCmdNwkStartedInd       uint16 = 0x0408
	zbossCmdNwkLeaveInd         uint16 = 0x040B
	zbossCmdNwkAddrUpdateInd    uint16 = 0x041C
	zbossCmdNwkStartWithoutForm uint16 = 0x041D

	// Security indications (diagnostic)
	zbossCmdSecurTCLKInd             uint16 = 0x050E
	zbossCmdSecurTCLKExchangeFailInd uint16 = 0x050F
)

var zbossCmdNames = map[uint16]string{
	zbossCmdGetModuleVersion:         "GetModuleVersion",
	zbossCmdNCPReset:                 "NCPReset",
	zbossCmdGetZigbeeRole:            "GetZigbeeRole",
	zbossCmdSetZigbeeRole:            "SetZigbeeRole",
	zbossCmdSetChannelMask:           "SetChannelMask",
	zbossCmdGetChannel:               "GetChannel",
	zbossCmdGetPanID:                 "GetPanID",
	zbossCmdSetPanID:                 "SetPanID",
	zbossCmdGetLocalIEEE:             "GetLocalIEEE",
	zbossCmdGetTxPower:               "GetTxPower",
	zbossCmdSetTxPower:               "SetTxPower",
	zbossCmdSetRxOnWhenIdle:          "SetRxOnWhenIdle",
	zbossCmdGetJoined:                "GetJoined",
	zbossCmdSetEDTimeout:             "SetEDTimeout",
	zbossCmdSetNwkKey:                "SetNwkKey",
	zbossCmdGetNwkKeys:               "GetNwkKeys",
	zbossCmdGetExtPanID:              "GetExtPanID",
	zbossCmdGetShortAddr:             "GetShortAddr",
	zbossCmdNCPResetInd:              "NCPResetInd",
	zbossCmdSetTCPolicy:              "SetTCPolicy",
	zbossCmdSetExtPanID:              "SetExtPanID",
	zbossCmdSetMaxChildren:           "SetMaxChildren",
	zbossCmdAFSetSimpleDesc:          "AFSetSimpleDesc",
	zbossCmdZDOPermitJoiningReq:      "ZDO_PermitJoin",
	zbossCmdZDODevAnnceInd:           "ZDO_DevAnnce",
	zbossCmdZDODevAuthorizedInd:      "ZDO_DevAuthorized",
	zbossCmdZDODevUpdateInd:          "ZDO_DevUpdate",
	zbossCmdAPSDEDataReq:             "APSDE_DataReq",
	zbossCmdAPSDEDataInd:             "APSDE_DataInd",
	zbossCmdAPSAddGroup:              "APS_AddGroup",
	zbossCmdAPSRmGroup:               "APS_RmGroup",
	zbossCmdNwkFormation:             "NwkFormation",
	zbossCmdNwkStartedInd:            "NwkStartedInd",
	zbossCmdNwkLeaveInd:              "NwkLeaveInd",
	zbossCmdNwkAddrUpdateInd:         "NwkAddrUpdateInd",
	zbossCmdNwkStartWithoutForm:      "NwkStartWithoutForm",
	zbossCmdSecurTCLKInd:             "SECUR_TCLK_IND",
	zbossCmdSecurTCLKExchangeFailInd: "SECUR_TCLK_EXCHANGE_FAILED_IND",
}

// zbossCmdName returns a human-readable name for a ZBOSS command ID.
func zbossCmdName(id uint16) string {
	if name, ok := zbossCmdNames[id]; ok {
		return name
	}
	return fmt.Sprintf("0x%04X", id)
}

// Response status categories.
const (
	zbossStatusGeneric uint8 = 0x00
	zbossStatusMAC     uint8 = 0x02
	zbossStatusNWK     uint8 = 0x03
	zbossStatusAPS     uint8 = 0x04
	zbossStatusZDO     uint8 = 0x05
)

// zbossStatusName returns a human-readable status description.
func zbossStatusName(cat, code uint8) string {
	if cat == 0 && code == 0 {
		return "OK"
	}
	catName := "Generic"
	switch cat {
	case zbossStatusMAC:
		catName = "MAC"
	case zbossStatusNWK:
		catName = "NWK"
	case zbossStatusAPS:
		catName = "APS"
	case zbossStatusZDO:
		catName = "ZDO"
	case 6:
		catName = "CBKE"
	}
	return fmt.Sprintf("%s/%d(0x%02X)", catName, code, code)
}

// zbossStatus maps a ZBOSS status pair onto the host Status set.
func zbossStatus(cat, code uint8) Status {
	if cat == 0 && code == 0 {
		return StatusOK
	}
	switch cat {
	case zbossStatusMAC:
		switch code {
		case 0xE1: // CHANNEL_ACCESS_FAILURE
			return StatusNetworkBusy
		case 0xF1: // TRANSACTION_OVERFLOW
			return StatusNoBuffers
		case 0xE9, 0xF0: // NO_ACK, TRANSACTION_EXPIRED
			return StatusDeliveryFailed
		}
	case zbossStatusNWK:
		switch code {
		case 0xC2, 0xC3: // INVALID_REQUEST, NOT_PERMITTED
			return StatusInvalidState
		case 0xD0: // ROUTE_ERROR
			return StatusDeliveryFailed
		}
	case zbossStatusAPS:
		switch code {
		case 0xA7: // NO_ACK
			return StatusDeliveryFailed
		case 0xA6: // INVALID_PARAMETER
			return StatusInvalidParameter
		case 0xAE: // TABLE_FULL
			return StatusTableFull
		}
	case zbossStatusGeneric:
		switch code {
		case 0x02: // BUSY
			return StatusBusy
		case 0x05: // INVALID_PARAMETER
			return StatusInvalidParameter
		case 0x07: // NOT_FOUND
			return StatusNotFound
		case 0x0A: // TIMEOUT
			return StatusTimeout
		case 0x0C: // NOT_IMPLEMENTED
			return StatusNotSupported
		}
	}
	return StatusFail
}

// Zigbee roles (ZBOSS DeviceRole enum: ZC=0, ZR=1, ZED=2).
const (
	zbossRoleCoordinator uint8 = 0x00
	zbossRoleRouter      uint8 = 0x01
	zbossRoleEndDevice   uint8 = 0x02
	zbossRoleNone        uint8 = 0xFF
)

// NCP reset options.
const (
	zbossResetNoOption uint8 = 0x00
	zbossResetEraseNVM uint8 = 0x01
	zbossResetFactory  uint8 = 0x02
)

// ZDO device update status values.
const (
	zbossDevUpdateSecureRejoin uint8 = 0x00
	zbossDevUpdateUnsecureJoin uint8 = 0x01
	zbossDevUpdateLeft         uint8 = 0x02
	zbossDevUpdateTCRejoin     uint8 = 0x03
)

// TC policy types for SET_TC_POLICY (0x0032).
const (
	zbossTCPolicyLinkKeysRequired      uint16 = 0x0000
	zbossTCPolicyICRequired            uint16 = 0x0001
	zbossTCPolicyTCRejoinEnabled       uint16 = 0x0002
	zbossTCPolicyIgnoreTCRejoin        uint16 = 0x0003
	zbossTCPolicyAPSInsecureJoin       uint16 = 0x0004
	zbossTCPolicyDisableNwkMgmtChanUpd uint16 = 0x0005
)

// APSDE address modes.
const (
	zbossAddrModeGroup uint8 = 0x01
	zbossAddrModeShort uint8 = 0x02
)

// APSDE tx options.
const (
	zbossTxOptionSecurity uint8 = 0x01
	zbossTxOptionAPSACK   uint8 = 0x04
)

// --- Frame types ---

// zbossLLHeader is the low-level header.
type zbossLLHeader struct {
	Length uint16
	Type   uint8
	Flags  uint8
}

// zbossHLHeader is the high-level header.
type zbossHLHeader struct {
	Version    uint8
	PacketType uint8
	CallID     uint16
	TSN        uint8 // only for Request/Response
	StatusCat  uint8 // only for Response
	StatusCode uint8 // only for Response
}

// zbossFrame is a complete parsed ZBOSS NCP frame (LL + HL + payload).
type zbossFrame struct {
	LL      zbossLLHeader
	HL      zbossHLHeader
	Payload []byte
}

// Status returns the host status of a response frame.
func (f *zbossFrame) Status() Status {
	return zbossStatus(f.HL.StatusCat, f.HL.StatusCode)
}

// --- Flag helpers ---

func zbossLLPktSeq(flags uint8) uint8 {
	return (flags >> zbossFlagPktSeqShift) & 0x03
}

func zbossLLAckSeq(flags uint8) uint8 {
	return (flags >> zbossFlagAckSeqShift) & 0x03
}

func zbossLLIsACK(flags uint8) bool {
	return flags&zbossFlagACK != 0
}

// --- CRC-8/KOOP (reflected poly=0xB2 i.e. normal 0x4D, init=0xFF, xorout=0xFF) ---

var crc8Table [256]uint8

// --- CRC-16/KERMIT (reflected poly=0x8408, init=0x0000, xorout=0x0000) ---

var crc16Table [256]uint16

func init() {
	for i := 0; i < 256; i++ {
		c8 := uint8(i)
		c16 := uint16(i)
		for bit := 0; bit < 8; bit++ {
			if c8&1 != 0 {
				c8 = (c8 >> 1) ^ 0xB2
			} else {
				c8 >>= 1
			}
			if c16&1 != 0 {
				c16 = (c16 >> 1) ^ 0x8408
			} else {
				c16 >>= 1
			}
		}
		crc8Table[i] = c8
		crc16Table[i] = c16
	}
}

func zbossCRC8(data []byte) uint8 {
	crc := uint8(0xFF)
	for _, b := range data {
		crc = crc8Table[crc^b]
	}
	return crc ^ 0xFF
}

func zbossCRC16(data []byte) uint16 {
	crc := uint16(0x0000)
	for _, b := range data {
		crc = (crc >> 8) ^ crc16Table[(crc^uint16(b))&0xFF]
	}
	return crc
}

// --- Encode ---

// zbossEncodeRequest builds a complete ZBOSS frame for an HL request.
// pktSeq is the 2-bit LL packet sequence number.
func zbossEncodeRequest(callID uint16, tsn uint8, pktSeq uint8, payload []byte) []byte {
	// HL header: version(1) + type(1) + callID(2) + tsn(1) = 5 bytes
	hlData := make([]byte, 5+len(payload))
	hlData[0] = zbossHLVersion
	hlData[1] = zbossHLRequest
	binary.LittleEndian.PutUint16(hlData[2:4], callID)
	hlData[4] = tsn
	copy(hlData[5:], payload)

	return zbossEncodeDataFrame(pktSeq, hlData)
}

// zbossEncodeDataFrame wraps HL data in an LL data frame.
func zbossEncodeDataFrame(pktSeq uint8, hlData []byte) []byte {
	bodyCRC := zbossCRC16(hlData)

	// Size counts itself: size(2) + type(1) + flags(1) + crc8(1) + body.
	bodyLen := zbossBodyCRCSize + len(hlData)
	llSize := uint16(5 + bodyLen)

	flags := uint8(zbossFlagFirstFrag | zbossFlagLastFrag)
	flags |= (pktSeq << zbossFlagPktSeqShift) & zbossFlagPktSeqMask

	frame := make([]byte, 2+int(llSize))
	frame[0] = zbossSig0
	frame[1] = zbossSig1
	binary.LittleEndian.PutUint16(frame[2:4], llSize)
	frame[4] = zbossLLType
	frame[5] = flags
	frame[6] = zbossCRC8(frame[2:6])

	binary.LittleEndian.PutUint16(frame[7:9], bodyCRC)
	copy(frame[9:], hlData)

	return frame
}

// zbossEncodeACK builds an LL ACK frame (7 bytes, no body).
func zbossEncodeACK(ackSeq uint8) []byte {
	frame := make([]byte, zbossLLHeaderSize)
	frame[0] = zbossSig0
	frame[1] = zbossSig1
	binary.LittleEndian.PutUint16(frame[2:4], 5)
	frame[4] = zbossLLType
	frame[5] = zbossFlagACK | ((ackSeq << zbossFlagAckSeqShift) & zbossFlagAckSeqMask)
	frame[6] = zbossCRC8(frame[2:6])
	return frame
}

// --- Decode ---

// readRawZBOSSFrame reads one frame from the serial stream, resynchronizing
// on the 0xDE 0xAD signature after garbage.
func readRawZBOSSFrame(r *bufio.Reader) ([]byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != zbossSig0 {
			continue
		}
		next, err := r.Peek(1)
		if err != nil {
			return nil, err
		}
		if next[0] != zbossSig1 {
			continue
		}
		_, _ = r.ReadByte()

		var sizeBuf [2]byte
		if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
			return nil, err
		}
		llSize := int(binary.LittleEndian.Uint16(sizeBuf[:]))
		if llSize < 5 || llSize > zbossMaxFrameSize {
			continue
		}

		frame := make([]byte, 2+llSize)
		frame[0] = zbossSig0
		frame[1] = zbossSig1
		copy(frame[2:4], sizeBuf[:])
		if _, err := io.ReadFull(r, frame[4:]); err != nil {
			return nil, err
		}
		return frame, nil
	}
}

// zbossDecodeFrame parses a complete ZBOSS frame from raw bytes.
func zbossDecodeFrame(data []byte) (*zbossFrame, error) {
	if len(data) < zbossLLHeaderSize {
		return nil, fmt.Errorf("zboss: frame too short: %d bytes", len(data))
	}
	if data[0] != zbossSig0 || data[1] != zbossSig1 {
		return nil, fmt.Errorf("zboss: bad signature: 0x%02X%02X", data[0], data[1])
	}

	llSize := binary.LittleEndian.Uint16(data[2:4])
	llType := data[4]
	llFlags := data[5]
	llCRC := data[6]

	if got := zbossCRC8(data[2:6]); llCRC != got {
		return nil, fmt.Errorf("zboss: LL CRC8 mismatch: got 0x%02X, want 0x%02X", llCRC, got)
	}
	if llType != zbossLLType {
		return nil, fmt.Errorf("zboss: unexpected LL type: 0x%02X", llType)
	}
	if int(llSize)+2 > len(data) {
		return nil, fmt.Errorf("zboss: frame truncated: need %d, have %d", llSize+2, len(data))
	}

	f := &zbossFrame{
		LL: zbossLLHeader{
			Length: llSize,
			Type:   llType,
			Flags:  llFlags,
		},
	}

	// ACK frames have no body.
	if zbossLLIsACK(llFlags) {
		return f, nil
	}

	body := data[zbossLLHeaderSize : 2+llSize]
	if len(body) < zbossBodyCRCSize {
		return nil, fmt.Errorf("zboss: body too short for CRC16: %d bytes", len(body))
	}

	bodyCRC := binary.LittleEndian.Uint16(body[0:2])
	hlData := body[2:]
	if got := zbossCRC16(hlData); bodyCRC != got {
		return nil, fmt.Errorf("zboss: body CRC16 mismatch: got 0x%04X, want 0x%04X", bodyCRC, got)
	}
	if len(hlData) < 4 {
		return nil, fmt.Errorf("zboss: HL data too short: %d bytes", len(hlData))
	}

	f.HL.Version = hlData[0]
	f.HL.PacketType = hlData[1]
	f.HL.CallID = binary.LittleEndian.Uint16(hlData[2:4])

	pos := 4
	switch f.HL.PacketType {
	case zbossHLRequest:
		if len(hlData) < 5 {
			return nil, fmt.Errorf("zboss: request HL too short for TSN")
		}
		f.HL.TSN = hlData[4]
		pos = 5
	case zbossHLResponse:
		if len(hlData) < 7 {
			return nil, fmt.Errorf("zboss: response HL too short")
		}
		f.HL.TSN = hlData[4]
		f.HL.StatusCat = hlData[5]
		f.HL.StatusCode = hlData[6]
		pos = 7
	case zbossHLIndication:
	default:
		return nil, fmt.Errorf("zboss: unknown HL packet type: 0x%02X", f.HL.PacketType)
	}

	if pos < len(hlData) {
		f.Payload = make([]byte, len(hlData)-pos)
		copy(f.Payload, hlData[pos:])
	}

	return f, nil
}

// --- APSDE payloads ---

// apsdeDataReq is the addressing part of APSDE_DATA_REQ.
type apsdeDataReq struct {
	DstAddr   uint16
	AddrMode  uint8
	DstEP     uint8
	SrcEP     uint8
	ClusterID uint16
	ProfileID uint16
	Radius    uint8
	TxOptions uint8
}

// buildAPSDEDataReq builds the APSDE_DATA_REQ payload.
func buildAPSDEDataReq(req apsdeDataReq, apsData []byte) []byte {
	// param_len(1) + data_len(2) + dst_addr(8) + profile_id(2) + cluster_id(2) +
	// dst_endpoint(1) + src_endpoint(1) + radius(1) + dst_addr_mode(1) +
	// tx_options(1) + use_alias(1) + alias_src_addr(2) + alias_seq_num(1) + data
	const fixedLen = 24
	buf := make([]byte, fixedLen+len(apsData))
	buf[0] = fixedLen - 3
	binary.LittleEndian.PutUint16(buf[1:3], uint16(len(apsData)))
	// dst_addr: 8-byte union, short or group address in the first 2 bytes
	binary.LittleEndian.PutUint16(buf[3:5], req.DstAddr)
	binary.LittleEndian.PutUint16(buf[11:13], req.ProfileID)
	binary.LittleEndian.PutUint16(buf[13:15], req.ClusterID)
	buf[15] = req.DstEP
	buf[16] = req.SrcEP
	buf[17] = req.Radius
	buf[18] = req.AddrMode
	buf[19] = req.TxOptions
	copy(buf[24:], apsData)
	return buf
}

// apsdeDataInd is a parsed APSDE_DATA_IND.
type apsdeDataInd struct {
	FrameControl uint8
	SrcAddr      uint16
	DstAddr      uint16
	GroupAddr    uint16
	DstEP        uint8
	SrcEP        uint8
	ClusterID    uint16
	ProfileID    uint16
	APSCounter   uint8
	LQI          uint8
	RSSI         int8
	Data         []byte
}

const apsdeDataIndHeaderSize = 24

// parseAPSDEDataInd parses the APSDE_DATA_IND payload:
// param_len(1) + data_len(2) + aps_fc(1) + src_nwk_addr(2) + dst_nwk_addr(2) +
// group_addr(2) + dst_endpoint(1) + src_endpoint(1) + cluster_id(2) + profile_id(2) +
// aps_counter(1) + src_mac_addr(2) + dst_mac_addr(2) + lqi(1) + rssi(1) + aps_key_attr(1) + data[]
func parseAPSDEDataInd(payload []byte) (*apsdeDataInd, error) {
	if len(payload) < apsdeDataIndHeaderSize {
		return nil, fmt.Errorf("zboss: APSDE_DATA_IND too short: %d bytes", len(payload))
	}
	dataLen := int(binary.LittleEndian.Uint16(payload[1:3]))
	if len(payload) < apsdeDataIndHeaderSize+dataLen {
		return nil, fmt.Errorf("zboss: APSDE_DATA_IND truncated: need %d, have %d",
			apsdeDataIndHeaderSize+dataLen, len(payload))
	}
	ind := &apsdeDataInd{
		FrameControl: payload[3],
		SrcAddr:      binary.LittleEndian.Uint16(payload[4:6]),
		DstAddr:      binary.LittleEndian.Uint16(payload[6:8]),
		GroupAddr:    binary.LittleEndian.Uint16(payload[8:10]),
		DstEP:        payload[10],
		SrcEP:        payload[11],
		ClusterID:    binary.LittleEndian.Uint16(payload[12:14]),
		ProfileID:    binary.LittleEndian.Uint16(payload[14:16]),
		APSCounter:   payload[16],
		LQI:          payload[21],
		RSSI:         int8(payload[22]),
		Data:         make([]byte, dataLen),
	}
	copy(ind.Data, payload[apsdeDataIndHeaderSize:apsdeDataIndHeaderSize+dataLen])
	return ind, nil
}

// messageType derives the delivery mode from the APS frame control.
func (ind *apsdeDataInd) messageType() IncomingMessageType {
	switch (ind.FrameControl >> 2) & 0x03 {
	case 0x02:
		return IncomingBroadcast
	case 0x03:
		return IncomingMulticast
	default:
		return IncomingUnicast
	}
}

// buildSimpleDescPayload builds AF_SET_SIMPLE_DESC payload.
func buildSimpleDescPayload(ep uint8, profileID, deviceID uint16, devVersion uint8, inClusters, outClusters []uint16) []byte {
	buf := make([]byte, 8+len(inClusters)*2+len(outClusters)*2)
	buf[0] = ep
	binary.LittleEndian.PutUint16(buf[1:3], profileID)
	binary.LittleEndian.PutUint16(buf[3:5], deviceID)
	buf[5] = devVersion
	buf[6] = uint8(len(inClusters))
	buf[7] = uint8(len(outClusters))
	pos := 8
	for _, c := range inClusters {
		binary.LittleEndian.PutUint16(buf[pos:pos+2], c)
		pos += 2
	}
	for _, c := range outClusters {
		binary.LittleEndian.PutUint16(buf[pos:pos+2], c)
		pos += 2
	}
	return buf
}
