package ncp

import (
	"encoding/binary"
	"testing"
)

// SimulatedNetwork is what a simulated ZBOSS coordinator reports.
type SimulatedNetwork struct {
	IEEE          EUI64
	PanID         uint16
	ExtendedPanID ExtendedPanID
	Channel       uint8
	NetworkKey    Key
}

// NewSimulatedTransport returns an unopened ZBOSS transport talking to an
// in-memory NCP that is already coordinator of n. calls lists the command
// ids the NCP received.
func NewSimulatedTransport(t testing.TB, n SimulatedNetwork) (tr *ZBOSSTransport, calls func() []uint16) {
	t.Helper()
	tr, sim := newSimTransport(t)

	ieee := n.IEEE.Wire()
	ext := EUI64(n.ExtendedPanID).Wire()
	keys := make([]byte, 3*17)
	copy(keys, n.NetworkKey[:])

	sim.reply(zbossCmdGetJoined, zbossReply{payload: []byte{0x01}})
	sim.reply(zbossCmdGetZigbeeRole, zbossReply{payload: []byte{zbossRoleCoordinator}})
	sim.reply(zbossCmdGetChannel, zbossReply{payload: []byte{0, n.Channel}})
	sim.reply(zbossCmdGetPanID, zbossReply{payload: binary.LittleEndian.AppendUint16(nil, n.PanID)})
	sim.reply(zbossCmdGetExtPanID, zbossReply{payload: ext[:]})
	sim.reply(zbossCmdGetTxPower, zbossReply{payload: []byte{5}})
	sim.reply(zbossCmdGetNwkKeys, zbossReply{payload: keys})
	sim.reply(zbossCmdGetLocalIEEE, zbossReply{payload: append([]byte{0x00}, ieee[:]...)})
	return tr, sim.called
}

// Command ids checked by external tests.
const (
	CmdAPSAddGroup = zbossCmdAPSAddGroup
	CmdGetNwkKeys  = zbossCmdGetNwkKeys
)
