package adapter

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zigbee-ncp-host/internal/backup"
	"zigbee-ncp-host/internal/ncp"
	"zigbee-ncp-host/internal/ncp/ncptest"
	"zigbee-ncp-host/internal/security"
	"zigbee-ncp-host/internal/waitress"
	"zigbee-ncp-host/internal/zdo"
)

func TestNetworkQueries(t *testing.T) {
	h := started(t)
	ctx := testContext(t)

	eui, err := h.a.GetCoordinatorIEEE(ctx)
	require.NoError(t, err)
	assert.Equal(t, ncptest.New().EUI64, eui)

	status, err := h.a.NetworkStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, ncp.NetworkStatusJoined, status)

	params, err := h.a.GetNetworkParameters(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1A62), params.PanID)
	assert.Equal(t, testExt, params.ExtendedPanID)

	// Second reads come from the cache.
	_, err = h.a.GetCoordinatorIEEE(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, h.f.CallCount("GetEUI64"))
}

func TestSetTransmitPower(t *testing.T) {
	h := started(t)
	ctx := testContext(t)
	_, err := h.a.GetNetworkParameters(ctx)
	require.NoError(t, err)

	require.NoError(t, h.a.SetTransmitPower(ctx, -3))

	params, err := h.a.GetNetworkParameters(ctx)
	require.NoError(t, err)
	assert.Equal(t, int8(-3), params.RadioTxPower)

	h.f.Script("SetRadioPower", ncp.StatusInvalidParameter)
	err = h.a.SetTransmitPower(ctx, 40)
	assert.ErrorIs(t, err, &ncp.StatusError{Status: ncp.StatusInvalidParameter})
}

func TestChangeChannel(t *testing.T) {
	h := started(t)
	h.respond(func(msg ncptest.Sent) []ncp.Event {
		if msg.Type == ncp.OutgoingBroadcast && msg.Frame.ClusterID == zdo.NetworkUpdateRequest {
			return []ncp.Event{ncp.StackStatusEvent{Status: ncp.StatusChannelChanged}}
		}
		return nil
	})

	require.NoError(t, h.a.ChangeChannel(testContext(t), 20))

	b := h.sent("SendBroadcast")
	require.Len(t, b, 1)
	assert.Equal(t, ncp.BroadcastAll, b[0].Args[0])
	payload := b[0].Args[2].([]byte)
	assert.Equal(t, zdo.ChannelChangePayload(20, 1), payload[1:])
}

func TestChangeChannelInvalid(t *testing.T) {
	h := started(t)
	ctx := testContext(t)
	assert.ErrorIs(t, h.a.ChangeChannel(ctx, 10), ErrInvalidChannel)
	assert.ErrorIs(t, h.a.ChangeChannel(ctx, 27), ErrInvalidChannel)
	assert.Zero(t, h.f.CallCount("SendBroadcast"))
}

func TestChangeChannelTimeout(t *testing.T) {
	h := started(t)
	err := h.a.ChangeChannel(testContext(t), 25)
	assert.ErrorIs(t, err, waitress.ErrTimeout)
}

func TestAddInstallCode(t *testing.T) {
	h := started(t)
	code, err := hex.DecodeString("83FED3407A939723A5C639B26916D505C3B5")
	require.NoError(t, err)

	require.NoError(t, h.a.AddInstallCode(testContext(t), plainEUI, code))
	h.f.Update(func(f *ncptest.Fake) {
		assert.Equal(t, "66b6900981e1ee3ca4206b6b861c02bb", f.TransientKeys[plainEUI].String())
	})

	code[len(code)-1] ^= 0xFF
	err = h.a.AddInstallCode(testContext(t), plainEUI, code)
	assert.ErrorIs(t, err, security.ErrInstallCodeCRC)
}

var deviceKey = ncp.Key{0x11}

func TestLinkKeys(t *testing.T) {
	h := started(t)
	ctx := testContext(t)
	h.f.Update(func(f *ncptest.Fake) {
		f.KeyTable[2] = ncp.LinkKey{EUI64: plainEUI, Key: deviceKey}
	})

	keys, err := h.a.ExportLinkKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, plainEUI, keys[0].EUI64)
	assert.Equal(t, security.MMOHash(deviceKey[:]), keys[0].Key)

	err = h.a.ImportLinkKeys(ctx, []ncp.LinkKey{{EUI64: lumiEUI, Key: ncp.Key{0x22}}})
	assert.ErrorIs(t, err, &ncp.StatusError{Status: ncp.StatusInvalidState}, "keys can only be imported off-network")
}

func TestBackup(t *testing.T) {
	h := started(t)
	h.f.Update(func(f *ncptest.Fake) {
		f.KeyTable[0] = ncp.LinkKey{EUI64: plainEUI, Key: deviceKey, IncomingFrameCounter: 7}
	})

	bk, err := h.a.Backup(testContext(t))
	require.NoError(t, err)

	assert.Equal(t, "test", bk.Source)
	assert.Equal(t, "fake", bk.StackVersion)
	assert.Equal(t, ncptest.New().EUI64, bk.CoordinatorEUI64)
	assert.Equal(t, uint16(0x1A62), bk.PanID)
	assert.Equal(t, testExt, bk.ExtendedPanID)
	assert.Equal(t, uint8(15), bk.Channel)
	assert.Equal(t, []uint8{15}, bk.ChannelList)
	assert.Equal(t, testKey, bk.NetworkKey)
	assert.Equal(t, uint8(1), bk.NetworkKeySequence)
	assert.Equal(t, uint32(42), bk.NetworkKeyFrameCounter)
	assert.Equal(t, ncp.Key{0x7C}, bk.HashedTCLK)
	assert.Equal(t, uint8(backup.SecurityLevelZ3), bk.SecurityLevel)
	require.Len(t, bk.Devices, 1)
	assert.Equal(t, plainEUI, bk.Devices[0].EUI64)
	require.NotNil(t, bk.Devices[0].LinkKey)
	assert.Equal(t, security.MMOHash(deviceKey[:]), bk.Devices[0].LinkKey.Key)
	assert.Equal(t, uint32(7), bk.Devices[0].LinkKey.RxCounter)

	saved, err := backup.Load(h.a.cfg.BackupPath)
	require.NoError(t, err)
	assert.Equal(t, bk.ID, saved.ID)

	history, err := h.st.ListBackups()
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 1, history[0].DeviceCount)
	fromHistory, err := backup.Unmarshal(history[0].Document)
	require.NoError(t, err)
	assert.Equal(t, bk.NetworkKey, fromHistory.NetworkKey)

	e := h.waitEvent(EventBackup)
	assert.Equal(t, BackupPayload{ID: bk.ID.String(), DeviceCount: 1}, e.Data)
}

func TestBackupChannelFallback(t *testing.T) {
	h := started(t)
	h.f.Update(func(f *ncptest.Fake) { f.Params.Channels = 0 })

	bk, err := h.a.Backup(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, []uint8{15}, bk.ChannelList)
}

func TestBackupWithoutNetworkKey(t *testing.T) {
	h := started(t)
	h.f.Update(func(f *ncptest.Fake) { f.KeyInfo.NetworkKeySet = false })

	_, err := h.a.Backup(testContext(t))
	assert.ErrorIs(t, err, ErrNoNetworkKey)
}
