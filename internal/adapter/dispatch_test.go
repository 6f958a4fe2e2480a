package adapter

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zigbee-ncp-host/internal/ncp"
	"zigbee-ncp-host/internal/ncp/ncptest"
	"zigbee-ncp-host/internal/store"
	"zigbee-ncp-host/internal/waitress"
	"zigbee-ncp-host/internal/zcl"
	"zigbee-ncp-host/internal/zdo"
)

func TestDeviceJoinSavesDevice(t *testing.T) {
	h := started(t)
	h.f.Inject(ncp.TrustCenterJoinEvent{NodeID: 0x2345, EUI64: plainEUI, Status: ncp.DeviceUnsecuredJoin, Parent: 0x0000})

	e := h.waitEvent(EventDeviceJoined)
	assert.Equal(t, DeviceJoinedPayload{NetworkAddress: 0x2345, IEEEAddress: plainEUI}, e.Data)

	dev, err := h.st.GetDevice(plainEUI.String())
	require.NoError(t, err)
	assert.Equal(t, uint16(0x2345), dev.NetworkAddress)
	assert.False(t, dev.JoinedAt.IsZero())
	assert.Equal(t, 1, h.f.CallCount("SetManufacturerCode"), "only the start-up call")
}

func TestRejoinKeepsJoinTime(t *testing.T) {
	h := started(t)
	joined := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, h.st.SaveDevice(&store.Device{IEEEAddress: plainEUI.String(), NetworkAddress: 0x1111, JoinedAt: joined}))

	h.f.Inject(ncp.TrustCenterJoinEvent{NodeID: 0x2345, EUI64: plainEUI, Status: ncp.DeviceSecuredRejoin})
	h.waitEvent(EventDeviceJoined)

	dev, err := h.st.GetDevice(plainEUI.String())
	require.NoError(t, err)
	assert.True(t, joined.Equal(dev.JoinedAt))
	assert.Equal(t, uint16(0x2345), dev.NetworkAddress)
}

func TestLumiJoinSwitchesManufacturerCode(t *testing.T) {
	h := started(t)
	h.f.Inject(ncp.TrustCenterJoinEvent{NodeID: 0x1234, EUI64: lumiEUI, Status: ncp.DeviceUnsecuredJoin})

	e := h.waitEvent(EventDeviceJoined)
	assert.Equal(t, lumiEUI, e.Data.(DeviceJoinedPayload).IEEEAddress)
	assert.Equal(t, ManufacturerLumi, h.a.ManufacturerCode())
	assert.Equal(t, ManufacturerLumi, h.a.JoinManufacturerCode(lumiEUI))
	assert.Equal(t, ManufacturerSiliconLabs, h.a.JoinManufacturerCode(plainEUI))
	h.f.Update(func(f *ncptest.Fake) {
		assert.Equal(t, ManufacturerLumi, f.ManufCode)
	})

	// A second Lumi device needs no switch.
	second := lumiEUI
	second[7] = 0x02
	h.f.Inject(ncp.TrustCenterJoinEvent{NodeID: 0x1235, EUI64: second, Status: ncp.DeviceUnsecuredJoin})
	h.waitEvent(EventDeviceJoined)
	assert.Equal(t, 2, h.f.CallCount("SetManufacturerCode"))
}

func TestLumiJoinAnnouncedWhenCodeSwitchFails(t *testing.T) {
	h := started(t)
	h.f.Script("SetManufacturerCode", ncp.StatusFail)
	h.f.Inject(ncp.TrustCenterJoinEvent{NodeID: 0x1234, EUI64: lumiEUI, Status: ncp.DeviceUnsecuredJoin})

	e := h.waitEvent(EventDeviceJoined)
	assert.Equal(t, lumiEUI, e.Data.(DeviceJoinedPayload).IEEEAddress)
	assert.Equal(t, ManufacturerSiliconLabs, h.a.ManufacturerCode())
}

func TestStartWithFixedManufacturerCode(t *testing.T) {
	f := joinedFake()
	f.Script("SetManufacturerCode", ncp.StatusNotSupported)
	h := newHarness(t, f, nil)

	_, err := h.a.Start(testContext(t))
	require.NoError(t, err)
	assert.True(t, h.a.Running())
	assert.False(t, h.a.ManufacturerCodeSwitchable())

	h.f.Inject(ncp.TrustCenterJoinEvent{NodeID: 0x1234, EUI64: lumiEUI, Status: ncp.DeviceUnsecuredJoin})
	e := h.waitEvent(EventDeviceJoined)
	assert.Equal(t, lumiEUI, e.Data.(DeviceJoinedPayload).IEEEAddress)
	assert.Equal(t, ManufacturerSiliconLabs, h.a.ManufacturerCode())
	assert.Equal(t, 1, h.f.CallCount("SetManufacturerCode"), "joins do not try to switch")
}

func TestStartFailsOnManufacturerCodeError(t *testing.T) {
	f := joinedFake()
	f.Script("SetManufacturerCode", ncp.StatusFail)
	h := newHarness(t, f, nil)

	_, err := h.a.Start(testContext(t))
	assert.ErrorIs(t, err, &ncp.StatusError{Status: ncp.StatusFail})
	assert.False(t, h.a.Running())
}

func TestDeniedJoinIsIgnored(t *testing.T) {
	h := started(t)
	h.f.Inject(ncp.TrustCenterJoinEvent{NodeID: 0x1234, EUI64: lumiEUI, Status: ncp.DeviceUnsecuredJoin, Decision: ncp.JoinDenied})
	h.f.Inject(ncp.TrustCenterJoinEvent{NodeID: 0x2345, EUI64: plainEUI, Status: ncp.DeviceUnsecuredJoin})

	e := h.waitEvent(EventDeviceJoined)
	assert.Equal(t, plainEUI, e.Data.(DeviceJoinedPayload).IEEEAddress)
	_, err := h.st.GetDevice(lumiEUI.String())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeviceLeaveDeletesDevice(t *testing.T) {
	tests := []struct {
		name string
		ev   ncp.Event
	}{
		{"trust center update", ncp.TrustCenterJoinEvent{NodeID: 0x1234, EUI64: plainEUI, Status: ncp.DeviceLeft}},
		{"leave notification", ncp.DeviceLeftEvent{NodeID: 0x1234, EUI64: plainEUI}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := started(t)
			saveDevice(t, h, plainEUI, 0x1234)

			h.f.Inject(tt.ev)
			e := h.waitEvent(EventDeviceLeave)
			assert.Equal(t, DeviceLeavePayload{NetworkAddress: 0x1234, IEEEAddress: plainEUI}, e.Data)

			_, err := h.st.GetDevice(plainEUI.String())
			assert.True(t, errors.Is(err, store.ErrNotFound))
		})
	}
}

func TestLeaveOfUnknownDevice(t *testing.T) {
	h := started(t)
	h.f.Inject(ncp.DeviceLeftEvent{NodeID: 0x1234, EUI64: lumiEUI})
	e := h.waitEvent(EventDeviceLeave)
	assert.Equal(t, lumiEUI, e.Data.(DeviceLeavePayload).IEEEAddress)
}

func TestDeviceAnnounceUpdatesAddress(t *testing.T) {
	h := started(t)
	saveDevice(t, h, plainEUI, 0x1111)

	w := plainEUI.Wire()
	body := binary.LittleEndian.AppendUint16(nil, 0x2222)
	body = append(body, w[:]...)
	body = append(body, 0x8E)
	h.f.Inject(ncp.ZDOResponseEvent{
		Sender:  0x2222,
		Frame:   ncp.APSFrame{ProfileID: ncp.ProfileZDO, ClusterID: zdo.DeviceAnnounce},
		Payload: append([]byte{0x10}, body...),
	})

	e := h.waitEvent(EventDeviceAnnounce)
	assert.Equal(t, DeviceAnnouncePayload{NetworkAddress: 0x2222, IEEEAddress: plainEUI, Capabilities: 0x8E}, e.Data)
	dev, err := h.st.GetDevice(plainEUI.String())
	require.NoError(t, err)
	assert.Equal(t, uint16(0x2222), dev.NetworkAddress)
}

func TestNetworkAddressResponseEmitsEvent(t *testing.T) {
	h := started(t)
	saveDevice(t, h, plainEUI, 0x1111)

	w := plainEUI.Wire()
	body := append(w[:], 0x33, 0x33)
	h.f.Inject(ncp.ZDOResponseEvent{
		Sender:  0x3333,
		Frame:   ncp.APSFrame{ProfileID: ncp.ProfileZDO, ClusterID: zdo.NetworkAddressResponse},
		Payload: append([]byte{0x05, zdo.StatusSuccess}, body...),
	})

	e := h.waitEvent(EventNetworkAddress)
	assert.Equal(t, NetworkAddressPayload{NetworkAddress: 0x3333, IEEEAddress: plainEUI}, e.Data)
	dev, err := h.st.GetDevice(plainEUI.String())
	require.NoError(t, err)
	assert.Equal(t, uint16(0x3333), dev.NetworkAddress)
}

func TestIncomingMessage(t *testing.T) {
	h := started(t)
	saveDevice(t, h, plainEUI, 0x1234)

	hdr := zcl.Header{
		FrameType:              zcl.FrameTypeGlobal,
		Direction:              zcl.DirectionServerToClient,
		DisableDefaultResponse: true,
		TransactionSequence:    0x42,
		CommandID:              zcl.FoundationReportAttributes,
	}
	report := []byte{0x00, 0x00, zcl.TypeBool, 0x01}
	h.f.Inject(incomingZCL(0x1234, 0x0006, 1, hdr, report))

	e := h.waitEvent(EventZCLPayload)
	p, ok := e.Data.(ZCLPayload)
	require.True(t, ok)
	assert.Equal(t, ncp.NodeID(0x1234), p.Address)
	assert.Equal(t, uint8(1), p.Endpoint)
	assert.Equal(t, uint16(0x0006), p.ClusterID)
	assert.Equal(t, hdr, p.Header)
	assert.False(t, p.WasBroadcast)
	assert.Equal(t, append([]byte{0x18, 0x42, 0x0A}, report...), p.Data)

	require.Eventually(t, func() bool {
		dev, err := h.st.GetDevice(plainEUI.String())
		return err == nil && dev.LinkQuality == 180 && dev.RSSI == -62
	}, time.Second, 5*time.Millisecond)
}

func TestMalformedIncomingMessageIsDropped(t *testing.T) {
	h := started(t)
	h.f.Inject(ncp.IncomingMessageEvent{Sender: 0x1234, Frame: ncp.APSFrame{ClusterID: 0x0006}, Payload: []byte{0x18}})
	h.f.Inject(incomingZCL(0x1234, 0x0008, 1, zcl.Header{TransactionSequence: 1, CommandID: zcl.FoundationReportAttributes}, nil))

	e := h.waitEvent(EventZCLPayload)
	assert.Equal(t, uint16(0x0008), e.Data.(ZCLPayload).ClusterID)
}

func TestStackStatusInvalidatesCache(t *testing.T) {
	h := started(t)
	ctx := testContext(t)

	params, err := h.a.GetNetworkParameters(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint8(15), params.RadioChannel)

	h.f.Update(func(f *ncptest.Fake) { f.Params.RadioChannel = 20 })
	params, err = h.a.GetNetworkParameters(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint8(15), params.RadioChannel, "served from cache")

	h.f.Inject(ncp.StackStatusEvent{Status: ncp.StatusChannelChanged})
	h.waitState(string(waitress.ChannelChanged))

	params, err = h.a.GetNetworkParameters(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint8(20), params.RadioChannel)
}
