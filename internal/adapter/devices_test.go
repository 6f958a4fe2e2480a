package adapter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zigbee-ncp-host/internal/ncp"
	"zigbee-ncp-host/internal/ncp/ncptest"
	"zigbee-ncp-host/internal/queue"
	"zigbee-ncp-host/internal/store"
	"zigbee-ncp-host/internal/zdo"
)

func TestLookupDevice(t *testing.T) {
	h := started(t)
	saveDevice(t, h, plainEUI, 0x1234)

	for _, addr := range []string{plainEUI.String(), "0x1234", "4660", " 0x1234 "} {
		dev, err := h.a.LookupDevice(addr)
		require.NoError(t, err, addr)
		assert.Equal(t, plainEUI.String(), dev.IEEEAddress)
	}

	_, err := h.a.LookupDevice("0x9999")
	assert.ErrorIs(t, err, ErrUnknownDevice)
	_, err = h.a.LookupDevice("0x0000000000000009")
	assert.ErrorIs(t, err, ErrUnknownDevice)
	_, err = h.a.LookupDevice("kitchen")
	assert.ErrorIs(t, err, ErrInvalidAddress)
	assert.NotErrorIs(t, err, ErrUnknownDevice)
}

func TestDeviceAddress(t *testing.T) {
	nwk, eui, err := DeviceAddress(&store.Device{IEEEAddress: plainEUI.String(), NetworkAddress: 0x1234})
	require.NoError(t, err)
	assert.Equal(t, ncp.NodeID(0x1234), nwk)
	assert.Equal(t, plainEUI, eui)

	_, _, err = DeviceAddress(&store.Device{IEEEAddress: "bogus"})
	assert.Error(t, err)
}

func TestInterview(t *testing.T) {
	h := started(t)
	saveDevice(t, h, plainEUI, 0x1234)
	h.respond(zdoResponder(zdo.StatusSuccess, func(msg ncptest.Sent) []byte {
		switch msg.Frame.ClusterID {
		case zdo.NodeDescriptorRequest:
			return []byte{0x34, 0x12, 0x02, 0x40, 0x80, 0x5F, 0x11, 0x52, 0x80, 0x00, 0x00, 0x2E, 0x80, 0x00, 0x00}
		case zdo.ActiveEndpointsRequest:
			return []byte{0x34, 0x12, 2, 1, 2}
		case zdo.SimpleDescriptorRequest:
			ep := msg.Payload[3]
			return []byte{0x34, 0x12, 10, ep, 0x04, 0x01, 0x02, 0x01, 0x01, 1, 0x02, 0x04, 0}
		}
		return nil
	}))

	dev, err := h.a.Interview(testContext(t), 0x1234)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x115F), dev.ManufacturerCode)
	assert.Equal(t, "EndDevice", dev.LogicalType)
	require.Len(t, dev.Endpoints, 2)
	assert.Equal(t, uint8(1), dev.Endpoints[0].ID)
	assert.Equal(t, uint8(2), dev.Endpoints[1].ID)
	assert.Equal(t, []uint16{0x0402}, dev.Endpoints[1].InClusters)
}

func TestDeviceLookupsWithoutStore(t *testing.T) {
	f := joinedFake()
	t.Cleanup(func() { f.Close() })
	a := New(f, nil, NewEventBus(newTestLogger()), Config{
		Network:        testNetwork(),
		DispatchDelay:  queue.MinDelay,
		NetworkTimeout: time.Second,
	}, newTestLogger())
	t.Cleanup(func() { a.Stop(context.Background()) })

	_, err := a.Start(testContext(t))
	require.NoError(t, err)
	assert.Nil(t, a.Store())

	_, err = a.LookupDevice("0x1234")
	assert.ErrorIs(t, err, ErrNoDeviceTable)
	_, err = a.Interview(testContext(t), 0x1234)
	assert.ErrorIs(t, err, ErrNoDeviceTable)
	assert.Zero(t, f.CallCount("SendUnicast"))
}
