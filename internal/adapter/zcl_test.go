package adapter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zigbee-ncp-host/internal/ncp"
	"zigbee-ncp-host/internal/ncp/ncptest"
	"zigbee-ncp-host/internal/waitress"
	"zigbee-ncp-host/internal/zcl"
)

// zclReply answers a unicast ZCL request with command cmd and the same
// transaction sequence.
func zclReply(msg ncptest.Sent, cmd uint8, payload []byte) ncp.Event {
	return incomingZCL(msg.Destination, msg.Frame.ClusterID, msg.Frame.SourceEndpoint, zcl.Header{
		FrameType:              zcl.FrameTypeGlobal,
		Direction:              zcl.DirectionServerToClient,
		DisableDefaultResponse: true,
		TransactionSequence:    msg.Payload[1],
		CommandID:              cmd,
	}, payload)
}

func readOnOff(tsn uint8) *zcl.Frame {
	return zcl.NewGlobal(tsn, zcl.FoundationReadAttributes, zcl.ReadAttributesPayload(0x0000))
}

var onOffRecord = []byte{0x00, 0x00, zcl.StatusSuccess, 0x10, 0x01}

func TestSendZCLToEndpoint(t *testing.T) {
	h := started(t)
	h.respond(func(msg ncptest.Sent) []ncp.Event {
		return []ncp.Event{zclReply(msg, zcl.FoundationReadAttributesResponse, onOffRecord)}
	})

	tsn := h.a.NextTransactionSequence()
	rsp, err := h.a.SendZCLToEndpoint(testContext(t), ZCLRequest{
		Destination: 0x1234,
		Endpoint:    1,
		ClusterID:   0x0006,
		Frame:       readOnOff(tsn),
	})
	require.NoError(t, err)
	require.NotNil(t, rsp)
	assert.Equal(t, ncp.NodeID(0x1234), rsp.Sender)
	assert.Equal(t, zcl.FoundationReadAttributesResponse, rsp.Header.CommandID)
	assert.Equal(t, tsn, rsp.Header.TransactionSequence)
	assert.Equal(t, onOffRecord, rsp.Payload)

	records, err := zcl.ParseReadAttributesResponse(rsp.Payload)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, true, records[0].Value)

	unicasts := h.sent("SendUnicast")
	require.Len(t, unicasts, 1)
	frame := unicasts[0].Args[1].(ncp.APSFrame)
	assert.Equal(t, ncp.ProfileHA, frame.ProfileID)
	assert.Equal(t, uint16(0x0006), frame.ClusterID)
	assert.Equal(t, DefaultEndpoint, frame.SourceEndpoint)
	assert.Equal(t, uint8(1), frame.DestinationEndpoint)
	assert.Equal(t, ncp.DefaultAPSOptions, frame.Options)
}

func TestSendZCLRetriesWithNewSequence(t *testing.T) {
	h := started(t)
	first := h.a.NextTransactionSequence()
	h.respond(func(msg ncptest.Sent) []ncp.Event {
		if msg.Payload[1] == first {
			return nil
		}
		return []ncp.Event{zclReply(msg, zcl.FoundationReadAttributesResponse, onOffRecord)}
	})

	rsp, err := h.a.SendZCLToEndpoint(testContext(t), ZCLRequest{
		Destination: 0x1234,
		Endpoint:    1,
		ClusterID:   0x0006,
		Frame:       readOnOff(first),
	})
	require.NoError(t, err)
	assert.NotEqual(t, first, rsp.Header.TransactionSequence)

	unicasts := h.sent("SendUnicast")
	require.Len(t, unicasts, 2)
	assert.Equal(t, first, unicasts[0].Args[2].([]byte)[1])
	assert.Equal(t, rsp.Header.TransactionSequence, unicasts[1].Args[2].([]byte)[1])
}

func TestSendZCLDisableRecovery(t *testing.T) {
	h := started(t)

	_, err := h.a.SendZCLToEndpoint(testContext(t), ZCLRequest{
		Destination:     0x1234,
		Endpoint:        1,
		ClusterID:       0x0006,
		Frame:           readOnOff(h.a.NextTransactionSequence()),
		DisableRecovery: true,
	})
	assert.ErrorIs(t, err, waitress.ErrTimeout)
	assert.Equal(t, 1, h.f.CallCount("SendUnicast"))
}

func TestSendZCLWithoutResponse(t *testing.T) {
	h := started(t)
	frame := zcl.NewCluster(h.a.NextTransactionSequence(), 0x01, nil) // On
	frame.Header.DisableDefaultResponse = true

	rsp, err := h.a.SendZCLToEndpoint(testContext(t), ZCLRequest{
		Destination:     0x1234,
		Endpoint:        1,
		ClusterID:       0x0006,
		Frame:           frame,
		DisableResponse: true,
	})
	require.NoError(t, err)
	assert.Nil(t, rsp)

	sent := h.sent("SendUnicast")[0].Args[1].(ncp.APSFrame)
	assert.Zero(t, sent.Options&ncp.APSOptionRetry)
	assert.NotZero(t, sent.Options&ncp.APSOptionEnableRouteDiscovery)
}

func TestSendZCLWaitsForDefaultResponse(t *testing.T) {
	h := started(t)
	h.respond(func(msg ncptest.Sent) []ncp.Event {
		return []ncp.Event{zclReply(msg, zcl.FoundationDefaultResponse, []byte{0x01, zcl.StatusSuccess})}
	})

	rsp, err := h.a.SendZCLToEndpoint(testContext(t), ZCLRequest{
		Destination: 0x1234,
		Endpoint:    1,
		ClusterID:   0x0006,
		Frame:       zcl.NewCluster(h.a.NextTransactionSequence(), 0x01, nil),
	})
	require.NoError(t, err)
	dr, err := zcl.ParseDefaultResponse(rsp.Payload)
	require.NoError(t, err)
	assert.Equal(t, uint8(0x01), dr.CommandID)
}

func TestSendZCLDeliveryFailedFailsFast(t *testing.T) {
	h := started(t)
	h.f.Update(func(f *ncptest.Fake) { f.ConfirmSends = false })

	errc := make(chan error, 1)
	start := time.Now()
	go func() {
		_, err := h.a.SendZCLToEndpoint(context.Background(), ZCLRequest{
			Destination:     0x1234,
			Endpoint:        1,
			ClusterID:       0x0006,
			Frame:           readOnOff(h.a.NextTransactionSequence()),
			DisableRecovery: true,
			Timeout:         5 * time.Second,
		})
		errc <- err
	}()

	h.waitCalls("SendUnicast", 1)
	// Let the request record its sent frame before the failure arrives.
	time.Sleep(20 * time.Millisecond)
	call := h.sent("SendUnicast")[0]
	h.f.Inject(ncp.MessageSentEvent{
		Status:      ncp.StatusDeliveryFailed,
		Type:        ncp.OutgoingDirect,
		Destination: 0x1234,
		Frame:       call.Args[1].(ncp.APSFrame),
	})

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, waitress.ErrDeliveryFailed)
		assert.Less(t, time.Since(start), 2*time.Second)
	case <-time.After(3 * time.Second):
		t.Fatal("request did not fail on delivery failure")
	}
}

func TestSendZCLNilFrame(t *testing.T) {
	h := started(t)
	_, err := h.a.SendZCLToEndpoint(testContext(t), ZCLRequest{Destination: 0x1234, Endpoint: 1})
	assert.Error(t, err)
}

func TestSendZCLToGroupRegistersGroupOnce(t *testing.T) {
	h := started(t)
	ctx := testContext(t)
	on := zcl.NewCluster(0, 0x01, nil)

	require.NoError(t, h.a.SendZCLToGroup(ctx, 0x0102, 0x0006, on, 0))
	h.waitCalls("SetMulticastTableEntry", 2)

	mc := h.sent("SendMulticast")
	require.Len(t, mc, 1)
	frame := mc[0].Args[1].(ncp.APSFrame)
	assert.Equal(t, uint16(0x0102), frame.GroupID)
	assert.Equal(t, uint8(0xFF), frame.DestinationEndpoint)
	assert.Equal(t, ncp.APSOptionNone, frame.Options)

	require.NoError(t, h.a.SendZCLToGroup(ctx, 0x0102, 0x0006, on, 0))
	h.waitCalls("SendMulticast", 2)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 2, h.f.CallCount("SetMulticastTableEntry"))
	assert.Equal(t, []uint16{DefaultMulticastGroup, 0x0102}, h.a.MulticastGroups())
	h.f.Update(func(f *ncptest.Fake) {
		assert.Equal(t, ncp.MulticastTableEntry{GroupID: 0x0102, Endpoint: DefaultEndpoint}, f.Multicast[1])
	})
}

func TestGroupRegistrationRejectedIsRetried(t *testing.T) {
	h := started(t)
	ctx := testContext(t)
	on := zcl.NewCluster(0, 0x01, nil)
	h.f.Script("SetMulticastTableEntry", ncp.StatusTableFull)

	require.NoError(t, h.a.SendZCLToGroup(ctx, 0x0102, 0x0006, on, 0))
	h.waitCalls("SetMulticastTableEntry", 2)
	require.Eventually(t, func() bool { return len(h.a.MulticastGroups()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.a.SendZCLToGroup(ctx, 0x0102, 0x0006, on, 0))
	h.waitCalls("SetMulticastTableEntry", 3)
	require.Eventually(t, func() bool { return len(h.a.MulticastGroups()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestSendZCLToAll(t *testing.T) {
	h := started(t)
	ctx := testContext(t)
	frame := zcl.NewCluster(0, 0x00, nil)

	assert.Error(t, h.a.SendZCLToAll(ctx, 0x1234, 1, 0x0006, frame, 0))
	require.NoError(t, h.a.SendZCLToAll(ctx, ncp.BroadcastRxOnWhenIdle, 0xFF, 0x0006, frame, 0))

	b := h.sent("SendBroadcast")
	require.Len(t, b, 1)
	assert.Equal(t, ncp.BroadcastRxOnWhenIdle, b[0].Args[0])
	sent := b[0].Args[1].(ncp.APSFrame)
	assert.Equal(t, uint8(0xFF), sent.DestinationEndpoint)
	assert.Equal(t, ncp.APSOptionNone, sent.Options)
}
