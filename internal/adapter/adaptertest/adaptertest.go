// Package adaptertest runs an adapter on a fake NCP for tests of the
// packages built on top of it.
package adaptertest

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"zigbee-ncp-host/internal/adapter"
	"zigbee-ncp-host/internal/bootstrap"
	"zigbee-ncp-host/internal/ncp"
	"zigbee-ncp-host/internal/ncp/ncptest"
	"zigbee-ncp-host/internal/queue"
	"zigbee-ncp-host/internal/store"
	"zigbee-ncp-host/internal/zcl"
	"zigbee-ncp-host/internal/zdo"
)

// PanID and Channel describe the network the fake is joined to.
const (
	PanID   uint16 = 0x1A62
	Channel uint8  = 15
)

// Env is a started adapter and the pieces behind it.
type Env struct {
	Adapter *adapter.Adapter
	Fake    *ncptest.Fake
	Store   *store.BoltStore
	Bus     *adapter.EventBus
	Dir     string

	mu    sync.Mutex
	zclFn func(msg ncptest.Sent) (uint8, []byte, bool)
	zdoFn func(msg ncptest.Sent) (uint8, []byte, bool)
}

// Logger discards everything below Error.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// JoinedFake returns an NCP already running the test network.
func JoinedFake() *ncptest.Fake {
	f := ncptest.New()
	f.Joined = true
	f.Params = ncp.NetworkParameters{
		PanID:         PanID,
		ExtendedPanID: ncp.ExtendedPanID{0xDD, 0xDD, 0xDD, 0xDD, 0xDD, 0xDD, 0xDD, 0xDD},
		RadioChannel:  Channel,
		RadioTxPower:  5,
		Channels:      1 << Channel,
	}
	f.NetworkKey = ncp.Key{0x01, 0x03, 0x05, 0x07, 0x09, 0x0B, 0x0D, 0x0F, 0x00, 0x02, 0x04, 0x06, 0x08, 0x0A, 0x0C, 0x0D}
	f.TCLinkKey = ncp.Key{0x7C}
	f.KeyInfo = ncp.NetworkKeyInfo{NetworkKeySet: true, SequenceNumber: 1, FrameCounter: 42}
	return f
}

// Start opens a store in a temp dir and starts an adapter on a joined fake.
// Everything is torn down by t.Cleanup.
func Start(t testing.TB) *Env {
	t.Helper()
	f := JoinedFake()
	dir := t.TempDir()
	st, err := store.NewBoltStore(filepath.Join(dir, "ncp.db"))
	require.NoError(t, err)

	bus := adapter.NewEventBus(Logger())
	a := adapter.New(f, st, bus, adapter.Config{
		Network: bootstrap.Network{
			PanID:         PanID,
			ExtendedPanID: f.Params.ExtendedPanID,
			ChannelList:   []uint8{Channel},
			NetworkKey:    f.NetworkKey,
		},
		DispatchDelay:  queue.MinDelay,
		BackupPath:     filepath.Join(dir, "backup.json"),
		Source:         "test",
		ZDOTimeout:     300 * time.Millisecond,
		ZCLTimeout:     300 * time.Millisecond,
		NetworkTimeout: time.Second,
	}, Logger())

	t.Cleanup(func() { st.Close() })
	t.Cleanup(func() { f.Close() })
	t.Cleanup(func() { a.Stop(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = a.Start(ctx)
	require.NoError(t, err)
	return &Env{Adapter: a, Fake: f, Store: st, Bus: bus, Dir: dir}
}

// SaveDevice stores a device at the given short address.
func (e *Env) SaveDevice(t testing.TB, eui64 ncp.EUI64, nwk uint16, endpoints ...store.Endpoint) *store.Device {
	t.Helper()
	dev := &store.Device{
		IEEEAddress:    eui64.String(),
		NetworkAddress: nwk,
		Endpoints:      endpoints,
		JoinedAt:       time.Now(),
		LastSeen:       time.Now(),
	}
	require.NoError(t, e.Store.SaveDevice(dev))
	return dev
}

// Reply answers a unicast ZCL request from the device it was sent to,
// reusing the request's transaction sequence.
func Reply(msg ncptest.Sent, cmd uint8, payload []byte) ncp.IncomingMessageEvent {
	hdr := zcl.Header{
		FrameType:              zcl.FrameTypeGlobal,
		Direction:              zcl.DirectionServerToClient,
		DisableDefaultResponse: true,
		TransactionSequence:    msg.Payload[1],
		CommandID:              cmd,
	}
	return ncp.IncomingMessageEvent{
		Type: ncp.IncomingUnicast,
		Frame: ncp.APSFrame{
			ProfileID:           msg.Frame.ProfileID,
			ClusterID:           msg.Frame.ClusterID,
			SourceEndpoint:      msg.Frame.DestinationEndpoint,
			DestinationEndpoint: msg.Frame.SourceEndpoint,
		},
		LinkQuality: 200,
		RSSI:        -50,
		Sender:      msg.Destination,
		Payload:     (&zcl.Frame{Header: hdr, Payload: payload}).Encode(),
	}
}

// Respond installs a ZCL responder on the fake. fn returns the reply command
// and payload for a request, or false to stay silent.
func (e *Env) Respond(fn func(msg ncptest.Sent) (cmd uint8, payload []byte, ok bool)) {
	e.mu.Lock()
	e.zclFn = fn
	e.mu.Unlock()
	e.install()
}

// RespondZDO installs a ZDO responder on the fake. fn returns the response
// status and body for a unicast ZDO request, or false to stay silent.
func (e *Env) RespondZDO(fn func(msg ncptest.Sent) (status uint8, body []byte, ok bool)) {
	e.mu.Lock()
	e.zdoFn = fn
	e.mu.Unlock()
	e.install()
}

// AckCommands answers every cluster command with a success default response.
func (e *Env) AckCommands() {
	e.Respond(func(msg ncptest.Sent) (uint8, []byte, bool) {
		return zcl.FoundationDefaultResponse, []byte{msg.Payload[2], zcl.StatusSuccess}, true
	})
}

func (e *Env) install() {
	e.Fake.Update(func(f *ncptest.Fake) {
		f.Responder = e.respond
	})
}

func (e *Env) respond(msg ncptest.Sent) []ncp.Event {
	if msg.Type != ncp.OutgoingDirect {
		return nil
	}
	e.mu.Lock()
	zclFn, zdoFn := e.zclFn, e.zdoFn
	e.mu.Unlock()

	if msg.Frame.ProfileID == ncp.ProfileZDO {
		if zdoFn == nil {
			return nil
		}
		status, body, ok := zdoFn(msg)
		if !ok {
			return nil
		}
		return []ncp.Event{ncp.ZDOResponseEvent{
			Sender: msg.Destination,
			Frame: ncp.APSFrame{
				ProfileID: ncp.ProfileZDO,
				ClusterID: zdo.ResponseCluster(msg.Frame.ClusterID),
			},
			Payload: append([]byte{msg.Payload[0], status}, body...),
		}}
	}
	if zclFn == nil {
		return nil
	}
	cmd, payload, ok := zclFn(msg)
	if !ok {
		return nil
	}
	return []ncp.Event{Reply(msg, cmd, payload)}
}
