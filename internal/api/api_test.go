package api

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zigbee-ncp-host/internal/adapter"
	"zigbee-ncp-host/internal/adapter/adaptertest"
	"zigbee-ncp-host/internal/ncp"
	"zigbee-ncp-host/internal/ncp/ncptest"
	"zigbee-ncp-host/internal/store"
	"zigbee-ncp-host/internal/zcl"
	"zigbee-ncp-host/internal/zdo"
)

var (
	lampEUI   = ncp.EUI64{0x00, 0x15, 0x8D, 0x00, 0x00, 0x00, 0x00, 0x07}
	switchEUI = ncp.EUI64{0x00, 0x15, 0x8D, 0x00, 0x00, 0x00, 0x00, 0x08}
)

func newTestService(t *testing.T) (*Service, *adaptertest.Env) {
	t.Helper()
	env := adaptertest.Start(t)
	return New(env.Adapter, "1.2.3", adaptertest.Logger()), env
}

func exec(t *testing.T, s *Service, name, params string) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Execute(ctx, name, []byte(params))
}

func TestNumUnmarshal(t *testing.T) {
	tests := []struct {
		in      string
		want    Num
		wantErr bool
	}{
		{`6`, N(6), false},
		{`"0x0006"`, N(6), false},
		{`"42"`, N(42), false},
		{`"-5"`, N(-5), false},
		{`null`, Num{}, false},
		{`""`, Num{}, false},
		{`"six"`, Num{}, true},
		{`1.5`, Num{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var n Num
			err := json.Unmarshal([]byte(tt.in), &n)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, n)
		})
	}
}

func TestNumBounds(t *testing.T) {
	v, err := Num{}.uint8("endpoint", 1)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), v)

	_, err = N(256).uint8("endpoint", 1)
	assert.ErrorIs(t, err, ErrBadRequest)

	p, err := N(-3).int8("power", 0)
	require.NoError(t, err)
	assert.Equal(t, int8(-3), p)

	_, err = N(-1).uint16("cluster", 0)
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestUnknownCommand(t *testing.T) {
	s, _ := newTestService(t)
	_, err := exec(t, s, "reboot", "")
	assert.ErrorIs(t, err, ErrUnknownCommand)
	assert.Contains(t, s.Commands(), "permit_join")
	assert.IsIncreasing(t, s.Commands())
}

func TestCoordinator(t *testing.T) {
	s, _ := newTestService(t)
	res, err := exec(t, s, "coordinator", "")
	require.NoError(t, err)

	info := res.(*CoordinatorInfo)
	assert.Equal(t, "1.2.3", info.Version)
	assert.Equal(t, ncptest.New().EUI64, info.IEEEAddress)
	assert.Equal(t, "joined", info.State)
	assert.Equal(t, adaptertest.PanID, info.Network.PanID)
	assert.Equal(t, adaptertest.Channel, info.Network.RadioChannel)
	require.NotNil(t, info.Stack)
	assert.Equal(t, "fake", info.Stack.StackVersion)
}

func TestDevices(t *testing.T) {
	s, env := newTestService(t)

	res, err := exec(t, s, "devices", "")
	require.NoError(t, err)
	assert.Empty(t, res)
	assert.NotNil(t, res)

	env.SaveDevice(t, lampEUI, 0x4411)
	res, err = exec(t, s, "devices", "")
	require.NoError(t, err)
	assert.Len(t, res, 1)

	res, err = exec(t, s, "device", `{"id": "0x4411"}`)
	require.NoError(t, err)
	assert.Equal(t, lampEUI.String(), res.(*store.Device).IEEEAddress)

	_, err = exec(t, s, "device", `{"id": "0x0000000000000009"}`)
	assert.ErrorIs(t, err, adapter.ErrUnknownDevice)
	_, err = exec(t, s, "device", `{}`)
	assert.ErrorIs(t, err, ErrBadRequest)
	_, err = exec(t, s, "device", `{"id": 5}`)
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestPermitJoin(t *testing.T) {
	s, env := newTestService(t)

	res, err := exec(t, s, "permit_join", `{"time": "30"}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"time": uint8(30), "target": ""}, res)
	assert.Equal(t, 1, env.Fake.CallCount("PermitJoining"))
	assert.Equal(t, 1, env.Fake.CallCount("SendBroadcast"))

	_, err = exec(t, s, "permit_join", `{"time": 10, "target": "coordinator"}`)
	require.NoError(t, err)
	assert.Equal(t, 2, env.Fake.CallCount("PermitJoining"))
	assert.Equal(t, 1, env.Fake.CallCount("SendBroadcast"))

	_, err = exec(t, s, "permit_join", `{"time": 300}`)
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestChannelAndTxPower(t *testing.T) {
	s, env := newTestService(t)

	_, err := exec(t, s, "channel", `{}`)
	assert.ErrorIs(t, err, ErrBadRequest)
	_, err = exec(t, s, "channel", `{"channel": 30}`)
	assert.ErrorIs(t, err, adapter.ErrInvalidChannel)

	before := env.Fake.CallCount("SetRadioPower")
	res, err := exec(t, s, "tx_power", `{"power": "-3"}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"power": int8(-3)}, res)
	assert.Equal(t, before+1, env.Fake.CallCount("SetRadioPower"))
	env.Fake.Update(func(f *ncptest.Fake) {
		assert.Equal(t, int8(-3), f.TxPower)
	})
}

func TestInstallCode(t *testing.T) {
	s, env := newTestService(t)

	_, err := exec(t, s, "install_code", `{"ieee": "`+lampEUI.String()+`", "code": "83FED3407A939723A5C639B26916D505C3B5"}`)
	require.NoError(t, err)
	env.Fake.Update(func(f *ncptest.Fake) {
		assert.Contains(t, f.TransientKeys, lampEUI)
	})

	_, err = exec(t, s, "install_code", `{"ieee": "nope", "code": "00"}`)
	assert.ErrorIs(t, err, ErrBadRequest)
	_, err = exec(t, s, "install_code", `{"ieee": "`+lampEUI.String()+`", "code": "zz"}`)
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestDeviceZCLReadsAttributes(t *testing.T) {
	s, env := newTestService(t)
	env.SaveDevice(t, lampEUI, 0x4411)
	env.Respond(func(msg ncptest.Sent) (uint8, []byte, bool) {
		return zcl.FoundationReadAttributesResponse, []byte{0x00, 0x00, zcl.StatusSuccess, zcl.TypeBool, 0x01}, true
	})

	res, err := exec(t, s, "device/zcl", `{"id": "`+lampEUI.String()+`", "endpoint": 1, "cluster": "0x0006", "command": 0, "global": true, "payload": "0000"}`)
	require.NoError(t, err)

	result := res.(*ZCLResult)
	require.NotNil(t, result.Response)
	assert.Equal(t, "0x4411", result.Response.Sender)
	assert.Equal(t, zcl.FoundationReadAttributesResponse, result.Response.CommandID)
	require.Len(t, result.Response.Attributes, 1)
	assert.Equal(t, true, result.Response.Attributes[0].Value)

	calls := env.Fake.Calls()
	var sent []byte
	for _, c := range calls {
		if c.Method == "SendUnicast" {
			sent = c.Args[2].([]byte)
		}
	}
	require.NotNil(t, sent)
	assert.Equal(t, result.TSN, sent[1])
}

func TestDeviceZCLDefaultResponse(t *testing.T) {
	s, env := newTestService(t)
	env.SaveDevice(t, lampEUI, 0x4411)
	env.AckCommands()

	res, err := exec(t, s, "device/zcl", `{"id": "0x4411", "cluster": 6, "command": 1}`)
	require.NoError(t, err)
	rsp := res.(*ZCLResult).Response
	require.NotNil(t, rsp)
	require.NotNil(t, rsp.Status)
	assert.Equal(t, zcl.StatusSuccess, *rsp.Status)

	_, err = exec(t, s, "device/zcl", `{"id": "0x4411", "cluster": 6}`)
	assert.ErrorIs(t, err, ErrBadRequest)
	_, err = exec(t, s, "device/zcl", `{"id": "0x4411", "cluster": 6, "command": 1, "payload": "xyz"}`)
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestGroupAndBroadcastZCL(t *testing.T) {
	s, env := newTestService(t)

	_, err := exec(t, s, "group/zcl", `{"group": "0x0102", "cluster": 6, "command": 2, "disable_default_response": true}`)
	require.NoError(t, err)
	assert.Equal(t, 1, env.Fake.CallCount("SendMulticast"))

	_, err = exec(t, s, "group/zcl", `{"cluster": 6, "command": 2}`)
	assert.ErrorIs(t, err, ErrBadRequest)

	_, err = exec(t, s, "broadcast/zcl", `{"cluster": 6, "command": 0}`)
	require.NoError(t, err)
	var bcast *ncptest.Call
	for _, c := range env.Fake.Calls() {
		if c.Method == "SendBroadcast" {
			c := c
			bcast = &c
		}
	}
	require.NotNil(t, bcast)
	assert.Equal(t, ncp.BroadcastRxOnWhenIdle, bcast.Args[0])
	assert.Equal(t, uint8(0xFF), bcast.Args[1].(ncp.APSFrame).DestinationEndpoint)

	_, err = exec(t, s, "broadcast/zcl", `{"destination": "0x1234", "cluster": 6, "command": 0}`)
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestBindTargets(t *testing.T) {
	s, env := newTestService(t)
	env.SaveDevice(t, lampEUI, 0x4411)
	env.SaveDevice(t, switchEUI, 0x5522)
	env.RespondZDO(func(msg ncptest.Sent) (uint8, []byte, bool) {
		return zdo.StatusSuccess, nil, true
	})

	res, err := exec(t, s, "device/bind", `{"id": "0x5522", "endpoint": 1, "cluster": 6, "target": "`+lampEUI.String()+`", "target_endpoint": 3}`)
	require.NoError(t, err)
	assert.Equal(t, zdo.EndpointDestination(lampEUI, 3).String(), res.(map[string]any)["target"])

	res, err = exec(t, s, "device/bind", `{"id": "0x5522", "cluster": 6, "group": 258}`)
	require.NoError(t, err)
	assert.Equal(t, zdo.GroupDestination(258).String(), res.(map[string]any)["target"])

	res, err = exec(t, s, "device/unbind", `{"id": "0x5522", "cluster": 6}`)
	require.NoError(t, err)
	assert.Equal(t, zdo.EndpointDestination(ncptest.New().EUI64, adapter.DefaultEndpoint).String(), res.(map[string]any)["target"])

	var clusters []uint16
	for _, c := range env.Fake.Calls() {
		if c.Method == "SendUnicast" {
			assert.Equal(t, ncp.NodeID(0x5522), c.Args[0])
			clusters = append(clusters, c.Args[1].(ncp.APSFrame).ClusterID)
		}
	}
	assert.Equal(t, []uint16{zdo.BindRequest, zdo.BindRequest, zdo.UnbindRequest}, clusters)

	_, err = exec(t, s, "device/bind", `{"id": "0x5522"}`)
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestRemoveDevice(t *testing.T) {
	s, env := newTestService(t)
	env.SaveDevice(t, lampEUI, 0x4411)
	env.RespondZDO(func(msg ncptest.Sent) (uint8, []byte, bool) {
		return zdo.StatusSuccess, nil, true
	})

	res, err := exec(t, s, "device/remove", `{"id": "0x4411"}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": lampEUI.String()}, res)
	assert.Equal(t, 1, env.Fake.CallCount("SendUnicast"))
}

func TestBackupHistory(t *testing.T) {
	s, _ := newTestService(t)

	res, err := exec(t, s, "backup", "")
	require.NoError(t, err)
	summary := res.(*BackupSummary)
	assert.Equal(t, adaptertest.PanID, summary.PanID)

	res, err = exec(t, s, "backups", "")
	require.NoError(t, err)
	list := res.([]BackupSummary)
	require.Len(t, list, 1)
	assert.Equal(t, summary.ID, list[0].ID)

	_, err = exec(t, s, "link_keys/restore", `{"id": "`+summary.ID+`"}`)
	assert.Error(t, err, "keys cannot be imported while the network is up")

	_, err = exec(t, s, "link_keys/restore", `{"id": "missing"}`)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestLinkKeysLeaveOutKeys(t *testing.T) {
	s, env := newTestService(t)
	env.Fake.Update(func(f *ncptest.Fake) {
		f.KeyTable[0] = ncp.LinkKey{EUI64: lampEUI, Key: ncp.Key{0x01}, OutgoingFrameCounter: 3}
	})

	res, err := exec(t, s, "link_keys", "")
	require.NoError(t, err)
	keys := res.([]LinkKeyInfo)
	require.Len(t, keys, 1)
	assert.Equal(t, LinkKeyInfo{IEEEAddress: lampEUI, OutgoingFrameCounter: 3}, keys[0])
}

func TestDeviceTableCommandsWithoutStore(t *testing.T) {
	f := adaptertest.JoinedFake()
	t.Cleanup(func() { f.Close() })
	a := adapter.New(f, nil, adapter.NewEventBus(adaptertest.Logger()), adapter.Config{}, adaptertest.Logger())
	s := New(a, "1.2.3", adaptertest.Logger())

	for _, tc := range []struct{ name, params string }{
		{"devices", ""},
		{"device", `{"id": "0x4411"}`},
		{"backups", ""},
		{"link_keys/restore", `{"id": "1"}`},
	} {
		_, err := exec(t, s, tc.name, tc.params)
		assert.ErrorIs(t, err, adapter.ErrNoDeviceTable, tc.name)
	}
}
