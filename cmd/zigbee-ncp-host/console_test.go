package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zigbee-ncp-host/internal/adapter/adaptertest"
	"zigbee-ncp-host/internal/api"
	"zigbee-ncp-host/internal/ncp"
)

type scriptedReader struct {
	lines  []string
	closed bool
}

func (r *scriptedReader) Readline() (string, error) {
	if len(r.lines) == 0 {
		return "", io.EOF
	}
	line := r.lines[0]
	r.lines = r.lines[1:]
	return line, nil
}

func (r *scriptedReader) Close() error {
	r.closed = true
	return nil
}

func newTestConsole(t *testing.T, lines ...string) (*console, *bytes.Buffer, *adaptertest.Env) {
	t.Helper()
	env := adaptertest.Start(t)
	out := &bytes.Buffer{}
	return &console{
		rl:     &scriptedReader{lines: lines},
		out:    out,
		svc:    api.New(env.Adapter, "test", adaptertest.Logger()),
		logger: adaptertest.Logger(),
	}, out, env
}

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"empty", nil, `{}`},
		{"bare id", []string{"0x1234"}, `{"id": "0x1234"}`},
		{"pairs", []string{"time=60", "target=coordinator"}, `{"time": "60", "target": "coordinator"}`},
		{"id and pairs", []string{"0x1234", "endpoint=1", "global=true", "no_response=false"},
			`{"id": "0x1234", "endpoint": "1", "global": true, "no_response": false}`},
		{"value with equals", []string{"code=a=b"}, `{"code": "a=b"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseArgs(tt.args)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestParseArgsErrors(t *testing.T) {
	_, err := parseArgs([]string{"time=60", "0x1234"})
	assert.Error(t, err, "bare argument only allowed first")

	_, err = parseArgs([]string{"=60"})
	assert.Error(t, err)
}

func TestConsoleHandle(t *testing.T) {
	c, out, env := newTestConsole(t)
	ctx := context.Background()

	assert.False(t, c.handle(ctx, "   "))
	assert.Empty(t, out.String())

	assert.False(t, c.handle(ctx, "coordinator"))
	var info map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &info))
	assert.Equal(t, env.Fake.EUI64.String(), info["ieee_address"])
	out.Reset()

	assert.False(t, c.handle(ctx, "permit_join time=30"))
	assert.Contains(t, out.String(), `"time": 30`)
	assert.Equal(t, 1, env.Fake.CallCount("PermitJoining"))
	out.Reset()

	assert.False(t, c.handle(ctx, "permit_join time=900"))
	assert.Contains(t, out.String(), "error:")
	out.Reset()

	assert.False(t, c.handle(ctx, "frobnicate"))
	assert.Contains(t, out.String(), "unknown command")
	out.Reset()

	assert.False(t, c.handle(ctx, "help"))
	assert.Contains(t, out.String(), "permit_join")

	assert.True(t, c.handle(ctx, "quit"))
	assert.True(t, c.handle(ctx, "exit"))
}

func TestConsoleDeviceLookup(t *testing.T) {
	c, out, env := newTestConsole(t)
	eui := ncp.EUI64{0x00, 0x17, 0x88, 0x01, 0x02, 0x03, 0x04, 0x05}
	env.SaveDevice(t, eui, 0x4321)

	c.handle(context.Background(), "device 0x4321")
	var dev map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &dev))
	assert.Equal(t, eui.String(), dev["ieee_address"])
}

func TestConsoleRunStopsOnQuit(t *testing.T) {
	c, out, _ := newTestConsole(t, "help", "quit", "coordinator")

	stopped := false
	c.run(context.Background(), func() { stopped = true })
	assert.True(t, stopped)
	assert.NotContains(t, out.String(), "ieee_address", "lines after quit are not run")
}

func TestConsoleRunStopsOnEOF(t *testing.T) {
	c, _, _ := newTestConsole(t)

	stopped := false
	c.run(context.Background(), func() { stopped = true })
	assert.True(t, stopped)
}
