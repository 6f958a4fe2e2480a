//go:build !no_automation

package automation

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"

	"zigbee-ncp-host/internal/adapter/adaptertest"
)

// systemState returns a Lua state with only the system module, bound to an
// engine without an adapter.
func systemState(t *testing.T, cfg Config) (*lua.LState, *scriptVM) {
	t.Helper()
	e := &Engine{cfg: cfg, logger: adaptertest.Logger()}
	L := lua.NewState()
	t.Cleanup(L.Close)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	vm := &scriptVM{state: L, ctx: ctx, cancel: cancel}
	registerSystemModule(L, vm, e)
	return L, vm
}

func TestSystemDatetime(t *testing.T) {
	L, _ := systemState(t, Config{})

	for _, comp := range []string{"hour", "minute", "second", "weekday", "day", "month", "year", "timestamp"} {
		L.SetGlobal("_comp", lua.LString(comp))
		require.NoError(t, L.DoString(`_result = system.datetime(_comp)`), comp)
		assert.Equal(t, lua.LTNumber, L.GetGlobal("_result").Type(), comp)
	}
	for _, comp := range []string{"time_str", "date_str"} {
		L.SetGlobal("_comp", lua.LString(comp))
		require.NoError(t, L.DoString(`_result = system.datetime(_comp)`), comp)
		assert.Equal(t, lua.LTString, L.GetGlobal("_result").Type(), comp)
	}

	assert.Error(t, L.DoString(`system.datetime("fortnight")`))
}

func TestHourBetween(t *testing.T) {
	tests := []struct {
		hour, from, to int
		want           bool
	}{
		{10, 8, 22, true},
		{22, 8, 22, false},
		{7, 8, 22, false},
		{23, 22, 6, true},
		{3, 22, 6, true},
		{6, 22, 6, false},
		{12, 22, 6, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, hourBetween(tt.hour, tt.from, tt.to), "%d in [%d,%d)", tt.hour, tt.from, tt.to)
	}
}

func TestSystemTimeBetween(t *testing.T) {
	L, _ := systemState(t, Config{})
	hour := time.Now().Hour()
	L.SetGlobal("_from", lua.LNumber(hour))
	L.SetGlobal("_to", lua.LNumber((hour+1)%24))
	require.NoError(t, L.DoString(`_result = system.time_between(_from, _to)`))
	assert.Equal(t, lua.LTrue, L.GetGlobal("_result"))
}

func TestSystemLogIsCaptured(t *testing.T) {
	L, vm := systemState(t, Config{})
	var logs []string
	vm.logs = &logs

	require.NoError(t, L.DoString(`system.log("warn", "battery low")`))
	assert.Equal(t, []string{"[warn] battery low"}, logs)
}

func TestSystemExec(t *testing.T) {
	echo := "/bin/echo"
	if _, err := os.Stat(echo); err != nil {
		t.Skip("no /bin/echo")
	}

	tests := []struct {
		name      string
		allowlist []string
		cmd       string
		want      string
	}{
		{"empty allowlist", nil, "/bin/echo hi", ""},
		{"not allowlisted", []string{"/usr/bin/true"}, "/bin/echo hi", ""},
		{"relative path", []string{"echo"}, "echo hi", ""},
		{"allowed", []string{echo}, "/bin/echo hello", "hello\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			L, _ := systemState(t, Config{ExecAllowlist: tt.allowlist, ExecTimeout: 5 * time.Second})
			L.SetGlobal("_cmd", lua.LString(tt.cmd))
			require.NoError(t, L.DoString(`_result = system.exec(_cmd)`))
			assert.Equal(t, lua.LString(tt.want), L.GetGlobal("_result"))
		})
	}
}
