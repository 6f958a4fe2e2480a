package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zigbee-ncp-host/internal/adapter/adaptertest"
	"zigbee-ncp-host/internal/api"
	"zigbee-ncp-host/internal/ncp"
	"zigbee-ncp-host/internal/ncp/ncptest"
	"zigbee-ncp-host/internal/store"
	"zigbee-ncp-host/internal/zdo"
)

var (
	lampEUI   = ncp.EUI64{0x00, 0x15, 0x8D, 0x00, 0x01, 0x2A, 0x3B, 0x4C}
	sensorEUI = ncp.EUI64{0x00, 0x15, 0x8D, 0x00, 0x01, 0x2A, 0x3B, 0x4D}
)

func setupTestServer(t *testing.T, opts ...ServerOption) (*Server, *adaptertest.Env) {
	t.Helper()
	env := adaptertest.Start(t)
	svc := api.New(env.Adapter, "1.2.3", adaptertest.Logger())
	srv := NewServer(svc, adaptertest.Logger(), append([]ServerOption{WithVersion("1.2.3")}, opts...)...)
	t.Cleanup(srv.Stop)
	return srv, env
}

func do(t *testing.T, srv http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v), w.Body.String())
	return v
}

func TestAPIVersion(t *testing.T) {
	srv, _ := setupTestServer(t)

	w := do(t, srv, "GET", "/api/version", "")
	require.Equal(t, http.StatusOK, w.Code)
	v := decodeBody[VersionInfo](t, w)
	assert.Equal(t, "1.2.3", v.Version)
	assert.NotEmpty(t, v.GoOS)
}

func TestAPICoordinator(t *testing.T) {
	srv, env := setupTestServer(t)

	w := do(t, srv, "GET", "/api/coordinator", "")
	require.Equal(t, http.StatusOK, w.Code)
	info := decodeBody[api.CoordinatorInfo](t, w)
	assert.Equal(t, "1.2.3", info.Version)
	assert.Equal(t, env.Fake.EUI64, info.IEEEAddress)
	assert.Equal(t, adaptertest.PanID, info.Network.PanID)
}

func TestAPICoordinatorNotStarted(t *testing.T) {
	srv, env := setupTestServer(t)
	require.NoError(t, env.Adapter.Stop(context.Background()))

	w := do(t, srv, "GET", "/api/coordinator", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAPIListDevices(t *testing.T) {
	srv, env := setupTestServer(t)

	w := do(t, srv, "GET", "/api/devices", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())

	env.SaveDevice(t, lampEUI, 0x1234)
	env.SaveDevice(t, sensorEUI, 0x1235)

	w = do(t, srv, "GET", "/api/devices", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]store.Device](t, w), 2)
}

func TestAPIGetDevice(t *testing.T) {
	srv, env := setupTestServer(t)
	env.SaveDevice(t, lampEUI, 0x1234)

	for _, id := range []string{lampEUI.String(), "0x1234"} {
		w := do(t, srv, "GET", "/api/devices/"+id, "")
		require.Equal(t, http.StatusOK, w.Code, id)
		dev := decodeBody[store.Device](t, w)
		assert.Equal(t, lampEUI.String(), dev.IEEEAddress)
		assert.Equal(t, uint16(0x1234), dev.NetworkAddress)
	}
}

func TestAPIGetDeviceNotFound(t *testing.T) {
	srv, _ := setupTestServer(t)

	w := do(t, srv, "GET", "/api/devices/0xffffffffffffffff", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, srv, "GET", "/api/devices/lamp", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPIDeleteDevice(t *testing.T) {
	srv, env := setupTestServer(t)
	env.SaveDevice(t, lampEUI, 0x1234)
	env.RespondZDO(func(msg ncptest.Sent) (uint8, []byte, bool) {
		return zdo.StatusSuccess, nil, true
	})

	w := do(t, srv, "DELETE", "/api/devices/"+lampEUI.String(), "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"id": "`+lampEUI.String()+`"}`, w.Body.String())
	assert.Equal(t, 1, env.Fake.CallCount("SendUnicast"))
}

func TestAPIPermitJoin(t *testing.T) {
	srv, env := setupTestServer(t)

	w := do(t, srv, "POST", "/api/permit_join", `{"time": 60}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"time": 60, "target": ""}`, w.Body.String())
	assert.Equal(t, 1, env.Fake.CallCount("PermitJoining"))

	w = do(t, srv, "POST", "/api/permit_join", `{"time": 600}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "time must be")

	w = do(t, srv, "POST", "/api/permit_join", `{"time":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPINetworkSettings(t *testing.T) {
	srv, _ := setupTestServer(t)

	w := do(t, srv, "PUT", "/api/network/tx_power", `{"power": -4}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"power": -4}`, w.Body.String())

	w = do(t, srv, "PUT", "/api/network/channel", `{"channel": 5}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPIDeviceZCL(t *testing.T) {
	srv, env := setupTestServer(t)
	env.SaveDevice(t, lampEUI, 0x1234)
	env.AckCommands()

	w := do(t, srv, "POST", "/api/devices/0x1234/zcl", `{"cluster": "0x0006", "command": 1}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decodeBody[api.ZCLResult](t, w)
	require.NotNil(t, res.Response)
	require.NotNil(t, res.Response.Status)
	assert.Equal(t, uint8(0), *res.Response.Status)

	// The path id wins over one in the body.
	w = do(t, srv, "POST", "/api/devices/0x9999/zcl", `{"id": "0x1234", "cluster": 6, "command": 1}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPIGroupZCL(t *testing.T) {
	srv, env := setupTestServer(t)

	w := do(t, srv, "POST", "/api/groups/0x0102/zcl", `{"cluster": 6, "command": 2}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 1, env.Fake.CallCount("SendMulticast"))
}

func TestAPIBackups(t *testing.T) {
	srv, _ := setupTestServer(t)

	w := do(t, srv, "POST", "/api/backups", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	created := decodeBody[api.BackupSummary](t, w)
	assert.Equal(t, adaptertest.Channel, created.Channel)

	w = do(t, srv, "GET", "/api/backups", "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decodeBody[[]api.BackupSummary](t, w)
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0].ID)

	w = do(t, srv, "POST", "/api/backups/missing/restore_keys", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPICommandByName(t *testing.T) {
	srv, env := setupTestServer(t)
	env.SaveDevice(t, lampEUI, 0x1234)

	w := do(t, srv, "POST", "/api/commands/device", `{"id": "0x1234"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, lampEUI.String(), decodeBody[store.Device](t, w).IEEEAddress)

	w = do(t, srv, "POST", "/api/commands/self_destruct", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPIKeyRequired(t *testing.T) {
	srv, _ := setupTestServer(t, WithAPIKey("secret"))

	w := do(t, srv, "GET", "/api/devices", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest("GET", "/api/devices", nil)
	req.Header.Set("X-API-Key", "wrong")
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest("GET", "/api/devices", nil)
	req.Header.Set("X-API-Key", "secret")
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCORS(t *testing.T) {
	srv, _ := setupTestServer(t, WithAllowedOrigins([]string{"http://panel.local"}))

	req := httptest.NewRequest("OPTIONS", "/api/permit_join", nil)
	req.Header.Set("Origin", "http://panel.local")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://panel.local", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest("POST", "/api/permit_join", bytes.NewBufferString(`{"time": 1}`))
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Reads from any origin pass.
	req = httptest.NewRequest("GET", "/api/devices", nil)
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
