//go:build !no_automation

package automation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zigbee-ncp-host/internal/adapter/adaptertest"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "scripts"), adaptertest.Logger())
	require.NoError(t, err)
	return m
}

func TestManagerListEmpty(t *testing.T) {
	scripts, err := newTestManager(t).List()
	require.NoError(t, err)
	assert.Empty(t, scripts)
}

func TestManagerSaveAndGet(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{Name: "Night Light", Enabled: true, Code: `zigbee.log("hello")`})
	require.NoError(t, err)
	assert.Equal(t, "night_light", saved.ID)

	got, err := m.Get(saved.ID)
	require.NoError(t, err)
	assert.Equal(t, "Night Light", got.Name)
	assert.True(t, got.Enabled)
	assert.Equal(t, "zigbee.log(\"hello\")\n", got.Code)
	assert.Equal(t, saved.Path, got.Path)
}

func TestManagerSaveExistingID(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Save(&Script{ID: "hook", Name: "Hook", Code: `zigbee.log("v1")`})
	require.NoError(t, err)

	s.Code = `zigbee.log("v2")`
	_, err = m.Save(s)
	require.NoError(t, err)

	got, err := m.Get("hook")
	require.NoError(t, err)
	assert.Contains(t, got.Code, "v2")

	_, err = m.Save(&Script{ID: "../escape"})
	assert.Error(t, err)
}

func TestManagerUniqueID(t *testing.T) {
	m := newTestManager(t)
	a, err := m.Save(&Script{Name: "Dup"})
	require.NoError(t, err)
	b, err := m.Save(&Script{Name: "Dup"})
	require.NoError(t, err)
	c, err := m.Save(&Script{Name: "!!!"})
	require.NoError(t, err)

	assert.Equal(t, "dup", a.ID)
	assert.Equal(t, "dup_1", b.ID)
	assert.Equal(t, "script", c.ID)
}

func TestManagerListSkipsBrokenFiles(t *testing.T) {
	m := newTestManager(t)
	for _, name := range []string{"Beta", "Alpha"} {
		_, err := m.Save(&Script{Name: name, Enabled: true})
		require.NoError(t, err)
	}
	require.NoError(t, os.WriteFile(filepath.Join(m.dir, "broken.lua"), []byte("-- {not json\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(m.dir, "notes.txt"), []byte("x"), 0o644))

	scripts, err := m.List()
	require.NoError(t, err)
	require.Len(t, scripts, 2)
	assert.Equal(t, "alpha", scripts[0].ID)
	assert.Equal(t, "beta", scripts[1].ID)
}

func TestManagerDelete(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Save(&Script{Name: "Gone"})
	require.NoError(t, err)

	require.NoError(t, m.Delete(s.ID))
	_, err = m.Get(s.ID)
	assert.ErrorIs(t, err, ErrScriptNotFound)
	assert.ErrorIs(t, m.Delete(s.ID), ErrScriptNotFound)
	assert.Error(t, m.Delete(".."))
}

func TestParseScriptWithoutHeader(t *testing.T) {
	s, err := parseScript("plain", "/x/plain.lua", "zigbee.log(1)\n")
	require.NoError(t, err)
	assert.Equal(t, "", s.Name)
	assert.False(t, s.Enabled)
	assert.Equal(t, "zigbee.log(1)\n", s.Code)
}

func TestSerializeScriptRoundTrip(t *testing.T) {
	in := &Script{Name: "Door", Enabled: true, Code: "zigbee.log(\"open\")"}
	content := serializeScript(in)
	assert.Equal(t, "-- {\"name\":\"Door\",\"enabled\":true}\nzigbee.log(\"open\")\n", content)

	out, err := parseScript("door", "", content)
	require.NoError(t, err)
	assert.Equal(t, in.Name, out.Name)
	assert.Equal(t, in.Enabled, out.Enabled)
}

func TestSlugify(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Bathroom Light", "bathroom_light"},
		{"hello world!", "hello_world"},
		{"", ""},
		{"  spaces  ", "spaces"},
		{"UPPER", "upper"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, slugify(tt.in), tt.in)
	}
}
