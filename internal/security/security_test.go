package security

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zigbee-ncp-host/internal/ncp"
	"zigbee-ncp-host/internal/ncp/ncptest"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func TestInstallCodeKey(t *testing.T) {
	code := mustHex(t, "83FED3407A939723A5C639B26916D505C3B5")
	key, err := InstallCodeKey(code)
	require.NoError(t, err)
	assert.Equal(t, "66b6900981e1ee3ca4206b6b861c02bb", key.String())
}

func TestInstallCodeErrors(t *testing.T) {
	_, err := InstallCodeKey(mustHex(t, "83FED3407A93"))
	assert.ErrorIs(t, err, ErrInstallCodeLength)

	code := mustHex(t, "83FED3407A939723A5C639B26916D505C3B6")
	_, err = InstallCodeKey(code)
	assert.ErrorIs(t, err, ErrInstallCodeCRC)
}

func TestInstallCodeCRC(t *testing.T) {
	assert.Equal(t, uint16(0xB5C3), InstallCodeCRC(mustHex(t, "83FED3407A939723A5C639B26916D505")))
}

func TestMMOHashDeterministic(t *testing.T) {
	a := MMOHash([]byte("ZigBeeAlliance09"))
	b := MMOHash([]byte("ZigBeeAlliance09"))
	c := MMOHash([]byte("ZigBeeAlliance08"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, MMOHash(nil), ncp.Key{})
}

func TestRandomKey(t *testing.T) {
	a, err := RandomKey()
	require.NoError(t, err)
	b, err := RandomKey()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func linkKey(last byte) ncp.LinkKey {
	return ncp.LinkKey{
		EUI64: ncp.EUI64{0x00, 0x15, 0x8D, 0x00, 0x00, 0x00, 0x00, last},
		Key:   ncp.Key{last, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15},
	}
}

func TestImportLinkKeys(t *testing.T) {
	f := ncptest.New()
	f.KeyTable = make([]ncp.LinkKey, 4)
	f.KeyTable[3] = linkKey(0xEE)
	keys := []ncp.LinkKey{linkKey(1), linkKey(2)}

	require.NoError(t, ImportLinkKeys(context.Background(), f, keys))
	assert.Equal(t, keys[0], f.KeyTable[0])
	assert.Equal(t, keys[1], f.KeyTable[1])
	assert.Equal(t, ncp.LinkKey{}, f.KeyTable[3], "slots after the imported keys are erased")
	assert.Equal(t, 2, f.CallCount("EraseKeyTableEntry"))
}

func TestImportLinkKeysPreconditions(t *testing.T) {
	ctx := context.Background()

	f := ncptest.New()
	f.KeyTable = make([]ncp.LinkKey, 1)
	err := ImportLinkKeys(ctx, f, []ncp.LinkKey{linkKey(1), linkKey(2)})
	assert.ErrorIs(t, err, ErrKeyTableTooSmall)

	f = ncptest.New()
	f.KeyTable = nil
	err = ImportLinkKeys(ctx, f, []ncp.LinkKey{linkKey(1)})
	assert.ErrorIs(t, err, ErrNoKeyTable)

	f = ncptest.New()
	f.Joined = true
	err = ImportLinkKeys(ctx, f, []ncp.LinkKey{linkKey(1)})
	assert.ErrorIs(t, err, &ncp.StatusError{Status: ncp.StatusInvalidState})
	assert.Zero(t, f.CallCount("ImportLinkKey"))

	f = ncptest.New()
	f.Script("ImportLinkKey", ncp.StatusTableFull)
	err = ImportLinkKeys(ctx, f, []ncp.LinkKey{linkKey(1)})
	assert.ErrorIs(t, err, &ncp.StatusError{Status: ncp.StatusTableFull})

	assert.NoError(t, ImportLinkKeys(ctx, ncptest.New(), nil))
}

func TestExportLinkKeysHashes(t *testing.T) {
	f := ncptest.New()
	f.KeyTable = []ncp.LinkKey{linkKey(1), {}, linkKey(3)}

	keys, err := ExportLinkKeys(context.Background(), f)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, linkKey(1).EUI64, keys[0].EUI64)
	src := linkKey(1).Key
	assert.Equal(t, MMOHash(src[:]), keys[0].Key)
	assert.Equal(t, linkKey(3).EUI64, keys[1].EUI64)
}
