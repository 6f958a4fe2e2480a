package netcache

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"zigbee-ncp-host/internal/ncp"
	"zigbee-ncp-host/internal/ncp/ncptest"
)

func TestFetchOnceUntilInvalidated(t *testing.T) {
	f := ncptest.New()
	f.Params = ncp.NetworkParameters{PanID: 0x1A62, RadioChannel: 15}
	c := New(f)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p, err := c.NetworkParameters(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint16(0x1A62), p.PanID)
	}
	assert.Equal(t, 1, f.CallCount("GetNetworkParameters"))

	f.Update(func(f *ncptest.Fake) { f.Params.RadioChannel = 20 })
	p, _ := c.NetworkParameters(ctx)
	assert.Equal(t, uint8(15), p.RadioChannel, "stale until invalidated")

	c.InvalidateAll()
	p, err := c.NetworkParameters(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint8(20), p.RadioChannel)
	assert.Equal(t, 2, f.CallCount("GetNetworkParameters"))
}

func TestIdentityFields(t *testing.T) {
	f := ncptest.New()
	f.NodeID = 0x0000
	f.Joined = true
	c := New(f)
	ctx := context.Background()

	eui, err := c.EUI64(ctx)
	require.NoError(t, err)
	assert.Equal(t, f.EUI64, eui)

	id, err := c.NodeID(ctx)
	require.NoError(t, err)
	assert.Equal(t, ncp.NodeID(0), id)

	st, err := c.NetworkStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, ncp.NetworkStatusJoined, st)

	_, _ = c.EUI64(ctx)
	assert.Equal(t, 1, f.CallCount("GetEUI64"))
}

func TestStatusFailureNotCached(t *testing.T) {
	f := ncptest.New()
	f.Script("GetNetworkParameters", ncp.StatusInvalidState)
	c := New(f)

	_, err := c.NetworkParameters(context.Background())
	require.ErrorIs(t, err, &ncp.StatusError{Status: ncp.StatusInvalidState})

	_, err = c.NetworkParameters(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, f.CallCount("GetNetworkParameters"))
}

// racingSource invalidates the cache while a fetch is in flight.
type racingSource struct {
	*ncptest.Fake
	cache *Cache
}

func (r racingSource) GetNodeID(ctx context.Context) (ncp.NodeID, error) {
	id, err := r.Fake.GetNodeID(ctx)
	r.cache.InvalidateAll()
	return id, err
}

func TestInvalidationDuringFetchDiscardsValue(t *testing.T) {
	f := ncptest.New()
	f.NodeID = 0x1234
	src := racingSource{Fake: f}
	c := New(src)
	src.cache = c
	c.src = src

	id, err := c.NodeID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ncp.NodeID(0x1234), id)

	c.src = f
	_, err = c.NodeID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, f.CallCount("GetNodeID"), "value fetched across an invalidation is not stored")
	assert.Equal(t, uint64(1), c.Generation())
}

type mockSource struct {
	mock.Mock
}

func (m *mockSource) GetEUI64(ctx context.Context) (ncp.EUI64, error) {
	args := m.Called(ctx)
	return args.Get(0).(ncp.EUI64), args.Error(1)
}

func (m *mockSource) GetNodeID(ctx context.Context) (ncp.NodeID, error) {
	args := m.Called(ctx)
	return args.Get(0).(ncp.NodeID), args.Error(1)
}

func (m *mockSource) NetworkState(ctx context.Context) (ncp.NetworkStatus, error) {
	args := m.Called(ctx)
	return args.Get(0).(ncp.NetworkStatus), args.Error(1)
}

func (m *mockSource) GetNetworkParameters(ctx context.Context) (ncp.Status, ncp.NodeType, ncp.NetworkParameters, error) {
	args := m.Called(ctx)
	return args.Get(0).(ncp.Status), args.Get(1).(ncp.NodeType), args.Get(2).(ncp.NetworkParameters), args.Error(3)
}

func TestTransportErrorNotCached(t *testing.T) {
	src := &mockSource{}
	ioErr := errors.New("serial: port closed")
	eui := ncp.EUI64{0x00, 0x12, 0x4B, 0x00, 0x01, 0x02, 0x03, 0x04}
	src.On("GetEUI64", mock.Anything).Return(ncp.EUI64{}, ioErr).Once()
	src.On("GetEUI64", mock.Anything).Return(eui, nil).Once()
	c := New(src)
	ctx := context.Background()

	_, err := c.EUI64(ctx)
	require.ErrorIs(t, err, ioErr)

	got, err := c.EUI64(ctx)
	require.NoError(t, err)
	assert.Equal(t, eui, got)

	got, err = c.EUI64(ctx)
	require.NoError(t, err)
	assert.Equal(t, eui, got)
	src.AssertNumberOfCalls(t, "GetEUI64", 2)
	src.AssertExpectations(t)
}

func TestInvalidateResetsNodeType(t *testing.T) {
	src := &mockSource{}
	params := ncp.NetworkParameters{PanID: 0x1A62, RadioChannel: 11}
	src.On("GetNetworkParameters", mock.Anything).
		Return(ncp.StatusOK, ncp.NodeTypeCoordinator, params, nil).Twice()
	src.On("NetworkState", mock.Anything).Return(ncp.NetworkStatusJoined, nil).Twice()
	c := New(src)
	ctx := context.Background()

	assert.Equal(t, ncp.NodeTypeUnknown, c.NodeType())
	_, err := c.NetworkParameters(ctx)
	require.NoError(t, err)
	_, err = c.NetworkStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, ncp.NodeTypeCoordinator, c.NodeType())

	c.InvalidateAll()
	assert.Equal(t, ncp.NodeTypeUnknown, c.NodeType())
	_, err = c.NetworkParameters(ctx)
	require.NoError(t, err)
	_, err = c.NetworkStatus(ctx)
	require.NoError(t, err)
	src.AssertExpectations(t)
}
