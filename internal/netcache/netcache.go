// Package netcache memoizes network facts read from the NCP. Values are
// fetched on first use and dropped together on any stack status change.
package netcache

import (
	"context"
	"fmt"
	"sync"

	"zigbee-ncp-host/internal/ncp"
)

// Source is the subset of ncp.Transport the cache reads from.
type Source interface {
	GetEUI64(ctx context.Context) (ncp.EUI64, error)
	GetNodeID(ctx context.Context) (ncp.NodeID, error)
	NetworkState(ctx context.Context) (ncp.NetworkStatus, error)
	GetNetworkParameters(ctx context.Context) (ncp.Status, ncp.NodeType, ncp.NetworkParameters, error)
}

// Cache holds the last known network facts. The generation counter is bumped
// by InvalidateAll; a fetch that started before an invalidation returns its
// value but does not store it.
type Cache struct {
	src Source

	mu         sync.Mutex
	generation uint64
	eui64      *ncp.EUI64
	nodeID     *ncp.NodeID
	status     *ncp.NetworkStatus
	params     *ncp.NetworkParameters
	nodeType   ncp.NodeType
}

// New creates an empty cache.
func New(src Source) *Cache {
	return &Cache{src: src}
}

// EUI64 returns the coordinator IEEE address.
func (c *Cache) EUI64(ctx context.Context) (ncp.EUI64, error) {
	return load(c, func() **ncp.EUI64 { return &c.eui64 }, func() (ncp.EUI64, error) {
		return c.src.GetEUI64(ctx)
	})
}

// NodeID returns the coordinator network address.
func (c *Cache) NodeID(ctx context.Context) (ncp.NodeID, error) {
	return load(c, func() **ncp.NodeID { return &c.nodeID }, func() (ncp.NodeID, error) {
		return c.src.GetNodeID(ctx)
	})
}

// NetworkStatus returns the joined state.
func (c *Cache) NetworkStatus(ctx context.Context) (ncp.NetworkStatus, error) {
	return load(c, func() **ncp.NetworkStatus { return &c.status }, func() (ncp.NetworkStatus, error) {
		return c.src.NetworkState(ctx)
	})
}

// NetworkParameters returns PAN id, extended PAN id, channel, tx power,
// update id and manager id.
func (c *Cache) NetworkParameters(ctx context.Context) (ncp.NetworkParameters, error) {
	return load(c, func() **ncp.NetworkParameters { return &c.params }, func() (ncp.NetworkParameters, error) {
		st, nodeType, params, err := c.src.GetNetworkParameters(ctx)
		if err != nil {
			return params, err
		}
		if err := ncp.CheckStatus("get network parameters", st); err != nil {
			return params, err
		}
		c.mu.Lock()
		c.nodeType = nodeType
		c.mu.Unlock()
		return params, nil
	})
}

// InvalidateAll forgets every cached value.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.eui64 = nil
	c.nodeID = nil
	c.status = nil
	c.params = nil
	c.nodeType = ncp.NodeTypeUnknown
}

// NodeType returns the role reported by the last parameters fetch, or
// NodeTypeUnknown when none is cached.
func (c *Cache) NodeType() ncp.NodeType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodeType
}

// Generation returns the invalidation counter.
func (c *Cache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

func load[T any](c *Cache, slot func() **T, fetch func() (T, error)) (T, error) {
	c.mu.Lock()
	if p := *slot(); p != nil {
		v := *p
		c.mu.Unlock()
		return v, nil
	}
	gen := c.generation
	c.mu.Unlock()

	v, err := fetch()
	if err != nil {
		var zero T
		return zero, fmt.Errorf("netcache: %w", err)
	}

	c.mu.Lock()
	if c.generation == gen {
		*slot() = &v
	}
	c.mu.Unlock()
	return v, nil
}
