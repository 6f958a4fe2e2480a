package security

import (
	"context"
	"errors"
	"fmt"

	"zigbee-ncp-host/internal/ncp"
)

var (
	// ErrKeyTableTooSmall is returned when a backup carries more keys than
	// the NCP key table can hold.
	ErrKeyTableTooSmall = errors.New("security: key table too small")
	// ErrNoKeyTable is returned when the NCP exposes no key table at all.
	ErrNoKeyTable = errors.New("security: ncp has no key table")
)

// KeyTable is the part of ncp.Transport that manages stored link keys.
type KeyTable interface {
	NetworkState(ctx context.Context) (ncp.NetworkStatus, error)
	KeyTableSize(ctx context.Context) (int, ncp.Status, error)
	ImportLinkKey(ctx context.Context, index int, eui64 ncp.EUI64, key ncp.Key) (ncp.Status, error)
	EraseKeyTableEntry(ctx context.Context, index int) (ncp.Status, error)
	ExportLinkKeyByIndex(ctx context.Context, index int) (ncp.LinkKey, ncp.Status, error)
}

// ImportLinkKeys writes keys into the key table starting at index 0 and
// erases every slot after them. The NCP must not be on a network.
func ImportLinkKeys(ctx context.Context, t KeyTable, keys []ncp.LinkKey) error {
	if len(keys) == 0 {
		return nil
	}
	size, st, err := t.KeyTableSize(ctx)
	if err != nil {
		return fmt.Errorf("import link keys: %w", err)
	}
	if err := ncp.CheckStatus("key table size", st); err != nil {
		return fmt.Errorf("import link keys: %w", err)
	}
	if size == 0 {
		return ErrNoKeyTable
	}
	if size < len(keys) {
		return fmt.Errorf("%w: %d slots for %d keys", ErrKeyTableTooSmall, size, len(keys))
	}

	state, err := t.NetworkState(ctx)
	if err != nil {
		return fmt.Errorf("import link keys: %w", err)
	}
	if state != ncp.NetworkStatusNoNetwork {
		return fmt.Errorf("import link keys: network state %s: %w", state, &ncp.StatusError{Op: "import link keys", Status: ncp.StatusInvalidState})
	}

	for i, k := range keys {
		st, err := t.ImportLinkKey(ctx, i, k.EUI64, k.Key)
		if err != nil {
			return fmt.Errorf("import link key %d (%s): %w", i, k.EUI64, err)
		}
		if err := ncp.CheckStatus(fmt.Sprintf("import link key %d (%s)", i, k.EUI64), st); err != nil {
			return err
		}
	}
	for i := len(keys); i < size; i++ {
		st, err := t.EraseKeyTableEntry(ctx, i)
		if err != nil {
			return fmt.Errorf("erase key table entry %d: %w", i, err)
		}
		if err := ncp.CheckStatus(fmt.Sprintf("erase key table entry %d", i), st); err != nil {
			return err
		}
	}
	return nil
}

// ExportLinkKeys reads every occupied key table slot. Keys are returned
// hashed, the form a backup stores them in.
func ExportLinkKeys(ctx context.Context, t KeyTable) ([]ncp.LinkKey, error) {
	size, st, err := t.KeyTableSize(ctx)
	if err != nil {
		return nil, fmt.Errorf("export link keys: %w", err)
	}
	if err := ncp.CheckStatus("key table size", st); err != nil {
		return nil, fmt.Errorf("export link keys: %w", err)
	}

	var keys []ncp.LinkKey
	for i := 0; i < size; i++ {
		k, st, err := t.ExportLinkKeyByIndex(ctx, i)
		if err != nil {
			return nil, fmt.Errorf("export link key %d: %w", i, err)
		}
		if st != ncp.StatusOK {
			continue
		}
		k.Key = MMOHash(k.Key[:])
		keys = append(keys, k)
	}
	return keys, nil
}
