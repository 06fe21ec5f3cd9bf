// Package palo allocates and compacts the 1-based sequence numbers ("palo")
// carried by members and archive entries.
//
// Members are kept gap-free: releasing a palo shifts every higher member down
// by one. Archive palos are append-only and are never renumbered.
package palo

import (
	"context"
	"errors"
	"fmt"

	"lecsa/api/internal/store"
)

// ErrNotReleasable is returned when Release is called on a collection whose
// palos are never compacted.
var ErrNotReleasable = errors.New("palo sequence is not compacted")

// Counter is the slice of a store transaction the allocator needs.
type Counter interface {
	LockSequence(ctx context.Context, collection store.Collection) error
	MaxPalo(ctx context.Context, collection store.Collection) (int, error)
	ShiftPalosDown(ctx context.Context, collection store.Collection, above int) error
}

// Next locks the collection's sequence for the rest of the transaction and
// returns max(palo)+1, or 1 when the collection is empty.
func Next(ctx context.Context, c Counter, collection store.Collection) (int, error) {
	if err := c.LockSequence(ctx, collection); err != nil {
		return 0, err
	}
	highest, err := c.MaxPalo(ctx, collection)
	if err != nil {
		return 0, err
	}
	return highest + 1, nil
}

// Release closes the gap left by removing the row at p. The row must already
// be deleted inside the same transaction.
func Release(ctx context.Context, c Counter, collection store.Collection, p int) error {
	if collection != store.CollectionMembers {
		return fmt.Errorf("release %s palo %d: %w", collection, p, ErrNotReleasable)
	}
	if p < 1 {
		return fmt.Errorf("release %s palo %d: palo must be positive", collection, p)
	}
	if err := c.LockSequence(ctx, collection); err != nil {
		return err
	}
	return c.ShiftPalosDown(ctx, collection, p)
}
