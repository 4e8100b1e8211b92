// Package block implements the 128-slot tree node the engine's component
// storage is built from: a Block tracks which of its 128 slots are
// present, which are absent-and-therefore-safe-to-skip (a completely
// full subtree, at interior levels), and which changed since the last
// clear; a RollbackBlock is the lightweight delta a Block snapshots
// itself into before a mutation, letting Storage roll back to it later.
package block

import "github.com/dungeon2567/rollback-ecs/bits128"

// Block is one node of the three-level hierarchy (root, middle, inner)
// that Storage builds on top of. At the inner/leaf level T is the
// component value itself; at root and middle levels T is *Block[U] for
// the level below.
type Block[T any] struct {
	// PresenceMask marks which of the 128 slots hold live data (leaf) or
	// an allocated child (interior).
	PresenceMask bits128.Set
	// AbsenceMask at a leaf mirrors PresenceMask (kept for symmetry with
	// the interior meaning below); at an interior level, bit i set means
	// child i is completely full, letting None-queries skip the whole
	// subtree without descending into it.
	AbsenceMask bits128.Set
	// ChangedMask marks slots mutated since the last ClearChanges call.
	ChangedMask bits128.Set
	Data        [128]T
}

// New returns an empty Block.
func New[T any]() *Block[T] { return &Block[T]{} }

// RollbackBlock is a point-in-time delta of a Block: the pre-images of
// slots that changed (UpdatedMask) and the slots that did not exist
// before the change (AddedMask), recorded the first time each slot
// changes within a tick.
type RollbackBlock[T any] struct {
	UpdatedMask bits128.Set
	AddedMask   bits128.Set
	Data        [128]T
}

// Snapshot captures a delta covering every currently-present slot: the
// whole block is the "before" image the first mutation of a tick needs.
func (b *Block[T]) Snapshot() *RollbackBlock[T] {
	rb := &RollbackBlock[T]{
		UpdatedMask: b.PresenceMask,
		AddedMask:   b.AbsenceMask,
	}
	mask := b.PresenceMask
	for !mask.IsZero() {
		start, length, _ := mask.NextRun()
		for i := start; i < start+length; i++ {
			rb.Data[i] = b.Data[i]
		}
		mask = mask.AndNot(bits128.Run(start, length))
	}
	return rb
}

// RestoreFrom replaces b's live contents with snapshot's, clearing
// whatever b currently holds first. ChangedMask is always reset to
// empty: a restored block has no pending changes of its own.
func (b *Block[T]) RestoreFrom(snapshot *RollbackBlock[T]) {
	var zero T
	mask := b.PresenceMask
	for !mask.IsZero() {
		start, length, _ := mask.NextRun()
		for i := start; i < start+length; i++ {
			b.Data[i] = zero
		}
		mask = mask.AndNot(bits128.Run(start, length))
	}

	b.PresenceMask = snapshot.UpdatedMask
	b.AbsenceMask = snapshot.AddedMask
	b.ChangedMask = bits128.Set{}

	mask = snapshot.UpdatedMask
	for !mask.IsZero() {
		start, length, _ := mask.NextRun()
		for i := start; i < start+length; i++ {
			b.Data[i] = snapshot.Data[i]
		}
		mask = mask.AndNot(bits128.Run(start, length))
	}
}

// EnsureChild returns the child Block at index, allocating an empty one
// on first use. index must be in [0,128).
func EnsureChild[T any](parent *Block[*Block[T]], index int) *Block[T] {
	if !parent.PresenceMask.Has(index) {
		parent.Data[index] = New[T]()
		parent.PresenceMask = parent.PresenceMask.With(index)
		parent.AbsenceMask = parent.AbsenceMask.Without(index)
	}
	return parent.Data[index]
}
