// Package storage implements per-component-type storage over the
// hierarchical block tree: Storage[T] holds the live tree plus a
// snapshot chain recording, for each tick, the pre-images needed to roll
// the tree back to any earlier point without re-simulating.
package storage

import (
	"fmt"

	"github.com/davecgh/go-spew/spew"

	"github.com/dungeon2567/rollback-ecs/bits128"
	"github.com/dungeon2567/rollback-ecs/block"
	"github.com/dungeon2567/rollback-ecs/component"
	"github.com/dungeon2567/rollback-ecs/entity"
	"github.com/dungeon2567/rollback-ecs/safety"
	"github.com/dungeon2567/rollback-ecs/tick"
)

const (
	slotsPerInner  = 128
	slotsPerMiddle = 128 * slotsPerInner
)

// Storage is the full three-level tree for one component type T, plus the
// snapshot chain needed to roll it back to any earlier tick.
type Storage[T any] struct {
	root        *block.Block[*block.Block[*block.Block[T]]]
	snapshot    *RollbackStorage[T]
	currentTick tick.Tick
	temporary   bool
}

// RollbackStorage is one link in a Storage's snapshot chain: the
// pre-images recorded for a single tick, plus a pointer to the previous
// tick's link.
type RollbackStorage[T any] struct {
	root *block.RollbackBlock[*block.RollbackBlock[*block.RollbackBlock[T]]]
	tick tick.Tick
	prev *RollbackStorage[T]
}

// New returns an empty Storage, its tick counter starting at 1 (0 is
// reserved, mirroring the entity generation convention).
func New[T any]() *Storage[T] {
	return &Storage[T]{
		root:        block.New[*block.Block[*block.Block[T]]](),
		currentTick: tick.Tick(1),
		temporary:   component.IsTemporary[T](),
	}
}

// SetTick records the tick the next mutation belongs to.
func (s *Storage[T]) SetTick(t tick.Tick) { s.currentTick = t }

// CurrentTick returns the tick set by the most recent SetTick call.
func (s *Storage[T]) CurrentTick() tick.Tick { return s.currentTick }

// Dump renders the storage's internal tree for test failure messages.
func (s *Storage[T]) Dump() string { return spew.Sdump(s.root) }

// Verify walks the tree checking presence/absence/changed mask
// consistency, returning a descriptive error rather than panicking.
func (s *Storage[T]) Verify() error { return safety.VerifyTree(s.root) }

// The methods below satisfy query.Source, giving the type-erased query
// walk read access to this storage's masks at every tree level without
// the query package needing to know T.

// RootPresence returns the root block's presence mask.
func (s *Storage[T]) RootPresence() bits128.Set { return s.root.PresenceMask }

// RootAbsence returns the root block's absence mask.
func (s *Storage[T]) RootAbsence() bits128.Set { return s.root.AbsenceMask }

// MiddlePresence returns the presence mask of the middle block at ri, or
// the zero mask if ri isn't populated.
func (s *Storage[T]) MiddlePresence(ri int) bits128.Set {
	if !s.root.PresenceMask.Has(ri) {
		return bits128.Set{}
	}
	return s.root.Data[ri].PresenceMask
}

// MiddleAbsence returns the absence mask of the middle block at ri, or
// the zero mask if ri isn't populated.
func (s *Storage[T]) MiddleAbsence(ri int) bits128.Set {
	if !s.root.PresenceMask.Has(ri) {
		return bits128.Set{}
	}
	return s.root.Data[ri].AbsenceMask
}

// MiddleChanged returns the union-of-descendants changed mask of the
// middle block at ri, used only as a pruning heuristic: a set bit there
// does not guarantee any particular leaf slot changed.
func (s *Storage[T]) MiddleChanged(ri int) bits128.Set {
	if !s.root.PresenceMask.Has(ri) {
		return bits128.Set{}
	}
	return s.root.Data[ri].ChangedMask
}

// InnerPresence returns the presence mask of the leaf block at (ri, mi),
// or the zero mask if either level isn't populated.
func (s *Storage[T]) InnerPresence(ri, mi int) bits128.Set {
	if !s.root.PresenceMask.Has(ri) {
		return bits128.Set{}
	}
	middle := s.root.Data[ri]
	if !middle.PresenceMask.Has(mi) {
		return bits128.Set{}
	}
	return middle.Data[mi].PresenceMask
}

// InnerAbsence returns the absence mask of the leaf block at (ri, mi). At
// leaf granularity absence is identical to presence.
func (s *Storage[T]) InnerAbsence(ri, mi int) bits128.Set {
	if !s.root.PresenceMask.Has(ri) {
		return bits128.Set{}
	}
	middle := s.root.Data[ri]
	if !middle.PresenceMask.Has(mi) {
		return bits128.Set{}
	}
	return middle.Data[mi].AbsenceMask
}

// InnerChanged returns the exact, per-slot changed mask of the leaf block
// at (ri, mi): the authoritative Changed check happens here.
func (s *Storage[T]) InnerChanged(ri, mi int) bits128.Set {
	if !s.root.PresenceMask.Has(ri) {
		return bits128.Set{}
	}
	middle := s.root.Data[ri]
	if !middle.PresenceMask.Has(mi) {
		return bits128.Set{}
	}
	return middle.Data[mi].ChangedMask
}

func newRollbackStorage[T any](prev *RollbackStorage[T], t tick.Tick) *RollbackStorage[T] {
	return &RollbackStorage[T]{
		root: &block.RollbackBlock[*block.RollbackBlock[*block.RollbackBlock[T]]]{},
		tick: t,
		prev: prev,
	}
}

func (rs *RollbackStorage[T]) markUpdated(ri, mi, ii int, prevValue T) {
	root := rs.root
	if !root.UpdatedMask.Has(ri) {
		root.Data[ri] = &block.RollbackBlock[*block.RollbackBlock[T]]{}
		root.UpdatedMask = root.UpdatedMask.With(ri)
	}
	middle := root.Data[ri]

	if !middle.UpdatedMask.Has(mi) {
		middle.Data[mi] = &block.RollbackBlock[T]{}
		middle.UpdatedMask = middle.UpdatedMask.With(mi)
	}
	inner := middle.Data[mi]

	inner.UpdatedMask = inner.UpdatedMask.With(ii)
	inner.Data[ii] = prevValue
}

func (rs *RollbackStorage[T]) markAdded(ri, mi, ii int) {
	root := rs.root
	if !root.UpdatedMask.Has(ri) {
		root.Data[ri] = &block.RollbackBlock[*block.RollbackBlock[T]]{}
		root.UpdatedMask = root.UpdatedMask.With(ri)
	}
	middle := root.Data[ri]

	if !middle.UpdatedMask.Has(mi) {
		middle.Data[mi] = &block.RollbackBlock[T]{}
		middle.UpdatedMask = middle.UpdatedMask.With(mi)
	}
	inner := middle.Data[mi]

	inner.AddedMask = inner.AddedMask.With(ii)
}

func ensureSnapshot[T any](snapshot **RollbackStorage[T], t tick.Tick) *RollbackStorage[T] {
	switch {
	case *snapshot == nil:
		*snapshot = newRollbackStorage[T](nil, t)
	case (*snapshot).tick != t:
		*snapshot = newRollbackStorage[T](*snapshot, t)
	}
	return *snapshot
}

func decode(index uint32) (ri, mi, ii int) {
	return int(index >> 14), int((index >> 7) & 0x7F), int(index & 0x7F)
}

// Set writes value at index, creating any intermediate blocks needed and
// recording a pre-image snapshot the first time this slot changes this
// tick. Returns ErrOutOfBounds if index exceeds the tree's capacity
// (128^3 slots).
func (s *Storage[T]) Set(index uint32, value T) error {
	ri, mi, ii := decode(index)
	if ri >= 128 {
		return fmt.Errorf("%w: index %d", ErrOutOfBounds, index)
	}

	root := s.root
	middle := block.EnsureChild[*block.Block[T]](root, ri)

	if !middle.PresenceMask.Has(mi) {
		middle.Data[mi] = block.New[T]()
		middle.PresenceMask = middle.PresenceMask.With(mi)
	}
	inner := middle.Data[mi]

	isPresent := inner.PresenceMask.Has(ii)

	if !inner.ChangedMask.Has(ii) {
		if !s.temporary {
			if isPresent {
				ensureSnapshot(&s.snapshot, s.currentTick).markUpdated(ri, mi, ii, inner.Data[ii])
			} else {
				ensureSnapshot(&s.snapshot, s.currentTick).markAdded(ri, mi, ii)
			}
		}
		inner.ChangedMask = inner.ChangedMask.With(ii)
		middle.ChangedMask = middle.ChangedMask.With(mi)
		root.ChangedMask = root.ChangedMask.With(ri)
	}

	inner.Data[ii] = value
	inner.PresenceMask = inner.PresenceMask.With(ii)
	inner.AbsenceMask = inner.AbsenceMask.With(ii)

	if inner.AbsenceMask.IsFull() {
		middle.AbsenceMask = middle.AbsenceMask.With(mi)
	}
	if middle.AbsenceMask.IsFull() {
		root.AbsenceMask = root.AbsenceMask.With(ri)
	}
	return nil
}

// Remove clears index if present, recording a pre-image snapshot on
// first change this tick. A no-op if the slot, or any containing block,
// doesn't exist.
func (s *Storage[T]) Remove(index uint32) {
	ri, mi, ii := decode(index)
	if ri >= 128 {
		return
	}

	root := s.root
	if !root.PresenceMask.Has(ri) {
		return
	}
	middle := root.Data[ri]
	if !middle.PresenceMask.Has(mi) {
		return
	}
	inner := middle.Data[mi]
	if !inner.PresenceMask.Has(ii) {
		return
	}

	if !inner.ChangedMask.Has(ii) {
		if !s.temporary {
			ensureSnapshot(&s.snapshot, s.currentTick).markUpdated(ri, mi, ii, inner.Data[ii])
		}
		inner.ChangedMask = inner.ChangedMask.With(ii)
		middle.ChangedMask = middle.ChangedMask.With(mi)
		root.ChangedMask = root.ChangedMask.With(ri)
	}

	var zero T
	inner.Data[ii] = zero
	inner.PresenceMask = inner.PresenceMask.Without(ii)
	inner.AbsenceMask = inner.AbsenceMask.Without(ii)

	if !inner.AbsenceMask.IsFull() {
		middle.AbsenceMask = middle.AbsenceMask.Without(mi)
	}
	if !middle.AbsenceMask.IsFull() {
		root.AbsenceMask = root.AbsenceMask.Without(ri)
	}
}

// Get returns the value at index and whether it is present.
func (s *Storage[T]) Get(index uint32) (T, bool) {
	var zero T
	ri, mi, ii := decode(index)
	if ri >= 128 || !s.root.PresenceMask.Has(ri) {
		return zero, false
	}
	middle := s.root.Data[ri]
	if !middle.PresenceMask.Has(mi) {
		return zero, false
	}
	inner := middle.Data[mi]
	if !inner.PresenceMask.Has(ii) {
		return zero, false
	}
	return inner.Data[ii], true
}

// GetMut returns a pointer to the value at index for in-place mutation,
// recording a pre-image snapshot on first access this tick regardless of
// whether the caller actually mutates it (see the "conservative
// snapshotting" decision in DESIGN.md). Returns ErrOutOfBounds if index
// isn't present.
func (s *Storage[T]) GetMut(index uint32) (*T, error) {
	ri, mi, ii := decode(index)
	if ri >= 128 || !s.root.PresenceMask.Has(ri) {
		return nil, fmt.Errorf("%w: index %d", ErrOutOfBounds, index)
	}
	middle := s.root.Data[ri]
	if !middle.PresenceMask.Has(mi) {
		return nil, fmt.Errorf("%w: index %d", ErrOutOfBounds, index)
	}
	inner := middle.Data[mi]
	if !inner.PresenceMask.Has(ii) {
		return nil, fmt.Errorf("%w: index %d", ErrOutOfBounds, index)
	}

	if !inner.ChangedMask.Has(ii) {
		if !s.temporary {
			ensureSnapshot(&s.snapshot, s.currentTick).markUpdated(ri, mi, ii, inner.Data[ii])
		}
		inner.ChangedMask = inner.ChangedMask.With(ii)
		middle.ChangedMask = middle.ChangedMask.With(mi)
		s.root.ChangedMask = s.root.ChangedMask.With(ri)
	}

	return &inner.Data[ii], nil
}

// Len returns the number of present slots, computed from block-fullness
// bookkeeping without a full tree walk: fully-saturated subtrees are
// counted in bulk via AbsenceMask.PopCount, only partial ones are
// descended into.
func (s *Storage[T]) Len() int {
	root := s.root
	count := root.AbsenceMask.PopCount() * slotsPerMiddle

	partialRoot := root.PresenceMask.AndNot(root.AbsenceMask)
	for !partialRoot.IsZero() {
		ri := partialRoot.TrailingZeros()
		partialRoot = partialRoot.Without(ri)
		middle := root.Data[ri]

		count += middle.AbsenceMask.PopCount() * slotsPerInner

		partialMiddle := middle.PresenceMask.AndNot(middle.AbsenceMask)
		for !partialMiddle.IsZero() {
			mi := partialMiddle.TrailingZeros()
			partialMiddle = partialMiddle.Without(mi)
			inner := middle.Data[mi]
			count += inner.AbsenceMask.PopCount()
		}
	}
	return count
}

// ClearChanges resets ChangedMask across the whole tree, visiting only
// blocks that actually changed.
func (s *Storage[T]) ClearChanges() {
	root := s.root
	middleIter := root.ChangedMask.And(root.PresenceMask)
	for !middleIter.IsZero() {
		ri := middleIter.TrailingZeros()
		middleIter = middleIter.Without(ri)
		middle := root.Data[ri]

		innerIter := middle.ChangedMask.And(middle.PresenceMask)
		for !innerIter.IsZero() {
			mi := innerIter.TrailingZeros()
			innerIter = innerIter.Without(mi)
			inner := middle.Data[mi]
			inner.ChangedMask = bits128.Set{}
		}
		middle.ChangedMask = bits128.Set{}
	}
	root.ChangedMask = bits128.Set{}
}

// Each visits every present (index, value) pair in ascending index order.
func (s *Storage[T]) Each(fn func(index uint32, value T)) {
	root := s.root
	mIter := root.PresenceMask
	for !mIter.IsZero() {
		ri := mIter.TrailingZeros()
		mIter = mIter.Without(ri)
		middle := root.Data[ri]

		iIter := middle.PresenceMask
		for !iIter.IsZero() {
			mi := iIter.TrailingZeros()
			iIter = iIter.Without(mi)
			inner := middle.Data[mi]

			leafIter := inner.PresenceMask
			for !leafIter.IsZero() {
				ii := leafIter.TrailingZeros()
				leafIter = leafIter.Without(ii)
				idx := uint32(ri)*slotsPerMiddle + uint32(mi)*slotsPerInner + uint32(ii)
				fn(idx, inner.Data[ii])
			}
		}
	}
}

// Rollback restores the tree to the state it held at targetTick,
// applying only the minimal set of clones and drops needed: it pops
// every snapshot newer than targetTick, unions their touched-slot masks
// per tree node, and for each touched slot either restores the oldest
// popped snapshot's pre-image or drops the slot if it didn't exist
// before that snapshot. Returns ErrFutureTickRollback, with the chain
// left exactly as it was, if targetTick is after the storage's current
// tick and at least one snapshot would need popping.
func (s *Storage[T]) Rollback(targetTick tick.Tick) error {
	var toRollback []*RollbackStorage[T]
	cur := s.snapshot
	s.snapshot = nil

	for cur != nil {
		if cur.tick.IsAfter(targetTick) {
			next := cur.prev
			cur.prev = nil
			toRollback = append(toRollback, cur)
			cur = next
			continue
		}
		s.snapshot = cur
		break
	}

	if len(toRollback) > 0 && targetTick.IsAfter(s.currentTick) {
		for i := len(toRollback) - 1; i >= 0; i-- {
			snap := toRollback[i]
			snap.prev = s.snapshot
			s.snapshot = snap
		}
		return fmt.Errorf("%w: current tick %v, target tick %v", ErrFutureTickRollback, s.currentTick, targetTick)
	}

	if len(toRollback) > 0 {
		for i, j := 0, len(toRollback)-1; i < j; i, j = i+1, j-1 {
			toRollback[i], toRollback[j] = toRollback[j], toRollback[i]
		}
		rollbackRoot(toRollback, s.root)
	}

	s.currentTick = targetTick
	return nil
}

func rollbackRoot[T any](snapshots []*RollbackStorage[T], blk *block.Block[*block.Block[*block.Block[T]]]) {
	var allUpdated, allAdded bits128.Set
	for _, snap := range snapshots {
		allUpdated = allUpdated.Or(snap.root.UpdatedMask)
		allAdded = allAdded.Or(snap.root.AddedMask)
	}

	added := allAdded.AndNot(allUpdated)
	for !added.IsZero() {
		i := added.TrailingZeros()
		added = added.Without(i)

		blk.Data[i] = nil
		blk.PresenceMask = blk.PresenceMask.Without(i)
		blk.AbsenceMask = blk.AbsenceMask.Without(i)
		blk.ChangedMask = blk.ChangedMask.Without(i)
	}

	updated := allUpdated
	for !updated.IsZero() {
		i := updated.TrailingZeros()
		updated = updated.Without(i)

		snapIdx := -1
		for idx, snap := range snapshots {
			if snap.root.UpdatedMask.Has(i) {
				snapIdx = idx
				break
			}
		}
		if snapIdx >= 0 {
			middleSnapshot := snapshots[snapIdx].root.Data[i]

			if !blk.PresenceMask.Has(i) {
				blk.Data[i] = block.New[*block.Block[T]]()
				blk.PresenceMask = blk.PresenceMask.With(i)
			}
			middleBlk := blk.Data[i]

			rollbackMiddle(snapshots, snapIdx, i, middleSnapshot, middleBlk)

			if middleBlk.AbsenceMask.IsFull() {
				blk.AbsenceMask = blk.AbsenceMask.With(i)
			} else {
				blk.AbsenceMask = blk.AbsenceMask.Without(i)
			}
		}
		blk.ChangedMask = blk.ChangedMask.Without(i)
	}
}

func rollbackMiddle[T any](
	snapshots []*RollbackStorage[T],
	snapshotIdx, rootIdx int,
	_ *block.RollbackBlock[*block.RollbackBlock[T]],
	blk *block.Block[*block.Block[T]],
) {
	type cachedMiddle struct {
		idx    int
		middle *block.RollbackBlock[*block.RollbackBlock[T]]
	}
	var cached []cachedMiddle
	for idx := snapshotIdx; idx < len(snapshots); idx++ {
		if s := snapshots[idx]; s.root.UpdatedMask.Has(rootIdx) {
			cached = append(cached, cachedMiddle{idx, s.root.Data[rootIdx]})
		}
	}

	var allUpdated, allAdded bits128.Set
	for _, c := range cached {
		allUpdated = allUpdated.Or(c.middle.UpdatedMask)
		allAdded = allAdded.Or(c.middle.AddedMask)
	}

	added := allAdded.AndNot(allUpdated)
	for !added.IsZero() {
		i := added.TrailingZeros()
		added = added.Without(i)

		blk.Data[i] = nil
		blk.PresenceMask = blk.PresenceMask.Without(i)
		blk.AbsenceMask = blk.AbsenceMask.Without(i)
		blk.ChangedMask = blk.ChangedMask.Without(i)
	}

	updated := allUpdated
	for !updated.IsZero() {
		i := updated.TrailingZeros()
		updated = updated.Without(i)

		var found *cachedMiddle
		for k := range cached {
			if cached[k].middle.UpdatedMask.Has(i) {
				found = &cached[k]
				break
			}
		}
		if found != nil {
			innerSnapshot := found.middle.Data[i]

			if !blk.PresenceMask.Has(i) {
				blk.Data[i] = block.New[T]()
				blk.PresenceMask = blk.PresenceMask.With(i)
			}
			innerBlk := blk.Data[i]

			rollbackInner(snapshots, found.idx, rootIdx, i, innerSnapshot, innerBlk)

			if innerBlk.AbsenceMask.IsFull() {
				blk.AbsenceMask = blk.AbsenceMask.With(i)
			} else {
				blk.AbsenceMask = blk.AbsenceMask.Without(i)
			}
		}
		blk.ChangedMask = blk.ChangedMask.Without(i)
	}
}

func rollbackInner[T any](
	snapshots []*RollbackStorage[T],
	snapshotIdx, rootIdx, middleIdx int,
	_ *block.RollbackBlock[T],
	blk *block.Block[T],
) {
	type cachedInner struct {
		inner *block.RollbackBlock[T]
	}
	var cached []cachedInner
	for idx := snapshotIdx; idx < len(snapshots); idx++ {
		s := snapshots[idx]
		if !s.root.UpdatedMask.Has(rootIdx) {
			continue
		}
		middle := s.root.Data[rootIdx]
		if middle.UpdatedMask.Has(middleIdx) {
			cached = append(cached, cachedInner{middle.Data[middleIdx]})
		}
	}

	var allUpdated, allAdded bits128.Set
	for _, c := range cached {
		allUpdated = allUpdated.Or(c.inner.UpdatedMask)
		allAdded = allAdded.Or(c.inner.AddedMask)
	}

	var zero T

	added := allAdded.AndNot(allUpdated)
	for !added.IsZero() {
		i := added.TrailingZeros()
		added = added.Without(i)

		if blk.PresenceMask.Has(i) {
			blk.Data[i] = zero
		}
		blk.PresenceMask = blk.PresenceMask.Without(i)
		blk.AbsenceMask = blk.AbsenceMask.Without(i)
		blk.ChangedMask = blk.ChangedMask.Without(i)
	}

	updated := allUpdated
	for !updated.IsZero() {
		i := updated.TrailingZeros()
		updated = updated.Without(i)

		var earliestAdded, earliestUpdated *cachedInner
		for k := range cached {
			c := &cached[k]
			hasUpdated := c.inner.UpdatedMask.Has(i)
			hasAdded := c.inner.AddedMask.Has(i)
			if earliestAdded == nil && (hasUpdated || hasAdded) {
				earliestAdded = c
			}
			if earliestUpdated == nil && hasUpdated {
				earliestUpdated = c
			}
			if earliestAdded != nil && earliestUpdated != nil {
				break
			}
		}

		if earliestAdded != nil && earliestAdded.inner.AddedMask.Has(i) && !earliestAdded.inner.UpdatedMask.Has(i) {
			if blk.PresenceMask.Has(i) {
				blk.Data[i] = zero
			}
			blk.PresenceMask = blk.PresenceMask.Without(i)
			blk.AbsenceMask = blk.AbsenceMask.Without(i)
			blk.ChangedMask = blk.ChangedMask.Without(i)
			continue
		}

		if earliestUpdated != nil {
			blk.Data[i] = earliestUpdated.inner.Data[i]
			blk.PresenceMask = blk.PresenceMask.With(i)
			blk.AbsenceMask = blk.AbsenceMask.With(i)
		}

		blk.ChangedMask = blk.ChangedMask.Without(i)
	}
}

// Spawn allocates the lowest-index free entity slot, bumping its
// generation (skipping 0), and records the snapshot entry needed to
// reverse the spawn/respawn on rollback. It is a free function rather
// than a Storage[T] method because Go generics can't express "only for
// T = entity.Entity" as a method constraint.
func Spawn(s *Storage[entity.Entity]) (entity.Entity, error) {
	root := s.root

	freeRoot := root.AbsenceMask.Not()
	if freeRoot.IsZero() {
		return entity.None(), ErrStorageFull
	}
	ri := freeRoot.TrailingZeros()

	middle := block.EnsureChild[*block.Block[entity.Entity]](root, ri)

	freeMiddle := middle.AbsenceMask.Not()
	if freeMiddle.IsZero() {
		return entity.None(), fmt.Errorf("%w: root/middle fullness inconsistency", ErrStorageFull)
	}
	mi := freeMiddle.TrailingZeros()

	if !middle.PresenceMask.Has(mi) {
		middle.Data[mi] = block.New[entity.Entity]()
		middle.PresenceMask = middle.PresenceMask.With(mi)
		middle.AbsenceMask = middle.AbsenceMask.Without(mi)
	}
	inner := middle.Data[mi]

	freeInner := inner.AbsenceMask.Not()
	if freeInner.IsZero() {
		return entity.None(), fmt.Errorf("%w: middle/inner fullness inconsistency", ErrStorageFull)
	}
	ii := freeInner.TrailingZeros()

	globalIndex := uint32(ri)*slotsPerMiddle + uint32(mi)*slotsPerInner + uint32(ii)
	isRespawn := inner.PresenceMask.Has(ii)

	if !isRespawn {
		inner.Data[ii] = entity.New(globalIndex, 0)
		inner.PresenceMask = inner.PresenceMask.With(ii)
	}

	if !inner.ChangedMask.Has(ii) {
		if isRespawn {
			ensureSnapshot(&s.snapshot, s.currentTick).markUpdated(ri, mi, ii, inner.Data[ii])
		} else {
			ensureSnapshot(&s.snapshot, s.currentTick).markAdded(ri, mi, ii)
		}
	}

	inner.Data[ii] = inner.Data[ii].NextGeneration()

	inner.AbsenceMask = inner.AbsenceMask.With(ii)
	inner.ChangedMask = inner.ChangedMask.With(ii)

	if inner.AbsenceMask.IsFull() {
		middle.AbsenceMask = middle.AbsenceMask.With(mi)
	}
	if middle.AbsenceMask.IsFull() {
		root.AbsenceMask = root.AbsenceMask.With(ri)
	}

	middle.ChangedMask = middle.ChangedMask.With(mi)
	root.ChangedMask = root.ChangedMask.With(ri)

	return inner.Data[ii], nil
}
