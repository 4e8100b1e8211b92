// Package safety provides a runtime invariant verifier for Storage
// trees, useful in tests and in a debug build to catch a corrupted tree
// before it produces a silently wrong query or rollback result.
package safety

import (
	"fmt"

	"github.com/go-stack/stack"

	"github.com/dungeon2567/rollback-ecs/bits128"
	"github.com/dungeon2567/rollback-ecs/block"
)

// InvariantViolation describes the first tree inconsistency Verify found.
// It is never panicked directly by Verify; callers decide whether a
// violation is fatal (see xlog.Crit for the engine's own fatal path).
type InvariantViolationError struct {
	Level  string
	Path   []int
	Detail string
	Stack  string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("%s%v: %s", e.Level, e.Path, e.Detail)
}

func violation(level string, path []int, format string, args ...interface{}) *InvariantViolationError {
	return &InvariantViolationError{
		Level:  level,
		Path:   append([]int{}, path...),
		Detail: fmt.Sprintf(format, args...),
		Stack:  stack.Trace().TrimRuntime().String(),
	}
}

// VerifyTree walks the three-level hierarchy rooted at root, checking at
// every level that AbsenceMask and ChangedMask are each a subset of
// PresenceMask, and that a child's full/not-full status is faithfully
// mirrored in its parent's AbsenceMask bit. Returns the first violation
// found, or nil.
func VerifyTree[T any](root *block.Block[*block.Block[*block.Block[T]]]) error {
	if v := checkSubset(root.AbsenceMask, root.PresenceMask, "root", nil); v != nil {
		return v
	}
	if v := checkSubset(root.ChangedMask, root.PresenceMask, "root changed", nil); v != nil {
		return v
	}

	middleIter := root.PresenceMask
	for !middleIter.IsZero() {
		ri := middleIter.TrailingZeros()
		middleIter = middleIter.Without(ri)
		middle := root.Data[ri]

		if v := checkSubset(middle.AbsenceMask, middle.PresenceMask, "middle", []int{ri}); v != nil {
			return v
		}
		if v := checkFullness(middle.AbsenceMask.IsFull(), root.AbsenceMask.Has(ri), "middle", []int{ri}); v != nil {
			return v
		}
		if v := checkSubset(middle.ChangedMask, middle.PresenceMask, "middle changed", []int{ri}); v != nil {
			return v
		}

		innerIter := middle.PresenceMask
		for !innerIter.IsZero() {
			mi := innerIter.TrailingZeros()
			innerIter = innerIter.Without(mi)
			inner := middle.Data[mi]

			if v := checkSubset(inner.AbsenceMask, inner.PresenceMask, "inner", []int{ri, mi}); v != nil {
				return v
			}
			if v := checkFullness(inner.AbsenceMask.IsFull(), middle.AbsenceMask.Has(mi), "inner", []int{ri, mi}); v != nil {
				return v
			}
			if v := checkSubset(inner.ChangedMask, inner.PresenceMask, "inner changed", []int{ri, mi}); v != nil {
				return v
			}
		}
	}
	return nil
}

func checkSubset(sub, super bits128.Set, level string, path []int) error {
	invalid := sub.AndNot(super)
	if !invalid.IsZero() {
		return violation(level, path, "mask has bits set where presence_mask is not set: %+v", invalid)
	}
	return nil
}

func checkFullness(childFull, parentThinksFull bool, level string, path []int) error {
	if childFull != parentThinksFull {
		return violation(level, path, "fullness mismatch (child_full=%v, parent_thinks_full=%v)", childFull, parentThinksFull)
	}
	return nil
}
