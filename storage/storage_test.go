package storage

import (
	"errors"
	"testing"

	"github.com/dungeon2567/rollback-ecs/entity"
	"github.com/dungeon2567/rollback-ecs/tick"
)

func TestSetGetRemove(t *testing.T) {
	s := New[uint32]()
	if _, ok := s.Get(5); ok {
		t.Fatal("expected absent value before Set")
	}
	if err := s.Set(5, 42); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok := s.Get(5)
	if !ok || got != 42 {
		t.Fatalf("Get(5) = (%d, %v), want (42, true)", got, ok)
	}
	s.Remove(5)
	if _, ok := s.Get(5); ok {
		t.Fatal("expected absent value after Remove")
	}
}

func TestLenCountsAcrossBlocks(t *testing.T) {
	s := New[uint32]()
	if s.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", s.Len())
	}
	for i := uint32(0); i < 200; i++ {
		if err := s.Set(i, i); err != nil {
			t.Fatalf("Set(%d): %v", i, err)
		}
	}
	if s.Len() != 200 {
		t.Fatalf("Len() = %d, want 200", s.Len())
	}
}

func TestSpawnFillsInnerBlock(t *testing.T) {
	s := New[entity.Entity]()
	for i := uint32(0); i < 128; i++ {
		e, err := Spawn(s)
		if err != nil {
			t.Fatalf("Spawn: %v", err)
		}
		if e.Index() != i {
			t.Fatalf("entity %d Index() = %d, want %d", i, e.Index(), i)
		}
		if e.Generation() != 1 {
			t.Fatalf("entity %d Generation() = %d, want 1", i, e.Generation())
		}
	}
	if s.Len() != 128 {
		t.Fatalf("Len() = %d, want 128", s.Len())
	}
}

func TestGetMutSetsChangedMaskOnce(t *testing.T) {
	s := New[uint32]()
	if err := s.Set(0, 100); err != nil {
		t.Fatal(err)
	}
	s.ClearChanges()

	v, err := s.GetMut(0)
	if err != nil {
		t.Fatalf("GetMut: %v", err)
	}
	*v = 200
	if got, _ := s.Get(0); got != 200 {
		t.Fatalf("Get(0) = %d, want 200", got)
	}
	if !s.root.ChangedMask.Has(0) {
		t.Fatal("root ChangedMask bit 0 should be set after GetMut")
	}

	// A second GetMut this tick must not disturb an unrelated already-set bit.
	middle := s.root.Data[0]
	middle.ChangedMask = middle.ChangedMask.With(5)
	v2, err := s.GetMut(0)
	if err != nil {
		t.Fatal(err)
	}
	*v2 = 300
	if !middle.ChangedMask.Has(5) {
		t.Fatal("unrelated middle ChangedMask bit 5 should remain set")
	}
}

func TestRollbackToEmptyUndoesInsert(t *testing.T) {
	s := New[entity.Entity]()
	if err := s.Set(48, entity.New(10, 10)); err != nil {
		t.Fatal(err)
	}
	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", s.Len())
	}
	if err := s.Rollback(tick.Tick(0)); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("Len() after rollback = %d, want 0", s.Len())
	}
}

func TestRollbackInsert(t *testing.T) {
	s := New[uint32]()
	s.SetTick(1)
	if err := s.Set(0, 100); err != nil {
		t.Fatal(err)
	}
	s.ClearChanges()

	if err := s.Rollback(0); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Get(0); ok {
		t.Fatal("expected slot absent after rolling back past its insert")
	}
}

func TestRollbackUpdate(t *testing.T) {
	s := New[uint32]()
	s.SetTick(1)
	s.Set(0, 100)
	s.ClearChanges()

	s.SetTick(2)
	s.Set(0, 200)
	s.ClearChanges()

	if err := s.Rollback(1); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.Get(0); got != 100 {
		t.Fatalf("Get(0) after rollback = %d, want 100", got)
	}
}

func TestRollbackRemove(t *testing.T) {
	s := New[uint32]()
	s.SetTick(1)
	s.Set(0, 100)
	s.ClearChanges()

	s.SetTick(2)
	s.Remove(0)
	s.ClearChanges()

	if err := s.Rollback(1); err != nil {
		t.Fatal(err)
	}
	if got, ok := s.Get(0); !ok || got != 100 {
		t.Fatalf("Get(0) after rollback = (%d,%v), want (100,true)", got, ok)
	}
}

func TestRollbackAcrossMultipleTicksUsesOldestPreImage(t *testing.T) {
	s := New[uint32]()
	s.SetTick(1)
	s.Set(0, 100)
	s.ClearChanges()

	s.SetTick(2)
	s.Set(0, 200)
	s.ClearChanges()

	s.SetTick(3)
	s.Set(0, 300)
	s.ClearChanges()

	if err := s.Rollback(1); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.Get(0); got != 100 {
		t.Fatalf("Get(0) after rollback to tick 1 = %d, want 100 (the pre-tick-2 value)", got)
	}
}

func TestRollbackToFutureTickErrors(t *testing.T) {
	s := New[uint32]()
	s.SetTick(3)
	s.Set(0, 100)
	s.ClearChanges()

	// The tick-3 snapshot is newer than the target, and the target is after
	// the current tick, so the rollback must be refused.
	s.SetTick(1)
	err := s.Rollback(2)
	if !errors.Is(err, ErrFutureTickRollback) {
		t.Fatalf("Rollback to future tick: got %v, want ErrFutureTickRollback", err)
	}
	// The refused rollback must leave the live value untouched.
	if got, ok := s.Get(0); !ok || got != 100 {
		t.Fatalf("storage state corrupted after failed future rollback: (%d,%v)", got, ok)
	}
}

func TestRollbackNoSnapshotsIsNoop(t *testing.T) {
	s := New[uint32]()
	if err := s.Rollback(999); err != nil {
		t.Fatalf("Rollback with empty chain should never error: %v", err)
	}
	if s.CurrentTick() != 999 {
		t.Fatalf("CurrentTick() = %v, want 999", s.CurrentTick())
	}
}

func TestEachVisitsInIndexOrder(t *testing.T) {
	s := New[uint32]()
	indices := []uint32{5, 200, 1, 16400}
	for _, i := range indices {
		s.Set(i, i*10)
	}
	var seen []uint32
	s.Each(func(index uint32, value uint32) {
		if value != index*10 {
			t.Errorf("Each visited (%d,%d), want value %d", index, value, index*10)
		}
		seen = append(seen, index)
	})
	for i := 1; i < len(seen); i++ {
		if seen[i-1] >= seen[i] {
			t.Fatalf("Each did not visit in ascending order: %v", seen)
		}
	}
}
