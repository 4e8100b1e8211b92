package block

import (
	"testing"

	"github.com/dungeon2567/rollback-ecs/bits128"
)

func run(start, length int) bits128.Set { return bits128.Run(start, length) }

func TestSnapshotSparse(t *testing.T) {
	b := New[uint32]()
	b.Data[0], b.Data[1], b.Data[2] = 10, 11, 12
	b.PresenceMask = b.PresenceMask.Or(run(0, 3))
	b.Data[6], b.Data[7], b.Data[8] = 16, 17, 18
	b.PresenceMask = b.PresenceMask.Or(run(6, 3))

	snap := b.Snapshot()

	if !snap.UpdatedMask.Equal(b.PresenceMask) {
		t.Fatalf("UpdatedMask = %+v, want %+v", snap.UpdatedMask, b.PresenceMask)
	}
	want := map[int]uint32{0: 10, 1: 11, 2: 12, 6: 16, 7: 17, 8: 18}
	for idx, v := range want {
		if snap.Data[idx] != v {
			t.Errorf("snap.Data[%d] = %d, want %d", idx, snap.Data[idx], v)
		}
	}
}

func TestRestoreFrom(t *testing.T) {
	b := New[uint32]()
	b.Data[0], b.Data[1], b.Data[2] = 10, 11, 12
	b.Data[6], b.Data[7], b.Data[8] = 16, 17, 18
	b.PresenceMask = run(0, 3).Or(run(6, 3))
	b.AbsenceMask = run(3, 1)
	b.ChangedMask = run(0, 3)

	snap := b.Snapshot()

	// Mutate the live block: different slots, different masks.
	for _, i := range []int{0, 1, 2, 6, 7, 8} {
		b.Data[i] = 0
	}
	b.Data[5] = 99
	b.Data[10] = 88
	b.PresenceMask = run(5, 1).Or(run(10, 1))
	b.AbsenceMask = bits128.Set{}
	b.ChangedMask = run(0, 5)

	b.RestoreFrom(snap)

	if !b.PresenceMask.Equal(run(0, 3).Or(run(6, 3))) {
		t.Fatalf("PresenceMask not restored: %+v", b.PresenceMask)
	}
	if !b.AbsenceMask.Equal(run(3, 1)) {
		t.Fatalf("AbsenceMask not restored: %+v", b.AbsenceMask)
	}
	if !b.ChangedMask.IsZero() {
		t.Fatalf("ChangedMask should be reset to empty, got %+v", b.ChangedMask)
	}
	want := map[int]uint32{0: 10, 1: 11, 2: 12, 6: 16, 7: 17, 8: 18}
	for idx, v := range want {
		if b.Data[idx] != v {
			t.Errorf("b.Data[%d] = %d, want %d", idx, b.Data[idx], v)
		}
	}
	if b.Data[5] != 0 || b.Data[10] != 0 {
		t.Fatalf("stale slots not cleared on restore: Data[5]=%d Data[10]=%d", b.Data[5], b.Data[10])
	}
}

func TestEnsureChild(t *testing.T) {
	root := New[*Block[uint32]]()
	child := EnsureChild(root, 5)
	if child == nil {
		t.Fatal("EnsureChild returned nil")
	}
	if !root.PresenceMask.Has(5) {
		t.Fatal("EnsureChild did not set presence bit")
	}
	if root.AbsenceMask.Has(5) {
		t.Fatal("newly created child should not be marked full")
	}
	same := EnsureChild(root, 5)
	if same != child {
		t.Fatal("EnsureChild allocated a second child for an existing slot")
	}
}
