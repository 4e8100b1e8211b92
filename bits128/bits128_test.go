package bits128

import "testing"

func TestBitAndHas(t *testing.T) {
	for _, i := range []int{0, 1, 63, 64, 65, 127} {
		s := Bit(i)
		if !s.Has(i) {
			t.Fatalf("Bit(%d).Has(%d) = false", i, i)
		}
		for _, j := range []int{0, 63, 64, 127} {
			if j != i && s.Has(j) {
				t.Fatalf("Bit(%d).Has(%d) = true, want false", i, j)
			}
		}
	}
}

func TestWithWithout(t *testing.T) {
	var s Set
	s = s.With(5).With(70)
	if !s.Has(5) || !s.Has(70) {
		t.Fatalf("With failed: %+v", s)
	}
	s = s.Without(5)
	if s.Has(5) {
		t.Fatalf("Without failed to clear bit 5: %+v", s)
	}
	if !s.Has(70) {
		t.Fatalf("Without cleared unrelated bit: %+v", s)
	}
}

func TestOnes(t *testing.T) {
	if !Ones(0).IsZero() {
		t.Fatalf("Ones(0) should be empty")
	}
	if !Ones(128).IsFull() {
		t.Fatalf("Ones(128) should be full")
	}
	s := Ones(65)
	if s.PopCount() != 65 {
		t.Fatalf("Ones(65).PopCount() = %d, want 65", s.PopCount())
	}
	if !s.Has(0) || !s.Has(64) || s.Has(65) {
		t.Fatalf("Ones(65) bit pattern wrong: %+v", s)
	}
}

func TestTrailingZeros(t *testing.T) {
	if (Set{}).TrailingZeros() != 128 {
		t.Fatalf("empty set TrailingZeros should be 128")
	}
	if Bit(70).TrailingZeros() != 70 {
		t.Fatalf("Bit(70).TrailingZeros() = %d, want 70", Bit(70).TrailingZeros())
	}
}

func TestTrailingOnes(t *testing.T) {
	if Ones(0).TrailingOnes() != 0 {
		t.Fatalf("Ones(0).TrailingOnes() should be 0")
	}
	if Ones(70).TrailingOnes() != 70 {
		t.Fatalf("Ones(70).TrailingOnes() = %d, want 70", Ones(70).TrailingOnes())
	}
	if Full.TrailingOnes() != 128 {
		t.Fatalf("Full.TrailingOnes() should be 128")
	}
}

func TestShlShr(t *testing.T) {
	s := Ones(10).Shl(60)
	if s.PopCount() != 10 {
		t.Fatalf("shifted set popcount = %d, want 10", s.PopCount())
	}
	for i := 60; i < 70; i++ {
		if !s.Has(i) {
			t.Fatalf("expected bit %d present after shift", i)
		}
	}
	back := s.Shr(60)
	if !back.Equal(Ones(10)) {
		t.Fatalf("Shl then Shr round trip failed: %+v", back)
	}
}

func TestNextRun(t *testing.T) {
	s := Run(3, 4).Or(Run(70, 2))
	start, length, ok := s.NextRun()
	if !ok || start != 3 || length != 4 {
		t.Fatalf("NextRun = (%d,%d,%v), want (3,4,true)", start, length, ok)
	}
	s = s.AndNot(Run(start, length))
	start, length, ok = s.NextRun()
	if !ok || start != 70 || length != 2 {
		t.Fatalf("second NextRun = (%d,%d,%v), want (70,2,true)", start, length, ok)
	}
	s = s.AndNot(Run(start, length))
	if _, _, ok = s.NextRun(); ok {
		t.Fatalf("expected no more runs")
	}
}

func TestRunMaskMatchesIteration(t *testing.T) {
	// Mirrors the bit-run iteration pattern used throughout block/storage:
	// find run, process, clear, repeat, and check every index visited once.
	want := map[int]bool{0: true, 1: true, 2: true, 50: true, 127: true}
	s := Set{}
	for i := range want {
		s = s.With(i)
	}
	got := map[int]bool{}
	for !s.IsZero() {
		start, length, ok := s.NextRun()
		if !ok {
			t.Fatal("NextRun returned ok=false on non-empty set")
		}
		for i := start; i < start+length; i++ {
			got[i] = true
		}
		s = s.AndNot(Run(start, length))
	}
	if len(got) != len(want) {
		t.Fatalf("got %d indices, want %d", len(got), len(want))
	}
	for i := range want {
		if !got[i] {
			t.Fatalf("index %d not visited", i)
		}
	}
}
