package scheduler_test

import (
	"context"
	"testing"

	"github.com/dungeon2567/rollback-ecs/scheduler"
)

func recorder() (*scheduler.Builder, *[]int) {
	var order []int
	return scheduler.NewBuilder(), &order
}

func sys(id int, run func()) scheduler.Descriptor {
	return scheduler.Descriptor{ID: id, Name: "", Run: run}
}

func TestExplicitAfterOrdersWavefronts(t *testing.T) {
	b, order := recorder()
	b.AddSystem(scheduler.Descriptor{ID: 1, Name: "a", Run: func() { *order = append(*order, 1) }})
	b.AddSystem(scheduler.Descriptor{ID: 2, Name: "b", After: []int{1}, Run: func() { *order = append(*order, 2) }})

	sched, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	if len(sched.Wavefronts()) != 2 {
		t.Fatalf("expected 2 wavefronts, got %d: %v", len(sched.Wavefronts()), sched.Wavefronts())
	}
	sched.RunSequential()
	if len(*order) != 2 || (*order)[0] != 1 || (*order)[1] != 2 {
		t.Fatalf("expected order [1 2], got %v", *order)
	}
}

func TestIndependentSystemsShareAWavefront(t *testing.T) {
	b := scheduler.NewBuilder()
	b.AddSystem(sys(1, func() {}))
	b.AddSystem(sys(2, func() {}))

	sched, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	if len(sched.Wavefronts()) != 1 || len(sched.Wavefronts()[0]) != 2 {
		t.Fatalf("expected one wavefront containing both systems, got %v", sched.Wavefronts())
	}
}

func TestWriteReadConflictOrders(t *testing.T) {
	b, order := recorder()
	const posType = 7
	b.AddSystem(scheduler.Descriptor{ID: 2, Name: "reader", Reads: []int{posType}, Run: func() { *order = append(*order, 2) }})
	b.AddSystem(scheduler.Descriptor{ID: 1, Name: "writer", Writes: []int{posType}, Run: func() { *order = append(*order, 1) }})

	sched, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	sched.RunSequential()
	if len(*order) != 2 || (*order)[0] != 1 || (*order)[1] != 2 {
		t.Fatalf("expected writer before reader, got %v", *order)
	}
}

func TestWriteWriteConflictTiesBreakOnIndex(t *testing.T) {
	b := scheduler.NewBuilder()
	const posType = 7
	b.AddSystem(scheduler.Descriptor{ID: 10, Writes: []int{posType}})
	b.AddSystem(scheduler.Descriptor{ID: 20, Writes: []int{posType}})

	sched, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	wf := sched.Wavefronts()
	if len(wf) != 2 || wf[0][0] != 0 || wf[1][0] != 1 {
		t.Fatalf("expected descriptor 0 strictly before descriptor 1, got %v", wf)
	}
}

func TestGroupAfterOrdersMembers(t *testing.T) {
	const (
		initGroup = 100
		simGroup  = 101
	)
	b, order := recorder()
	b.DefineGroup(scheduler.Group{ID: simGroup, After: []int{initGroup}})
	b.AddSystem(scheduler.Descriptor{ID: 1, HasParent: true, Parent: initGroup, Run: func() { *order = append(*order, 1) }})
	b.AddSystem(scheduler.Descriptor{ID: 2, HasParent: true, Parent: simGroup, Run: func() { *order = append(*order, 2) }})

	sched, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	sched.RunSequential()
	if len(*order) != 2 || (*order)[0] != 1 || (*order)[1] != 2 {
		t.Fatalf("expected init-group system before sim-group system, got %v", *order)
	}
}

func TestCircularDependencyIsReported(t *testing.T) {
	b := scheduler.NewBuilder()
	b.AddSystem(scheduler.Descriptor{ID: 1, Name: "a", After: []int{2}})
	b.AddSystem(scheduler.Descriptor{ID: 2, Name: "b", After: []int{1}})

	_, err := b.Build()
	if err == nil {
		t.Fatal("expected a circular dependency error")
	}
	if _, ok := err.(*scheduler.CircularDependencyError); !ok {
		t.Fatalf("expected *CircularDependencyError, got %T: %v", err, err)
	}
}

func TestRunParallelExecutesWholeWavefront(t *testing.T) {
	b := scheduler.NewBuilder()
	results := make([]bool, 4)
	for i := 0; i < 4; i++ {
		i := i
		b.AddSystem(sys(i+1, func() { results[i] = true }))
	}
	sched, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	if err := sched.Run(context.Background(), 2); err != nil {
		t.Fatal(err)
	}
	for i, ok := range results {
		if !ok {
			t.Fatalf("system %d did not run", i)
		}
	}
}
