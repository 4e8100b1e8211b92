// Package scheduler builds a deterministic wavefront execution order for a
// set of systems from their declared parent/after/before relationships
// and their component read/write sets, then runs each wavefront either
// sequentially or fanned out across a bounded goroutine pool.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Descriptor describes one schedulable system. ID must be unique across
// both systems and groups passed to the same Builder; Parent, After and
// Before reference that shared identity space, so a system may order
// itself relative to another system or to a group interchangeably.
type Descriptor struct {
	ID        int
	Name      string
	HasParent bool
	Parent    int
	After     []int
	Before    []int
	Reads     []int
	Writes    []int
	Run       func()
}

// Group describes a pipeline group's own after/before relationships to
// other groups; a system naming Group.ID as its Parent inherits these
// transitively, the same way it inherits a parent system's after/before.
type Group struct {
	ID     int
	After  []int
	Before []int
}

// CircularDependencyError is returned when Kahn's algorithm can't find
// any zero-in-degree node while systems remain unscheduled.
type CircularDependencyError struct {
	Remaining []string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("scheduler: circular dependency among systems: %s", strings.Join(e.Remaining, ", "))
}

// NonDeterministicOrderingError is returned when the post-hoc
// verification pass finds a declared dependency that the computed
// wavefronts don't actually honor — evidence of a missing graph edge.
type NonDeterministicOrderingError struct {
	System     string
	DependsOn  string
	SameOrBack bool
}

func (e *NonDeterministicOrderingError) Error() string {
	return fmt.Sprintf("scheduler: %q does not run strictly after %q in the computed schedule", e.System, e.DependsOn)
}

// Builder accumulates systems and groups before Build computes wavefronts.
type Builder struct {
	systems []Descriptor
	groups  map[int]Group
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{groups: make(map[int]Group)}
}

// AddSystem registers a system descriptor.
func (b *Builder) AddSystem(d Descriptor) *Builder {
	b.systems = append(b.systems, d)
	return b
}

// DefineGroup registers a pipeline group's own after/before relationships.
func (b *Builder) DefineGroup(g Group) *Builder {
	b.groups[g.ID] = g
	return b
}

// Schedule is the immutable, pre-computed wavefront order for a Builder's
// systems, ready to run.
type Schedule struct {
	systems    []Descriptor
	wavefronts [][]int
}

// Wavefronts returns the computed wavefronts as indices into the
// schedule's system list, in execution order.
func (s *Schedule) Wavefronts() [][]int { return s.wavefronts }

// Len returns the number of scheduled systems.
func (s *Schedule) Len() int { return len(s.systems) }

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func intersects(a, b []int) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

// dependencies collects a system's effective after/before lists,
// including those inherited from its parent chain (walking up through
// parent systems, then through the parent group's own transitive
// after/before chain).
func (b *Builder) dependencies(systems []Descriptor, idToIndex map[int]int, i int) (after, before, afterGroups, beforeGroups []int) {
	s := systems[i]
	after = append(after, s.After...)
	before = append(before, s.Before...)

	visited := map[int]bool{}
	cur, has := s.Parent, s.HasParent
	for has {
		if visited[cur] {
			break
		}
		visited[cur] = true
		if pi, ok := idToIndex[cur]; ok {
			p := systems[pi]
			after = append(after, p.After...)
			before = append(before, p.Before...)
			cur, has = p.Parent, p.HasParent
			continue
		}
		break
	}

	// After/Before entries that name no system are group IDs: they order
	// this system relative to every member of that group.
	for _, a := range after {
		if _, ok := idToIndex[a]; !ok && !containsInt(afterGroups, a) {
			afterGroups = append(afterGroups, a)
		}
	}
	for _, bf := range before {
		if _, ok := idToIndex[bf]; !ok && !containsInt(beforeGroups, bf) {
			beforeGroups = append(beforeGroups, bf)
		}
	}

	if !s.HasParent {
		return
	}

	seenAfter := map[int]bool{}
	stack := []int{s.Parent}
	for len(stack) > 0 {
		g := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seenAfter[g] {
			continue
		}
		seenAfter[g] = true
		if gd, ok := b.groups[g]; ok {
			for _, a := range gd.After {
				if !containsInt(afterGroups, a) {
					afterGroups = append(afterGroups, a)
					stack = append(stack, a)
				}
			}
		}
	}

	seenBefore := map[int]bool{}
	stack = []int{s.Parent}
	for len(stack) > 0 {
		g := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seenBefore[g] {
			continue
		}
		seenBefore[g] = true
		if gd, ok := b.groups[g]; ok {
			for _, bf := range gd.Before {
				if !containsInt(beforeGroups, bf) {
					beforeGroups = append(beforeGroups, bf)
					stack = append(stack, bf)
				}
			}
		}
	}
	return
}

// Build computes the wavefront order: dependency gathering, edge
// construction from explicit/inherited ordering plus read/write
// conflicts, Kahn's-algorithm wavefront collection, then a verification
// pass confirming every dependency actually landed in an earlier
// wavefront.
func (b *Builder) Build() (*Schedule, error) {
	systems := append([]Descriptor(nil), b.systems...)
	n := len(systems)
	if n == 0 {
		return &Schedule{}, nil
	}

	idToIndex := make(map[int]int, n)
	for i, s := range systems {
		idToIndex[s.ID] = i
	}

	groupMembers := make(map[int][]int)
	for i, s := range systems {
		if s.HasParent {
			groupMembers[s.Parent] = append(groupMembers[s.Parent], i)
		}
	}

	graph := make([]map[int]bool, n)
	inDegree := make([]int, n)
	for i := range graph {
		graph[i] = make(map[int]bool)
	}

	// addEdge adds from->to unless the reverse edge already exists (a
	// pre-existing edge that already orders the pair is accepted as-is,
	// and we never add both directions, which would create a cycle).
	addEdge := func(from, to int) {
		if from == to || graph[to][from] || graph[from][to] {
			return
		}
		graph[from][to] = true
		inDegree[to]++
	}

	for i := range systems {
		after, before, afterGroups, beforeGroups := b.dependencies(systems, idToIndex, i)

		for _, a := range after {
			if ai, ok := idToIndex[a]; ok {
				addEdge(ai, i)
			}
		}
		for _, ag := range afterGroups {
			for _, oi := range groupMembers[ag] {
				addEdge(oi, i)
			}
		}
		for _, bf := range before {
			if bi, ok := idToIndex[bf]; ok {
				addEdge(i, bi)
			}
		}
		for _, bg := range beforeGroups {
			for _, oi := range groupMembers[bg] {
				addEdge(i, oi)
			}
		}
	}

	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			writeConflict := intersects(systems[i].Writes, systems[j].Reads) || intersects(systems[i].Writes, systems[j].Writes)
			if writeConflict {
				if intersects(systems[i].Writes, systems[j].Reads) {
					addEdge(i, j)
				} else if i < j {
					addEdge(i, j)
				} else {
					addEdge(j, i)
				}
				continue
			}
			if intersects(systems[i].Reads, systems[j].Writes) {
				addEdge(j, i)
			}
		}
	}

	inDegreeCopy := append([]int(nil), inDegree...)
	var wavefronts [][]int
	processed := 0
	for processed < n {
		var wf []int
		for i := 0; i < n; i++ {
			if inDegreeCopy[i] == 0 {
				wf = append(wf, i)
			}
		}
		if len(wf) == 0 {
			var remaining []string
			for i := 0; i < n; i++ {
				if inDegreeCopy[i] > 0 {
					remaining = append(remaining, systems[i].Name)
				}
			}
			sort.Strings(remaining)
			return nil, &CircularDependencyError{Remaining: remaining}
		}
		for _, idx := range wf {
			inDegreeCopy[idx] = -1
			processed++
			for nb := range graph[idx] {
				if inDegreeCopy[nb] > 0 {
					inDegreeCopy[nb]--
				}
			}
		}
		wavefronts = append(wavefronts, wf)
	}

	wavefrontOf := make([]int, n)
	for wi, wf := range wavefronts {
		for _, idx := range wf {
			wavefrontOf[idx] = wi
		}
	}

	for i := 0; i < n; i++ {
		after, before, afterGroups, beforeGroups := b.dependencies(systems, idToIndex, i)
		for _, a := range after {
			if ai, ok := idToIndex[a]; ok && wavefrontOf[ai] >= wavefrontOf[i] {
				return nil, &NonDeterministicOrderingError{System: systems[i].Name, DependsOn: systems[ai].Name}
			}
		}
		for _, ag := range afterGroups {
			for _, oi := range groupMembers[ag] {
				if wavefrontOf[oi] >= wavefrontOf[i] {
					return nil, &NonDeterministicOrderingError{System: systems[i].Name, DependsOn: systems[oi].Name}
				}
			}
		}
		for _, bf := range before {
			if bi, ok := idToIndex[bf]; ok && wavefrontOf[bi] <= wavefrontOf[i] {
				return nil, &NonDeterministicOrderingError{System: systems[bi].Name, DependsOn: systems[i].Name}
			}
		}
		for _, bg := range beforeGroups {
			for _, oi := range groupMembers[bg] {
				if wavefrontOf[oi] <= wavefrontOf[i] {
					return nil, &NonDeterministicOrderingError{System: systems[oi].Name, DependsOn: systems[i].Name}
				}
			}
		}
	}

	return &Schedule{systems: systems, wavefronts: wavefronts}, nil
}

// RunSequential executes every system in flattened wavefront order, one
// at a time, regardless of how many systems a wavefront contains.
func (s *Schedule) RunSequential() {
	for _, wf := range s.wavefronts {
		for _, idx := range wf {
			s.systems[idx].Run()
		}
	}
}

// Run executes each wavefront's systems concurrently (bounded by
// poolWidth goroutines; poolWidth <= 0 means unbounded) and joins before
// starting the next wavefront. A single-system wavefront runs inline,
// skipping goroutine overhead.
func (s *Schedule) Run(ctx context.Context, poolWidth int) error {
	for _, wf := range s.wavefronts {
		if len(wf) <= 1 {
			for _, idx := range wf {
				s.systems[idx].Run()
			}
			continue
		}

		g, _ := errgroup.WithContext(ctx)
		if poolWidth > 0 {
			g.SetLimit(poolWidth)
		}
		for _, idx := range wf {
			idx := idx
			g.Go(func() error {
				s.systems[idx].Run()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}
