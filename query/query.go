// Package query implements the hierarchical lockstep intersection engine
// that walks Storage trees in step to find entities matching a
// Views/ViewsMut/All/None/Any/Changed filter, without needing to know
// the component types involved: it operates entirely on type-index keyed
// bits128 masks, leaving the actual typed Get/GetMut binding to the
// caller (the world package, which does know the types).
package query

import (
	"fmt"
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	lru "github.com/hashicorp/golang-lru"

	"github.com/dungeon2567/rollback-ecs/bits128"
)

// Source is the mask-level view a Storage[T] presents to the query
// engine, independent of T. storage.Storage[T] satisfies this directly.
type Source interface {
	RootPresence() bits128.Set
	RootAbsence() bits128.Set
	MiddlePresence(ri int) bits128.Set
	MiddleAbsence(ri int) bits128.Set
	MiddleChanged(ri int) bits128.Set
	InnerPresence(ri, mi int) bits128.Set
	InnerAbsence(ri, mi int) bits128.Set
	InnerChanged(ri, mi int) bits128.Set
}

// Builder accumulates a query's type-index sets before lowering them to
// an immutable Plan. It is the ergonomic, mutable surface a code-gen
// front end (or hand-written system) emits calls into.
type Builder struct {
	views    mapset.Set[int]
	viewsMut mapset.Set[int]
	all      mapset.Set[int]
	none     mapset.Set[int]
	any      mapset.Set[int]
	changed  mapset.Set[int]
	remove   mapset.Set[int]
	err      error
}

// NewBuilder returns an empty query Builder.
func NewBuilder() *Builder {
	return &Builder{
		views:    mapset.NewThreadUnsafeSet[int](),
		viewsMut: mapset.NewThreadUnsafeSet[int](),
		all:      mapset.NewThreadUnsafeSet[int](),
		none:     mapset.NewThreadUnsafeSet[int](),
		any:      mapset.NewThreadUnsafeSet[int](),
		changed:  mapset.NewThreadUnsafeSet[int](),
		remove:   mapset.NewThreadUnsafeSet[int](),
	}
}

// View declares typeIndex as a read-only binding; it is also required present.
func (b *Builder) View(typeIndex int) *Builder { b.views.Add(typeIndex); return b }

// ViewMut declares typeIndex as a writable binding; it is also required present.
func (b *Builder) ViewMut(typeIndex int) *Builder { b.viewsMut.Add(typeIndex); return b }

// All requires every listed type to be present.
func (b *Builder) All(typeIndices ...int) *Builder {
	for _, t := range typeIndices {
		b.all.Add(t)
	}
	return b
}

// None requires every listed type to be absent.
func (b *Builder) None(typeIndices ...int) *Builder {
	for _, t := range typeIndices {
		b.none.Add(t)
	}
	return b
}

// Any requires at least one listed type to be present. Calling Any with
// no arguments is a configuration error caught at Build.
func (b *Builder) Any(typeIndices ...int) *Builder {
	if len(typeIndices) == 0 && b.err == nil {
		b.err = fmt.Errorf("query: Any() called with no type indices")
	}
	for _, t := range typeIndices {
		b.any.Add(t)
	}
	return b
}

// Changed requires the slot to have changed, since the last ClearChanges,
// in at least one listed type.
func (b *Builder) Changed(typeIndices ...int) *Builder {
	for _, t := range typeIndices {
		b.changed.Add(t)
	}
	return b
}

// Remove records the listed types in the built Plan's Remove field. Walk
// does not drop them: it only reports matching runs, and removing the
// listed components from those entities is left to the caller.
func (b *Builder) Remove(typeIndices ...int) *Builder {
	for _, t := range typeIndices {
		b.remove.Add(t)
	}
	return b
}

func sortedSlice(s mapset.Set[int]) []int {
	out := s.ToSlice()
	sort.Ints(out)
	return out
}

// Plan is the resolved, immutable form of a Builder, the shape the
// hierarchical lockstep walk actually consumes.
type Plan struct {
	Views    []int
	ViewsMut []int
	All      []int
	None     []int
	Any      []int
	Changed  []int
	Remove   []int

	// Presence is the deduplicated union of Views, ViewsMut and All: the
	// set of types that must all be present for a slot to match.
	Presence []int

	signature string
}

// Signature returns the string key Build used for plan caching; two
// Builders with the same declared type-index sets produce the same
// signature regardless of call order.
func (p *Plan) Signature() string { return p.signature }

func signatureOf(views, viewsMut, all, none, any, changed []int) string {
	var sb strings.Builder
	write := func(tag string, ints []int) {
		sb.WriteString(tag)
		for _, i := range ints {
			fmt.Fprintf(&sb, ":%d", i)
		}
		sb.WriteByte('|')
	}
	write("V", views)
	write("M", viewsMut)
	write("A", all)
	write("N", none)
	write("Y", any)
	write("C", changed)
	return sb.String()
}

// Build lowers the Builder's accumulated sets into an immutable Plan.
func (b *Builder) Build() (*Plan, error) {
	if b.err != nil {
		return nil, b.err
	}

	views := sortedSlice(b.views)
	viewsMut := sortedSlice(b.viewsMut)
	all := sortedSlice(b.all)
	none := sortedSlice(b.none)
	any := sortedSlice(b.any)
	changed := sortedSlice(b.changed)
	remove := sortedSlice(b.remove)

	presenceSet := mapset.NewThreadUnsafeSet[int]()
	presenceSet.Append(views...)
	presenceSet.Append(viewsMut...)
	presenceSet.Append(all...)

	return &Plan{
		Views:     views,
		ViewsMut:  viewsMut,
		All:       all,
		None:      none,
		Any:       any,
		Changed:   changed,
		Remove:    remove,
		Presence:  sortedSlice(presenceSet),
		signature: signatureOf(views, viewsMut, all, none, any, changed),
	}, nil
}

// Cache memoizes compiled Plans by Builder signature so a system
// re-issuing structurally identical queries every tick doesn't re-sort
// and re-resolve type indices each call.
type Cache struct {
	lru *lru.Cache
}

// NewCache returns a Plan cache holding at most size entries.
func NewCache(size int) (*Cache, error) {
	l, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: l}, nil
}

// GetOrBuild returns the cached Plan for b's signature, building and
// storing it on a miss.
func (c *Cache) GetOrBuild(b *Builder) (*Plan, error) {
	views := sortedSlice(b.views)
	viewsMut := sortedSlice(b.viewsMut)
	all := sortedSlice(b.all)
	none := sortedSlice(b.none)
	any := sortedSlice(b.any)
	changed := sortedSlice(b.changed)
	sig := signatureOf(views, viewsMut, all, none, any, changed)

	if v, ok := c.lru.Get(sig); ok {
		return v.(*Plan), nil
	}
	p, err := b.Build()
	if err != nil {
		return nil, err
	}
	c.lru.Add(sig, p)
	return p, nil
}

// Run is one matched maximal run of contiguous indices within a single
// leaf block: entities [Root*16384 + Middle*128 + Start, ... +Length).
type Run struct {
	Root   int
	Middle int
	Start  int
	Length int
}

// Walk performs the hierarchical lockstep intersection walk described by
// the engine's query algorithm: root pass, middle pass, leaf pass, then
// run iteration. sources maps a type index to the Source backing it;
// every index referenced by plan.Presence, plan.None, plan.Any or
// plan.Changed must have an entry. visit is invoked once per maximal run
// of matching leaf indices, in ascending (root, middle, start) order.
func Walk(sources map[int]Source, plan *Plan, visit func(Run)) {
	outer := bits128.Full
	for _, t := range plan.Presence {
		outer = outer.And(sources[t].RootPresence())
	}
	if len(plan.None) > 0 {
		var noneOuter bits128.Set
		for _, t := range plan.None {
			noneOuter = noneOuter.Or(sources[t].RootAbsence())
		}
		outer = outer.AndNot(noneOuter)
	}

	outerIter := outer
	for !outerIter.IsZero() {
		ri := outerIter.TrailingZeros()
		outerIter = outerIter.Without(ri)
		walkMiddle(sources, plan, ri, visit)
	}
}

func walkMiddle(sources map[int]Source, plan *Plan, ri int, visit func(Run)) {
	middle := bits128.Full
	for _, t := range plan.Presence {
		middle = middle.And(sources[t].MiddlePresence(ri))
	}
	if len(plan.None) > 0 {
		var noneMid bits128.Set
		for _, t := range plan.None {
			noneMid = noneMid.Or(sources[t].MiddleAbsence(ri))
		}
		middle = middle.AndNot(noneMid)
	}
	if len(plan.Any) > 0 {
		var anyMid bits128.Set
		for _, t := range plan.Any {
			anyMid = anyMid.Or(sources[t].MiddlePresence(ri))
		}
		middle = middle.And(anyMid)
	}
	if len(plan.Changed) > 0 {
		var changedMid bits128.Set
		for _, t := range plan.Changed {
			changedMid = changedMid.Or(sources[t].MiddleChanged(ri))
		}
		middle = middle.And(changedMid)
	}

	middleIter := middle
	for !middleIter.IsZero() {
		mi := middleIter.TrailingZeros()
		middleIter = middleIter.Without(mi)
		walkInner(sources, plan, ri, mi, visit)
	}
}

func walkInner(sources map[int]Source, plan *Plan, ri, mi int, visit func(Run)) {
	inner := bits128.Full
	for _, t := range plan.Presence {
		inner = inner.And(sources[t].InnerPresence(ri, mi))
	}
	if len(plan.None) > 0 {
		var noneIn bits128.Set
		for _, t := range plan.None {
			noneIn = noneIn.Or(sources[t].InnerAbsence(ri, mi))
		}
		inner = inner.AndNot(noneIn)
	}
	if len(plan.Any) > 0 {
		var anyIn bits128.Set
		for _, t := range plan.Any {
			anyIn = anyIn.Or(sources[t].InnerPresence(ri, mi))
		}
		inner = inner.And(anyIn)
	}
	if len(plan.Changed) > 0 {
		var changedIn bits128.Set
		for _, t := range plan.Changed {
			changedIn = changedIn.Or(sources[t].InnerChanged(ri, mi))
		}
		inner = inner.And(changedIn)
	}

	for !inner.IsZero() {
		start := inner.TrailingZeros()
		run := inner.Shr(start).TrailingOnes()
		visit(Run{Root: ri, Middle: mi, Start: start, Length: run})
		inner = inner.AndNot(bits128.Run(start, run))
	}
}
