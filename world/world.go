// Package world ties the storage, query and scheduler packages together:
// a World owns one Storage[T] per registered component type, lazily
// created on first access, plus the scheduler built from systems
// registered against it. Entity lifecycle (Spawn/Set/Destroy) and
// whole-world tick/rollback operations dispatch across every registered
// storage.
package world

import (
	"context"
	"errors"
	"fmt"

	"github.com/fjl/memsize"

	"github.com/dungeon2567/rollback-ecs/bits128"
	"github.com/dungeon2567/rollback-ecs/component"
	"github.com/dungeon2567/rollback-ecs/entity"
	"github.com/dungeon2567/rollback-ecs/query"
	"github.com/dungeon2567/rollback-ecs/scheduler"
	"github.com/dungeon2567/rollback-ecs/storage"
	"github.com/dungeon2567/rollback-ecs/tick"
	"github.com/dungeon2567/rollback-ecs/xlog"
)

// ErrScheduleNotBuilt is returned by Run/RunSequential when BuildSchedule
// hasn't been called yet.
var ErrScheduleNotBuilt = errors.New("world: scheduler has not been built, call BuildSchedule first")

// ErrStaleGeneration is returned by Set/Destroy when the caller's Entity
// handle's generation doesn't match the live entity at that index —
// typically because the entity was destroyed and its slot respawned.
var ErrStaleGeneration = errors.New("world: entity generation does not match the live entity at this index")

// ErrEntityNotFound is returned by Set/Destroy when no entity is present
// at the handle's index at all.
var ErrEntityNotFound = errors.New("world: entity does not exist")

// storageLike is the type-erased interface every Storage[T] satisfies,
// letting World sweep tick/rollback operations and feed the query engine
// without knowing each storage's component type.
type storageLike interface {
	query.Source
	SetTick(t tick.Tick)
	ClearChanges()
	Rollback(t tick.Tick) error
	Verify() error
}

const destroySystemID = -1

// World is the registry of per-component-type storages plus the
// scheduler built from systems registered against it.
type World struct {
	storages    [128]storageLike
	mask        bits128.Set
	builder     *scheduler.Builder
	schedule    *scheduler.Schedule
	currentTick tick.Tick
}

// New returns an empty World at tick 0, with no storages registered and
// no systems scheduled yet.
func New() *World {
	return &World{builder: scheduler.NewBuilder()}
}

// GetStorage returns the Storage[T] for T, creating and registering it on
// first access. A free function rather than a method, since Go methods
// cannot introduce their own type parameters.
func GetStorage[T any](w *World) *storage.Storage[T] {
	id := component.TypeIndexOf[T]()
	if id >= 128 {
		xlog.Crit("component type index out of range", "id", id)
	}

	if w.mask.Has(id) {
		return w.storages[id].(*storage.Storage[T])
	}

	s := storage.New[T]()
	w.storages[id] = s
	w.mask = w.mask.With(id)

	var zero T
	if _, ok := any(zero).(component.Destroyed); ok {
		w.scheduleDestroySystem()
	}

	return s
}

// scheduleDestroySystem registers the system that removes Entity and
// Destroyed from every entity that has both, once per tick. It writes
// both types so the scheduler's write/read conflict edges naturally
// order it relative to every other system touching them.
func (w *World) scheduleDestroySystem() {
	entityType := component.TypeIndexOf[entity.Entity]()
	destroyedType := component.TypeIndexOf[component.Destroyed]()

	w.builder.AddSystem(scheduler.Descriptor{
		ID:     destroySystemID,
		Name:   "DestroySystem",
		Writes: []int{entityType, destroyedType},
		Run:    func() { w.runDestroySystem(entityType, destroyedType) },
	})
}

func (w *World) runDestroySystem(entityType, destroyedType int) {
	entities := w.storages[entityType].(*storage.Storage[entity.Entity])
	destroyed := w.storages[destroyedType].(*storage.Storage[component.Destroyed])

	plan, err := query.NewBuilder().All(entityType, destroyedType).Build()
	if err != nil {
		xlog.Crit("DestroySystem: failed to build query plan", "err", err)
	}

	sources := map[int]query.Source{entityType: entities, destroyedType: destroyed}

	var toRemove []uint32
	query.Walk(sources, plan, func(r query.Run) {
		for i := r.Start; i < r.Start+r.Length; i++ {
			toRemove = append(toRemove, uint32(r.Root)*16384+uint32(r.Middle)*128+uint32(i))
		}
	})

	for _, idx := range toRemove {
		entities.Remove(idx)
		destroyed.Remove(idx)
	}
}

// AddSystem registers a system descriptor to be included the next time
// BuildSchedule runs.
func (w *World) AddSystem(d scheduler.Descriptor) { w.builder.AddSystem(d) }

// DefineGroup registers a pipeline group's own after/before relationships.
func (w *World) DefineGroup(g scheduler.Group) { w.builder.DefineGroup(g) }

// BuildSchedule computes the wavefront order from every system and group
// registered so far, including the auto-registered DestroySystem if any
// Destroyed-typed storage has been created. Safe to call again after
// adding more systems; it replaces the previous schedule.
func (w *World) BuildSchedule() error {
	sched, err := w.builder.Build()
	if err != nil {
		return err
	}
	w.schedule = sched
	return nil
}

// CurrentTick returns the tick most recently reached by Run/RunSequential
// or set by Rollback.
func (w *World) CurrentTick() tick.Tick { return w.currentTick }

func (w *World) forEachStorage(fn func(storageLike)) {
	iter := w.mask
	for !iter.IsZero() {
		id := iter.TrailingZeros()
		iter = iter.Without(id)
		fn(w.storages[id])
	}
}

func (w *World) advanceTick() {
	w.currentTick = w.currentTick.Add(1)
	next := w.currentTick
	w.forEachStorage(func(s storageLike) { s.SetTick(next) })
}

// Run executes the built schedule's wavefronts in parallel (bounded by
// poolWidth goroutines per wavefront) and advances the world tick.
func (w *World) Run(ctx context.Context, poolWidth int) error {
	if w.schedule == nil {
		return ErrScheduleNotBuilt
	}
	if err := w.schedule.Run(ctx, poolWidth); err != nil {
		return err
	}
	w.advanceTick()
	return nil
}

// RunSequential executes the built schedule's wavefronts one system at a
// time and advances the world tick.
func (w *World) RunSequential() error {
	if w.schedule == nil {
		return ErrScheduleNotBuilt
	}
	w.schedule.RunSequential()
	w.advanceTick()
	return nil
}

// Spawn creates a new entity via the Entity storage.
func (w *World) Spawn() (entity.Entity, error) {
	return storage.Spawn(GetStorage[entity.Entity](w))
}

// Set writes component T for e, failing if e's generation is stale or e
// doesn't exist.
func Set[T any](w *World, e entity.Entity, value T) error {
	entities := GetStorage[entity.Entity](w)
	current, ok := entities.Get(e.Index())
	if !ok {
		return fmt.Errorf("%w: index %d", ErrEntityNotFound, e.Index())
	}
	if current.Generation() != e.Generation() {
		return fmt.Errorf("%w: index %d, expected generation %d, got %d", ErrStaleGeneration, e.Index(), current.Generation(), e.Generation())
	}
	return GetStorage[T](w).Set(e.Index(), value)
}

// Destroy marks e for removal: the DestroySystem drops its Entity and
// Destroyed components the next time it runs; other components stored at
// e's index are not removed. Fails if e's generation is stale or
// e doesn't exist.
func (w *World) Destroy(e entity.Entity) error {
	entities := GetStorage[entity.Entity](w)
	current, ok := entities.Get(e.Index())
	if !ok {
		return fmt.Errorf("%w: index %d", ErrEntityNotFound, e.Index())
	}
	if current.Generation() != e.Generation() {
		return fmt.Errorf("%w: index %d, expected generation %d, got %d", ErrStaleGeneration, e.Index(), current.Generation(), e.Generation())
	}
	return GetStorage[component.Destroyed](w).Set(e.Index(), component.Destroyed{})
}

// Rollback restores every registered storage to targetTick and resets
// the world's own tick counter to match.
func (w *World) Rollback(targetTick tick.Tick) error {
	var firstErr error
	w.forEachStorage(func(s storageLike) {
		if err := s.Rollback(targetTick); err != nil && firstErr == nil {
			firstErr = err
		}
	})
	if firstErr != nil {
		return firstErr
	}
	w.currentTick = targetTick
	return nil
}

// Verify walks every registered storage's invariant checks, returning the
// first violation found.
func (w *World) Verify() error {
	var firstErr error
	w.forEachStorage(func(s storageLike) {
		if firstErr == nil {
			firstErr = s.Verify()
		}
	})
	return firstErr
}

// EstimateMemoryUsage reports an approximate byte size of every
// registered storage's live tree, for diagnostics and capacity planning.
func (w *World) EstimateMemoryUsage() uint64 {
	var total uint64
	w.forEachStorage(func(s storageLike) {
		total += uint64(memsize.Scan(s).Total)
	})
	return total
}
