// Package checkpoint is a host-side helper for persisting rollback
// snapshots outside the core: the engine itself is in-memory only (per
// spec, "if a host needs persisted rollback, it must serialize storage
// contents at checkpointed ticks from outside the core"). It stores
// gob-encoded, snappy-compressed component values in LevelDB, keyed by
// (component type index, entity index, tick), plus an atomically
// replaced marker file recording the most recently committed tick.
package checkpoint

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"os"

	"github.com/golang/snappy"
	"github.com/natefinch/atomic"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/dungeon2567/rollback-ecs/component"
	"github.com/dungeon2567/rollback-ecs/storage"
	"github.com/dungeon2567/rollback-ecs/tick"
	"github.com/dungeon2567/rollback-ecs/world"
)

const keyLen = 4 + 4 + 4

// Keys are ordered (typeIndex, entityIndex, tick) rather than
// (tick, typeIndex, entityIndex) so every snapshot ever taken of one
// entity's component sorts into a contiguous LevelDB range, letting
// Reader walk straight to the nearest tick at or before a cutoff instead
// of probing tick-by-tick.
func makeKey(t tick.Tick, typeIndex int, entityIndex uint32) []byte {
	buf := make([]byte, keyLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(typeIndex))
	binary.BigEndian.PutUint32(buf[4:8], entityIndex)
	binary.BigEndian.PutUint32(buf[8:12], uint32(t))
	return buf
}

func typePrefix(typeIndex int) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(typeIndex))
	return buf
}

func entityPrefix(typeIndex int, entityIndex uint32) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], uint32(typeIndex))
	binary.BigEndian.PutUint32(buf[4:8], entityIndex)
	return buf
}

func entityIndexOf(key []byte) uint32 { return binary.BigEndian.Uint32(key[4:8]) }
func tickOf(key []byte) tick.Tick     { return tick.Tick(binary.BigEndian.Uint32(key[8:12])) }

// Writer appends component snapshots to an on-disk LevelDB store.
type Writer struct {
	db *leveldb.DB
}

// OpenWriter opens (creating if needed) a checkpoint store for writing.
func OpenWriter(dir string) (*Writer, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open writer at %s: %w", dir, err)
	}
	return &Writer{db: db}, nil
}

// Close releases the underlying LevelDB handle.
func (w *Writer) Close() error { return w.db.Close() }

// PutComponent persists one entity's component value at tick t.
func PutComponent[T any](w *Writer, t tick.Tick, entityIndex uint32, value T) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(value); err != nil {
		return fmt.Errorf("checkpoint: encode component: %w", err)
	}
	compressed := snappy.Encode(nil, buf.Bytes())

	typeIndex := component.TypeIndexOf[T]()
	if err := w.db.Put(makeKey(t, typeIndex, entityIndex), compressed, nil); err != nil {
		return fmt.Errorf("checkpoint: put: %w", err)
	}
	return nil
}

// SaveComponent snapshots every present value in T's storage at tick t.
func SaveComponent[T any](w *Writer, wd *world.World, t tick.Tick) error {
	s := world.GetStorage[T](wd)
	var saveErr error
	s.Each(func(index uint32, value T) {
		if saveErr != nil {
			return
		}
		if err := PutComponent(w, t, index, value); err != nil {
			saveErr = err
		}
	})
	return saveErr
}

// Reader reads component snapshots back through a read-only LevelDB
// handle. LevelDB locks its directory, so a Reader cannot be opened while
// a Writer still holds the same store open.
type Reader struct {
	db *leveldb.DB
}

// OpenReader opens an existing checkpoint store for read-only access.
func OpenReader(dir string) (*Reader, error) {
	db, err := leveldb.OpenFile(dir, &opt.Options{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open reader at %s: %w", dir, err)
	}
	return &Reader{db: db}, nil
}

// Close releases the underlying LevelDB handle.
func (r *Reader) Close() error { return r.db.Close() }

// GetComponent returns the persisted value of T for entityIndex at tick
// t, and whether one was found.
func GetComponent[T any](r *Reader, t tick.Tick, entityIndex uint32) (T, bool, error) {
	var zero T
	typeIndex := component.TypeIndexOf[T]()

	raw, err := r.db.Get(makeKey(t, typeIndex, entityIndex), nil)
	if err == leveldb.ErrNotFound {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("checkpoint: get: %w", err)
	}
	value, err := decodeValue[T](raw)
	return value, err == nil, err
}

func decodeValue[T any](raw []byte) (T, error) {
	var value T
	decompressed, err := snappy.Decode(nil, raw)
	if err != nil {
		return value, fmt.Errorf("checkpoint: decompress: %w", err)
	}
	if err := gob.NewDecoder(bytes.NewReader(decompressed)).Decode(&value); err != nil {
		return value, fmt.Errorf("checkpoint: decode component: %w", err)
	}
	return value, nil
}

// NearestComponent returns the persisted value of T for entityIndex at
// the latest tick at or before atOrBefore, the tick it was taken at, and
// whether any such snapshot exists. Because keys sort by
// (type, entity, tick), this is a single reverse seek rather than a
// tick-by-tick probe.
func NearestComponent[T any](r *Reader, atOrBefore tick.Tick, entityIndex uint32) (T, tick.Tick, bool, error) {
	var zero T
	typeIndex := component.TypeIndexOf[T]()

	iter := r.db.NewIterator(util.BytesPrefix(entityPrefix(typeIndex, entityIndex)), nil)
	defer iter.Release()

	seekKey := makeKey(atOrBefore, typeIndex, entityIndex)

	var bestKey, bestValue []byte
	switch {
	case iter.Seek(seekKey) && bytes.Equal(iter.Key(), seekKey):
		// Landed exactly on atOrBefore.
		bestKey, bestValue = iter.Key(), iter.Value()
	case iter.Valid():
		// Landed on the first snapshot after atOrBefore; step back to
		// the latest one at or before it, if any exists for this entity.
		if !iter.Prev() {
			return zero, 0, false, nil
		}
		bestKey, bestValue = iter.Key(), iter.Value()
	default:
		// Seek ran past every snapshot for this entity: the last one in
		// range is the latest, and by construction it is <= atOrBefore
		// only if it didn't already fail the Valid() check above — so
		// take the last key in range directly.
		if !iter.Last() {
			return zero, 0, false, nil
		}
		bestKey, bestValue = iter.Key(), iter.Value()
	}

	if tickOf(bestKey) > atOrBefore {
		return zero, 0, false, nil
	}
	if err := iter.Error(); err != nil {
		return zero, 0, false, fmt.Errorf("checkpoint: iterate: %w", err)
	}

	value, err := decodeValue[T](bestValue)
	if err != nil {
		return zero, 0, false, err
	}
	return value, tickOf(bestKey), true, nil
}

// RestoreStorage rebuilds s with, for every entity ever snapshotted
// under T, the nearest persisted value at or before atOrBefore. It walks
// the whole (type, entity, tick) range for T in one forward pass,
// tracking the best candidate seen per entity as the iterator crosses
// into each entity's key group.
func RestoreStorage[T any](r *Reader, s *storage.Storage[T], atOrBefore tick.Tick) error {
	typeIndex := component.TypeIndexOf[T]()
	prefix := typePrefix(typeIndex)

	iter := r.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var (
		haveCandidate   bool
		candidateEntity uint32
		candidateValue  []byte
	)

	flush := func() error {
		if !haveCandidate {
			return nil
		}
		value, err := decodeValue[T](candidateValue)
		if err != nil {
			return err
		}
		return s.Set(candidateEntity, value)
	}

	for iter.Next() {
		key := iter.Key()
		entityIndex := entityIndexOf(key)
		t := tickOf(key)

		if haveCandidate && entityIndex != candidateEntity {
			if err := flush(); err != nil {
				return err
			}
			haveCandidate = false
		}

		if t > atOrBefore {
			continue
		}
		candidateEntity = entityIndex
		candidateValue = append([]byte(nil), iter.Value()...)
		haveCandidate = true
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("checkpoint: iterate: %w", err)
	}
	return flush()
}

// WriteLatestTick atomically replaces the marker file at path with tick
// t, so a concurrent reader never observes a partially written value.
func WriteLatestTick(path string, t tick.Tick) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%d", uint32(t))
	if err := atomic.WriteFile(path, &buf); err != nil {
		return fmt.Errorf("checkpoint: write marker at %s: %w", path, err)
	}
	return nil
}

// ReadLatestTick reads the tick most recently committed by
// WriteLatestTick.
func ReadLatestTick(path string) (tick.Tick, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("checkpoint: read marker at %s: %w", path, err)
	}
	var v uint32
	if _, err := fmt.Sscanf(string(data), "%d", &v); err != nil {
		return 0, fmt.Errorf("checkpoint: parse marker at %s: %w", path, err)
	}
	return tick.Tick(v), nil
}
