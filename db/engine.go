package db

import (
	"sync"
	"sync/atomic"

	"barn/types"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	bolt "go.etcd.io/bbolt"
)

// ErrConflict is returned by Store.Commit when a transaction's read set was
// invalidated by a concurrently committed transaction. Callers (the
// scheduler) rewind and retry with a fresh snapshot.
var ErrConflict = errors.New("mvcc: commit conflict")

// ErrStorageFull is returned by Commit when the durable log rejects a write
// for capacity reasons. Retryable after admin action, per spec.md §4.1.
var ErrStorageFull = errors.New("mvcc: storage full")

var walBucket = []byte("commits")

// version is an immutable, published snapshot of the object graph. Once
// referenced by Engine.cur it is never mutated in place — every write goes
// through a fresh version built at commit time. This is what lets Begin()
// be a lock-free atomic load instead of taking a lock.
type version struct {
	seq         uint64
	objects     map[types.ObjID]*Object
	maxObjID    types.ObjID
	highWaterID types.ObjID
	recycledID  []types.ObjID
}

func emptyVersion() *version {
	return &version{
		seq:         0,
		objects:     make(map[types.ObjID]*Object),
		maxObjID:    -1,
		highWaterID: -1,
	}
}

// Engine is the shared, concurrency-safe object store. It publishes
// immutable versions via atomic.Pointer and validates/commits transactions
// under a short critical section, per the MVCC design in SPEC_FULL.md §4.
// Grounded on _examples/other_examples/{mvcc-map,mvcc-tx}.go.go.
type Engine struct {
	cur      atomic.Pointer[version]
	commitMu sync.Mutex
	nextID   atomic.Int64

	wal *bolt.DB

	waifMu       sync.Mutex
	waifRegistry map[types.ObjID]map[*types.WaifValue]struct{}

	verbCacheClears  atomic.Int64
	verbCacheMisses  atomic.Int64
}

// NewEngine creates an in-memory engine with no durability.
func NewEngine() *Engine {
	e := &Engine{
		waifRegistry: make(map[types.ObjID]map[*types.WaifValue]struct{}),
	}
	e.cur.Store(emptyVersion())
	e.nextID.Store(-1)
	return e
}

// OpenEngine creates an engine backed by a bbolt write-ahead log at path,
// replaying any committed records found there. An empty path behaves like
// NewEngine (no durability) — used by tests and the offline bulk-import
// collaborator, which builds a store without ever touching the log.
func OpenEngine(path string) (*Engine, error) {
	e := NewEngine()
	if path == "" {
		return e, nil
	}

	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "open wal")
	}
	e.wal = db

	if err := e.replay(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "replay wal")
	}
	return e, nil
}

func (e *Engine) Close() error {
	if e.wal == nil {
		return nil
	}
	return e.wal.Close()
}

// Begin returns a fresh transaction handle snapshotting the engine's current
// committed state. This is the spec's begin() -> Snapshot; it never blocks.
func (e *Engine) Begin() *Store {
	v := e.cur.Load()
	return &Store{
		engine:  e,
		base:    v,
		overlay: make(map[types.ObjID]*Object),
		reads:   make(map[types.ObjID]*Object),
		predicateReads: make(map[string]struct{}),
	}
}

// NextID allocates a fresh object id. This is intentionally outside the
// optimistic read/write set: two concurrent object creations must never
// conflict merely because both allocated ids (SPEC_FULL.md §4).
func (e *Engine) NextID() types.ObjID {
	return types.ObjID(e.nextID.Add(1))
}

// PeekNextID returns the id the next NextID() call would hand out, without
// consuming it. Used by max_object()-style introspection.
func (e *Engine) PeekNextID() types.ObjID {
	return types.ObjID(e.nextID.Load() + 1)
}

func (e *Engine) setHighWater(id types.ObjID) {
	for {
		cur := e.nextID.Load()
		if int64(id) <= cur {
			return
		}
		if e.nextID.CompareAndSwap(cur, int64(id)) {
			return
		}
	}
}

func (e *Engine) registerWaif(classID types.ObjID, waif *types.WaifValue) {
	e.waifMu.Lock()
	defer e.waifMu.Unlock()
	if e.waifRegistry[classID] == nil {
		e.waifRegistry[classID] = make(map[*types.WaifValue]struct{})
	}
	e.waifRegistry[classID][waif] = struct{}{}
}

func (e *Engine) waifCount() int {
	e.waifMu.Lock()
	defer e.waifMu.Unlock()
	n := 0
	for _, w := range e.waifRegistry {
		n += len(w)
	}
	return n
}

func (e *Engine) waifCountByClass() map[types.ObjID]int {
	e.waifMu.Lock()
	defer e.waifMu.Unlock()
	out := make(map[types.ObjID]int, len(e.waifRegistry))
	for k, v := range e.waifRegistry {
		out[k] = len(v)
	}
	return out
}

// noteVerbCacheClear/Miss/consumeVerbCacheStats back the verb_cache_stats()
// builtin, kept from the teacher's counters, moved onto the engine since
// they describe process-wide cache behavior, not per-transaction state.
func (e *Engine) noteVerbCacheClear() {
	e.verbCacheClears.Add(1)
	e.verbCacheMisses.Store(0)
}

func (e *Engine) noteVerbCacheMiss() {
	e.verbCacheMisses.Add(1)
}

func (e *Engine) consumeVerbCacheStats() []int64 {
	stats := make([]int64, 17)
	if e.verbCacheClears.Load() > 0 {
		stats[0] = 1
	}
	stats[1] = e.verbCacheMisses.Load()
	e.verbCacheClears.Store(0)
	e.verbCacheMisses.Store(0)
	return stats
}

// replay reconstructs the latest committed version from the WAL by
// replaying commit records in sequence order. A commit record only exists
// once every field of it has been written, so a crash mid-commit simply
// never produces a trailing record for the validator to find — there is
// nothing here to "roll back".
func (e *Engine) replay() error {
	v := emptyVersion()
	err := e.wal.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(walBucket)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for key, val := c.First(); key != nil; key, val = c.Next() {
			rec, err := decodeCommitRecord(val)
			if err != nil {
				log.Warn().Err(err).Msg("dropping truncated WAL record at tail")
				break
			}
			v = applyRecord(v, rec)
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.cur.Store(v)
	e.setHighWater(v.highWaterID)
	return nil
}

func applyRecord(v *version, rec *commitRecord) *version {
	next := &version{
		seq:         rec.seq,
		objects:     make(map[types.ObjID]*Object, len(v.objects)+len(rec.objects)),
		maxObjID:    v.maxObjID,
		highWaterID: v.highWaterID,
		recycledID:  v.recycledID,
	}
	for id, obj := range v.objects {
		next.objects[id] = obj
	}
	for id, obj := range rec.objects {
		next.objects[id] = obj
		if id > next.highWaterID {
			next.highWaterID = id
		}
		if obj != nil && !obj.Anonymous && id > next.maxObjID {
			next.maxObjID = id
		}
	}
	return next
}
