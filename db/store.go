package db

import (
	"fmt"
	"reflect"
	"strings"

	"barn/types"
)

// Store is a single task's World-State Transaction handle: a snapshot of
// the Engine taken at Begin(), plus a copy-on-write overlay of every object
// the transaction has touched. Every existing call site in vm/, builtins/,
// and server/ already treats *Store.Get(id) as "the live mutable object" —
// that convention is preserved unchanged; what changed is what it's backed
// by. Get() now clones from the immutable snapshot into a tx-local overlay
// on first touch, so in-place field mutation by callers is automatically
// isolated from every other concurrent transaction until Commit().
type Store struct {
	engine  *Engine
	base    *version
	overlay map[types.ObjID]*Object
	reads   map[types.ObjID]*Object // id -> base object pointer observed (nil if absent)

	// predicateReads intentionally has no separate bookkeeping: "verb X
	// exists on ancestor chain of O" and "property P resolves for O" reads
	// are already captured because resolving them walks ancestor objects
	// through Get(), which records each ancestor in `reads`. A concurrent
	// add/delete of a verb or property mutates that ancestor Object and
	// therefore changes its published pointer, which the ordinary read-set
	// check below catches — phantom protection falls out of per-object
	// granularity without a separate index structure.
	predicateReads map[string]struct{}

	maxObjID    types.ObjID
	highWaterID types.ObjID
}

// NewStore creates a standalone engine and begins a single transaction
// against it. This is the shape every non-scheduler caller in the repo
// already uses (tests, cmd/ tools, the legacy eval package) — for them a
// store that never contends with another transaction is exactly right, and
// Commit()/Abort() are optional no-ops-until-called conveniences.
func NewStore() *Store {
	return NewEngine().Begin()
}

// Engine exposes the transaction's backing engine, for callers (the
// scheduler) that need to Begin() further transactions against the same
// shared state.
func (s *Store) Engine() *Engine {
	return s.engine
}

func cloneObject(o *Object) *Object {
	c := *o
	c.Parents = append([]types.ObjID(nil), o.Parents...)
	c.Children = append([]types.ObjID(nil), o.Children...)
	c.Contents = append([]types.ObjID(nil), o.Contents...)
	c.PropOrder = append([]string(nil), o.PropOrder...)
	c.AnonymousChildren = append([]types.ObjID(nil), o.AnonymousChildren...)

	c.Properties = make(map[string]*Property, len(o.Properties))
	for k, p := range o.Properties {
		pc := *p
		c.Properties[k] = &pc
	}

	c.Verbs = make(map[string]*Verb, len(o.Verbs))
	c.VerbList = make([]*Verb, 0, len(o.VerbList))
	verbCopies := make(map[*Verb]*Verb, len(o.Verbs))
	for k, v := range o.Verbs {
		vc := *v
		vc.Names = append([]string(nil), v.Names...)
		vc.Code = append([]string(nil), v.Code...)
		c.Verbs[k] = &vc
		verbCopies[v] = &vc
	}
	for _, v := range o.VerbList {
		if vc, ok := verbCopies[v]; ok {
			c.VerbList = append(c.VerbList, vc)
		}
	}

	c.ChparentChildren = make(map[types.ObjID]bool, len(o.ChparentChildren))
	for k, v := range o.ChparentChildren {
		c.ChparentChildren[k] = v
	}

	return &c
}

func (s *Store) recordRead(id types.ObjID, base *Object) {
	if _, seen := s.reads[id]; !seen {
		s.reads[id] = base
	}
}

// lookup returns the tx-local mutable view of id, regardless of recycled
// state, cloning from the base snapshot on first touch.
func (s *Store) lookup(id types.ObjID) *Object {
	if obj, ok := s.overlay[id]; ok {
		return obj
	}
	base := s.base.objects[id]
	s.recordRead(id, base)
	if base == nil {
		return nil
	}
	clone := cloneObject(base)
	s.overlay[id] = clone
	return clone
}

// Get retrieves an object by ID. Returns nil if the object doesn't exist or
// is recycled/invalidated.
func (s *Store) Get(id types.ObjID) *Object {
	obj := s.lookup(id)
	if obj == nil || obj.Recycled || obj.Flags.Has(FlagInvalid) {
		return nil
	}
	return obj
}

// GetUnsafe retrieves an object without checking recycled status.
func (s *Store) GetUnsafe(id types.ObjID) *Object {
	return s.lookup(id)
}

// Add adds a new object to the transaction's overlay.
func (s *Store) Add(obj *Object) error {
	if existing := s.lookup(obj.ID); existing != nil && !existing.Recycled {
		return fmt.Errorf("object #%d already exists", obj.ID)
	}

	s.overlay[obj.ID] = obj

	if obj.ID > s.highWaterID {
		s.highWaterID = obj.ID
	}
	if !obj.Anonymous && obj.ID > s.maxObjID {
		s.maxObjID = obj.ID
	}
	// Keep the engine's id counter in sync with explicitly-assigned ids
	// (bulk import, Recreate, tests) so NextID() never hands out an id
	// that's already taken.
	s.engine.setHighWater(obj.ID)
	return nil
}

// NextID returns a fresh object id from the shared engine counter. Id
// allocation is deliberately non-transactional (SPEC_FULL.md §4): two
// concurrent creations must never conflict merely because both allocated
// ids, so this does not participate in read-set validation.
func (s *Store) NextID() types.ObjID {
	return s.engine.NextID()
}

// MaxObject returns the highest allocated non-anonymous object ID visible
// to this transaction.
func (s *Store) MaxObject() types.ObjID {
	return s.maxObjID
}

// Valid checks if an object exists and is not recycled.
func (s *Store) Valid(id types.ObjID) bool {
	if id < 0 {
		return false
	}
	if id > s.highWaterID {
		return false
	}
	obj := s.lookup(id)
	if obj == nil || obj.Recycled || obj.Flags.Has(FlagInvalid) {
		return false
	}
	return true
}

// IsRecycled checks if an object ID was recycled (vs never existed).
func (s *Store) IsRecycled(id types.ObjID) bool {
	if id < 0 {
		return false
	}
	obj := s.lookup(id)
	return obj != nil && obj.Recycled
}

func (s *Store) invalidateAnonymousChildren(rootID types.ObjID) {
	queue := []types.ObjID{rootID}
	visited := make(map[types.ObjID]bool)

	for len(queue) > 0 {
		currentID := queue[0]
		queue = queue[1:]
		if visited[currentID] {
			continue
		}
		visited[currentID] = true

		current := s.lookup(currentID)
		if current == nil || current.Recycled {
			continue
		}
		for _, childID := range current.AnonymousChildren {
			child := s.lookup(childID)
			if child != nil && child.Anonymous {
				child.Flags = child.Flags.Set(FlagInvalid)
			}
		}
		current.AnonymousChildren = nil
		queue = append(queue, current.Children...)
	}
}

// InvalidateAnonymousChildren marks all anonymous children of an object as
// invalid; called when the parent hierarchy changes.
func (s *Store) InvalidateAnonymousChildren(parentID types.ObjID) {
	s.invalidateAnonymousChildren(parentID)
}

// Recycle marks an object as recycled.
func (s *Store) Recycle(id types.ObjID) error {
	obj := s.lookup(id)
	if obj == nil {
		return fmt.Errorf("object #%d does not exist", id)
	}
	if obj.Recycled {
		return fmt.Errorf("object #%d already recycled", id)
	}

	s.invalidateAnonymousChildren(id)

	obj.Recycled = true
	obj.Flags = obj.Flags.Set(FlagRecycled | FlagInvalid)
	return nil
}

// Recreate recreates a recycled object slot.
func (s *Store) Recreate(id types.ObjID, parent types.ObjID, owner types.ObjID) error {
	obj := s.lookup(id)
	if obj == nil {
		return fmt.Errorf("object #%d does not exist", id)
	}
	if !obj.Recycled {
		return fmt.Errorf("object #%d is not recycled", id)
	}

	newObj := NewObject(id, owner)
	newObj.Parents = []types.ObjID{parent}
	s.overlay[id] = newObj
	return nil
}

func (s *Store) allIDs() map[types.ObjID]struct{} {
	ids := make(map[types.ObjID]struct{}, len(s.base.objects)+len(s.overlay))
	for id := range s.base.objects {
		ids[id] = struct{}{}
	}
	for id := range s.overlay {
		ids[id] = struct{}{}
	}
	return ids
}

// All returns all valid (non-recycled) objects visible to this transaction.
func (s *Store) All() []*Object {
	result := make([]*Object, 0, len(s.base.objects))
	for id := range s.allIDs() {
		if obj := s.lookup(id); obj != nil && !obj.Recycled {
			result = append(result, obj)
		}
	}
	return result
}

// Players returns all objects with the player flag set.
func (s *Store) Players() []types.ObjID {
	result := []types.ObjID{}
	for id := range s.allIDs() {
		if obj := s.lookup(id); obj != nil && !obj.Recycled && obj.Flags.Has(FlagUser) {
			result = append(result, obj.ID)
		}
	}
	return result
}

// GetAnonymousObjects returns all anonymous (non-recycled) objects.
func (s *Store) GetAnonymousObjects() []*Object {
	result := make([]*Object, 0)
	for id := range s.allIDs() {
		if obj := s.lookup(id); obj != nil && !obj.Recycled && obj.Anonymous {
			result = append(result, obj)
		}
	}
	return result
}

// LowestFreeID finds the lowest available object ID.
func (s *Store) LowestFreeID() types.ObjID {
	lowestRecycled := types.ObjID(-1)
	for id := range s.allIDs() {
		if obj := s.lookup(id); obj != nil && obj.Recycled {
			if lowestRecycled == -1 || id < lowestRecycled {
				lowestRecycled = id
			}
		}
	}
	if lowestRecycled != -1 {
		return lowestRecycled
	}

	for id := types.ObjID(0); id <= s.maxObjID; id++ {
		obj := s.lookup(id)
		if obj == nil || obj.Recycled {
			return id
		}
	}
	return s.maxObjID + 1
}

// Renumber moves an object from oldID to newID, updating all references.
// This is an inherently whole-store structural operation; it touches every
// live object, so it naturally widens this transaction's write set to the
// entire graph (any concurrent commit will conflict with a pending
// renumber, which is the conservative and correct behavior for an
// operation that rewrites global identity).
func (s *Store) Renumber(oldID, newID types.ObjID) error {
	obj := s.lookup(oldID)
	if obj == nil || obj.Recycled {
		return fmt.Errorf("object #%d does not exist", oldID)
	}
	if oldID == newID {
		return nil
	}
	if existing := s.lookup(newID); existing != nil && !existing.Recycled {
		return fmt.Errorf("object #%d already exists", newID)
	}

	s.invalidateAnonymousChildren(oldID)

	obj.ID = newID
	delete(s.overlay, oldID)
	// Mark the old slot explicitly recycled in the overlay so the write set
	// records its removal even though callers never look it up again.
	oldSlot := &Object{ID: oldID, Recycled: true, Flags: FlagRecycled | FlagInvalid, Properties: map[string]*Property{}, Verbs: map[string]*Verb{}}
	s.overlay[oldID] = oldSlot
	s.overlay[newID] = obj

	for id := range s.allIDs() {
		if id == oldID || id == newID {
			continue
		}
		other := s.lookup(id)
		if other == nil || other.Recycled {
			continue
		}
		changed := false
		for i, pid := range other.Parents {
			if pid == oldID {
				other.Parents[i] = newID
				changed = true
			}
		}
		for i, cid := range other.Children {
			if cid == oldID {
				other.Children[i] = newID
				changed = true
			}
		}
		if other.ChparentChildren != nil && other.ChparentChildren[oldID] {
			delete(other.ChparentChildren, oldID)
			other.ChparentChildren[newID] = true
			changed = true
		}
		if other.Location == oldID {
			other.Location = newID
			changed = true
		}
		for i, cid := range other.Contents {
			if cid == oldID {
				other.Contents[i] = newID
				changed = true
			}
		}
		if other.Owner == oldID {
			other.Owner = newID
			changed = true
		}
		_ = changed // already captured via lookup()'s clone-on-touch
	}

	return nil
}

// matchVerbName checks if a search name matches a MOO verb name pattern.
// Supports MOO wildcard matching where * marks the minimum abbreviation
// point, e.g. "get_conj*ugation" matches "get_conj".."get_conjugation".
func matchVerbName(verbPattern, searchName string) bool {
	pattern := strings.ToLower(verbPattern)
	search := strings.ToLower(searchName)

	if strings.HasPrefix(pattern, ":") {
		pattern = pattern[1:]
	}

	starPos := strings.Index(pattern, "*")
	if starPos == -1 {
		return pattern == search
	}
	if pattern == "*" {
		return true
	}

	prefix := pattern[:starPos]
	full := pattern[:starPos] + pattern[starPos+1:]

	if !strings.HasPrefix(search, prefix) {
		return false
	}
	return strings.HasPrefix(full, search)
}

// FindVerb looks up a verb on an object, following the inheritance chain
// breadth-first.
func (s *Store) FindVerb(objID types.ObjID, verbName string) (*Verb, types.ObjID, error) {
	visited := make(map[types.ObjID]bool)
	queue := []types.ObjID{objID}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if visited[current] {
			continue
		}
		visited[current] = true

		obj := s.lookup(current)
		if obj == nil || obj.Recycled {
			continue
		}

		if verb, ok := obj.Verbs[verbName]; ok {
			return verb, current, nil
		}
		if verb, ok := obj.Verbs[":"+verbName]; ok {
			return verb, current, nil
		}
		for _, verb := range obj.Verbs {
			for _, alias := range verb.Names {
				if matchVerbName(alias, verbName) {
					return verb, current, nil
				}
			}
		}

		queue = append(queue, obj.Parents...)
	}

	return nil, types.ObjNothing, fmt.Errorf("verb not found: %s", verbName)
}

// RegisterWaif registers a waif with its class object for invalidation
// tracking. Waif liveness bookkeeping is process-wide, not per-transaction.
func (s *Store) RegisterWaif(classID types.ObjID, waif *types.WaifValue) {
	s.engine.registerWaif(classID, waif)
}

func (s *Store) WaifCount() int {
	return s.engine.waifCount()
}

func (s *Store) WaifCountByClass() map[types.ObjID]int {
	return s.engine.waifCountByClass()
}

func (s *Store) NoteVerbCacheClear() {
	s.engine.noteVerbCacheClear()
}

func (s *Store) NoteVerbCacheMiss() {
	s.engine.noteVerbCacheMiss()
}

func (s *Store) ConsumeVerbCacheStats() []int64 {
	return s.engine.consumeVerbCacheStats()
}

// ResetMaxObject recomputes max_object() and allocation high-water marks
// from the objects currently visible to this transaction.
func (s *Store) ResetMaxObject() {
	maxAny := types.ObjID(-1)
	maxNonAnon := types.ObjID(-1)

	for id := range s.allIDs() {
		obj := s.lookup(id)
		if obj == nil || obj.Recycled {
			continue
		}
		if id > maxAny {
			maxAny = id
		}
		if !obj.Anonymous && id > maxNonAnon {
			maxNonAnon = id
		}
	}

	s.highWaterID = maxAny
	s.maxObjID = maxNonAnon
}

// Commit validates this transaction's read set against the engine's
// current committed state and, on success, publishes its write set as a
// new version. Returns ErrConflict if any object this transaction read has
// been committed to a new value by another transaction since Begin().
func (s *Store) Commit() error {
	s.engine.commitMu.Lock()
	defer s.engine.commitMu.Unlock()

	live := s.engine.cur.Load()
	if live != s.base {
		for id, basePtr := range s.reads {
			if live.objects[id] != basePtr {
				return ErrConflict
			}
		}
	}

	writes := make(map[types.ObjID]*Object)
	for id, obj := range s.overlay {
		basePtr, wasRead := s.reads[id]
		if !wasRead || basePtr == nil || !reflect.DeepEqual(*obj, *basePtr) {
			writes[id] = obj
		}
	}

	if len(writes) == 0 {
		return nil
	}

	if err := s.engine.appendWAL(live.seq+1, writes); err != nil {
		return ErrStorageFull
	}

	next := &version{
		seq:         live.seq + 1,
		objects:     make(map[types.ObjID]*Object, len(live.objects)+len(writes)),
		maxObjID:    live.maxObjID,
		highWaterID: live.highWaterID,
		recycledID:  live.recycledID,
	}
	for id, obj := range live.objects {
		next.objects[id] = obj
	}
	for id, obj := range writes {
		next.objects[id] = obj
		if id > next.highWaterID {
			next.highWaterID = id
		}
		if obj != nil && !obj.Anonymous && !obj.Recycled && id > next.maxObjID {
			next.maxObjID = id
		}
	}

	s.engine.cur.Store(next)
	s.base = next
	s.overlay = make(map[types.ObjID]*Object)
	s.reads = make(map[types.ObjID]*Object)
	return nil
}

// Abort drops this transaction's staged writes without publishing them.
func (s *Store) Abort() {
	s.overlay = make(map[types.ObjID]*Object)
	s.reads = make(map[types.ObjID]*Object)
}
