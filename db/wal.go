package db

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"hash/crc32"

	"barn/types"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

func init() {
	gob.Register(types.IntValue{})
	gob.Register(types.FloatValue{})
	gob.Register(types.StrValue{})
	gob.Register(types.ObjValue{})
	gob.Register(types.ListValue{})
	gob.Register(types.MapValue{})
	gob.Register(types.ErrValue{})
	gob.Register(types.BoolValue{})
	gob.Register(types.SymValue{})
}

// walRecord is the wire shape appended to the log: a commit's sequence
// number plus the objects it touched. Verb program bodies are not carried
// here: persistence encoding of compiled programs is an out-of-core concern
// (spec.md §1/§6) left to the compiler collaborator, which recompiles
// source text on reload. What the WAL guarantees is recovery of the
// object/property/verb-metadata graph itself.
type walRecord struct {
	Seq     uint64
	Objects map[types.ObjID]*walObject
}

// commitRecord is walRecord rehydrated into live *Object values, ready for
// applyRecord to fold into a version.
type commitRecord struct {
	seq     uint64
	objects map[types.ObjID]*Object
}

// walObject mirrors Object without the two runtime-only fields (compiled
// Program AST and BytecodeCache) that the out-of-core compiler owns.
type walObject struct {
	ID                types.ObjID
	Name              string
	Owner             types.ObjID
	Parents           []types.ObjID
	Children          []types.ObjID
	Location          types.ObjID
	Contents          []types.ObjID
	Flags             ObjectFlags
	Properties        map[string]*Property
	PropDefsCount     int
	PropOrder         []string
	Verbs             map[string]*walVerb
	Recycled          bool
	Anonymous         bool
	ChparentChildren  map[types.ObjID]bool
	AnonymousChildren []types.ObjID
}

type walVerb struct {
	Name    string
	Names   []string
	Owner   types.ObjID
	Perms   VerbPerms
	ArgSpec VerbArgs
	Code    []string
}

func toWALObject(o *Object) *walObject {
	if o == nil {
		return nil
	}
	verbs := make(map[string]*walVerb, len(o.Verbs))
	for k, v := range o.Verbs {
		verbs[k] = &walVerb{Name: v.Name, Names: v.Names, Owner: v.Owner, Perms: v.Perms, ArgSpec: v.ArgSpec, Code: v.Code}
	}
	return &walObject{
		ID: o.ID, Name: o.Name, Owner: o.Owner, Parents: o.Parents, Children: o.Children,
		Location: o.Location, Contents: o.Contents, Flags: o.Flags, Properties: o.Properties,
		PropDefsCount: o.PropDefsCount, PropOrder: o.PropOrder, Verbs: verbs,
		Recycled: o.Recycled, Anonymous: o.Anonymous, ChparentChildren: o.ChparentChildren,
		AnonymousChildren: o.AnonymousChildren,
	}
}

// fromWALObject rebuilds an Object after a crash. Verb code is carried as
// source text (Code); the compiler collaborator recompiles it lazily on
// first call, same as a freshly imported database.
func fromWALObject(w *walObject) *Object {
	if w == nil {
		return nil
	}
	verbs := make(map[string]*Verb, len(w.Verbs))
	verbList := make([]*Verb, 0, len(w.Verbs))
	for k, v := range w.Verbs {
		nv := &Verb{Name: v.Name, Names: v.Names, Owner: v.Owner, Perms: v.Perms, ArgSpec: v.ArgSpec, Code: v.Code}
		verbs[k] = nv
		verbList = append(verbList, nv)
	}
	return &Object{
		ID: w.ID, Name: w.Name, Owner: w.Owner, Parents: w.Parents, Children: w.Children,
		Location: w.Location, Contents: w.Contents, Flags: w.Flags, Properties: w.Properties,
		PropDefsCount: w.PropDefsCount, PropOrder: w.PropOrder, Verbs: verbs, VerbList: verbList,
		Recycled: w.Recycled, Anonymous: w.Anonymous, ChparentChildren: w.ChparentChildren,
		AnonymousChildren: w.AnonymousChildren,
	}
}

func encodeCommitRecord(seq uint64, objects map[types.ObjID]*Object) ([]byte, error) {
	rec := walRecord{Seq: seq, Objects: make(map[types.ObjID]*walObject, len(objects))}
	for id, o := range objects {
		rec.Objects[id] = toWALObject(o)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return nil, errors.Wrap(err, "encode commit record")
	}

	// Length-prefix + trailing checksum lets replay() detect a truncated
	// tail record left by a crash mid-append and drop it, per spec.md §4.1's
	// "half-written transactions are discarded".
	payload := buf.Bytes()
	out := make([]byte, 4+len(payload)+4)
	binary.BigEndian.PutUint32(out[0:4], uint32(len(payload)))
	copy(out[4:], payload)
	binary.BigEndian.PutUint32(out[4+len(payload):], crc32.ChecksumIEEE(payload))
	return out, nil
}

func decodeCommitRecord(data []byte) (*commitRecord, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("wal record too short")
	}
	n := binary.BigEndian.Uint32(data[0:4])
	if uint32(len(data)) < 4+n+4 {
		return nil, fmt.Errorf("wal record truncated")
	}
	payload := data[4 : 4+n]
	wantSum := binary.BigEndian.Uint32(data[4+n : 4+n+4])
	if crc32.ChecksumIEEE(payload) != wantSum {
		return nil, fmt.Errorf("wal record checksum mismatch")
	}

	var rec walRecord
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&rec); err != nil {
		return nil, errors.Wrap(err, "decode commit record")
	}

	objects := make(map[types.ObjID]*Object, len(rec.Objects))
	for id, w := range rec.Objects {
		objects[id] = fromWALObject(w)
	}
	return &commitRecord{seq: rec.Seq, objects: objects}, nil
}

func (e *Engine) appendWAL(seq uint64, objects map[types.ObjID]*Object) error {
	if e.wal == nil {
		return nil
	}
	data, err := encodeCommitRecord(seq, objects)
	if err != nil {
		return err
	}
	return e.wal.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(walBucket)
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return b.Put(key, data)
	})
}
