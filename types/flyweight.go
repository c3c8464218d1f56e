package types

import "strings"

// FlyweightValue is an immutable record with a parent object reference, named
// slots, and an ordered contents list (§3's `flyweight` variant). Unlike
// WaifValue (a mutable, prototype-dispatching lightweight object), a
// flyweight has no identity and no inheritance-driven property fallthrough —
// it is a plain structural value, compared and copied like a list or map.
type FlyweightValue struct {
	parent   ObjID
	slots    map[string]Value
	contents []Value
}

// NewFlyweight creates a flyweight from a parent object, slot bindings, and
// an ordered contents list.
func NewFlyweight(parent ObjID, slots map[string]Value, contents []Value) FlyweightValue {
	s := make(map[string]Value, len(slots))
	for k, v := range slots {
		s[k] = v
	}
	c := make([]Value, len(contents))
	copy(c, contents)
	return FlyweightValue{parent: parent, slots: s, contents: c}
}

func (f FlyweightValue) Parent() ObjID {
	return f.parent
}

func (f FlyweightValue) Contents() []Value {
	return f.contents
}

// Slot returns a named slot's value.
func (f FlyweightValue) Slot(name string) (Value, bool) {
	v, ok := f.slots[name]
	return v, ok
}

// WithSlot returns a new flyweight with the given slot set (COW; flyweights
// are immutable once constructed).
func (f FlyweightValue) WithSlot(name string, value Value) FlyweightValue {
	newSlots := make(map[string]Value, len(f.slots)+1)
	for k, v := range f.slots {
		newSlots[k] = v
	}
	newSlots[name] = value
	return FlyweightValue{parent: f.parent, slots: newSlots, contents: f.contents}
}

func (f FlyweightValue) Type() TypeCode {
	return TYPE_FLYWEIGHT
}

func (f FlyweightValue) String() string {
	var b strings.Builder
	b.WriteString("<")
	b.WriteString(NewObj(f.parent).String())
	for k, v := range f.slots {
		b.WriteString(", ")
		b.WriteString(k)
		b.WriteString(" -> ")
		b.WriteString(v.String())
	}
	if len(f.contents) > 0 {
		b.WriteString(", [")
		for i, v := range f.contents {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(v.String())
		}
		b.WriteString("]")
	}
	b.WriteString(">")
	return b.String()
}

func (f FlyweightValue) Equal(other Value) bool {
	o, ok := other.(FlyweightValue)
	if !ok {
		return false
	}
	if f.parent != o.parent || len(f.slots) != len(o.slots) || len(f.contents) != len(o.contents) {
		return false
	}
	if !equalMaps(f.slots, o.slots) {
		return false
	}
	for i := range f.contents {
		if !f.contents[i].Equal(o.contents[i]) {
			return false
		}
	}
	return true
}

func (f FlyweightValue) Truthy() bool {
	return true
}
