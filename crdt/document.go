// Package crdt holds the per-key last-writer-wins register document shared
// by the client integrator and the server. Both sides apply operations
// through the same acceptance rule, which is what lets replicas converge
// regardless of delivery order.
package crdt

import (
	"sort"

	"collabcanvas/protocol"
)

// key addresses one register: a property of an element, or the element's
// existence when Prop is empty.
type key struct {
	ElementID string
	Prop      string
}

// register holds the currently-winning value and the clock that won it.
// It is overwritten whole or not at all.
type register struct {
	value any
	clock protocol.ClockValue
}

// Document is a set of LWW registers keyed by (element, property).
// Element existence is itself a register at the empty property key, so
// add_element/remove_element race under exactly the same rule as property
// writes. Document is not safe for concurrent use; callers serialize.
type Document struct {
	registers map[key]register
}

// NewDocument returns an empty document.
func NewDocument() *Document {
	return &Document{registers: make(map[key]register)}
}

// Apply merges one operation into the document and reports whether it was
// accepted. An operation is accepted iff its clock is strictly greater
// than the stored clock under protocol.ClockValue.Compare, which makes
// Apply commutative, associative and idempotent. A rejected operation is
// not an error: the register simply already holds a causally-later value.
func (d *Document) Apply(op protocol.Operation) bool {
	// A zero clock only arrives in a malformed frame; it must never win a
	// register on an empty slot.
	if op.Clock.IsZero() {
		return false
	}
	switch op.Type {
	case protocol.OpSet:
		return d.applyRegister(key{op.ElementID, op.Prop}, op.Value, op.Clock)
	case protocol.OpDelete:
		return d.applyRegister(key{op.ElementID, op.Prop}, nil, op.Clock)
	case protocol.OpAddElement:
		accepted := d.applyRegister(key{ElementID: op.ElementID}, true, op.Clock)
		// Seed the initial properties through the same per-key rule,
		// unconditionally: a concurrent set with a later clock still wins,
		// and register state stays identical across delivery orders even
		// when the existence register lost its own race.
		for prop, v := range op.InitialProps() {
			d.applyRegister(key{op.ElementID, prop}, v, op.Clock)
		}
		return accepted
	case protocol.OpRemoveElement:
		return d.applyRegister(key{ElementID: op.ElementID}, false, op.Clock)
	default:
		return false
	}
}

func (d *Document) applyRegister(k key, value any, clock protocol.ClockValue) bool {
	if cur, ok := d.registers[k]; ok && !clock.After(cur.clock) {
		return false
	}
	d.registers[k] = register{value: value, clock: clock}
	return true
}

// Get returns the winning value of one property register.
func (d *Document) Get(elementID, prop string) (any, bool) {
	reg, ok := d.registers[key{elementID, prop}]
	if !ok || reg.value == nil {
		return nil, false
	}
	return reg.value, true
}

// GetClock returns the clock of one property register.
func (d *Document) GetClock(elementID, prop string) (protocol.ClockValue, bool) {
	reg, ok := d.registers[key{elementID, prop}]
	return reg.clock, ok
}

// Has reports whether an element is present: its existence register is
// alive, or it has property registers and was never explicitly added or
// removed (a set creates the element it touches).
func (d *Document) Has(elementID string) bool {
	if reg, ok := d.registers[key{ElementID: elementID}]; ok {
		alive, _ := reg.value.(bool)
		return alive
	}
	for k, reg := range d.registers {
		if k.ElementID == elementID && k.Prop != "" && reg.value != nil {
			return true
		}
	}
	return false
}

// Elements materializes the document: present elements and their non-null
// properties. Removed elements keep their registers as history but are
// omitted here. Runs in one pass over the registers; the agent calls this
// on every remote batch.
func (d *Document) Elements() map[string]map[string]any {
	// Settle aliveness first. An existence register is authoritative;
	// without one, any live property register implies the element (a set
	// creates the element it touches).
	alive := make(map[string]bool)
	for k, reg := range d.registers {
		if k.Prop == "" {
			alive[k.ElementID], _ = reg.value.(bool)
		}
	}
	for k, reg := range d.registers {
		if k.Prop == "" || reg.value == nil {
			continue
		}
		if _, explicit := alive[k.ElementID]; !explicit {
			alive[k.ElementID] = true
		}
	}

	out := make(map[string]map[string]any)
	for id, ok := range alive {
		if ok {
			// Elements added with no properties still exist.
			out[id] = make(map[string]any)
		}
	}
	for k, reg := range d.registers {
		if k.Prop == "" || reg.value == nil || !alive[k.ElementID] {
			continue
		}
		out[k.ElementID][k.Prop] = reg.value
	}
	return out
}

// SnapshotOps dumps every register as an operation batch. Feeding the
// result to Apply on an empty document reproduces the register state,
// which is how snapshots ride the same path as live traffic. The batch is
// sorted by clock so replay order is deterministic.
func (d *Document) SnapshotOps() []protocol.Operation {
	ops := make([]protocol.Operation, 0, len(d.registers))
	for k, reg := range d.registers {
		op := protocol.Operation{
			ElementID: k.ElementID,
			Prop:      k.Prop,
			Clock:     reg.clock,
			Origin:    reg.clock.NodeID,
		}
		switch {
		case k.Prop == "":
			if alive, _ := reg.value.(bool); alive {
				op.Type = protocol.OpAddElement
			} else {
				op.Type = protocol.OpRemoveElement
			}
		case reg.value == nil:
			op.Type = protocol.OpDelete
		default:
			op.Type = protocol.OpSet
			op.Value = reg.value
		}
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool {
		return ops[i].Clock.Compare(ops[j].Clock) < 0
	})
	return ops
}

// Len returns the number of registers, including tombstones.
func (d *Document) Len() int {
	return len(d.registers)
}
