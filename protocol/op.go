package protocol

// OpType identifies what a mutation does to the document.
type OpType string

const (
	// OpSet overwrites one property of one element.
	OpSet OpType = "set"
	// OpDelete clears a property. It participates in the same conflict
	// rule as OpSet; the value is simply null.
	OpDelete OpType = "delete"
	// OpAddElement creates an element. Value carries the initial
	// property map.
	OpAddElement OpType = "add_element"
	// OpRemoveElement removes an element.
	OpRemoveElement OpType = "remove_element"
)

// Operation is a single mutation of the shared document. All four kinds
// share this record so they share one conflict-resolution and transport
// path; the type only changes how Value is interpreted. Operations are
// immutable once created and idempotent when reapplied.
type Operation struct {
	Type      OpType     `json:"op_type"`
	ElementID string     `json:"element_id"`
	Prop      string     `json:"prop,omitempty"`
	Value     any        `json:"value,omitempty"`
	Clock     ClockValue `json:"clock"`
	Origin    string     `json:"origin"`
}

// InitialProps returns the initial property map of an add_element
// operation. Over the wire the map arrives as map[string]any; anything
// else yields nil.
func (op Operation) InitialProps() map[string]any {
	props, _ := op.Value.(map[string]any)
	return props
}
