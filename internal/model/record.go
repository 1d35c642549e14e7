// Package model defines the record envelope and topology types shared
// across the stream, node, and pipeline packages.
package model

// AnchorKey is the reserved envelope field carrying the physical row
// index. The framework owns this key; operators must never set it.
const AnchorKey = "_i"

// ChildIndexWidth is the number of decimal digits reserved for a
// child ordinal when an operator explodes one input record into many.
// A parent at index p producing children j in [0, 10^ChildIndexWidth)
// yields child indices p*10^ChildIndexWidth + j.
const ChildIndexWidth = 4

// childIndexBase is 10^ChildIndexWidth.
const childIndexBase = 10000

// Record is the business payload flowing between nodes. Field is a
// plain map so operators can work with arbitrary schemas; the runtime
// strips and reattaches the anchor field around every operator call.
type Record map[string]interface{}

// Envelope is a boxed Record: the wire form that actually gets
// written to a stream, with the anchor field present.
type Envelope map[string]interface{}

// Anchor returns the physical index carried on an Envelope, and
// whether it was present and well-typed.
func Anchor(e Envelope) (int64, bool) {
	raw, ok := e[AnchorKey]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

// Unbox strips the anchor field, returning the pure business record
// an operator is allowed to see.
func Unbox(e Envelope) Record {
	r := make(Record, len(e)-1)
	for k, v := range e {
		if k == AnchorKey {
			continue
		}
		r[k] = v
	}
	return r
}

// Box attaches the anchor field to a business record, producing the
// wire-ready envelope.
func Box(r Record, index int64) Envelope {
	e := make(Envelope, len(r)+1)
	for k, v := range r {
		e[k] = v
	}
	e[AnchorKey] = index
	return e
}

// ChildIndex derives the physical index of the j-th child produced by
// a 1:N operator from a parent at physical index p. j must be in
// [0, childIndexBase) or indices across parents can collide.
func ChildIndex(parent int64, child int) int64 {
	return parent*childIndexBase + int64(child)
}
