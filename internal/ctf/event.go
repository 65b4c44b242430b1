package ctf

// FieldValue carries one payload field value. The slot read during encoding
// is chosen by the corresponding FieldSpec's type.
type FieldValue struct {
	I int64
	U uint64
	S string
}

// I64 makes a signed integer field value.
func I64(v int64) FieldValue { return FieldValue{I: v} }

// U64 makes an unsigned integer field value.
func U64(v uint64) FieldValue { return FieldValue{U: v} }

// Str makes a string field value.
func Str(s string) FieldValue { return FieldValue{S: s} }

// Event is one mapped logical output event, ready to encode. Values is
// parallel to Class.Fields.
//
// Every event also carries the originating trace-recorder context: the raw
// event code (SrcID), the tracked 64-bit event count, and the raw timer
// snapshot. These are written as the per-event stream context so no source
// fidelity is lost in the mapping.
type Event struct {
	Class      *Class
	Timestamp  uint64 // wrap-extended timer ticks
	CPU        uint16
	SrcID      uint16
	EventCount uint64
	Timer      uint32
	Values     []FieldValue
}

// Sink consumes mapped events. Implemented by Writer; the mapper emits into
// it without knowing about packets or files.
type Sink interface {
	Emit(ev *Event) error
}
