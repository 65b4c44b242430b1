// Package ctf serializes mapped trace events as a Common Trace Format
// trace: a textual metadata schema plus per-CPU packetized binary streams,
// shaped so LTTng-kernel-aware viewers recognize the scheduling events.
package ctf

import "fmt"

// FieldType is the declared wire type of one event payload field.
type FieldType uint8

const (
	FieldI64 FieldType = iota // 64-bit signed little-endian integer
	FieldU64                  // 64-bit unsigned little-endian integer
	FieldString               // NUL-terminated UTF-8
)

// FieldSpec declares one payload field: the metadata declaration and the
// stream encoding are both derived from it, so the two cannot drift.
type FieldSpec struct {
	Name string
	Type FieldType
}

// Class is one declared event type. ID is its index in the metadata event
// declarations and the value written in every event header.
type Class struct {
	ID     uint16
	Name   string
	Fields []FieldSpec
}

// Names of the fixed output vocabulary.
const (
	ClassUnknown         = "UNKNOWN"
	ClassUserEvent       = "USER_EVENT"
	ClassSchedSwitch     = "sched_switch"
	ClassIrqHandlerEntry = "irq_handler_entry"
	ClassIrqHandlerExit  = "irq_handler_exit"
	ClassSchedWakeup     = "sched_wakeup"
	ClassTraceStart      = "TRACE_START"
)

// Schema is the registry of event classes that can appear in the trace.
// The fixed vocabulary is registered upfront; generic pass-through classes
// are added as their source event types are first seen. The metadata text is
// generated from the final registry once conversion ends.
type Schema struct {
	classes []*Class
	byName  map[string]*Class
}

// NewSchema creates a schema with the fixed event vocabulary registered.
func NewSchema() *Schema {
	s := &Schema{byName: make(map[string]*Class)}

	s.Register(ClassUnknown, []FieldSpec{
		{Name: "event_type", Type: FieldString},
		{Name: "raw_type", Type: FieldU64},
	})
	s.Register(ClassUserEvent, []FieldSpec{
		{Name: "channel", Type: FieldString},
		{Name: "format_string", Type: FieldString},
		{Name: "formatted_string", Type: FieldString},
	})
	s.Register(ClassSchedSwitch, []FieldSpec{
		{Name: "src_event_type", Type: FieldString},
		{Name: "prev_comm", Type: FieldString},
		{Name: "prev_tid", Type: FieldI64},
		{Name: "prev_prio", Type: FieldI64},
		{Name: "prev_state", Type: FieldI64},
		{Name: "next_comm", Type: FieldString},
		{Name: "next_tid", Type: FieldI64},
		{Name: "next_prio", Type: FieldI64},
	})
	s.Register(ClassIrqHandlerEntry, []FieldSpec{
		{Name: "src_event_type", Type: FieldString},
		{Name: "irq", Type: FieldI64},
		{Name: "name", Type: FieldString},
		{Name: "prio", Type: FieldI64},
	})
	s.Register(ClassIrqHandlerExit, []FieldSpec{
		{Name: "src_event_type", Type: FieldString},
		{Name: "irq", Type: FieldI64},
		{Name: "name", Type: FieldString},
		{Name: "ret", Type: FieldI64},
	})
	s.Register(ClassSchedWakeup, []FieldSpec{
		{Name: "src_event_type", Type: FieldString},
		{Name: "comm", Type: FieldString},
		{Name: "tid", Type: FieldI64},
		{Name: "prio", Type: FieldI64},
		{Name: "target_cpu", Type: FieldI64},
	})
	s.Register(ClassTraceStart, []FieldSpec{
		{Name: "task_handle", Type: FieldI64},
		{Name: "task", Type: FieldString},
	})

	return s
}

// Register returns the class named name, declaring it with fields on first
// use. A class name always maps to one field layout; re-registering with a
// different shape is a programming error.
func (s *Schema) Register(name string, fields []FieldSpec) *Class {
	if c, ok := s.byName[name]; ok {
		return c
	}
	c := &Class{
		ID:     uint16(len(s.classes)),
		Name:   name,
		Fields: fields,
	}
	s.classes = append(s.classes, c)
	s.byName[name] = c
	return c
}

// Class returns the registered class named name.
func (s *Schema) Class(name string) (*Class, bool) {
	c, ok := s.byName[name]
	return c, ok
}

// MustClass returns a fixed-vocabulary class and panics if it was never
// registered, which cannot happen for schemas built with NewSchema.
func (s *Schema) MustClass(name string) *Class {
	c, ok := s.byName[name]
	if !ok {
		panic(fmt.Sprintf("ctf: class %q not registered", name))
	}
	return c
}

// Classes returns the declared classes in ID order.
func (s *Schema) Classes() []*Class {
	return s.classes
}
