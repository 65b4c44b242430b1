// Package mapper classifies decoded trace-recorder events into the fixed CTF
// output vocabulary, tracking per-CPU scheduling and ISR-nesting state.
package mapper

import (
	"github.com/rs/zerolog"

	"github.com/jonlamb-gh/trace-recorder-to-ctf/internal/ctf"
	"github.com/jonlamb-gh/trace-recorder-to-ctf/internal/objecttable"
	"github.com/jonlamb-gh/trace-recorder-to-ctf/internal/recorder"
)

// startupTaskName is the placeholder context before the first switch-in.
const startupTaskName = "(startup)"

// taskStateRunning is the sched_switch prev_state value for a task that was
// still runnable when switched out.
const taskStateRunning int64 = 0

// maxLoggedStructural caps per-event warning output; the totals still count
// every occurrence.
const maxLoggedStructural = 10

// Context identifies the task or ISR occupying a CPU.
type Context struct {
	Handle   uint32
	Name     string
	Priority uint32
}

// cpuState is the mapper state for one CPU. The interrupted stack holds the
// contexts preempted by ISRs; its length is the ISR nesting depth and is the
// single signal disambiguating "switch in" from "return from interrupt".
type cpuState struct {
	active      Context
	interrupted []Context
}

// Stats counts mapper activity for the end-of-run summary.
type Stats struct {
	InputEvents      uint64
	OutputEvents     uint64
	StructuralErrors uint64
	DroppedEvents    uint64
	UnknownEvents    uint64
}

// Mapper consumes decoded events one at a time, in capture order, and emits
// mapped CTF events into a sink. It is single-pass and not safe for
// concurrent use.
type Mapper struct {
	table  *objecttable.Table
	schema *ctf.Schema
	sink   ctf.Sink
	log    zerolog.Logger
	cpus   map[uint16]*cpuState
	stats  Stats
}

// New creates a mapper emitting into sink using the given schema and object
// table.
func New(table *objecttable.Table, schema *ctf.Schema, sink ctf.Sink, log zerolog.Logger) *Mapper {
	return &Mapper{
		table:  table,
		schema: schema,
		sink:   sink,
		log:    log,
		cpus:   make(map[uint16]*cpuState),
	}
}

// Stats returns a snapshot of the mapper counters.
func (m *Mapper) Stats() Stats { return m.stats }

// Depth returns the current ISR nesting depth for cpu.
func (m *Mapper) Depth(cpu uint16) int {
	if st, ok := m.cpus[cpu]; ok {
		return len(st.interrupted)
	}
	return 0
}

func (m *Mapper) cpu(id uint16) *cpuState {
	st, ok := m.cpus[id]
	if !ok {
		st = &cpuState{active: Context{Name: startupTaskName}}
		m.cpus[id] = st
	}
	return st
}

// Process maps one input event. timestamp is the wrap-extended tick
// timestamp and count the tracked 64-bit event count. Structural data errors
// are counted and the event dropped; only sink failures propagate.
func (m *Mapper) Process(ev *recorder.Event, timestamp uint64, count uint64) error {
	m.stats.InputEvents++
	st := m.cpu(ev.CPU)

	switch ev.Type {
	case recorder.TypeTraceStart:
		if ev.Start == nil {
			m.structural(ev, "trace start without payload")
			return nil
		}
		if err := m.table.Register(ev.Start.Handle, objecttable.KindTask, ev.Start.TaskName); err != nil {
			// The start event itself is still emitted; only the stale
			// registration is discarded.
			m.stats.StructuralErrors++
			m.log.Warn().Str("event_type", ev.Type.String()).Msg(err.Error())
		}
		st.active = Context{Handle: ev.Start.Handle, Name: m.table.Resolve(ev.Start.Handle)}
		return m.emit(ev, timestamp, count, m.schema.MustClass(ctf.ClassTraceStart), []ctf.FieldValue{
			ctf.I64(int64(ev.Start.Handle)),
			ctf.Str(st.active.Name),
		})

	case recorder.TypeTaskReady:
		if ev.Task == nil {
			m.structural(ev, "task event without payload")
			return nil
		}
		target := int64(ev.CPU)
		if ev.TargetCPU != nil {
			target = int64(*ev.TargetCPU)
		}
		return m.emit(ev, timestamp, count, m.schema.MustClass(ctf.ClassSchedWakeup), []ctf.FieldValue{
			ctf.Str(ev.Type.String()),
			ctf.Str(m.table.Resolve(ev.Task.Handle)),
			ctf.I64(int64(ev.Task.Handle)),
			ctf.I64(int64(ev.Task.Priority)),
			ctf.I64(target),
		})

	case recorder.TypeTaskActivate, recorder.TypeTaskResume:
		if ev.Task == nil {
			m.structural(ev, "task event without payload")
			return nil
		}
		// Nesting depth is the single disambiguation signal here: nonzero
		// depth means this marks the return from an interrupt, not a
		// scheduler switch-in.
		if len(st.interrupted) > 0 {
			return m.emitIrqExit(ev, timestamp, count, st)
		}
		next := Context{
			Handle:   ev.Task.Handle,
			Name:     m.table.Resolve(ev.Task.Handle),
			Priority: ev.Task.Priority,
		}
		prev := st.active
		st.active = next
		return m.emit(ev, timestamp, count, m.schema.MustClass(ctf.ClassSchedSwitch), []ctf.FieldValue{
			ctf.Str(ev.Type.String()),
			ctf.Str(prev.Name),
			ctf.I64(int64(prev.Handle)),
			ctf.I64(int64(prev.Priority)),
			ctf.I64(taskStateRunning),
			ctf.Str(next.Name),
			ctf.I64(int64(next.Handle)),
			ctf.I64(int64(next.Priority)),
		})

	case recorder.TypeIsrBegin:
		if ev.Isr == nil {
			m.structural(ev, "isr event without payload")
			return nil
		}
		isr := Context{
			Handle:   ev.Isr.Handle,
			Name:     m.table.Resolve(ev.Isr.Handle),
			Priority: ev.Isr.Priority,
		}
		st.interrupted = append(st.interrupted, st.active)
		st.active = isr
		return m.emit(ev, timestamp, count, m.schema.MustClass(ctf.ClassIrqHandlerEntry), []ctf.FieldValue{
			ctf.Str(ev.Type.String()),
			ctf.I64(int64(isr.Handle)),
			ctf.Str(isr.Name),
			ctf.I64(int64(isr.Priority)),
		})

	case recorder.TypeIsrResume:
		if ev.Isr == nil {
			m.structural(ev, "isr event without payload")
			return nil
		}
		if len(st.interrupted) == 0 {
			// Depth stays clamped at zero.
			m.structural(ev, "isr resume with empty isr stack")
			return nil
		}
		restored := st.interrupted[len(st.interrupted)-1]
		if restored.Handle != ev.Isr.Handle {
			m.log.Warn().
				Str("event_type", ev.Type.String()).
				Uint32("expected_handle", restored.Handle).
				Uint32("event_handle", ev.Isr.Handle).
				Msg("isr resume context mismatch")
		}
		return m.emitIrqExit(ev, timestamp, count, st)

	case recorder.TypeMemoryAlloc, recorder.TypeMemoryFree:
		if ev.Memory == nil {
			m.structural(ev, "memory event without payload")
			return nil
		}
		class := m.schema.Register(ev.Type.String(), []ctf.FieldSpec{
			{Name: "address", Type: ctf.FieldU64},
			{Name: "size", Type: ctf.FieldU64},
		})
		return m.emit(ev, timestamp, count, class, []ctf.FieldValue{
			ctf.U64(uint64(ev.Memory.Address)),
			ctf.U64(uint64(ev.Memory.Size)),
		})

	case recorder.TypeUserEvent:
		if ev.User == nil {
			m.structural(ev, "user event without payload")
			return nil
		}
		return m.emit(ev, timestamp, count, m.schema.MustClass(ctf.ClassUserEvent), []ctf.FieldValue{
			ctf.Str(m.table.Resolve(ev.User.ChannelHandle)),
			ctf.Str(ev.User.Format),
			ctf.Str(recorder.FormatUserEvent(ev.User.Format, ev.User.Args)),
		})

	case recorder.TypeObjectName:
		if ev.Object == nil {
			m.structural(ev, "object event without payload")
			return nil
		}
		m.table.SetName(ev.Object.Handle, ev.Object.Name)
		return m.emitObject(ev, timestamp, count, ev.Object.Handle)

	case recorder.TypeTaskCreate, recorder.TypeDefineIsr, recorder.TypeQueueCreate,
		recorder.TypeSemaphoreBinaryCreate, recorder.TypeMutexCreate,
		recorder.TypeTimerCreate, recorder.TypeMessageBufferCreate:
		if ev.Object == nil {
			m.structural(ev, "object event without payload")
			return nil
		}
		if err := m.table.Register(ev.Object.Handle, objectKind(ev.Type), ev.Object.Name); err != nil {
			m.structural(ev, err.Error())
			return nil
		}
		return m.emitObject(ev, timestamp, count, ev.Object.Handle)

	case recorder.TypeTaskDelete:
		if ev.Object == nil {
			m.structural(ev, "object event without payload")
			return nil
		}
		// Resolve before invalidation so the emitted event still names the
		// object being deleted.
		handle := ev.Object.Handle
		name := m.table.Resolve(handle)
		if !m.table.Invalidate(handle) {
			m.structural(ev, "delete of unregistered handle")
			return nil
		}
		return m.emitObjectNamed(ev, timestamp, count, handle, name)

	case recorder.TypeQueueSend, recorder.TypeQueueReceive, recorder.TypeSemaphoreGive,
		recorder.TypeSemaphoreTake, recorder.TypeMutexGive, recorder.TypeMutexTake,
		recorder.TypeMessageBufferSend, recorder.TypeMessageBufferReceive,
		recorder.TypeTimerStart, recorder.TypeTimerStop:
		if ev.Object == nil {
			m.structural(ev, "object event without payload")
			return nil
		}
		return m.emitObject(ev, timestamp, count, ev.Object.Handle)

	case recorder.TypeTaskPriority:
		if ev.Task == nil {
			m.structural(ev, "task event without payload")
			return nil
		}
		return m.emitObject(ev, timestamp, count, ev.Task.Handle)

	default:
		if ev.Type.Known() {
			// Recognized but payload-free: pass through under its own name.
			class := m.schema.Register(ev.Type.String(), nil)
			return m.emit(ev, timestamp, count, class, nil)
		}
		m.stats.UnknownEvents++
		return m.emit(ev, timestamp, count, m.schema.MustClass(ctf.ClassUnknown), []ctf.FieldValue{
			ctf.Str(ev.Type.String()),
			ctf.U64(uint64(ev.Type)),
		})
	}
}

// emitIrqExit emits irq_handler_exit for the ISR occupying st.active and
// restores the interrupted context.
func (m *Mapper) emitIrqExit(ev *recorder.Event, timestamp, count uint64, st *cpuState) error {
	exiting := st.active
	st.active = st.interrupted[len(st.interrupted)-1]
	st.interrupted = st.interrupted[:len(st.interrupted)-1]

	return m.emit(ev, timestamp, count, m.schema.MustClass(ctf.ClassIrqHandlerExit), []ctf.FieldValue{
		ctf.Str(ev.Type.String()),
		ctf.I64(int64(exiting.Handle)),
		ctf.Str(exiting.Name),
		ctf.I64(1), // was handled
	})
}

// emitObject emits the generic pass-through shape for handle-bearing events.
func (m *Mapper) emitObject(ev *recorder.Event, timestamp, count uint64, handle uint32) error {
	return m.emitObjectNamed(ev, timestamp, count, handle, m.table.Resolve(handle))
}

func (m *Mapper) emitObjectNamed(ev *recorder.Event, timestamp, count uint64, handle uint32, name string) error {
	class := m.schema.Register(ev.Type.String(), []ctf.FieldSpec{
		{Name: "handle", Type: ctf.FieldI64},
		{Name: "name", Type: ctf.FieldString},
	})
	return m.emit(ev, timestamp, count, class, []ctf.FieldValue{
		ctf.I64(int64(handle)),
		ctf.Str(name),
	})
}

func (m *Mapper) emit(ev *recorder.Event, timestamp, count uint64, class *ctf.Class, values []ctf.FieldValue) error {
	out := &ctf.Event{
		Class:      class,
		Timestamp:  timestamp,
		CPU:        ev.CPU,
		SrcID:      ev.ID,
		EventCount: count,
		Timer:      ev.Timer,
		Values:     values,
	}
	if err := m.sink.Emit(out); err != nil {
		return err
	}
	m.stats.OutputEvents++
	return nil
}

func (m *Mapper) structural(ev *recorder.Event, reason string) {
	m.stats.StructuralErrors++
	m.stats.DroppedEvents++

	logEvent := m.log.Debug()
	if m.stats.StructuralErrors <= maxLoggedStructural {
		logEvent = m.log.Warn()
	}
	logEvent.
		Str("event_type", ev.Type.String()).
		Uint16("event_count", ev.Count).
		Uint16("cpu", ev.CPU).
		Str("reason", reason).
		Msg("structural data error, event dropped")
}

func objectKind(t recorder.EventType) objecttable.Kind {
	switch t {
	case recorder.TypeTaskCreate:
		return objecttable.KindTask
	case recorder.TypeDefineIsr:
		return objecttable.KindIsr
	case recorder.TypeQueueCreate:
		return objecttable.KindQueue
	case recorder.TypeSemaphoreBinaryCreate:
		return objecttable.KindSemaphore
	case recorder.TypeMutexCreate:
		return objecttable.KindMutex
	case recorder.TypeTimerCreate:
		return objecttable.KindTimer
	case recorder.TypeMessageBufferCreate:
		return objecttable.KindMessageBuffer
	default:
		return objecttable.KindUnknown
	}
}
