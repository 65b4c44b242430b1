// Package objecttable resolves kernel-object handles to names and kinds.
//
// Handles are reusable: the kernel hands the same numeric value to a new
// object once the old one is deleted. Invalidate must be called on deletion
// events so a reused handle starts a fresh identity instead of inheriting the
// dead object's name.
package objecttable

import (
	"fmt"
	"sync"
)

// Kind classifies a kernel object.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindTask
	KindIsr
	KindQueue
	KindSemaphore
	KindMutex
	KindTimer
	KindMessageBuffer
)

var kindNames = [...]string{
	KindUnknown:       "unknown",
	KindTask:          "task",
	KindIsr:           "isr",
	KindQueue:         "queue",
	KindSemaphore:     "semaphore",
	KindMutex:         "mutex",
	KindTimer:         "timer",
	KindMessageBuffer: "message-buffer",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Entry is one live object registration.
type Entry struct {
	Handle     uint32
	Kind       Kind
	Name       string
	Generation uint32 // bumped every time the handle is reused
}

// ErrHandleInUse reports a registration over a still-live handle: the input
// reused the handle without a deletion event in between.
type ErrHandleInUse struct {
	Handle   uint32
	LiveKind Kind
	NewKind  Kind
}

func (e *ErrHandleInUse) Error() string {
	return fmt.Sprintf("handle 0x%X still registered as %s, re-registered as %s",
		e.Handle, e.LiveKind, e.NewKind)
}

// Table maps handles to live object entries.
//
// Reads dominate once the trace is warmed up, and per-CPU encoders may
// resolve concurrently, so the table is guarded by an RWMutex.
type Table struct {
	mu          sync.RWMutex
	entries     map[uint32]*Entry
	generations map[uint32]uint32
}

// New creates an empty table.
func New() *Table {
	return &Table{
		entries:     make(map[uint32]*Entry),
		generations: make(map[uint32]uint32),
	}
}

// Register installs a new identity for handle. If the handle is still live
// the old entry is discarded, the generation is bumped, and an
// *ErrHandleInUse is returned; the new registration still takes effect.
func (t *Table) Register(handle uint32, kind Kind, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var conflict error
	if live, ok := t.entries[handle]; ok {
		conflict = &ErrHandleInUse{Handle: handle, LiveKind: live.Kind, NewKind: kind}
		t.generations[handle]++
	}

	t.entries[handle] = &Entry{
		Handle:     handle,
		Kind:       kind,
		Name:       name,
		Generation: t.generations[handle],
	}
	return conflict
}

// SetName names the object at handle, creating an unknown-kind entry if the
// handle was never registered. Naming affects only future lookups.
func (t *Table) SetName(handle uint32, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if live, ok := t.entries[handle]; ok {
		live.Name = name
		return
	}
	t.entries[handle] = &Entry{
		Handle:     handle,
		Kind:       KindUnknown,
		Name:       name,
		Generation: t.generations[handle],
	}
}

// Invalidate removes the live entry for handle on object deletion. A later
// registration of the same handle gets a new generation. Returns whether a
// live entry existed.
func (t *Table) Invalidate(handle uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[handle]; !ok {
		return false
	}
	delete(t.entries, handle)
	t.generations[handle]++
	return true
}

// Resolve returns the object's name, or the handle rendered as hex when the
// handle is unnamed or unregistered so output stays well-formed.
func (t *Table) Resolve(handle uint32) string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if live, ok := t.entries[handle]; ok && live.Name != "" {
		return live.Name
	}
	return fmt.Sprintf("0x%X", handle)
}

// Lookup returns a copy of the live entry for handle.
func (t *Table) Lookup(handle uint32) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	live, ok := t.entries[handle]
	if !ok {
		return Entry{}, false
	}
	return *live, true
}
