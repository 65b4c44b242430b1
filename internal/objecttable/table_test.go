package objecttable

import (
	"errors"
	"testing"
)

func TestTable_RegisterAndResolve(t *testing.T) {
	tbl := New()

	if err := tbl.Register(0x10, KindTask, "CLI"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if got := tbl.Resolve(0x10); got != "CLI" {
		t.Errorf("Resolve(0x10) = %q, want CLI", got)
	}

	entry, ok := tbl.Lookup(0x10)
	if !ok {
		t.Fatal("Lookup() returned no entry")
	}
	if entry.Kind != KindTask {
		t.Errorf("entry.Kind = %v, want task", entry.Kind)
	}
	if entry.Generation != 0 {
		t.Errorf("entry.Generation = %d, want 0", entry.Generation)
	}
}

func TestTable_ResolveUnknownHandle(t *testing.T) {
	tbl := New()

	if got := tbl.Resolve(0xBEEF); got != "0xBEEF" {
		t.Errorf("Resolve(0xBEEF) = %q, want 0xBEEF placeholder", got)
	}
}

func TestTable_SetNameAffectsFutureLookups(t *testing.T) {
	tbl := New()

	if err := tbl.Register(0x20, KindQueue, ""); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if got := tbl.Resolve(0x20); got != "0x20" {
		t.Errorf("Resolve before naming = %q, want placeholder", got)
	}

	tbl.SetName(0x20, "tx-queue")
	if got := tbl.Resolve(0x20); got != "tx-queue" {
		t.Errorf("Resolve after naming = %q, want tx-queue", got)
	}
}

func TestTable_SetNameWithoutRegistration(t *testing.T) {
	tbl := New()

	tbl.SetName(0x30, "orphan")

	entry, ok := tbl.Lookup(0x30)
	if !ok {
		t.Fatal("Lookup() returned no entry")
	}
	if entry.Kind != KindUnknown {
		t.Errorf("entry.Kind = %v, want unknown", entry.Kind)
	}
	if entry.Name != "orphan" {
		t.Errorf("entry.Name = %q, want orphan", entry.Name)
	}
}

// Creating object A at a handle, deleting it, then creating object B at the
// same handle must resolve to B afterwards, never A.
func TestTable_HandleReuse(t *testing.T) {
	tbl := New()

	if err := tbl.Register(0x40, KindTask, "A"); err != nil {
		t.Fatalf("Register(A) error = %v", err)
	}
	if !tbl.Invalidate(0x40) {
		t.Fatal("Invalidate() = false, want true")
	}
	if err := tbl.Register(0x40, KindTask, "B"); err != nil {
		t.Fatalf("Register(B) error = %v", err)
	}

	if got := tbl.Resolve(0x40); got != "B" {
		t.Errorf("Resolve after reuse = %q, want B", got)
	}
	entry, _ := tbl.Lookup(0x40)
	if entry.Generation != 1 {
		t.Errorf("entry.Generation = %d, want 1", entry.Generation)
	}
}

func TestTable_InvalidateUnknownHandle(t *testing.T) {
	tbl := New()

	if tbl.Invalidate(0x99) {
		t.Error("Invalidate(unknown) = true, want false")
	}
}

// A second create at a live handle is a reuse conflict even when the kinds
// match: something was lost if no deletion arrived in between.
func TestTable_SameKindLiveReuseReported(t *testing.T) {
	tbl := New()

	if err := tbl.Register(0x60, KindTask, "first"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	err := tbl.Register(0x60, KindTask, "second")
	var conflict *ErrHandleInUse
	if !errors.As(err, &conflict) {
		t.Fatalf("Register() error = %v, want *ErrHandleInUse", err)
	}
	if conflict.LiveKind != KindTask || conflict.NewKind != KindTask {
		t.Errorf("conflict kinds = %v -> %v, want task -> task", conflict.LiveKind, conflict.NewKind)
	}

	if got := tbl.Resolve(0x60); got != "second" {
		t.Errorf("Resolve after reuse = %q, want second", got)
	}
	entry, _ := tbl.Lookup(0x60)
	if entry.Generation != 1 {
		t.Errorf("entry.Generation = %d, want 1", entry.Generation)
	}
}

func TestTable_KindConflictReported(t *testing.T) {
	tbl := New()

	if err := tbl.Register(0x50, KindTask, "worker"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	err := tbl.Register(0x50, KindQueue, "rx-queue")
	var conflict *ErrHandleInUse
	if !errors.As(err, &conflict) {
		t.Fatalf("Register() error = %v, want *ErrHandleInUse", err)
	}
	if conflict.LiveKind != KindTask || conflict.NewKind != KindQueue {
		t.Errorf("conflict kinds = %v -> %v, want task -> queue", conflict.LiveKind, conflict.NewKind)
	}

	// The new identity still takes effect.
	if got := tbl.Resolve(0x50); got != "rx-queue" {
		t.Errorf("Resolve after conflict = %q, want rx-queue", got)
	}
	entry, _ := tbl.Lookup(0x50)
	if entry.Generation != 1 {
		t.Errorf("entry.Generation = %d, want 1", entry.Generation)
	}
}
