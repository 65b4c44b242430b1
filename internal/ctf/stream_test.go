package ctf

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

type parsedPacket struct {
	streamInstance uint32
	tsBegin        uint64
	tsEnd          uint64
	contentSize    uint64
	packetSize     uint64
	discarded      uint64
	cpuID          uint32
	events         []parsedEvent
}

type parsedEvent struct {
	classID    uint16
	timestamp  uint64
	srcID      uint16
	eventCount uint64
	timer      uint64
	values     []FieldValue
}

// parseStream decodes a stream file back into packets using the schema, the
// same way a CTF reader driven by the generated metadata would.
func parseStream(t *testing.T, raw []byte, traceUUID uuid.UUID, schema *Schema) []parsedPacket {
	t.Helper()

	classByID := make(map[uint16]*Class)
	for _, c := range schema.Classes() {
		classByID[c.ID] = c
	}

	var packets []parsedPacket
	off := 0
	for off < len(raw) {
		start := off
		if len(raw)-off < packetHeaderSize {
			t.Fatalf("truncated packet header at offset %d", off)
		}

		if got := binary.LittleEndian.Uint32(raw[off:]); got != PacketMagic {
			t.Fatalf("packet magic = %#x, want %#x", got, PacketMagic)
		}
		off += 4
		if string(raw[off:off+16]) != string(traceUUID[:]) {
			t.Fatalf("packet uuid mismatch")
		}
		off += 16
		if got := binary.LittleEndian.Uint32(raw[off:]); got != 0 {
			t.Fatalf("stream_id = %d, want 0", got)
		}
		off += 4

		var p parsedPacket
		p.streamInstance = binary.LittleEndian.Uint32(raw[off:])
		off += 4
		p.tsBegin = binary.LittleEndian.Uint64(raw[off:])
		off += 8
		p.tsEnd = binary.LittleEndian.Uint64(raw[off:])
		off += 8
		p.contentSize = binary.LittleEndian.Uint64(raw[off:])
		off += 8
		p.packetSize = binary.LittleEndian.Uint64(raw[off:])
		off += 8
		p.discarded = binary.LittleEndian.Uint64(raw[off:])
		off += 8
		p.cpuID = binary.LittleEndian.Uint32(raw[off:])
		off += 4

		end := start + int(p.packetSize/8)
		if end > len(raw) {
			t.Fatalf("packet_size %d bits overruns file", p.packetSize)
		}
		for off < end {
			var ev parsedEvent
			ev.classID = binary.LittleEndian.Uint16(raw[off:])
			off += 2
			ev.timestamp = binary.LittleEndian.Uint64(raw[off:])
			off += 8
			ev.srcID = binary.LittleEndian.Uint16(raw[off:])
			off += 2
			ev.eventCount = binary.LittleEndian.Uint64(raw[off:])
			off += 8
			ev.timer = binary.LittleEndian.Uint64(raw[off:])
			off += 8

			class, ok := classByID[ev.classID]
			if !ok {
				t.Fatalf("undeclared class id %d", ev.classID)
			}
			if len(class.Fields) == 0 {
				off += 4 // declared _dummy member
			}
			for _, f := range class.Fields {
				switch f.Type {
				case FieldI64:
					ev.values = append(ev.values, I64(int64(binary.LittleEndian.Uint64(raw[off:]))))
					off += 8
				case FieldU64:
					ev.values = append(ev.values, U64(binary.LittleEndian.Uint64(raw[off:])))
					off += 8
				case FieldString:
					i := off
					for raw[i] != 0 {
						i++
					}
					ev.values = append(ev.values, Str(string(raw[off:i])))
					off = i + 1
				}
			}
			p.events = append(p.events, ev)
		}
		if off != end {
			t.Fatalf("packet payload overran declared size: off %d, end %d", off, end)
		}
		packets = append(packets, p)
	}
	return packets
}

func readStream(t *testing.T, dir string, cpu int) []byte {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(dir, fmt.Sprintf("stream_%d", cpu)))
	if err != nil {
		t.Fatalf("reading stream file: %v", err)
	}
	return raw
}

func wakeupEvent(schema *Schema, ts uint64, cpu uint16, count uint64, comm string) *Event {
	return &Event{
		Class:      schema.MustClass(ClassSchedWakeup),
		Timestamp:  ts,
		CPU:        cpu,
		SrcID:      0x2030,
		EventCount: count,
		Timer:      uint32(ts),
		Values: []FieldValue{
			Str("TASK_READY"),
			Str(comm),
			I64(0x10),
			I64(5),
			I64(int64(cpu)),
		},
	}
}

func TestWriter_RoundTripSinglePacket(t *testing.T) {
	dir := t.TempDir()
	traceUUID := uuid.New()
	schema := NewSchema()
	w := NewWriter(dir, traceUUID, WriterOptions{})

	for i := 0; i < 3; i++ {
		if err := w.Emit(wakeupEvent(schema, uint64(100+i*10), 0, uint64(i+1), "CLI")); err != nil {
			t.Fatalf("Emit() error = %v", err)
		}
	}
	if err := w.CloseAll(); err != nil {
		t.Fatalf("CloseAll() error = %v", err)
	}

	raw := readStream(t, dir, 0)
	packets := parseStream(t, raw, traceUUID, schema)
	if len(packets) != 1 {
		t.Fatalf("packets = %d, want 1", len(packets))
	}

	p := packets[0]
	if p.tsBegin != 100 || p.tsEnd != 120 {
		t.Errorf("packet timestamps = [%d, %d], want [100, 120]", p.tsBegin, p.tsEnd)
	}
	if p.packetSize != uint64(len(raw))*8 {
		t.Errorf("packet_size = %d bits, want %d", p.packetSize, len(raw)*8)
	}
	if p.contentSize != p.packetSize {
		t.Errorf("content_size = %d, want %d", p.contentSize, p.packetSize)
	}
	if p.cpuID != 0 || p.streamInstance != 0 {
		t.Errorf("cpu_id/instance = %d/%d, want 0/0", p.cpuID, p.streamInstance)
	}
	if len(p.events) != 3 {
		t.Fatalf("events = %d, want 3", len(p.events))
	}

	ev := p.events[0]
	if ev.classID != schema.MustClass(ClassSchedWakeup).ID {
		t.Errorf("classID = %d, want sched_wakeup", ev.classID)
	}
	if ev.timestamp != 100 || ev.eventCount != 1 || ev.srcID != 0x2030 {
		t.Errorf("event header/context = %+v", ev)
	}
	if ev.values[1].S != "CLI" {
		t.Errorf("comm = %q, want CLI", ev.values[1].S)
	}
	if ev.values[2].I != 0x10 {
		t.Errorf("tid = %d, want 0x10", ev.values[2].I)
	}
}

// The number of packets equals the number of threshold seals plus one for
// the final close, and every header size matches the true byte length.
func TestWriter_PacketEventThreshold(t *testing.T) {
	dir := t.TempDir()
	traceUUID := uuid.New()
	schema := NewSchema()
	w := NewWriter(dir, traceUUID, WriterOptions{MaxPacketEvents: 2})

	for i := 0; i < 5; i++ {
		if err := w.Emit(wakeupEvent(schema, uint64(i), 0, uint64(i+1), "CLI")); err != nil {
			t.Fatalf("Emit() error = %v", err)
		}
	}
	if err := w.CloseAll(); err != nil {
		t.Fatalf("CloseAll() error = %v", err)
	}

	packets := parseStream(t, readStream(t, dir, 0), traceUUID, schema)
	if len(packets) != 3 {
		t.Fatalf("packets = %d, want 3", len(packets))
	}
	for i, want := range []int{2, 2, 1} {
		if len(packets[i].events) != want {
			t.Errorf("packet %d events = %d, want %d", i, len(packets[i].events), want)
		}
	}
}

func TestWriter_PacketByteThreshold(t *testing.T) {
	dir := t.TempDir()
	traceUUID := uuid.New()
	schema := NewSchema()
	// Just enough for the header plus one wakeup record.
	w := NewWriter(dir, traceUUID, WriterOptions{MaxPacketEvents: 1000, MaxPacketBytes: 200})

	for i := 0; i < 4; i++ {
		if err := w.Emit(wakeupEvent(schema, uint64(i), 0, uint64(i+1), "CLI")); err != nil {
			t.Fatalf("Emit() error = %v", err)
		}
	}
	if err := w.CloseAll(); err != nil {
		t.Fatalf("CloseAll() error = %v", err)
	}

	packets := parseStream(t, readStream(t, dir, 0), traceUUID, schema)
	if len(packets) < 2 {
		t.Fatalf("packets = %d, want at least 2 under byte threshold", len(packets))
	}
	total := 0
	for _, p := range packets {
		total += len(p.events)
	}
	if total != 4 {
		t.Errorf("total events = %d, want 4", total)
	}
}

func TestWriter_PerCPUStreams(t *testing.T) {
	dir := t.TempDir()
	traceUUID := uuid.New()
	schema := NewSchema()
	w := NewWriter(dir, traceUUID, WriterOptions{})

	if err := w.Emit(wakeupEvent(schema, 10, 0, 1, "A")); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	if err := w.Emit(wakeupEvent(schema, 20, 1, 2, "B")); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	if err := w.CloseAll(); err != nil {
		t.Fatalf("CloseAll() error = %v", err)
	}

	for cpu := 0; cpu < 2; cpu++ {
		packets := parseStream(t, readStream(t, dir, cpu), traceUUID, schema)
		if len(packets) != 1 {
			t.Fatalf("cpu %d packets = %d, want 1", cpu, len(packets))
		}
		if packets[0].cpuID != uint32(cpu) || packets[0].streamInstance != uint32(cpu) {
			t.Errorf("cpu %d header ids = %d/%d", cpu, packets[0].cpuID, packets[0].streamInstance)
		}
	}
}

func TestWriter_DiscardedEvents(t *testing.T) {
	dir := t.TempDir()
	traceUUID := uuid.New()
	schema := NewSchema()
	w := NewWriter(dir, traceUUID, WriterOptions{})

	if err := w.AddDiscarded(0, 3); err != nil {
		t.Fatalf("AddDiscarded() error = %v", err)
	}
	if err := w.Emit(wakeupEvent(schema, 10, 0, 5, "CLI")); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	if err := w.CloseAll(); err != nil {
		t.Fatalf("CloseAll() error = %v", err)
	}

	packets := parseStream(t, readStream(t, dir, 0), traceUUID, schema)
	if packets[0].discarded != 3 {
		t.Errorf("events_discarded = %d, want 3", packets[0].discarded)
	}
}

func TestWriter_FieldCountMismatch(t *testing.T) {
	dir := t.TempDir()
	schema := NewSchema()
	w := NewWriter(dir, uuid.New(), WriterOptions{})

	err := w.Emit(&Event{
		Class:  schema.MustClass(ClassSchedWakeup),
		Values: []FieldValue{Str("only-one")},
	})
	if err == nil {
		t.Fatal("Emit() with mismatched values succeeded, want error")
	}
	if err := w.CloseAll(); err != nil {
		t.Fatalf("CloseAll() error = %v", err)
	}
}

func TestWriter_NoPayloadClass(t *testing.T) {
	dir := t.TempDir()
	traceUUID := uuid.New()
	schema := NewSchema()
	class := schema.Register("TS_CONFIG", nil)
	w := NewWriter(dir, traceUUID, WriterOptions{})

	if err := w.Emit(&Event{Class: class, Timestamp: 42, EventCount: 1}); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	if err := w.CloseAll(); err != nil {
		t.Fatalf("CloseAll() error = %v", err)
	}

	packets := parseStream(t, readStream(t, dir, 0), traceUUID, schema)
	if len(packets) != 1 || len(packets[0].events) != 1 {
		t.Fatalf("packets/events = %d, want 1 packet with 1 event", len(packets))
	}
	if packets[0].events[0].classID != class.ID {
		t.Errorf("classID = %d, want %d", packets[0].events[0].classID, class.ID)
	}
}

func TestWriter_Stats(t *testing.T) {
	dir := t.TempDir()
	schema := NewSchema()
	w := NewWriter(dir, uuid.New(), WriterOptions{MaxPacketEvents: 2})

	for i := 0; i < 3; i++ {
		if err := w.Emit(wakeupEvent(schema, uint64(i), 0, uint64(i+1), "CLI")); err != nil {
			t.Fatalf("Emit() error = %v", err)
		}
	}
	if err := w.Emit(wakeupEvent(schema, 100, 1, 4, "NET")); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	if err := w.CloseAll(); err != nil {
		t.Fatalf("CloseAll() error = %v", err)
	}

	streams, packets, events := w.Stats()
	if streams != 2 {
		t.Errorf("streams = %d, want 2", streams)
	}
	if packets != 3 {
		t.Errorf("packets = %d, want 3", packets)
	}
	if events != 4 {
		t.Errorf("events = %d, want 4", events)
	}
}
