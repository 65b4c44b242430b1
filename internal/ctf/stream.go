package ctf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// PacketMagic is the CTF packet header magic number.
const PacketMagic uint32 = 0xC1FC1FC1

// packetHeaderSize is magic + uuid + stream_id + stream_instance_id plus the
// packet context (timestamp_begin/end, content_size, packet_size,
// events_discarded, cpu_id), as declared in the metadata.
const packetHeaderSize = 4 + 16 + 4 + 4 + 8*5 + 4

// WriterOptions bound open packets. A packet is sealed when either limit
// would be exceeded by the next event.
type WriterOptions struct {
	MaxPacketEvents int
	MaxPacketBytes  int
}

// DefaultWriterOptions are the packet bounds used when a field is zero.
var DefaultWriterOptions = WriterOptions{
	MaxPacketEvents: 512,
	MaxPacketBytes:  256 * 1024,
}

// Writer encodes mapped events into per-CPU stream files under dir.
//
// Each stream stages its open packet in memory and flushes it with a
// finalized header on seal, so the output files are append-only and never
// hold a packet with placeholder sizes. Writer implements Sink.
type Writer struct {
	dir       string
	traceUUID uuid.UUID
	opts      WriterOptions

	mu      sync.Mutex
	streams map[uint16]*stream
	scratch bytes.Buffer
}

// stream is the encoder state for one CPU.
type stream struct {
	cpu  uint16
	file *os.File

	packet    bytes.Buffer // staged event records of the open packet
	events    int
	tsBegin   uint64
	tsEnd     uint64
	discarded uint64 // cumulative, per CTF packet-context semantics

	packetsSealed uint64
	eventsWritten uint64
}

// NewWriter creates a writer targeting dir, which must already exist.
func NewWriter(dir string, traceUUID uuid.UUID, opts WriterOptions) *Writer {
	if opts.MaxPacketEvents <= 0 {
		opts.MaxPacketEvents = DefaultWriterOptions.MaxPacketEvents
	}
	if opts.MaxPacketBytes <= packetHeaderSize {
		opts.MaxPacketBytes = DefaultWriterOptions.MaxPacketBytes
	}
	return &Writer{
		dir:       dir,
		traceUUID: traceUUID,
		opts:      opts,
		streams:   make(map[uint16]*stream),
	}
}

// Emit encodes one event into its CPU's stream, sealing and starting packets
// as the configured bounds require.
func (w *Writer) Emit(ev *Event) error {
	if len(ev.Values) != len(ev.Class.Fields) {
		return fmt.Errorf("event %q: %d values for %d declared fields",
			ev.Class.Name, len(ev.Values), len(ev.Class.Fields))
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	s, err := w.stream(ev.CPU)
	if err != nil {
		return err
	}

	w.scratch.Reset()
	encodeEvent(&w.scratch, ev)
	record := w.scratch.Bytes()

	full := s.events >= w.opts.MaxPacketEvents ||
		(s.events > 0 && packetHeaderSize+s.packet.Len()+len(record) > w.opts.MaxPacketBytes)
	if full {
		if err := w.sealLocked(s); err != nil {
			return err
		}
	}

	if s.events == 0 {
		s.tsBegin = ev.Timestamp
	}
	s.tsEnd = ev.Timestamp
	s.packet.Write(record)
	s.events++
	s.eventsWritten++
	return nil
}

// AddDiscarded records n input events lost before the next event on cpu. The
// count surfaces in the packet context so readers report the gap.
func (w *Writer) AddDiscarded(cpu uint16, n uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	s, err := w.stream(cpu)
	if err != nil {
		return err
	}
	s.discarded += n
	return nil
}

// CloseAll seals every open packet and closes all stream files. Streams are
// independent, so they seal in parallel. All errors are reported.
func (w *Writer) CloseAll() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var g errgroup.Group
	for _, s := range w.streams {
		s := s
		g.Go(func() error {
			var err error
			if s.events > 0 || s.packetsSealed == 0 {
				err = w.sealLocked(s)
			}
			return multierr.Append(err, s.file.Close())
		})
	}
	return g.Wait()
}

// Stats reports per-writer totals for the end-of-run summary.
func (w *Writer) Stats() (streams int, packets, events uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	streams = len(w.streams)
	for _, s := range w.streams {
		packets += s.packetsSealed
		events += s.eventsWritten
	}
	return streams, packets, events
}

func (w *Writer) stream(cpu uint16) (*stream, error) {
	if s, ok := w.streams[cpu]; ok {
		return s, nil
	}

	path := filepath.Join(w.dir, fmt.Sprintf("stream_%d", cpu))
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating stream file: %w", err)
	}
	s := &stream{cpu: cpu, file: f}
	w.streams[cpu] = s
	return s, nil
}

// sealLocked writes the open packet with its finalized header and resets the
// staging buffer for the next packet. Caller holds w.mu.
func (w *Writer) sealLocked(s *stream) error {
	sizeBits := uint64(packetHeaderSize+s.packet.Len()) * 8

	var hdr bytes.Buffer
	hdr.Grow(packetHeaderSize)
	putU32(&hdr, PacketMagic)
	hdr.Write(w.traceUUID[:])
	putU32(&hdr, 0) // stream class id
	putU32(&hdr, uint32(s.cpu))
	putU64(&hdr, s.tsBegin)
	putU64(&hdr, s.tsEnd)
	putU64(&hdr, sizeBits) // content_size: no padding, so equal to packet_size
	putU64(&hdr, sizeBits)
	putU64(&hdr, s.discarded)
	putU32(&hdr, uint32(s.cpu))

	if _, err := s.file.Write(hdr.Bytes()); err != nil {
		return fmt.Errorf("writing packet header: %w", err)
	}
	if _, err := s.file.Write(s.packet.Bytes()); err != nil {
		return fmt.Errorf("writing packet payload: %w", err)
	}

	s.packet.Reset()
	s.events = 0
	s.tsBegin = 0
	s.tsEnd = 0
	s.packetsSealed++
	return nil
}

// encodeEvent appends one event record: header (id, timestamp), stream event
// context (source id, event count, raw timer), then the declared payload
// fields in order.
func encodeEvent(b *bytes.Buffer, ev *Event) {
	putU16(b, ev.Class.ID)
	putU64(b, ev.Timestamp)

	putU16(b, ev.SrcID)
	putU64(b, ev.EventCount)
	putU64(b, uint64(ev.Timer))

	if len(ev.Class.Fields) == 0 {
		// Matches the _dummy member declared for no-payload classes.
		putU32(b, 0)
		return
	}
	for i, f := range ev.Class.Fields {
		v := ev.Values[i]
		switch f.Type {
		case FieldI64:
			putU64(b, uint64(v.I))
		case FieldU64:
			putU64(b, v.U)
		case FieldString:
			b.WriteString(v.S)
			b.WriteByte(0)
		}
	}
}

func putU16(b *bytes.Buffer, v uint16) {
	var raw [2]byte
	binary.LittleEndian.PutUint16(raw[:], v)
	b.Write(raw[:])
}

func putU32(b *bytes.Buffer, v uint32) {
	var raw [4]byte
	binary.LittleEndian.PutUint32(raw[:], v)
	b.Write(raw[:])
}

func putU64(b *bytes.Buffer, v uint64) {
	var raw [8]byte
	binary.LittleEndian.PutUint64(raw[:], v)
	b.Write(raw[:])
}
