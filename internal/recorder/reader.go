package recorder

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/exp/mmap"
)

// Magic is the PSF start word at the beginning of a capture.
const Magic uint32 = 0x50534600

// Header option bits.
const (
	// optCoreWord indicates every event carries a trailing core-id word.
	optCoreWord uint16 = 1 << 0
)

const headerSize = 36

// Header holds the capture-wide properties read from the PSF header. They
// feed the trc_* trace environment keys and the clock model.
type Header struct {
	BigEndian          bool
	FormatVersion      uint16
	Options            uint16
	NumCores           uint32
	TimerFrequency     uint32
	TimerWraparounds   uint32
	KernelVersion      [2]byte
	KernelPort         uint16
	PlatformCfg        string
	PlatformCfgVersion string
}

// Endianness returns the header byte order in the form used by the
// trc_endianness trace environment key.
func (h *Header) Endianness() string {
	if h.BigEndian {
		return "big-endian"
	}
	return "little-endian"
}

var kernelPortNames = map[uint16]string{
	0: "Unknown",
	1: "FreeRTOS",
	2: "Zephyr",
	3: "ThreadX",
}

// KernelPortName returns a human-readable kernel port identifier.
func (h *Header) KernelPortName() string {
	if name, ok := kernelPortNames[h.KernelPort]; ok {
		return name
	}
	return fmt.Sprintf("PORT(%d)", h.KernelPort)
}

// Reader decodes a PSF capture into a sequence of events.
//
// Read returns events strictly in capture order and signals the end of the
// sequence with io.EOF. A Reader is single-pass; reopen the file to restart.
type Reader struct {
	r      io.Reader
	closer io.Closer
	order  binary.ByteOrder
	hdr    *Header
}

// NewReader wraps an input stream positioned at the PSF start word.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Open memory-maps the capture file at path.
func Open(path string) (*Reader, error) {
	m, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening capture: %w", err)
	}
	r := NewReader(io.NewSectionReader(m, 0, int64(m.Len())))
	r.closer = m
	return r, nil
}

// Close releases the underlying mapping, if any.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// ReadHeader reads and validates the capture header. It must be called once
// before the first Read.
func (r *Reader) ReadHeader() (*Header, error) {
	if r.hdr != nil {
		return r.hdr, nil
	}

	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r.r, raw); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	// The start word doubles as the endianness marker.
	switch {
	case binary.LittleEndian.Uint32(raw[0:4]) == Magic:
		r.order = binary.LittleEndian
	case binary.BigEndian.Uint32(raw[0:4]) == Magic:
		r.order = binary.BigEndian
	default:
		return nil, fmt.Errorf("bad start word 0x%08X, not a PSF capture", binary.LittleEndian.Uint32(raw[0:4]))
	}

	hdr := &Header{
		BigEndian:        r.order == binary.BigEndian,
		FormatVersion:    r.order.Uint16(raw[4:6]),
		Options:          r.order.Uint16(raw[6:8]),
		NumCores:         r.order.Uint32(raw[8:12]),
		TimerFrequency:   r.order.Uint32(raw[12:16]),
		TimerWraparounds: r.order.Uint32(raw[16:20]),
		KernelVersion:    [2]byte{raw[20], raw[21]},
		KernelPort:       r.order.Uint16(raw[22:24]),
	}
	hdr.PlatformCfg = cString(raw[24:32])
	hdr.PlatformCfgVersion = fmt.Sprintf("%d.%d.%d", raw[32], raw[33], r.order.Uint16(raw[34:36]))

	if hdr.NumCores == 0 {
		hdr.NumCores = 1
	}
	r.hdr = hdr
	return hdr, nil
}

// Read decodes the next event. It returns io.EOF at a clean end of input and
// io.ErrUnexpectedEOF (wrapped) when the capture is truncated mid-event.
func (r *Reader) Read() (*Event, error) {
	if r.hdr == nil {
		return nil, errors.New("header not read")
	}

	var fixed [8]byte
	if _, err := io.ReadFull(r.r, fixed[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("truncated event header: %w", err)
	}

	code := r.order.Uint16(fixed[0:2])
	ev := &Event{
		Type:  EventType(code & 0x0FFF),
		ID:    code,
		Count: r.order.Uint16(fixed[2:4]),
		Timer: r.order.Uint32(fixed[4:8]),
	}

	if r.hdr.Options&optCoreWord != 0 {
		var core [4]byte
		if _, err := io.ReadFull(r.r, core[:]); err != nil {
			return nil, fmt.Errorf("truncated core word: %w", err)
		}
		ev.CPU = uint16(r.order.Uint32(core[:]) & 0xFFFF)
	}

	paramCount := int(code >> 12)
	if paramCount > 0 {
		raw := make([]byte, paramCount*4)
		if _, err := io.ReadFull(r.r, raw); err != nil {
			return nil, fmt.Errorf("truncated event parameters: %w", err)
		}
		ev.Params = make([]uint32, paramCount)
		for i := range ev.Params {
			ev.Params[i] = r.order.Uint32(raw[i*4 : i*4+4])
		}
	}

	r.decodePayload(ev)
	return ev, nil
}

// decodePayload populates the typed payload for recognized event types.
// Events with fewer parameter words than their type calls for keep a nil
// payload; the mapper reports them as structural errors.
func (r *Reader) decodePayload(ev *Event) {
	p := ev.Params
	switch ev.Type {
	case TypeTraceStart:
		if len(p) >= 2 {
			info := &TraceStartInfo{
				Handle:    p[0],
				Frequency: uint64(p[1]),
				TaskName:  r.paramString(p[2:]),
			}
			if info.Frequency == 0 {
				info.Frequency = uint64(r.hdr.TimerFrequency)
			}
			ev.Start = info
		}
	case TypeObjectName:
		if len(p) >= 1 {
			ev.Object = &ObjectInfo{Handle: p[0], Name: r.paramString(p[1:])}
		}
	case TypeTaskCreate, TypeDefineIsr, TypeQueueCreate, TypeSemaphoreBinaryCreate,
		TypeMutexCreate, TypeTimerCreate, TypeMessageBufferCreate:
		if len(p) >= 2 {
			ev.Object = &ObjectInfo{Handle: p[0], Name: r.paramString(p[2:])}
		}
	case TypeTaskDelete, TypeQueueSend, TypeQueueReceive, TypeSemaphoreGive,
		TypeSemaphoreTake, TypeMutexGive, TypeMutexTake, TypeMessageBufferSend,
		TypeMessageBufferReceive, TypeTimerStart, TypeTimerStop:
		if len(p) >= 1 {
			ev.Object = &ObjectInfo{Handle: p[0]}
		}
	case TypeTaskPriority:
		if len(p) >= 2 {
			ev.Task = &TaskInfo{Handle: p[0], Priority: p[1]}
		}
	case TypeTaskReady, TypeTaskActivate, TypeTaskResume:
		if len(p) >= 2 {
			ev.Task = &TaskInfo{Handle: p[0], Priority: p[1]}
			if ev.Type == TypeTaskReady && len(p) >= 3 {
				target := uint16(p[2] & 0xFFFF)
				ev.TargetCPU = &target
			}
		}
	case TypeIsrBegin, TypeIsrResume:
		if len(p) >= 2 {
			ev.Isr = &IsrInfo{Handle: p[0], Priority: p[1]}
		}
	case TypeMemoryAlloc, TypeMemoryFree:
		if len(p) >= 2 {
			ev.Memory = &MemoryInfo{Address: p[0], Size: p[1]}
		}
	case TypeUserEvent:
		if len(p) >= 2 {
			argc := int(p[1])
			if 2+argc <= len(p) {
				ev.User = &UserEventInfo{
					ChannelHandle: p[0],
					Args:          p[2 : 2+argc],
					Format:        r.paramString(p[2+argc:]),
				}
			}
		}
	}
}

// paramString reassembles a packed, NUL-terminated string from trailing
// parameter words, honoring the capture byte order.
func (r *Reader) paramString(words []uint32) string {
	raw := make([]byte, 0, len(words)*4)
	var scratch [4]byte
	for _, w := range words {
		r.order.PutUint32(scratch[:], w)
		raw = append(raw, scratch[:]...)
	}
	return cString(raw)
}

func cString(raw []byte) string {
	for i, b := range raw {
		if b == 0 {
			return string(raw[:i])
		}
	}
	return string(raw)
}
