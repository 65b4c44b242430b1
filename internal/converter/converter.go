// Package converter drives the single-pass conversion pipeline: decoded
// recorder events in, sealed CTF stream files and metadata out.
package converter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jonlamb-gh/trace-recorder-to-ctf/internal/ctf"
	"github.com/jonlamb-gh/trace-recorder-to-ctf/internal/mapper"
	"github.com/jonlamb-gh/trace-recorder-to-ctf/internal/recorder"
	"github.com/jonlamb-gh/trace-recorder-to-ctf/internal/timesync"
)

var (
	// ErrNoTraceStart means the capture ended without a TRACE_START event,
	// so no clock model could be established.
	ErrNoTraceStart = errors.New("no TRACE_START event in capture")

	// ErrDuplicateTraceStart means a second TRACE_START appeared mid-stream.
	ErrDuplicateTraceStart = errors.New("duplicate TRACE_START event")

	// ErrCPUOutOfRange means an event carried a CPU id outside the core
	// topology the capture header declared.
	ErrCPUOutOfRange = errors.New("event cpu id outside declared core count")
)

// Options carry the run context that ends up in the metadata document.
type Options struct {
	ClockName string
	TraceName string
	InputFile string // base name of the capture, for the env block
	OutputDir string
}

// Converter owns one conversion run.
type Converter struct {
	reader *recorder.Reader
	mapper *mapper.Mapper
	writer *ctf.Writer
	schema *ctf.Schema
	opts   Options
	log    zerolog.Logger

	traceUUID uuid.UUID
	clockUUID uuid.UUID

	hdr       *recorder.Header
	clock     *timesync.Converter
	counter   timesync.EventCounter
	pending   []*recorder.Event // events buffered until TRACE_START
	createdAt time.Time

	firstTicks uint64
	lastTicks  uint64
	haveTicks  bool

	warnings     uint64
	droppedInput uint64
}

// New wires a converter. The writer must target opts.OutputDir.
func New(
	reader *recorder.Reader,
	m *mapper.Mapper,
	writer *ctf.Writer,
	schema *ctf.Schema,
	traceUUID uuid.UUID,
	opts Options,
	log zerolog.Logger,
) *Converter {
	return &Converter{
		reader:    reader,
		mapper:    m,
		writer:    writer,
		schema:    schema,
		opts:      opts,
		log:       log,
		traceUUID: traceUUID,
		clockUUID: uuid.New(),
	}
}

// Run converts the whole input. Cancellation via ctx stops reading but still
// seals the open packets and writes metadata, leaving a valid truncated
// trace; Run returns nil in that case. Fatal errors (unreadable input,
// missing or duplicate TRACE_START, output write failures) are returned
// after a best-effort seal.
func (c *Converter) Run(ctx context.Context) error {
	hdr, err := c.reader.ReadHeader()
	if err != nil {
		return err
	}
	c.hdr = hdr
	c.createdAt = time.Now().UTC()

	var runErr error

readLoop:
	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("interrupted, sealing output")
			break readLoop
		default:
		}

		ev, err := c.reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			runErr = fmt.Errorf("reading input: %w", err)
			break
		}
		if err := c.handle(ev); err != nil {
			runErr = err
			break
		}
	}

	sealErr := c.finalize()

	if runErr != nil {
		return runErr
	}
	if c.clock == nil {
		// Also holds when interrupted before TRACE_START: no clock model
		// means nothing was written.
		return ErrNoTraceStart
	}
	if sealErr != nil {
		return sealErr
	}

	c.summarize()
	return nil
}

func (c *Converter) handle(ev *recorder.Event) error {
	if uint32(ev.CPU) >= c.hdr.NumCores {
		return fmt.Errorf("%w: cpu %d with %d cores declared", ErrCPUOutOfRange, ev.CPU, c.hdr.NumCores)
	}

	if c.clock == nil {
		if ev.Type == recorder.TypeTraceStart && ev.Start != nil {
			c.initClock(ev)
			for _, p := range c.pending {
				if err := c.step(p); err != nil {
					return err
				}
			}
			c.pending = nil
			return c.step(ev)
		}
		if len(c.pending) == 0 {
			c.log.Warn().
				Str("event_type", ev.Type.String()).
				Msg("first event is not TRACE_START, buffering until the clock is known")
		}
		c.pending = append(c.pending, ev)
		return nil
	}

	if ev.Type == recorder.TypeTraceStart {
		return fmt.Errorf("%w at event count %d", ErrDuplicateTraceStart, ev.Count)
	}
	return c.step(ev)
}

func (c *Converter) initClock(start *recorder.Event) {
	c.clock = timesync.NewConverter(
		start.Start.Frequency,
		uint64(c.hdr.TimerWraparounds),
		time.Now().UTC(),
	)
	c.log.Info().
		Uint64("frequency", start.Start.Frequency).
		Str("task", start.Start.TaskName).
		Msg("trace start observed, clock established")
}

// step timestamps one event and hands it to the mapper. Timer regressions
// that are not wraps drop the event with a warning; drops detected via the
// event counter surface as packet discard counts.
func (c *Converter) step(ev *recorder.Event) error {
	advanced, dropped := c.counter.Update(ev.Count)
	if dropped > 0 {
		c.warnings++
		c.log.Warn().
			Uint64("dropped", dropped).
			Uint16("cpu", ev.CPU).
			Uint64("event_count", c.counter.Count()).
			Msg("detected dropped events")
		if err := c.writer.AddDiscarded(ev.CPU, dropped); err != nil {
			return err
		}
	}

	ts, err := c.clock.Extend(ev.Timer, advanced)
	if err != nil {
		c.warnings++
		c.droppedInput++
		c.log.Warn().
			Err(err).
			Str("event_type", ev.Type.String()).
			Uint16("cpu", ev.CPU).
			Msg("event dropped")
		return nil
	}

	if !c.haveTicks {
		c.firstTicks = ts
		c.haveTicks = true
	}
	c.lastTicks = ts

	return c.mapper.Process(ev, ts, c.counter.Count())
}

// finalize seals all stream packets and, once the schema is final, writes
// the metadata document.
func (c *Converter) finalize() error {
	if err := c.writer.CloseAll(); err != nil {
		return fmt.Errorf("sealing streams: %w", err)
	}
	if c.clock == nil {
		return nil
	}

	f, err := os.Create(filepath.Join(c.opts.OutputDir, "metadata"))
	if err != nil {
		return fmt.Errorf("creating metadata: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	env := ctf.Env{
		TrcEndianness:         c.hdr.Endianness(),
		TrcFormatVersion:      c.hdr.FormatVersion,
		TrcKernelVersion:      fmt.Sprintf("[%02X, %02X]", c.hdr.KernelVersion[0], c.hdr.KernelVersion[1]),
		TrcKernelPort:         c.hdr.KernelPortName(),
		TrcPlatformCfg:        c.hdr.PlatformCfg,
		TrcPlatformCfgVersion: c.hdr.PlatformCfgVersion,
		InputFile:             c.opts.InputFile,
		CreatedAt:             c.createdAt,
	}
	clk := ctf.Clock{
		Name:          c.opts.ClockName,
		UUID:          c.clockUUID,
		Frequency:     c.clock.Frequency(),
		OffsetSeconds: c.clock.StartWall().Unix(),
	}

	if err := ctf.WriteMetadata(f, c.traceUUID, c.opts.TraceName, env, clk, c.schema); err != nil {
		return fmt.Errorf("writing metadata: %w", err)
	}
	return f.Close()
}

func (c *Converter) summarize() {
	stats := c.mapper.Stats()
	streams, packets, events := c.writer.Stats()
	evt := c.log.Info().
		Uint64("input_events", stats.InputEvents).
		Uint64("output_events", stats.OutputEvents).
		Uint64("structural_errors", stats.StructuralErrors+c.warnings).
		Uint64("dropped_input_events", stats.DroppedEvents+c.droppedInput).
		Uint64("unknown_events", stats.UnknownEvents).
		Int("streams", streams).
		Uint64("packets", packets).
		Uint64("encoded_events", events)
	if c.haveTicks {
		evt = evt.Uint64("duration_ns", c.clock.Nanoseconds(c.lastTicks-c.firstTicks))
	}
	evt.Msg("conversion complete")
}
