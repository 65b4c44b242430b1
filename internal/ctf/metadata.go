package ctf

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Env holds the trace environment entries. The fixed keys (hostname, domain,
// tracer_* triple, buffering scheme) are what downstream viewers key on to
// treat the trace as an LTTng kernel trace; the trc_* keys carry target
// provenance from the capture header.
type Env struct {
	TrcEndianness         string
	TrcFormatVersion      uint16
	TrcKernelVersion      string
	TrcKernelPort         string
	TrcPlatformCfg        string
	TrcPlatformCfgVersion string
	InputFile             string
	CreatedAt             time.Time // UTC
}

// Clock describes the metadata clock block correlating stream timestamps
// with wall-clock time.
type Clock struct {
	Name          string
	UUID          uuid.UUID
	Frequency     uint64
	OffsetSeconds int64
}

// WriteMetadata renders the complete TSDL metadata document for the trace:
// trace/env/clock blocks, the stream declaration, and one event block per
// registered class. Every integer is declared little-endian with byte
// alignment and every string NUL-terminated UTF-8, exactly matching what the
// stream encoder writes.
func WriteMetadata(w io.Writer, traceUUID uuid.UUID, traceName string, env Env, clk Clock, schema *Schema) error {
	var b strings.Builder

	b.WriteString("/* CTF 1.8 */\n\n")

	fmt.Fprintf(&b, "trace {\n")
	fmt.Fprintf(&b, "\tmajor = 1;\n")
	fmt.Fprintf(&b, "\tminor = 8;\n")
	fmt.Fprintf(&b, "\tuuid = \"%s\";\n", traceUUID)
	fmt.Fprintf(&b, "\tbyte_order = le;\n")
	b.WriteString("\tpacket.header := struct {\n")
	b.WriteString("\t\tinteger { size = 32; align = 1; signed = false; } magic;\n")
	b.WriteString("\t\tinteger { size = 8; align = 1; signed = false; } uuid[16];\n")
	b.WriteString("\t\tinteger { size = 32; align = 1; signed = false; } stream_id;\n")
	b.WriteString("\t\tinteger { size = 32; align = 1; signed = false; } stream_instance_id;\n")
	b.WriteString("\t};\n")
	b.WriteString("};\n\n")

	fmt.Fprintf(&b, "env {\n")
	fmt.Fprintf(&b, "\thostname = \"trace-recorder\";\n")
	fmt.Fprintf(&b, "\tdomain = \"kernel\";\n")
	fmt.Fprintf(&b, "\ttracer_name = \"lttng-modules\";\n")
	fmt.Fprintf(&b, "\ttracer_major = 2;\n")
	fmt.Fprintf(&b, "\ttracer_minor = 12;\n")
	fmt.Fprintf(&b, "\ttracer_patchlevel = 5;\n")
	fmt.Fprintf(&b, "\ttrace_buffering_scheme = \"global\";\n")
	fmt.Fprintf(&b, "\ttrace_name = %s;\n", quote(traceName))
	fmt.Fprintf(&b, "\ttrc_endianness = %s;\n", quote(env.TrcEndianness))
	fmt.Fprintf(&b, "\ttrc_format_version = %d;\n", env.TrcFormatVersion)
	fmt.Fprintf(&b, "\ttrc_kernel_version = %s;\n", quote(env.TrcKernelVersion))
	fmt.Fprintf(&b, "\ttrc_kernel_port = %s;\n", quote(env.TrcKernelPort))
	fmt.Fprintf(&b, "\ttrc_platform_cfg = %s;\n", quote(env.TrcPlatformCfg))
	fmt.Fprintf(&b, "\ttrc_platform_cfg_version = %s;\n", quote(env.TrcPlatformCfgVersion))
	fmt.Fprintf(&b, "\tinput_file = %s;\n", quote(env.InputFile))
	created := env.CreatedAt.UTC()
	fmt.Fprintf(&b, "\ttrace_creation_datetime = %s;\n", quote(created.Format("20060102T150405+0000")))
	fmt.Fprintf(&b, "\ttrace_creation_datetime_utc = %s;\n", quote(created.Format("2006-01-02 15:04:05 UTC")))
	b.WriteString("};\n\n")

	fmt.Fprintf(&b, "clock {\n")
	fmt.Fprintf(&b, "\tname = %s;\n", clk.Name)
	fmt.Fprintf(&b, "\tuuid = \"%s\";\n", clk.UUID)
	fmt.Fprintf(&b, "\tdescription = \"trace recorder timer\";\n")
	fmt.Fprintf(&b, "\tfreq = %d;\n", clk.Frequency)
	fmt.Fprintf(&b, "\toffset_s = %d;\n", clk.OffsetSeconds)
	b.WriteString("};\n\n")

	b.WriteString("typealias integer { size = 16; align = 1; signed = false; } := uint16_t;\n")
	b.WriteString("typealias integer { size = 32; align = 1; signed = false; } := uint32_t;\n")
	b.WriteString("typealias integer { size = 64; align = 1; signed = false; } := uint64_t;\n")
	b.WriteString("typealias integer { size = 64; align = 1; signed = true; } := int64_t;\n")
	fmt.Fprintf(&b, "typealias integer { size = 64; align = 1; signed = false; map = clock.%s.value; } := timestamp_t;\n\n", clk.Name)

	b.WriteString("stream {\n")
	b.WriteString("\tid = 0;\n")
	b.WriteString("\tevent.header := struct {\n")
	b.WriteString("\t\tuint16_t id;\n")
	b.WriteString("\t\ttimestamp_t timestamp;\n")
	b.WriteString("\t};\n")
	b.WriteString("\tevent.context := struct {\n")
	b.WriteString("\t\tuint16_t id;\n")
	b.WriteString("\t\tuint64_t event_count;\n")
	b.WriteString("\t\tuint64_t timer;\n")
	b.WriteString("\t};\n")
	b.WriteString("\tpacket.context := struct {\n")
	b.WriteString("\t\ttimestamp_t timestamp_begin;\n")
	b.WriteString("\t\ttimestamp_t timestamp_end;\n")
	b.WriteString("\t\tuint64_t content_size;\n")
	b.WriteString("\t\tuint64_t packet_size;\n")
	b.WriteString("\t\tuint64_t events_discarded;\n")
	b.WriteString("\t\tuint32_t cpu_id;\n")
	b.WriteString("\t};\n")
	b.WriteString("};\n")

	for _, class := range schema.Classes() {
		fmt.Fprintf(&b, "\nevent {\n")
		fmt.Fprintf(&b, "\tid = %d;\n", class.ID)
		fmt.Fprintf(&b, "\tname = %s;\n", quote(class.Name))
		fmt.Fprintf(&b, "\tstream_id = 0;\n")
		b.WriteString("\tfields := struct {\n")
		if len(class.Fields) == 0 {
			// TSDL requires at least one member; pad no-payload classes.
			b.WriteString("\t\tuint32_t _dummy;\n")
		}
		for _, f := range class.Fields {
			switch f.Type {
			case FieldI64:
				fmt.Fprintf(&b, "\t\tint64_t %s;\n", f.Name)
			case FieldU64:
				fmt.Fprintf(&b, "\t\tuint64_t %s;\n", f.Name)
			case FieldString:
				fmt.Fprintf(&b, "\t\tstring %s;\n", f.Name)
			}
		}
		b.WriteString("\t};\n")
		b.WriteString("};\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// quote renders a TSDL string literal.
func quote(s string) string {
	r := strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "\n", "\\n")
	return "\"" + r.Replace(s) + "\""
}
