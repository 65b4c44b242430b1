// Package config parses the command-line surface of trc2ctf.
package config

import (
	"fmt"

	"github.com/spf13/pflag"
)

// Config holds the parsed command-line configuration.
type Config struct {
	// Input is the path to the trace recorder capture (psf) file.
	Input string
	// Output is the directory the CTF trace is written to.
	Output string
	// ClockName is the CTF clock class name.
	ClockName string
	// TraceName is the CTF trace name.
	TraceName string
	// MaxPacketEvents bounds events per stream packet.
	MaxPacketEvents int
	// MaxPacketBytes bounds the byte size of a stream packet.
	MaxPacketBytes int
	// Verbose enables debug logging.
	Verbose bool
}

// ParseArgs parses command-line arguments (including the program name at
// args[0]) and returns a Config.
func ParseArgs(args []string) (*Config, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("no arguments provided")
	}

	cfg := &Config{}
	fs := pflag.NewFlagSet(args[0], pflag.ContinueOnError)
	fs.StringVarP(&cfg.Output, "output", "o", "ctf_trace", "output directory to write the trace to")
	fs.StringVar(&cfg.ClockName, "clock-name", "monotonic", "CTF clock class name")
	fs.StringVar(&cfg.TraceName, "trace-name", "freertos", "CTF trace name")
	fs.IntVar(&cfg.MaxPacketEvents, "max-packet-events", 512, "maximum events per stream packet")
	fs.IntVar(&cfg.MaxPacketBytes, "max-packet-bytes", 256*1024, "maximum stream packet size in bytes")
	fs.BoolVarP(&cfg.Verbose, "verbose", "v", false, "enable debug logging")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [flags] <input.psf>\n\nFlags:\n%s", args[0], fs.FlagUsages())
	}

	if err := fs.Parse(args[1:]); err != nil {
		return nil, err
	}

	rest := fs.Args()
	if len(rest) != 1 {
		return nil, fmt.Errorf("expected exactly one input file argument, got %d", len(rest))
	}
	cfg.Input = rest[0]

	if !validIdentifier(cfg.ClockName) {
		return nil, fmt.Errorf("clock name %q is not a valid identifier", cfg.ClockName)
	}
	if cfg.MaxPacketEvents <= 0 {
		return nil, fmt.Errorf("max-packet-events must be positive")
	}
	if cfg.MaxPacketBytes <= 0 {
		return nil, fmt.Errorf("max-packet-bytes must be positive")
	}

	return cfg, nil
}

// validIdentifier reports whether s works as a bare TSDL identifier; the
// clock name appears unquoted in the metadata clock block and type mappings.
func validIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
