// trc2ctf converts FreeRTOS trace-recorder streaming captures to CTF traces
// consumable by LTTng-aware trace viewers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jonlamb-gh/trace-recorder-to-ctf/internal/config"
	"github.com/jonlamb-gh/trace-recorder-to-ctf/internal/converter"
	"github.com/jonlamb-gh/trace-recorder-to-ctf/internal/ctf"
	"github.com/jonlamb-gh/trace-recorder-to-ctf/internal/mapper"
	"github.com/jonlamb-gh/trace-recorder-to-ctf/internal/objecttable"
	"github.com/jonlamb-gh/trace-recorder-to-ctf/internal/recorder"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.ParseArgs(os.Args)
	if err != nil {
		return err
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if cfg.Verbose {
		log = log.Level(zerolog.DebugLevel)
	} else {
		log = log.Level(zerolog.InfoLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("input", cfg.Input).Msg("reading capture")
	reader, err := recorder.Open(cfg.Input)
	if err != nil {
		return err
	}
	defer func() {
		if err := reader.Close(); err != nil {
			log.Warn().Err(err).Msg("closing input")
		}
	}()

	if err := os.MkdirAll(cfg.Output, 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	traceUUID := uuid.New()
	schema := ctf.NewSchema()
	table := objecttable.New()
	writer := ctf.NewWriter(cfg.Output, traceUUID, ctf.WriterOptions{
		MaxPacketEvents: cfg.MaxPacketEvents,
		MaxPacketBytes:  cfg.MaxPacketBytes,
	})
	m := mapper.New(table, schema, writer, log)

	conv := converter.New(reader, m, writer, schema, traceUUID, converter.Options{
		ClockName: cfg.ClockName,
		TraceName: cfg.TraceName,
		InputFile: filepath.Base(cfg.Input),
		OutputDir: cfg.Output,
	}, log)

	if err := conv.Run(ctx); err != nil {
		return err
	}

	log.Info().Str("output", cfg.Output).Msg("done")
	return nil
}
