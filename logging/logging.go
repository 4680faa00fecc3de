// Package logging builds the process logger from options or the
// environment.
package logging

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Environment variables read by OptionsFromEnv and LoadEnvFile.
const (
	EnvLevel     = "CLOAK_LOG_LEVEL"
	EnvFile      = "CLOAK_LOG_FILE"
	EnvMaxSizeMB = "CLOAK_LOG_MAX_SIZE_MB"
	EnvEnvFile   = "CLOAK_ENV_FILE"
)

// Options configures New.
type Options struct {
	// Level is a zerolog level name. Empty means disabled.
	Level string

	// File, when set, receives JSON logs rotated by size.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// Console writes human-readable output instead of JSON. Ignored when
	// File is set.
	Console bool

	// Writer overrides File and stderr.
	Writer io.Writer
}

// OptionsFromEnv reads the CLOAK_LOG_* variables.
func OptionsFromEnv() (Options, error) {
	opts := Options{
		Level:      os.Getenv(EnvLevel),
		File:       os.Getenv(EnvFile),
		MaxBackups: 3,
		MaxAgeDays: 28,
	}
	if v := os.Getenv(EnvMaxSizeMB); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return opts, fmt.Errorf("logging: invalid %s %q", EnvMaxSizeMB, v)
		}
		opts.MaxSizeMB = n
	}
	return opts, nil
}

// LoadEnvFile loads the dotenv file named by CLOAK_ENV_FILE, if any.
// Variables already set in the environment win.
func LoadEnvFile() error {
	path := os.Getenv(EnvEnvFile)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("logging: loading %s: %w", path, err)
	}
	return nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New builds a logger. The returned Closer releases the log file.
func New(opts Options) (zerolog.Logger, io.Closer, error) {
	level := zerolog.Disabled
	if name := strings.TrimSpace(opts.Level); name != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(name))
		if err != nil {
			return zerolog.Nop(), nopCloser{}, fmt.Errorf("logging: %w", err)
		}
		level = l
	}
	if level == zerolog.Disabled {
		return zerolog.Nop(), nopCloser{}, nil
	}

	var (
		w      io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
	)
	switch {
	case opts.Writer != nil:
		w = opts.Writer
	case opts.File != "":
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
		}
		w, closer = lj, lj
	case opts.Console:
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}
	}

	log := zerolog.New(w).Level(level).With().Timestamp().Str("lib", "cloakengine").Logger()
	return log, closer, nil
}
