package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/karasz/tamperlog/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// newLogger builds the command's slog logger. Output goes to w unless a
// log file is configured, in which case it is rotated by lumberjack.
func newLogger(w io.Writer, lc config.Logging) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	if lc.Level != "" {
		if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
			return nil, nil, fmt.Errorf("log level: %w", err)
		}
	}
	var closer io.Closer = nopCloser{}
	if lc.File != "" {
		lj := &lumberjack.Logger{
			Filename:   lc.File,
			MaxSize:    lc.MaxSizeMB,
			MaxBackups: lc.MaxBackups,
			Compress:   true,
		}
		w, closer = lj, lj
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch strings.ToLower(lc.Format) {
	case "", "text":
		h = slog.NewTextHandler(w, opts)
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", lc.Format)
	}
	return slog.New(h), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
