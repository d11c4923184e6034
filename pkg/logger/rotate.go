package logger

import (
	"errors"
	"io"

	"gopkg.in/natefinch/lumberjack.v2"
)

// newRotatingWriter returns the size-rotated writer backing the audit
// stream. Rotation thresholds fall back to conservative defaults so a
// half-filled config cannot produce an unbounded file.
func newRotatingWriter(path string, maxSizeMB, maxBackups, maxAgeDays int) (io.WriteCloser, error) {
	if path == "" {
		return nil, errors.New("path is required")
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 100
	}
	if maxBackups <= 0 {
		maxBackups = 7
	}
	if maxAgeDays <= 0 {
		maxAgeDays = 30
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     maxAgeDays,
		Compress:   true,
	}, nil
}
