// Package utils provides utility functions for the application.
package utils

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// NewRotatingLogger returns a logger that writes to stdout and a rotating
// file under dir. The file keeps a bounded history so long-running pipeline
// processes do not fill the disk.
func NewRotatingLogger(prefix, dir, filename string) *log.Logger {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		l := log.New(os.Stdout, prefix, log.LstdFlags|log.Lmicroseconds|log.LUTC)
		l.Printf("failed to create log dir %s: %v", dir, err)
		return l
	}
	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(dir, filename),
		MaxSize:    100, // MB
		MaxBackups: 10,
		MaxAge:     30, // days
		Compress:   true,
	}
	mw := io.MultiWriter(os.Stdout, rotator)
	return log.New(mw, prefix, log.LstdFlags|log.Lmicroseconds|log.LUTC)
}
