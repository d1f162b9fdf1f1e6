package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// StreamDebugger writes raw provider stream output to disk when enabled,
// for offline inspection of what a provider actually sent. It is
// lazily opened on first write and grouped per session so one file holds
// every turn of a conversation.
type StreamDebugger struct {
	file     *os.File
	dir      string
	filename string
	enabled  bool
}

// NewStreamDebugger prepares a debugger for provider. When enabled, it
// immediately writes a turn-start header, which opens the underlying file.
func NewStreamDebugger(ctx context.Context, provider string, enabled bool) *StreamDebugger {
	if !enabled {
		return &StreamDebugger{enabled: false}
	}

	dir := filepath.Join("debug", "chunks", provider)
	if sessionDir, ok := debugDirFrom(ctx); ok {
		dir = filepath.Join("debug", "chunks", sessionDir, provider)
	}

	d := &StreamDebugger{
		dir:      dir,
		filename: filepath.Join(dir, "chat.log"),
		enabled:  true,
	}
	d.WriteString(fmt.Sprintf("--- turn start: %s ---", time.Now().Format("2006-01-02 15:04:05")))
	return d
}

func (d *StreamDebugger) ensureOpen() error {
	if !d.enabled || d.file != nil {
		return nil
	}
	if err := os.MkdirAll(d.dir, 0755); err != nil {
		d.enabled = false
		return err
	}
	f, err := os.OpenFile(d.filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		d.enabled = false
		return err
	}
	d.file = f
	return nil
}

// WriteString appends s followed by a newline to the debug file.
func (d *StreamDebugger) WriteString(s string) {
	if !d.enabled {
		return
	}
	if err := d.ensureOpen(); err != nil {
		slog.Warn("stream debugger open failed", "error", err)
		return
	}
	if _, err := d.file.WriteString(s + "\n"); err != nil {
		slog.Warn("stream debugger write failed", "error", err)
	}
}

// Close releases the debug file handle, if one was opened.
func (d *StreamDebugger) Close() {
	if d.file != nil {
		d.file.Close()
		d.file = nil
	}
}
