// Copyright 2025 The Outline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package diag routes log lines to a host-supplied callback and keeps the last failure message.
package diag

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"
)

// Level is the severity passed to a [Logger].
type Level int

const (
	LevelVerbose Level = 0
	LevelError   Level = 1
)

// Logger receives formatted log lines.
type Logger interface {
	Log(level Level, msg string)
}

// LoggerFunc adapts a function to [Logger].
type LoggerFunc func(level Level, msg string)

func (f LoggerFunc) Log(level Level, msg string) {
	f(level, msg)
}

type nopLogger struct{}

func (nopLogger) Log(Level, string) {}

// Nop discards everything.
var Nop Logger = nopLogger{}

type loggerBox struct {
	Logger
}

// sink is the installed logger, shared by a handler and its derivatives.
type sink struct {
	current atomic.Pointer[loggerBox]
}

func (s *sink) load() Logger {
	return s.current.Load().Logger
}

// Handler is a [slog.Handler] that formats each record as "message key=value ..." and passes it
// to the installed [Logger]. Records at [slog.LevelError] and above map to [LevelError].
type Handler struct {
	out    *sink
	level  slog.Leveler
	prefix string
	attrs  string
}

var _ slog.Handler = (*Handler)(nil)

// NewHandler creates a [Handler] for records at level or above. A nil logger installs [Nop].
func NewHandler(logger Logger, level slog.Leveler) *Handler {
	if level == nil {
		level = slog.LevelInfo
	}
	h := &Handler{out: &sink{}, level: level}
	h.SetLogger(logger)
	return h
}

// SetLogger replaces the logger for this handler and every handler derived from it.
// A nil logger installs [Nop].
func (h *Handler) SetLogger(logger Logger) {
	if logger == nil {
		logger = Nop
	}
	h.out.current.Store(&loggerBox{logger})
}

// Enabled implements [slog.Handler].
func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	if _, isNop := h.out.load().(nopLogger); isNop {
		return false
	}
	return level >= h.level.Level()
}

// Handle implements [slog.Handler].
func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Message)
	b.WriteString(h.attrs)
	r.Attrs(func(a slog.Attr) bool {
		appendAttr(&b, h.prefix, a)
		return true
	})
	level := LevelVerbose
	if r.Level >= slog.LevelError {
		level = LevelError
	}
	h.out.load().Log(level, b.String())
	return nil
}

// WithAttrs implements [slog.Handler].
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var b strings.Builder
	b.WriteString(h.attrs)
	for _, a := range attrs {
		appendAttr(&b, h.prefix, a)
	}
	h2 := *h
	h2.attrs = b.String()
	return &h2
}

// WithGroup implements [slog.Handler].
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := *h
	h2.prefix = h.prefix + name + "."
	return &h2
}

func appendAttr(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		groupPrefix := prefix
		if a.Key != "" {
			groupPrefix += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			appendAttr(b, groupPrefix, ga)
		}
		return
	}
	b.WriteByte(' ')
	b.WriteString(prefix)
	b.WriteString(a.Key)
	b.WriteByte('=')
	b.WriteString(quoteIfNeeded(a.Value.String()))
}

func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	for _, r := range s {
		if unicode.IsSpace(r) || r == '"' || r == '=' || !unicode.IsPrint(r) {
			return strconv.Quote(s)
		}
	}
	return s
}

// ErrorSlot holds the message of the most recent failure.
//
// The zero value is empty and ready to use.
type ErrorSlot struct {
	mu  sync.Mutex
	msg string
	set bool
}

// Set records err, replacing any previous message. A nil err clears the slot.
func (s *ErrorSlot) Set(err error) {
	if err == nil {
		s.Clear()
		return
	}
	s.mu.Lock()
	s.msg, s.set = err.Error(), true
	s.mu.Unlock()
}

// Get returns the recorded message and whether there is one.
func (s *ErrorSlot) Get() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msg, s.set
}

// Clear empties the slot.
func (s *ErrorSlot) Clear() {
	s.mu.Lock()
	s.msg, s.set = "", false
	s.mu.Unlock()
}
