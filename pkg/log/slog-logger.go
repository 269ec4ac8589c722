// Copyright The Memtrack Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// slogger bridges slog records to a logger. Attributes are rendered
// into the message as key=value pairs, with keys qualified by any
// open groups.
type slogger struct {
	l      Logger
	attrs  []slog.Attr
	groups []string
}

var _ slog.Handler = &slogger{}

// SetSlogLogger sets up the default logger for the slog package.
func SetSlogLogger(source string) {
	var l Logger

	if source == "" {
		l = Default()
	} else {
		l = log.get(source)
	}

	slog.SetDefault(slog.New(l.SlogHandler()))
}

func (l logger) SlogHandler() slog.Handler {
	return &slogger{l: l}
}

func (s *slogger) Enabled(_ context.Context, level slog.Level) bool {
	switch {
	case level < slog.LevelInfo:
		return s.l.DebugEnabled()
	case level < slog.LevelWarn:
		return GetLevel() <= LevelInfo
	case level < slog.LevelError:
		return GetLevel() <= LevelWarn
	}
	return GetLevel() <= LevelError
}

func (s *slogger) Handle(_ context.Context, r slog.Record) error {
	msg := s.message(r)

	switch {
	case r.Level < slog.LevelInfo:
		s.l.Debug("%s", msg)
	case r.Level < slog.LevelWarn:
		s.l.Info("%s", msg)
	case r.Level < slog.LevelError:
		s.l.Warn("%s", msg)
	default:
		s.l.Error("%s", msg)
	}

	return nil
}

func (s *slogger) message(r slog.Record) string {
	b := strings.Builder{}
	b.WriteString(strings.TrimPrefix(r.Message, r.Level.String()+" "))

	for _, a := range s.attrs {
		appendAttr(&b, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		appendAttr(&b, s.qualified(a))
		return true
	})

	return b.String()
}

// qualified prefixes the key of the attribute with the open groups.
func (s *slogger) qualified(a slog.Attr) slog.Attr {
	if len(s.groups) == 0 {
		return a
	}

	a.Key = strings.Join(s.groups, ".") + "." + a.Key
	return a
}

func appendAttr(b *strings.Builder, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}

	b.WriteString(" ")
	b.WriteString(a.Key)
	b.WriteString("=")
	b.WriteString(fmt.Sprintf("%v", a.Value.Resolve()))
}

func (s *slogger) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return s
	}

	h := *s
	h.attrs = h.attrs[:len(h.attrs):len(h.attrs)]
	for _, a := range attrs {
		h.attrs = append(h.attrs, s.qualified(a))
	}

	return &h
}

func (s *slogger) WithGroup(name string) slog.Handler {
	if name == "" {
		return s
	}

	h := *s
	h.groups = append(h.groups[:len(h.groups):len(h.groups)], name)

	return &h
}
