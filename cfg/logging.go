// Copyright 2025 The CAPFS Authors.
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

package cfg

import (
	"log/slog"
	"os"
)

// slogLevel maps a LogSeverity onto slog's level scale. TRACE has no slog
// equivalent, so it's folded into slog.LevelDebug minus one step the way
// the teacher's logger package treats its own TRACE severity as "one below
// DEBUG" rather than inventing a fifth level.
func slogLevel(s LogSeverity) slog.Level {
	switch s {
	case TraceLogSeverity:
		return slog.LevelDebug - 4
	case DebugLogSeverity:
		return slog.LevelDebug
	case WarnLogSeverity:
		return slog.LevelWarn
	case ErrorLogSeverity:
		return slog.LevelError
	case OffLogSeverity:
		return slog.LevelError + 4
	default:
		return slog.LevelInfo
	}
}

// replaceSeverity renames slog's default "level" attribute to "severity",
// matching the field name original_source's debug masks and this module's
// own logging.go use throughout (§6.4's CAPFS_DEBUG is a bitmask, but the
// severity enum is what actually gates Go-side log lines).
func replaceSeverity(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		a.Key = "severity"
	}
	return a
}

// NewLogger builds the process-wide logger cmd/capfsd and cmd/mount.capfs
// both construct at startup from LoggingConfig, mirroring the teacher's
// internal/logger: one handler choice (JSON or text), one severity-gated
// level.
func NewLogger(c LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slogLevel(c.Severity), ReplaceAttr: replaceSeverity}
	var handler slog.Handler
	if c.JSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
