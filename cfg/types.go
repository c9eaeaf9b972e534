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
	"fmt"
	"path/filepath"
	"slices"
	"strings"
)

// ConsistencyPolicy names one of internal/policy's registered policies,
// decoded from the mount option `cons=<name>` (§6.3). mount.capfs.c copies
// the raw suboption string without validating it against the supported
// set at parse time ("actual checking for support is done internally at
// mount time"); this type keeps that same deferred-validation shape but
// rejects an unrecognized name at decode time instead, since this module
// has no separate mount-time negotiation step to defer it to.
type ConsistencyPolicy string

const (
	PolicyPosix        ConsistencyPolicy = "posix"
	PolicySession      ConsistencyPolicy = "session"
	PolicyImmutable    ConsistencyPolicy = "immutable"
	PolicyTransactional ConsistencyPolicy = "transactional"
	PolicyPVFSLike     ConsistencyPolicy = "pvfs-like"
)

var knownPolicies = []string{
	string(PolicyPosix), string(PolicySession), string(PolicyImmutable),
	string(PolicyTransactional), string(PolicyPVFSLike),
}

func (p *ConsistencyPolicy) UnmarshalText(text []byte) error {
	name := strings.ToLower(string(text))
	if !slices.Contains(knownPolicies, name) {
		return fmt.Errorf("invalid consistency policy %q: must be one of %v", name, knownPolicies)
	}
	*p = ConsistencyPolicy(name)
	return nil
}

func (p ConsistencyPolicy) MarshalText() ([]byte, error) {
	return []byte(string(p)), nil
}

// Transport names the data-server/manager transport, decoded from the
// mutually-exclusive `udp`/`tcp` mount options (mount.capfs.c's `tcp`
// clarg, defaulted to 1 i.e. tcp).
type Transport string

const (
	TCP Transport = "tcp"
	UDP Transport = "udp"
)

func (t *Transport) UnmarshalText(text []byte) error {
	v := strings.ToLower(string(text))
	if v != string(TCP) && v != string(UDP) {
		return fmt.Errorf("invalid transport %q: must be %q or %q", v, TCP, UDP)
	}
	*t = Transport(v)
	return nil
}

func (t Transport) MarshalText() ([]byte, error) {
	return []byte(string(t)), nil
}

// AccessMode is the mount option `rw`/`ro`.
type AccessMode string

const (
	ReadWrite AccessMode = "rw"
	ReadOnly  AccessMode = "ro"
)

func (m *AccessMode) UnmarshalText(text []byte) error {
	v := strings.ToLower(string(text))
	if v != string(ReadWrite) && v != string(ReadOnly) {
		return fmt.Errorf("invalid access mode %q: must be %q or %q", v, ReadWrite, ReadOnly)
	}
	*m = AccessMode(v)
	return nil
}

func (m AccessMode) MarshalText() ([]byte, error) {
	return []byte(string(m)), nil
}

// LogSeverity mirrors the teacher's cfg.LogSeverity: an ordered enum usable
// both as a viper-decoded flag value and as a slog.Level chooser.
type LogSeverity string

const (
	TraceLogSeverity LogSeverity = "TRACE"
	DebugLogSeverity LogSeverity = "DEBUG"
	InfoLogSeverity  LogSeverity = "INFO"
	WarnLogSeverity  LogSeverity = "WARNING"
	ErrorLogSeverity LogSeverity = "ERROR"
	OffLogSeverity   LogSeverity = "OFF"
)

var severityRanking = map[LogSeverity]int{
	TraceLogSeverity: 0, DebugLogSeverity: 1, InfoLogSeverity: 2,
	WarnLogSeverity: 3, ErrorLogSeverity: 4, OffLogSeverity: 5,
}

func (l *LogSeverity) UnmarshalText(text []byte) error {
	v := LogSeverity(strings.ToUpper(string(text)))
	if _, ok := severityRanking[v]; !ok {
		return fmt.Errorf("invalid log severity %q", text)
	}
	*l = v
	return nil
}

func (l LogSeverity) MarshalText() ([]byte, error) {
	return []byte(string(l)), nil
}

// Rank orders severities for "is this enabled at the configured level"
// comparisons; -1 for an unrecognized value (shouldn't occur past
// ValidateConfig).
func (l LogSeverity) Rank() int {
	if r, ok := severityRanking[l]; ok {
		return r
	}
	return -1
}

// ResolvedPath is a file-path config value canonicalized to an absolute
// path at decode time, mirroring the teacher's cfg.ResolvedPath (minus its
// GCSFUSE_PARENT_PROCESS_DIR indirection, which has no CAPFS analogue).
type ResolvedPath string

func (p *ResolvedPath) UnmarshalText(text []byte) error {
	abs, err := filepath.Abs(string(text))
	if err != nil {
		return fmt.Errorf("resolving path %q: %w", text, err)
	}
	*p = ResolvedPath(abs)
	return nil
}

func (p ResolvedPath) MarshalText() ([]byte, error) {
	return []byte(string(p)), nil
}
