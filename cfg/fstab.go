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
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// appendFstabLine renders e the way setup_mntent/do_mtab write one mntent
// line: tab-separated fsname, dir, type, opts, freq, passno.
func appendFstabLine(w io.Writer, e FstabEntry) error {
	_, err := fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\n", e.FSName, e.Dir, e.Type, e.Opts, e.Freq, e.Passno)
	return err
}

// FstabEntry is one line of the CAPFSTAB_FILE table (§6.4), in the same
// six-field shape as the /etc/mtab entries mount.capfs.c's do_mtab/
// setup_mntent write via mntent(3): fsname ("host:metadata_dir"), the
// local mount directory, the filesystem type, mount options, dump
// frequency, and fsck pass number. This module has no libc mntent
// binding available, so the format is parsed by hand rather than pulled
// in as a dependency — a justified stdlib fallback (see DESIGN.md).
type FstabEntry struct {
	FSName  string // "host:metadata_dir"
	Dir     string // local mountpoint
	Type    string // always "capfs" in practice, kept for mtab-compatibility
	Opts    string // the raw -o option string
	Freq    int
	Passno  int
}

// ParseFstab reads a CAPFSTAB_FILE-format table, skipping blank lines and
// '#'-prefixed comments the way /etc/fstab does.
func ParseFstab(r io.Reader) ([]FstabEntry, error) {
	var entries []FstabEntry
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			return nil, fmt.Errorf("cfg: fstab line %d: expected at least 4 fields, got %d", lineNo, len(fields))
		}
		e := FstabEntry{FSName: fields[0], Dir: fields[1], Type: fields[2], Opts: fields[3]}
		if len(fields) > 4 {
			freq, err := strconv.Atoi(fields[4])
			if err != nil {
				return nil, fmt.Errorf("cfg: fstab line %d: bad freq %q: %w", lineNo, fields[4], err)
			}
			e.Freq = freq
		}
		if len(fields) > 5 {
			passno, err := strconv.Atoi(fields[5])
			if err != nil {
				return nil, fmt.Errorf("cfg: fstab line %d: bad passno %q: %w", lineNo, fields[5], err)
			}
			e.Passno = passno
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("cfg: reading fstab: %w", err)
	}
	return entries, nil
}

// LoadFstab opens and parses the file named by CAPFSTAB_FILE (via
// FstabConfig.File, itself resolved from the environment/flags by viper).
func LoadFstab(path string) ([]FstabEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cfg: opening fstab %s: %w", path, err)
	}
	defer f.Close()
	return ParseFstab(f)
}

// AppendFstabEntry opens path (creating it if absent, per do_mtab's
// O_CREAT|O_APPEND open) and appends one line for e. mount.capfs calls this
// after a successful mount, the Go-side analogue of setup_mntent + do_mtab
// writing a real /etc/mtab entry.
func AppendFstabEntry(path string, e FstabEntry) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("cfg: opening fstab %s for append: %w", path, err)
	}
	defer f.Close()
	if err := appendFstabLine(f, e); err != nil {
		return fmt.Errorf("cfg: appending fstab entry: %w", err)
	}
	return nil
}

// FindFstabEntry returns the entry whose Dir matches mountDir, analogous
// to capfs_detect.c's search_fstab.
func FindFstabEntry(entries []FstabEntry, mountDir string) (FstabEntry, bool) {
	for _, e := range entries {
		if e.Dir == mountDir {
			return e, true
		}
	}
	return FstabEntry{}, false
}
