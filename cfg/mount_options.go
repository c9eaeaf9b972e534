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
	"strings"
)

// ParseMountOptions tokenizes a `-o` comma-separated option string
// (§6.3: `rw|ro,intr,udp|tcp,hcache,dcache,cons=<name>`) the same way
// mount.capfs.c's parse_args does with strtok, starting from
// DefaultMountConfig rather than a zero value so unset suboptions keep
// their documented defaults (rw, tcp, posix).
func ParseMountOptions(raw string) (MountConfig, error) {
	opts := DefaultMountConfig()
	if raw == "" {
		return opts, nil
	}
	for _, tok := range strings.Split(raw, ",") {
		tok = strings.TrimSpace(tok)
		switch {
		case tok == "":
			continue
		case tok == "rw":
			opts.AccessMode = ReadWrite
		case tok == "ro":
			opts.AccessMode = ReadOnly
		case tok == "intr":
			opts.Interruptible = true
		case tok == "udp":
			opts.Transport = UDP
		case tok == "tcp":
			opts.Transport = TCP
		case tok == "hcache":
			opts.HCache = true
		case tok == "dcache":
			opts.DCache = true
		case strings.HasPrefix(tok, "cons="):
			var pol ConsistencyPolicy
			if err := pol.UnmarshalText([]byte(strings.TrimPrefix(tok, "cons="))); err != nil {
				return MountConfig{}, err
			}
			opts.Consistency = pol
		default:
			return MountConfig{}, fmt.Errorf("mount.capfs: unrecognized option %q", tok)
		}
	}
	return opts, nil
}

// ManagerAddr appends DefaultManagerPort to host unless host already names
// a port.
func ManagerAddr(host string) string {
	if strings.Contains(host, ":") {
		return host
	}
	return fmt.Sprintf("%s:%d", host, DefaultManagerPort)
}

// ParseHostDir splits the positional `host:metadata_dir` mount argument,
// mirroring mount.capfs.c's strchr(hostdir, ':') split.
func ParseHostDir(arg string) (host, dir string, err error) {
	idx := strings.IndexByte(arg, ':')
	if idx < 0 {
		return "", "", fmt.Errorf("mount.capfs: directory to mount not in host:dir format: %q", arg)
	}
	return arg[:idx], arg[idx+1:], nil
}
