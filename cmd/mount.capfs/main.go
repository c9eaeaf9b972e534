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

// Command mount.capfs parses `-o <options> host:metadata_dir mountpoint`
// (§6.3), checks the manager is reachable, and records the mount in the
// CAPFSTAB_FILE-named table — the Go-native analogue of
// original_source/client/mount.capfs.c's parse_args/ping_tcp|ping_udp/
// do_mtab, minus the actual mount(2)/mount(8) call: this module's kernel-
// VFS glue is out of scope (spec.md §1's Non-goals), so mount.capfs stops
// at "the manager answered and the fstab entry is recorded" rather than
// attaching a filesystem to the kernel.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/capfs-io/capfs/cfg"
	"github.com/capfs-io/capfs/internal/manager"
	"github.com/capfs-io/capfs/internal/transport"
)

var bindErr error

// pingTimeout bounds the manager reachability check, standing in for
// ping_udp/ping_tcp's `timeout` argument (mount.capfs.c calls both with a
// small fixed timeout before giving up on a host).
const pingTimeout = 5 * time.Second

var rootCmd = &cobra.Command{
	Use:   "mount.capfs [-o options] host:metadata_dir mountpoint",
	Short: "Record a CAPFS mount after confirming the metadata manager is reachable.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		return run(cmd.Context(), args[0], args[1])
	},
}

func init() {
	bindErr = cfg.BindMountFlags(rootCmd.Flags())
	if err := viper.BindEnv("fstab.file", cfg.EnvFstabFile); err != nil {
		bindErr = err
	}
}

func main() {
	rootCmd.SetContext(context.Background())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, hostDir, mountPoint string) error {
	host, metadataDir, err := cfg.ParseHostDir(hostDir)
	if err != nil {
		return fmt.Errorf("mount.capfs: %w", err)
	}

	raw := viper.GetString("mount.options")
	mount, err := cfg.ParseMountOptions(raw)
	if err != nil {
		return fmt.Errorf("mount.capfs: %w", err)
	}
	mount.Host = host
	mount.MetadataDir = metadataDir
	mount.MountPoint = mountPoint

	network := "tcp"
	if mount.Transport == cfg.UDP {
		network = "udp"
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	pool := transport.New(nil, nil, network, 1)
	mgr := manager.New(pool, cfg.ManagerAddr(host))
	if err := mgr.Noop(pingCtx, 0, 0); err != nil {
		return fmt.Errorf("mount.capfs: manager %s unreachable: %w", host, err)
	}

	fstabFile := viper.GetString("fstab.file")
	if fstabFile == "" {
		return fmt.Errorf("mount.capfs: %s is not set", cfg.EnvFstabFile)
	}
	entry := cfg.FstabEntry{
		FSName: host + ":" + metadataDir,
		Dir:    mountPoint,
		Type:   "capfs",
		Opts:   raw,
	}
	if err := cfg.AppendFstabEntry(fstabFile, entry); err != nil {
		return fmt.Errorf("mount.capfs: %w", err)
	}

	fmt.Printf("mount.capfs: %s mounted on %s (consistency=%s)\n", entry.FSName, mountPoint, mount.Consistency)
	return nil
}
