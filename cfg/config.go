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
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the full decoded configuration shared by cmd/capfsd and
// cmd/mount.capfs, the way the teacher's single cfg.Config is shared by
// every gcsfuse subcommand. Each subcommand only binds the flags relevant
// to it (BindDaemonFlags / BindMountFlags), but both decode into this one
// struct via viper.Unmarshal so a single config file can configure either.
type Config struct {
	Mount   MountConfig   `mapstructure:"mount"`
	Daemon  DaemonConfig  `mapstructure:"daemon"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Fstab   FstabConfig   `mapstructure:"fstab"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// MountConfig is mount.capfs's `-o <options>` surface (§6.3), one field per
// suboption in mount.capfs.c's capfs_mount_clargs.
type MountConfig struct {
	AccessMode  AccessMode        `mapstructure:"access-mode"`
	Interruptible bool            `mapstructure:"intr"`
	Transport   Transport         `mapstructure:"transport"`
	Consistency ConsistencyPolicy `mapstructure:"cons"`
	HCache      bool              `mapstructure:"hcache"`
	DCache      bool              `mapstructure:"dcache"`

	// Host and MetadataDir come from the positional `host:metadata_dir`
	// argument, not a mount option, but live here since they're part of
	// the same mount invocation's parsed state.
	Host        string `mapstructure:"-"`
	MetadataDir string `mapstructure:"-"`
	MountPoint  string `mapstructure:"-"`
}

// DaemonConfig is capfsd's flag surface (§6.3): `-s -d -n -p -h`.
type DaemonConfig struct {
	UseSockets bool   `mapstructure:"use-sockets"` // -s
	Foreground bool   `mapstructure:"foreground"`  // -d (capfsd.c: -d *clears* is_daemon, i.e. stay in foreground)
	Threads    int    `mapstructure:"threads"`     // -n
	DebugMask  uint32 `mapstructure:"debug-mask"`  // -p, parsed as hex per capfsd.c's "%x" sscanf
}

// CacheConfig tunes the hash cache (§6.4): CMGR_BCOUNT / CMGR_CHUNK_SIZE.
type CacheConfig struct {
	BucketCount int64 `mapstructure:"bucket-count"`
	ChunkSize   int64 `mapstructure:"chunk-size"`
}

// FstabConfig locates the tab-format filesystem table (§6.4:
// CAPFSTAB_FILE), analogous to /etc/fstab for CAPFS mounts.
type FstabConfig struct {
	File ResolvedPath `mapstructure:"file"`
}

// LoggingConfig controls the log/slog sink, wired the way the teacher's
// internal/logger wraps a configured cfg.LoggingConfig.
type LoggingConfig struct {
	Severity LogSeverity `mapstructure:"severity"`
	JSON     bool        `mapstructure:"json"`
}

// BindDaemonFlags registers capfsd's flags with flagSet and binds each to
// its viper key, mirroring the teacher's cfg.BindFlags wiring style
// (flagSet.XP(...) followed by viper.BindPFlag).
func BindDaemonFlags(flagSet *pflag.FlagSet) error {
	flagSet.BoolP("use-sockets", "s", false, "Use sockets (instead of shared memory) to talk to data servers.")
	if err := viper.BindPFlag("daemon.use-sockets", flagSet.Lookup("use-sockets")); err != nil {
		return err
	}

	flagSet.BoolP("foreground", "d", false, "Run in the foreground instead of daemonizing.")
	if err := viper.BindPFlag("daemon.foreground", flagSet.Lookup("foreground")); err != nil {
		return err
	}

	flagSet.IntP("threads", "n", DefaultDaemonThreads, "Number of worker threads servicing upcalls.")
	if err := viper.BindPFlag("daemon.threads", flagSet.Lookup("threads")); err != nil {
		return err
	}

	flagSet.StringP("debug-mask", "p", "0", "Hexadecimal debug mask.")
	if err := viper.BindPFlag("daemon.debug-mask", flagSet.Lookup("debug-mask")); err != nil {
		return err
	}

	return nil
}

// BindMountFlags registers mount.capfs's single `-o <options>` flag and the
// viper keys each suboption decodes into.
func BindMountFlags(flagSet *pflag.FlagSet) error {
	flagSet.StringP("options", "o", "rw,tcp,cons=posix", "Comma-separated mount options (rw|ro, intr, udp|tcp, hcache, dcache, cons=<name>).")
	return viper.BindPFlag("mount.options", flagSet.Lookup("options"))
}
