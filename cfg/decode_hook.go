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
	"reflect"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// stringToHexUint32HookFunc decodes DaemonConfig.DebugMask the way
// capfsd.c's `-p` handler does: sscanf(optarg, "%x", &debugmask), always
// base 16 regardless of an "0x" prefix. This is the one field in the
// package that needs a bespoke hook, the same way the teacher's hookFunc
// needs one for url.URL alongside its blanket TextUnmarshaler coverage.
func stringToHexUint32HookFunc() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to.Kind() != reflect.Uint32 {
			return data, nil
		}
		s := data.(string)
		if s == "" {
			return uint32(0), nil
		}
		digits := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
		v, err := strconv.ParseUint(digits, 16, 32)
		if err != nil {
			return nil, fmt.Errorf("cfg: invalid hex debug mask %q: %w", s, err)
		}
		return uint32(v), nil
	}
}

// DecodeHook composes the hooks viper.Unmarshal needs for this package:
// every custom type here (ConsistencyPolicy, Transport, AccessMode,
// LogSeverity, ResolvedPath) implements encoding.TextUnmarshaler, so
// mapstructure.TextUnmarshallerHookFunc already covers them without a
// bespoke reflect.Type switch the way the teacher's hookFunc needs one for
// types that predate its TextUnmarshaler adoption (url.URL).
func DecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		stringToHexUint32HookFunc(),
	)
}
