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
	"testing"

	"github.com/mitchellh/mapstructure"
	"github.com/stretchr/testify/require"
)

func decodeInto(t *testing.T, input map[string]any, out any) {
	t.Helper()
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: DecodeHook(),
		Result:     out,
	})
	require.NoError(t, err)
	require.NoError(t, dec.Decode(input))
}

func TestDecodeHookParsesDebugMaskAsHex(t *testing.T) {
	var d DaemonConfig
	decodeInto(t, map[string]any{"debug-mask": "ff"}, &d)
	require.Equal(t, uint32(0xff), d.DebugMask)
}

func TestDecodeHookEmptyDebugMaskIsZero(t *testing.T) {
	var d DaemonConfig
	decodeInto(t, map[string]any{"debug-mask": ""}, &d)
	require.Equal(t, uint32(0), d.DebugMask)
}

func TestDecodeHookParsesConsistencyPolicyText(t *testing.T) {
	var m MountConfig
	decodeInto(t, map[string]any{"cons": "session"}, &m)
	require.Equal(t, PolicySession, m.Consistency)
}
