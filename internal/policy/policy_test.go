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

package policy_test

import (
	"testing"

	"github.com/capfs-io/capfs/internal/chunk"
	"github.com/capfs-io/capfs/internal/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// PolicyMatrixSuite exercises every named policy's semantics against the
// table in spec.md §4.4, in the teacher's table-driven-via-suite style
// (cfg/config_test.go).
type PolicyMatrixSuite struct {
	suite.Suite
	reg *policy.Registry
}

func (s *PolicyMatrixSuite) SetupTest() {
	s.reg = policy.NewRegistry()
}

func (s *PolicyMatrixSuite) TestSemanticsMatrix() {
	cases := []struct {
		name     string
		wantSem  policy.Semantics
	}{
		{"posix", policy.Semantics{ForceCommit: true, HCacheCoherence: true, DelayCommit: false}},
		{"session", policy.Semantics{ForceCommit: true, HCacheCoherence: false, DelayCommit: false}},
		{"immutable", policy.Semantics{ForceCommit: false, HCacheCoherence: true, DelayCommit: false}},
		{"transactional", policy.Semantics{ForceCommit: true, HCacheCoherence: true, DelayCommit: true}},
		{"pvfs-like", policy.Semantics{ForceCommit: false, HCacheCoherence: false, DelayCommit: false}},
	}

	for _, tc := range cases {
		s.Run(tc.name, func() {
			p := s.reg.Lookup(tc.name)
			s.Equal(tc.name, p.Name())
			s.Equal(tc.wantSem, p.Semantics())
		})
	}
}

func TestPolicyMatrixSuite(t *testing.T) {
	suite.Run(t, new(PolicyMatrixSuite))
}

func TestLookupUnknownDefaultsToPosix(t *testing.T) {
	reg := policy.NewRegistry()
	p := reg.Lookup("does-not-exist")
	require.NotNil(t, p)
	assert.Equal(t, "posix", p.Name())
}

func TestLookupEmptyDefaultsToPosix(t *testing.T) {
	reg := policy.NewRegistry()
	assert.Equal(t, "posix", reg.Lookup("").Name())
}

func TestNamesListsAllFive(t *testing.T) {
	reg := policy.NewRegistry()
	assert.Len(t, reg.Names(), 5)
}

func TestTransactionalDefersCommitToClose(t *testing.T) {
	reg := policy.NewRegistry()
	p := reg.Lookup("transactional")

	flushed := false
	setter, ok := p.(interface {
		SetPendingFlush(name string, flush func() error)
	})
	require.True(t, ok, "transactional policy must expose SetPendingFlush")

	setter.SetPendingFlush("f", func() error {
		flushed = true
		return nil
	})

	require.NoError(t, p.Close("f"))
	assert.True(t, flushed)
}

func TestTransactionalCloseNoopWithoutPendingFlush(t *testing.T) {
	reg := policy.NewRegistry()
	p := reg.Lookup("transactional")
	assert.NoError(t, p.Close("never-written"))
}

func TestRegisterOverridesCustomPolicy(t *testing.T) {
	reg := policy.NewRegistry()
	reg.Register("posix", func() policy.Policy { return fakeAlwaysForce{} })

	assert.True(t, reg.Lookup("posix").Semantics().ForceCommit)
	assert.True(t, reg.Lookup("nonexistent").Semantics().ForceCommit)
}

type fakeAlwaysForce struct{}

func (fakeAlwaysForce) Name() string { return "posix" }
func (fakeAlwaysForce) Semantics() policy.Semantics {
	return policy.Semantics{ForceCommit: true, HCacheCoherence: true}
}
func (fakeAlwaysForce) MaxRetries() int                    { return 3 }
func (fakeAlwaysForce) PreOpen(string) policy.PreOpenHint  { return policy.PreOpenHint{} }
func (fakeAlwaysForce) PostOpen(string, []chunk.Hash, bool) {}
func (fakeAlwaysForce) Close(string) error                 { return nil }
func (fakeAlwaysForce) Sync(string) error                  { return nil }
