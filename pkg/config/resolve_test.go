package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/lci/pkg/dag"
	"github.com/cuemby/lci/pkg/spec"
)

const minimalDoc = `
num_worktrees: 2
tests:
  - name: t
    command: "true"
`

func TestParseMinimal(t *testing.T) {
	pc, err := Parse(strings.NewReader(minimalDoc))
	require.NoError(t, err)
	assert.Equal(t, 2, pc.NumWorktrees)
	require.Equal(t, 1, pc.Tests.Len())

	test, ok := pc.Tests.Node("t")
	require.True(t, ok)
	assert.Equal(t, "bash", test.Program)
	assert.Equal(t, []string{"-c", "true"}, test.Args)
	assert.Equal(t, spec.ByCommit, test.CachePolicy)
	assert.Equal(t, map[spec.ResourceKey]int{spec.WorktreeKey(): 1}, test.NeedsResources)
}

func TestParseRejectsUnknownTopLevelKey(t *testing.T) {
	_, err := Parse(strings.NewReader(`
num_worktrees: 1
bogus: true
tests: []
`))
	assert.Error(t, err)
}

func TestParseRejectsUnknownTestKey(t *testing.T) {
	_, err := Parse(strings.NewReader(`
num_worktrees: 1
tests:
  - name: t
    command: "true"
    bogus: 1
`))
	assert.Error(t, err)
}

func TestParseRejectsUnknownResourceKey(t *testing.T) {
	_, err := Parse(strings.NewReader(`
num_worktrees: 1
resources:
  - name: gpu
    count: 1
    bogus: 1
tests: []
`))
	assert.Error(t, err)
}

func TestResourceShapes(t *testing.T) {
	doc := `
num_worktrees: 0
resources:
  - solo
  - name: gpu
    count: 2
  - name: creds
    tokens: ["alpha", "beta", "gamma"]
tests:
  - name: t
    command: "true"
    requires_worktree: false
    resources:
      - solo
      - name: gpu
        count: 2
      - name: creds
        count: 3
`
	pc, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)

	assert.Equal(t, []string{"solo-0"}, pc.PoolTokens[spec.UserTokenKey("solo")])
	assert.Equal(t, []string{"gpu-0", "gpu-1"}, pc.PoolTokens[spec.UserTokenKey("gpu")])
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, pc.PoolTokens[spec.UserTokenKey("creds")])

	test, ok := pc.Tests.Node("t")
	require.True(t, ok)
	assert.Equal(t, map[spec.ResourceKey]int{
		spec.UserTokenKey("solo"):  1,
		spec.UserTokenKey("gpu"):   2,
		spec.UserTokenKey("creds"): 3,
	}, test.NeedsResources)
}

func TestRawCommandVector(t *testing.T) {
	doc := `
num_worktrees: 0
tests:
  - name: t
    command: ["/bin/echo", "hi", "there"]
`
	pc, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)
	test, ok := pc.Tests.Node("t")
	require.True(t, ok)
	assert.Equal(t, "/bin/echo", test.Program)
	assert.Equal(t, []string{"hi", "there"}, test.Args)
}

func TestParseRejectsCycle(t *testing.T) {
	doc := `
num_worktrees: 0
tests:
  - name: a
    command: "true"
    depends_on: [b]
  - name: b
    command: "true"
    depends_on: [a]
`
	_, err := Parse(strings.NewReader(doc))
	require.Error(t, err)
	var dagErr *dag.Error[spec.TestName]
	assert.ErrorAs(t, err, &dagErr)
}

func TestParseRejectsDuplicateResourceInTest(t *testing.T) {
	doc := `
num_worktrees: 0
resources: [gpu]
tests:
  - name: t
    command: "true"
    resources: [gpu, gpu]
`
	_, err := Parse(strings.NewReader(doc))
	require.Error(t, err)
	var cfgErr *Error
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, DuplicateResource, cfgErr.Kind)
}

func TestParseRejectsUndefinedResource(t *testing.T) {
	doc := `
num_worktrees: 0
tests:
  - name: t
    command: "true"
    resources: [gpu]
`
	_, err := Parse(strings.NewReader(doc))
	require.Error(t, err)
	var cfgErr *Error
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, UndefinedResource, cfgErr.Kind)
	assert.Equal(t, "gpu", cfgErr.Resource)
}

// TestConfigHashPropagatesThroughDependency checks that changing a's
// command changes both a's and b's ConfigHash, even though b's own
// declaration is untouched.
func TestConfigHashPropagatesThroughDependency(t *testing.T) {
	docFmt := `
num_worktrees: 0
tests:
  - name: a
    command: %q
  - name: b
    command: "true"
    depends_on: [a]
`
	pc1, err := Parse(strings.NewReader(strings.ReplaceAll(docFmt, "%q", `"one"`)))
	require.NoError(t, err)
	a1, _ := pc1.Tests.Node("a")
	b1, _ := pc1.Tests.Node("b")

	pc2, err := Parse(strings.NewReader(strings.ReplaceAll(docFmt, "%q", `"two"`)))
	require.NoError(t, err)
	a2, _ := pc2.Tests.Node("a")
	b2, _ := pc2.Tests.Node("b")

	assert.NotEqual(t, a1.ConfigHash, a2.ConfigHash)
	assert.NotEqual(t, b1.ConfigHash, b2.ConfigHash, "b's hash must change when its dependency a changes")
}

func TestConfigHashStableForIdenticalInput(t *testing.T) {
	pc1, err := Parse(strings.NewReader(minimalDoc))
	require.NoError(t, err)
	pc2, err := Parse(strings.NewReader(minimalDoc))
	require.NoError(t, err)

	t1, _ := pc1.Tests.Node("t")
	t2, _ := pc2.Tests.Node("t")
	assert.Equal(t, t1.ConfigHash, t2.ConfigHash)
}

func TestDefaultShutdownGracePeriodAndCachePolicy(t *testing.T) {
	pc, err := Parse(strings.NewReader(minimalDoc))
	require.NoError(t, err)
	test, _ := pc.Tests.Node("t")
	assert.Equal(t, spec.ByCommit, test.CachePolicy)
	assert.Equal(t, 60.0, test.ShutdownGracePeriod.Seconds())
}
