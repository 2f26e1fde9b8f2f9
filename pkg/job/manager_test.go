package job

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/lci/pkg/cache"
	"github.com/cuemby/lci/pkg/dag"
	"github.com/cuemby/lci/pkg/spec"
	"github.com/cuemby/lci/pkg/vcs"
)

// initRepo bootstraps a throwaway git repository, mirroring
// pkg/vcs's own test fixture.
func initRepo(t *testing.T) *vcs.Repo {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v: %s", args, out)
	}
	run("init", "--quiet")
	run("config", "user.email", "lci-test@example.com")
	run("config", "user.name", "lci-test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("hello\n"), 0o644))
	run("add", "README")
	run("commit", "--no-gpg-sign", "-m", "initial")

	r, err := vcs.Open(dir)
	require.NoError(t, err)
	return r
}

func newTestSpec(name string, program string, args []string, needs map[spec.ResourceKey]int, policy spec.CachePolicy, dependsOn ...spec.TestName) *spec.TestSpec {
	if needs == nil {
		needs = map[spec.ResourceKey]int{spec.WorktreeKey(): 1}
	}
	return &spec.TestSpec{
		Name:                spec.TestName(name),
		Program:             program,
		Args:                args,
		NeedsResources:      needs,
		ShutdownGracePeriod: 2 * time.Second,
		CachePolicy:         policy,
		DependsOn:           dependsOn,
	}
}

func testsDag(t *testing.T, specs ...*spec.TestSpec) *dag.Dag[spec.TestName, *spec.TestSpec] {
	t.Helper()
	d, err := dag.New[spec.TestName, *spec.TestSpec](specs)
	require.NoError(t, err)
	return d
}

func newManager(t *testing.T, repo *vcs.Repo, numWorktrees, numWorkers int, tests *dag.Dag[spec.TestName, *spec.TestSpec], poolTokens map[spec.ResourceKey][]string) (*Manager, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	db, err := cache.Open(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	m, err := New(ctx, Config{
		Repo:         repo,
		Tests:        tests,
		Cache:        db,
		PoolTokens:   poolTokens,
		NumWorktrees: numWorktrees,
		NumWorkers:   numWorkers,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(m.Wait)
	return m, ctx
}

func waitForFile(t *testing.T, path string, timeout time.Duration) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

// TestSingleJobRuns covers a single test on a single revision: it runs its
// command and leaves a cached result behind.
func TestSingleJobRuns(t *testing.T) {
	repo := initRepo(t)
	ctx := context.Background()
	rev, err := repo.Head(ctx)
	require.NoError(t, err)

	started := filepath.Join(t.TempDir(), "started")
	test := newTestSpec("t", "bash", []string{"-c", "touch " + started}, nil, spec.ByCommit)
	tests := testsDag(t, test)

	m, mgrCtx := newManager(t, repo, 1, 1, tests, nil)
	require.NoError(t, m.SetRevisions(mgrCtx, []spec.RevisionId{rev}))

	require.True(t, waitForFile(t, started, 2*time.Second))

	db := m.cache
	require.Eventually(t, func() bool {
		return db.HasCachedResult(cache.RevisionKey(rev), "t")
	}, 2*time.Second, 10*time.Millisecond)
}

// TestCacheHitSkipsWork checks that running the same revision twice
// spawns the subprocess only once.
func TestCacheHitSkipsWork(t *testing.T) {
	repo := initRepo(t)
	ctx := context.Background()
	rev, err := repo.Head(ctx)
	require.NoError(t, err)

	counterFile := filepath.Join(t.TempDir(), "count")
	test := newTestSpec("t", "bash", []string{"-c", "echo x >> " + counterFile}, nil, spec.ByCommit)
	tests := testsDag(t, test)

	m, mgrCtx := newManager(t, repo, 1, 1, tests, nil)
	require.NoError(t, m.SetRevisions(mgrCtx, []spec.RevisionId{rev}))
	require.Eventually(t, func() bool {
		return m.cache.HasCachedResult(cache.RevisionKey(rev), "t")
	}, 2*time.Second, 10*time.Millisecond)

	// Give the first job's output file a moment to actually land, then
	// fire SetRevisions again with the same revision: it must not re-run.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, m.SetRevisions(mgrCtx, []spec.RevisionId{rev}))
	time.Sleep(200 * time.Millisecond)

	data, err := os.ReadFile(counterFile)
	require.NoError(t, err)
	assert.Equal(t, "x\n", string(data), "second SetRevisions call must not re-run a cached test")
}

// TestResourceMutualExclusion checks that two tests contending for the
// same single-count resource never run concurrently, and that each sees
// its granted token in the environment.
func TestResourceMutualExclusion(t *testing.T) {
	repo := initRepo(t)
	ctx := context.Background()
	rev, err := repo.Head(ctx)
	require.NoError(t, err)

	dir := t.TempDir()
	logFile := filepath.Join(dir, "log")
	script := `
echo "start $LCI_RESOURCE_gpu_0 $(date +%s%N)" >> ` + logFile + `
sleep 0.3
echo "end $LCI_RESOURCE_gpu_0 $(date +%s%N)" >> ` + logFile

	needs := map[spec.ResourceKey]int{spec.UserTokenKey("gpu"): 1}
	a := newTestSpec("a", "bash", []string{"-c", script}, needs, spec.NoCache)
	b := newTestSpec("b", "bash", []string{"-c", script}, needs, spec.NoCache)
	tests := testsDag(t, a, b)

	m, mgrCtx := newManager(t, repo, 0, 2, tests, map[spec.ResourceKey][]string{
		spec.UserTokenKey("gpu"): {"gpu-0"},
	})
	require.NoError(t, m.SetRevisions(mgrCtx, []spec.RevisionId{rev}))

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(logFile)
		return err == nil && len(data) > 0 && countLines(data) == 4
	}, 3*time.Second, 20*time.Millisecond)

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "gpu-0")

	// Non-overlap: each job's end line comes before the other job's start.
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 4)
	for i, prefix := range []string{"start gpu-0", "end gpu-0", "start gpu-0", "end gpu-0"} {
		assert.Truef(t, strings.HasPrefix(lines[i], prefix), "line %d is %q, want prefix %q: jobs overlapped", i, lines[i], prefix)
	}
}

func countLines(data []byte) int {
	n := 0
	for _, b := range data {
		if b == '\n' {
			n++
		}
	}
	return n
}

// TestCancellationPreempts checks that dropping a revision from the
// desired set sends SIGINT to its running job.
func TestCancellationPreempts(t *testing.T) {
	repo := initRepo(t)
	ctx := context.Background()
	rev1, err := repo.Head(ctx)
	require.NoError(t, err)
	rev2, err := repo.Commit(ctx, "second")
	require.NoError(t, err)

	trapDir := t.TempDir()
	trapFile := filepath.Join(trapDir, "trapped")
	script := `
trap 'touch ` + trapFile + `; exit 0' SIGINT
while true; do sleep 0.05; done
`
	test := newTestSpec("t", "bash", []string{"-c", script}, nil, spec.NoCache)
	test.ShutdownGracePeriod = 2 * time.Second
	tests := testsDag(t, test)

	m, mgrCtx := newManager(t, repo, 1, 1, tests, nil)
	require.NoError(t, m.SetRevisions(mgrCtx, []spec.RevisionId{rev1}))

	// Give the worker time to actually start the long-running job.
	time.Sleep(150 * time.Millisecond)

	require.NoError(t, m.SetRevisions(mgrCtx, []spec.RevisionId{rev2}))

	require.True(t, waitForFile(t, trapFile, 2*time.Second), "rev1's job should receive SIGINT")
}
