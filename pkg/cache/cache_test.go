package cache

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/lci/pkg/spec"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := Open(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestCacheMissReturnsNilNotError(t *testing.T) {
	db := openTestDB(t)
	result, err := db.CachedResult("rev1", "t")
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.False(t, db.HasCachedResult("rev1", "t"))
}

func writeFullResult(t *testing.T, sink *OutputSink, result spec.TestResult) {
	t.Helper()
	stdout, err := sink.Stdout()
	require.NoError(t, err)
	_, err = io.WriteString(stdout, "hello stdout\n")
	require.NoError(t, err)
	require.NoError(t, stdout.Close())

	stderr, err := sink.Stderr()
	require.NoError(t, err)
	_, err = io.WriteString(stderr, "hello stderr\n")
	require.NoError(t, err)
	require.NoError(t, stderr.Close())

	require.NoError(t, sink.SetResult(result))
}

func TestRoundTripThroughSinkAndRead(t *testing.T) {
	db := openTestDB(t)
	want := spec.TestResult{ExitCode: 0, Duration: 2 * time.Second, CachedAt: time.Now().UTC().Truncate(time.Second)}

	sink := db.CreateOutput("rev1", "t")
	writeFullResult(t, sink, want)

	got, err := db.CachedResult("rev1", "t")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.ExitCode, got.ExitCode)
	assert.Equal(t, want.Duration, got.Duration)
	assert.True(t, db.HasCachedResult("rev1", "t"))
}

func TestDoubleWriteToSinkPanics(t *testing.T) {
	db := openTestDB(t)
	sink := db.CreateOutput("rev1", "t")

	stdout, err := sink.Stdout()
	require.NoError(t, err)
	require.NoError(t, stdout.Close())

	assert.Panics(t, func() {
		_, _ = sink.Stdout()
	})

	require.NoError(t, sink.SetResult(spec.TestResult{}))
	assert.Panics(t, func() {
		_ = sink.SetResult(spec.TestResult{})
	})
}

func TestResultJSONIsWrittenLast(t *testing.T) {
	db := openTestDB(t)
	sink := db.CreateOutput("rev1", "t")

	stdout, err := sink.Stdout()
	require.NoError(t, err)
	require.NoError(t, stdout.Close())

	dir := db.resultDir("rev1", "t")
	_, err = os.Stat(filepath.Join(dir, "result.json"))
	assert.True(t, os.IsNotExist(err), "result.json must not exist before SetResult is called")

	require.NoError(t, sink.SetResult(spec.TestResult{}))
	assert.FileExists(t, filepath.Join(dir, "result.json"))
}

func TestDistinctTestsDoNotCollide(t *testing.T) {
	db := openTestDB(t)
	writeFullResult(t, db.CreateOutput("rev1", "a"), spec.TestResult{ExitCode: 1})
	writeFullResult(t, db.CreateOutput("rev1", "b"), spec.TestResult{ExitCode: 2})
	writeFullResult(t, db.CreateOutput("rev2", "a"), spec.TestResult{ExitCode: 3})

	ra, err := db.CachedResult("rev1", "a")
	require.NoError(t, err)
	rb, err := db.CachedResult("rev1", "b")
	require.NoError(t, err)
	ra2, err := db.CachedResult("rev2", "a")
	require.NoError(t, err)

	assert.Equal(t, 1, ra.ExitCode)
	assert.Equal(t, 2, rb.ExitCode)
	assert.Equal(t, 3, ra2.ExitCode)
}

func TestRebuildIndexFromExistingDirectoryTree(t *testing.T) {
	base := t.TempDir()
	db, err := Open(base, zerolog.Nop())
	require.NoError(t, err)
	writeFullResult(t, db.CreateOutput("rev1", "t"), spec.TestResult{ExitCode: 0})
	require.NoError(t, db.Close())

	// Simulate the index being lost independently of the result directory.
	require.NoError(t, os.Remove(filepath.Join(base, "index.bolt")))

	reopened, err := Open(base, zerolog.Nop())
	require.NoError(t, err)
	defer reopened.Close()
	assert.True(t, reopened.HasCachedResult("rev1", "t"))
}

func TestPruneRemovesOldEntriesOnly(t *testing.T) {
	db := openTestDB(t)
	writeFullResult(t, db.CreateOutput("rev1", "old"), spec.TestResult{ExitCode: 0})

	oldPath := filepath.Join(db.resultDir("rev1", "old"), "result.json")
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(oldPath, old, old))

	writeFullResult(t, db.CreateOutput("rev1", "fresh"), spec.TestResult{ExitCode: 0})

	removed, err := db.Prune(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	got, err := db.CachedResult("rev1", "old")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = db.CachedResult("rev1", "fresh")
	require.NoError(t, err)
	assert.NotNil(t, got)
}
