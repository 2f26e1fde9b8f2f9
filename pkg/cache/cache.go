package cache

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/lci/pkg/spec"
)

// RevisionKey is the VCS-derived string a result is filed under: a commit
// hash or a tree hash, depending on a test's spec.CachePolicy. The cache
// itself is agnostic to which one it is handed.
type RevisionKey string

var indexBucket = []byte("cache_index")

// Database is the on-disk result store rooted at a base directory, plus a
// bbolt index of which (rev, test) pairs are present.
//
// The directory tree is authoritative; the index only accelerates presence
// checks and is rebuilt from the tree when Open finds it empty (for example
// after index.bolt was deleted). A non-empty index is not re-checked
// against the tree.
type Database struct {
	baseDir string
	index   *bolt.DB
	log     zerolog.Logger
}

// Open creates baseDir if needed and opens (or rebuilds) the index.
func Open(baseDir string, logger zerolog.Logger) (*Database, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating result database dir at %q: %w", baseDir, err)
	}

	index, err := bolt.Open(filepath.Join(baseDir, "index.bolt"), 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening cache index: %w", err)
	}
	empty, err := ensureIndexBucket(index)
	if err != nil {
		index.Close()
		return nil, err
	}

	d := &Database{baseDir: baseDir, index: index, log: logger.With().Str("component", "cache").Logger()}
	if empty {
		if err := d.rebuildIndex(); err != nil {
			index.Close()
			return nil, fmt.Errorf("rebuilding cache index: %w", err)
		}
	}
	return d, nil
}

func ensureIndexBucket(db *bolt.DB) (empty bool, err error) {
	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(indexBucket)
		if err != nil {
			return err
		}
		empty = b.Stats().KeyN == 0
		return nil
	})
	return empty, err
}

// rebuildIndex walks the directory tree for result.json files and records
// them in the index. It's the recovery path for an index deleted or lost
// independently of the (authoritative) result directories.
func (d *Database) rebuildIndex() error {
	revDirs, err := os.ReadDir(d.baseDir)
	if err != nil {
		return err
	}
	var found int
	for _, revDir := range revDirs {
		if !revDir.IsDir() {
			continue
		}
		testDirs, err := os.ReadDir(filepath.Join(d.baseDir, revDir.Name()))
		if err != nil {
			continue
		}
		for _, testDir := range testDirs {
			if !testDir.IsDir() {
				continue
			}
			resultPath := filepath.Join(d.baseDir, revDir.Name(), testDir.Name(), "result.json")
			info, err := os.Stat(resultPath)
			if err != nil {
				continue
			}
			if err := d.indexPut(RevisionKey(revDir.Name()), spec.TestName(testDir.Name()), info.ModTime()); err != nil {
				return err
			}
			found++
		}
	}
	d.log.Debug().Int("entries", found).Msg("rebuilt cache index from directory tree")
	return nil
}

// Close releases the index handle.
func (d *Database) Close() error {
	return d.index.Close()
}

func indexKey(rev RevisionKey, test spec.TestName) []byte {
	return []byte(string(rev) + "/" + string(test))
}

func (d *Database) indexPut(rev RevisionKey, test spec.TestName, at time.Time) error {
	return d.index.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(indexBucket)
		stamp, err := at.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(indexKey(rev, test), stamp)
	})
}

func (d *Database) indexHas(rev RevisionKey, test spec.TestName) bool {
	var has bool
	_ = d.index.View(func(tx *bolt.Tx) error {
		has = tx.Bucket(indexBucket).Get(indexKey(rev, test)) != nil
		return nil
	})
	return has
}

func (d *Database) resultDir(rev RevisionKey, test spec.TestName) string {
	return filepath.Join(d.baseDir, string(rev), string(test))
}

// HasCachedResult answers "is this cached" via the index when possible,
// falling back to a stat of the authoritative directory so an index miss
// (e.g. a concurrent writer that hasn't committed its index entry yet)
// never produces a false negative.
func (d *Database) HasCachedResult(rev RevisionKey, test spec.TestName) bool {
	if d.indexHas(rev, test) {
		return true
	}
	_, err := os.Stat(filepath.Join(d.resultDir(rev, test), "result.json"))
	return err == nil
}

// CachedResult returns the parsed result.json for (rev, test), or nil if
// none is present. A present-but-unparseable result.json is an error, not
// a cache miss.
func (d *Database) CachedResult(rev RevisionKey, test spec.TestName) (*spec.TestResult, error) {
	path := filepath.Join(d.resultDir(rev, test), "result.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading result json at %q: %w", path, err)
	}
	var result spec.TestResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("parsing result json at %q: %w", path, err)
	}
	return &result, nil
}

// CreateOutput returns a sink for a new job's outputs. The directory isn't
// created until the sink's first write.
func (d *Database) CreateOutput(rev RevisionKey, test spec.TestName) *OutputSink {
	return &OutputSink{db: d, rev: rev, test: test, dir: d.resultDir(rev, test)}
}

// Prune removes cached results older than olderThan, judged by the
// modification time of each entry's result.json, and drops the
// corresponding index entries.
func (d *Database) Prune(olderThan time.Duration) (removed int, err error) {
	cutoff := time.Now().Add(-olderThan)
	revDirs, err := os.ReadDir(d.baseDir)
	if err != nil {
		return 0, err
	}
	for _, revDir := range revDirs {
		if !revDir.IsDir() {
			continue
		}
		revPath := filepath.Join(d.baseDir, revDir.Name())
		testDirs, err := os.ReadDir(revPath)
		if err != nil {
			continue
		}
		remainingInRev := 0
		for _, testDir := range testDirs {
			if !testDir.IsDir() {
				continue
			}
			resultPath := filepath.Join(revPath, testDir.Name(), "result.json")
			info, err := os.Stat(resultPath)
			if err != nil {
				continue
			}
			if info.ModTime().After(cutoff) {
				remainingInRev++
				continue
			}
			if err := os.RemoveAll(filepath.Join(revPath, testDir.Name())); err != nil {
				return removed, fmt.Errorf("pruning %q: %w", resultPath, err)
			}
			if err := d.index.Update(func(tx *bolt.Tx) error {
				return tx.Bucket(indexBucket).Delete(indexKey(RevisionKey(revDir.Name()), spec.TestName(testDir.Name())))
			}); err != nil {
				return removed, err
			}
			removed++
		}
		if remainingInRev == 0 {
			_ = os.Remove(revPath)
		}
	}
	d.log.Info().Int("removed", removed).Dur("older_than", olderThan).Msg("pruned result cache")
	return removed, nil
}

// OutputSink collects one job's outputs. Each of Stdout, Stderr, and
// SetResult may be called at most once; a second call is a programmer
// error and panics. SetResult must be called last: result.json is the
// file whose presence marks a result as cached, so it is always written
// after stdout.txt/stderr.txt are fully flushed.
type OutputSink struct {
	db   *Database
	rev  RevisionKey
	test spec.TestName
	dir  string

	mu            sync.Mutex
	stdoutOpened  bool
	stderrOpened  bool
	resultWritten bool
}

func (s *OutputSink) ensureDir() error {
	return os.MkdirAll(s.dir, 0o755)
}

// Stdout opens stdout.txt for writing, creating the result directory if
// necessary. Panics if called more than once.
func (s *OutputSink) Stdout() (io.WriteCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdoutOpened {
		panic("cache: OutputSink.Stdout called more than once")
	}
	s.stdoutOpened = true
	if err := s.ensureDir(); err != nil {
		return nil, err
	}
	return os.Create(filepath.Join(s.dir, "stdout.txt"))
}

// Stderr opens stderr.txt for writing, creating the result directory if
// necessary. Panics if called more than once.
func (s *OutputSink) Stderr() (io.WriteCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stderrOpened {
		panic("cache: OutputSink.Stderr called more than once")
	}
	s.stderrOpened = true
	if err := s.ensureDir(); err != nil {
		return nil, err
	}
	return os.Create(filepath.Join(s.dir, "stderr.txt"))
}

// SetResult writes result.json, the last file written for a job and the
// one whose presence marks the job as cached. Panics if called more than
// once.
func (s *OutputSink) SetResult(result spec.TestResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resultWritten {
		panic("cache: OutputSink.SetResult called more than once")
	}
	s.resultWritten = true
	if err := s.ensureDir(); err != nil {
		return err
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("serializing test result: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, "result.json"), data, 0o644); err != nil {
		return fmt.Errorf("writing result.json: %w", err)
	}
	if err := s.db.indexPut(s.rev, s.test, result.CachedAt); err != nil {
		s.db.log.Warn().Err(err).Str("rev", string(s.rev)).Str("test", string(s.test)).Msg("failed to update cache index")
	}
	return nil
}
