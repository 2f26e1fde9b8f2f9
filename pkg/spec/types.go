package spec

import (
	"fmt"
	"time"
)

// TestName is a user-chosen unique label for a declared test.
type TestName string

// RevisionId is an opaque content-addressed revision identifier produced by
// the VCS collaborator (pkg/vcs). The core never interprets its contents.
type RevisionId string

// ConfigHash is a stable, 64-bit identity of a test's declared intent. It is
// computed over the test's own canonical fields plus the ConfigHash of every
// dependency, in declaration order, so that changing a dependency changes
// every hash downstream of it.
type ConfigHash uint64

// ResourceKind distinguishes the two kinds of token a Pool can hold.
type ResourceKind int

const (
	// ResourceWorktree is the singleton kind identifying checkout tokens.
	ResourceWorktree ResourceKind = iota
	// ResourceUserToken identifies a configuration-declared named resource.
	ResourceUserToken
)

// ResourceKey is a tagged sum identifying a class of token in the resource
// pool: either the singleton Worktree class, or a named UserToken class.
// It is comparable and usable as a map key.
type ResourceKey struct {
	Kind ResourceKind
	Name string // empty for ResourceWorktree
}

// WorktreeKey returns the singleton key for checkout resources.
func WorktreeKey() ResourceKey {
	return ResourceKey{Kind: ResourceWorktree}
}

// UserTokenKey returns the key for a named, configuration-declared resource.
func UserTokenKey(name string) ResourceKey {
	return ResourceKey{Kind: ResourceUserToken, Name: name}
}

func (k ResourceKey) String() string {
	if k.Kind == ResourceWorktree {
		return "worktree"
	}
	return fmt.Sprintf("token(%s)", k.Name)
}

// CachePolicy selects which VCS-derived key is concatenated with a test's
// name to form its result-cache index.
type CachePolicy string

const (
	// NoCache means the test's result is never looked up or stored.
	NoCache CachePolicy = "none"
	// ByCommit indexes the cache by the exact commit being tested. This is
	// the default: cheap to reason about, and gives most of the benefit of
	// ByTree without requiring the caller to compute a tree hash.
	ByCommit CachePolicy = "commit"
	// ByTree indexes the cache by the tree (content) of the revision, so
	// commits that differ only in message/metadata share a cache entry.
	ByTree CachePolicy = "tree"
)

// TestSpec is the fully-resolved, immutable description of one test, as
// produced by the config resolver (pkg/config) from a raw declaration.
type TestSpec struct {
	Name    TestName
	Program string
	Args    []string

	// NeedsResources maps each resource class this test requires to the
	// count it needs, including WorktreeKey() -> 1 iff the test needs a
	// checkout.
	NeedsResources map[ResourceKey]int

	// ShutdownGracePeriod is the time between the cooperative (SIGINT) and
	// forceful (SIGKILL) termination signals sent to a cancelled job.
	ShutdownGracePeriod time.Duration

	CachePolicy CachePolicy
	ConfigHash  ConfigHash

	// DependsOn is the ordered set of TestNames this test's dependencies
	// were declared in, preserved for ConfigHash stability and diagnostics.
	DependsOn []TestName
}

// ID implements dag.Node[TestName].
func (t *TestSpec) ID() TestName { return t.Name }

// ChildIDs implements dag.Node[TestName].
func (t *TestSpec) ChildIDs() []TestName { return t.DependsOn }

// TestResult is the structured, round-trippable outcome of a completed
// (non-cancelled) job, written as result.json by the result cache.
type TestResult struct {
	ExitCode int       `json:"exit_code"`
	Signal   string    `json:"signal,omitempty"`
	Signaled bool      `json:"signaled"`
	Duration time.Duration `json:"duration_ns"`
	CachedAt time.Time `json:"cached_at"`
}

// Success reports whether the recorded outcome represents a passing test:
// process exit code zero and no signal.
func (r TestResult) Success() bool {
	return !r.Signaled && r.ExitCode == 0
}
