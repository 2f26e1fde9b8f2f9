package config

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/cespare/xxhash/v2"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/lci/pkg/dag"
	"github.com/cuemby/lci/pkg/spec"
)

// ErrorKind distinguishes the ways a configuration document can be invalid.
type ErrorKind int

const (
	// DuplicateResource means a test referenced the same resource name twice.
	DuplicateResource ErrorKind = iota
	// UndefinedResource means a test referenced a resource name the
	// document never declared in its top-level resources list.
	UndefinedResource
)

// Error reports a semantically invalid configuration document. Structural
// problems in the test dependency graph surface as a *dag.Error instead.
type Error struct {
	Kind     ErrorKind
	Test     spec.TestName
	Resource string
}

func (e *Error) Error() string {
	switch e.Kind {
	case DuplicateResource:
		return fmt.Sprintf("duplicate resource reference %q in test %q", e.Resource, e.Test)
	case UndefinedResource:
		return fmt.Sprintf("undefined resource %q referenced in test %q", e.Resource, e.Test)
	default:
		return "invalid configuration"
	}
}

// ParsedConfig is everything needed to start a run: the number of worktrees
// to prime, the resource pool's initial tokens, and the resolved test DAG.
type ParsedConfig struct {
	NumWorktrees int
	PoolTokens   map[spec.ResourceKey][]string
	Tests        *dag.Dag[spec.TestName, *spec.TestSpec]
}

// Parse reads a strict YAML configuration document from r and resolves it.
// Unknown keys at any struct-decoded level are rejected, matching
// config.rs's #[serde(deny_unknown_fields)] on every declaration type.
func Parse(r io.Reader) (*ParsedConfig, error) {
	var doc Document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}
	return Resolve(&doc)
}

// Resolve turns an already-decoded Document into a ParsedConfig, running
// the algorithm config.rs's ParsedConfig::from/Config::parse_tests follow:
// prime the pool token map, build and fold the raw test DAG bottom-up into
// resolved specs, then validate every resource reference.
func Resolve(doc *Document) (*ParsedConfig, error) {
	poolTokens := resourceTokens(doc.Resources)

	rawNodes := make([]*Test, len(doc.Tests))
	for i := range doc.Tests {
		rawNodes[i] = &doc.Tests[i]
	}
	rawDag, err := dag.New[spec.TestName, *Test](rawNodes)
	if err != nil {
		return nil, fmt.Errorf("parsing test dependency graph: %w", err)
	}

	resolved := dag.Empty[spec.TestName, *spec.TestSpec]()
	for _, raw := range rawDag.BottomUp() {
		node, err := resolveTest(raw, resolved)
		if err != nil {
			return nil, err
		}
		resolved, err = resolved.WithNode(node)
		if err != nil {
			// Can't happen: raw's own DAG construction already validated
			// that every dependency id resolves within this same batch.
			return nil, fmt.Errorf("internal error inserting resolved test %q: %w", node.Name, err)
		}
	}

	for _, test := range resolved.Nodes() {
		for key := range test.NeedsResources {
			if key.Kind != spec.ResourceUserToken {
				continue
			}
			if _, ok := poolTokens[key]; !ok {
				return nil, &Error{Kind: UndefinedResource, Test: test.Name, Resource: key.Name}
			}
		}
	}

	return &ParsedConfig{
		NumWorktrees: doc.NumWorktrees,
		PoolTokens:   poolTokens,
		Tests:        resolved,
	}, nil
}

// resourceTokens expands the top-level resource declarations into the
// literal token sets a pool.Pool is primed with.
func resourceTokens(declared []Resource) map[spec.ResourceKey][]string {
	out := make(map[spec.ResourceKey][]string, len(declared))
	for _, r := range declared {
		out[spec.UserTokenKey(r.Name)] = r.tokensOrSynthetic()
	}
	return out
}

// resolveTest converts one raw declaration into a spec.TestSpec, given the
// already-resolved DAG of its dependencies (bottom_up guarantees every
// dependency has already been folded in).
func resolveTest(raw *Test, resolvedSoFar *dag.Dag[spec.TestName, *spec.TestSpec]) (*spec.TestSpec, error) {
	name := spec.TestName(raw.Name)

	seen := make(map[string]struct{}, len(raw.Resources))
	needsResources := make(map[spec.ResourceKey]int, len(raw.Resources)+1)
	for _, r := range raw.Resources {
		if _, dup := seen[r.Name]; dup {
			return nil, &Error{Kind: DuplicateResource, Test: name, Resource: r.Name}
		}
		seen[r.Name] = struct{}{}
		needsResources[spec.UserTokenKey(r.Name)] = r.Count
	}
	if raw.requiresWorktree() {
		needsResources[spec.WorktreeKey()] = 1
	}

	dependsOn := make([]spec.TestName, len(raw.DependsOn))
	for i, d := range raw.DependsOn {
		dependsOn[i] = spec.TestName(d)
	}

	configHash, err := computeConfigHash(raw, dependsOn, resolvedSoFar)
	if err != nil {
		return nil, err
	}

	return &spec.TestSpec{
		Name:                name,
		Program:             raw.Command.Program(),
		Args:                raw.Command.Args(),
		NeedsResources:      needsResources,
		ShutdownGracePeriod: time.Duration(raw.shutdownGracePeriodSeconds()) * time.Second,
		CachePolicy:         raw.cachePolicy(),
		ConfigHash:          configHash,
		DependsOn:           dependsOn,
	}, nil
}

// computeConfigHash hashes raw's own canonical fields, in declaration
// order, followed by the ConfigHash of each dependency in depends_on order.
// This mirrors config.rs's derive(Hash) over Test plus the explicit
// "hash in each dependency's config_hash" loop in Test::parse: a change
// anywhere in a transitive dependency changes every hash downstream of it.
func computeConfigHash(raw *Test, dependsOn []spec.TestName, resolvedSoFar *dag.Dag[spec.TestName, *spec.TestSpec]) (spec.ConfigHash, error) {
	h := xxhash.New()
	writeString(h, raw.Name)
	writeCommand(h, raw.Command)
	writeBool(h, raw.requiresWorktree())
	writeUint64(h, uint64(len(raw.Resources)))
	for _, r := range raw.Resources {
		writeString(h, r.Name)
		writeUint64(h, uint64(r.Count))
		writeUint64(h, uint64(len(r.Tokens)))
		for _, tok := range r.Tokens {
			writeString(h, tok)
		}
	}
	writeUint64(h, raw.shutdownGracePeriodSeconds())
	writeString(h, string(raw.cachePolicy()))
	writeUint64(h, uint64(len(dependsOn)))
	for _, dep := range dependsOn {
		writeString(h, string(dep))
		depNode, ok := resolvedSoFar.Node(dep)
		if !ok {
			return 0, fmt.Errorf("internal error: dependency %q of %q not yet resolved", dep, raw.Name)
		}
		writeUint64(h, uint64(depNode.ConfigHash))
	}
	return spec.ConfigHash(h.Sum64()), nil
}

func writeCommand(h *xxhash.Digest, c Command) {
	if c.Raw != nil {
		writeUint64(h, 1)
		writeUint64(h, uint64(len(c.Raw)))
		for _, a := range c.Raw {
			writeString(h, a)
		}
		return
	}
	writeUint64(h, 0)
	writeString(h, c.Shell)
}

func writeString(h *xxhash.Digest, s string) {
	writeUint64(h, uint64(len(s)))
	_, _ = io.WriteString(h, s)
}

func writeBool(h *xxhash.Digest, b bool) {
	if b {
		writeUint64(h, 1)
	} else {
		writeUint64(h, 0)
	}
}

func writeUint64(h *xxhash.Digest, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, _ = h.Write(buf[:])
}
