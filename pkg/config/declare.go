package config

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/lci/pkg/spec"
)

// Resource is a raw pool-priming declaration, one of three shapes: a bare
// name (count=1), an explicit count, or a literal list of token values.
// yaml.v3 has no native support for an untagged enum encoding, so the
// three shapes are told apart by inspecting the node.
type Resource struct {
	Name   string
	Count  int
	Tokens []string // non-nil only for the explicit-tokens shape
}

func (r *Resource) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var name string
		if err := node.Decode(&name); err != nil {
			return fmt.Errorf("decoding bare resource name: %w", err)
		}
		*r = Resource{Name: name, Count: 1}
		return nil
	case yaml.MappingNode:
		var raw struct {
			Name   string   `yaml:"name"`
			Count  *int     `yaml:"count"`
			Tokens []string `yaml:"tokens"`
		}
		if err := decodeStrict(node, &raw); err != nil {
			return fmt.Errorf("decoding resource: %w", err)
		}
		if raw.Name == "" {
			return fmt.Errorf("resource declaration missing name")
		}
		switch {
		case raw.Tokens != nil && raw.Count != nil:
			return fmt.Errorf("resource %q: count and tokens are mutually exclusive", raw.Name)
		case raw.Tokens != nil:
			*r = Resource{Name: raw.Name, Count: len(raw.Tokens), Tokens: raw.Tokens}
		case raw.Count != nil:
			*r = Resource{Name: raw.Name, Count: *raw.Count}
		default:
			*r = Resource{Name: raw.Name, Count: 1}
		}
		return nil
	default:
		return fmt.Errorf("resource declaration must be a string or mapping")
	}
}

// tokensOrSynthetic returns the literal tokens for an explicit resource, or
// synthesized "<name>-<i>" tokens for a bare/counted one.
func (r Resource) tokensOrSynthetic() []string {
	if r.Tokens != nil {
		return r.Tokens
	}
	out := make([]string, r.Count)
	for i := range out {
		out[i] = fmt.Sprintf("%s-%d", r.Name, i)
	}
	return out
}

// Command is a raw test command: either a shell string run via "bash -c",
// or a literal argument vector whose first element is the program.
type Command struct {
	Shell string
	Raw   []string // non-nil iff this is the argv form
}

func (c *Command) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var shell string
		if err := node.Decode(&shell); err != nil {
			return fmt.Errorf("decoding shell command: %w", err)
		}
		*c = Command{Shell: shell}
		return nil
	case yaml.SequenceNode:
		var argv []string
		if err := node.Decode(&argv); err != nil {
			return fmt.Errorf("decoding argument vector: %w", err)
		}
		if len(argv) == 0 {
			return fmt.Errorf("command argument vector must not be empty")
		}
		*c = Command{Raw: argv}
		return nil
	default:
		return fmt.Errorf("command must be a shell string or an argument vector")
	}
}

// Program returns the executable this command spawns.
func (c Command) Program() string {
	if c.Raw != nil {
		return c.Raw[0]
	}
	return "bash"
}

// Args returns the argument vector, not including the program itself.
func (c Command) Args() []string {
	if c.Raw != nil {
		return c.Raw[1:]
	}
	return []string{"-c", c.Shell}
}

const defaultShutdownGracePeriodSeconds = 60

// Test is one raw test declaration, as written in the configuration
// document's tests list.
type Test struct {
	Name                string     `yaml:"name"`
	Command             Command    `yaml:"command"`
	RequiresWorktree     *bool      `yaml:"requires_worktree"`
	Resources           []Resource `yaml:"resources"`
	ShutdownGracePeriodS *uint64    `yaml:"shutdown_grace_period_s"`
	Cache                *spec.CachePolicy `yaml:"cache"`
	DependsOn            []string   `yaml:"depends_on"`
}

// ID implements dag.Node[spec.TestName] over the raw declarations, so the
// resolver can build a DAG before any field has been resolved.
func (t *Test) ID() spec.TestName { return spec.TestName(t.Name) }

// ChildIDs implements dag.Node[spec.TestName].
func (t *Test) ChildIDs() []spec.TestName {
	out := make([]spec.TestName, len(t.DependsOn))
	for i, d := range t.DependsOn {
		out[i] = spec.TestName(d)
	}
	return out
}

func (t *Test) requiresWorktree() bool {
	if t.RequiresWorktree == nil {
		return true
	}
	return *t.RequiresWorktree
}

func (t *Test) shutdownGracePeriodSeconds() uint64 {
	if t.ShutdownGracePeriodS == nil {
		return defaultShutdownGracePeriodSeconds
	}
	return *t.ShutdownGracePeriodS
}

func (t *Test) cachePolicy() spec.CachePolicy {
	if t.Cache == nil {
		return spec.ByCommit
	}
	return *t.Cache
}

// Document is the top-level configuration document: worktree count,
// pool-priming resources, and the declared test graph.
type Document struct {
	NumWorktrees int        `yaml:"num_worktrees"`
	Resources    []Resource `yaml:"resources"`
	Tests        []Test     `yaml:"tests"`
}

// decodeStrict re-decodes node into out, rejecting any mapping key out
// doesn't declare a yaml tag for. Used by Resource's hand-rolled
// UnmarshalYAML, which bypasses the KnownFields checking an ordinary
// Decoder.Decode of Document performs on plain struct fields.
func decodeStrict(node *yaml.Node, out interface{}) error {
	// Round-trip through a document node so Decoder.KnownFields applies the
	// same rejection a top-level strict decode would.
	wrapped := yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{node}}
	data, err := yaml.Marshal(&wrapped)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(out)
}
