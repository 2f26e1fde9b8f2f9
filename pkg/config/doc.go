/*
Package config implements the test configuration resolver: it turns a
user-declared YAML document into a pkg/dag of pkg/spec.TestSpec plus the
token map used to prime a pkg/pool.Pool.

Resource and Command use hand-written yaml.Node inspection in place of an
untagged enum (gopkg.in/yaml.v3 has no native support for one), and
Resolve builds the raw DAG, folds it bottom-up into resolved specs while
computing each one's ConfigHash from its own canonical fields plus its
dependencies' hashes, then validates every resource reference against the
declared pool keys.
*/
package config
