/*
Package dag implements a validated directed acyclic graph over nodes
identified by a comparable key, with bottom-up (children-before-parents) and
top-down (parents-before-children) traversals.

# Construction

New builds a Dag from a slice of nodes implementing Node[I]. It rejects
duplicate IDs, edges to nonexistent children, and cycles, returning an *Error
naming the offending ID. Construction runs in three passes: a uniqueness scan
over IDs, resolution of child IDs to array indices, and a depth-first cycle
check that also computes the root set (nodes nobody names as a child).

# Traversals

BottomUp walks every node such that a node never appears before any of its
children; within one connected component the order is deterministic given
the declaration order of child IDs, but the relative order of separate
components is unspecified (stable for a given input, not part of the
contract). TopDownFrom walks the subgraph reachable from one node, parents
before children.

This mirrors local-ci's dag.rs: an adjacency-list DAG keyed by opaque IDs,
with the same iterative post-order/pre-order traversal algorithms, adapted to
Go generics instead of Rust's GraphNode trait + impl Borrow<I>.
*/
package dag
