package dag

import "fmt"

// Node is the contract a value must satisfy to be placed in a Dag[I, G]: a
// stable ID, and the IDs of the nodes it declares an edge to.
type Node[I comparable] interface {
	ID() I
	ChildIDs() []I
}

// ErrorKind distinguishes the ways constructing a Dag can fail.
type ErrorKind int

const (
	// DuplicateId means two nodes shared the same ID.
	DuplicateId ErrorKind = iota
	// NoSuchChild means a node referred to a child ID that doesn't exist.
	NoSuchChild
	// Cycle means a node participates in a dependency cycle.
	Cycle
)

// Error is returned by New and WithNode when a Dag would be invalid.
type Error[I any] struct {
	Kind   ErrorKind
	ID     I // the offending node (DuplicateId, Cycle) ...
	Parent I // ... or the referring parent (NoSuchChild)
	Child  I // ... and the missing child (NoSuchChild)
}

func (e *Error[I]) Error() string {
	switch e.Kind {
	case DuplicateId:
		return fmt.Sprintf("duplicate id %v", e.ID)
	case NoSuchChild:
		return fmt.Sprintf("%v refers to nonexistent child %v", e.Parent, e.Child)
	case Cycle:
		return fmt.Sprintf("cycle in graph, containing %v", e.ID)
	default:
		return "invalid dag"
	}
}

// Dag is an adjacency-list directed acyclic graph over nodes G identified by
// I. It makes no promises about connectedness: a Dag may consist of several
// disjoint components, or none.
type Dag[I comparable, G Node[I]] struct {
	nodes []G
	// idToIdx maps IDs nodes know about themselves to their slice index.
	idToIdx map[I]int
	// edges[i] holds the indices of the destinations of node i's edges, in
	// declaration order.
	edges [][]int
	// rootIdxs holds indices of nodes that are nobody's child.
	rootIdxs map[int]struct{}
}

// Empty returns a Dag with no nodes, suitable as a fold accumulator for
// WithNode.
func Empty[I comparable, G Node[I]]() *Dag[I, G] {
	return &Dag[I, G]{
		idToIdx:  make(map[I]int),
		rootIdxs: make(map[int]struct{}),
	}
}

// New builds a Dag from nodes, validating uniqueness of IDs, resolvability
// of every child reference, and acyclicity.
func New[I comparable, G Node[I]](nodes []G) (*Dag[I, G], error) {
	idToIdx := make(map[I]int, len(nodes))
	for idx, node := range nodes {
		id := node.ID()
		if _, ok := idToIdx[id]; ok {
			return nil, &Error[I]{Kind: DuplicateId, ID: id}
		}
		idToIdx[id] = idx
	}

	edges := make([][]int, len(nodes))
	for idx, node := range nodes {
		for _, childID := range node.ChildIDs() {
			childIdx, ok := idToIdx[childID]
			if !ok {
				return nil, &Error[I]{Kind: NoSuchChild, Parent: node.ID(), Child: childID}
			}
			edges[idx] = append(edges[idx], childIdx)
		}
	}

	rootIdxs := make(map[int]struct{}, len(nodes))
	for i := range nodes {
		rootIdxs[i] = struct{}{}
	}
	visited := make(map[int]bool, len(nodes))
	onPath := make(map[int]bool, len(nodes))
	for i := range nodes {
		if cycleIdx, ok := detectCycle(i, edges, visited, onPath, rootIdxs); ok {
			return nil, &Error[I]{Kind: Cycle, ID: nodes[cycleIdx].ID()}
		}
	}

	return &Dag[I, G]{
		nodes:    nodes,
		idToIdx:  idToIdx,
		edges:    edges,
		rootIdxs: rootIdxs,
	}, nil
}

// detectCycle runs an iterative-recursive DFS from start, marking nodes
// fully explored in visited and nodes currently on the recursion path in
// onPath. It removes every edge's destination from rootIdxs as it goes (a
// node with an incoming edge is not a root). It returns the index of a node
// participating in a cycle, if one is found.
func detectCycle(start int, edges [][]int, visited, onPath map[int]bool, rootIdxs map[int]struct{}) (int, bool) {
	if onPath[start] {
		return start, true
	}
	if visited[start] {
		return 0, false
	}
	visited[start] = true
	onPath[start] = true
	for _, child := range edges[start] {
		delete(rootIdxs, child)
		if idx, ok := detectCycle(child, edges, visited, onPath, rootIdxs); ok {
			return idx, true
		}
	}
	onPath[start] = false
	return 0, false
}

// WithNode returns a new Dag with node appended, re-validating only node's
// own edges (not the whole graph). Previously-root indices newly referenced
// as node's children are removed from the root set.
func (d *Dag[I, G]) WithNode(node G) (*Dag[I, G], error) {
	newIdx := len(d.nodes)

	idToIdx := make(map[I]int, newIdx+1)
	for k, v := range d.idToIdx {
		idToIdx[k] = v
	}
	idToIdx[node.ID()] = newIdx

	childIdxs := make([]int, 0, len(node.ChildIDs()))
	for _, childID := range node.ChildIDs() {
		childIdx, ok := idToIdx[childID]
		if !ok {
			return nil, &Error[I]{Kind: NoSuchChild, Parent: node.ID(), Child: childID}
		}
		childIdxs = append(childIdxs, childIdx)
	}

	rootIdxs := make(map[int]struct{}, len(d.rootIdxs)+1)
	for k := range d.rootIdxs {
		rootIdxs[k] = struct{}{}
	}
	for _, childIdx := range childIdxs {
		delete(rootIdxs, childIdx)
	}
	rootIdxs[newIdx] = struct{}{}

	nodes := make([]G, len(d.nodes), len(d.nodes)+1)
	copy(nodes, d.nodes)
	nodes = append(nodes, node)

	edges := make([][]int, len(d.edges), len(d.edges)+1)
	copy(edges, d.edges)
	edges = append(edges, childIdxs)

	return &Dag[I, G]{
		nodes:    nodes,
		idToIdx:  idToIdx,
		edges:    edges,
		rootIdxs: rootIdxs,
	}, nil
}

// Nodes returns every node in the Dag, in insertion order.
func (d *Dag[I, G]) Nodes() []G {
	return d.nodes
}

// Node looks up a node by ID.
func (d *Dag[I, G]) Node(id I) (G, bool) {
	idx, ok := d.idToIdx[id]
	if !ok {
		var zero G
		return zero, false
	}
	return d.nodes[idx], true
}

// Len returns the number of nodes in the Dag.
func (d *Dag[I, G]) Len() int { return len(d.nodes) }

// BottomUp returns every node once, such that each node appears after all of
// its children. Implemented as an iterative post-order DFS over the root set;
// edges are visited in declaration order.
func (d *Dag[I, G]) BottomUp() []G {
	out := make([]G, 0, len(d.nodes))
	visitStack := make([]int, 0, len(d.nodes))
	// A node reachable along several paths is pushed once per path; only its
	// first pop is emitted, and by then its whole subtree has been emitted.
	emitted := make([]bool, len(d.nodes))
	// Root indices are collected in ascending order (rather than ranged
	// over the set directly) so that iteration order is deterministic for
	// a given input, not at the mercy of Go's randomized map order.
	unvisitedRoots := make([]int, 0, len(d.rootIdxs))
	for idx := range d.nodes {
		if _, ok := d.rootIdxs[idx]; ok {
			unvisitedRoots = append(unvisitedRoots, idx)
		}
	}

	for len(unvisitedRoots) > 0 || len(visitStack) > 0 {
		if len(visitStack) == 0 {
			root := unvisitedRoots[len(unvisitedRoots)-1]
			unvisitedRoots = unvisitedRoots[:len(unvisitedRoots)-1]
			tempStack := []int{root}
			for len(tempStack) > 0 {
				cur := tempStack[len(tempStack)-1]
				tempStack = tempStack[:len(tempStack)-1]
				visitStack = append(visitStack, cur)
				tempStack = append(tempStack, d.edges[cur]...)
			}
		}
		cur := visitStack[len(visitStack)-1]
		visitStack = visitStack[:len(visitStack)-1]
		if !emitted[cur] {
			emitted[cur] = true
			out = append(out, d.nodes[cur])
		}
	}
	return out
}

// TopDownFrom returns the subgraph reachable from id, parents before
// children. It reports ok=false if id is unknown.
func (d *Dag[I, G]) TopDownFrom(id I) (out []G, ok bool) {
	startIdx, found := d.idToIdx[id]
	if !found {
		return nil, false
	}
	var order []int
	visitStack := []int{startIdx}
	for len(visitStack) > 0 {
		cur := visitStack[len(visitStack)-1]
		visitStack = visitStack[:len(visitStack)-1]
		order = append(order, cur)
		// Pushed in declaration order; since the stack is LIFO the last
		// child declared is visited first, matching the reference
		// implementation's traversal order exactly.
		visitStack = append(visitStack, d.edges[cur]...)
	}
	// A node reachable along several paths is visited once per path; only
	// its last visit is kept, which comes after every visit of its parents.
	lastPos := make(map[int]int, len(order))
	for pos, idx := range order {
		lastPos[idx] = pos
	}
	for pos, idx := range order {
		if lastPos[idx] == pos {
			out = append(out, d.nodes[idx])
		}
	}
	return out, true
}
