package dag

import "sync"

// Graph is a collection of stages and their needs, representing a DAG.
// All operations on the graph are concurrency-safe.
type Graph struct {
	// mutex protects nodes and order during concurrent access.
	mutex sync.RWMutex
	// nodes stores all stages in the graph, keyed by name.
	nodes map[string]*node
	// order records insertion order so traversals are deterministic.
	order []string
}

// node represents a single stage. It is un-exported to enforce interaction
// with the graph via the public API (using stage names).
type node struct {
	id string
	// deps holds the stages this stage needs (predecessors).
	deps map[string]*node
	// dependents holds the stages that need this stage (successors).
	dependents map[string]*node
}
