// Package dag holds the static stage graph of a pipeline: stage names as
// vertices and "needs" relations as edges. The graph is built once per
// pipeline definition and reused for any target-set size; per-target
// expansion happens in the executor.
package dag
