// Package graph defines the compiled Step Graph - the ordered,
// dependency-respecting list of executable steps a compilation produces.
//
// Graph invariants (restored by normalize, checked by postvalidate):
//   - Step IDs are "step1".."stepN", contiguous and assigned by array
//     position, never reused from a prior graph.
//   - Every dependency points at a strictly earlier array position; the
//     dependency graph is a DAG whose topological order equals array order.
//   - Steps nested in a loop/scatter block may reference the iteration
//     variable, steps before the enclosing block, or earlier siblings in the
//     same block - never steps after the block.
package graph
