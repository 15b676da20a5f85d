// Package mflow executes dependency graphs of tasks. Dependencies are
// discovered from task arguments, linear chains can be fused into pipeline
// units, and a scheduler runs either graph sequentially, on a goroutine pool
// or on a pool of worker processes while caching and evicting intermediate
// results.
package mflow
