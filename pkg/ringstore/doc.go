// Package ringstore keeps a bounded, in-memory history of readings per node.
//
// Each node owns a fixed-capacity ring that overwrites its oldest reading when
// full. Buffers are created lazily on the first append and removed with Drop
// when a node is deregistered.
package ringstore
