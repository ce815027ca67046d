// Package types holds the data model shared by the reconciliation engine's
// components: runs, stages, combinations, and the result rows each stage
// produces, plus small concurrency primitives reused across packages.
package types

// Semaphore implements a counting semaphore using a buffered channel.
// It limits concurrent access to a resource by blocking when the limit is
// reached. Used by JobRunner to bound the number of concurrently executing
// runs.
type Semaphore chan struct{}

// NewSemaphore creates a semaphore that allows up to n concurrent acquisitions.
func NewSemaphore(n int) Semaphore { return make(chan struct{}, n) }

// Acquire blocks until a slot is available, then claims it.
func (s Semaphore) Acquire() { s <- struct{}{} }

// Release frees a slot, unblocking one waiting Acquire call.
func (s Semaphore) Release() { <-s }
