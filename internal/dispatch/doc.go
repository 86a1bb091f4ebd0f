// Package dispatch provides single-goroutine work queues.
//
// A Queue executes posted work strictly in post order on the one goroutine
// running its loop. Work receives a context marking the queue, which lets
// Post and Call run inline when already on the queue instead of deadlocking.
// Call and PostBlocking hand results back through a single-slot rendezvous
// owned by the calling frame.
package dispatch
