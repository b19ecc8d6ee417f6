// Package scheduler decides when and whether a post is delivered.
//
// Every pending post owns one Job in the Registry: a one-shot timer plus a
// cancellation token that also covers the in-flight dispatch. Fired jobs are
// handed to the task engine; posts already due are dispatched on the caller's
// goroutine. Recover re-admits pending work at boot and the sweeper admits
// posts written by other processes.
package scheduler
