// Package task holds the download task entity: its configuration, the
// mutex-guarded lifecycle state machine, timing and the await contract used
// by synchronous callers.
package task
