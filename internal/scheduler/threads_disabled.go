//go:build js || wasip1

package scheduler

// Single-threaded targets run everything on the host loop.
const threadsSupported = false
