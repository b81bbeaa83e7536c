// Package jobs holds the built-in resumable jobs and the factories that
// build them from config. Every job does a bounded slice of work per step
// and keeps its state in the step closure, so it runs unchanged on either
// scheduler backend.
package jobs
