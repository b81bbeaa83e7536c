// Package trigger turns schedules (cron/interval/startup) into freshly built jobs.
//
// The service never runs a job itself. Each firing builds a job through the
// registered factory and hands it to the host over a bounded channel; the host
// owns the scheduler and submits from its control goroutine.
package trigger
