//go:build !js && !wasip1

package scheduler

const threadsSupported = true
