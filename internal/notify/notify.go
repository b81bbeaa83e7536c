// Package notify holds scheduler.Notifier sinks: structured logs, the event bus and Telegram.
package notify

import "bgjob/internal/scheduler"

type multi []scheduler.Notifier

// Multi fans a notification out to every non-nil sink in order.
func Multi(sinks ...scheduler.Notifier) scheduler.Notifier {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multi) Notify(p scheduler.Progress) {
	for _, s := range m {
		s.Notify(p)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
