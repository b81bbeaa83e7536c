package scheduler

// Snapshot is a point-in-time view for operators.
type Snapshot struct {
	Mode           string    `json:"mode"`
	PreferThreaded bool      `json:"prefer_threaded"`
	Initialized    bool      `json:"initialized"`
	Outstanding    int       `json:"outstanding"`
	Queued         []JobView `json:"queued"`

	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Panics    uint64 `json:"panics"`
	Canceled  uint64 `json:"canceled"`
	Switches  uint64 `json:"switches"`
}

// Snapshot must be called from the control goroutine.
func (s *Scheduler) Snapshot() Snapshot {
	snap := Snapshot{
		Mode:           s.mode.String(),
		PreferThreaded: s.prefer.Load(),
		Initialized:    s.active != nil,
		Queued:         []JobView{},
		Submitted:      s.stats.submitted.Load(),
		Completed:      s.stats.completed.Load(),
		Failed:         s.stats.failed.Load(),
		Panics:         s.stats.panics.Load(),
		Canceled:       s.stats.canceled.Load(),
		Switches:       s.stats.switches.Load(),
	}
	if s.active != nil {
		snap.Outstanding = s.active.outstanding()
		snap.Queued = s.active.queued()
	}
	return snap
}
