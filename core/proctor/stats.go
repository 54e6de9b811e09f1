package proctor

// Stats aggregates violation figures over a set of session logs.
type Stats struct {
	Sessions          int            `json:"sessions"`
	Violations        int            `json:"violations"`
	AverageViolations float64        `json:"average_violations"`
	ByState           map[State]int  `json:"by_state"`
	ByKind            map[Kind]int   `json:"by_kind"`
	ByReason          map[Reason]int `json:"by_reason"`
	// Suppressed counts audit entries that were seen but never counted.
	Suppressed int `json:"suppressed"`
}

// ComputeStats is read-only over sessions.
func ComputeStats(sessions []Session) Stats {
	st := Stats{
		Sessions: len(sessions),
		ByState:  make(map[State]int),
		ByKind:   make(map[Kind]int),
		ByReason: make(map[Reason]int),
	}
	for _, s := range sessions {
		st.ByState[s.State]++
		if s.Outcome != nil {
			st.ByReason[s.Outcome.Reason]++
		}
		for _, v := range s.Violations {
			st.ByKind[v.Kind]++
		}
		st.Violations += len(s.Violations)
		for _, entry := range s.Audit {
			if !entry.Counted {
				st.Suppressed++
			}
		}
	}
	if st.Sessions > 0 {
		st.AverageViolations = float64(st.Violations) / float64(st.Sessions)
	}
	return st
}
