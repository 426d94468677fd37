package xfr

// MaxRounds bounds how many complete sweeps of the master list a zone
// makes before sleeping for a full retry interval.
const MaxRounds = 3

// MasterCycle is the fixed ordered master list for one zone plus the
// cursor and round counter driving cycling policy.
type MasterCycle struct {
	masters []string
	cursor  int
	round   int
}

// NewMasterCycle returns a cycle over masters, starting at the first.
func NewMasterCycle(masters []string) *MasterCycle {
	return &MasterCycle{masters: append([]string(nil), masters...)}
}

// Current returns the master the next attempt should use, or "" if no
// masters are configured.
func (m *MasterCycle) Current() string {
	if len(m.masters) == 0 {
		return ""
	}
	return m.masters[m.cursor]
}

// Round returns the current sweep count.
func (m *MasterCycle) Round() int { return m.round }

// ExhaustedRounds reports whether the cycle has completed MaxRounds full
// sweeps without success and should sleep for a full retry interval.
func (m *MasterCycle) ExhaustedRounds() bool { return m.round >= MaxRounds }

// Advance moves to the next master in the list, incrementing the round
// counter on wraparound. Call after every failed attempt.
func (m *MasterCycle) Advance() {
	if len(m.masters) == 0 {
		return
	}
	m.cursor++
	if m.cursor >= len(m.masters) {
		m.cursor = 0
		m.round++
	}
}

// ResetRounds clears the round counter, used when a sweep finally
// succeeds so the next failure starts counting from zero again.
func (m *MasterCycle) ResetRounds() { m.round = 0 }

// NotifyJump sets the cursor to addr (appending it if it isn't already a
// configured master) and resets the round counter, so the notifying
// master is probed first.
func (m *MasterCycle) NotifyJump(addr string) {
	for i, cur := range m.masters {
		if cur == addr {
			m.cursor = i
			m.round = 0
			return
		}
	}
	m.masters = append(m.masters, addr)
	m.cursor = len(m.masters) - 1
	m.round = 0
}
