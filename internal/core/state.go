package core

// State is the health state of the process.
type State string

const (
	StateBooting  State = "BOOTING"
	StateWarming  State = "WARMING"
	StateReady    State = "READY"
	StateDegraded State = "DEGRADED"
	StateReadOnly State = "READ_ONLY"
	// StateCircuitOpen is reported while the breaker is open; it is never stored.
	StateCircuitOpen State = "CIRCUIT_OPEN"
)

// Healthy reports whether the state counts as serving for health probes.
func (s State) Healthy() bool {
	return s == StateReady || s == StateReadOnly
}

// WriteProtected reports whether writes are refused in this state.
func (s State) WriteProtected() bool {
	return s == StateReadOnly || s == StateDegraded
}

func (s State) String() string { return string(s) }
