package runner

// Phase identifies one of the three script phases of a run.
type Phase int

const (
	// PhaseSetup prepares the sessions for the test body.
	PhaseSetup Phase = iota
	// PhaseTestBody holds the interactions under test.
	PhaseTestBody
	// PhaseTeardown restores the peer after the test body.
	PhaseTeardown

	phaseCount = 3
)

func (p Phase) String() string {
	switch p {
	case PhaseSetup:
		return "SETUP"
	case PhaseTestBody:
		return "TEST_BODY"
	case PhaseTeardown:
		return "TEARDOWN"
	default:
		return "UNKNOWN"
	}
}

// Phases returns the phases in execution order.
func Phases() []Phase {
	return []Phase{PhaseSetup, PhaseTestBody, PhaseTeardown}
}

// State is the lifecycle state of a Runner.
type State int

const (
	StateCreated State = iota
	StateSetup
	StateTestBody
	StateTeardown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateSetup:
		return "SETUP"
	case StateTestBody:
		return "TEST_BODY"
	case StateTeardown:
		return "TEARDOWN"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// stateFor maps a phase to the state the runner is in while it executes.
func stateFor(p Phase) State {
	switch p {
	case PhaseSetup:
		return StateSetup
	case PhaseTestBody:
		return StateTestBody
	default:
		return StateTeardown
	}
}
