package flows

import "fmt"

// State is a step of the authorization code flow for one in-flight request
type State int

const (
	StateReceived State = iota
	StateClientValidated
	StateNeedsLogin
	StateAuthenticated
	StateNeedsConsent
	StateConsented
	StateGrantIssued
	StateRedirected
	StateRejected
)

var stateNames = map[State]string{
	StateReceived:        "received",
	StateClientValidated: "client_validated",
	StateNeedsLogin:      "needs_login",
	StateAuthenticated:   "authenticated",
	StateNeedsConsent:    "needs_consent",
	StateConsented:       "consented",
	StateGrantIssued:     "grant_issued",
	StateRedirected:      "redirected",
	StateRejected:        "rejected",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// transitions lists the legal successors of each state. Rejected is reachable
// from every non-terminal state and is added by canAdvance.
var transitions = map[State][]State{
	StateReceived:        {StateClientValidated},
	StateClientValidated: {StateNeedsLogin, StateAuthenticated},
	StateNeedsLogin:      {StateAuthenticated},
	StateAuthenticated:   {StateNeedsConsent, StateConsented},
	StateNeedsConsent:    {StateConsented},
	StateConsented:       {StateGrantIssued},
	StateGrantIssued:     {StateRedirected},
}

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	return s == StateRedirected || s == StateRejected
}

func canAdvance(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateRejected {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// flowTrace records the states one request passed through
type flowTrace struct {
	state State
	trail []State
}

func newTrace(start State) *flowTrace {
	return &flowTrace{state: start, trail: []State{start}}
}

func (t *flowTrace) advance(to State) error {
	if !canAdvance(t.state, to) {
		return fmt.Errorf("illegal flow transition %s -> %s", t.state, to)
	}
	t.state = to
	t.trail = append(t.trail, to)
	return nil
}
