package negotiation

import (
	"fmt"
	"strconv"
	"strings"
)

// State is a node of the negotiation graph. The integer code is what gets
// persisted; the name is what gets logged and rendered.
type State int

const (
	StateError       State = -1
	StateInitial     State = 100
	StateRequesting  State = 200
	StateRequested   State = 300
	StateOffering    State = 400
	StateOffered     State = 500
	StateAgreeing    State = 600
	StateAgreed      State = 700
	StateVerifying   State = 800
	StateVerified    State = 900
	StateFinalizing  State = 1000
	StateFinalized   State = 1100
	StateTerminating State = 1200
	StateTerminated  State = 1300
)

var stateNames = map[State]string{
	StateError:       "ERROR",
	StateInitial:     "INITIAL",
	StateRequesting:  "REQUESTING",
	StateRequested:   "REQUESTED",
	StateOffering:    "OFFERING",
	StateOffered:     "OFFERED",
	StateAgreeing:    "AGREEING",
	StateAgreed:      "AGREED",
	StateVerifying:   "VERIFYING",
	StateVerified:    "VERIFIED",
	StateFinalizing:  "FINALIZING",
	StateFinalized:   "FINALIZED",
	StateTerminating: "TERMINATING",
	StateTerminated:  "TERMINATED",
}

// AllStates lists every state in code order.
var AllStates = []State{
	StateError, StateInitial, StateRequesting, StateRequested, StateOffering, StateOffered,
	StateAgreeing, StateAgreed, StateVerifying, StateVerified, StateFinalizing, StateFinalized,
	StateTerminating, StateTerminated,
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN(" + strconv.Itoa(int(s)) + ")"
}

// Known reports whether s is one of the declared states.
func (s State) Known() bool {
	_, ok := stateNames[s]
	return ok
}

// Terminal reports whether no transition ever leaves s.
func (s State) Terminal() bool {
	return s == StateFinalized || s == StateTerminated || s == StateError
}

// Sending reports whether s is an "-ING" state in which this side performs an
// outbound send. Only sending states consume retry budget.
func (s State) Sending() bool {
	switch s {
	case StateRequesting, StateOffering, StateAgreeing, StateVerifying, StateFinalizing, StateTerminating:
		return true
	}
	return false
}

// AgreementReached reports whether s lies on the agreed part of the main path.
func (s State) AgreementReached() bool {
	return s >= StateAgreed && s <= StateFinalized
}

// BeforeAgreement reports whether s lies on the main path before AGREED.
func (s State) BeforeAgreement() bool {
	return s >= StateInitial && s < StateAgreed
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) {
	if !s.Known() {
		return nil, fmt.Errorf("unknown state code %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText accepts a state name or its numeric code.
func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseState converts a name (case-insensitive) or numeric code to a State.
func ParseState(raw string) (State, error) {
	raw = strings.TrimSpace(raw)
	if code, err := strconv.Atoi(raw); err == nil {
		s := State(code)
		if !s.Known() {
			return 0, fmt.Errorf("unknown state code %d", code)
		}
		return s, nil
	}
	for s, name := range stateNames {
		if strings.EqualFold(name, raw) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown state %q", raw)
}
