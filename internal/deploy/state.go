package deploy

import (
	"encoding/json"
	"fmt"

	"confctl/internal/check"
)

// State is a host's position in the pipeline.
type State uint8

const (
	StatePending State = iota + 1
	StateCopying
	StateCopied
	StateCopySkipped
	StateCopyFailed
	StateActivating
	StateActivated
	StateActivationSkipped
	StateActivationFailed
	StateRebooting
	StateRebooted
	StateRebootSkipped
	StateRebootFailed
	StateHealthChecking
	StateHealthy
	StateUnhealthy
)

var stateNames = map[State]string{
	StatePending:           "pending",
	StateCopying:           "copying",
	StateCopied:            "copied",
	StateCopySkipped:       "copy-skipped",
	StateCopyFailed:        "copy-failed",
	StateActivating:        "activating",
	StateActivated:         "activated",
	StateActivationSkipped: "activation-skipped",
	StateActivationFailed:  "activation-failed",
	StateRebooting:         "rebooting",
	StateRebooted:          "rebooted",
	StateRebootSkipped:     "reboot-skipped",
	StateRebootFailed:      "reboot-failed",
	StateHealthChecking:    "health-checking",
	StateHealthy:           "healthy",
	StateUnhealthy:         "unhealthy",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

func (s State) IsValid() bool {
	_, ok := stateNames[s]
	return ok
}

// Failed reports whether s ends a host's run with an error.
func (s State) Failed() bool {
	switch s {
	case StateCopyFailed, StateActivationFailed, StateRebootFailed, StateUnhealthy:
		return true
	default:
		return false
	}
}

// Skipped reports whether the operator declined a step of the host.
func (s State) Skipped() bool {
	switch s {
	case StateCopySkipped, StateActivationSkipped, StateRebootSkipped:
		return true
	default:
		return false
	}
}

// Transition returns to if the pipeline allows moving from s to it. Skips
// only propagate forward: a skipped step leads to skipping the next one.
func (s State) Transition(to State) State {
	ok := false
	switch s {
	case StatePending:
		ok = to == StateCopying || to == StateCopySkipped
	case StateCopying:
		ok = to == StateCopied || to == StateCopyFailed
	case StateCopied:
		ok = to == StateActivating || to == StateActivationSkipped
	case StateCopySkipped:
		ok = to == StateActivationSkipped
	case StateActivating:
		ok = to == StateActivated || to == StateActivationFailed
	case StateActivated:
		ok = to == StateRebooting || to == StateRebootSkipped || to == StateHealthChecking
	case StateActivationSkipped:
		ok = to == StateRebootSkipped
	case StateRebooting:
		ok = to == StateRebooted || to == StateRebootFailed
	case StateRebooted:
		ok = to == StateHealthChecking
	case StateHealthChecking:
		ok = to == StateHealthy || to == StateUnhealthy
	}
	check.Assertf(ok, "host state transition: %s -> %s", s, to)
	if !ok {
		return s
	}
	return to
}

func (s State) MarshalJSON() ([]byte, error) {
	if !s.IsValid() {
		return nil, fmt.Errorf("invalid host state: %d", s)
	}
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	next, ok := ParseState(raw)
	if !ok {
		return fmt.Errorf("invalid host state: %q", raw)
	}
	*s = next
	return nil
}

func ParseState(raw string) (State, bool) {
	for s, name := range stateNames {
		if name == raw {
			return s, true
		}
	}
	return 0, false
}

// Step is a confirmable pipeline step.
type Step string

const (
	StepCopy        Step = "copy"
	StepActivate    Step = "activate"
	StepReboot      Step = "reboot"
	StepHealthCheck Step = "healthcheck"
)
