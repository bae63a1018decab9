package ui

import "fmt"

type stepStatus string

const (
	stepPending stepStatus = "pending"
	stepRunning stepStatus = "running"
	stepDone    stepStatus = "done"
	stepSkipped stepStatus = "skipped"
	stepFailed  stepStatus = "failed"
)

// stepState is one progress row: a deploy phase, or one host within it.
type stepState struct {
	ID       string
	ParentID string
	Title    string
	Status   stepStatus
	Message  string
}

type stepSnapshot struct {
	Steps []stepState
}

// hostTally counts the host rows of one phase.
type hostTally struct {
	total, running, done, skipped, failed int
}

func tallyHosts(hosts []stepState) hostTally {
	t := hostTally{total: len(hosts)}
	for _, h := range hosts {
		switch h.Status {
		case stepRunning:
			t.running++
		case stepDone:
			t.done++
		case stepSkipped:
			t.skipped++
		case stepFailed:
			t.failed++
		}
	}
	return t
}

// status is the phase status its hosts add up to. One failed host fails
// the phase; a phase where every host was skipped is skipped.
func (t hostTally) status() stepStatus {
	settled := t.done + t.skipped
	switch {
	case t.total == 0:
		return stepPending
	case t.failed > 0:
		return stepFailed
	case t.skipped == t.total:
		return stepSkipped
	case settled == t.total:
		return stepDone
	case t.running > 0 || settled > 0:
		return stepRunning
	default:
		return stepPending
	}
}

func (t hostTally) String() string {
	if t.done+t.skipped+t.failed == 0 {
		return ""
	}
	msg := fmt.Sprintf("%d/%d hosts", t.done, t.total)
	if t.skipped > 0 {
		msg += fmt.Sprintf(", %d skipped", t.skipped)
	}
	if t.failed > 0 {
		msg += fmt.Sprintf(", %d failed", t.failed)
	}
	return msg
}
