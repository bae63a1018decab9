package ui

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

var spinFrames = [...]string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Checklist redraws deploy progress in place. Host rows are shown only
// while their phase runs or after it failed, so a large fleet collapses
// to one line per phase.
type Checklist struct {
	out      io.Writer
	rows     []stepState
	rendered int
	frame    int
	started  bool

	mu   sync.Mutex
	stop chan struct{}
	once sync.Once
}

func NewChecklist() *Checklist {
	return &Checklist{out: os.Stderr, stop: make(chan struct{})}
}

func (c *Checklist) OnSnapshot(snap stepSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rows = visibleRows(snap.Steps)
	c.redraw()
	if !c.started {
		c.started = true
		go c.spin()
	}
}

// Close stops the animation and draws the final state.
func (c *Checklist) Close() {
	c.once.Do(func() {
		close(c.stop)
		c.mu.Lock()
		c.redraw()
		c.mu.Unlock()
	})
}

func (c *Checklist) spin() {
	ticker := time.NewTicker(80 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			c.frame = (c.frame + 1) % len(spinFrames)
			c.redraw()
			c.mu.Unlock()
		}
	}
}

// redraw reprints the rows over the previous frame. Caller must hold c.mu.
func (c *Checklist) redraw() {
	if c.rendered > 0 {
		fmt.Fprintf(c.out, "\033[%dA", c.rendered)
	}
	for _, s := range c.rows {
		line := stepIndent(s) + c.icon(s) + " " + c.label(s)
		if s.Message != "" {
			line += " " + Muted(s.Message)
		}
		fmt.Fprintf(c.out, "\r%s\033[K\n", line)
	}
	// Clear rows left over from a longer frame and return above them.
	if extra := c.rendered - len(c.rows); extra > 0 {
		for range extra {
			fmt.Fprint(c.out, "\r\033[K\n")
		}
		fmt.Fprintf(c.out, "\033[%dA", extra)
	}
	c.rendered = len(c.rows)
}

func (c *Checklist) icon(s stepState) string {
	switch s.Status {
	case stepRunning:
		return Accent(spinFrames[c.frame])
	case stepDone:
		return Success("✓")
	case stepSkipped:
		return Muted("-")
	case stepFailed:
		return Error("✗")
	default:
		return Muted("●")
	}
}

func (c *Checklist) label(s stepState) string {
	switch s.Status {
	case stepFailed:
		return Error(s.Title)
	case stepRunning, stepDone:
		return s.Title
	default:
		return Muted(s.Title)
	}
}

// visibleRows drops the host rows of phases that are pending, done or
// skipped.
func visibleRows(steps []stepState) []stepState {
	phase := make(map[string]stepStatus)
	for _, s := range steps {
		if s.ParentID == "" {
			phase[s.ID] = s.Status
		}
	}
	rows := make([]stepState, 0, len(steps))
	for _, s := range steps {
		if s.ParentID != "" {
			if st := phase[s.ParentID]; st != stepRunning && st != stepFailed {
				continue
			}
		}
		rows = append(rows, s)
	}
	return rows
}

func stepIndent(s stepState) string {
	if s.ParentID != "" {
		return "    "
	}
	return "  "
}
