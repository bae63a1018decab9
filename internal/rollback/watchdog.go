// Package rollback protects a single activation. The watchdog runs on the
// activated machine: it switches to the new configuration and switches
// back unless a prober, running on the orchestrating machine, confirms the
// machine is still reachable by writing to the check file.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"confctl/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// Check file states.
const (
	StateSwitching = "switching"
	StateSwitched  = "switched"
	StateConfirmed = "confirmed"
)

const (
	DefaultCheckFile    = "/run/confctl/auto-rollback-check"
	DefaultTimeout      = 60 * time.Second
	defaultPollInterval = time.Second

	// ExitRolledBack is the watchdog's exit status after a rollback.
	ExitRolledBack = 2
)

// ErrRolledBack is returned when the activation was not confirmed in time
// and the previous configuration was activated again.
var ErrRolledBack = errors.New("activation not confirmed, rolled back")

// ActivateFunc activates toplevel with a switch-to-configuration action.
type ActivateFunc func(ctx context.Context, toplevel, action string) error

// Watchdog guards one activation.
type Watchdog struct {
	CheckFile string
	Timeout   time.Duration
	// PollInterval is how often the check file is re-read when change
	// notifications are unavailable or missed.
	PollInterval time.Duration
	Activate     ActivateFunc
	// After defaults to time.After.
	After  func(time.Duration) <-chan time.Time
	Logger *slog.Logger
}

// Run activates next and waits for confirmation. Without confirmation
// within the timeout, previous is activated again and ErrRolledBack is
// returned. A failed activation of next is rolled back right away.
func (w *Watchdog) Run(ctx context.Context, previous, next, action string) error {
	log := logging.OrDefault(w.Logger)
	if w.Activate == nil {
		return errors.New("watchdog: no activation function")
	}
	if err := os.MkdirAll(filepath.Dir(w.checkFile()), 0o755); err != nil {
		return fmt.Errorf("create check file directory: %w", err)
	}

	if err := w.write(StateSwitching); err != nil {
		return err
	}
	log.Info("activating", "toplevel", next, "action", action)
	if err := w.Activate(ctx, next, action); err != nil {
		log.Error("activation failed, rolling back", "err", err)
		return errors.Join(fmt.Errorf("activate %s: %w", next, err), w.rollback(ctx, previous, action))
	}
	if err := w.write(StateSwitched); err != nil {
		return err
	}

	if w.waitConfirmed(ctx) {
		log.Info("activation confirmed")
		if err := os.Remove(w.checkFile()); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove check file: %w", err)
		}
		return nil
	}

	log.Warn("activation not confirmed, rolling back", "timeout", w.timeout(), "previous", previous)
	if err := w.rollback(ctx, previous, action); err != nil {
		return err
	}
	return ErrRolledBack
}

func (w *Watchdog) rollback(ctx context.Context, previous, action string) error {
	if previous == "" {
		return errors.New("no previous configuration to roll back to")
	}
	if err := w.Activate(context.WithoutCancel(ctx), previous, action); err != nil {
		return fmt.Errorf("roll back to %s: %w", previous, err)
	}
	return nil
}

// waitConfirmed reports whether the check file reads "confirmed" before
// the timeout. Change notifications wake the wait early; polling covers
// filesystems without them.
func (w *Watchdog) waitConfirmed(ctx context.Context) bool {
	deadline := w.after()(w.timeout())

	var events chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(w.checkFile())); err == nil {
			events = watcher.Events
		}
	}
	if events == nil {
		logging.OrDefault(w.Logger).Debug("check file notifications unavailable, polling")
	}

	poll := time.NewTicker(w.pollInterval())
	defer poll.Stop()

	for {
		if w.read() == StateConfirmed {
			return true
		}
		select {
		case <-deadline:
			return w.read() == StateConfirmed
		case <-ctx.Done():
			return false
		case <-events:
		case <-poll.C:
		}
	}
}

func (w *Watchdog) write(state string) error {
	if err := os.WriteFile(w.checkFile(), []byte(state+"\n"), 0o644); err != nil {
		return fmt.Errorf("write check file: %w", err)
	}
	return nil
}

func (w *Watchdog) read() string {
	data, err := os.ReadFile(w.checkFile())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (w *Watchdog) checkFile() string {
	if w.CheckFile == "" {
		return DefaultCheckFile
	}
	return w.CheckFile
}

func (w *Watchdog) timeout() time.Duration {
	if w.Timeout <= 0 {
		return DefaultTimeout
	}
	return w.Timeout
}

func (w *Watchdog) pollInterval() time.Duration {
	if w.PollInterval <= 0 {
		return defaultPollInterval
	}
	return w.PollInterval
}

func (w *Watchdog) after() func(time.Duration) <-chan time.Time {
	if w.After == nil {
		return time.After
	}
	return w.After
}
