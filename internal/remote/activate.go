package remote

import (
	"context"
	"fmt"
)

// Activation actions of switch-to-configuration.
const (
	ActionSwitch      = "switch"
	ActionBoot        = "boot"
	ActionTest        = "test"
	ActionDryActivate = "dry-activate"
)

// SetsProfile reports whether action makes toplevel the new system
// profile generation.
func SetsProfile(action string) bool {
	return action == ActionSwitch || action == ActionBoot
}

// Activate makes toplevel the configuration of target. Switch and boot
// first point the system profile at toplevel.
func Activate(ctx context.Context, tr Transport, target Target, toplevel, action string) error {
	if SetsProfile(action) {
		if _, err := Run(ctx, tr, target, SetProfileArgv(toplevel)...); err != nil {
			return fmt.Errorf("set system profile: %w", err)
		}
	}
	if _, err := Run(ctx, tr, target, SwitchToConfigurationArgv(toplevel, action)...); err != nil {
		return fmt.Errorf("%s %s: %w", action, toplevel, err)
	}
	return nil
}
