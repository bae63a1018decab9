// Command confctl-auto-rollback activates a configuration on the local
// machine and reverts to the previous one unless the activation is
// confirmed through the check file in time.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"confctl/internal/command"
	"confctl/internal/logging"
	"confctl/internal/remote"
	"confctl/internal/rollback"

	"github.com/spf13/cobra"
)

func main() {
	rollback.IgnoreHangup()
	if err := logging.Configure(logging.LevelInfo); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	w := &rollback.Watchdog{}
	cmd := &cobra.Command{
		Use:           "confctl-auto-rollback <toplevel> <action>",
		Short:         "Activate a configuration and roll back unless confirmed",
		Args:          cobra.ExactArgs(2),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			toplevel, action := args[0], args[1]
			if action != remote.ActionSwitch && action != remote.ActionTest {
				return fmt.Errorf("unsupported action %q, want switch or test", action)
			}
			previous, err := filepath.EvalSymlinks(remote.CurrentSystem)
			if err != nil {
				return fmt.Errorf("resolve current system: %w", err)
			}

			tr := remote.NewSSH(command.Exec{}, remote.SSHOptions{})
			local := remote.Target{Name: "localhost", Local: true}
			w.Activate = func(ctx context.Context, toplevel, action string) error {
				return remote.Activate(ctx, tr, local, toplevel, action)
			}
			return w.Run(cmd.Context(), previous, toplevel, action)
		},
	}
	cmd.Flags().StringVarP(&w.CheckFile, "check-file", "c", rollback.DefaultCheckFile, "File the confirmation is written to")
	cmd.Flags().DurationVarP(&w.Timeout, "timeout", "t", rollback.DefaultTimeout, "How long to wait for confirmation")

	// A signal ends the wait early; the activation is then rolled back.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, rollback.ErrRolledBack) {
			os.Exit(rollback.ExitRolledBack)
		}
		os.Exit(1)
	}
}
