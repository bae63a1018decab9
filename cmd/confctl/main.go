package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	buildcmd "confctl/cmd/confctl/build"
	"confctl/cmd/confctl/cmdutil"
	deploycmd "confctl/cmd/confctl/deploy"
	generationcmd "confctl/cmd/confctl/generation"
	healthcmd "confctl/cmd/confctl/healthcheck"
	machinecmd "confctl/cmd/confctl/machine"
	statuscmd "confctl/cmd/confctl/status"
	swpinscmd "confctl/cmd/confctl/swpins"
	"confctl/cmd/confctl/ui"
	"confctl/internal/logging"
)

func main() {
	var flags cmdutil.Flags
	if err := logging.Configure(logging.LevelWarn); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:           "confctl",
		Short:         "Build and deploy machine configurations across a fleet",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			ui.ConfigureInteraction(flags.NoInteraction)
			if flags.Debug {
				return logging.Configure(logging.LevelDebug)
			}
			return nil
		},
	}
	root.PersistentFlags().BoolVar(&flags.Debug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVarP(&flags.Config, "config", "c", "", "Settings file (default: confctl.yaml in the deployment directory)")
	root.PersistentFlags().BoolVar(&flags.NoInteraction, "no-interaction", false, "Never prompt")

	root.AddCommand(machinecmd.Cmd(&flags))
	root.AddCommand(buildcmd.Cmd(&flags))
	root.AddCommand(deploycmd.Cmd(&flags))
	root.AddCommand(statuscmd.Cmd(&flags))
	root.AddCommand(healthcmd.Cmd(&flags))
	root.AddCommand(generationcmd.Cmd(&flags))
	root.AddCommand(swpinscmd.Cmd(&flags))

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
