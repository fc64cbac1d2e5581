package main

import (
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/flipover-io/flipover/pkg/cli"
)

func newStatusCommand(opts *globalOptions) *cobra.Command {
	var (
		plain    bool
		noColors bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show deploy groups, their revisions and which one is active",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			c, err := opts.clusterClient(cfg.Namespace)
			if err != nil {
				return err
			}
			client := cli.NewClient(c)

			interactive := isatty.IsTerminal(os.Stdout.Fd())
			if plain || !interactive {
				groups, err := client.ListGroups(cmd.Context())
				if err != nil {
					return err
				}
				cli.PrintGroups(cmd.OutOrStdout(), groups, time.Now(), interactive && !noColors)
				return nil
			}

			p := tea.NewProgram(cli.NewModel(cmd.Context(), client), tea.WithAltScreen(), tea.WithContext(cmd.Context()))
			_, err = p.Run()
			return err
		},
	}
	cmd.Flags().BoolVar(&plain, "plain", false, "Print a table instead of starting the interactive browser")
	cmd.Flags().BoolVar(&noColors, "no-colors", false, "Disable colors in the table")
	return cmd
}
