package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"chromafits/internal/tools"
)

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration and tool availability",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := json.MarshalIndent(root.cfg, "", "  ")
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, string(data))

			status := tools.Probe(root.cfg.Tool.Path)
			if status.Available {
				fmt.Fprintf(out, "\ntool: %s", status.Path)
				if status.Version != "" {
					fmt.Fprintf(out, " (%s)", status.Version)
				}
				fmt.Fprintln(out)
			} else {
				fmt.Fprintf(out, "\ntool: NOT FOUND (%v)\n", status.Error)
			}
			return nil
		},
	}

	cmd.AddCommand(showCmd)
	return cmd
}
