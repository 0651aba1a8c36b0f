package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"chromafits/internal/storage"
)

func newHistoryCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect the executed-command log",
	}
	cmd.AddCommand(newHistoryListCmd(root))
	cmd.AddCommand(newHistoryPruneCmd(root))
	return cmd
}

func newHistoryListCmd(root *Root) *cobra.Command {
	var (
		limit  int
		filter string
		full   bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show recent commands, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				recs []*storage.HistoryRecord
				err  error
			)
			if filter != "" {
				recs, err = root.store.FilterHistory(filter, limit)
			} else {
				recs, err = root.store.RecentHistory(limit)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(recs) == 0 {
				fmt.Fprintln(out, "history is empty")
				return nil
			}
			for _, rec := range recs {
				fmt.Fprintf(out, "%s  [%s]", rec.RunAt.Format("2006-01-02 15:04:05"), rec.Outcome)
				if full {
					fmt.Fprintf(out, "\n  %s\n", strings.Join(rec.Command, " "))
				} else {
					fmt.Fprintf(out, "  %s\n", summarizeCommand(rec.Command))
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum records to show")
	cmd.Flags().StringVar(&filter, "filter", "", "only records containing this text")
	cmd.Flags().BoolVar(&full, "full", false, "print complete command lines")
	return cmd
}

func summarizeCommand(argv []string) string {
	if len(argv) == 0 {
		return ""
	}
	if len(argv) <= 4 {
		return strings.Join(argv, " ")
	}
	return fmt.Sprintf("%s ... (%d args)", argv[0], len(argv)-1)
}

func newHistoryPruneCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete the entire command history",
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := root.store.PruneHistory()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d records\n", removed)
			return nil
		},
	}
}
