package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"chromafits/internal/cache"
)

func newCacheCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the generated-image cache",
	}
	cmd.AddCommand(newCacheListCmd(root))
	cmd.AddCommand(newCacheClearCmd(root))
	cmd.AddCommand(newCacheExportCmd(root))
	cmd.AddCommand(newCacheRemoveCmd(root))
	return cmd
}

func newCacheListCmd(root *Root) *cobra.Command {
	var (
		showStats bool
		search    string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cached images, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			store := root.exec.Cache()

			if showStats {
				stats, err := store.GetStats()
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "entries: %d / %d\n", stats.Entries, stats.Capacity)
				fmt.Fprintf(out, "size:    %.1f MB\n", float64(stats.TotalBytes)/(1024*1024))
				fmt.Fprintf(out, "dir:     %s\n", stats.Dir)
				return nil
			}

			var (
				entries []*cache.Entry
				err     error
			)
			if search != "" {
				entries, err = store.Search(search)
			} else {
				entries, err = store.List()
			}
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(out, "cache is empty")
				return nil
			}
			for _, e := range entries {
				fmt.Fprintf(out, "%s  %s  qbright=%g stretch=%g contrast=%g gamma=%g\n",
					e.CreatedAt.Format("2006-01-02 15:04:05"),
					e.Key[:12],
					e.Parameters.QBright, e.Parameters.Stretch,
					e.Parameters.Contrast, e.Parameters.Gamma)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showStats, "stats", false, "show occupancy instead of entries")
	cmd.Flags().StringVar(&search, "search", "", "filter entries by parameters or input names")
	return cmd
}

func newCacheClearCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every cached image",
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := root.exec.Cache().Clear()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries\n", removed)
			return nil
		},
	}
}

func newCacheExportCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "export <directory>",
		Short: "Copy all cached images into a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exported, err := root.exec.Cache().Export(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d images to %s\n", len(exported), args[0])
			return nil
		},
	}
}

func newCacheRemoveCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <key>",
		Short: "Remove a single cache entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := root.exec.Cache().Remove(cache.Key(args[0]))
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("no cache entry with key %s", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), "removed")
			return nil
		},
	}
}
