package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"chromafits/internal/server"
)

func newServeCmd(root *Root) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and progress websocket",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("port") {
				root.cfg.Server.Port = port
			}

			ctx, stop := contextWithSignals()
			defer stop()

			if root.cfg.Cache.Watch {
				go func() {
					if err := root.exec.Cache().Watch(ctx); err != nil && ctx.Err() == nil {
						root.log.Warn("cache watcher stopped", "error", err)
					}
				}()
			}

			fmt.Fprintf(cmd.OutOrStdout(), "listening on :%d\n", root.cfg.Server.Port)
			return server.New(root.cfg, root.log, root.exec, root.store).Start(ctx)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides config)")
	return cmd
}
