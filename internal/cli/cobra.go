// Package cli wires the pipeline into a cobra command tree.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"chromafits/internal/command"
	"chromafits/internal/config"
	"chromafits/internal/generate"
	"chromafits/internal/params"
	"chromafits/internal/storage"
)

const version = "0.3.0"

// Root bundles the shared dependencies for all subcommands.
type Root struct {
	cfg   *config.Config
	log   *slog.Logger
	store *storage.Store
	exec  *generate.Executor
}

// NewRootCmd creates the root Cobra command.
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, exec *generate.Executor) *cobra.Command {
	root := &Root{cfg: cfg, log: log, store: store, exec: exec}

	rootCmd := &cobra.Command{
		Use:   "chromafits",
		Short: "chromafits drives astscript-color-faint-gray with a result cache",
		Long: `chromafits generates color images from three FITS channel files using
Gnuastro's astscript-color-faint-gray, caching results so identical requests
never re-run the external script.`,
	}

	rootCmd.AddCommand(newGenerateCmd(root))
	rootCmd.AddCommand(newCacheCmd(root))
	rootCmd.AddCommand(newPresetCmd(root))
	rootCmd.AddCommand(newHistoryCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newGenerateCmd(root *Root) *cobra.Command {
	var (
		output    string
		preset    string
		dryRun    bool
		qbright   float64
		stretch   float64
		contrast  float64
		gamma     float64
		quality   int
		colorval  float64
		grayval   float64
		minimum   float64
		maximum   float64
		zeropoint []float64
		coloronly bool
		hdu       string
		tmpdir    string
		keeptmp   bool
	)

	defaults := params.Defaults()

	cmd := &cobra.Command{
		Use:   "generate <red.fits> <green.fits> <blue.fits>",
		Short: "Generate a color image from three channel files",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := defaults
			if preset != "" {
				saved, err := root.store.GetPreset(preset)
				if err != nil {
					return err
				}
				p = saved.Parameters.Clone()
			}

			// Explicit flags override the preset; untouched flags must not
			// clobber it with compiled-in defaults.
			if cmd.Flags().Changed("qbright") {
				p.QBright = qbright
			}
			if cmd.Flags().Changed("stretch") {
				p.Stretch = stretch
			}
			if cmd.Flags().Changed("contrast") {
				p.Contrast = contrast
			}
			if cmd.Flags().Changed("gamma") {
				p.Gamma = gamma
			}
			if cmd.Flags().Changed("quality") {
				p.Quality = quality
			}
			if cmd.Flags().Changed("coloronly") {
				p.ColorOnly = coloronly
			}
			if cmd.Flags().Changed("keeptmp") {
				p.KeepTemp = keeptmp
			}
			if cmd.Flags().Changed("colorval") {
				p.ColorVal = params.Float(colorval)
			}
			if cmd.Flags().Changed("grayval") {
				p.GrayVal = params.Float(grayval)
			}
			if cmd.Flags().Changed("minimum") {
				p.Minimum = params.Float(minimum)
			}
			if cmd.Flags().Changed("maximum") {
				p.Maximum = params.Float(maximum)
			}
			if cmd.Flags().Changed("zeropoint") {
				p.Zeropoint = zeropoint
			}
			if cmd.Flags().Changed("hdu") {
				p.HDU = hdu
			}
			if cmd.Flags().Changed("tmpdir") {
				p.TempDir = tmpdir
			}

			in := command.Inputs{Red: args[0], Green: args[1], Blue: args[2]}

			if dryRun {
				out := output
				if out == "" {
					out = "color.tif"
				}
				argv, err := command.NewBuilder(root.cfg.Tool.Path).Build(p, in, out)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), command.Render(argv))
				return nil
			}

			return root.runGeneration(cmd, p, in, output)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write the result here as well as the cache")
	cmd.Flags().StringVar(&preset, "preset", "", "start from a saved preset")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the command without executing it")

	cmd.Flags().Float64Var(&qbright, "qbright", defaults.QBright, "asinh brightness (0-100)")
	cmd.Flags().Float64Var(&stretch, "stretch", defaults.Stretch, "linear stretch (0-100)")
	cmd.Flags().Float64Var(&contrast, "contrast", defaults.Contrast, "contrast (0-100)")
	cmd.Flags().Float64Var(&gamma, "gamma", defaults.Gamma, "gamma (0.1-10)")
	cmd.Flags().IntVar(&quality, "quality", defaults.Quality, "output quality (1-100)")
	cmd.Flags().Float64Var(&colorval, "colorval", 0, "color threshold (default: auto-estimated)")
	cmd.Flags().Float64Var(&grayval, "grayval", 0, "gray threshold (default: auto-estimated)")
	cmd.Flags().Float64Var(&minimum, "minimum", 0, "minimum pixel value (default: auto)")
	cmd.Flags().Float64Var(&maximum, "maximum", 0, "maximum pixel value (default: auto)")
	cmd.Flags().Float64SliceVar(&zeropoint, "zeropoint", nil, "per-channel zero points, R,G,B")
	cmd.Flags().BoolVar(&coloronly, "coloronly", false, "color region only, no gray background")
	cmd.Flags().StringVar(&hdu, "hdu", "", "HDU/extension to read (comma separated per channel)")
	cmd.Flags().StringVar(&tmpdir, "tmpdir", "", "temporary directory for the script")
	cmd.Flags().BoolVar(&keeptmp, "keeptmp", false, "keep the script's temporary files")

	return cmd
}

// runGeneration submits the request and streams progress to the terminal
// until the terminal event arrives. Ctrl-C cancels the external process.
func (r *Root) runGeneration(cmd *cobra.Command, p params.Set, in command.Inputs, output string) error {
	h, err := r.exec.Submit(generate.Request{Parameters: p, Inputs: in, OutputPath: output})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		h.Cancel()
	}()

	out := cmd.OutOrStdout()
	for ev := range h.Events() {
		switch ev.Type {
		case generate.EventStarted:
			fmt.Fprintf(out, "started: %s\n", ev.Message)
		case generate.EventProgress:
			fmt.Fprintf(out, "  ... %s\n", ev.Message)
		case generate.EventSucceeded:
			if ev.CacheHit {
				fmt.Fprintf(out, "cache hit: %s\n", ev.Entry.ImagePath)
			} else {
				fmt.Fprintf(out, "done: %s\n", ev.Entry.ImagePath)
			}
		case generate.EventCancelled:
			return generate.ErrCancelled
		case generate.EventFailed:
			return ev.Err
		}
	}
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "chromafits %s\n", version)
		},
	}
}

// contextWithSignals is shared by long-running commands.
func contextWithSignals() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
