package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"chromafits/internal/params"
)

func newPresetCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "preset",
		Short: "Manage named parameter presets",
	}
	cmd.AddCommand(newPresetSaveCmd(root))
	cmd.AddCommand(newPresetListCmd(root))
	cmd.AddCommand(newPresetShowCmd(root))
	cmd.AddCommand(newPresetDeleteCmd(root))
	cmd.AddCommand(newPresetRenameCmd(root))
	return cmd
}

func newPresetSaveCmd(root *Root) *cobra.Command {
	var (
		description string
		qbright     float64
		stretch     float64
		contrast    float64
		gamma       float64
		quality     int
		colorval    float64
		grayval     float64
		coloronly   bool
	)

	defaults := params.Defaults()

	cmd := &cobra.Command{
		Use:   "save <name>",
		Short: "Save the given parameters under a name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := defaults
			p.QBright = qbright
			p.Stretch = stretch
			p.Contrast = contrast
			p.Gamma = gamma
			p.Quality = quality
			p.ColorOnly = coloronly
			if cmd.Flags().Changed("colorval") {
				p.ColorVal = params.Float(colorval)
			}
			if cmd.Flags().Changed("grayval") {
				p.GrayVal = params.Float(grayval)
			}
			if err := p.Validate(); err != nil {
				return err
			}
			if err := root.store.SavePreset(args[0], description, p); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved preset %q\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&description, "description", "", "free-form note")
	cmd.Flags().Float64Var(&qbright, "qbright", defaults.QBright, "asinh brightness (0-100)")
	cmd.Flags().Float64Var(&stretch, "stretch", defaults.Stretch, "linear stretch (0-100)")
	cmd.Flags().Float64Var(&contrast, "contrast", defaults.Contrast, "contrast (0-100)")
	cmd.Flags().Float64Var(&gamma, "gamma", defaults.Gamma, "gamma (0.1-10)")
	cmd.Flags().IntVar(&quality, "quality", defaults.Quality, "output quality (1-100)")
	cmd.Flags().Float64Var(&colorval, "colorval", 0, "color threshold (default: auto)")
	cmd.Flags().Float64Var(&grayval, "grayval", 0, "gray threshold (default: auto)")
	cmd.Flags().BoolVar(&coloronly, "coloronly", false, "color region only")
	return cmd
}

func newPresetListCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved presets",
		RunE: func(cmd *cobra.Command, args []string) error {
			presets, err := root.store.ListPresets()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(presets) == 0 {
				fmt.Fprintln(out, "no presets saved")
				return nil
			}
			for _, p := range presets {
				fmt.Fprintf(out, "%-20s qbright=%g stretch=%g contrast=%g gamma=%g",
					p.Name, p.Parameters.QBright, p.Parameters.Stretch,
					p.Parameters.Contrast, p.Parameters.Gamma)
				if p.Description != "" {
					fmt.Fprintf(out, "  # %s", p.Description)
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}
}

func newPresetShowCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Print a preset's full parameter set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := root.store.GetPreset(args[0])
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(p, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func newPresetDeleteCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a preset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deleted, err := root.store.DeletePreset(args[0])
			if err != nil {
				return err
			}
			if !deleted {
				return fmt.Errorf("no preset named %q", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted preset %q\n", args[0])
			return nil
		},
	}
}

func newPresetRenameCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <old> <new>",
		Short: "Rename a preset",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.store.RenamePreset(args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "renamed %q to %q\n", args[0], args[1])
			return nil
		},
	}
}
