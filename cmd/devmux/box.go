package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/devmux/devmux/internal/boxcli"
)

// BoxFlags holds flags shared by the box subcommands.
type BoxFlags struct {
	Engine string
}

// boxEngine resolves the container engine, honoring --engine.
func boxEngine(flags *BoxFlags) (*boxcli.Engine, error) {
	if flags.Engine != "" {
		return boxcli.New(flags.Engine), nil
	}
	return boxcli.Detect()
}

// createBoxCommand creates the box command with subcommands
func createBoxCommand() *cobra.Command {
	boxFlags := &BoxFlags{}
	cmd := &cobra.Command{
		Use:   "box",
		Short: "Inspect and clean up the local container engine",
		Long: `Query the local container engine (docker preferred, podman as
fallback) without leaving devmux.

Examples:
  devmux box ps
  devmux box stop registry
  devmux box rm -f old-api
  devmux box images
  devmux box pull postgres:16`,
	}

	cmd.PersistentFlags().StringVar(&boxFlags.Engine, "engine", "", "container engine binary (default autodetect)")
	cmd.AddCommand(
		createBoxPSCommand(boxFlags),
		createBoxStopCommand(boxFlags),
		createBoxRMCommand(boxFlags),
		createBoxLogsCommand(boxFlags),
		createBoxImagesCommand(boxFlags),
		createBoxPullCommand(boxFlags),
		createBoxRMICommand(boxFlags),
		createBoxNetworksCommand(boxFlags),
		createBoxVolumesCommand(boxFlags),
	)
	return cmd
}

// createBoxPSCommand creates the box ps subcommand
func createBoxPSCommand(boxFlags *BoxFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ps",
		Short: "List containers, running and stopped",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := boxEngine(boxFlags)
			if err != nil {
				return err
			}
			rows, err := eng.PS(cmd.Context())
			if err != nil {
				return err
			}
			renderContainers(cmd.OutOrStdout(), rows)
			return nil
		},
	}
}

// createBoxStopCommand creates the box stop subcommand
func createBoxStopCommand(boxFlags *BoxFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <container...>",
		Short: "Stop containers",
		Args:  usageArgs(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := boxEngine(boxFlags)
			if err != nil {
				return err
			}
			if err := eng.Stop(cmd.Context(), args...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stopped %d container(s)\n", len(args))
			return nil
		},
	}
}

// createBoxRMCommand creates the box rm subcommand
func createBoxRMCommand(boxFlags *BoxFlags) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "rm <container...>",
		Short: "Remove containers",
		Args:  usageArgs(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := boxEngine(boxFlags)
			if err != nil {
				return err
			}
			if err := eng.Remove(cmd.Context(), force, args...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d container(s)\n", len(args))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "remove running containers too")
	return cmd
}

// createBoxLogsCommand creates the box logs subcommand
func createBoxLogsCommand(boxFlags *BoxFlags) *cobra.Command {
	var tail int
	cmd := &cobra.Command{
		Use:   "logs <container>",
		Short: "Print a container's recent output",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := boxEngine(boxFlags)
			if err != nil {
				return err
			}
			out, err := eng.Logs(cmd.Context(), args[0], tail)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().IntVarP(&tail, "tail", "n", 50, "number of lines from the end")
	return cmd
}

// createBoxImagesCommand creates the box images subcommand
func createBoxImagesCommand(boxFlags *BoxFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "images",
		Short: "List images",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := boxEngine(boxFlags)
			if err != nil {
				return err
			}
			rows, err := eng.Images(cmd.Context())
			if err != nil {
				return err
			}
			renderImages(cmd.OutOrStdout(), rows)
			return nil
		},
	}
}

// createBoxPullCommand creates the box pull subcommand
func createBoxPullCommand(boxFlags *BoxFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "pull <image>",
		Short: "Pull an image",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := boxEngine(boxFlags)
			if err != nil {
				return err
			}
			if err := eng.Pull(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pulled %s\n", args[0])
			return nil
		},
	}
}

// createBoxRMICommand creates the box rmi subcommand
func createBoxRMICommand(boxFlags *BoxFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rmi <image...>",
		Short: "Remove images",
		Args:  usageArgs(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := boxEngine(boxFlags)
			if err != nil {
				return err
			}
			if err := eng.RemoveImage(cmd.Context(), args...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d image(s)\n", len(args))
			return nil
		},
	}
}

// createBoxNetworksCommand creates the box networks subcommand; bare it
// lists, "networks rm" removes.
func createBoxNetworksCommand(boxFlags *BoxFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "networks",
		Short: "List networks",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := boxEngine(boxFlags)
			if err != nil {
				return err
			}
			rows, err := eng.Networks(cmd.Context())
			if err != nil {
				return err
			}
			tw := newTable(cmd.OutOrStdout(), "NETWORK ID\tNAME\tDRIVER\tSCOPE")
			for _, n := range rows {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", truncID(n.ID), n.Name, n.Driver, n.Scope)
			}
			_ = tw.Flush()
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "rm <network...>",
		Short: "Remove networks",
		Args:  usageArgs(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := boxEngine(boxFlags)
			if err != nil {
				return err
			}
			if err := eng.RemoveNetwork(cmd.Context(), args...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d network(s)\n", len(args))
			return nil
		},
	})
	return cmd
}

// createBoxVolumesCommand creates the box volumes subcommand; bare it
// lists, "volumes rm" removes.
func createBoxVolumesCommand(boxFlags *BoxFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "volumes",
		Short: "List volumes",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := boxEngine(boxFlags)
			if err != nil {
				return err
			}
			rows, err := eng.Volumes(cmd.Context())
			if err != nil {
				return err
			}
			tw := newTable(cmd.OutOrStdout(), "DRIVER\tVOLUME NAME")
			for _, v := range rows {
				_, _ = fmt.Fprintf(tw, "%s\t%s\n", v.Driver, v.Name)
			}
			_ = tw.Flush()
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "rm <volume...>",
		Short: "Remove volumes",
		Args:  usageArgs(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := boxEngine(boxFlags)
			if err != nil {
				return err
			}
			if err := eng.RemoveVolume(cmd.Context(), args...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d volume(s)\n", len(args))
			return nil
		},
	})
	return cmd
}

func renderContainers(w io.Writer, rows []boxcli.Container) {
	tw := newTable(w, "CONTAINER ID\tNAMES\tIMAGE\tSTATUS\tPORTS")
	for _, c := range rows {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			truncID(c.ID), c.Names, c.Image, c.Status, c.Ports)
	}
	_ = tw.Flush()
}

func renderImages(w io.Writer, rows []boxcli.Image) {
	tw := newTable(w, "REPOSITORY\tTAG\tIMAGE ID\tSIZE")
	for _, i := range rows {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			i.Repository, i.Tag, truncID(i.ID), i.Size)
	}
	_ = tw.Flush()
}

func newTable(w io.Writer, header string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, header)
	return tw
}

// truncID shortens long engine IDs to the familiar 12 characters.
func truncID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
