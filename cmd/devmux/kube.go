package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/devmux/devmux/internal/kube"
)

// KubeFlags holds flags for the kube pods subcommand.
type KubeFlags struct {
	Namespace     string
	AllNamespaces bool
}

// createKubeCommand creates the kube command with subcommands
func createKubeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kube",
		Short: "Manage the local k3s cluster",
		Long: `Control and inspect a local k3s control plane: systemd on linux, a
lima VM on macOS.

Examples:
  devmux kube start
  devmux kube status
  devmux kube pods -n kube-system
  devmux kube stop`,
	}

	cmd.AddCommand(
		createKubeStartCommand(),
		createKubeStopCommand(),
		createKubeStatusCommand(),
		createKubeNSCommand(),
		createKubeNodesCommand(),
		createKubePodsCommand(),
		createKubeLogsCommand(),
		createKubeDeleteCommand(),
	)
	return cmd
}

// createKubeStartCommand creates the kube start subcommand
func createKubeStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the local k3s control plane",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return kube.New().Start(cmd.Context())
		},
	}
}

// createKubeStopCommand creates the kube stop subcommand
func createKubeStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the local k3s control plane",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return kube.New().Stop(cmd.Context())
		},
	}
}

// createKubeStatusCommand creates the kube status subcommand
func createKubeStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether k3s is installed and running",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			printJSON(kube.New().Query(cmd.Context()))
			return nil
		},
	}
}

// createKubeNSCommand creates the kube ns subcommand
func createKubeNSCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ns",
		Short: "List namespaces",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			names, err := kube.New().Namespaces(cmd.Context())
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		},
	}
}

// createKubeNodesCommand creates the kube nodes subcommand
func createKubeNodesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List cluster nodes",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			nodes, err := kube.New().Nodes(cmd.Context())
			if err != nil {
				return err
			}
			tw := newTable(cmd.OutOrStdout(), "NAME\tSTATUS\tROLES\tVERSION")
			for _, n := range nodes {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", n.Name, n.Status, n.Roles, n.Version)
			}
			_ = tw.Flush()
			return nil
		},
	}
}

// createKubePodsCommand creates the kube pods subcommand
func createKubePodsCommand() *cobra.Command {
	kubeFlags := &KubeFlags{}
	cmd := &cobra.Command{
		Use:   "pods",
		Short: "List pods",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			namespace := kubeFlags.Namespace
			if kubeFlags.AllNamespaces {
				namespace = ""
			}
			pods, err := kube.New().Pods(cmd.Context(), namespace)
			if err != nil {
				return err
			}
			tw := newTable(cmd.OutOrStdout(), "NAMESPACE\tNAME\tSTATUS\tREADY\tRESTARTS\tNODE")
			for _, p := range pods {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
					p.Namespace, p.Name, p.Status, p.Ready, p.Restarts, p.Node)
			}
			_ = tw.Flush()
			return nil
		},
	}
	cmd.Flags().StringVarP(&kubeFlags.Namespace, "namespace", "n", "default", "namespace to list")
	cmd.Flags().BoolVarP(&kubeFlags.AllNamespaces, "all-namespaces", "A", false, "list pods across all namespaces")
	return cmd
}

// createKubeLogsCommand creates the kube logs subcommand
func createKubeLogsCommand() *cobra.Command {
	var namespace string
	var tail int
	cmd := &cobra.Command{
		Use:   "logs <pod>",
		Short: "Print a pod's recent output",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := kube.New().PodLogs(cmd.Context(), namespace, args[0], tail)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&namespace, "namespace", "n", "default", "pod namespace")
	cmd.Flags().IntVar(&tail, "tail", 100, "number of lines from the end")
	return cmd
}

// createKubeDeleteCommand creates the kube delete subcommand
func createKubeDeleteCommand() *cobra.Command {
	var namespace string
	cmd := &cobra.Command{
		Use:   "delete <pod>",
		Short: "Force-delete a pod",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := kube.New().DeletePod(cmd.Context(), namespace, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted pod %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&namespace, "namespace", "n", "default", "pod namespace")
	return cmd
}
