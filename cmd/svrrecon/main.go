package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"svrrecon/pkg/config"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCmd creates the root Cobra command
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "svrrecon",
		Short: "Slice-to-volume super-resolution reconstruction",
		Long: `svrrecon reconstructs a high-resolution isotropic volume from several
stacks of thick 2D slices acquired with motion, using a point-spread-function
model, robust statistics and edge-preserving regularisation.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newReconstructCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration files",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write a configuration file with default values",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "svrrecon.yaml"
			if len(args) > 0 {
				path = args[0]
			}
			if err := config.CreateDefaultConfigFile(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Default configuration written to %s\n", path)
			return nil
		},
	})
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "svrrecon %s\n", version)
		},
	}
}
