// Package cli wires the runtime together behind cobra commands.
package cli

import (
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type rootOptions struct {
	configPath string
}

// NewRootCmd creates the loom root command.
func NewRootCmd(log logr.Logger) *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "loom",
		Short:         "Streaming chat client for tool-using agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Accept underscore spellings for flag names, matching the config keys.
	cmd.SetGlobalNormalizationFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to configuration file")

	cmd.AddCommand(newChatCmd(log, opts))
	cmd.AddCommand(newConversationsCmd(log, opts))

	return cmd
}

// Execute runs the root command and exits non-zero on failure.
func Execute(log logr.Logger) {
	if err := NewRootCmd(log).Execute(); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}
