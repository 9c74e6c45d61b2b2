package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "selfstartctl",
		Short: "selfstart command-line interface",
		Long:  "selfstartctl manages workloads and proxy targets on a selfstartd daemon.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.PersistentFlags().StringP("api", "a", envOrDefault("SELFSTART_API_BASE", "http://127.0.0.1:8787"), "selfstartd base URL")

	cmd.AddCommand(newWorkloadsCmd())
	cmd.AddCommand(newTargetsCmd())
	cmd.AddCommand(newDecideCmd())
	cmd.AddCommand(newEventsCmd())
	return cmd
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
