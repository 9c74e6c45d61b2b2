package main

import (
	"fmt"
	"time"

	"github.com/rodaine/table"
	"github.com/spf13/cobra"

	"github.com/kihw/selfstart/internal/cli/client"
)

func apiClient(cmd *cobra.Command) (*client.Client, error) {
	base, err := cmd.Flags().GetString("api")
	if err != nil {
		return nil, err
	}
	return client.New(base)
}

func newWorkloadsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workloads",
		Aliases: []string{"wl"},
		Short:   "Inspect and control tracked workloads",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newWorkloadsListCmd())
	cmd.AddCommand(newWorkloadsGetCmd())
	cmd.AddCommand(newWorkloadsStartCmd())
	cmd.AddCommand(newWorkloadsStopCmd())
	return cmd
}

func newWorkloadsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "list",
		Short:        "List tracked workloads",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			workloads, err := api.ListWorkloads(cmd.Context())
			if err != nil {
				return err
			}
			t := table.New("NAME", "STATUS", "STARTED", "LAST ACTIVITY", "ERROR")
			for _, w := range workloads {
				t.AddRow(w.Name, w.Status, formatTime(w.StartedAt), formatTime(w.LastActivityAt), w.LastError)
			}
			t.Print()
			return nil
		},
	}
}

func newWorkloadsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "get <name>",
		Short:        "Show one workload's status",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			w, err := api.GetWorkload(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Name:          %s\n", w.Name)
			fmt.Printf("Status:        %s\n", w.Status)
			if len(w.Dependencies) > 0 {
				fmt.Printf("Dependencies:  %v\n", w.Dependencies)
			}
			if w.StartedAt != nil {
				fmt.Printf("Started:       %s\n", w.StartedAt.Format(time.RFC3339))
			}
			if w.LastActivityAt != nil {
				fmt.Printf("Last activity: %s\n", w.LastActivityAt.Format(time.RFC3339))
			}
			if w.LastError != "" {
				fmt.Printf("Last error:    %s\n", w.LastError)
			}
			if w.EngineUnreachable {
				fmt.Println("Engine:        unreachable (status may be stale)")
			}
			return nil
		},
	}
}

func newWorkloadsStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "start <name>",
		Short:        "Request a workload start",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			resp, err := api.StartWorkload(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s (status %s)\n", args[0], resp.Outcome, resp.Workload.Status)
			return nil
		},
	}
}

func newWorkloadsStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "stop <name>",
		Short:        "Stop a workload",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			w, err := api.StopWorkload(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", w.Name, w.Status)
			return nil
		},
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}
