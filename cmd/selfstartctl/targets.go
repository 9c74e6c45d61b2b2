package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/rodaine/table"
	"github.com/spf13/cobra"

	"github.com/kihw/selfstart/internal/cli/client"
)

func newTargetsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "targets",
		Aliases: []string{"tg"},
		Short:   "Manage proxy targets and their backends",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newTargetsListCmd())
	cmd.AddCommand(newTargetsGetCmd())
	cmd.AddCommand(newTargetsCreateCmd())
	cmd.AddCommand(newTargetsDeleteCmd())
	cmd.AddCommand(newTargetsToggleCmd())
	cmd.AddCommand(newTargetsTestCmd())
	cmd.AddCommand(newBackendsCmd())
	return cmd
}

func newTargetsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "list",
		Short:        "List proxy targets",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			targets, err := api.ListTargets(cmd.Context())
			if err != nil {
				return err
			}
			t := table.New("NAME", "RULE", "ENABLED", "BACKENDS", "DISCOVERED")
			for _, target := range targets {
				healthy := 0
				for _, b := range target.Backends {
					if b.Health == "healthy" {
						healthy++
					}
				}
				t.AddRow(target.Name, target.Rule, target.Enabled,
					fmt.Sprintf("%d/%d healthy", healthy, len(target.Backends)), target.Discovered)
			}
			t.Print()
			return nil
		},
	}
}

func newTargetsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "get <name>",
		Short:        "Show one target and its backends",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			target, err := api.GetTarget(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Name:    %s\n", target.Name)
			fmt.Printf("Rule:    %s\n", target.Rule)
			fmt.Printf("Enabled: %v\n", target.Enabled)
			if target.StickySessions {
				fmt.Println("Sticky:  true")
			}
			t := table.New("ADDRESS", "HEALTH", "WEIGHT", "ACTIVE", "FAILURES")
			for _, b := range target.Backends {
				t.AddRow(b.Address, b.Health, b.Weight, b.ActiveConnections, b.ConsecutiveFailures)
			}
			t.Print()
			return nil
		},
	}
}

func newTargetsCreateCmd() *cobra.Command {
	var (
		rule     string
		backends []string
		sticky   bool
		disabled bool
	)
	cmd := &cobra.Command{
		Use:          "create <name>",
		Short:        "Create a proxy target",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			spec := client.TargetSpec{
				Name:           args[0],
				Enabled:        !disabled,
				StickySessions: sticky,
			}
			spec.Rule = client.Rule(rule)
			for _, addr := range backends {
				spec.Backends = append(spec.Backends, client.BackendSpec{Address: addr})
			}
			target, err := api.CreateTarget(cmd.Context(), spec)
			if err != nil {
				return err
			}
			fmt.Printf("created target %s with %d backend(s)\n", target.Name, len(target.Backends))
			return nil
		},
	}
	cmd.Flags().StringVar(&rule, "rule", "", "balancing rule (round_robin, least_connections, weighted, ip_hash, health_based)")
	cmd.Flags().StringSliceVar(&backends, "backend", nil, "backend address host:port (repeatable)")
	cmd.Flags().BoolVar(&sticky, "sticky", false, "enable sticky sessions")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "create the target disabled")
	return cmd
}

func newTargetsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "delete <name>",
		Short:        "Delete a proxy target",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			target, err := api.DeleteTarget(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("deleted target %s\n", target.Name)
			return nil
		},
	}
}

func newTargetsToggleCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "toggle <name> <on|off>",
		Short:        "Enable or disable a target",
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			enabled := strings.EqualFold(args[1], "on")
			if !enabled && !strings.EqualFold(args[1], "off") {
				return fmt.Errorf("expected on or off, got %q", args[1])
			}
			target, err := api.ToggleTarget(cmd.Context(), args[0], enabled)
			if err != nil {
				return err
			}
			fmt.Printf("target %s enabled=%v\n", target.Name, target.Enabled)
			return nil
		},
	}
}

func newTargetsTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "test <name>",
		Short:        "Probe every backend of a target once",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			results, err := api.TestTarget(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			t := table.New("ADDRESS", "HEALTHY", "LATENCY", "DETAIL")
			for _, r := range results {
				t.AddRow(r.Address, r.Healthy, r.Latency.Round(time.Millisecond), r.Detail)
			}
			t.Print()
			return nil
		},
	}
}

func newBackendsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backends",
		Short: "Manage a target's backends",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	var (
		weight  int
		maxConn int64
		path    string
	)
	add := &cobra.Command{
		Use:          "add <target> <address>",
		Short:        "Add a backend to a target",
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			spec := client.BackendSpec{
				Address:         args[1],
				Weight:          weight,
				MaxConnections:  maxConn,
				HealthCheckPath: path,
			}
			target, err := api.AddBackend(cmd.Context(), args[0], spec)
			if err != nil {
				return err
			}
			fmt.Printf("target %s now has %d backend(s)\n", target.Name, len(target.Backends))
			return nil
		},
	}
	add.Flags().IntVar(&weight, "weight", 0, "backend weight (default 1)")
	add.Flags().Int64Var(&maxConn, "max-connections", 0, "connection cap (0 = unbounded)")
	add.Flags().StringVar(&path, "health-path", "", "health check path")

	remove := &cobra.Command{
		Use:          "remove <target> <address>",
		Short:        "Remove a backend from a target",
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			target, err := api.RemoveBackend(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("target %s now has %d backend(s)\n", target.Name, len(target.Backends))
			return nil
		},
	}

	maintenance := &cobra.Command{
		Use:          "maintenance <target> <address> <on|off>",
		Short:        "Put a backend in or out of maintenance",
		Args:         cobra.ExactArgs(3),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			on := strings.EqualFold(args[2], "on")
			if !on && !strings.EqualFold(args[2], "off") {
				return fmt.Errorf("expected on or off, got %q", args[2])
			}
			if _, err := api.SetMaintenance(cmd.Context(), args[0], args[1], on); err != nil {
				return err
			}
			fmt.Printf("backend %s maintenance=%v\n", args[1], on)
			return nil
		},
	}

	cmd.AddCommand(add, remove, maintenance)
	return cmd
}
