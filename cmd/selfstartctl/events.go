package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kihw/selfstart/internal/cli/client"
)

func newDecideCmd() *cobra.Command {
	var clientKey string
	cmd := &cobra.Command{
		Use:          "decide <name>",
		Short:        "Ask the daemon for a routing decision",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			result, err := api.Decide(cmd.Context(), args[0], clientKey)
			if err != nil {
				return err
			}
			if result.Address != "" {
				fmt.Printf("%s %s\n", result.Decision, result.Address)
			} else {
				fmt.Println(result.Decision)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&clientKey, "client", "", "client key for sticky/ip-hash rules")
	return cmd
}

func newEventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "events",
		Short:        "Stream workload and target events",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := apiClient(cmd)
			if err != nil {
				return err
			}
			return api.WatchEvents(cmd.Context(), func(event client.Event) {
				subject := event.Workload
				if subject == "" {
					subject = event.Target
					if event.Backend != "" {
						subject += " " + event.Backend
					}
				}
				detail := event.Status
				if detail == "" {
					detail = event.Health
				}
				fmt.Printf("%s  %-20s %-24s %s %s\n",
					event.Timestamp.Local().Format(time.TimeOnly),
					event.Type, subject, detail, event.Message)
			})
		},
	}
}
