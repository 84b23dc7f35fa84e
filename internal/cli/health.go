package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get("/api/v1/health")
			if err != nil {
				return fmt.Errorf("health check: %w", err)
			}

			var data struct {
				Status     string `json:"status"`
				Version    string `json:"version"`
				GoVersion  string `json:"go_version"`
				Uptime     string `json:"uptime"`
				Schedulers int    `json:"schedulers"`
			}
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			fmt.Printf("Status:     %s\n", data.Status)
			fmt.Printf("Version:    %s\n", data.Version)
			fmt.Printf("Go:         %s\n", data.GoVersion)
			fmt.Printf("Uptime:     %s\n", data.Uptime)
			fmt.Printf("Schedulers: %d\n", data.Schedulers)
			return nil
		},
	}
}
