package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newSchedulersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schedulers",
		Short: "List configured schedulers",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get("/api/v1/schedulers/")
			if err != nil {
				return fmt.Errorf("list schedulers: %w", err)
			}

			var scheds []struct {
				Name         string   `json:"name"`
				BuilderNames []string `json:"builder_names"`
				Forceable    bool     `json:"forceable"`
			}
			if err := json.Unmarshal(resp.Data, &scheds); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			if len(scheds) == 0 {
				fmt.Println("No schedulers configured.")
				return nil
			}

			fmt.Printf("%-24s  %-10s  %s\n", "NAME", "FORCEABLE", "BUILDERS")
			fmt.Printf("%-24s  %-10s  %s\n", "----", "---------", "--------")
			for _, s := range scheds {
				fmt.Printf("%-24s  %-10v  %s\n", s.Name, s.Forceable, strings.Join(s.BuilderNames, ", "))
			}
			return nil
		},
	}
}

func newForceCmd() *cobra.Command {
	var (
		flagReason string
		flagBranch string
		flagProps  []string
	)

	cmd := &cobra.Command{
		Use:   "force <scheduler>",
		Short: "Force a scheduler to build the latest sources",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			props := map[string]any{}
			for _, kv := range flagProps {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("property %q: want key=value", kv)
				}
				props[k] = v
			}

			body := map[string]any{
				"reason":     flagReason,
				"properties": props,
			}
			if flagBranch != "" {
				body["branch"] = flagBranch
			}

			resp, err := client.Post("/api/v1/schedulers/"+args[0]+"/force", body)
			if err != nil {
				return fmt.Errorf("force build: %w", err)
			}

			var data struct {
				BuildsetID int64            `json:"buildsetid"`
				BRIDs      map[string]int64 `json:"brids"`
			}
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			fmt.Printf("Buildset created: %d\n", data.BuildsetID)
			for builder, brid := range data.BRIDs {
				fmt.Printf("  Request %d on %s\n", brid, builder)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&flagReason, "reason", "forced build", "Reason recorded on the buildset")
	cmd.Flags().StringVar(&flagBranch, "branch", "", "Branch to build (default latest)")
	cmd.Flags().StringArrayVar(&flagProps, "prop", nil, "Buildset property key=value (repeatable)")
	return cmd
}
