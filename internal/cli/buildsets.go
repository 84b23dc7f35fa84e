package cli

import (
	"encoding/json"
	"fmt"

	"github.com/me/forge/pkg/model"
	"github.com/spf13/cobra"
)

func newBuildsetsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "buildsets",
		Short: "Inspect buildsets and their build requests",
	}
	cmd.AddCommand(newBuildsetsListCmd(), newBuildsetsShowCmd())
	return cmd
}

func newBuildsetsListCmd() *cobra.Command {
	var flagLimit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List buildsets, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get(fmt.Sprintf("/api/v1/buildsets/?limit=%d", flagLimit))
			if err != nil {
				return fmt.Errorf("list buildsets: %w", err)
			}

			var sets []*model.Buildset
			if err := json.Unmarshal(resp.Data, &sets); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			if len(sets) == 0 {
				fmt.Println("No buildsets found.")
				return nil
			}

			fmt.Printf("%-8s  %-10s  %-20s  %s\n", "ID", "COMPLETE", "SUBMITTED", "REASON")
			fmt.Printf("%-8s  %-10s  %-20s  %s\n", "--", "--------", "---------", "------")
			for _, bs := range sets {
				fmt.Printf("%-8d  %-10v  %-20s  %s\n",
					bs.ID, bs.Complete, bs.SubmittedAt.Format("2006-01-02 15:04:05"), bs.Reason)
			}

			if resp.Pagination != nil && resp.Pagination.HasMore {
				fmt.Printf("\n(%d of %d shown)\n", len(sets), resp.Pagination.Total)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&flagLimit, "limit", 20, "Maximum number of buildsets")
	return cmd
}

func newBuildsetsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one buildset with its sourcestamps and build requests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get("/api/v1/buildsets/" + args[0] + "/")
			if err != nil {
				return fmt.Errorf("get buildset: %w", err)
			}

			var bs struct {
				model.Buildset
				SourceStamps []*model.SourceStamp `json:"sourcestamps"`
			}
			if err := json.Unmarshal(resp.Data, &bs); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			fmt.Printf("Buildset %d\n", bs.ID)
			fmt.Printf("  Reason:    %s\n", bs.Reason)
			fmt.Printf("  Submitted: %s\n", bs.SubmittedAt.Format("2006-01-02 15:04:05"))
			fmt.Printf("  Complete:  %v\n", bs.Complete)
			for _, ss := range bs.SourceStamps {
				fmt.Printf("  Stamp %d: codebase=%q branch=%s revision=%s changes=%v\n",
					ss.ID, ss.Codebase, strOrLatest(ss.Branch), strOrLatest(ss.Revision), ss.ChangeIDs)
			}

			reqResp, err := client.Get("/api/v1/buildsets/" + args[0] + "/requests")
			if err != nil {
				return fmt.Errorf("get build requests: %w", err)
			}
			var reqs []*model.BuildRequest
			if err := json.Unmarshal(reqResp.Data, &reqs); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			for _, br := range reqs {
				fmt.Printf("  Request %d: builder=%s complete=%v\n", br.ID, br.BuilderName, br.Complete)
			}
			return nil
		},
	}
}

func strOrLatest(s *string) string {
	if s == nil {
		return "(latest)"
	}
	return *s
}
