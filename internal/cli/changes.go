package cli

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/me/forge/pkg/model"
	"github.com/spf13/cobra"
)

func newChangesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "changes",
		Short: "List and record source changes",
	}
	cmd.AddCommand(newChangesListCmd(), newChangesShowCmd(), newChangesAddCmd())
	return cmd
}

func newChangesListCmd() *cobra.Command {
	var flagBranch string
	var flagLimit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if flagBranch != "" {
				q.Set("branch", flagBranch)
			}
			q.Set("limit", fmt.Sprint(flagLimit))

			resp, err := client.Get("/api/v1/changes/?" + q.Encode())
			if err != nil {
				return fmt.Errorf("list changes: %w", err)
			}

			var changes []*model.Change
			if err := json.Unmarshal(resp.Data, &changes); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			if len(changes) == 0 {
				fmt.Println("No changes found.")
				return nil
			}

			fmt.Printf("%-8s  %-16s  %-16s  %-14s  %s\n", "ID", "AUTHOR", "BRANCH", "REVISION", "WHEN")
			fmt.Printf("%-8s  %-16s  %-16s  %-14s  %s\n", "--", "------", "------", "--------", "----")
			for _, c := range changes {
				fmt.Printf("%-8d  %-16s  %-16s  %-14s  %s\n",
					c.ID, c.Author, c.Branch, c.Revision, c.When.Format("2006-01-02 15:04:05"))
			}

			if resp.Pagination != nil && resp.Pagination.HasMore {
				fmt.Printf("\n(%d of %d shown)\n", len(changes), resp.Pagination.Total)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&flagBranch, "branch", "", "Only changes on this branch")
	cmd.Flags().IntVar(&flagLimit, "limit", 20, "Maximum number of changes")
	return cmd
}

func newChangesShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get("/api/v1/changes/" + args[0])
			if err != nil {
				return fmt.Errorf("get change: %w", err)
			}

			var c model.Change
			if err := json.Unmarshal(resp.Data, &c); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			fmt.Printf("Change %d\n", c.ID)
			fmt.Printf("  Author:     %s\n", c.Author)
			fmt.Printf("  Branch:     %s\n", c.Branch)
			fmt.Printf("  Revision:   %s\n", c.Revision)
			fmt.Printf("  Repository: %s\n", c.Repository)
			fmt.Printf("  Project:    %s\n", c.Project)
			fmt.Printf("  Codebase:   %s\n", c.Codebase)
			fmt.Printf("  When:       %s\n", c.When.Format("2006-01-02 15:04:05"))
			if c.Comments != "" {
				fmt.Printf("  Comments:   %s\n", c.Comments)
			}
			for _, f := range c.Files {
				fmt.Printf("  File:       %s\n", f)
			}
			return nil
		},
	}
}

func newChangesAddCmd() *cobra.Command {
	var (
		flagAuthor     string
		flagBranch     string
		flagRevision   string
		flagRepository string
		flagProject    string
		flagCodebase   string
		flagCategory   string
		flagComments   string
		flagFiles      []string
		flagProps      []string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Record a change and deliver it to schedulers",
		RunE: func(cmd *cobra.Command, args []string) error {
			props := map[string]any{}
			for _, kv := range flagProps {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("property %q: want key=value", kv)
				}
				props[k] = v
			}

			resp, err := client.Post("/api/v1/changes/", map[string]any{
				"author":     flagAuthor,
				"branch":     flagBranch,
				"revision":   flagRevision,
				"repository": flagRepository,
				"project":    flagProject,
				"codebase":   flagCodebase,
				"category":   flagCategory,
				"comments":   flagComments,
				"files":      flagFiles,
				"properties": props,
			})
			if err != nil {
				return fmt.Errorf("add change: %w", err)
			}

			var c model.Change
			if err := json.Unmarshal(resp.Data, &c); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			fmt.Printf("Change recorded: %d\n", c.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&flagAuthor, "author", "", "Change author (required)")
	cmd.Flags().StringVar(&flagBranch, "branch", "", "Branch the change is on")
	cmd.Flags().StringVar(&flagRevision, "revision", "", "Revision identifier")
	cmd.Flags().StringVar(&flagRepository, "repository", "", "Repository URL")
	cmd.Flags().StringVar(&flagProject, "project", "", "Project name")
	cmd.Flags().StringVar(&flagCodebase, "codebase", "", "Codebase name")
	cmd.Flags().StringVar(&flagCategory, "category", "", "Change category")
	cmd.Flags().StringVar(&flagComments, "comments", "", "Commit message")
	cmd.Flags().StringArrayVar(&flagFiles, "file", nil, "Changed file (repeatable)")
	cmd.Flags().StringArrayVar(&flagProps, "prop", nil, "Change property key=value (repeatable)")
	cmd.MarkFlagRequired("author")
	return cmd
}
