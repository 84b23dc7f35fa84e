package scheduler

import (
	"fmt"
	"regexp"
	"slices"

	"github.com/me/forge/internal/config"
	"github.com/me/forge/pkg/model"
)

// ChangeFilter decides which changes a scheduler sees at all. Every
// configured field must match; empty fields match everything. A change
// rejected by the filter is ignored before importance is even computed.
type ChangeFilter struct {
	Branches     []string
	BranchRegex  *regexp.Regexp
	Projects     []string
	Repositories []string
	Codebases    []string
	Categories   []string

	// Fn, when set, is consulted after the field matchers.
	Fn func(c *model.Change) bool
}

// FilterFromConfig builds a ChangeFilter from its master-config form.
func FilterFromConfig(fc *config.FilterConfig) (*ChangeFilter, error) {
	f := &ChangeFilter{
		Branches:     fc.Branches,
		Projects:     fc.Projects,
		Repositories: fc.Repositories,
		Codebases:    fc.Codebases,
		Categories:   fc.Categories,
	}
	if fc.BranchRegex != "" {
		re, err := regexp.Compile(fc.BranchRegex)
		if err != nil {
			return nil, fmt.Errorf("branch_re: %w", err)
		}
		f.BranchRegex = re
	}
	return f, nil
}

// Matches reports whether the change passes the filter. A nil filter
// matches everything.
func (f *ChangeFilter) Matches(c *model.Change) bool {
	if f == nil {
		return true
	}
	if len(f.Branches) > 0 && !slices.Contains(f.Branches, c.Branch) {
		return false
	}
	if f.BranchRegex != nil && !f.BranchRegex.MatchString(c.Branch) {
		return false
	}
	if len(f.Projects) > 0 && !slices.Contains(f.Projects, c.Project) {
		return false
	}
	if len(f.Repositories) > 0 && !slices.Contains(f.Repositories, c.Repository) {
		return false
	}
	if len(f.Codebases) > 0 && !slices.Contains(f.Codebases, c.Codebase) {
		return false
	}
	if len(f.Categories) > 0 && !slices.Contains(f.Categories, c.Category) {
		return false
	}
	if f.Fn != nil && !f.Fn(c) {
		return false
	}
	return true
}
