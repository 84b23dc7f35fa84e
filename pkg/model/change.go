package model

import (
	"time"
)

// Change is one change event received from a version-control system:
// a commit (or commit-like event) that schedulers inspect to decide
// whether work should be triggered. Changes are persisted by the store;
// the scheduling core only reads them.
type Change struct {
	ID         int64      `json:"changeid"`
	Author     string     `json:"author"`
	Branch     string     `json:"branch,omitempty"`
	Revision   string     `json:"revision,omitempty"`
	Repository string     `json:"repository,omitempty"`
	Project    string     `json:"project,omitempty"`
	Codebase   string     `json:"codebase,omitempty"`
	Category   string     `json:"category,omitempty"`
	Comments   string     `json:"comments,omitempty"`
	Files      []string   `json:"files,omitempty"`
	Properties Properties `json:"properties,omitempty"`
	When       time.Time  `json:"when"`
}

// ImportanceFunc classifies a change as important (should trigger
// scheduling) or not. A returned error means the classification itself
// failed; the scheduler logs it and ignores the change.
type ImportanceFunc func(c *Change) (bool, error)
