package model

// SourceStamp is an immutable snapshot of source identity for one
// codebase: which branch and revision of which repository/project a
// buildset should build. A stamp built from changes also records the set
// of change ids it aggregates.
//
// Branch and Revision are pointers because "no branch" and "no revision"
// (build whatever is latest) are distinct from the empty string.
type SourceStamp struct {
	ID         int64   `json:"id"`
	SetID      int64   `json:"setid"`
	Branch     *string `json:"branch"`
	Revision   *string `json:"revision"`
	Repository string  `json:"repository"`
	Project    string  `json:"project"`
	Codebase   string  `json:"codebase"`
	ChangeIDs  []int64 `json:"changeids,omitempty"`
}

// SourceStampSet groups the stamps (one per codebase) that together
// describe the full source state for one buildset.
type SourceStampSet struct {
	ID     int64         `json:"id"`
	Stamps []SourceStamp `json:"stamps,omitempty"`
}
