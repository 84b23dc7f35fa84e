package model

import "time"

// Buildset records one scheduling decision: the reason work was
// scheduled, the merged property set, the sourcestamp set to build, and
// the build requests it spawned (one per targeted builder). A buildset
// and its requests are created atomically.
type Buildset struct {
	ID               int64      `json:"id"`
	ExternalIDString string     `json:"external_idstring,omitempty"`
	Reason           string     `json:"reason"`
	SourceStampSetID int64      `json:"sourcestampsetid"`
	SubmittedAt      time.Time  `json:"submitted_at"`
	Complete         bool       `json:"complete"`
	Results          *int       `json:"results,omitempty"`
	Properties       Properties `json:"properties,omitempty"`
}

// BuildRequest is demand for one build of a buildset on one named
// builder. Downstream execution components claim and complete requests;
// the scheduling core only creates them.
type BuildRequest struct {
	ID          int64     `json:"id"`
	BuildsetID  int64     `json:"buildsetid"`
	BuilderName string    `json:"buildername"`
	SubmittedAt time.Time `json:"submitted_at"`
	Complete    bool      `json:"complete"`
	Results     *int      `json:"results,omitempty"`
}
