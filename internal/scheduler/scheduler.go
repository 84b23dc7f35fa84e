package scheduler

import "time"

// Scheduler is what the server and reconfiguration logic need from any
// scheduler implementation.
type Scheduler interface {
	Name() string
	ListBuilderNames() []string
	GetPendingBuildTimes() []time.Time
	Stop() error
}
