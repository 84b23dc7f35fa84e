package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/me/forge/internal/bus"
	"github.com/me/forge/internal/config"
	"github.com/me/forge/internal/importance"
	"github.com/me/forge/internal/store"
	"github.com/me/forge/pkg/model"
)

// Immediate is the built-in scheduling policy: every important change
// becomes a buildset for exactly that change, as soon as it arrives.
// Unimportant changes are recorded in state (last_unimportant) but do
// not trigger builds.
type Immediate struct {
	*Base
	opts ConsumeOptions
}

// NewImmediate builds an Immediate scheduler from its master-config
// definition. Problems (including a broken importance expression or
// filter) are collected into errs.
func NewImmediate(sc config.SchedulerConfig, st store.Store, b *bus.Bus, logger *slog.Logger, errs *config.Errors) *Immediate {
	base := NewBase(BaseConfig{
		Name:         sc.Name,
		BuilderNames: sc.Builders,
		Properties:   sc.Properties,
	}, st, b, logger, errs)

	opts := ConsumeOptions{OnlyImportant: sc.OnlyImportant}
	if sc.Important != "" {
		fn, err := importance.Compile(sc.Important)
		if err != nil {
			errs.Addf("%s: %v", sc.Name, err)
		} else {
			opts.FileIsImportant = fn
		}
	}
	if sc.Filter != nil {
		f, err := FilterFromConfig(sc.Filter)
		if err != nil {
			errs.Addf("%s: %v", sc.Name, err)
		} else {
			opts.Filter = f
		}
	}

	return &Immediate{Base: base, opts: opts}
}

// Start subscribes the scheduler to the change bus.
func (s *Immediate) Start() error {
	return s.StartConsumingChanges(s.gotChange, s.opts)
}

// gotChange schedules a buildset for each important change.
func (s *Immediate) gotChange(ctx context.Context, c *model.Change, important bool) error {
	if !important {
		// Remember the stall point so a future policy (e.g. a tree
		// stable timer) could pick it up; no build is triggered.
		return s.SetState(ctx, "last_unimportant", c.ID)
	}

	reason := fmt.Sprintf("scheduler %q: change %d", s.Name(), c.ID)
	_, _, err := s.AddBuildsetForChanges(ctx, reason, []int64{c.ID}, BuildsetOptions{})
	if err != nil {
		return fmt.Errorf("schedule change %d: %w", c.ID, err)
	}
	return s.SetState(ctx, "last_scheduled", c.ID)
}
