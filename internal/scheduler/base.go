// Package scheduler implements the scheduler base engine: change
// subscription lifecycle, importance filtering, persisted per-scheduler
// state, and buildset construction. Concrete scheduling policies build
// on Base; the Immediate scheduler in this package is the simplest one.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/me/forge/internal/bus"
	"github.com/me/forge/internal/config"
	"github.com/me/forge/internal/store"
	"github.com/me/forge/pkg/model"
)

// DefaultClassName scopes persisted state for schedulers that do not
// override it. State is keyed by (name, class), so renaming the class of
// a scheduler type orphans its old state on purpose.
const DefaultClassName = "Scheduler"

// ChangeHandler receives each change that survives the filter and
// importance pipeline, with its importance flag. Delivery is serialized:
// the handler completes before the next change is processed.
type ChangeHandler func(ctx context.Context, c *model.Change, important bool) error

// ConsumeOptions configures the change classification pipeline.
type ConsumeOptions struct {
	// FileIsImportant classifies a change; nil means every change is
	// important. An error from it is logged and the change is ignored.
	FileIsImportant model.ImportanceFunc

	// Filter, when set, drops non-matching changes before importance
	// is computed.
	Filter *ChangeFilter

	// OnlyImportant drops unimportant changes instead of delivering
	// them with important=false.
	OnlyImportant bool
}

// BaseConfig carries the construction parameters for a Base scheduler.
type BaseConfig struct {
	Name         string
	BuilderNames []string
	// Properties are the scheduler's base properties, merged into every
	// buildset it creates with source "Scheduler".
	Properties map[string]any
	// ClassName scopes persisted state; empty means DefaultClassName.
	ClassName string
}

// Base is the scheduler base engine. It is constructed once per
// configuration load; a reconfiguration produces a new instance matched
// to the old one by name (FindNewSchedulerInstance), so persisted state
// carries over via the stable (name, class) object id.
type Base struct {
	name         string
	className    string
	builderNames []string
	properties   model.Properties

	store  store.Store
	bus    *bus.Bus
	logger *slog.Logger

	mu         sync.Mutex
	objectID   int64
	hasObject  bool
	sub        *bus.Subscription
}

// NewBase validates cfg and constructs the scheduler. Validation
// problems are collected into errs rather than returned, so a
// configuration load can report every broken scheduler at once; the
// caller must not start a scheduler if errs is non-empty.
func NewBase(cfg BaseConfig, st store.Store, b *bus.Bus, logger *slog.Logger, errs *config.Errors) *Base {
	if cfg.Name == "" {
		errs.Addf("scheduler: name must not be empty")
	}
	if len(cfg.BuilderNames) == 0 {
		errs.Addf("%s: builderNames must be a non-empty list", cfg.Name)
	}
	for i, name := range cfg.BuilderNames {
		if name == "" {
			errs.Addf("%s: builderNames[%d] is empty", cfg.Name, i)
		}
	}
	className := cfg.ClassName
	if className == "" {
		className = DefaultClassName
	}

	return &Base{
		name:         cfg.Name,
		className:    className,
		builderNames: append([]string(nil), cfg.BuilderNames...),
		properties:   model.NewProperties(model.SourceScheduler, cfg.Properties),
		store:        st,
		bus:          b,
		logger:       logger.With("component", "scheduler", "scheduler", cfg.Name),
	}
}

// Name returns the scheduler's configured name.
func (s *Base) Name() string {
	return s.name
}

// ListBuilderNames returns the immutable configured builder list.
func (s *Base) ListBuilderNames() []string {
	return append([]string(nil), s.builderNames...)
}

// GetPendingBuildTimes returns scheduled-but-not-yet-triggered build
// times. The base engine never defers builds, so it has none; timed
// schedulers override this.
func (s *Base) GetPendingBuildTimes() []time.Time {
	return []time.Time{}
}

// FindNewSchedulerInstance returns the scheduler in a replacement
// configuration that carries this scheduler's name, or nil. Used during
// reconfiguration to transfer state identity from old to new instance.
func (s *Base) FindNewSchedulerInstance(schedulers map[string]Scheduler) Scheduler {
	for _, candidate := range schedulers {
		if candidate.Name() == s.name {
			return candidate
		}
	}
	return nil
}

// --- persisted state ---

// getObjectID resolves (and caches) the stable object id for this
// scheduler's (name, class) pair.
func (s *Base) getObjectID(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasObject {
		return s.objectID, nil
	}
	id, err := s.store.GetObjectID(ctx, s.name, s.className)
	if err != nil {
		return 0, fmt.Errorf("resolve object id: %w", err)
	}
	s.objectID = id
	s.hasObject = true
	return id, nil
}

// GetState returns the persisted value for key, JSON-decoded (numbers
// come back as float64). Absent keys fail with store.ErrNotFound.
func (s *Base) GetState(ctx context.Context, key string) (any, error) {
	oid, err := s.getObjectID(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := s.store.GetObjectState(ctx, oid, key)
	if err != nil {
		return nil, err
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("decode state %q: %w", key, err)
	}
	return value, nil
}

// GetStateDefault is GetState, returning def instead of an error when
// the key has never been set.
func (s *Base) GetStateDefault(ctx context.Context, key string, def any) (any, error) {
	value, err := s.GetState(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return def, nil
	}
	return value, err
}

// SetState persists value under key, creating or overwriting. It
// returns once the store has durably recorded the write.
func (s *Base) SetState(ctx context.Context, key string, value any) error {
	oid, err := s.getObjectID(ctx)
	if err != nil {
		return err
	}
	return s.store.SetObjectState(ctx, oid, key, value)
}

// --- change consumption ---

// StartConsumingChanges subscribes to the change bus. Each delivered
// change runs the classification pipeline: filter, importance
// predicate, onlyImportant; survivors reach handler with their
// importance flag, strictly in order.
//
// A nil handler is a programmer error and fails immediately.
func (s *Base) StartConsumingChanges(handler ChangeHandler, opts ConsumeOptions) error {
	if handler == nil {
		return errors.New("scheduler: change handler must not be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return fmt.Errorf("scheduler %s: already consuming changes", s.name)
	}
	s.sub = s.bus.Subscribe(bus.TopicChanges, func(ctx context.Context, c *model.Change) error {
		return s.processChange(ctx, handler, opts, c)
	})
	s.logger.Info("consuming changes", "subscription", s.sub.ID, "only_important", opts.OnlyImportant)
	return nil
}

// processChange classifies one change and, if it survives, hands it to
// the handler. Importance predicate failures are logged and the change
// ignored; the bus keeps delivering subsequent changes.
func (s *Base) processChange(ctx context.Context, handler ChangeHandler, opts ConsumeOptions, c *model.Change) error {
	if !opts.Filter.Matches(c) {
		s.logger.Debug("change filtered", "changeid", c.ID)
		return nil
	}

	important := true
	if opts.FileIsImportant != nil {
		imp, err := opts.FileIsImportant(c)
		if err != nil {
			s.logger.Error("importance predicate failed; change ignored", "changeid", c.ID, "error", err)
			return nil
		}
		important = imp
	}

	if opts.OnlyImportant && !important {
		s.logger.Debug("unimportant change dropped", "changeid", c.ID)
		return nil
	}

	return handler(ctx, c, important)
}

// StopConsumingChanges unsubscribes from the bus. Any in-flight change
// handling finishes before this returns; no further changes are
// delivered afterwards. Safe to call when not consuming.
func (s *Base) StopConsumingChanges() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	if sub != nil {
		sub.Cancel()
		s.logger.Info("stopped consuming changes", "subscription", sub.ID)
	}
}

// Stop shuts the scheduler down.
func (s *Base) Stop() error {
	s.StopConsumingChanges()
	return nil
}

// --- buildset factory ---

// BuildsetOptions carries the optional arguments shared by the
// AddBuildsetFor* entry points.
type BuildsetOptions struct {
	// Properties are caller-supplied properties; they win over the
	// scheduler's base properties and the injected scheduler property.
	Properties model.Properties
	// BuilderNames overrides the scheduler's configured builder list.
	BuilderNames []string
	// ExternalIDString tags the buildset with an external identifier.
	ExternalIDString string
}

// LatestOptions extends BuildsetOptions with the source identity for
// AddBuildsetForLatest. Zero values mean "whatever is latest".
type LatestOptions struct {
	BuildsetOptions
	Branch     *string
	Repository string
	Project    string
}

// AddBuildsetForSourceStamp creates a buildset (and one build request
// per targeted builder) against an existing sourcestamp set.
func (s *Base) AddBuildsetForSourceStamp(ctx context.Context, reason string, setID int64, opts BuildsetOptions) (int64, map[string]int64, error) {
	builders := opts.BuilderNames
	if len(builders) == 0 {
		builders = s.builderNames
	}

	// Merge order: scheduler base properties, scheduler identity,
	// then caller-supplied; later wins.
	identity := model.Properties{}
	identity.Set("scheduler", s.name, model.SourceScheduler)
	props := model.MergeProperties(s.properties, identity, opts.Properties)

	bs := &model.Buildset{
		Reason:           reason,
		ExternalIDString: opts.ExternalIDString,
		SourceStampSetID: setID,
		Properties:       props,
	}
	bsid, brids, err := s.store.CreateBuildset(ctx, bs, builders)
	if err != nil {
		return 0, nil, fmt.Errorf("create buildset: %w", err)
	}
	s.logger.Info("buildset created", "buildsetid", bsid, "reason", reason, "builders", len(brids))
	return bsid, brids, nil
}

// AddBuildsetForLatest creates a buildset for "whatever is latest": a
// brand-new sourcestamp set holding one stamp with empty codebase and no
// revision.
func (s *Base) AddBuildsetForLatest(ctx context.Context, reason string, opts LatestOptions) (int64, map[string]int64, error) {
	setID, err := s.store.CreateSourceStampSet(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("create sourcestamp set: %w", err)
	}
	ss := &model.SourceStamp{
		SetID:      setID,
		Branch:     opts.Branch,
		Revision:   nil,
		Repository: opts.Repository,
		Project:    opts.Project,
		Codebase:   "",
	}
	if err := s.store.CreateSourceStamp(ctx, ss); err != nil {
		return 0, nil, fmt.Errorf("create sourcestamp: %w", err)
	}
	return s.AddBuildsetForSourceStamp(ctx, reason, setID, opts.BuildsetOptions)
}

// AddBuildsetForChanges creates a buildset covering the given changes:
// one sourcestamp per distinct codebase, carrying the branch, revision,
// repository and project of that codebase's latest change (highest id)
// and the union of its contributing change ids. Input order is
// irrelevant; stamps are keyed by codebase.
func (s *Base) AddBuildsetForChanges(ctx context.Context, reason string, changeIDs []int64, opts BuildsetOptions) (int64, map[string]int64, error) {
	if len(changeIDs) == 0 {
		return 0, nil, errors.New("addBuildsetForChanges: no change ids")
	}

	latest := make(map[string]*model.Change)
	idsByCodebase := make(map[string][]int64)
	for _, id := range changeIDs {
		c, err := s.store.GetChange(ctx, id)
		if err != nil {
			return 0, nil, fmt.Errorf("get change %d: %w", id, err)
		}
		if c == nil {
			return 0, nil, fmt.Errorf("change %d not found", id)
		}
		idsByCodebase[c.Codebase] = append(idsByCodebase[c.Codebase], c.ID)
		if cur := latest[c.Codebase]; cur == nil || c.ID > cur.ID {
			latest[c.Codebase] = c
		}
	}

	setID, err := s.store.CreateSourceStampSet(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("create sourcestamp set: %w", err)
	}

	codebases := make([]string, 0, len(latest))
	for cb := range latest {
		codebases = append(codebases, cb)
	}
	sort.Strings(codebases)

	for _, cb := range codebases {
		c := latest[cb]
		ids := idsByCodebase[cb]
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		ss := &model.SourceStamp{
			SetID:      setID,
			Branch:     optString(c.Branch),
			Revision:   optString(c.Revision),
			Repository: c.Repository,
			Project:    c.Project,
			Codebase:   cb,
			ChangeIDs:  ids,
		}
		if err := s.store.CreateSourceStamp(ctx, ss); err != nil {
			return 0, nil, fmt.Errorf("create sourcestamp %q: %w", cb, err)
		}
	}

	return s.AddBuildsetForSourceStamp(ctx, reason, setID, opts)
}

// optString maps the empty string to "not set".
func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
