package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/me/forge/pkg/model"
)

// ErrNotFound is returned by lookups for rows that do not exist where
// absence is an error (object state). Row getters that treat absence as
// a normal outcome return (nil, nil) instead.
var ErrNotFound = errors.New("store: not found")

// Store defines the persistence layer for Forge scheduling entities.
type Store interface {
	// Object identity and per-object key/value state
	GetObjectID(ctx context.Context, name, class string) (int64, error)
	GetObjectState(ctx context.Context, objectID int64, key string) (json.RawMessage, error)
	SetObjectState(ctx context.Context, objectID int64, key string, value any) error

	// Changes
	AddChange(ctx context.Context, c *model.Change) error
	GetChange(ctx context.Context, id int64) (*model.Change, error)
	ListChanges(ctx context.Context, opts model.ListOptions) ([]*model.Change, int, error)

	// Sourcestamps
	CreateSourceStampSet(ctx context.Context) (int64, error)
	CreateSourceStamp(ctx context.Context, ss *model.SourceStamp) error
	GetSourceStamps(ctx context.Context, setID int64) ([]*model.SourceStamp, error)

	// Buildsets
	CreateBuildset(ctx context.Context, bs *model.Buildset, builderNames []string) (int64, map[string]int64, error)
	GetBuildset(ctx context.Context, id int64) (*model.Buildset, error)
	ListBuildsets(ctx context.Context, opts model.ListOptions) ([]*model.Buildset, int, error)
	ListBuildRequests(ctx context.Context, buildsetID int64) ([]*model.BuildRequest, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
