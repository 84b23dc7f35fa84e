package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/forge/internal/cache"
	"github.com/me/forge/pkg/model"

	_ "modernc.org/sqlite"
)

// changeCacheSize bounds the in-memory change row cache. Schedulers and
// the buildset factory repeatedly look up the same recent changes, so a
// small cache absorbs nearly all of that traffic.
const changeCacheSize = 100

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	// changes coalesces concurrent reads of the same change row so
	// schedulers triggered by the same change share one fetch and one
	// object.
	changes *cache.Coalescing[int64, model.Change]
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}
	s.changes = cache.NewCoalescing(s.fetchChange, changeCacheSize, logger)
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// --- Object identity and state ---

// GetObjectID returns the stable id for the (name, class) pair, creating
// a row on first use.
func (s *SQLiteStore) GetObjectID(ctx context.Context, name, class string) (int64, error) {
	s.logger.Debug("sql", "op", "upsert", "table", "objects", "name", name, "class", class)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO objects (name, class) VALUES (?, ?)
		 ON CONFLICT (name, class) DO NOTHING`, name, class)
	if err != nil {
		return 0, fmt.Errorf("insert object %s/%s: %w", name, class, err)
	}

	var id int64
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM objects WHERE name = ? AND class = ?`, name, class).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("select object %s/%s: %w", name, class, err)
	}
	return id, nil
}

// GetObjectState returns the raw JSON value stored under key for the
// object, or ErrNotFound.
func (s *SQLiteStore) GetObjectState(ctx context.Context, objectID int64, key string) (json.RawMessage, error) {
	s.logger.Debug("sql", "op", "select", "table", "object_state", "objectid", objectID, "key", key)

	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT value_json FROM object_state WHERE objectid = ? AND name = ?`,
		objectID, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("object %d state %q: %w", objectID, key, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}

// SetObjectState stores value (JSON-serialized) under key for the
// object, creating or overwriting as needed.
func (s *SQLiteStore) SetObjectState(ctx context.Context, objectID int64, key string, value any) error {
	s.logger.Debug("sql", "op", "upsert", "table", "object_state", "objectid", objectID, "key", key)

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal state %q: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO object_state (objectid, name, value_json) VALUES (?, ?, ?)
		 ON CONFLICT (objectid, name) DO UPDATE SET value_json = excluded.value_json`,
		objectID, key, string(raw))
	return err
}

// --- Changes ---

// AddChange persists a change and assigns its id.
func (s *SQLiteStore) AddChange(ctx context.Context, c *model.Change) error {
	s.logger.Debug("sql", "op", "insert", "table", "changes", "codebase", c.Codebase)

	filesJSON, err := json.Marshal(c.Files)
	if err != nil {
		return fmt.Errorf("marshal files: %w", err)
	}
	propsJSON, err := json.Marshal(c.Properties)
	if err != nil {
		return fmt.Errorf("marshal properties: %w", err)
	}
	if c.When.IsZero() {
		c.When = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO changes (author, branch, revision, repository, project, codebase, category, comments, files, properties, when_timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Author, c.Branch, c.Revision, c.Repository, c.Project, c.Codebase,
		c.Category, c.Comments, string(filesJSON), string(propsJSON),
		c.When.Format(time.RFC3339Nano))
	if err != nil {
		return err
	}
	c.ID, err = res.LastInsertId()
	return err
}

// GetChange returns the change with the given id, or (nil, nil) if no
// such change exists. Reads are served through the coalescing cache;
// callers must treat the returned change as read-only.
func (s *SQLiteStore) GetChange(ctx context.Context, id int64) (*model.Change, error) {
	return s.changes.Get(ctx, id)
}

// fetchChange is the cache miss function: one uncached row read.
func (s *SQLiteStore) fetchChange(ctx context.Context, id int64, extra ...any) (*model.Change, error) {
	s.logger.Debug("sql", "op", "select", "table", "changes", "changeid", id)

	var c model.Change
	var filesJSON, propsJSON, when string
	err := s.db.QueryRowContext(ctx,
		`SELECT changeid, author, branch, revision, repository, project, codebase, category, comments, files, properties, when_timestamp
		 FROM changes WHERE changeid = ?`, id,
	).Scan(&c.ID, &c.Author, &c.Branch, &c.Revision, &c.Repository, &c.Project,
		&c.Codebase, &c.Category, &c.Comments, &filesJSON, &propsJSON, &when)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(filesJSON), &c.Files); err != nil {
		return nil, fmt.Errorf("unmarshal files: %w", err)
	}
	if err := json.Unmarshal([]byte(propsJSON), &c.Properties); err != nil {
		return nil, fmt.Errorf("unmarshal properties: %w", err)
	}
	c.When, err = time.Parse(time.RFC3339Nano, when)
	if err != nil {
		return nil, fmt.Errorf("parse when_timestamp: %w", err)
	}
	return &c, nil
}

// ListChanges returns changes newest-first, with an optional branch
// filter, plus the total row count for pagination.
func (s *SQLiteStore) ListChanges(ctx context.Context, opts model.ListOptions) ([]*model.Change, int, error) {
	opts.Clamp()
	s.logger.Debug("sql", "op", "select", "table", "changes", "branch", opts.Branch)

	where, args := "", []any{}
	if opts.Branch != "" {
		where = " WHERE branch = ?"
		args = append(args, opts.Branch)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM changes"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT changeid, author, branch, revision, repository, project, codebase, category, comments, files, properties, when_timestamp
		 FROM changes`+where+` ORDER BY changeid DESC LIMIT ? OFFSET ?`,
		append(args, opts.Limit, opts.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*model.Change
	for rows.Next() {
		var c model.Change
		var filesJSON, propsJSON, when string
		if err := rows.Scan(&c.ID, &c.Author, &c.Branch, &c.Revision, &c.Repository,
			&c.Project, &c.Codebase, &c.Category, &c.Comments, &filesJSON, &propsJSON, &when); err != nil {
			return nil, 0, err
		}
		if err := json.Unmarshal([]byte(filesJSON), &c.Files); err != nil {
			return nil, 0, fmt.Errorf("unmarshal files: %w", err)
		}
		if err := json.Unmarshal([]byte(propsJSON), &c.Properties); err != nil {
			return nil, 0, fmt.Errorf("unmarshal properties: %w", err)
		}
		if c.When, err = time.Parse(time.RFC3339Nano, when); err != nil {
			return nil, 0, fmt.Errorf("parse when_timestamp: %w", err)
		}
		out = append(out, &c)
	}
	return out, total, rows.Err()
}

// --- Sourcestamps ---

// CreateSourceStampSet creates an empty set and returns its id.
func (s *SQLiteStore) CreateSourceStampSet(ctx context.Context) (int64, error) {
	s.logger.Debug("sql", "op", "insert", "table", "sourcestampsets")

	res, err := s.db.ExecContext(ctx, `INSERT INTO sourcestampsets DEFAULT VALUES`)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// CreateSourceStamp persists a stamp into its set and assigns its id.
func (s *SQLiteStore) CreateSourceStamp(ctx context.Context, ss *model.SourceStamp) error {
	s.logger.Debug("sql", "op", "insert", "table", "sourcestamps", "setid", ss.SetID, "codebase", ss.Codebase)

	changeIDs, err := json.Marshal(ss.ChangeIDs)
	if err != nil {
		return fmt.Errorf("marshal changeids: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sourcestamps (setid, branch, revision, repository, project, codebase, changeids)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ss.SetID, nullable(ss.Branch), nullable(ss.Revision),
		ss.Repository, ss.Project, ss.Codebase, string(changeIDs))
	if err != nil {
		return err
	}
	ss.ID, err = res.LastInsertId()
	return err
}

// GetSourceStamps returns all stamps in a set, ordered by codebase.
func (s *SQLiteStore) GetSourceStamps(ctx context.Context, setID int64) ([]*model.SourceStamp, error) {
	s.logger.Debug("sql", "op", "select", "table", "sourcestamps", "setid", setID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, setid, branch, revision, repository, project, codebase, changeids
		 FROM sourcestamps WHERE setid = ? ORDER BY codebase`, setID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.SourceStamp
	for rows.Next() {
		var ss model.SourceStamp
		var branch, revision sql.NullString
		var changeIDs string
		if err := rows.Scan(&ss.ID, &ss.SetID, &branch, &revision,
			&ss.Repository, &ss.Project, &ss.Codebase, &changeIDs); err != nil {
			return nil, err
		}
		if branch.Valid {
			ss.Branch = &branch.String
		}
		if revision.Valid {
			ss.Revision = &revision.String
		}
		if err := json.Unmarshal([]byte(changeIDs), &ss.ChangeIDs); err != nil {
			return nil, fmt.Errorf("unmarshal changeids: %w", err)
		}
		out = append(out, &ss)
	}
	return out, rows.Err()
}

// --- Buildsets ---

// CreateBuildset persists a buildset and one build request per builder
// name, in one transaction. It assigns bs.ID and returns it along with
// a builder-name to request-id map.
func (s *SQLiteStore) CreateBuildset(ctx context.Context, bs *model.Buildset, builderNames []string) (int64, map[string]int64, error) {
	s.logger.Debug("sql", "op", "insert", "table", "buildsets", "reason", bs.Reason, "builders", len(builderNames))

	propsJSON, err := json.Marshal(bs.Properties)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal properties: %w", err)
	}
	if bs.SubmittedAt.IsZero() {
		bs.SubmittedAt = time.Now().UTC()
	}
	submitted := bs.SubmittedAt.Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO buildsets (external_idstring, reason, setid, submitted_at, complete, properties)
		 VALUES (?, ?, ?, ?, 0, ?)`,
		bs.ExternalIDString, bs.Reason, bs.SourceStampSetID, submitted, string(propsJSON))
	if err != nil {
		return 0, nil, fmt.Errorf("insert buildset: %w", err)
	}
	bsid, err := res.LastInsertId()
	if err != nil {
		return 0, nil, err
	}

	brids := make(map[string]int64, len(builderNames))
	for _, name := range builderNames {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO buildrequests (buildsetid, buildername, submitted_at, complete)
			 VALUES (?, ?, ?, 0)`, bsid, name, submitted)
		if err != nil {
			return 0, nil, fmt.Errorf("insert buildrequest %s: %w", name, err)
		}
		brid, err := res.LastInsertId()
		if err != nil {
			return 0, nil, err
		}
		brids[name] = brid
	}

	if err := tx.Commit(); err != nil {
		return 0, nil, err
	}
	bs.ID = bsid
	return bsid, brids, nil
}

// GetBuildset returns the buildset with the given id, or (nil, nil).
func (s *SQLiteStore) GetBuildset(ctx context.Context, id int64) (*model.Buildset, error) {
	s.logger.Debug("sql", "op", "select", "table", "buildsets", "id", id)

	row := s.db.QueryRowContext(ctx,
		`SELECT id, external_idstring, reason, setid, submitted_at, complete, results, properties
		 FROM buildsets WHERE id = ?`, id)
	bs, err := scanBuildset(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return bs, err
}

// ListBuildsets returns buildsets newest-first, optionally filtered on
// completeness, plus the total row count.
func (s *SQLiteStore) ListBuildsets(ctx context.Context, opts model.ListOptions) ([]*model.Buildset, int, error) {
	opts.Clamp()
	s.logger.Debug("sql", "op", "select", "table", "buildsets")

	where, args := "", []any{}
	if opts.Complete != nil {
		where = " WHERE complete = ?"
		args = append(args, boolToInt(*opts.Complete))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM buildsets"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, external_idstring, reason, setid, submitted_at, complete, results, properties
		 FROM buildsets`+where+` ORDER BY id DESC LIMIT ? OFFSET ?`,
		append(args, opts.Limit, opts.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*model.Buildset
	for rows.Next() {
		bs, err := scanBuildset(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, bs)
	}
	return out, total, rows.Err()
}

// ListBuildRequests returns the requests belonging to a buildset.
func (s *SQLiteStore) ListBuildRequests(ctx context.Context, buildsetID int64) ([]*model.BuildRequest, error) {
	s.logger.Debug("sql", "op", "select", "table", "buildrequests", "buildsetid", buildsetID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, buildsetid, buildername, submitted_at, complete, results
		 FROM buildrequests WHERE buildsetid = ? ORDER BY id`, buildsetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.BuildRequest
	for rows.Next() {
		var br model.BuildRequest
		var submitted string
		var complete int
		var results sql.NullInt64
		if err := rows.Scan(&br.ID, &br.BuildsetID, &br.BuilderName, &submitted, &complete, &results); err != nil {
			return nil, err
		}
		if br.SubmittedAt, err = time.Parse(time.RFC3339Nano, submitted); err != nil {
			return nil, fmt.Errorf("parse submitted_at: %w", err)
		}
		br.Complete = complete != 0
		if results.Valid {
			r := int(results.Int64)
			br.Results = &r
		}
		out = append(out, &br)
	}
	return out, rows.Err()
}

// --- helpers ---

func scanBuildset(scan func(...any) error) (*model.Buildset, error) {
	var bs model.Buildset
	var submitted, propsJSON string
	var complete int
	var results sql.NullInt64

	if err := scan(&bs.ID, &bs.ExternalIDString, &bs.Reason, &bs.SourceStampSetID,
		&submitted, &complete, &results, &propsJSON); err != nil {
		return nil, err
	}
	var err error
	if bs.SubmittedAt, err = time.Parse(time.RFC3339Nano, submitted); err != nil {
		return nil, fmt.Errorf("parse submitted_at: %w", err)
	}
	bs.Complete = complete != 0
	if results.Valid {
		r := int(results.Int64)
		bs.Results = &r
	}
	if err := json.Unmarshal([]byte(propsJSON), &bs.Properties); err != nil {
		return nil, fmt.Errorf("unmarshal properties: %w", err)
	}
	return &bs, nil
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
