package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/me/forge/pkg/model"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func sampleChange(codebase, branch, revision string) *model.Change {
	return &model.Change{
		Author:     "dev@example.org",
		Branch:     branch,
		Revision:   revision,
		Repository: "https://git.example.org/repo",
		Project:    "proj",
		Codebase:   codebase,
		Category:   "commit",
		Comments:   "fix the thing",
		Files:      []string{"a.go", "b.go"},
		Properties: model.NewProperties("Change", map[string]any{"got_revision": revision}),
		When:       time.Now().UTC().Truncate(time.Millisecond),
	}
}

// --- Migration tests ---

func TestMigrate_Idempotent(t *testing.T) {
	st := testStore(t)
	// Migrate a second time — should not error.
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

// --- Object identity and state ---

func TestGetObjectID_Stable(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	id1, err := st.GetObjectID(ctx, "nightly", "Scheduler")
	if err != nil {
		t.Fatalf("get object id: %v", err)
	}
	id2, err := st.GetObjectID(ctx, "nightly", "Scheduler")
	if err != nil {
		t.Fatalf("get object id again: %v", err)
	}
	if id1 != id2 {
		t.Errorf("object id changed across calls: %d != %d", id1, id2)
	}

	other, err := st.GetObjectID(ctx, "nightly", "ChangeSource")
	if err != nil {
		t.Fatalf("get object id other class: %v", err)
	}
	if other == id1 {
		t.Errorf("different class shares an id")
	}
}

func TestObjectState_RoundTripAndOverwrite(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	oid, err := st.GetObjectID(ctx, "sched", "Scheduler")
	if err != nil {
		t.Fatalf("object id: %v", err)
	}

	if err := st.SetObjectState(ctx, oid, "last_change", 41); err != nil {
		t.Fatalf("set state: %v", err)
	}
	raw, err := st.GetObjectState(ctx, oid, "last_change")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if string(raw) != "41" {
		t.Errorf("state = %s, want 41", raw)
	}

	if err := st.SetObjectState(ctx, oid, "last_change", 42); err != nil {
		t.Fatalf("overwrite state: %v", err)
	}
	raw, err = st.GetObjectState(ctx, oid, "last_change")
	if err != nil {
		t.Fatalf("get state after overwrite: %v", err)
	}
	if string(raw) != "42" {
		t.Errorf("state = %s, want 42", raw)
	}
}

func TestObjectState_MissingIsNotFound(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	oid, err := st.GetObjectID(ctx, "sched", "Scheduler")
	if err != nil {
		t.Fatalf("object id: %v", err)
	}
	if _, err := st.GetObjectState(ctx, oid, "never_set"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

// --- Changes ---

func TestAddChange_AssignsIDsAndRoundTrips(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	c1 := sampleChange("cb", "trunk", "9283")
	if err := st.AddChange(ctx, c1); err != nil {
		t.Fatalf("add change: %v", err)
	}
	c2 := sampleChange("cb", "trunk", "9284")
	if err := st.AddChange(ctx, c2); err != nil {
		t.Fatalf("add change: %v", err)
	}
	if c1.ID == 0 || c2.ID <= c1.ID {
		t.Errorf("ids not assigned monotonically: %d, %d", c1.ID, c2.ID)
	}

	got, err := st.GetChange(ctx, c1.ID)
	if err != nil {
		t.Fatalf("get change: %v", err)
	}
	if got == nil {
		t.Fatal("change not found")
	}
	if got.Revision != "9283" || got.Branch != "trunk" || got.Codebase != "cb" {
		t.Errorf("change = %+v", got)
	}
	if len(got.Files) != 2 || got.Files[0] != "a.go" {
		t.Errorf("files = %v", got.Files)
	}
	if got.Properties["got_revision"].Value != "9283" {
		t.Errorf("properties = %+v", got.Properties)
	}
	if !got.When.Equal(c1.When) {
		t.Errorf("when = %v, want %v", got.When, c1.When)
	}
}

func TestGetChange_MissingIsNil(t *testing.T) {
	st := testStore(t)
	got, err := st.GetChange(context.Background(), 999)
	if err != nil {
		t.Fatalf("get change: %v", err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil", got)
	}
}

func TestGetChange_CacheReturnsSameObject(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	c := sampleChange("cb", "trunk", "9283")
	if err := st.AddChange(ctx, c); err != nil {
		t.Fatalf("add change: %v", err)
	}

	first, err := st.GetChange(ctx, c.ID)
	if err != nil {
		t.Fatalf("get change: %v", err)
	}
	second, err := st.GetChange(ctx, c.ID)
	if err != nil {
		t.Fatalf("get change: %v", err)
	}
	if first != second {
		t.Errorf("cached read returned a different object")
	}
}

func TestListChanges_FilterAndPagination(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		branch := "trunk"
		if i%2 == 1 {
			branch = "devel"
		}
		if err := st.AddChange(ctx, sampleChange("cb", branch, fmt.Sprintf("%d", i))); err != nil {
			t.Fatalf("add change: %v", err)
		}
	}

	all, total, err := st.ListChanges(ctx, model.ListOptions{Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 5 || len(all) != 2 {
		t.Errorf("total = %d len = %d, want 5/2", total, len(all))
	}
	// Newest first.
	if all[0].ID < all[1].ID {
		t.Errorf("not newest-first: %d before %d", all[0].ID, all[1].ID)
	}

	devel, total, err := st.ListChanges(ctx, model.ListOptions{Branch: "devel"})
	if err != nil {
		t.Fatalf("list devel: %v", err)
	}
	if total != 2 || len(devel) != 2 {
		t.Errorf("devel total = %d len = %d, want 2/2", total, len(devel))
	}
}

// --- Sourcestamps ---

func TestSourceStamps_RoundTrip(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	setID, err := st.CreateSourceStampSet(ctx)
	if err != nil {
		t.Fatalf("create set: %v", err)
	}

	branch, rev := "trunk", "9285"
	withValues := &model.SourceStamp{
		SetID:      setID,
		Branch:     &branch,
		Revision:   &rev,
		Repository: "svn://repo",
		Project:    "proj",
		Codebase:   "zz-last",
		ChangeIDs:  []int64{13, 14, 15},
	}
	if err := st.CreateSourceStamp(ctx, withValues); err != nil {
		t.Fatalf("create stamp: %v", err)
	}
	latest := &model.SourceStamp{SetID: setID, Codebase: ""}
	if err := st.CreateSourceStamp(ctx, latest); err != nil {
		t.Fatalf("create latest stamp: %v", err)
	}

	stamps, err := st.GetSourceStamps(ctx, setID)
	if err != nil {
		t.Fatalf("get stamps: %v", err)
	}
	if len(stamps) != 2 {
		t.Fatalf("len = %d, want 2", len(stamps))
	}
	// Ordered by codebase: "" first.
	if stamps[0].Codebase != "" || stamps[1].Codebase != "zz-last" {
		t.Errorf("order = %q, %q", stamps[0].Codebase, stamps[1].Codebase)
	}
	if stamps[0].Branch != nil || stamps[0].Revision != nil {
		t.Errorf("latest stamp branch/revision not null: %+v", stamps[0])
	}
	got := stamps[1]
	if got.Branch == nil || *got.Branch != "trunk" || got.Revision == nil || *got.Revision != "9285" {
		t.Errorf("stamp = %+v", got)
	}
	if len(got.ChangeIDs) != 3 || got.ChangeIDs[2] != 15 {
		t.Errorf("changeids = %v", got.ChangeIDs)
	}
}

// --- Buildsets ---

func TestCreateBuildset_AtomicWithRequests(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	setID, err := st.CreateSourceStampSet(ctx)
	if err != nil {
		t.Fatalf("create set: %v", err)
	}

	bs := &model.Buildset{
		Reason:           "because",
		ExternalIDString: "try_1234",
		SourceStampSetID: setID,
		Properties:       model.NewProperties("Scheduler", map[string]any{"scheduler": "testy"}),
	}
	bsid, brids, err := st.CreateBuildset(ctx, bs, []string{"linux", "windows"})
	if err != nil {
		t.Fatalf("create buildset: %v", err)
	}
	if bsid == 0 || bs.ID != bsid {
		t.Errorf("buildset id not assigned: %d/%d", bsid, bs.ID)
	}
	if len(brids) != 2 || brids["linux"] == 0 || brids["windows"] == 0 {
		t.Errorf("brids = %v", brids)
	}

	got, err := st.GetBuildset(ctx, bsid)
	if err != nil {
		t.Fatalf("get buildset: %v", err)
	}
	if got == nil {
		t.Fatal("buildset not found")
	}
	if got.Reason != "because" || got.ExternalIDString != "try_1234" || got.SourceStampSetID != setID {
		t.Errorf("buildset = %+v", got)
	}
	if got.Complete {
		t.Errorf("new buildset marked complete")
	}
	if got.Properties["scheduler"].Value != "testy" || got.Properties["scheduler"].Source != "Scheduler" {
		t.Errorf("properties = %+v", got.Properties)
	}

	reqs, err := st.ListBuildRequests(ctx, bsid)
	if err != nil {
		t.Fatalf("list requests: %v", err)
	}
	if len(reqs) != 2 {
		t.Fatalf("len = %d, want 2", len(reqs))
	}
	for _, br := range reqs {
		if br.BuildsetID != bsid {
			t.Errorf("request %d points at buildset %d", br.ID, br.BuildsetID)
		}
		if brids[br.BuilderName] != br.ID {
			t.Errorf("brids[%s] = %d, request id %d", br.BuilderName, brids[br.BuilderName], br.ID)
		}
	}
}

func TestGetBuildset_MissingIsNil(t *testing.T) {
	st := testStore(t)
	got, err := st.GetBuildset(context.Background(), 77)
	if err != nil {
		t.Fatalf("get buildset: %v", err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil", got)
	}
}

func TestListBuildsets_CompleteFilter(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	setID, err := st.CreateSourceStampSet(ctx)
	if err != nil {
		t.Fatalf("create set: %v", err)
	}
	for i := 0; i < 3; i++ {
		bs := &model.Buildset{Reason: fmt.Sprintf("r%d", i), SourceStampSetID: setID}
		if _, _, err := st.CreateBuildset(ctx, bs, []string{"b"}); err != nil {
			t.Fatalf("create buildset: %v", err)
		}
	}

	open := false
	list, total, err := st.ListBuildsets(ctx, model.ListOptions{Complete: &open})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 3 || len(list) != 3 {
		t.Errorf("total = %d len = %d, want 3/3", total, len(list))
	}

	done := true
	list, total, err = st.ListBuildsets(ctx, model.ListOptions{Complete: &done})
	if err != nil {
		t.Fatalf("list complete: %v", err)
	}
	if total != 0 || len(list) != 0 {
		t.Errorf("complete total = %d len = %d, want 0/0", total, len(list))
	}
}
