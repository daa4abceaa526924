package archive

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/orrn/printq/internal/clock"
	"github.com/orrn/printq/internal/core"
	"github.com/orrn/printq/internal/db"
)

func setup(t *testing.T, passphrase string) (*Archiver, *db.JobOperations, *clock.Fake) {
	t.Helper()
	database, err := db.Open(db.Config{Path: ":memory:"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })

	clk := clock.NewFake(time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC))
	a, err := NewArchiver(db.NewArchiveOperations(database), ArchiveConfig{
		ArchivePath: t.TempDir(),
		ArchiveDays: 7,
		Passphrase:  passphrase,
		WorkFactor:  10,
	}, clk, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return a, db.NewJobOperations(database), clk
}

func cancelledJob(t *testing.T, jobs *db.JobOperations, id string, at time.Time) {
	t.Helper()
	ctx := context.Background()
	j := &core.Job{ID: id, FileID: "f-" + id, OwnerID: "alice", Status: core.JobStatusPending, CreatedAt: at, LastUpdatedAt: at, Attempt: 1}
	if err := jobs.CreateJob(ctx, j); err != nil {
		t.Fatal(err)
	}
	if _, err := jobs.TransitionJob(ctx, id, core.JobStatusPending, core.JobStatusCancelled, core.JobUpdate{At: at}); err != nil {
		t.Fatal(err)
	}
}

func TestRunArchiveExportsOldTerminalJobs(t *testing.T) {
	a, jobs, clk := setup(t, "correct horse battery staple")
	ctx := context.Background()

	cancelledJob(t, jobs, "old", clk.Now())
	clk.Advance(8 * 24 * time.Hour)
	cancelledJob(t, jobs, "recent", clk.Now())

	res, err := a.RunArchive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Jobs != 1 || res.Filename == "" {
		t.Fatalf("result = %+v", res)
	}

	archives, err := a.ListArchives(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(archives) != 1 || archives[0].Filename != res.Filename || archives[0].JobCount != 1 {
		t.Fatalf("archives = %+v", archives)
	}

	out := filepath.Join(t.TempDir(), "restored.db")
	if err := a.DecryptArchive(res.Filename, out); err != nil {
		t.Fatal(err)
	}
	restored, err := sql.Open("sqlite3", out)
	if err != nil {
		t.Fatal(err)
	}
	defer restored.Close()

	var id, status string
	if err := restored.QueryRow(`SELECT id, status FROM jobs`).Scan(&id, &status); err != nil {
		t.Fatal(err)
	}
	if id != "old" || status != string(core.JobStatusCancelled) {
		t.Fatalf("restored job = %s/%s", id, status)
	}

	// archived jobs stay readable and are not exported twice
	if _, err := jobs.GetJob(ctx, "old"); err != nil {
		t.Fatal(err)
	}
	clk.Advance(time.Minute)
	again, err := a.RunArchive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if again.Jobs != 0 {
		t.Fatalf("second run exported %d jobs", again.Jobs)
	}
}

func TestRunArchiveNeedsPassphrase(t *testing.T) {
	a, _, _ := setup(t, "")
	if _, err := a.RunArchive(context.Background()); err == nil {
		t.Fatal("expected an error without a passphrase")
	}
	if a.HasPassphrase() {
		t.Fatal("HasPassphrase = true")
	}
}

func TestArchiveNamesCannotEscapeDirectory(t *testing.T) {
	a, _, _ := setup(t, "pw")
	for _, name := range []string{"", "../secret.db.age", "archive_x.db", "a/b.db.age"} {
		if _, err := a.GetArchiveInfo(context.Background(), name); err != ErrArchiveNotFound {
			t.Errorf("GetArchiveInfo(%q) = %v", name, err)
		}
	}
}

func TestRunArchiveTwiceInOneInstant(t *testing.T) {
	a, jobs, clk := setup(t, "pw")
	ctx := context.Background()
	old := clk.Now()
	clk.Advance(8 * 24 * time.Hour)

	cancelledJob(t, jobs, "first", old)
	first, err := a.RunArchive(ctx)
	if err != nil {
		t.Fatal(err)
	}

	cancelledJob(t, jobs, "second", old)
	second, err := a.RunArchive(ctx)
	if err != nil {
		t.Fatalf("second run in the same instant: %v", err)
	}
	if first.Filename == second.Filename || second.Jobs != 1 {
		t.Fatalf("runs = %+v, %+v", first, second)
	}

	archives, err := a.ListArchives(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(archives) != 2 {
		t.Fatalf("archives = %+v", archives)
	}
}
