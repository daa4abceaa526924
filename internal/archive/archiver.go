package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"filippo.io/age"
	"filippo.io/age/armor"
	"github.com/rs/zerolog"

	_ "github.com/mattn/go-sqlite3"

	"github.com/orrn/printq/internal/clock"
	"github.com/orrn/printq/internal/core"
)

const (
	archivePrefix = "archive_"
	archiveSuffix = ".db.age"
	batchSize     = 500
)

var ErrArchiveNotFound = errors.New("archive not found")

// Source is the store side of archiving.
type Source interface {
	ListArchivable(ctx context.Context, cutoff time.Time, limit int) ([]*core.Job, error)
	ListAttempts(ctx context.Context, jobID string) ([]*core.JobAttempt, error)
	MarkArchived(ctx context.Context, jobIDs []string, archiveFile string, at time.Time) (int, error)
	CountArchiveJobs(ctx context.Context, archiveFile string) (int, error)
}

type ArchiveConfig struct {
	ArchivePath string
	ArchiveDays int
	Interval    time.Duration
	Passphrase  string
	// WorkFactor is the scrypt log2 cost; zero keeps the age default.
	WorkFactor int
}

type ArchiveFile struct {
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	JobCount  int       `json:"job_count"`
	DateRange string    `json:"date_range"`
}

type RunResult struct {
	Filename string `json:"filename,omitempty"`
	Jobs     int    `json:"jobs"`
}

// Archiver exports old terminal jobs and their attempt history into
// passphrase-encrypted SQLite files. Exported jobs are flagged, not deleted.
type Archiver struct {
	source      Source
	clock       clock.Clock
	logger      zerolog.Logger
	archivePath string
	archiveDays int
	interval    time.Duration
	passphrase  string
	workFactor  int
	stopCh      chan struct{}
	wg          sync.WaitGroup
	mu          sync.Mutex
}

func NewArchiver(source Source, config ArchiveConfig, clk clock.Clock, logger zerolog.Logger) (*Archiver, error) {
	if config.ArchivePath == "" {
		config.ArchivePath = "./data/archives"
	}
	if config.ArchiveDays <= 0 {
		config.ArchiveDays = 30
	}
	if config.Interval <= 0 {
		config.Interval = 24 * time.Hour
	}
	if clk == nil {
		clk = clock.Real()
	}

	if err := os.MkdirAll(config.ArchivePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	return &Archiver{
		source:      source,
		clock:       clk,
		logger:      logger,
		archivePath: config.ArchivePath,
		archiveDays: config.ArchiveDays,
		interval:    config.Interval,
		passphrase:  config.Passphrase,
		workFactor:  config.WorkFactor,
		stopCh:      make(chan struct{}),
	}, nil
}

func (a *Archiver) Start(ctx context.Context) {
	a.wg.Add(1)
	go a.loop(ctx)
}

func (a *Archiver) Stop() {
	close(a.stopCh)
	a.wg.Wait()
}

func (a *Archiver) loop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := a.RunArchive(ctx)
			if err != nil {
				a.logger.Error().Err(err).Msg("archive run failed")
				continue
			}
			if res.Jobs > 0 {
				a.logger.Info().Str("file", res.Filename).Int("jobs", res.Jobs).Msg("archived jobs")
			}
		}
	}
}

// RunArchive exports every terminal job that ended more than archiveDays
// ago into a new encrypted archive file.
func (a *Archiver) RunArchive(ctx context.Context) (RunResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.passphrase == "" {
		return RunResult{}, fmt.Errorf("passphrase not set")
	}

	now := a.clock.Now()
	cutoff := now.AddDate(0, 0, -a.archiveDays)

	// one batch per run; the rest waits for the next tick
	jobs, err := a.source.ListArchivable(ctx, cutoff, batchSize)
	if err != nil {
		return RunResult{}, fmt.Errorf("failed to get jobs for archival: %w", err)
	}
	if len(jobs) == 0 {
		return RunResult{}, nil
	}

	filename := a.nextFilename(now)
	plainPath := filepath.Join(a.archivePath, strings.TrimSuffix(filename, ".age"))
	defer os.Remove(plainPath)

	if err := a.writeArchiveDB(ctx, plainPath, jobs, now); err != nil {
		return RunResult{}, fmt.Errorf("failed to create archive database: %w", err)
	}
	if err := a.encryptFile(plainPath, filepath.Join(a.archivePath, filename)); err != nil {
		return RunResult{}, fmt.Errorf("failed to encrypt archive: %w", err)
	}

	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	marked, err := a.source.MarkArchived(ctx, ids, filename, now)
	if err != nil {
		return RunResult{}, fmt.Errorf("failed to record archive jobs: %w", err)
	}
	if marked < len(ids) {
		a.logger.Warn().Int("exported", len(ids)).Int("marked", marked).Str("file", filename).Msg("jobs left terminal status during archiving")
	}

	return RunResult{Filename: filename, Jobs: marked}, nil
}

// nextFilename names an archive after now, adding a counter when a file
// with that name already exists. Callers hold a.mu.
func (a *Archiver) nextFilename(now time.Time) string {
	base := archivePrefix + now.UTC().Format("2006_01_02T150405.000")
	name := base + archiveSuffix
	for i := 2; ; i++ {
		if _, err := os.Stat(filepath.Join(a.archivePath, name)); errors.Is(err, os.ErrNotExist) {
			return name
		}
		name = fmt.Sprintf("%s_%d%s", base, i, archiveSuffix)
	}
}

func (a *Archiver) writeArchiveDB(ctx context.Context, path string, jobs []*core.Job, at time.Time) error {
	archiveDB, err := openArchiveDB(path)
	if err != nil {
		return err
	}
	defer archiveDB.Close()

	tx, err := archiveDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin archive transaction: %w", err)
	}
	defer tx.Rollback()

	for _, job := range jobs {
		if err := insertJob(ctx, tx, job); err != nil {
			return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
		}
		attempts, err := a.source.ListAttempts(ctx, job.ID)
		if err != nil {
			return fmt.Errorf("failed to list attempts for %s: %w", job.ID, err)
		}
		for _, at := range attempts {
			if err := insertAttempt(ctx, tx, at); err != nil {
				return fmt.Errorf("failed to insert attempt %s/%d: %w", at.JobID, at.Attempt, err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO archive_metadata (id, archived_at, job_count)
		VALUES (1, ?, ?)
	`, at.UTC(), len(jobs)); err != nil {
		return fmt.Errorf("failed to update archive metadata: %w", err)
	}

	return tx.Commit()
}

func openArchiveDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			file_id TEXT NOT NULL,
			original_file_name TEXT,
			owner_id TEXT NOT NULL,
			owner_email TEXT,
			status TEXT NOT NULL,
			scheduled_at DATETIME,
			created_at DATETIME NOT NULL,
			started_at DATETIME,
			completed_at DATETIME,
			failed_at DATETIME,
			cancelled_at DATETIME,
			progress REAL,
			failure_reason TEXT,
			device_id TEXT,
			attempt INTEGER
		);

		CREATE TABLE IF NOT EXISTS job_attempts (
			job_id TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			status TEXT NOT NULL,
			device_id TEXT,
			progress REAL,
			failure_reason TEXT,
			started_at DATETIME,
			ended_at DATETIME,
			PRIMARY KEY (job_id, attempt)
		);

		CREATE TABLE IF NOT EXISTS archive_metadata (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			archived_at DATETIME,
			job_count INTEGER
		);
	`)
	if err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func insertJob(ctx context.Context, tx *sql.Tx, j *core.Job) error {
	_, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO jobs (id, file_id, original_file_name, owner_id, owner_email, status, scheduled_at,
			created_at, started_at, completed_at, failed_at, cancelled_at, progress, failure_reason, device_id, attempt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, j.ID, j.FileID, j.OriginalFileName, j.OwnerID, j.OwnerEmail, string(j.Status), j.ScheduledAt,
		j.CreatedAt, j.StartedAt, j.CompletedAt, j.FailedAt, j.CancelledAt, j.Progress, j.FailureReason, j.DeviceID, j.Attempt)
	return err
}

func insertAttempt(ctx context.Context, tx *sql.Tx, at *core.JobAttempt) error {
	_, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO job_attempts (job_id, attempt, status, device_id, progress, failure_reason, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, at.JobID, at.Attempt, string(at.Status), at.DeviceID, at.Progress, at.FailureReason, at.StartedAt, at.EndedAt)
	return err
}

func (a *Archiver) encryptFile(inputPath, outputPath string) error {
	recipient, err := age.NewScryptRecipient(a.passphrase)
	if err != nil {
		return fmt.Errorf("invalid passphrase: %w", err)
	}
	if a.workFactor > 0 {
		recipient.SetWorkFactor(a.workFactor)
	}

	in, err := os.Open(inputPath)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(outputPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}

	armored := armor.NewWriter(out)
	w, err := age.Encrypt(armored, recipient)
	if err != nil {
		out.Close()
		os.Remove(outputPath)
		return fmt.Errorf("age encryption failed: %w", err)
	}
	if _, err := io.Copy(w, in); err != nil {
		out.Close()
		os.Remove(outputPath)
		return fmt.Errorf("age encryption failed: %w", err)
	}
	for _, c := range []io.Closer{w, armored, out} {
		if err := c.Close(); err != nil {
			os.Remove(outputPath)
			return fmt.Errorf("age encryption failed: %w", err)
		}
	}
	return nil
}

func (a *Archiver) decryptFile(inputPath, outputPath string) error {
	identity, err := age.NewScryptIdentity(a.passphrase)
	if err != nil {
		return fmt.Errorf("invalid passphrase: %w", err)
	}

	in, err := os.Open(inputPath)
	if err != nil {
		return err
	}
	defer in.Close()

	r, err := age.Decrypt(armor.NewReader(in), identity)
	if err != nil {
		return fmt.Errorf("age decryption failed: %w", err)
	}

	out, err := os.OpenFile(outputPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("age decryption failed: %w", err)
	}
	return out.Close()
}

// ListArchives returns the archive files on disk, newest first.
func (a *Archiver) ListArchives(ctx context.Context) ([]*ArchiveFile, error) {
	files, err := os.ReadDir(a.archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive directory: %w", err)
	}

	archives := []*ArchiveFile{}
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), archiveSuffix) {
			continue
		}
		info, err := file.Info()
		if err != nil {
			continue
		}

		archives = append(archives, a.describe(ctx, file.Name(), info))
	}

	sort.Slice(archives, func(i, j int) bool { return archives[i].Filename > archives[j].Filename })
	return archives, nil
}

func (a *Archiver) GetArchiveInfo(ctx context.Context, filename string) (*ArchiveFile, error) {
	path, err := a.resolve(filename)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrArchiveNotFound
		}
		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}
	return a.describe(ctx, filename, info), nil
}

func (a *Archiver) describe(ctx context.Context, name string, info os.FileInfo) *ArchiveFile {
	f := &ArchiveFile{
		Filename:  name,
		Size:      info.Size(),
		CreatedAt: info.ModTime().UTC(),
		DateRange: strings.TrimSuffix(strings.TrimPrefix(name, archivePrefix), archiveSuffix),
	}
	if n, err := a.source.CountArchiveJobs(ctx, name); err == nil {
		f.JobCount = n
	}
	return f
}

// DecryptArchive writes the plaintext SQLite archive to outputPath.
func (a *Archiver) DecryptArchive(filename, outputPath string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.passphrase == "" {
		return fmt.Errorf("passphrase not set")
	}
	path, err := a.resolve(filename)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return ErrArchiveNotFound
	}
	if err := a.decryptFile(path, outputPath); err != nil {
		return fmt.Errorf("failed to decrypt archive: %w", err)
	}
	return nil
}

func (a *Archiver) resolve(filename string) (string, error) {
	if filename == "" || filepath.Base(filename) != filename || !strings.HasSuffix(filename, archiveSuffix) {
		return "", ErrArchiveNotFound
	}
	return filepath.Join(a.archivePath, filename), nil
}

func (a *Archiver) HasPassphrase() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.passphrase != ""
}

func (a *Archiver) GetArchiveDays() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.archiveDays
}

func (a *Archiver) GetArchivePath() string {
	return a.archivePath
}
