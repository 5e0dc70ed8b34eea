package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/book-expert/longform-tts/internal/core"
	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	metadata TEXT NOT NULL,
	input_text TEXT,
	chunks TEXT,
	updated_at TEXT NOT NULL
)`

const (
	sqlUpsertJob   = `INSERT INTO jobs (id, metadata, updated_at) VALUES (?, ?, ?) ON CONFLICT(id) DO UPDATE SET metadata = excluded.metadata, updated_at = excluded.updated_at`
	sqlSelectJob   = `SELECT metadata FROM jobs WHERE id = ?`
	sqlSaveInput   = `UPDATE jobs SET input_text = ? WHERE id = ?`
	sqlSelectInput = `SELECT input_text FROM jobs WHERE id = ?`
	sqlSaveChunks  = `UPDATE jobs SET chunks = ? WHERE id = ?`
	sqlSelectChunk = `SELECT chunks FROM jobs WHERE id = ?`
	sqlListIDs     = `SELECT id FROM jobs ORDER BY id`
	sqlDeleteJob   = `DELETE FROM jobs WHERE id = ?`
	sqlRecordSize  = `SELECT length(metadata) + IFNULL(length(input_text), 0) + IFNULL(length(chunks), 0) FROM jobs WHERE id = ?`
	sqlJobExists   = `SELECT 1 FROM jobs WHERE id = ?`
)

// SQLiteStore keeps records in one SQLite table and audio files under the jobs root.
type SQLiteStore struct {
	db     *sql.DB
	layout Layout
}

// OpenSQLite opens the database at path and prepares the schema.
func OpenSQLite(ctx context.Context, path, root string) (*SQLiteStore, error) {
	mkdirErr := os.MkdirAll(filepath.Dir(path), dirPermissions)
	if mkdirErr != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", mkdirErr)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	for _, pragma := range []string{"PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 5000"} {
		_, pragmaErr := db.ExecContext(ctx, pragma)
		if pragmaErr != nil {
			_ = db.Close()

			return nil, fmt.Errorf("failed to apply %q: %w", pragma, pragmaErr)
		}
	}

	store, err := NewSQLite(ctx, db, root)
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	return store, nil
}

// NewSQLite wraps an open database, creating the jobs table if needed.
func NewSQLite(ctx context.Context, db *sql.DB, root string) (*SQLiteStore, error) {
	_, err := db.ExecContext(ctx, sqliteSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to create jobs table: %w", err)
	}

	mkdirErr := os.MkdirAll(root, dirPermissions)
	if mkdirErr != nil {
		return nil, fmt.Errorf("failed to create jobs root %s: %w", root, mkdirErr)
	}

	return &SQLiteStore{db: db, layout: Layout{Root: root}}, nil
}

// Layout implements Store.
func (s *SQLiteStore) Layout() Layout { return s.layout }

// Close closes the database.
func (s *SQLiteStore) Close() error {
	err := s.db.Close()
	if err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}

// SaveJob upserts the metadata row and creates the job directories.
func (s *SQLiteStore) SaveJob(ctx context.Context, job *core.Job) error {
	idErr := ValidateID(job.ID)
	if idErr != nil {
		return idErr
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}

	_, execErr := s.db.ExecContext(ctx, sqlUpsertJob, job.ID, string(data), time.Now().UTC().Format(time.RFC3339Nano))
	if execErr != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, execErr)
	}

	return s.layout.EnsureJobDirs(job.ID)
}

// LoadJob reads the metadata row.
func (s *SQLiteStore) LoadJob(ctx context.Context, id string) (*core.Job, error) {
	var data string

	err := s.db.QueryRowContext(ctx, sqlSelectJob, id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", core.ErrNotFound, id)
		}

		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}

	var job core.Job

	unmarshalErr := json.Unmarshal([]byte(data), &job)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("failed to parse job %s: %w", id, unmarshalErr)
	}

	return &job, nil
}

// SaveInput stores the raw input text on an existing row.
func (s *SQLiteStore) SaveInput(ctx context.Context, id, text string) error {
	return s.updateColumn(ctx, sqlSaveInput, id, text)
}

// LoadInput reads the raw input text.
func (s *SQLiteStore) LoadInput(ctx context.Context, id string) (string, error) {
	var text sql.NullString

	err := s.db.QueryRowContext(ctx, sqlSelectInput, id).Scan(&text)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: %s", core.ErrNotFound, id)
		}

		return "", fmt.Errorf("failed to load input of %s: %w", id, err)
	}

	return text.String, nil
}

// SaveChunks stores the chunk list on an existing row.
func (s *SQLiteStore) SaveChunks(ctx context.Context, id string, chunks []core.Chunk) error {
	data, err := json.Marshal(chunks)
	if err != nil {
		return fmt.Errorf("failed to marshal chunks of %s: %w", id, err)
	}

	return s.updateColumn(ctx, sqlSaveChunks, id, string(data))
}

// LoadChunks reads the chunk list.
func (s *SQLiteStore) LoadChunks(ctx context.Context, id string) ([]core.Chunk, error) {
	var data sql.NullString

	err := s.db.QueryRowContext(ctx, sqlSelectChunk, id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", core.ErrNotFound, id)
		}

		return nil, fmt.Errorf("failed to load chunks of %s: %w", id, err)
	}

	if !data.Valid {
		return nil, fmt.Errorf("%w for job %s", ErrNoChunks, id)
	}

	var chunks []core.Chunk

	unmarshalErr := json.Unmarshal([]byte(data.String), &chunks)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("failed to parse chunks of %s: %w", id, unmarshalErr)
	}

	return chunks, nil
}

// ListJobIDs returns every stored id, sorted.
func (s *SQLiteStore) ListJobIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, sqlListIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var ids []string

	for rows.Next() {
		var id string

		scanErr := rows.Scan(&id)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan job id: %w", scanErr)
		}

		ids = append(ids, id)
	}

	rowsErr := rows.Err()
	if rowsErr != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", rowsErr)
	}

	return ids, nil
}

// Delete removes the row and the job directory.
func (s *SQLiteStore) Delete(ctx context.Context, id string) (bool, error) {
	idErr := ValidateID(id)
	if idErr != nil {
		return false, idErr
	}

	result, err := s.db.ExecContext(ctx, sqlDeleteJob, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete job %s: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete job %s: %w", id, err)
	}

	dir := s.layout.JobDir(id)

	_, statErr := os.Stat(dir)
	dirExisted := statErr == nil

	removeErr := os.RemoveAll(dir)
	if removeErr != nil {
		return false, fmt.Errorf("failed to delete job directory %s: %w", dir, removeErr)
	}

	return affected > 0 || dirExisted, nil
}

// Size returns record bytes plus the job directory size.
func (s *SQLiteStore) Size(ctx context.Context, id string) (int64, error) {
	var recordBytes sql.NullInt64

	err := s.db.QueryRowContext(ctx, sqlRecordSize, id).Scan(&recordBytes)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to measure job %s: %w", id, err)
	}

	fileBytes, err := DirSize(s.layout.JobDir(id))
	if err != nil {
		return 0, err
	}

	return recordBytes.Int64 + fileBytes, nil
}

// CleanupOrphans removes files in the jobs root and directories without a row.
func (s *SQLiteStore) CleanupOrphans(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.layout.Root)
	if err != nil {
		return 0, fmt.Errorf("failed to list jobs root %s: %w", s.layout.Root, err)
	}

	removed := 0

	for _, entry := range entries {
		if entry.IsDir() {
			var one int

			scanErr := s.db.QueryRowContext(ctx, sqlJobExists, entry.Name()).Scan(&one)
			if scanErr == nil {
				continue
			}

			if !errors.Is(scanErr, sql.ErrNoRows) {
				return removed, fmt.Errorf("failed to check job %s: %w", entry.Name(), scanErr)
			}
		}

		path := filepath.Join(s.layout.Root, entry.Name())

		removeErr := os.RemoveAll(path)
		if removeErr != nil {
			return removed, fmt.Errorf("failed to remove orphan %s: %w", path, removeErr)
		}

		removed++
	}

	return removed, nil
}

func (s *SQLiteStore) updateColumn(ctx context.Context, query, id, value string) error {
	result, err := s.db.ExecContext(ctx, query, value, id)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", id, err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: %s", core.ErrNotFound, id)
	}

	return nil
}
