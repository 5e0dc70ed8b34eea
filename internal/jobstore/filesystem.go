package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/book-expert/longform-tts/internal/core"
)

// FilesystemStore keeps every record as a file inside the job directory.
type FilesystemStore struct {
	layout Layout
}

// NewFilesystem creates the jobs root if needed and returns a store over it.
func NewFilesystem(root string) (*FilesystemStore, error) {
	err := os.MkdirAll(root, dirPermissions)
	if err != nil {
		return nil, fmt.Errorf("failed to create jobs root %s: %w", root, err)
	}

	return &FilesystemStore{layout: Layout{Root: root}}, nil
}

// Layout implements Store.
func (s *FilesystemStore) Layout() Layout { return s.layout }

// Close implements Store.
func (s *FilesystemStore) Close() error { return nil }

// SaveJob writes metadata.json, creating the job directories on first save.
func (s *FilesystemStore) SaveJob(_ context.Context, job *core.Job) error {
	idErr := ValidateID(job.ID)
	if idErr != nil {
		return idErr
	}

	dirErr := s.layout.EnsureJobDirs(job.ID)
	if dirErr != nil {
		return dirErr
	}

	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}

	return writeFileAtomic(filepath.Join(s.layout.JobDir(job.ID), MetadataFile), data)
}

// LoadJob reads metadata.json.
func (s *FilesystemStore) LoadJob(_ context.Context, id string) (*core.Job, error) {
	idErr := ValidateID(id)
	if idErr != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrNotFound, idErr)
	}

	return readMetadata(filepath.Join(s.layout.JobDir(id), MetadataFile))
}

// SaveInput writes the raw input text.
func (s *FilesystemStore) SaveInput(_ context.Context, id, text string) error {
	return s.writeJobFile(id, InputFile, []byte(text))
}

// LoadInput reads the raw input text.
func (s *FilesystemStore) LoadInput(_ context.Context, id string) (string, error) {
	data, err := s.readJobFile(id, InputFile)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

// SaveChunks writes chunks.json.
func (s *FilesystemStore) SaveChunks(_ context.Context, id string, chunks []core.Chunk) error {
	data, err := json.MarshalIndent(chunks, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal chunks of %s: %w", id, err)
	}

	return s.writeJobFile(id, ChunksFile, data)
}

// LoadChunks reads chunks.json.
func (s *FilesystemStore) LoadChunks(_ context.Context, id string) ([]core.Chunk, error) {
	data, err := s.readJobFile(id, ChunksFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w for job %s", ErrNoChunks, id)
		}

		return nil, err
	}

	var chunks []core.Chunk

	unmarshalErr := json.Unmarshal(data, &chunks)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("failed to parse chunks of %s: %w", id, unmarshalErr)
	}

	return chunks, nil
}

// ListJobIDs returns ids of directories holding a metadata file, sorted.
func (s *FilesystemStore) ListJobIDs(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.layout.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs root %s: %w", s.layout.Root, err)
	}

	ids := make([]string, 0, len(entries))

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		_, statErr := os.Stat(filepath.Join(s.layout.Root, entry.Name(), MetadataFile))
		if statErr == nil {
			ids = append(ids, entry.Name())
		}
	}

	sort.Strings(ids)

	return ids, nil
}

// Delete removes the job directory tree.
func (s *FilesystemStore) Delete(_ context.Context, id string) (bool, error) {
	idErr := ValidateID(id)
	if idErr != nil {
		return false, idErr
	}

	dir := s.layout.JobDir(id)

	_, statErr := os.Stat(dir)
	if errors.Is(statErr, fs.ErrNotExist) {
		return false, nil
	}

	err := os.RemoveAll(dir)
	if err != nil {
		return false, fmt.Errorf("failed to delete job directory %s: %w", dir, err)
	}

	return true, nil
}

// Size implements Store.
func (s *FilesystemStore) Size(_ context.Context, id string) (int64, error) {
	return DirSize(s.layout.JobDir(id))
}

// CleanupOrphans removes stray files in the root and directories without valid metadata.
func (s *FilesystemStore) CleanupOrphans(_ context.Context) (int, error) {
	entries, err := os.ReadDir(s.layout.Root)
	if err != nil {
		return 0, fmt.Errorf("failed to list jobs root %s: %w", s.layout.Root, err)
	}

	removed := 0

	for _, entry := range entries {
		path := filepath.Join(s.layout.Root, entry.Name())

		if entry.IsDir() {
			job, loadErr := readMetadata(filepath.Join(path, MetadataFile))
			if loadErr == nil && job.ID == entry.Name() {
				continue
			}
		}

		removeErr := os.RemoveAll(path)
		if removeErr != nil {
			return removed, fmt.Errorf("failed to remove orphan %s: %w", path, removeErr)
		}

		removed++
	}

	return removed, nil
}

func (s *FilesystemStore) writeJobFile(id, name string, data []byte) error {
	idErr := ValidateID(id)
	if idErr != nil {
		return idErr
	}

	dir := s.layout.JobDir(id)

	mkdirErr := os.MkdirAll(dir, dirPermissions)
	if mkdirErr != nil {
		return fmt.Errorf("failed to create job directory %s: %w", dir, mkdirErr)
	}

	return writeFileAtomic(filepath.Join(dir, name), data)
}

func (s *FilesystemStore) readJobFile(id, name string) ([]byte, error) {
	idErr := ValidateID(id)
	if idErr != nil {
		return nil, idErr
	}

	path := filepath.Join(s.layout.JobDir(id), name)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	return data, nil
}

func readMetadata(path string) (*core.Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", core.ErrNotFound, filepath.Base(filepath.Dir(path)))
		}

		return nil, fmt.Errorf("failed to read metadata %s: %w", path, err)
	}

	var job core.Job

	unmarshalErr := json.Unmarshal(data, &job)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("failed to parse metadata %s: %w", path, unmarshalErr)
	}

	return &job, nil
}
