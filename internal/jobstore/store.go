// Package jobstore persists job metadata, input text and chunk records.
//
// Audio is always kept on the filesystem under a per-job directory described by
// Layout; the record backend is pluggable.
package jobstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/book-expert/longform-tts/internal/core"
)

// File and directory names inside a job directory.
const (
	MetadataFile = "metadata.json"
	InputFile    = "input_text.txt"
	ChunksFile   = "chunks.json"
	ChunksDir    = "chunks"
	OutputDir    = "output"

	chunkFileFormat  = "chunk_%03d.wav"
	outputFilePrefix = "final."

	filePermissions = 0o600
	dirPermissions  = 0o750
)

var (
	// ErrNoChunks indicates that chunking has not run for the job yet.
	ErrNoChunks = errors.New("no chunk records")
	// ErrInvalidJobID indicates an id that cannot name a job directory.
	ErrInvalidJobID = errors.New("invalid job id")
)

// Store is the record backend behind the job manager.
type Store interface {
	SaveJob(ctx context.Context, job *core.Job) error
	// LoadJob returns an error wrapping core.ErrNotFound for unknown ids.
	LoadJob(ctx context.Context, id string) (*core.Job, error)
	SaveInput(ctx context.Context, id, text string) error
	LoadInput(ctx context.Context, id string) (string, error)
	SaveChunks(ctx context.Context, id string, chunks []core.Chunk) error
	// LoadChunks returns an error wrapping ErrNoChunks when none were saved.
	LoadChunks(ctx context.Context, id string) ([]core.Chunk, error)
	ListJobIDs(ctx context.Context) ([]string, error)
	// Delete removes records and files. It reports false if nothing existed.
	Delete(ctx context.Context, id string) (bool, error)
	// Size returns the bytes held by one job.
	Size(ctx context.Context, id string) (int64, error)
	// CleanupOrphans removes entries under the jobs root that belong to no job.
	CleanupOrphans(ctx context.Context) (int, error)
	Layout() Layout
	Close() error
}

// Layout names the files of a job under a root directory.
type Layout struct {
	Root string
}

// JobDir returns the working directory of a job.
func (l Layout) JobDir(id string) string {
	return filepath.Join(l.Root, id)
}

// ChunkDir returns the directory holding per-chunk audio.
func (l Layout) ChunkDir(id string) string {
	return filepath.Join(l.Root, id, ChunksDir)
}

// ChunkFileName returns the audio file name of the chunk with the given 0-based index.
func ChunkFileName(index int) string {
	return fmt.Sprintf(chunkFileFormat, index+1)
}

// ChunkAudioPath returns the audio path of the chunk with the given 0-based index.
func (l Layout) ChunkAudioPath(id string, index int) string {
	return filepath.Join(l.ChunkDir(id), ChunkFileName(index))
}

// OutputPath returns the final audio path for the given format, with its path relative to the job directory.
func (l Layout) OutputPath(id, format string) (absolute, relative string) {
	relative = filepath.Join(OutputDir, outputFilePrefix+format)

	return filepath.Join(l.JobDir(id), relative), relative
}

// EnsureJobDirs creates the job, chunk and output directories.
func (l Layout) EnsureJobDirs(id string) error {
	for _, dir := range []string{l.ChunkDir(id), filepath.Join(l.JobDir(id), OutputDir)} {
		err := os.MkdirAll(dir, dirPermissions)
		if err != nil {
			return fmt.Errorf("failed to create job directory %s: %w", dir, err)
		}
	}

	return nil
}

// ValidateID rejects ids that would escape the jobs root.
func ValidateID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidJobID, id)
	}

	return nil
}

// DirSize sums the sizes of all regular files beneath dir. A missing dir has size 0.
func DirSize(dir string) (int64, error) {
	var total int64

	err := filepath.WalkDir(dir, func(_ string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return nil
			}

			return walkErr
		}

		if entry.Type().IsRegular() {
			info, infoErr := entry.Info()
			if infoErr != nil {
				return infoErr
			}

			total += info.Size()
		}

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to measure %s: %w", dir, err)
	}

	return total, nil
}

// writeFileAtomic replaces path with data through a temporary file in the same directory.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}

	tmpName := tmp.Name()

	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()

	if writeErr == nil {
		writeErr = closeErr
	}

	if writeErr == nil {
		writeErr = os.Chmod(tmpName, filePermissions)
	}

	if writeErr == nil {
		writeErr = os.Rename(tmpName, path)
	}

	if writeErr != nil {
		_ = os.Remove(tmpName)

		return fmt.Errorf("failed to write %s: %w", path, writeErr)
	}

	return nil
}
