package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/book-expert/logger"
	"github.com/book-expert/longform-tts/internal/core"
)

// Format represents supported output formats.
type Format string

// Supported output formats.
const (
	FormatWAV  Format = "wav"
	FormatMP3  Format = "mp3"
	FormatFLAC Format = "flac"
	FormatOGG  Format = "ogg"
	FormatM4A  Format = "m4a"
)

// SupportedFormats lists every output format the concatenator can export.
var SupportedFormats = []Format{FormatWAV, FormatMP3, FormatFLAC, FormatOGG, FormatM4A}

// ParseFormat validates a requested output format.
func ParseFormat(value string) (Format, error) {
	for _, format := range SupportedFormats {
		if string(format) == value {
			return format, nil
		}
	}

	return "", fmt.Errorf("%w: unsupported output format %q", core.ErrValidation, value)
}

const (
	filePermissions = 0o600
	dirPermissions  = 0o750
)

var (
	// ErrNoInputFiles indicates an empty list of chunk files.
	ErrNoInputFiles = errors.New("no audio files to concatenate")
	// ErrUnreadableInput indicates a chunk file that cannot be read or decoded.
	ErrUnreadableInput = errors.New("unreadable audio input")
	// ErrExportFailed indicates that writing or converting the output failed.
	ErrExportFailed = errors.New("audio export failed")
)

// Concatenator joins WAV chunk files with silence between them. Non-WAV outputs
// are produced by converting the joined WAV with ffmpeg.
type Concatenator struct {
	ffmpegPath string
	log        *logger.Logger
}

// NewConcatenator creates a concatenator that converts formats with the given ffmpeg binary.
func NewConcatenator(ffmpegPath string, log *logger.Logger) *Concatenator {
	return &Concatenator{ffmpegPath: ffmpegPath, log: log}
}

// Concatenate implements core.Concatenator.
func (c *Concatenator) Concatenate(
	ctx context.Context,
	files []string,
	outputPath, format string,
	silencePaddingMs int,
) (core.ConcatResult, error) {
	if len(files) == 0 {
		return core.ConcatResult{}, ErrNoInputFiles
	}

	outputFormat, err := ParseFormat(format)
	if err != nil {
		return core.ConcatResult{}, fmt.Errorf("%w: %w", ErrExportFailed, err)
	}

	joined, err := c.join(files, silencePaddingMs)
	if err != nil {
		return core.ConcatResult{}, err
	}

	mkdirErr := os.MkdirAll(filepath.Dir(outputPath), dirPermissions)
	if mkdirErr != nil {
		return core.ConcatResult{}, fmt.Errorf("%w: %w", ErrExportFailed, mkdirErr)
	}

	encoded := EncodeWAV(joined.Format, joined.Data)

	if outputFormat == FormatWAV {
		writeErr := os.WriteFile(outputPath, encoded, filePermissions)
		if writeErr != nil {
			return core.ConcatResult{}, fmt.Errorf("%w: %w", ErrExportFailed, writeErr)
		}
	} else {
		convertErr := c.convert(ctx, encoded, outputPath)
		if convertErr != nil {
			return core.ConcatResult{}, convertErr
		}
	}

	info, statErr := os.Stat(outputPath)
	if statErr != nil {
		return core.ConcatResult{}, fmt.Errorf("%w: %w", ErrExportFailed, statErr)
	}

	result := core.ConcatResult{
		Path:            outputPath,
		DurationSeconds: joined.Duration().Seconds(),
		SizeBytes:       info.Size(),
	}

	if c.log != nil {
		c.log.Info("Concatenated %d chunks into %s (%.1fs, %d bytes)",
			len(files), outputPath, result.DurationSeconds, result.SizeBytes)
	}

	return result, nil
}

func (c *Concatenator) join(files []string, silencePaddingMs int) (*WAV, error) {
	var (
		joined WAV
		data   bytes.Buffer
		gap    []byte
	)

	for i, path := range files {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnreadableInput, err)
		}

		wav, err := ParseWAV(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrUnreadableInput, path, err)
		}

		if i == 0 {
			joined.Format = wav.Format
			gap = silence(wav.Format, silencePaddingMs)
		} else {
			if !joined.Format.Compatible(wav.Format) {
				return nil, fmt.Errorf("%w: %w: %s", ErrUnreadableInput, ErrFormatMismatch, path)
			}

			data.Write(gap)
		}

		data.Write(wav.Data)
	}

	joined.Data = data.Bytes()

	return &joined, nil
}

func (c *Concatenator) convert(ctx context.Context, wavData []byte, outputPath string) error {
	tmp, err := os.CreateTemp(filepath.Dir(outputPath), ".concat-*.wav")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrExportFailed, err)
	}

	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	_, writeErr := tmp.Write(wavData)
	closeErr := tmp.Close()

	if writeErr == nil {
		writeErr = closeErr
	}

	if writeErr != nil {
		return fmt.Errorf("%w: %w", ErrExportFailed, writeErr)
	}

	var stderr bytes.Buffer

	// #nosec G204 -- binary comes from configuration, arguments are generated paths.
	cmd := exec.CommandContext(ctx, c.ffmpegPath, "-y", "-loglevel", "error", "-i", tmpName, "-vn", outputPath)
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if runErr != nil {
		return fmt.Errorf("%w: ffmpeg: %w: %s", ErrExportFailed, runErr, stderr.String())
	}

	return nil
}
