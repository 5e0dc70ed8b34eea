// Package audio merges per-chunk WAV files into one deliverable and converts it
// to the requested output format.
package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"
)

const (
	riffHeaderSize    = 12
	chunkHeaderSize   = 8
	pcmFmtSize        = 16
	extensibleFmtSize = 40

	formatPCM        = 1
	formatExtensible = 0xFFFE
)

var (
	// ErrInvalidWAV indicates data that is not a RIFF/WAVE stream with fmt and data chunks.
	ErrInvalidWAV = errors.New("invalid wav data")
	// ErrFormatMismatch indicates input files with different sample layouts.
	ErrFormatMismatch = errors.New("wav sample formats differ")
)

// WAVFormat is the sample layout of a WAV stream.
type WAVFormat struct {
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
}

// Compatible reports whether samples in both formats can be joined byte-wise.
func (f WAVFormat) Compatible(other WAVFormat) bool {
	return f.AudioFormat == other.AudioFormat &&
		f.Channels == other.Channels &&
		f.SampleRate == other.SampleRate &&
		f.BitsPerSample == other.BitsPerSample &&
		f.BlockAlign == other.BlockAlign
}

// WAV is a decoded WAV stream.
type WAV struct {
	Format WAVFormat
	Data   []byte
}

// Duration returns the playing time of the sample data.
func (w *WAV) Duration() time.Duration {
	return bytesDuration(len(w.Data), w.Format.ByteRate)
}

// ParseWAV decodes a RIFF/WAVE byte stream.
func ParseWAV(data []byte) (*WAV, error) {
	if len(data) < riffHeaderSize || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, fmt.Errorf("%w: missing RIFF/WAVE header", ErrInvalidWAV)
	}

	var (
		wav      WAV
		haveFmt  bool
		haveData bool
	)

	offset := riffHeaderSize
	for offset+chunkHeaderSize <= len(data) {
		id := string(data[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		start := offset + chunkHeaderSize

		end := start + size
		if end > len(data) || end < start {
			// Streamed WAVs may carry a placeholder data size.
			if id == "data" {
				end = len(data)
			} else {
				return nil, fmt.Errorf("%w: chunk %q overruns stream", ErrInvalidWAV, id)
			}
		}

		switch id {
		case "fmt ":
			if size < pcmFmtSize {
				return nil, fmt.Errorf("%w: fmt chunk too short", ErrInvalidWAV)
			}

			payload := data[start:end]
			wav.Format = WAVFormat{
				AudioFormat:   binary.LittleEndian.Uint16(payload[0:2]),
				Channels:      binary.LittleEndian.Uint16(payload[2:4]),
				SampleRate:    binary.LittleEndian.Uint32(payload[4:8]),
				ByteRate:      binary.LittleEndian.Uint32(payload[8:12]),
				BlockAlign:    binary.LittleEndian.Uint16(payload[12:14]),
				BitsPerSample: binary.LittleEndian.Uint16(payload[14:16]),
			}

			// The sub-format GUID of an extensible header starts with the plain format tag.
			if wav.Format.AudioFormat == formatExtensible && size >= extensibleFmtSize {
				wav.Format.AudioFormat = binary.LittleEndian.Uint16(payload[24:26])
			}

			haveFmt = true
		case "data":
			wav.Data = data[start:end]
			haveData = true
		}

		offset = end + (end-start)%2
	}

	if !haveFmt || !haveData {
		return nil, fmt.Errorf("%w: missing fmt or data chunk", ErrInvalidWAV)
	}

	if wav.Format.ByteRate == 0 || wav.Format.BlockAlign == 0 {
		return nil, fmt.Errorf("%w: zero byte rate or block align", ErrInvalidWAV)
	}

	return &wav, nil
}

// EncodeWAV writes a canonical 44-byte-header WAV stream. An extensible format
// without a known sub-format is written as PCM.
func EncodeWAV(format WAVFormat, samples []byte) []byte {
	audioFormat := format.AudioFormat
	if audioFormat == formatExtensible {
		audioFormat = formatPCM
	}

	var buf bytes.Buffer

	buf.Grow(riffHeaderSize + 2*chunkHeaderSize + pcmFmtSize + len(samples))
	buf.WriteString("RIFF")
	writeUint32(&buf, uint32(4+chunkHeaderSize+pcmFmtSize+chunkHeaderSize+len(samples)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	writeUint32(&buf, pcmFmtSize)
	writeUint16(&buf, audioFormat)
	writeUint16(&buf, format.Channels)
	writeUint32(&buf, format.SampleRate)
	writeUint32(&buf, format.ByteRate)
	writeUint16(&buf, format.BlockAlign)
	writeUint16(&buf, format.BitsPerSample)
	buf.WriteString("data")
	writeUint32(&buf, uint32(len(samples)))
	buf.Write(samples)

	return buf.Bytes()
}

// ProbeDuration reads a WAV file and returns its playing time.
func ProbeDuration(path string) (time.Duration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", path, err)
	}

	wav, err := ParseWAV(data)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	return wav.Duration(), nil
}

// DurationOf decodes in-memory WAV data and returns its playing time.
func DurationOf(data []byte) (time.Duration, error) {
	wav, err := ParseWAV(data)
	if err != nil {
		return 0, err
	}

	return wav.Duration(), nil
}

// silence returns zeroed samples lasting ms milliseconds, aligned to whole frames.
func silence(format WAVFormat, ms int) []byte {
	if ms <= 0 {
		return nil
	}

	size := int(uint64(format.ByteRate) * uint64(ms) / 1000)
	size -= size % int(format.BlockAlign)

	out := make([]byte, size)
	if format.BitsPerSample == 8 && format.AudioFormat == formatPCM {
		// 8-bit PCM is unsigned; the midpoint is silent.
		for i := range out {
			out[i] = 0x80
		}
	}

	return out
}

func bytesDuration(length int, byteRate uint32) time.Duration {
	if byteRate == 0 {
		return 0
	}

	return time.Duration(float64(length) / float64(byteRate) * float64(time.Second))
}

func writeUint16(buf *bytes.Buffer, value uint16) {
	var scratch [2]byte

	binary.LittleEndian.PutUint16(scratch[:], value)
	buf.Write(scratch[:])
}

func writeUint32(buf *bytes.Buffer, value uint32) {
	var scratch [4]byte

	binary.LittleEndian.PutUint32(scratch[:], value)
	buf.Write(scratch[:])
}
