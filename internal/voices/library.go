// Package voices resolves voice names to reference audio files for the synthesis engine.
package voices

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/book-expert/longform-tts/internal/core"
)

const voiceExtension = ".wav"

var (
	// ErrUnknownVoice indicates a voice name with no reference file in the library.
	ErrUnknownVoice = errors.New("unknown voice")
)

// Library resolves voices from a directory of <name>.wav reference files.
type Library struct {
	dir             string
	defaultVoice    string
	defaultLanguage string
	languages       map[string]string
}

// NewLibrary creates a library over dir.
func NewLibrary(dir, defaultVoice, defaultLanguage string, languages map[string]string) *Library {
	copied := make(map[string]string, len(languages))
	for name, language := range languages {
		copied[name] = language
	}

	return &Library{
		dir:             dir,
		defaultVoice:    defaultVoice,
		defaultLanguage: defaultLanguage,
		languages:       copied,
	}
}

// DefaultName implements core.VoiceResolver.
func (l *Library) DefaultName() string {
	return l.defaultVoice
}

// Resolve implements core.VoiceResolver. An empty name selects the default
// voice. The default voice resolves even without a reference file, in which
// case the engine uses its built-in speaker.
func (l *Library) Resolve(name string) (core.Voice, error) {
	if name == "" {
		name = l.defaultVoice
	}

	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return core.Voice{}, fmt.Errorf("%w: %q", ErrUnknownVoice, name)
	}

	language := l.languages[name]
	if language == "" {
		language = l.defaultLanguage
	}

	path := filepath.Join(l.dir, name+voiceExtension)

	_, err := os.Stat(path)
	if err != nil {
		if name != l.defaultVoice {
			return core.Voice{}, fmt.Errorf("%w: %q", ErrUnknownVoice, name)
		}

		path = ""
	}

	return core.Voice{Name: name, Path: path, LanguageID: language}, nil
}

// List returns the names of all voices with a reference file.
func (l *Library) List() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to list voices in %s: %w", l.dir, err)
	}

	names := make([]string, 0, len(entries))

	for _, entry := range entries {
		if entry.Type().IsRegular() && filepath.Ext(entry.Name()) == voiceExtension {
			names = append(names, strings.TrimSuffix(entry.Name(), voiceExtension))
		}
	}

	sort.Strings(names)

	return names, nil
}
