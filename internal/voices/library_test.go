package voices_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/book-expert/longform-tts/internal/voices"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLibrary_Resolve(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "narrator.wav"), []byte("RIFF"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lecteur.wav"), []byte("RIFF"), 0o600))

	library := voices.NewLibrary(dir, "narrator", "en", map[string]string{"lecteur": "fr"})

	voice, err := library.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "narrator", voice.Name)
	assert.Equal(t, filepath.Join(dir, "narrator.wav"), voice.Path)
	assert.Equal(t, "en", voice.LanguageID)

	voice, err = library.Resolve("lecteur")
	require.NoError(t, err)
	assert.Equal(t, "fr", voice.LanguageID)

	_, err = library.Resolve("nobody")
	require.ErrorIs(t, err, voices.ErrUnknownVoice)

	_, err = library.Resolve("../narrator")
	require.ErrorIs(t, err, voices.ErrUnknownVoice)

	names, err := library.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"lecteur", "narrator"}, names)
}

func TestLibrary_DefaultWithoutReference(t *testing.T) {
	t.Parallel()

	library := voices.NewLibrary(t.TempDir(), "default", "en", nil)

	voice, err := library.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "default", voice.Name)
	assert.Empty(t, voice.Path)
	assert.Equal(t, "default", library.DefaultName())
}
