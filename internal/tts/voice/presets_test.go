package voice_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/voice-tts-service/internal/core"
	"github.com/book-expert/voice-tts-service/internal/tts/audio"
	"github.com/book-expert/voice-tts-service/internal/tts/voice"
)

const presetManifest = `{
	"f1": {"file": "f1.wav", "name": "Anna", "transcript": "[S1] Dit is Anna."},
	"M2": {"file": "m2.wav"},
	"F3": {"file": "missing.wav"},
	"X1": {"file": 42},
	"X2": {"name": "no file"},
	"C1": {"file": "corrupt.wav"}
}`

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()

	require.NoError(t, os.WriteFile(path, data, 0o600))
}

func TestLoadPresets(t *testing.T) {
	t.Parallel()

	log := newTestLogger(t)
	codec := audio.NewCodec("", log)
	dir := t.TempDir()

	clip, err := codec.Encode(context.Background(), constant(22050, 0.25), 22050, "wav")
	require.NoError(t, err)

	writeFile(t, filepath.Join(dir, voice.ManifestFile), []byte(presetManifest))
	writeFile(t, filepath.Join(dir, "f1.wav"), clip)
	writeFile(t, filepath.Join(dir, "m2.wav"), clip)
	writeFile(t, filepath.Join(dir, "corrupt.wav"), []byte("RIFF but not really"))

	library := voice.LoadPresets(context.Background(), dir, codec, 44100, log)

	assert.Equal(t, []string{"F1", "M2"}, library.IDs())
	assert.Equal(t, 2, library.Len())

	anna, ok := library.Lookup("F1")
	require.True(t, ok)
	assert.Equal(t, "Anna", anna.DisplayName)
	assert.Equal(t, "[S1] Dit is Anna.", anna.Transcript)
	assert.Len(t, anna.Audio, 44100)
	assert.InDelta(t, 1.0, anna.Duration().Seconds(), 1e-6)

	m2, ok := library.Lookup("m2")
	require.True(t, ok)
	assert.Equal(t, "M2", m2.DisplayName)
	assert.Empty(t, m2.Transcript)
}

func TestLoadPresets_MissingManifest(t *testing.T) {
	t.Parallel()

	log := newTestLogger(t)

	library := voice.LoadPresets(context.Background(), t.TempDir(), audio.NewCodec("", log), 44100, log)

	assert.Zero(t, library.Len())
	assert.Empty(t, library.IDs())
}

func TestLoadPresets_UnreadableManifest(t *testing.T) {
	t.Parallel()

	log := newTestLogger(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, voice.ManifestFile), []byte("{not json"))

	library := voice.LoadPresets(context.Background(), dir, audio.NewCodec("", log), 44100, log)

	assert.Zero(t, library.Len())
}

func TestPresetLibrary_NilIsEmpty(t *testing.T) {
	t.Parallel()

	var library *voice.PresetLibrary

	_, ok := library.Lookup("F1")
	assert.False(t, ok)
	assert.Zero(t, library.Len())
	assert.Nil(t, library.IDs())

	library = voice.NewPresetLibrary(core.PresetVoice{ID: "a"}, core.PresetVoice{ID: "A"})
	assert.Equal(t, []string{"A"}, library.IDs())
}
