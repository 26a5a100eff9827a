// Package voice resolves voice-cloning references: bundled preset voices and
// caller-supplied audio prompts.
package voice

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/book-expert/logger"
	"golang.org/x/sync/errgroup"

	"github.com/book-expert/voice-tts-service/internal/core"
	"github.com/book-expert/voice-tts-service/internal/tts/audio"
)

// ManifestFile is the preset manifest name inside the voices directory.
const ManifestFile = "voices.json"

const presetLoadConcurrency = 4

// PresetLibrary is an immutable set of preset voices keyed by upper-cased id.
type PresetLibrary struct {
	voices map[string]core.PresetVoice
	ids    []string
}

// NewPresetLibrary builds a library from already-decoded voices.
func NewPresetLibrary(voices ...core.PresetVoice) *PresetLibrary {
	library := &PresetLibrary{voices: make(map[string]core.PresetVoice, len(voices))}

	for _, preset := range voices {
		key := strings.ToUpper(preset.ID)
		preset.ID = key

		if _, exists := library.voices[key]; !exists {
			library.ids = append(library.ids, key)
		}

		library.voices[key] = preset
	}

	sort.Strings(library.ids)

	return library
}

// Lookup finds a preset by id, ignoring case.
func (l *PresetLibrary) Lookup(id string) (core.PresetVoice, bool) {
	if l == nil {
		return core.PresetVoice{}, false
	}

	preset, ok := l.voices[strings.ToUpper(id)]

	return preset, ok
}

// IDs returns the sorted preset ids.
func (l *PresetLibrary) IDs() []string {
	if l == nil {
		return nil
	}

	return append([]string(nil), l.ids...)
}

// Len returns the number of presets.
func (l *PresetLibrary) Len() int {
	if l == nil {
		return 0
	}

	return len(l.ids)
}

type manifestEntry struct {
	id         string
	file       string
	name       string
	transcript string
}

// LoadPresets reads dir/voices.json and decodes every listed clip to mono at
// sampleRate. Problems are logged and the affected entries skipped; a missing or
// unreadable manifest yields an empty library.
func LoadPresets(ctx context.Context, dir string, decoder core.AudioDecoder, sampleRate int, log *logger.Logger) *PresetLibrary {
	manifestPath := filepath.Join(dir, ManifestFile)

	entries, err := readManifest(manifestPath, log)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Warn("No voices manifest found at %s, preset voices disabled.", manifestPath)
		} else {
			log.Error("Failed to load voices manifest from %s: %v", manifestPath, err)
		}

		return NewPresetLibrary()
	}

	loaded := make([]*core.PresetVoice, len(entries))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(presetLoadConcurrency)

	for i, entry := range entries {
		group.Go(func() error {
			loaded[i] = loadPreset(groupCtx, dir, entry, decoder, sampleRate, log)

			return nil
		})
	}

	_ = group.Wait()

	voices := make([]core.PresetVoice, 0, len(loaded))

	for _, preset := range loaded {
		if preset != nil {
			voices = append(voices, *preset)
		}
	}

	library := NewPresetLibrary(voices...)
	log.Info("Loaded %d preset voice(s): %v", library.Len(), library.IDs())

	return library
}

func readManifest(path string, log *logger.Logger) ([]manifestEntry, error) {
	// #nosec G304 -- path is built from the configured voices directory
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]map[string]any

	err = json.Unmarshal(data, &raw)
	if err != nil {
		return nil, err
	}

	entries := make([]manifestEntry, 0, len(raw))

	for id, meta := range raw {
		file, ok := meta["file"].(string)
		if !ok || file == "" {
			log.Warn("Voice '%s': missing or invalid 'file' entry in manifest, skipping.", id)

			continue
		}

		name, ok := meta["name"].(string)
		if !ok {
			name = id
		}

		transcript, _ := meta["transcript"].(string)

		entries = append(entries, manifestEntry{id: id, file: file, name: name, transcript: transcript})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].id < entries[j].id })

	return entries, nil
}

func loadPreset(
	ctx context.Context,
	dir string,
	entry manifestEntry,
	decoder core.AudioDecoder,
	sampleRate int,
	log *logger.Logger,
) *core.PresetVoice {
	path := filepath.Join(dir, entry.file)

	// #nosec G304 -- path comes from the operator-controlled manifest
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Warn("Voice '%s': file '%s' not found, skipping.", entry.id, path)
		} else {
			log.Error("Failed to load voice '%s': %v", entry.id, err)
		}

		return nil
	}

	waveform, err := decoder.Decode(ctx, data)
	if err != nil {
		log.Error("Failed to load voice '%s': %v", entry.id, err)

		return nil
	}

	samples, err := audio.Normalize(waveform, sampleRate)
	if err != nil {
		log.Error("Failed to load voice '%s': %v", entry.id, err)

		return nil
	}

	preset := &core.PresetVoice{
		ID:          entry.id,
		DisplayName: entry.name,
		Transcript:  entry.transcript,
		Audio:       samples,
		SampleRate:  sampleRate,
	}

	log.Info("Loaded voice '%s' (%s): %.1fs, %d samples",
		entry.id, entry.name, preset.Duration().Seconds(), len(samples))

	return preset
}
