// Package catalog assembles the persona and filler registries from the
// built-in defaults, an optional YAML file and MongoDB overrides.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/omarmfza1-glitch/nexus-miracle/internal/filler"
	"github.com/omarmfza1-glitch/nexus-miracle/internal/persona"
)

// File is the voice catalogue file format
type File struct {
	Personas []persona.Persona `yaml:"personas"`
	Fillers  []filler.Category `yaml:"fillers"`
}

// Parse decodes a catalogue document
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse voice catalog: %w", err)
	}
	for i, p := range f.Personas {
		if p.ID == "" {
			return nil, fmt.Errorf("voice catalog persona %d has no id", i)
		}
	}
	for i, c := range f.Fillers {
		if c.Name == "" {
			return nil, fmt.Errorf("voice catalog filler category %d has no name", i)
		}
	}
	return &f, nil
}

// Load reads a catalogue file. A missing file is not an error and yields nil.
func Load(path string) (*File, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read voice catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Overlay supplies personas and phrases managed at runtime
type Overlay interface {
	Personas(ctx context.Context) ([]persona.Persona, error)
	Phrases(ctx context.Context) ([]filler.Phrase, error)
}

// Options configures Build
type Options struct {
	Path         string
	SaraVoiceID  string
	NexusVoiceID string
}

// Catalog is the assembled voice configuration
type Catalog struct {
	Personas *persona.Registry
	Fillers  *filler.Registry
}

// Build layers defaults, the catalogue file and the overlay, later layers
// replacing earlier entries with the same id. A failing overlay is logged and
// skipped. A persona without a voice id keeps the voice id it replaces.
func Build(ctx context.Context, opts Options, overlay Overlay, log *zap.Logger) (*Catalog, error) {
	personas, err := persona.NewRegistry(persona.Defaults(opts.SaraVoiceID, opts.NexusVoiceID)...)
	if err != nil {
		return nil, err
	}
	fillers := filler.NewRegistry(filler.Defaults())

	file, err := Load(opts.Path)
	if err != nil {
		return nil, err
	}
	if file != nil {
		for _, p := range file.Personas {
			if err := register(personas, p); err != nil {
				return nil, err
			}
		}
		for _, c := range file.Fillers {
			fillers.AddCategory(c)
		}
		log.Info("Voice catalog loaded",
			zap.String("path", opts.Path),
			zap.Int("personas", len(file.Personas)),
			zap.Int("filler_categories", len(file.Fillers)))
	}

	if overlay != nil {
		applyOverlay(ctx, overlay, personas, fillers, log)
	}

	return &Catalog{Personas: personas, Fillers: fillers}, nil
}

func applyOverlay(ctx context.Context, overlay Overlay, personas *persona.Registry, fillers *filler.Registry, log *zap.Logger) {
	ps, err := overlay.Personas(ctx)
	if err != nil {
		log.Warn("Persona overlay unavailable, using catalog", zap.Error(err))
	} else {
		for _, p := range ps {
			if err := register(personas, p); err != nil {
				log.Warn("Skipping invalid persona override", zap.Error(err))
			}
		}
	}

	phrases, err := overlay.Phrases(ctx)
	if err != nil {
		log.Warn("Filler overlay unavailable, using catalog", zap.Error(err))
		return
	}
	for _, p := range phrases {
		fillers.AddPhrase(p)
	}
	log.Info("Voice overlay applied", zap.Int("personas", len(ps)), zap.Int("phrases", len(phrases)))
}

func register(r *persona.Registry, p persona.Persona) error {
	if p.Voice.VoiceID == "" {
		if existing, ok := r.Get(p.ID); ok {
			p.Voice.VoiceID = existing.Voice.VoiceID
		}
	}
	return r.Register(p)
}
