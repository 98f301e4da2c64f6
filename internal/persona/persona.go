package persona

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Default persona identifiers
const (
	Sara  = "sara"
	Nexus = "nexus"
)

// Voice holds synthesis parameters. They are passed to the synthesizer as-is.
type Voice struct {
	VoiceID         string  `json:"voice_id" yaml:"voice_id" bson:"voice_id"`
	ModelID         string  `json:"model_id,omitempty" yaml:"model_id" bson:"model_id,omitempty"`
	Stability       float64 `json:"stability" yaml:"stability" bson:"stability"`
	SimilarityBoost float64 `json:"similarity_boost" yaml:"similarity_boost" bson:"similarity_boost"`
	Style           float64 `json:"style" yaml:"style" bson:"style"`
	Speed           float64 `json:"speed" yaml:"speed" bson:"speed"`
	UseSpeakerBoost bool    `json:"use_speaker_boost" yaml:"use_speaker_boost" bson:"use_speaker_boost"`
}

// Persona is a named reply style and voice identity
type Persona struct {
	ID          string `json:"id" yaml:"id" bson:"persona_id"`
	Name        string `json:"name" yaml:"name" bson:"name"`
	Role        string `json:"role" yaml:"role" bson:"role"`
	Gender      string `json:"gender,omitempty" yaml:"gender" bson:"gender,omitempty"`
	Language    string `json:"language,omitempty" yaml:"language" bson:"language,omitempty"`
	Description string `json:"description,omitempty" yaml:"description" bson:"description,omitempty"`
	Primary     bool   `json:"primary" yaml:"primary" bson:"primary"`
	Voice       Voice  `json:"voice" yaml:"voice" bson:"voice"`
}

// Defaults returns the built-in personas. Voice IDs are filled from config.
func Defaults(saraVoiceID, nexusVoiceID string) []Persona {
	return []Persona{
		{
			ID:          Sara,
			Name:        "Sara",
			Role:        "empathetic",
			Gender:      "female",
			Language:    "ar",
			Description: "Primary receptionist voice. Greets callers, handles emotional and booking conversations.",
			Primary:     true,
			Voice: Voice{
				VoiceID:         saraVoiceID,
				ModelID:         "eleven_flash_v2_5",
				Stability:       0.5,
				SimilarityBoost: 0.75,
				Speed:           1.0,
				UseSpeakerBoost: true,
			},
		},
		{
			ID:          Nexus,
			Name:        "Nexus",
			Role:        "informational",
			Gender:      "male",
			Language:    "ar",
			Description: "Secondary voice for schedules, prices and clinic information.",
			Voice: Voice{
				VoiceID:         nexusVoiceID,
				ModelID:         "eleven_flash_v2_5",
				Stability:       0.5,
				SimilarityBoost: 0.75,
				Speed:           1.0,
				UseSpeakerBoost: true,
			},
		},
	}
}

// Registry is a string-keyed set of personas. New personas are added by
// configuration, never by code.
type Registry struct {
	mu       sync.RWMutex
	personas map[string]Persona
	primary  string
}

// NewRegistry creates a registry. The first persona flagged primary wins,
// otherwise the first persona given is primary.
func NewRegistry(personas ...Persona) (*Registry, error) {
	r := &Registry{personas: make(map[string]Persona, len(personas))}
	for _, p := range personas {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	if len(r.personas) == 0 {
		return nil, fmt.Errorf("persona registry requires at least one persona")
	}
	return r, nil
}

// Register adds or replaces a persona
func (r *Registry) Register(p Persona) error {
	p.ID = normalize(p.ID)
	if p.ID == "" {
		return fmt.Errorf("persona id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.personas[p.ID] = p
	if r.primary == "" || p.Primary {
		r.primary = p.ID
	}
	return nil
}

// Get looks up a persona by id, case-insensitively
func (r *Registry) Get(id string) (Persona, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.personas[normalize(id)]
	return p, ok
}

// Primary returns the persona used for greetings and fallbacks
func (r *Registry) Primary() Persona {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.personas[r.primary]
}

// List returns every persona ordered by id
func (r *Registry) List() []Persona {
	r.mu.RLock()
	out := make([]Persona, 0, len(r.personas))
	for _, p := range r.personas {
		out = append(out, p)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns the registered persona ids ordered
func (r *Registry) IDs() []string {
	list := r.List()
	ids := make([]string, len(list))
	for i, p := range list {
		ids[i] = p.ID
	}
	return ids
}

func normalize(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
