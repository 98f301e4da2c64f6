package catalog

import (
	"context"
	"time"

	"github.com/omarmfza1-glitch/nexus-miracle/internal/filler"
	"github.com/omarmfza1-glitch/nexus-miracle/internal/persona"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/mongo"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/otel"
)

// Overlay collections
const (
	PersonaCollection = "personas"
	FillerCollection  = "filler_phrases"
)

// MongoOverlay reads enabled personas and phrases from MongoDB
type MongoOverlay struct {
	client  *mongo.Client
	timeout time.Duration
}

// NewMongoOverlay creates an overlay over client
func NewMongoOverlay(client *mongo.Client) *MongoOverlay {
	return &MongoOverlay{client: client, timeout: 5 * time.Second}
}

func (m *MongoOverlay) Personas(ctx context.Context) ([]persona.Persona, error) {
	var out []persona.Persona
	err := m.find(ctx, PersonaCollection, &out)
	return out, err
}

func (m *MongoOverlay) Phrases(ctx context.Context) ([]filler.Phrase, error) {
	var out []filler.Phrase
	err := m.find(ctx, FillerCollection, &out)
	return out, err
}

func (m *MongoOverlay) find(ctx context.Context, collection string, out interface{}) error {
	return otel.WithDBSpan(ctx, collection, "find", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, m.timeout)
		defer cancel()
		return m.client.NewQuery(collection).Ne("disabled", true).All(ctx, out)
	})
}
