package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Index describes one index on a collection. Keys are applied in order;
// a negative direction sorts descending.
type Index struct {
	Keys   []IndexKey
	Unique bool
	// TTL expires documents this long after the single date key
	TTL time.Duration
}

type IndexKey struct {
	Field string
	Desc  bool
}

func (i Index) model() mongo.IndexModel {
	keys := bson.D{}
	for _, k := range i.Keys {
		dir := 1
		if k.Desc {
			dir = -1
		}
		keys = append(keys, bson.E{Key: k.Field, Value: dir})
	}
	opts := options.Index()
	if i.Unique {
		opts.SetUnique(true)
	}
	if i.TTL > 0 {
		opts.SetExpireAfterSeconds(int32(i.TTL / time.Second))
	}
	return mongo.IndexModel{Keys: keys, Options: opts}
}

// EnsureIndexes creates any missing indexes. Existing identical indexes are
// a no-op on the server.
func (c *Client) EnsureIndexes(ctx context.Context, collection string, indexes ...Index) error {
	if len(indexes) == 0 {
		return nil
	}
	models := make([]mongo.IndexModel, 0, len(indexes))
	for _, idx := range indexes {
		if len(idx.Keys) == 0 {
			return fmt.Errorf("index on %s has no keys", collection)
		}
		models = append(models, idx.model())
	}
	if _, err := c.Collection(collection).Indexes().CreateMany(ctx, models); err != nil {
		return fmt.Errorf("failed to create indexes on %s: %w", collection, err)
	}
	return nil
}
