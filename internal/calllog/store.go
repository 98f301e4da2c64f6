package calllog

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/omarmfza1-glitch/nexus-miracle/pkg/logger"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/mongo"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/otel"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/retry"
)

// Collection holds one document per call
const Collection = "calls"

// Store persists finished calls to MongoDB
type Store struct {
	client  *mongo.Client
	retry   retry.Config
	timeout time.Duration
	log     *zap.Logger
}

// NewStore creates a call-log store
func NewStore(client *mongo.Client, log *zap.Logger) *Store {
	return &Store{
		client:  client,
		retry:   retry.DefaultConfig(),
		timeout: 5 * time.Second,
		log:     log,
	}
}

// Open records a live call so operators see it before it ends
func (s *Store) Open(ctx context.Context, callID, phone, direction string, startedAt time.Time) error {
	doc := bson.M{
		"call_sid":    callID,
		"from_number": phone,
		"direction":   direction,
		"status":      "in-progress",
		"started_at":  startedAt,
		"updated_at":  time.Now(),
	}
	return s.upsert(ctx, callID, doc)
}

// Save upserts the finished call, retrying transient failures
func (s *Store) Save(ctx context.Context, rec *Record) error {
	if rec == nil || rec.CallID == "" {
		return fmt.Errorf("call record requires a call id")
	}

	err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
		return s.upsert(ctx, rec.CallID, rec.Document())
	})
	if err != nil {
		return fmt.Errorf("failed to persist call %s: %w", rec.CallID, err)
	}

	s.log.Info("Call log persisted",
		logger.CallID(rec.CallID),
		logger.MaskPhone("phone", rec.Phone),
		zap.String("status", string(rec.Status)),
		zap.Int("turns", len(rec.Turns)),
		zap.Float64("duration_seconds", rec.DurationSeconds),
	)
	return nil
}

// Get returns the stored document for a call, or nil if none
func (s *Store) Get(ctx context.Context, callID string) (map[string]interface{}, error) {
	var doc map[string]interface{}
	err := otel.WithDBSpan(ctx, Collection, "find", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		var err error
		doc, err = s.client.NewQuery(Collection).Eq("call_sid", callID).FindOne(ctx)
		return err
	})
	return doc, err
}

// Indexes are the indexes the call log relies on
var Indexes = []mongo.Index{
	{Keys: []mongo.IndexKey{{Field: "call_sid"}}, Unique: true},
	{Keys: []mongo.IndexKey{{Field: "started_at", Desc: true}}},
	{Keys: []mongo.IndexKey{{Field: "status"}, {Field: "started_at", Desc: true}}},
}

// EnsureIndexes creates the call log indexes
func (s *Store) EnsureIndexes(ctx context.Context) error {
	return s.client.EnsureIndexes(ctx, Collection, Indexes...)
}

// Query narrows Recent. Zero fields are ignored.
type Query struct {
	Status string
	Since  time.Time
	Limit  int64
}

func (s *Store) recentQuery(q Query) *mongo.QueryBuilder {
	b := s.client.NewQuery(Collection).
		Select("call_sid", "from_number", "status", "provider_status", "started_at", "ended_at",
			"duration_seconds", "turn_count", "summary").
		Sort("started_at", false)
	if q.Status != "" {
		b = b.Eq("status", q.Status)
	}
	if !q.Since.IsZero() {
		b = b.Gte("started_at", q.Since)
	}
	if q.Limit > 0 {
		b = b.Limit(q.Limit)
	}
	return b
}

// Recent returns stored calls matching q, newest first
func (s *Store) Recent(ctx context.Context, q Query) ([]map[string]interface{}, error) {
	var docs []map[string]interface{}
	err := otel.WithDBSpan(ctx, Collection, "find", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		var err error
		docs, err = s.recentQuery(q).Find(ctx)
		return err
	})
	return docs, err
}

// RecordProviderStatus stores the telephony provider's view of a call. It
// never overwrites the status the orchestrator wrote.
func (s *Store) RecordProviderStatus(ctx context.Context, callID, providerStatus, recordingURL string) error {
	doc := bson.M{
		"provider_status": providerStatus,
		"updated_at":      time.Now(),
	}
	if recordingURL != "" {
		doc["recording_url"] = recordingURL
	}
	return s.upsert(ctx, callID, doc)
}

func (s *Store) upsert(ctx context.Context, callID string, doc bson.M) error {
	return otel.WithDBSpan(ctx, Collection, "upsert", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		_, err := s.client.NewQuery(Collection).Upsert(ctx, bson.M{"call_sid": callID}, doc)
		return err
	})
}
