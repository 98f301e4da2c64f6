package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/omarmfza1-glitch/nexus-miracle/pkg/mongo"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/otel"
)

// Collection holds operator actions
const Collection = "audit_log"

// Action represents an audit action
type Action string

const (
	ActionHangup       Action = "hangup"
	ActionBreakerReset Action = "breaker_reset"
)

// Entry is one recorded operator action
type Entry struct {
	Actor        string                 `bson:"actor" json:"actor"`
	Action       Action                 `bson:"action" json:"action"`
	ResourceType string                 `bson:"resource_type" json:"resource_type"`
	ResourceID   string                 `bson:"resource_id" json:"resource_id"`
	Metadata     map[string]interface{} `bson:"metadata,omitempty" json:"metadata,omitempty"`
	CreatedAt    time.Time              `bson:"created_at" json:"created_at"`
}

// Retention is how long entries are kept before MongoDB expires them
const Retention = 90 * 24 * time.Hour

// EnsureIndexes creates the lookup and expiry indexes
func (l *Logger) EnsureIndexes(ctx context.Context) error {
	if l.client == nil {
		return nil
	}
	return l.client.EnsureIndexes(ctx, Collection,
		mongo.Index{Keys: []mongo.IndexKey{{Field: "created_at"}}, TTL: Retention},
		mongo.Index{Keys: []mongo.IndexKey{{Field: "action"}, {Field: "created_at", Desc: true}}},
	)
}

// Logger writes audit entries to MongoDB. A nil client only logs.
type Logger struct {
	client *mongo.Client
	log    *zap.Logger
}

// New creates an audit logger
func New(client *mongo.Client, log *zap.Logger) *Logger {
	return &Logger{client: client, log: log}
}

// Log records an operator action
func (l *Logger) Log(ctx context.Context, actor string, action Action, resourceType, resourceID string, metadata map[string]interface{}) error {
	entry := Entry{
		Actor:        actor,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Metadata:     metadata,
		CreatedAt:    time.Now().UTC(),
	}

	l.log.Info("Operator action",
		zap.String("actor", actor),
		zap.String("action", string(action)),
		zap.String("resource_type", resourceType),
		zap.String("resource_id", resourceID),
	)

	if l.client == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	err := otel.WithDBSpan(ctx, Collection, "insert", func(ctx context.Context) error {
		_, err := l.client.NewQuery(Collection).Insert(ctx, entry)
		return err
	})
	if err != nil {
		l.log.Error("Failed to log audit event",
			zap.Error(err),
			zap.String("action", string(action)),
			zap.String("resource_type", resourceType),
		)
		return err
	}
	return nil
}

// Recent returns the latest entries, newest first, optionally filtered by action
func (l *Logger) Recent(ctx context.Context, action string, limit int64) ([]Entry, error) {
	if l.client == nil {
		return []Entry{}, nil
	}
	entries := []Entry{}
	err := otel.WithDBSpan(ctx, Collection, "find", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		q := l.client.NewQuery(Collection).Sort("created_at", false).Limit(limit)
		if action != "" {
			q = q.Eq("action", action)
		}
		return q.All(ctx, &entries)
	})
	return entries, err
}
