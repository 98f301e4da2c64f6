package mongo

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/omarmfza1-glitch/nexus-miracle/pkg/logger"
)

// Client wraps the MongoDB client and database
type Client struct {
	client   *mongo.Client
	database *mongo.Database
}

// NewClient connects to MongoDB and verifies the connection
func NewClient(ctx context.Context, mongoURI, dbName string, maxPool uint64) (*Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if maxPool == 0 {
		maxPool = 100
	}
	clientOptions := options.Client().
		ApplyURI(mongoURI).
		SetMaxPoolSize(maxPool).
		SetMinPoolSize(5).
		SetMaxConnIdleTime(30 * time.Second).
		SetServerSelectionTimeout(5 * time.Second)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	logger.Log.Info("MongoDB connection established",
		zap.String("uri", maskURI(mongoURI)),
		zap.String("database", dbName),
	)

	return &Client{
		client:   client,
		database: client.Database(dbName),
	}, nil
}

// Collection returns a MongoDB collection
func (c *Client) Collection(name string) *mongo.Collection {
	return c.database.Collection(name)
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx, nil)
}

// Disconnect closes the connection pool
func (c *Client) Disconnect(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

// maskURI hides credentials in a connection string
func maskURI(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.Host == "" {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword("redacted", "redacted")
	}
	return u.Redacted()
}
