package store

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	bridgeerr "github.com/LeonardoBeccarini/irrigation_bridge/internal/errors"
)

// InsertStream yields the documents inserted in a collection after the stream was opened.
type InsertStream interface {
	Next(ctx context.Context) bool
	Document() (bson.Raw, error)
	Err() error
	Close(ctx context.Context) error
}

// MongoStore holds the shared client and the two collections the bridge touches.
type MongoStore struct {
	client      *mongo.Client
	db          *mongo.Database
	sensors     *mongo.Collection
	predictions *mongo.Collection
}

// Collections names the collections used by the store.
type Collections struct {
	Sensor     string
	Prediction string
}

// NewMongoConnection builds the client. The driver dials lazily, so an error here
// means the URI itself is unusable.
func NewMongoConnection(uri string, timeout time.Duration) (*mongo.Client, error) {
	opts := options.Client().ApplyURI(uri)
	if timeout > 0 {
		opts.SetServerSelectionTimeout(timeout)
	}
	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, bridgeerr.NewConfigurationError("invalid MongoDB connection settings", err)
	}
	return client, nil
}

// NewMongoStore binds the store to database and collections.
func NewMongoStore(client *mongo.Client, database string, colls Collections) *MongoStore {
	db := client.Database(database)
	return &MongoStore{
		client:      client,
		db:          db,
		sensors:     db.Collection(colls.Sensor),
		predictions: db.Collection(colls.Prediction),
	}
}

// Ping checks the primary is reachable.
func (m *MongoStore) Ping(ctx context.Context) error {
	if err := m.client.Ping(ctx, readpref.Primary()); err != nil {
		return bridgeerr.NewStoreError("ping", err)
	}
	return nil
}

// EnsureIndexes creates the receipt-time index on the sensor collection.
func (m *MongoStore) EnsureIndexes(ctx context.Context) error {
	indexModels := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "server_received_at", Value: -1}},
		},
	}
	if _, err := m.sensors.Indexes().CreateMany(ctx, indexModels); err != nil {
		return bridgeerr.NewStoreError("create sensor indexes", err)
	}
	return nil
}

// InsertReading appends one telemetry document.
func (m *MongoStore) InsertReading(ctx context.Context, doc any) error {
	if _, err := m.sensors.InsertOne(ctx, doc); err != nil {
		return bridgeerr.NewStoreError("insert sensor reading", err)
	}
	return nil
}

// WatchInserts opens a change stream on the prediction collection that only reports inserts,
// starting from now.
func (m *MongoStore) WatchInserts(ctx context.Context) (InsertStream, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "operationType", Value: "insert"}}}},
	}
	cs, err := m.predictions.Watch(ctx, pipeline)
	if err != nil {
		return nil, bridgeerr.NewStoreError("watch "+m.predictions.Name(), err)
	}
	return &changeStream{cs: cs}, nil
}

// Close disconnects the client.
func (m *MongoStore) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

type changeStream struct {
	cs *mongo.ChangeStream
}

func (c *changeStream) Next(ctx context.Context) bool { return c.cs.Next(ctx) }

func (c *changeStream) Document() (bson.Raw, error) {
	v, err := c.cs.Current.LookupErr("fullDocument")
	if err != nil {
		return nil, bridgeerr.NewMalformedPayloadError("change event without fullDocument", err)
	}
	doc, ok := v.DocumentOK()
	if !ok {
		return nil, bridgeerr.NewMalformedPayloadError("change event fullDocument is not a document", nil)
	}
	// Current is reused by the next call to Next
	return append(bson.Raw(nil), doc...), nil
}

func (c *changeStream) Err() error {
	if err := c.cs.Err(); err != nil {
		return bridgeerr.NewStoreError("change stream", err)
	}
	return nil
}

func (c *changeStream) Close(ctx context.Context) error { return c.cs.Close(ctx) }
