/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"
)

// Default MongoDB names.
const (
	DefaultMongoDatabase   = "admission"
	DefaultMongoCollection = "tickets"
)

const mongoSeqID = "__seq"

type mongoTicket struct {
	ID        string       `bson:"_id"`
	Class     string       `bson:"class"`
	Priority  int          `bson:"priority"`
	Seq       int64        `bson:"seq"`
	State     State        `bson:"state"`
	VisibleAt time.Time    `bson:"visibleAt"`
	Record    TicketRecord `bson:"record"`
}

type mongoCounter struct {
	Value int64 `bson:"value"`
}

// MongoBackend stores tickets as documents of one collection.
// A ticket is claimed with FindOneAndUpdate, which is atomic on a single document.
type MongoBackend struct {
	client   *mongo.Client
	col      *mongo.Collection
	counters *mongo.Collection
	now      func() time.Time
}

var _ Backend = (*MongoBackend)(nil)

// NewMongoBackend creates a client for MongoDB. The connection itself is established lazily,
// call Ping and EnsureIndexes before use. Driver commands are traced with OpenTelemetry.
func NewMongoBackend(ctx context.Context, cfg MongoConfig) (*MongoBackend, error) {
	clientOpts := options.Client().ApplyURI(cfg.URI).SetMonitor(otelmongo.NewMonitor())
	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, unavailable("mongo connect", err)
	}
	database, collection := cfg.Database, cfg.Collection
	if database == "" {
		database = DefaultMongoDatabase
	}
	if collection == "" {
		collection = DefaultMongoCollection
	}
	db := client.Database(database)
	return &MongoBackend{
		client:   client,
		col:      db.Collection(collection),
		counters: db.Collection(collection + "_counters"),
		now:      time.Now,
	}, nil
}

// EnsureIndexes creates the index used to claim tickets.
func (b *MongoBackend) EnsureIndexes(ctx context.Context) error {
	_, err := b.col.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "class", Value: 1},
			{Key: "state", Value: 1},
			{Key: "priority", Value: -1},
			{Key: "seq", Value: 1},
		},
	})
	if err != nil {
		return unavailable("mongo create index", err)
	}
	return nil
}

func (b *MongoBackend) nextSeq(ctx context.Context) (int64, error) {
	var counter mongoCounter
	err := b.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": mongoSeqID},
		bson.M{"$inc": bson.M{"value": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, unavailable("mongo next sequence", err)
	}
	return counter.Value, nil
}

// Enqueue implements Backend.
func (b *MongoBackend) Enqueue(ctx context.Context, class string, rec TicketRecord, priority int) (string, error) {
	seq, err := b.nextSeq(ctx)
	if err != nil {
		return "", err
	}
	rec.Class = class
	rec.Priority = priority
	doc := mongoTicket{
		ID:        rec.ID,
		Class:     class,
		Priority:  priority,
		Seq:       seq,
		State:     StateQueued,
		VisibleAt: b.now(),
		Record:    rec,
	}
	if _, err = b.col.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return "", fmt.Errorf("ticket %s already enqueued: %w", rec.ID, err)
		}
		return "", unavailable("mongo enqueue", err)
	}
	return rec.ID, nil
}

// Dequeue implements Backend.
func (b *MongoBackend) Dequeue(ctx context.Context, class string) (*TicketRecord, error) {
	filter := bson.M{
		"class":     class,
		"state":     StateQueued,
		"visibleAt": bson.M{"$lte": b.now()},
	}
	update := bson.M{"$set": bson.M{"state": StateClaimed}}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "priority", Value: -1}, {Key: "seq", Value: 1}}).
		SetReturnDocument(options.After)

	var doc mongoTicket
	err := b.col.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("mongo dequeue", err)
	}
	return &doc.Record, nil
}

// Ack implements Backend.
func (b *MongoBackend) Ack(ctx context.Context, ticketID string) error {
	res, err := b.col.DeleteOne(ctx, bson.M{"_id": ticketID})
	if err != nil {
		return unavailable("mongo ack", err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("ack %s: %w", ticketID, ErrTicketNotFound)
	}
	return nil
}

// Nack implements Backend.
func (b *MongoBackend) Nack(ctx context.Context, ticketID string, retryDelay time.Duration) error {
	res, err := b.col.UpdateOne(ctx,
		bson.M{"_id": ticketID, "state": StateClaimed},
		bson.M{
			"$set": bson.M{"state": StateQueued, "visibleAt": b.now().Add(retryDelay)},
			"$inc": bson.M{"record.attempts": 1},
		})
	if err != nil {
		return unavailable("mongo nack", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("nack %s: %w", ticketID, ErrTicketNotFound)
	}
	return nil
}

// Ping implements Pinger.
func (b *MongoBackend) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx, nil); err != nil {
		return unavailable("mongo ping", err)
	}
	return nil
}

// Close implements Closer.
func (b *MongoBackend) Close(ctx context.Context) error {
	return b.client.Disconnect(ctx)
}
