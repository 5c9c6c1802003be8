package answers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-interview/internal/config"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore keeps answers in a MongoDB collection with a unique compound
// index on (userId, question, mockIdRef).
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	log        *slog.Logger
}

func OpenMongo(ctx context.Context, cfg config.AnswersConfig, log *slog.Logger) (*MongoStore, error) {
	if cfg.MongoURI == "" {
		return nil, errors.New("answers mongo uri is empty")
	}
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	collection := client.Database(cfg.Database).Collection(cfg.Collection)
	_, err = collection.Indexes().CreateOne(connectCtx, mongo.IndexModel{
		Keys:    bson.D{{Key: "userId", Value: 1}, {Key: "question", Value: 1}, {Key: "mockIdRef", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("user_question_mock_unique"),
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ensure answers index: %w", err)
	}

	log.Info("answers store connected",
		slog.String("backend", "mongo"),
		slog.String("database", cfg.Database),
		slog.String("collection", cfg.Collection))
	return &MongoStore{client: client, collection: collection, log: log}, nil
}

func keyFilter(key Key) bson.M {
	return bson.M{"userId": key.UserID, "question": key.Question, "mockIdRef": key.SessionRef}
}

func (s *MongoStore) Exists(ctx context.Context, key Key) (bool, error) {
	n, err := s.collection.CountDocuments(ctx, keyFilter(key), options.Count().SetLimit(1))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *MongoStore) Insert(ctx context.Context, rec Record) (string, error) {
	if _, err := s.collection.InsertOne(ctx, rec); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return "", ErrDuplicate
		}
		return "", err
	}
	return rec.ID, nil
}

func (s *MongoStore) List(ctx context.Context, filter Filter) ([]Record, error) {
	query := bson.M{}
	if filter.UserID != "" {
		query["userId"] = filter.UserID
	}
	if filter.SessionRef != "" {
		query["mockIdRef"] = filter.SessionRef
	}
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	cursor, err := s.collection.Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []Record
	for cursor.Next(ctx) {
		var rec Record
		if err := cursor.Decode(&rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, cursor.Err()
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
