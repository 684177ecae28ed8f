package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/x/mongo/driver/connstring"

	"github.com/unmodeled-tyler/eigent-sub000/internal/project"
)

const (
	defaultMongoDatabase = "eigent"
	colProjects          = "projects"
)

type projectDoc struct {
	ID        string    `bson:"_id"`
	Name      string    `bson:"name"`
	Document  string    `bson:"document"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// MongoStore keeps one document per project in the projects collection.
type MongoStore struct {
	client *mongo.Client
	col    *mongo.Collection
}

// NewMongoStore connects to uri. The database is taken from the URI path and
// defaults to "eigent".
func NewMongoStore(ctx context.Context, uri string) (*MongoStore, error) {
	dbName := defaultMongoDatabase
	if cs, err := connstring.ParseAndValidate(uri); err == nil && cs.Database != "" {
		dbName = cs.Database
	}

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	col := client.Database(dbName).Collection(colProjects)
	_, err = col.Indexes().CreateOne(pingCtx, mongo.IndexModel{Keys: bson.D{{Key: "created_at", Value: 1}}})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("create index on %s: %w", colProjects, err)
	}
	return &MongoStore{client: client, col: col}, nil
}

func (s *MongoStore) SaveProject(ctx context.Context, snap project.Snapshot) error {
	doc, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	filter := bson.D{{Key: "_id", Value: snap.ID}}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "name", Value: snap.Name},
		{Key: "document", Value: string(doc)},
		{Key: "updated_at", Value: snap.UpdatedAt},
	}}, {Key: "$setOnInsert", Value: bson.D{
		{Key: "created_at", Value: snap.CreatedAt},
	}}}
	if _, err := s.col.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true)); err != nil {
		return fmt.Errorf("save project %s: %w", snap.ID, err)
	}
	return nil
}

func (s *MongoStore) LoadProject(ctx context.Context, projectID string) (project.Snapshot, error) {
	var doc projectDoc
	err := s.col.FindOne(ctx, bson.D{{Key: "_id", Value: projectID}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return project.Snapshot{}, fmt.Errorf("%w: %s", project.ErrStoreNotFound, projectID)
	}
	if err != nil {
		return project.Snapshot{}, fmt.Errorf("load project %s: %w", projectID, err)
	}
	return decodeSnapshot([]byte(doc.Document))
}

func (s *MongoStore) ListProjects(ctx context.Context) ([]project.Snapshot, error) {
	cur, err := s.col.Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	var docs []projectDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode projects: %w", err)
	}
	out := make([]project.Snapshot, 0, len(docs))
	for _, doc := range docs {
		snap, err := decodeSnapshot([]byte(doc.Document))
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

func (s *MongoStore) DeleteProject(ctx context.Context, projectID string) error {
	res, err := s.col.DeleteOne(ctx, bson.D{{Key: "_id", Value: projectID}})
	if err != nil {
		return fmt.Errorf("delete project %s: %w", projectID, err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("%w: %s", project.ErrStoreNotFound, projectID)
	}
	return nil
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
