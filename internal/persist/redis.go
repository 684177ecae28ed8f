package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/unmodeled-tyler/eigent-sub000/internal/project"
)

const (
	redisKeyPrefix = "eigent:project:"
	redisIndexKey  = "eigent:projects"
)

// RedisStore keeps each project as a JSON string plus an index set of ids.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func projectKey(projectID string) string {
	return redisKeyPrefix + projectID
}

func (s *RedisStore) SaveProject(ctx context.Context, snap project.Snapshot) error {
	doc, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, projectKey(snap.ID), doc, 0)
		pipe.SAdd(ctx, redisIndexKey, snap.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save project %s: %w", snap.ID, err)
	}
	return nil
}

func (s *RedisStore) LoadProject(ctx context.Context, projectID string) (project.Snapshot, error) {
	doc, err := s.client.Get(ctx, projectKey(projectID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return project.Snapshot{}, fmt.Errorf("%w: %s", project.ErrStoreNotFound, projectID)
	}
	if err != nil {
		return project.Snapshot{}, fmt.Errorf("load project %s: %w", projectID, err)
	}
	return decodeSnapshot(doc)
}

func (s *RedisStore) ListProjects(ctx context.Context) ([]project.Snapshot, error) {
	ids, err := s.client.SMembers(ctx, redisIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list project ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, projectKey(id))
	}
	docs, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load projects: %w", err)
	}

	out := make([]project.Snapshot, 0, len(docs))
	for _, raw := range docs {
		doc, ok := raw.(string)
		if !ok {
			// Index entry without a document; the delete raced the listing.
			continue
		}
		snap, err := decodeSnapshot([]byte(doc))
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	sortByCreated(out)
	return out, nil
}

func (s *RedisStore) DeleteProject(ctx context.Context, projectID string) error {
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, projectKey(projectID))
		pipe.SRem(ctx, redisIndexKey, projectID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete project %s: %w", projectID, err)
	}
	if del.Val() == 0 {
		return fmt.Errorf("%w: %s", project.ErrStoreNotFound, projectID)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
