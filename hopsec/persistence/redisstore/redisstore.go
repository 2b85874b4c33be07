// Package redisstore keeps a node's persistence.State in Redis.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/TheusHen/hopsec/hopsec/persistence"
)

const keyPrefix = "hopsec:state:"

// Store saves the state of one node under a single key as JSON.
type Store struct {
	client redis.UniversalClient
	key    string
}

var _ persistence.Store = (*Store)(nil)

// New stores the state of the node named node through client.
func New(client redis.UniversalClient, node string) *Store {
	return &Store{client: client, key: keyPrefix + node}
}

// Dial connects to the Redis server at addr and pings it.
func Dial(ctx context.Context, addr, node string) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redisstore: ping %s: %w", addr, err)
	}
	return New(client, node), nil
}

// Key is the Redis key holding this node's state.
func (s *Store) Key() string { return s.key }

// Load maps a missing key to persistence.ErrNotFound.
func (s *Store) Load(ctx context.Context) (*persistence.State, error) {
	raw, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var st persistence.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("redisstore: decode %s: %w", s.key, err)
	}
	return &st, nil
}

func (s *Store) Save(ctx context.Context, st *persistence.State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key, raw, 0).Err()
}

// Delete removes the saved state.
func (s *Store) Delete(ctx context.Context) error {
	return s.client.Del(ctx, s.key).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}
