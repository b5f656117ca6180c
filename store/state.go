package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ceramicnetwork/go-ceramic-repo/models"
)

const statePrefix = "state/"

// KVStateStore persists materialized stream states as JSON over any KVStore.
type KVStateStore struct {
	kv models.KVStore
}

func NewKVStateStore(kv models.KVStore) *KVStateStore {
	return &KVStateStore{kv: kv}
}

func stateKey(streamId string) string {
	return statePrefix + streamId
}

func (s *KVStateStore) Load(ctx context.Context, streamId string) (*models.StreamState, error) {
	data, err := s.kv.Get(ctx, stateKey(streamId))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	state := new(models.StreamState)
	if err = json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("state store: undecodable state for stream %s: %w", streamId, err)
	}
	state.Id = streamId
	return state, nil
}

func (s *KVStateStore) Save(ctx context.Context, state *models.StreamState) error {
	if state.Id == "" {
		return fmt.Errorf("state store: cannot save state without a stream id")
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.kv.Put(ctx, stateKey(state.Id), data)
}

func (s *KVStateStore) Remove(ctx context.Context, streamId string) error {
	return s.kv.Del(ctx, stateKey(streamId))
}

// ListStoredStreamIds pages through stored stream IDs in lexicographic
// order. The returned cursor is the last ID of the page, or empty when the
// listing is exhausted.
func (s *KVStateStore) ListStoredStreamIds(ctx context.Context, cursor string, limit int) ([]string, string, error) {
	if limit <= 0 {
		limit = models.DefaultListLimit
	}
	ids := make([]string, 0)
	if err := s.kv.Iterate(ctx, statePrefix, func(key string, value []byte) bool {
		ids = append(ids, key[len(statePrefix):])
		return true
	}); err != nil {
		return nil, "", err
	}
	sort.Strings(ids)
	start := 0
	if cursor != "" {
		start = sort.SearchStrings(ids, cursor)
		if start < len(ids) && ids[start] == cursor {
			start++
		}
	}
	end := start + limit
	if end > len(ids) {
		end = len(ids)
	}
	page := ids[start:end]
	next := ""
	if end < len(ids) && len(page) > 0 {
		next = page[len(page)-1]
	}
	return page, next, nil
}

func (s *KVStateStore) Close() error {
	return nil
}
