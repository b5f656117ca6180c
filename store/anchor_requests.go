package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ceramicnetwork/go-ceramic-repo/models"
)

const anchorRequestPrefix = "anchor-request/"

// AnchorRequests persists outstanding anchor requests so they survive
// restarts.
type AnchorRequests struct {
	mu sync.Mutex
	kv models.KVStore
}

func NewAnchorRequests() *AnchorRequests {
	return &AnchorRequests{}
}

func (a *AnchorRequests) Open(kv models.KVStore) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.kv != nil {
		return fmt.Errorf("anchor request store: already open")
	}
	a.kv = kv
	return nil
}

func (a *AnchorRequests) Load(ctx context.Context, streamId string) (*models.AnchorRequestRecord, error) {
	data, err := a.kv.Get(ctx, anchorRequestPrefix+streamId)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	record := new(models.AnchorRequestRecord)
	if err = json.Unmarshal(data, record); err != nil {
		return nil, fmt.Errorf("anchor request store: undecodable record for stream %s: %w", streamId, err)
	}
	return record, nil
}

func (a *AnchorRequests) Save(ctx context.Context, streamId string, record *models.AnchorRequestRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return a.kv.Put(ctx, anchorRequestPrefix+streamId, data)
}

func (a *AnchorRequests) Delete(ctx context.Context, streamId string) error {
	return a.kv.Del(ctx, anchorRequestPrefix+streamId)
}

func (a *AnchorRequests) Iterate(ctx context.Context, fn func(streamId string, record *models.AnchorRequestRecord) bool) error {
	return a.kv.Iterate(ctx, anchorRequestPrefix, func(key string, value []byte) bool {
		record := new(models.AnchorRequestRecord)
		if err := json.Unmarshal(value, record); err != nil {
			// Skip undecodable records rather than aborting the walk.
			return true
		}
		return fn(key[len(anchorRequestPrefix):], record)
	})
}
