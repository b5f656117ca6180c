package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/ceramicnetwork/go-ceramic-repo/models"
)

const pinPrefix = "pin/"

// Pins persists the durability flag per stream and keeps the pinned
// stream's latest state in the underlying state store.
type Pins struct {
	mu         sync.Mutex
	kv         models.KVStore
	stateStore models.StateStore
}

func NewPins() *Pins {
	return &Pins{}
}

// NewPinsWithStateStore keeps pin flags in the KVStore handed to Open while
// persisting the pinned states themselves in an external backend, e.g. the
// DynamoDB state store.
func NewPinsWithStateStore(stateStore models.StateStore) *Pins {
	return &Pins{stateStore: stateStore}
}

func (p *Pins) Open(kv models.KVStore) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.kv != nil {
		return fmt.Errorf("pin store: already open")
	}
	p.kv = kv
	if p.stateStore == nil {
		p.stateStore = NewKVStateStore(kv)
	}
	return nil
}

func (p *Pins) StateStore() models.StateStore {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stateStore
}

// Add pins a stream and saves its state. A stream that is already pinned has
// its state refreshed; the force flag does not change this.
func (p *Pins) Add(ctx context.Context, state *models.StreamState, force bool) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	if err := p.stateStore.Save(ctx, state); err != nil {
		return err
	}
	return p.kv.Put(ctx, pinPrefix+state.Id, []byte{1})
}

func (p *Pins) Rm(ctx context.Context, state *models.StreamState) error {
	if err := p.checkOpen(); err != nil {
		return err
	}
	if err := p.kv.Del(ctx, pinPrefix+state.Id); err != nil {
		return err
	}
	return p.stateStore.Remove(ctx, state.Id)
}

// Ls lists pinned stream IDs, or reports whether one specific stream is
// pinned.
func (p *Pins) Ls(ctx context.Context, streamId *string) ([]string, error) {
	if err := p.checkOpen(); err != nil {
		return nil, err
	}
	if streamId != nil {
		pinned, err := p.kv.Get(ctx, pinPrefix+*streamId)
		if err != nil {
			return nil, err
		}
		if pinned == nil {
			return []string{}, nil
		}
		return []string{*streamId}, nil
	}
	ids := make([]string, 0)
	if err := p.kv.Iterate(ctx, pinPrefix, func(key string, value []byte) bool {
		ids = append(ids, key[len(pinPrefix):])
		return true
	}); err != nil {
		return nil, err
	}
	return ids, nil
}

func (p *Pins) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kv = nil
	return nil
}

func (p *Pins) checkOpen() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.kv == nil {
		return fmt.Errorf("pin store: not open")
	}
	return nil
}
