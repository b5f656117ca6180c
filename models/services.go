package models

import (
	"context"

	"github.com/google/uuid"
)

// Dispatcher is the networking layer: commit retrieval and tip gossip. An
// unavailable network maps to nil results, not errors.
type Dispatcher interface {
	FetchCommit(ctx context.Context, cid string) (*Commit, error)
	FetchTip(ctx context.Context, streamId string) (string, error)
	PublishTip(ctx context.Context, streamId string, tip string) error
}

// Handler computes next-state from prior-state plus commit for one stream
// type. Implementations are pure functions of their inputs.
type Handler interface {
	Type() StreamType
	ApplyCommit(ctx context.Context, commitData *CommitData, prev *StreamState) (*StreamState, error)
}

type HandlerRegistry interface {
	HandlerFor(streamType StreamType) (Handler, error)
}

type AnchorService interface {
	RequestAnchor(ctx context.Context, record *AnchorRequestRecord) (<-chan AnchorStatusUpdate, error)
	Confirm(ctx context.Context, streamId string, cid string) (<-chan AnchorStatusUpdate, error)
	SupportedChains() []string
	Close()
}

// ConflictResolution picks the canonical state between two competing logs.
// Must be deterministic and total over equal-length logs by hash comparison.
type ConflictResolution interface {
	Resolve(current *StreamState, candidate *StreamState) (*StreamState, error)
}

type StateStore interface {
	Load(ctx context.Context, streamId string) (*StreamState, error)
	Save(ctx context.Context, state *StreamState) error
	Remove(ctx context.Context, streamId string) error
	ListStoredStreamIds(ctx context.Context, cursor string, limit int) ([]string, string, error)
	Close() error
}

type PinStore interface {
	Open(kv KVStore) error
	Add(ctx context.Context, state *StreamState, force bool) error
	Rm(ctx context.Context, state *StreamState) error
	Ls(ctx context.Context, streamId *string) ([]string, error)
	StateStore() StateStore
	Close() error
}

type AnchorRequestStore interface {
	Open(kv KVStore) error
	Load(ctx context.Context, streamId string) (*AnchorRequestRecord, error)
	Save(ctx context.Context, streamId string, record *AnchorRequestRecord) error
	Delete(ctx context.Context, streamId string) error
	Iterate(ctx context.Context, fn func(streamId string, record *AnchorRequestRecord) bool) error
}

type IndexingApi interface {
	Init(ctx context.Context) error
	ShouldIndexStream(model string) bool
	IndexStream(ctx context.Context, record *StreamIndexRecord) error
	Close(ctx context.Context) error
}

// KVStore is byte-granular storage. Get returns nil without error for a
// missing key.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Del(ctx context.Context, key string) error
	Iterate(ctx context.Context, prefix string, fn func(key string, value []byte) bool) error
	Close() error
}

type ResourceMonitor interface {
	GetValue(ctx context.Context) (int, error)
}

type Notifier interface {
	SendAlert(title, desc, content string) error
}

type MetricService interface {
	Count(ctx context.Context, name MetricName, val int) error
	Gauge(ctx context.Context, name MetricName, monitor ResourceMonitor) error
	Distribution(ctx context.Context, name MetricName, val int) error
	Shutdown(ctx context.Context)
}

type Logger interface {
	Debugf(template string, args ...interface{})
	Debugw(msg string, args ...interface{})
	Errorf(template string, args ...interface{})
	Fatalf(template string, args ...interface{})
	Infof(template string, args ...interface{})
	Infoln(args ...interface{})
	Warnf(template string, args ...interface{})
	Warnw(msg string, args ...interface{})
	Sync() error
}

// NewRequestId tags anchor request records so that store entries and CAS
// queue messages can be correlated.
func NewRequestId() uuid.UUID {
	return uuid.New()
}
