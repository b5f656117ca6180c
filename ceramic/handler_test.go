package ceramic

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ceramicnetwork/go-ceramic-repo/models"
)

func genesisCommit(t *testing.T, seed string) *models.Commit {
	t.Helper()
	header, _ := json.Marshal(struct {
		Controllers []string `json:"controllers"`
	}{[]string{"did:key:controller"}})
	return &models.Commit{
		Cid:      makeCid(t, seed),
		Type:     models.CommitType_Genesis,
		Payload:  json.RawMessage(`{"v":1}`),
		Envelope: header,
	}
}

func TestApplyGenesis(t *testing.T) {
	handler := NewTileHandler()
	genesis := genesisCommit(t, "handler-genesis")
	state, err := handler.ApplyCommit(context.Background(), &models.CommitData{Commit: genesis}, nil)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if len(state.Log) != 1 || state.Log[0].Type != models.CommitType_Genesis {
		t.Errorf("expected genesis-only log, got %v", state.Log)
	}
	if state.AnchorStatus != models.AnchorStatus_NotRequested {
		t.Errorf("fresh stream should not have requested an anchor")
	}
	if len(state.Metadata.Controllers) != 1 {
		t.Errorf("controllers should come from the genesis header")
	}
	if state.Id == "" {
		t.Errorf("state should carry its stream id")
	}
}

func TestApplySignedRequiresTip(t *testing.T) {
	handler := NewTileHandler()
	genesis := genesisCommit(t, "handler-signed")
	state, err := handler.ApplyCommit(context.Background(), &models.CommitData{Commit: genesis}, nil)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	wrongPrev := makeCid(t, "not-the-tip")
	update := &models.Commit{
		Cid:     makeCid(t, "update"),
		Type:    models.CommitType_Signed,
		Payload: json.RawMessage(`{"v":2}`),
		Prev:    &wrongPrev,
	}
	if _, err = handler.ApplyCommit(context.Background(), &models.CommitData{Commit: update}, state); err == nil {
		t.Errorf("commit not building on the tip must be rejected")
	}
	update.Prev = &genesis.Cid
	next, err := handler.ApplyCommit(context.Background(), &models.CommitData{Commit: update}, state)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if len(next.Log) != 2 || next.Tip() != update.Cid {
		t.Errorf("expected extended log, got %v", next.Log)
	}
}

func TestAnchorCommitTimestampsLog(t *testing.T) {
	handler := NewTileHandler()
	genesis := genesisCommit(t, "handler-anchor")
	state, err := handler.ApplyCommit(context.Background(), &models.CommitData{Commit: genesis}, nil)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	proofTime := time.Now().Round(0)
	anchor := &models.Commit{
		Cid:       makeCid(t, "anchor"),
		Type:      models.CommitType_Anchor,
		Prev:      &genesis.Cid,
		Timestamp: &proofTime,
	}
	next, err := handler.ApplyCommit(context.Background(), &models.CommitData{Commit: anchor}, state)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if next.AnchorStatus != models.AnchorStatus_Anchored {
		t.Errorf("expected anchored status")
	}
	for _, entry := range next.Log {
		if entry.Timestamp == nil || !entry.Timestamp.Equal(proofTime) {
			t.Errorf("anchor proof should timestamp covered entries, got %v", entry.Timestamp)
		}
	}
}

func TestCapabilityExpiration(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)
	beforeExpiry := now.Add(-2 * time.Hour)

	tests := map[string]struct {
		commit      *models.Commit
		shouldError bool
	}{
		"no capability passes": {
			commit: &models.Commit{Cid: "c"},
		},
		"unexpired capability passes": {
			commit: &models.Commit{Cid: "c", Capability: &models.Capability{Expiration: &future}},
		},
		"expired capability fails": {
			commit:      &models.Commit{Cid: "c", Capability: &models.Capability{Expiration: &past}},
			shouldError: true,
		},
		"expired capability covered by earlier anchor passes": {
			commit: &models.Commit{Cid: "c", Capability: &models.Capability{Expiration: &past}, Timestamp: &beforeExpiry},
		},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			err := CheckCapabilityExpiration(test.commit, now)
			if test.shouldError && !errors.Is(err, models.ErrCapabilityExpired) {
				t.Errorf("expected ErrCapabilityExpired, got %v", err)
			} else if !test.shouldError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestHandlerDisableTimecheck(t *testing.T) {
	handler := NewTileHandler()
	past := time.Now().Add(-time.Hour)
	genesis := genesisCommit(t, "handler-timecheck")
	genesis.Capability = &models.Capability{Expiration: &past}

	if _, err := handler.ApplyCommit(context.Background(), &models.CommitData{Commit: genesis}, nil); !errors.Is(err, models.ErrCapabilityExpired) {
		t.Errorf("expected ErrCapabilityExpired, got %v", err)
	}
	if _, err := handler.ApplyCommit(context.Background(), &models.CommitData{Commit: genesis, DisableTimecheck: true}, nil); err != nil {
		t.Errorf("timecheck-disabled apply should pass, got %v", err)
	}
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry(NewTileHandler())
	if _, err := registry.HandlerFor(models.StreamType_Tile); err != nil {
		t.Errorf("tile handler should be registered: %v", err)
	}
	if _, err := registry.HandlerFor(models.StreamType_Caip10Link); !errors.Is(err, models.ErrHandlerNotFound) {
		t.Errorf("expected ErrHandlerNotFound, got %v", err)
	}
}
