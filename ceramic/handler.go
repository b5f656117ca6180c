package ceramic

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ceramicnetwork/go-ceramic-repo/models"
)

// TileHandler materializes tile document streams. Genesis and signed commits
// carry content patches in their payload; anchor commits only attach proof
// timestamps.
type TileHandler struct {
	clock func() time.Time
}

func NewTileHandler() *TileHandler {
	return &TileHandler{clock: time.Now}
}

func (h *TileHandler) Type() models.StreamType {
	return models.StreamType_Tile
}

func (h *TileHandler) ApplyCommit(ctx context.Context, commitData *models.CommitData, prev *models.StreamState) (*models.StreamState, error) {
	commit := commitData.Commit
	switch commit.Type {
	case models.CommitType_Genesis:
		return h.applyGenesis(commitData)
	case models.CommitType_Signed:
		return h.applySigned(commitData, prev)
	case models.CommitType_Anchor:
		return h.applyAnchor(commit, prev)
	default:
		return nil, fmt.Errorf("handler: unknown commit type %d for cid %s", commit.Type, commit.Cid)
	}
}

func (h *TileHandler) applyGenesis(commitData *models.CommitData) (*models.StreamState, error) {
	commit := commitData.Commit
	if err := h.checkCapability(commitData); err != nil {
		return nil, err
	}
	header := struct {
		Controllers []string `json:"controllers"`
		Model       *string  `json:"model,omitempty"`
		Family      *string  `json:"family,omitempty"`
	}{}
	if len(commit.Envelope) > 0 {
		if err := json.Unmarshal(commit.Envelope, &header); err != nil {
			return nil, fmt.Errorf("handler: malformed genesis header in %s: %w", commit.Cid, err)
		}
	}
	state := &models.StreamState{
		Type:    models.StreamType_Tile,
		Content: commit.Payload,
		Metadata: models.StreamMetadata{
			Controllers: header.Controllers,
			Model:       header.Model,
			Family:      header.Family,
		},
		Log:          []models.LogEntry{{Cid: commit.Cid, Type: models.CommitType_Genesis, Timestamp: commit.Timestamp}},
		AnchorStatus: models.AnchorStatus_NotRequested,
	}
	if id, err := StreamIdFromState(state); err != nil {
		return nil, err
	} else {
		state.Id = id
	}
	return state, nil
}

func (h *TileHandler) applySigned(commitData *models.CommitData, prev *models.StreamState) (*models.StreamState, error) {
	commit := commitData.Commit
	if prev == nil {
		return nil, fmt.Errorf("handler: signed commit %s without prior state", commit.Cid)
	}
	if commit.Prev == nil || *commit.Prev != prev.Tip() {
		return nil, fmt.Errorf("handler: commit %s does not build on tip %s", commit.Cid, prev.Tip())
	}
	if err := h.checkCapability(commitData); err != nil {
		return nil, err
	}
	next := prev.Clone()
	next.Content = commit.Payload
	next.Log = append(next.Log, models.LogEntry{Cid: commit.Cid, Type: models.CommitType_Signed, Timestamp: commit.Timestamp})
	// A new write supersedes any in-flight anchor of the previous tip.
	next.AnchorStatus = models.AnchorStatus_NotRequested
	return next, nil
}

func (h *TileHandler) applyAnchor(commit *models.Commit, prev *models.StreamState) (*models.StreamState, error) {
	if prev == nil {
		return nil, fmt.Errorf("handler: anchor commit %s without prior state", commit.Cid)
	}
	if commit.Prev == nil || *commit.Prev != prev.Tip() {
		return nil, fmt.Errorf("handler: anchor %s does not build on tip %s", commit.Cid, prev.Tip())
	}
	next := prev.Clone()
	next.Log = append(next.Log, models.LogEntry{Cid: commit.Cid, Type: models.CommitType_Anchor, Timestamp: commit.Timestamp})
	next.AnchorStatus = models.AnchorStatus_Anchored
	// The anchor proof timestamps every entry it covers that didn't already
	// have one.
	if commit.Timestamp != nil {
		for idx := range next.Log {
			if next.Log[idx].Timestamp == nil {
				next.Log[idx].Timestamp = commit.Timestamp
			}
		}
	}
	return next, nil
}

func (h *TileHandler) checkCapability(commitData *models.CommitData) error {
	if commitData.DisableTimecheck {
		return nil
	}
	return CheckCapabilityExpiration(commitData.Commit, h.clock())
}

// CheckCapabilityExpiration enforces CACAO expiry for a single commit. A
// commit covered by an anchor timestamp earlier than the expiry is valid
// regardless of the current time.
func CheckCapabilityExpiration(commit *models.Commit, now time.Time) error {
	if commit.Capability == nil || commit.Capability.Expiration == nil {
		return nil
	}
	exp := *commit.Capability.Expiration
	if commit.Timestamp != nil && commit.Timestamp.Before(exp) {
		return nil
	}
	if now.After(exp) {
		return fmt.Errorf("commit %s: %w", commit.Cid, models.ErrCapabilityExpired)
	}
	return nil
}

// CheckStateCapabilities runs the expiration check across every log entry of
// a materialized state, using anchor timestamps recorded in the log as
// coverage proofs.
func CheckStateCapabilities(state *models.StreamState, commits map[string]*models.Commit, now time.Time) error {
	for _, entry := range state.Log {
		if commit, found := commits[entry.Cid]; found {
			covered := *commit
			if covered.Timestamp == nil {
				covered.Timestamp = entry.Timestamp
			}
			if err := CheckCapabilityExpiration(&covered, now); err != nil {
				return err
			}
		}
	}
	return nil
}

// Registry maps stream types to handlers.
type Registry struct {
	handlers map[models.StreamType]models.Handler
}

func NewRegistry(handlers ...models.Handler) *Registry {
	reg := &Registry{handlers: make(map[models.StreamType]models.Handler, len(handlers))}
	for _, handler := range handlers {
		reg.handlers[handler.Type()] = handler
	}
	return reg
}

func (r *Registry) HandlerFor(streamType models.StreamType) (models.Handler, error) {
	if handler, found := r.handlers[streamType]; found {
		return handler, nil
	}
	return nil, fmt.Errorf("type %d: %w", streamType, models.ErrHandlerNotFound)
}
