package ceramic

import (
	"strings"

	"github.com/ceramicnetwork/go-ceramic-repo/models"
)

// Arbiter is the default conflict resolution policy: an anchored log beats an
// unanchored one, a longer log beats a shorter one, and equal-length logs
// break deterministically on tip CID comparison.
type Arbiter struct{}

func NewArbiter() *Arbiter {
	return &Arbiter{}
}

func (a *Arbiter) Resolve(current *models.StreamState, candidate *models.StreamState) (*models.StreamState, error) {
	if current == nil {
		return candidate, nil
	}
	if candidate == nil {
		return current, nil
	}
	currentAnchored := anchorIndex(current)
	candidateAnchored := anchorIndex(candidate)
	// Earliest anchor wins: it proves that log existed first.
	if currentAnchored >= 0 && candidateAnchored < 0 {
		return current, nil
	}
	if candidateAnchored >= 0 && currentAnchored < 0 {
		return candidate, nil
	}
	if currentAnchored >= 0 && candidateAnchored >= 0 {
		currentTs := current.Log[currentAnchored].Timestamp
		candidateTs := candidate.Log[candidateAnchored].Timestamp
		if currentTs != nil && candidateTs != nil && !currentTs.Equal(*candidateTs) {
			if currentTs.Before(*candidateTs) {
				return current, nil
			}
			return candidate, nil
		}
	}
	if len(current.Log) != len(candidate.Log) {
		if len(current.Log) > len(candidate.Log) {
			return current, nil
		}
		return candidate, nil
	}
	// Total order over equal-length logs by tip hash comparison.
	if strings.Compare(current.Tip(), candidate.Tip()) <= 0 {
		return current, nil
	}
	return candidate, nil
}

func anchorIndex(state *models.StreamState) int {
	for idx := len(state.Log) - 1; idx >= 0; idx-- {
		if state.Log[idx].Type == models.CommitType_Anchor {
			return idx
		}
	}
	return -1
}
