package ceramic

import (
	"testing"
	"time"

	"github.com/ceramicnetwork/go-ceramic-repo/models"
)

func logState(entries ...models.LogEntry) *models.StreamState {
	return &models.StreamState{
		Type: models.StreamType_Tile,
		Log:  entries,
	}
}

func TestResolve(t *testing.T) {
	earlier := time.Now().Add(-time.Hour)
	later := time.Now()

	tests := map[string]struct {
		current   *models.StreamState
		candidate *models.StreamState
		expected  func(current, candidate *models.StreamState) *models.StreamState
	}{
		"anchored beats unanchored": {
			current: logState(
				models.LogEntry{Cid: "g"},
				models.LogEntry{Cid: "a", Type: models.CommitType_Anchor, Timestamp: &earlier},
			),
			candidate: logState(
				models.LogEntry{Cid: "g"},
				models.LogEntry{Cid: "x", Type: models.CommitType_Signed},
			),
			expected: func(current, candidate *models.StreamState) *models.StreamState { return current },
		},
		"earlier anchor beats later anchor": {
			current: logState(
				models.LogEntry{Cid: "g"},
				models.LogEntry{Cid: "a1", Type: models.CommitType_Anchor, Timestamp: &later},
			),
			candidate: logState(
				models.LogEntry{Cid: "g"},
				models.LogEntry{Cid: "a2", Type: models.CommitType_Anchor, Timestamp: &earlier},
			),
			expected: func(current, candidate *models.StreamState) *models.StreamState { return candidate },
		},
		"longer log wins": {
			current: logState(
				models.LogEntry{Cid: "g"},
				models.LogEntry{Cid: "c1", Type: models.CommitType_Signed},
			),
			candidate: logState(
				models.LogEntry{Cid: "g"},
				models.LogEntry{Cid: "c1", Type: models.CommitType_Signed},
				models.LogEntry{Cid: "c2", Type: models.CommitType_Signed},
			),
			expected: func(current, candidate *models.StreamState) *models.StreamState { return candidate },
		},
		"equal length breaks on tip comparison": {
			current: logState(
				models.LogEntry{Cid: "g"},
				models.LogEntry{Cid: "zzz", Type: models.CommitType_Signed},
			),
			candidate: logState(
				models.LogEntry{Cid: "g"},
				models.LogEntry{Cid: "aaa", Type: models.CommitType_Signed},
			),
			expected: func(current, candidate *models.StreamState) *models.StreamState { return candidate },
		},
	}
	arbiter := NewArbiter()
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			winner, err := arbiter.Resolve(test.current, test.candidate)
			if err != nil {
				t.Fatalf("resolve failed: %v", err)
			}
			if winner != test.expected(test.current, test.candidate) {
				t.Errorf("wrong winner: tip %s", winner.Tip())
			}
		})
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	arbiter := NewArbiter()
	a := logState(models.LogEntry{Cid: "g"}, models.LogEntry{Cid: "aaa"})
	b := logState(models.LogEntry{Cid: "g"}, models.LogEntry{Cid: "bbb"})
	winnerAB, _ := arbiter.Resolve(a, b)
	winnerBA, _ := arbiter.Resolve(b, a)
	if winnerAB.Tip() != winnerBA.Tip() {
		t.Errorf("resolution must be order-independent over equal-length logs: %s vs %s", winnerAB.Tip(), winnerBA.Tip())
	}
}
