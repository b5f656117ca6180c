package models

import (
	"encoding/json"
	"time"
)

type CommitType uint8

const (
	CommitType_Genesis CommitType = iota
	CommitType_Signed
	CommitType_Anchor
)

type StreamType uint8

const (
	StreamType_Tile StreamType = iota
	StreamType_Caip10Link
	StreamType_Model
	StreamType_ModelInstanceDocument
)

type AnchorStatus uint8

const (
	AnchorStatus_NotRequested AnchorStatus = iota
	AnchorStatus_Pending
	AnchorStatus_Processing
	AnchorStatus_Anchored
	AnchorStatus_Failed
)

type LogEntry struct {
	Cid       string     `json:"cid"`
	Type      CommitType `json:"type"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

type StreamMetadata struct {
	Controllers []string `json:"controllers"`
	Model       *string  `json:"model,omitempty"`
	Family      *string  `json:"family,omitempty"`
}

type StreamState struct {
	Id           string          `json:"-"`
	Type         StreamType      `json:"type"`
	Content      json.RawMessage `json:"content,omitempty"`
	Metadata     StreamMetadata  `json:"metadata"`
	Log          []LogEntry      `json:"log"`
	AnchorStatus AnchorStatus    `json:"anchorStatus"`
}

// Tip is the CID of the most recently applied commit.
func (s *StreamState) Tip() string {
	if len(s.Log) == 0 {
		return ""
	}
	return s.Log[len(s.Log)-1].Cid
}

func (s *StreamState) GenesisCid() string {
	if len(s.Log) == 0 {
		return ""
	}
	return s.Log[0].Cid
}

// Clone returns a deep enough copy that callers can mutate the log and
// metadata without affecting the original.
func (s *StreamState) Clone() *StreamState {
	dup := *s
	dup.Log = make([]LogEntry, len(s.Log))
	copy(dup.Log, s.Log)
	dup.Metadata.Controllers = append([]string{}, s.Metadata.Controllers...)
	return &dup
}

// CommitId addresses a historical snapshot: a stream plus one commit within
// its log.
type CommitId struct {
	StreamId string
	Cid      string
}
