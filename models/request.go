package models

import (
	"time"

	"github.com/google/uuid"
)

// AnchorRequestRecord is persisted to the anchor request store so that an
// outstanding anchor request survives restarts.
type AnchorRequestRecord struct {
	Id        uuid.UUID `json:"reqId"`
	StreamId  string    `json:"streamId"`
	Cid       string    `json:"cid"`
	CreatedAt time.Time `json:"ts"`
}

type AnchorStatusUpdate struct {
	Status       AnchorStatus `json:"status"`
	StreamId     string       `json:"streamId"`
	Cid          string       `json:"cid"`
	Message      string       `json:"message,omitempty"`
	AnchorCommit *Commit      `json:"anchorCommit,omitempty"`
}

// StreamIndexRecord is what gets written to the indexing database for
// model-tagged streams.
type StreamIndexRecord struct {
	StreamId   string     `json:"streamId" validate:"required"`
	Model      string     `json:"model" validate:"required"`
	Controller string     `json:"controller" validate:"required"`
	Tip        string     `json:"tip" validate:"required"`
	LastAnchor *time.Time `json:"lastAnchor,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}
