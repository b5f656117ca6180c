package models

import (
	"encoding/json"
	"time"
)

// Capability is a delegated authorization (CACAO) attached to a signed
// commit. Only the expiry matters to the repository; verification is the
// DID layer's concern.
type Capability struct {
	Expiration *time.Time `json:"exp,omitempty"`
}

type Commit struct {
	Cid        string          `json:"cid"`
	Type       CommitType      `json:"type"`
	StreamType *StreamType     `json:"streamType,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Envelope   json.RawMessage `json:"envelope,omitempty"`
	Capability *Capability     `json:"capability,omitempty"`
	Prev       *string         `json:"prev,omitempty"`
	// Proof timestamp, set on anchor commits once validated.
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// CommitData is what a handler consumes: the raw commit plus application
// flags that the repository controls.
type CommitData struct {
	Commit *Commit
	// DisableTimecheck defers capability expiration checks to the caller,
	// e.g. while anchor timestamps that could prove validity are still
	// being loaded.
	DisableTimecheck bool
}
