package models

import "time"

// SyncOption controls how much network work a load is allowed to do.
type SyncOption uint8

const (
	SyncOption_PreferCache SyncOption = iota
	SyncOption_SyncAlways
	SyncOption_NeverSync
	SyncOption_SyncOnError
)

type OpType uint8

const (
	OpType_Create OpType = iota
	OpType_Update
	OpType_Load
)

type LoadOpts struct {
	Sync        SyncOption
	SyncTimeout time.Duration
	// SkipCacaoExpirationChecks defers capability expiry enforcement to the
	// caller of the load.
	SkipCacaoExpirationChecks bool
	// AtTime bounds loadAtTime replays; LoadAtTime fails when it is nil.
	AtTime *time.Time
}

// WriteOpts carries the anchor/publish/pin options common to creates and
// updates. Pin is a tri-state: nil means "use the default policy".
type WriteOpts struct {
	Anchor  bool
	Publish bool
	Pin     *bool
}

type UnpinOpts struct {
	PublishTip bool
}
