package models

import "errors"

var (
	ErrStreamNotFound            = errors.New("stream not found")
	ErrInvalidSyncOption         = errors.New("invalid sync option")
	ErrCannotUnpinIndexed        = errors.New("cannot unpin indexed stream")
	ErrPinStoreContractViolation = errors.New("pin store returned more than one stream")
	ErrQueueClosed               = errors.New("execution queue closed")
	ErrCommitNotInLog            = errors.New("commit not found in stream log")
	ErrCapabilityExpired         = errors.New("capability expired")
	ErrHandlerNotFound           = errors.New("no handler for stream type")
)
