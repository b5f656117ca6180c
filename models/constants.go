package models

import "time"

const DefaultStateCacheLimit = 500
const DefaultLoadConcurrency = 16
const DefaultExecConcurrency = 16

const DefaultSyncTimeout = 3 * time.Second
const DefaultAnchorPollTick = 30 * time.Second

const DefaultListLimit = 100
