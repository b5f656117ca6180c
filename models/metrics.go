package models

type MetricName string

// Counts
const (
	MetricName_CacheHitMemory         MetricName = "cache_hit_memory"
	MetricName_CacheHitLocal          MetricName = "cache_hit_local"
	MetricName_CacheHitRemote         MetricName = "cache_hit_remote"
	MetricName_CacheEviction          MetricName = "cache_eviction"
	MetricName_EvictedWhileSubscribed MetricName = "cache_evicted_while_subscribed"
	MetricName_PinPolicyWarning       MetricName = "pin_policy_warning"
	MetricName_SyncTimeout            MetricName = "sync_timeout"
	MetricName_SyncCommitFetchFailed  MetricName = "sync_commit_fetch_failed"
	MetricName_AnchorRequested        MetricName = "anchor_requested"
	MetricName_AnchorConfirmed        MetricName = "anchor_confirmed"
	MetricName_AnchorPollError        MetricName = "anchor_poll_error"
	MetricName_TipPublished           MetricName = "tip_published"
	MetricName_CommitApplied          MetricName = "commit_applied"
	MetricName_ConflictResolved       MetricName = "conflict_resolved"
	MetricName_StreamIndexed          MetricName = "stream_indexed"
	MetricName_StaleAnchorRequest     MetricName = "stale_anchor_request"
	MetricName_DispatcherPublishError MetricName = "dispatcher_publish_error"
)

const MetricsCallerName = "go-ceramic-repo"
