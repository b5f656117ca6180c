package common

import "time"

const DefaultRpcWaitTime = 30 * time.Second

const ServiceName = "ceramic-repo"

// State store backends selectable at daemon startup.
const (
	StateBackend_Badger = "badger"
	StateBackend_Dynamo = "dynamo"
)

const (
	Env_MetricsEndpoint = "OTEL_EXPORTER_OTLP_METRICS_ENDPOINT"
	// Override endpoint for the DynamoDB state store only, so state can be
	// kept in a local instance while other AWS clients hit real endpoints.
	Env_DbAwsEndpoint = "DB_AWS_ENDPOINT"
)
