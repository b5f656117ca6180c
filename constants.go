package ceramicrepo

const (
	Env_AnchorDbHost     = "ANCHOR_DB_HOST"
	Env_AnchorDbName     = "ANCHOR_DB_NAME"
	Env_AnchorDbPassword = "ANCHOR_DB_PASSWORD"
	Env_AnchorDbPort     = "ANCHOR_DB_PORT"
	Env_AnchorDbUsername = "ANCHOR_DB_USERNAME"
	Env_AwsAccountId     = "AWS_ACCOUNT_ID"
	Env_AwsEndpoint      = "AWS_ENDPOINT"
	Env_AwsRegion        = "AWS_REGION"
	Env_Env              = "ENV"
	Env_IndexDbUrl       = "INDEX_DB_URL"
	Env_IpfsMultiaddr    = "IPFS_MULTIADDRESS"
	Env_LogLevel         = "LOG_LEVEL"
	Env_StateStorePath   = "STATE_STORE_PATH"
)

const (
	EnvTag_Dev  = "dev"
	EnvTag_Qa   = "qa"
	EnvTag_Tnet = "tnet"
	EnvTag_Prod = "prod"
)
