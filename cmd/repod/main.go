package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alexflint/go-arg"
	"github.com/joho/godotenv"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	ceramicrepo "github.com/ceramicnetwork/go-ceramic-repo"
	"github.com/ceramicnetwork/go-ceramic-repo/anchor"
	"github.com/ceramicnetwork/go-ceramic-repo/ceramic"
	"github.com/ceramicnetwork/go-ceramic-repo/common"
	"github.com/ceramicnetwork/go-ceramic-repo/common/aws/config"
	"github.com/ceramicnetwork/go-ceramic-repo/common/ipfs"
	"github.com/ceramicnetwork/go-ceramic-repo/common/loggers"
	"github.com/ceramicnetwork/go-ceramic-repo/common/metrics"
	"github.com/ceramicnetwork/go-ceramic-repo/common/notifs"
	"github.com/ceramicnetwork/go-ceramic-repo/index"
	"github.com/ceramicnetwork/go-ceramic-repo/models"
	"github.com/ceramicnetwork/go-ceramic-repo/repository"
	"github.com/ceramicnetwork/go-ceramic-repo/store"
)

type cliArgs struct {
	EnvPath      string `arg:"--env" default:"env/.env" help:"path to the .env file"`
	CacheLimit   int    `arg:"--cache-limit" default:"500" help:"maximum number of evictable in-memory stream states"`
	StateBackend string `arg:"--state-store" default:"badger" help:"state store backend: badger or dynamo"`
}

func main() {
	args := cliArgs{}
	arg.MustParse(&args)

	if err := godotenv.Load(args.EnvPath); err != nil {
		log.Printf("main: no .env file loaded from %s: %v", args.EnvPath, err)
	}

	logger := loggers.NewLogger()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricService, err := metrics.NewMetricService(ctx, logger)
	if err != nil {
		logger.Fatalf("main: failed to create metric service: %v", err)
	}
	defer metricService.Shutdown(ctx)

	notifier, err := notifs.NewDiscordHandler(logger)
	if err != nil {
		logger.Fatalf("main: failed to create notifier: %v", err)
	}

	awsCfg, err := config.AwsConfig(ctx)
	if err != nil {
		logger.Fatalf("main: failed to create aws cfg: %v", err)
	}
	sqsClient := sqs.NewFromConfig(awsCfg)

	statePath := os.Getenv(ceramicrepo.Env_StateStorePath)
	if len(statePath) == 0 {
		statePath = "ceramic-repo-state"
	}
	kv, err := store.NewBadgerStore(statePath, logger)
	if err != nil {
		logger.Fatalf("main: failed to open state store at %s: %v", statePath, err)
	}

	// Pin flags and anchor requests always live in the embedded KVStore;
	// the pinned states themselves can be kept in DynamoDB instead.
	var pinStore *store.Pins
	switch args.StateBackend {
	case common.StateBackend_Badger:
		pinStore = store.NewPins()
	case common.StateBackend_Dynamo:
		dbAwsCfg, err := config.AwsConfigForStateStore(ctx)
		if err != nil {
			logger.Fatalf("main: failed to create aws cfg for state store: %v", err)
		}
		dynamoStore := store.NewDynamoStateStore(ctx, dynamodb.NewFromConfig(dbAwsCfg))
		pinStore = store.NewPinsWithStateStore(dynamoStore)
	default:
		logger.Fatalf("main: unknown state store backend %s", args.StateBackend)
	}
	if err = pinStore.Open(kv); err != nil {
		logger.Fatalf("main: failed to open pin store: %v", err)
	}
	anchorRequestStore := store.NewAnchorRequests()
	if err = anchorRequestStore.Open(kv); err != nil {
		logger.Fatalf("main: failed to open anchor request store: %v", err)
	}

	ipfsAddr := os.Getenv(ceramicrepo.Env_IpfsMultiaddr)
	if len(ipfsAddr) == 0 {
		ipfsAddr = "/ip4/127.0.0.1/tcp/5001"
	}
	topic := "/ceramic/" + os.Getenv(ceramicrepo.Env_Env)
	dispatcher := ipfs.NewDispatcher(logger, ipfsAddr, topic, metricService)
	defer dispatcher.Close()

	casClient, err := anchor.NewCasClient(logger, metricService, sqsClient, anchor.CasDbOpts{
		Host:     os.Getenv(ceramicrepo.Env_AnchorDbHost),
		Port:     os.Getenv(ceramicrepo.Env_AnchorDbPort),
		User:     os.Getenv(ceramicrepo.Env_AnchorDbUsername),
		Password: os.Getenv(ceramicrepo.Env_AnchorDbPassword),
		Name:     os.Getenv(ceramicrepo.Env_AnchorDbName),
	})
	if err != nil {
		logger.Fatalf("main: failed to create anchor client: %v", err)
	}
	defer casClient.Close()

	indexer := index.NewPgIndexer(logger, os.Getenv(ceramicrepo.Env_IndexDbUrl))
	if err = indexer.Init(ctx); err != nil {
		logger.Fatalf("main: failed to initialize indexer: %v", err)
	}

	repo, err := repository.NewRepository(repository.RepositoryOpts{
		Logger:        logger,
		MetricService: metricService,
		Notifier:      notifier,
		CacheLimit:    args.CacheLimit,
	})
	if err != nil {
		logger.Fatalf("main: failed to create repository: %v", err)
	}
	repo.SetDeps(repository.RepositoryDeps{
		Dispatcher:         dispatcher,
		Handlers:           ceramic.NewRegistry(ceramic.NewTileHandler()),
		ConflictResolution: ceramic.NewArbiter(),
		AnchorService:      casClient,
		AnchorRequestStore: anchorRequestStore,
		PinStore:           pinStore,
		IndexApi:           indexer,
	})

	logger.Infof("main: anchoring against chains %s", strings.Join(casClient.SupportedChains(), ", "))

	// Reattach anchor confirmations for requests that were outstanding when
	// the process last stopped. A request without a corresponding pinned
	// state is stale: logged and skipped, never fatal.
	if err = anchorRequestStore.Iterate(ctx, func(streamId string, record *models.AnchorRequestRecord) bool {
		if stored, err := pinStore.StateStore().Load(ctx, streamId); err != nil {
			logger.Warnf("main: failed to check pinned state for stream %s: %v", streamId, err)
		} else if stored == nil {
			metricService.Count(ctx, models.MetricName_StaleAnchorRequest, 1)
			logger.Warnf("main: ignoring stale anchor request for unpinned stream %s", streamId)
		} else if _, err = repo.Load(ctx, streamId, models.LoadOpts{Sync: models.SyncOption_PreferCache}); err != nil {
			logger.Warnf("main: failed to restore stream %s: %v", streamId, err)
		}
		return true
	}); err != nil {
		logger.Warnf("main: anchor request restore walk failed: %v", err)
	}

	logger.Infoln("main: repository started")
	<-ctx.Done()
	logger.Infoln("main: shutting down")

	shutdownCtx := context.Background()
	if err = repo.Close(shutdownCtx); err != nil {
		logger.Errorf("main: error during close: %v", err)
	}
	if err = kv.Close(); err != nil {
		logger.Errorf("main: error closing state store: %v", err)
	}
}
