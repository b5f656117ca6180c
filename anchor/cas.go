package anchor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/abevier/go-sqs/gosqs"

	ceramicrepo "github.com/ceramicnetwork/go-ceramic-repo"
	"github.com/ceramicnetwork/go-ceramic-repo/common"
	"github.com/ceramicnetwork/go-ceramic-repo/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const publisherMaxLinger = 250 * time.Millisecond
const publisherDefaultVisibilityTimeout = 5 * time.Minute

type requestStatus uint8

const (
	requestStatus_Pending requestStatus = iota
	requestStatus_Processing
	requestStatus_Completed
	requestStatus_Failed
	requestStatus_Ready
	requestStatus_Replaced
)

type anchorRequestMessage struct {
	Id        uuid.UUID `json:"rid"`
	StreamId  string    `json:"sid"`
	Cid       string    `json:"cid"`
	Timestamp time.Time `json:"ts"`
}

type CasDbOpts struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
}

// CasClient is the anchor service client: requests are published to the CAS
// ingress queue, status updates are polled from the anchor database and
// delivered on a per-request channel.
type CasClient struct {
	logger        models.Logger
	metricService models.MetricService
	publisher     *gosqs.SQSPublisher
	dbOpts        CasDbOpts
	chains        []string
	pollTick      time.Duration

	wg       sync.WaitGroup
	cancelMu sync.Mutex
	cancels  []context.CancelFunc
	closed   bool
}

func NewCasClient(logger models.Logger, metricService models.MetricService, sqsClient *sqs.Client, dbOpts CasDbOpts) (*CasClient, error) {
	queueUrl, err := createQueue(sqsClient)
	if err != nil {
		return nil, err
	}
	chains := []string{"eip155:1"}
	if configChains, found := os.LookupEnv("ANCHOR_SUPPORTED_CHAINS"); found {
		chains = strings.Split(configChains, " ")
	}
	pollTick := models.DefaultAnchorPollTick
	if configPollTick, found := os.LookupEnv("ANCHOR_POLL_TICK"); found {
		if parsedPollTick, err := time.ParseDuration(configPollTick); err == nil {
			pollTick = parsedPollTick
		}
	}
	return &CasClient{
		logger:        logger,
		metricService: metricService,
		publisher:     gosqs.NewPublisher(sqsClient, queueUrl, publisherMaxLinger),
		dbOpts:        dbOpts,
		chains:        chains,
		pollTick:      pollTick,
	}, nil
}

func createQueue(sqsClient *sqs.Client) (string, error) {
	visibilityTimeout := publisherDefaultVisibilityTimeout
	if configVisibilityTimeout, found := os.LookupEnv("QUEUE_VISIBILITY_TIMEOUT"); found {
		if parsedVisibilityTimeout, err := time.ParseDuration(configVisibilityTimeout); err == nil {
			visibilityTimeout = parsedVisibilityTimeout
		}
	}
	createQueueIn := sqs.CreateQueueInput{
		QueueName: aws.String(fmt.Sprintf("ceramic-repo-%s-anchor", os.Getenv(ceramicrepo.Env_Env))),
		Attributes: map[string]string{
			string(types.QueueAttributeNameVisibilityTimeout): strconv.Itoa(int(visibilityTimeout.Seconds())),
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), common.DefaultRpcWaitTime)
	defer cancel()

	createQueueOut, err := sqsClient.CreateQueue(ctx, &createQueueIn)
	if err != nil {
		return "", err
	}
	return *createQueueOut.QueueUrl, nil
}

func (c *CasClient) SupportedChains() []string {
	return c.chains
}

// RequestAnchor publishes the anchor request and returns a channel of status
// updates polled from the anchor database. The channel closes on a terminal
// status or when the client shuts down.
func (c *CasClient) RequestAnchor(ctx context.Context, record *models.AnchorRequestRecord) (<-chan models.AnchorStatusUpdate, error) {
	message := anchorRequestMessage{
		Id:        record.Id,
		StreamId:  record.StreamId,
		Cid:       record.Cid,
		Timestamp: record.CreatedAt,
	}
	messageBody, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}
	if _, err = c.publisher.SendMessage(ctx, string(messageBody)); err != nil {
		return nil, err
	}
	return c.poll(record.StreamId, record.Cid)
}

// Confirm reattaches status polling for an anchor request that was persisted
// before a restart.
func (c *CasClient) Confirm(ctx context.Context, streamId string, commitCid string) (<-chan models.AnchorStatusUpdate, error) {
	return c.poll(streamId, commitCid)
}

func (c *CasClient) poll(streamId, commitCid string) (<-chan models.AnchorStatusUpdate, error) {
	c.cancelMu.Lock()
	if c.closed {
		c.cancelMu.Unlock()
		return nil, fmt.Errorf("anchor: client closed")
	}
	pollCtx, cancel := context.WithCancel(context.Background())
	c.cancels = append(c.cancels, cancel)
	c.cancelMu.Unlock()

	updates := make(chan models.AnchorStatusUpdate, 1)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(updates)
		tick := time.NewTicker(c.pollTick)
		defer tick.Stop()
		lastStatus := models.AnchorStatus_NotRequested
		for {
			select {
			case <-pollCtx.Done():
				return
			case <-tick.C:
				status, message, err := c.queryStatus(pollCtx, streamId, commitCid)
				if err != nil {
					c.metricService.Count(pollCtx, models.MetricName_AnchorPollError, 1)
					c.logger.Warnf("anchor: status poll failed for stream %s, cid %s: %v", streamId, commitCid, err)
					continue
				}
				if status == lastStatus {
					continue
				}
				lastStatus = status
				update := models.AnchorStatusUpdate{
					Status:   status,
					StreamId: streamId,
					Cid:      commitCid,
					Message:  message,
				}
				select {
				case updates <- update:
				case <-pollCtx.Done():
					return
				}
				if status == models.AnchorStatus_Anchored || status == models.AnchorStatus_Failed {
					return
				}
			}
		}
	}()
	return updates, nil
}

// queryStatus reads the latest anchor request row for the stream/commit pair
// from the CAS anchor database.
func (c *CasClient) queryStatus(ctx context.Context, streamId, commitCid string) (models.AnchorStatus, string, error) {
	dbCtx, dbCancel := context.WithTimeout(ctx, common.DefaultRpcWaitTime)
	defer dbCancel()

	connUrl := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s",
		c.dbOpts.User,
		c.dbOpts.Password,
		c.dbOpts.Host,
		c.dbOpts.Port,
		c.dbOpts.Name,
	)
	conn, err := pgx.Connect(dbCtx, connUrl)
	if err != nil {
		return 0, "", err
	}
	defer conn.Close(context.Background())

	var status requestStatus
	var message string
	row := conn.QueryRow(
		dbCtx,
		"SELECT status, message FROM request WHERE stream_id = $1 AND cid = $2 ORDER BY updated_at DESC LIMIT 1",
		streamId,
		commitCid,
	)
	if err = row.Scan(&status, &message); err != nil {
		if err == pgx.ErrNoRows {
			return models.AnchorStatus_Pending, "", nil
		}
		return 0, "", err
	}
	switch status {
	case requestStatus_Pending, requestStatus_Ready:
		return models.AnchorStatus_Pending, message, nil
	case requestStatus_Processing:
		return models.AnchorStatus_Processing, message, nil
	case requestStatus_Completed:
		return models.AnchorStatus_Anchored, message, nil
	case requestStatus_Replaced:
		return models.AnchorStatus_Failed, message, nil
	default:
		return models.AnchorStatus_Failed, message, nil
	}
}

// Close stops all outstanding status polls and waits for them to drain.
func (c *CasClient) Close() {
	c.cancelMu.Lock()
	c.closed = true
	cancels := c.cancels
	c.cancels = nil
	c.cancelMu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	c.wg.Wait()
}
