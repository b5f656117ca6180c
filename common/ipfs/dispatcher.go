package ipfs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/abevier/tsk/ratelimiter"

	iface "github.com/ipfs/boxo/coreiface"
	"github.com/ipfs/boxo/coreiface/options"
	"github.com/ipfs/boxo/coreiface/path"
	"github.com/ipfs/kubo/client/rpc"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/ceramicnetwork/go-ceramic-repo/models"
)

const defaultIpfsRateLimit = 16
const defaultIpfsBurstLimit = 16
const defaultIpfsLimiterMaxQueueDepth = 100
const defaultIpfsOperationTimeout = 30 * time.Second
const defaultTipQueryTimeout = 2 * time.Second

type msgType uint8

const (
	msgType_Update msgType = iota
	msgType_Query
	msgType_Response
)

type pubsubMessage struct {
	Typ      msgType `json:"typ"`
	StreamId string  `json:"stream,omitempty"`
	Tip      string  `json:"tip,omitempty"`
}

// Dispatcher reaches the Ceramic network through an IPFS node: commits are
// content-addressed blocks, tips travel over a pubsub topic. Network
// unavailability maps to nil results, not errors.
type Dispatcher struct {
	core          iface.CoreAPI
	logger        models.Logger
	metricService models.MetricService
	addrStr       string
	topic         string
	limiter       *ratelimiter.RateLimiter[any, any]

	tipsMu sync.Mutex
	tips   map[string]string

	cancelListen context.CancelFunc
}

type blockFetchTask struct {
	cid string
}

type publishTask struct {
	data []byte
}

func createCoreApi(addrStr string) (*rpc.HttpApi, error) {
	addr, err := ma.NewMultiaddr(addrStr)
	if err != nil {
		c := &http.Client{
			Transport: &http.Transport{
				Proxy:             http.ProxyFromEnvironment,
				DisableKeepAlives: true,
			},
		}
		coreApi, err := rpc.NewURLApiWithClient(addrStr, c)
		if err != nil {
			return nil, err
		}
		return coreApi, nil
	}

	coreApi, err := rpc.NewApi(addr)
	if err != nil {
		return nil, err
	}
	return coreApi, nil
}

func NewDispatcherWithCore(logger models.Logger, addrStr, topic string, coreApi iface.CoreAPI, metricService models.MetricService) *Dispatcher {
	dispatcher := &Dispatcher{
		core:          coreApi,
		logger:        logger,
		metricService: metricService,
		addrStr:       addrStr,
		topic:         topic,
		tips:          make(map[string]string),
	}
	limiterOpts := ratelimiter.Opts{
		Limit:             defaultIpfsRateLimit,
		Burst:             defaultIpfsBurstLimit,
		MaxQueueDepth:     defaultIpfsLimiterMaxQueueDepth,
		FullQueueStrategy: ratelimiter.BlockWhenFull,
	}
	dispatcher.limiter = ratelimiter.New(limiterOpts, dispatcher.limiterRunFunction)

	listenCtx, cancel := context.WithCancel(context.Background())
	dispatcher.cancelListen = cancel
	go dispatcher.listen(listenCtx)

	return dispatcher
}

func NewDispatcher(logger models.Logger, addrStr, topic string, metricService models.MetricService) *Dispatcher {
	coreApi, err := createCoreApi(addrStr)
	if err != nil {
		logger.Fatalf("Error creating ipfs client at %s: %v", addrStr, err)
	}
	return NewDispatcherWithCore(logger, addrStr, topic, coreApi, metricService)
}

// listen consumes tip updates and query responses gossiped on the topic and
// remembers the latest tip per stream.
func (d *Dispatcher) listen(ctx context.Context) {
	sub, err := d.core.PubSub().Subscribe(ctx, d.topic, options.PubSub.Discover(true))
	if err != nil {
		d.logger.Warnf("dispatcher: pubsub subscribe failed on %s: %v", d.addrStr, err)
		return
	}
	defer sub.Close()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Debugf("dispatcher: pubsub receive failed: %v", err)
			continue
		}
		psMsg := new(pubsubMessage)
		if err = json.Unmarshal(msg.Data(), psMsg); err != nil {
			continue
		}
		if (psMsg.Typ == msgType_Update || psMsg.Typ == msgType_Response) && psMsg.StreamId != "" && psMsg.Tip != "" {
			d.tipsMu.Lock()
			d.tips[psMsg.StreamId] = psMsg.Tip
			d.tipsMu.Unlock()
		}
	}
}

// FetchCommit retrieves a commit block by CID. A miss or unavailable network
// returns nil without error.
func (d *Dispatcher) FetchCommit(ctx context.Context, commitCid string) (*models.Commit, error) {
	result, err := d.limiter.Submit(ctx, blockFetchTask{cid: commitCid})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, nil
		}
		d.logger.Debugf("dispatcher: commit %s fetch failed: %v", commitCid, err)
		return nil, nil
	}
	if result == nil {
		return nil, nil
	}
	return result.(*models.Commit), nil
}

// FetchTip returns the network's latest known tip for a stream, publishing a
// query and waiting briefly if nothing has been gossiped yet. An empty
// string means the network has no answer.
func (d *Dispatcher) FetchTip(ctx context.Context, streamId string) (string, error) {
	if tip := d.knownTip(streamId); tip != "" {
		return tip, nil
	}
	query, _ := json.Marshal(pubsubMessage{Typ: msgType_Query, StreamId: streamId})
	if _, err := d.limiter.Submit(ctx, publishTask{data: query}); err != nil {
		return "", nil
	}
	deadline := time.NewTimer(defaultTipQueryTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", nil
		case <-deadline.C:
			return "", nil
		case <-tick.C:
			if tip := d.knownTip(streamId); tip != "" {
				return tip, nil
			}
		}
	}
}

func (d *Dispatcher) knownTip(streamId string) string {
	d.tipsMu.Lock()
	defer d.tipsMu.Unlock()
	return d.tips[streamId]
}

// PublishTip gossips a stream's tip on the topic.
func (d *Dispatcher) PublishTip(ctx context.Context, streamId string, tip string) error {
	update, err := json.Marshal(pubsubMessage{Typ: msgType_Update, StreamId: streamId, Tip: tip})
	if err != nil {
		return err
	}
	d.tipsMu.Lock()
	d.tips[streamId] = tip
	d.tipsMu.Unlock()
	if _, err = d.limiter.Submit(ctx, publishTask{data: update}); err != nil {
		d.metricService.Count(ctx, models.MetricName_DispatcherPublishError, 1)
		return err
	}
	return nil
}

func (d *Dispatcher) Close() {
	d.cancelListen()
}

func (d *Dispatcher) limiterRunFunction(ctx context.Context, task any) (any, error) {
	opCtx, cancel := context.WithTimeout(ctx, defaultIpfsOperationTimeout)
	defer cancel()
	switch t := task.(type) {
	case blockFetchTask:
		return d.fetchBlock(opCtx, t.cid)
	case publishTask:
		if err := d.core.PubSub().Publish(opCtx, d.topic, t.data); err != nil {
			return nil, fmt.Errorf("publishing message to pubsub failed on ipfs instance at %s: %w", d.addrStr, err)
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown ipfs task received %v", task)
	}
}

func (d *Dispatcher) fetchBlock(ctx context.Context, commitCid string) (*models.Commit, error) {
	reader, err := d.core.Block().Get(ctx, path.New("/ipfs/"+commitCid))
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	commit := new(models.Commit)
	if err = json.Unmarshal(data, commit); err != nil {
		return nil, fmt.Errorf("dispatcher: undecodable commit %s: %w", commitCid, err)
	}
	commit.Cid = commitCid
	return commit, nil
}
