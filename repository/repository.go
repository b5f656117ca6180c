package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ceramicnetwork/go-ceramic-repo/ceramic"
	"github.com/ceramicnetwork/go-ceramic-repo/common/loggers"
	"github.com/ceramicnetwork/go-ceramic-repo/models"
)

// Repository is the tiered cache and execution serializer for stream state:
// an in-memory live-state cache over a local persistent store over the
// network. Loads and mutations for a stream are serialized through two
// per-stream FIFO queues so each stream evolves through a single history.
type Repository struct {
	logger        models.Logger
	metricService models.MetricService
	notifier      models.Notifier

	loadingQ   *KeyedQueue[*RunningState]
	executionQ *KeyedQueue[*RunningState]
	cache      *StateCache

	dispatcher         models.Dispatcher
	handlers           models.HandlerRegistry
	pinStore           models.PinStore
	anchorRequestStore models.AnchorRequestStore
	indexApi           models.IndexingApi
	stateManager       *StateManager

	// Guards RunningState creation so a stream ID maps to at most one live
	// instance even when the loadingQ and executionQ race to materialize it.
	createMu sync.Mutex

	closeOnce sync.Once
	closedMu  sync.Mutex
	closed    bool
}

type RepositoryOpts struct {
	Logger           models.Logger
	MetricService    models.MetricService
	Notifier         models.Notifier
	CacheLimit       int
	ConcurrencyLimit int
}

// RepositoryDeps closes the construction cycle: the Repository is built
// first with queues and cache only, then SetDeps binds the collaborators and
// constructs the StateManager with callbacks into the Repository.
type RepositoryDeps struct {
	Dispatcher         models.Dispatcher
	Handlers           models.HandlerRegistry
	ConflictResolution models.ConflictResolution
	AnchorService      models.AnchorService
	AnchorRequestStore models.AnchorRequestStore
	PinStore           models.PinStore
	IndexApi           models.IndexingApi
}

func NewRepository(opts RepositoryOpts) (*Repository, error) {
	loadConcurrency := opts.ConcurrencyLimit
	if loadConcurrency <= 0 {
		loadConcurrency = models.DefaultLoadConcurrency
	}
	execConcurrency := opts.ConcurrencyLimit
	if execConcurrency <= 0 {
		execConcurrency = models.DefaultExecConcurrency
	}
	repo := &Repository{
		logger:        opts.Logger,
		metricService: opts.MetricService,
		notifier:      opts.Notifier,
		loadingQ:      NewKeyedQueue[*RunningState]("loadingQ", loadConcurrency, opts.Logger),
		executionQ:    NewKeyedQueue[*RunningState]("executionQ", execConcurrency, opts.Logger),
	}
	cache, err := NewStateCache(opts.CacheLimit, repo.onEvicted)
	if err != nil {
		return nil, err
	}
	repo.cache = cache
	return repo, nil
}

func (r *Repository) SetDeps(deps RepositoryDeps) {
	r.dispatcher = deps.Dispatcher
	r.handlers = deps.Handlers
	r.pinStore = deps.PinStore
	r.anchorRequestStore = deps.AnchorRequestStore
	r.indexApi = deps.IndexApi
	r.stateManager = NewStateManager(StateManagerOpts{
		Logger:             r.logger,
		MetricService:      r.metricService,
		Dispatcher:         deps.Dispatcher,
		Handlers:           deps.Handlers,
		ConflictResolution: deps.ConflictResolution,
		AnchorService:      deps.AnchorService,
		AnchorRequestStore: deps.AnchorRequestStore,
		PinStore:           deps.PinStore,
		ExecutionQ:         r.executionQ,
		LoadState:          r.materialize,
	})
}

func (r *Repository) StateManager() *StateManager {
	return r.stateManager
}

func (r *Repository) onEvicted(state *RunningState) {
	r.metricService.Count(context.Background(), models.MetricName_CacheEviction, 1)
	if state.SubscriberCount() > 0 {
		// Should not happen when updates$ endures correctly; points at an
		// implementation bug rather than normal cache pressure.
		r.metricService.Count(context.Background(), models.MetricName_EvictedWhileSubscribed, 1)
		loggers.ForStream(r.logger, state.Id()).Warnf("repository: evicting state with %d live subscribers", state.SubscriberCount())
		if r.notifier != nil {
			r.notifier.SendAlert(
				"Subscribed state evicted",
				"A stream state with live subscribers was evicted from the in-memory cache",
				state.Id(),
			)
		}
	}
	state.Complete()
}

// Load materializes the running state for a stream, syncing against the
// network according to opts.Sync. Routed through the stream's loadingQ slot.
func (r *Repository) Load(ctx context.Context, streamId string, opts models.LoadOpts) (*RunningState, error) {
	future := r.loadingQ.Run(ctx, streamId, func(taskCtx context.Context) (*RunningState, error) {
		return r.load(taskCtx, streamId, opts)
	})
	return future.Get(ctx)
}

// load runs with the loadingQ slot held.
func (r *Repository) load(ctx context.Context, streamId string, opts models.LoadOpts) (*RunningState, error) {
	var state *RunningState
	switch opts.Sync {
	case models.SyncOption_PreferCache, models.SyncOption_SyncOnError:
		loaded, alreadySynced, err := r.loadGenesis(ctx, streamId)
		if err != nil {
			return nil, err
		}
		state = loaded
		if !alreadySynced {
			r.stateManager.Sync(ctx, state, opts.SyncTimeout, "")
		}
	case models.SyncOption_NeverSync:
		loaded, _, err := r.loadGenesis(ctx, streamId)
		if err != nil {
			return nil, err
		}
		return loaded, nil
	case models.SyncOption_SyncAlways:
		loaded, err := r.loadSyncAlways(ctx, streamId, opts)
		if err != nil {
			return nil, err
		}
		state = loaded
	default:
		return nil, fmt.Errorf("sync option %d: %w", opts.Sync, models.ErrInvalidSyncOption)
	}
	if !opts.SkipCacaoExpirationChecks {
		if err := r.checkCapabilityExpiration(ctx, state.State()); err != nil {
			return nil, err
		}
	}
	if state.IsPinned() {
		r.stateManager.MarkPinnedAndSynced(streamId)
	}
	return state, nil
}

// loadGenesis probes the cache tiers in order: memory, local state store,
// network genesis. Returns whether the stream was already synced during this
// process lifetime. Only callable while holding the stream's loadingQ slot.
func (r *Repository) loadGenesis(ctx context.Context, streamId string) (*RunningState, bool, error) {
	if state, found := r.cache.Get(streamId); found {
		r.metricService.Count(ctx, models.MetricName_CacheHitMemory, 1)
		return state, true, nil
	}
	if state, err := r.fromStore(ctx, streamId); err != nil {
		return nil, false, err
	} else if state != nil {
		r.metricService.Count(ctx, models.MetricName_CacheHitLocal, 1)
		return state, r.stateManager.WasPinnedStreamSynced(streamId), nil
	}
	state, err := r.fromNetwork(ctx, streamId)
	if err != nil {
		return nil, false, err
	}
	r.metricService.Count(ctx, models.MetricName_CacheHitRemote, 1)
	return state, false, nil
}

// fromStore rehydrates a pinned stream from the local state store, including
// any outstanding anchor request. Returns nil without error on a miss.
func (r *Repository) fromStore(ctx context.Context, streamId string) (*RunningState, error) {
	stored, err := r.pinStore.StateStore().Load(ctx, streamId)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, nil
	}
	stored.Id = streamId
	state := r.insert(NewRunningState(stored, true))
	if record, err := r.anchorRequestStore.Load(ctx, streamId); err != nil {
		r.logger.Warnf("repository: failed to load anchor request for stream %s: %v", streamId, err)
	} else if record != nil {
		if err = r.stateManager.ConfirmAnchorResponse(ctx, state, record.Cid); err != nil {
			r.logger.Warnf("repository: failed to confirm anchor request for stream %s: %v", streamId, err)
		}
	}
	return state, nil
}

// fromNetwork fetches the genesis commit and applies it with timechecks
// disabled: anchor timestamps arriving during a later sync can prove a
// capability was valid when used.
func (r *Repository) fromNetwork(ctx context.Context, streamId string) (*RunningState, error) {
	streamType, genesisCid, err := ceramic.ParseStreamId(streamId)
	if err != nil {
		return nil, err
	}
	commit, err := r.dispatcher.FetchCommit(ctx, genesisCid)
	if err != nil {
		return nil, err
	}
	if commit == nil {
		return nil, fmt.Errorf("stream %s: %w", streamId, models.ErrStreamNotFound)
	}
	handler, err := r.handlers.HandlerFor(streamType)
	if err != nil {
		return nil, err
	}
	genesis, err := handler.ApplyCommit(ctx, &models.CommitData{Commit: commit, DisableTimecheck: true}, nil)
	if err != nil {
		return nil, err
	}
	genesis.Id = streamId
	return r.insert(NewRunningState(genesis, false)), nil
}

// loadSyncAlways reads the tip held in memory or the local store, which the
// network may not know about yet, then syncs the live running state against
// the network with that tip handed to sync as a conflict-resolution
// candidate. No separate network copy is fetched: the running state comes
// from loadGenesis, so an instance already in memory is the one synced.
func (r *Repository) loadSyncAlways(ctx context.Context, streamId string, opts models.LoadOpts) (*RunningState, error) {
	hintTip := ""
	if cached, found := r.cache.Get(streamId); found {
		hintTip = cached.Tip()
	} else if stored, err := r.pinStore.StateStore().Load(ctx, streamId); err != nil {
		r.logger.Warnf("repository: state store read failed for stream %s: %v", streamId, err)
	} else if stored != nil {
		hintTip = stored.Tip()
	}
	state, _, err := r.loadGenesis(ctx, streamId)
	if err != nil {
		return nil, err
	}
	r.stateManager.Sync(ctx, state, opts.SyncTimeout, hintTip)
	return state, nil
}

// materialize returns the live running state for a stream from any tier
// without syncing. Used by the StateManager while holding the executionQ
// slot, so it must not touch the loadingQ.
func (r *Repository) materialize(ctx context.Context, streamId string) (*RunningState, error) {
	if state, found := r.cache.Get(streamId); found {
		return state, nil
	}
	if state, err := r.fromStore(ctx, streamId); err != nil {
		return nil, err
	} else if state != nil {
		return state, nil
	}
	return r.fromNetwork(ctx, streamId)
}

// insert adds a freshly constructed RunningState to the cache unless a
// concurrent path beat it there, preserving the one-instance-per-stream
// invariant.
func (r *Repository) insert(state *RunningState) *RunningState {
	r.createMu.Lock()
	defer r.createMu.Unlock()
	if existing, found := r.cache.Get(state.Id()); found {
		return existing
	}
	r.cache.Set(state.Id(), state)
	return state
}

// checkCapabilityExpiration enforces CACAO expiry on the tip commit of a
// materialized state. Network misses are recoverable.
func (r *Repository) checkCapabilityExpiration(ctx context.Context, state *models.StreamState) error {
	if len(state.Log) == 0 {
		return nil
	}
	entry := state.Log[len(state.Log)-1]
	commit, err := r.dispatcher.FetchCommit(ctx, entry.Cid)
	if err != nil || commit == nil {
		return nil
	}
	covered := *commit
	if covered.Timestamp == nil {
		covered.Timestamp = entry.Timestamp
	}
	return ceramic.CheckCapabilityExpiration(&covered, time.Now())
}

// LoadAtCommit loads the stream with capability checks deferred, replays to
// the requested commit, then enforces capability expiration on the result.
func (r *Repository) LoadAtCommit(ctx context.Context, commitId string, opts models.LoadOpts) (*models.StreamState, error) {
	parsed, _, err := ceramic.ParseCommitId(commitId)
	if err != nil {
		return nil, err
	}
	baseOpts := opts
	baseOpts.SkipCacaoExpirationChecks = true
	base, err := r.Load(ctx, parsed.StreamId, baseOpts)
	if err != nil {
		return nil, err
	}
	snapshot, err := r.stateManager.AtCommit(ctx, base, parsed)
	if err != nil {
		return nil, err
	}
	if err = r.checkCapabilityExpiration(ctx, snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// LoadAtTime replays the stream up to the latest anchor at or before
// opts.AtTime.
func (r *Repository) LoadAtTime(ctx context.Context, streamId string, opts models.LoadOpts) (*models.StreamState, error) {
	if opts.AtTime == nil {
		return nil, fmt.Errorf("loadAtTime requires AtTime")
	}
	base, err := r.Load(ctx, streamId, opts)
	if err != nil {
		return nil, err
	}
	return r.stateManager.AtTime(ctx, base, *opts.AtTime)
}

// ApplyCommit applies a commit through the StateManager (on the stream's
// executionQ slot), then applies the write options.
func (r *Repository) ApplyCommit(ctx context.Context, streamId string, commit *models.Commit, opts models.WriteOpts) (*RunningState, error) {
	state, err := r.stateManager.ApplyCommit(ctx, streamId, commit)
	if err != nil {
		return nil, err
	}
	if err = r.applyWriteOpts(ctx, state, opts, models.OpType_Update); err != nil {
		return nil, err
	}
	return state, nil
}

// ApplyCreateOpts loads (or creates) a stream by ID and applies create-time
// write options. A deterministic create can resolve to an existing stream,
// in which case the operation is classified as a load: the log length oracle
// is 1 for a true create.
func (r *Repository) ApplyCreateOpts(ctx context.Context, streamId string, loadOpts models.LoadOpts, writeOpts models.WriteOpts) (*RunningState, error) {
	state, err := r.Load(ctx, streamId, loadOpts)
	if err != nil {
		return nil, err
	}
	opType := models.OpType_Create
	if len(state.State().Log) > 1 {
		opType = models.OpType_Load
	}
	if err = r.applyWriteOpts(ctx, state, writeOpts, opType); err != nil {
		return nil, err
	}
	return state, nil
}

// applyWriteOpts delegates anchor/publish to the StateManager, then applies
// the pin policy and indexes model-tagged streams.
func (r *Repository) applyWriteOpts(ctx context.Context, state *RunningState, opts models.WriteOpts, opType models.OpType) error {
	if opts.Anchor {
		if err := r.stateManager.RequestAnchor(ctx, state); err != nil {
			return err
		}
	}
	if opts.Publish {
		r.stateManager.PublishTip(ctx, state)
	}
	if err := r.handlePinOpts(ctx, state, opts, opType); err != nil {
		return err
	}
	return r.indexStream(ctx, state)
}

func (r *Repository) shouldIndex(state *models.StreamState) bool {
	return state.Metadata.Model != nil && r.indexApi.ShouldIndexStream(*state.Metadata.Model)
}

// handlePinOpts applies the pin policy. Pin state is an administrative
// concern: ordinary CRUD must not flip it except at creation. Indexed
// streams are always pinned since indexing requires durable state.
//
// A create that resolved to an existing stream falls into the update/load
// branch: an explicit pin option there is warned about and ignored.
func (r *Repository) handlePinOpts(ctx context.Context, state *RunningState, opts models.WriteOpts, opType models.OpType) error {
	if r.shouldIndex(state.State()) {
		return r.Pin(ctx, state)
	}
	switch opType {
	case models.OpType_Create:
		if opts.Pin == nil || *opts.Pin {
			return r.Pin(ctx, state)
		}
	case models.OpType_Update, models.OpType_Load:
		if opts.Pin != nil {
			r.metricService.Count(ctx, models.MetricName_PinPolicyWarning, 1)
			r.logger.Warnf("repository: ignoring pin=%t on non-create operation for stream %s", *opts.Pin, state.Id())
		}
	}
	return nil
}

func (r *Repository) indexStream(ctx context.Context, state *RunningState) error {
	snapshot := state.State()
	if !r.shouldIndex(snapshot) {
		return nil
	}
	controller := ""
	if len(snapshot.Metadata.Controllers) > 0 {
		controller = snapshot.Metadata.Controllers[0]
	}
	record := &models.StreamIndexRecord{
		StreamId:   state.Id(),
		Model:      *snapshot.Metadata.Model,
		Controller: controller,
		Tip:        snapshot.Tip(),
		UpdatedAt:  time.Now(),
	}
	for idx := len(snapshot.Log) - 1; idx >= 0; idx-- {
		if snapshot.Log[idx].Type == models.CommitType_Anchor {
			record.LastAnchor = snapshot.Log[idx].Timestamp
			break
		}
	}
	if err := r.indexApi.IndexStream(ctx, record); err != nil {
		return err
	}
	r.metricService.Count(ctx, models.MetricName_StreamIndexed, 1)
	return nil
}

func (r *Repository) isClosed() bool {
	r.closedMu.Lock()
	defer r.closedMu.Unlock()
	return r.closed
}

// Pin persists the stream's state and marks the running state pinned.
func (r *Repository) Pin(ctx context.Context, state *RunningState) error {
	if r.isClosed() {
		return models.ErrQueueClosed
	}
	if err := r.pinStore.Add(ctx, state.State(), false); err != nil {
		return err
	}
	state.SetPinned(true)
	return nil
}

// Unpin removes a stream from the pin store. Indexed streams cannot be
// unpinned. Optionally publishes the tip first so the network retains the
// latest state.
func (r *Repository) Unpin(ctx context.Context, state *RunningState, opts models.UnpinOpts) error {
	if r.isClosed() {
		return models.ErrQueueClosed
	}
	if r.shouldIndex(state.State()) {
		return fmt.Errorf("stream %s: %w", state.Id(), models.ErrCannotUnpinIndexed)
	}
	if opts.PublishTip {
		r.stateManager.PublishTip(ctx, state)
	}
	if err := r.pinStore.Rm(ctx, state.State()); err != nil {
		return err
	}
	state.SetPinned(false)
	r.stateManager.MarkUnpinned(state.Id())
	return nil
}

// Updates subscribes to a stream's state emissions, seeding from init if the
// stream is not live yet. The cache entry is endured for the lifetime of the
// subscription so the shared RunningState cannot be evicted mid-stream.
func (r *Repository) Updates(ctx context.Context, init *models.StreamState) (<-chan *models.StreamState, func(), error) {
	if r.isClosed() {
		return nil, nil, models.ErrQueueClosed
	}
	streamId, err := ceramic.StreamIdFromState(init)
	if err != nil {
		return nil, nil, err
	}
	state, found := r.cache.Get(streamId)
	if !found {
		if state, err = r.fromStore(ctx, streamId); err != nil {
			return nil, nil, err
		} else if state == nil {
			seed := init.Clone()
			seed.Id = streamId
			state = r.insert(NewRunningState(seed, false))
		}
	}
	r.cache.Endure(streamId, state)
	sub, cancel := state.Subscribe()
	unsubscribe := func() {
		cancel()
		// Each subscription holds one endurance ref; the entry becomes
		// evictable again once the last observer lets go.
		r.cache.Free(streamId)
	}
	return sub.Ch(), unsubscribe, nil
}

// StreamState returns a non-blocking snapshot of a stream's state, or nil if
// it is neither live nor stored locally.
func (r *Repository) StreamState(ctx context.Context, streamId string) (*models.StreamState, error) {
	if state, found := r.cache.Get(streamId); found {
		return state.State(), nil
	}
	stored, err := r.pinStore.StateStore().Load(ctx, streamId)
	if err != nil {
		return nil, err
	}
	if stored != nil {
		stored.Id = streamId
	}
	return stored, nil
}

func (r *Repository) ListPinned(ctx context.Context, streamId *string) ([]string, error) {
	return r.pinStore.Ls(ctx, streamId)
}

// RandomPinnedStreamState returns one pinned stream's state, or nil if none
// are pinned. The pin store is asked for at most one ID; returning more is a
// contract violation.
func (r *Repository) RandomPinnedStreamState(ctx context.Context) (*models.StreamState, error) {
	ids, _, err := r.pinStore.StateStore().ListStoredStreamIds(ctx, "", 1)
	if err != nil {
		return nil, err
	}
	if len(ids) > 1 {
		return nil, models.ErrPinStoreContractViolation
	}
	if len(ids) == 0 {
		return nil, nil
	}
	state, err := r.pinStore.StateStore().Load(ctx, ids[0])
	if err != nil {
		return nil, err
	}
	if state != nil {
		state.Id = ids[0]
	}
	return state, nil
}

// Close drains both execution queues, completes and evicts every cached
// state, and closes the pin store and indexing API. Idempotent.
func (r *Repository) Close(ctx context.Context) error {
	var closeErr error
	r.closeOnce.Do(func() {
		r.closedMu.Lock()
		r.closed = true
		r.closedMu.Unlock()
		r.loadingQ.Close()
		r.executionQ.Close()
		r.cache.Iterate(func(key string, state *RunningState) bool {
			state.Complete()
			r.cache.Delete(key)
			return true
		})
		if err := r.pinStore.Close(); err != nil {
			closeErr = err
		}
		if err := r.indexApi.Close(ctx); err != nil && closeErr == nil {
			closeErr = err
		}
	})
	return closeErr
}
