package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ceramicnetwork/go-ceramic-repo/common/loggers"
	"github.com/ceramicnetwork/go-ceramic-repo/models"
)

// StateManager owns the algorithm that turns commits into state transitions,
// drives sync against the network, and coordinates with the anchor service.
// It mutates RunningStates only while holding the stream's executionQ slot.
type StateManager struct {
	logger             models.Logger
	metricService      models.MetricService
	dispatcher         models.Dispatcher
	handlers           models.HandlerRegistry
	conflictResolution models.ConflictResolution
	anchorService      models.AnchorService
	anchorRequestStore models.AnchorRequestStore
	pinStore           models.PinStore
	executionQ         *KeyedQueue[*RunningState]

	// Callback into the Repository that materializes the current running
	// state from any tier. Bound at construction to break the
	// Repository <-> StateManager cycle.
	loadState func(ctx context.Context, streamId string) (*RunningState, error)

	// Pinned streams synced during this process lifetime.
	syncedMu     sync.Mutex
	syncedPinned map[string]struct{}
}

type StateManagerOpts struct {
	Logger             models.Logger
	MetricService      models.MetricService
	Dispatcher         models.Dispatcher
	Handlers           models.HandlerRegistry
	ConflictResolution models.ConflictResolution
	AnchorService      models.AnchorService
	AnchorRequestStore models.AnchorRequestStore
	PinStore           models.PinStore
	ExecutionQ         *KeyedQueue[*RunningState]
	LoadState          func(ctx context.Context, streamId string) (*RunningState, error)
}

func NewStateManager(opts StateManagerOpts) *StateManager {
	return &StateManager{
		logger:             opts.Logger,
		metricService:      opts.MetricService,
		dispatcher:         opts.Dispatcher,
		handlers:           opts.Handlers,
		conflictResolution: opts.ConflictResolution,
		anchorService:      opts.AnchorService,
		anchorRequestStore: opts.AnchorRequestStore,
		pinStore:           opts.PinStore,
		executionQ:         opts.ExecutionQ,
		loadState:          opts.LoadState,
		syncedPinned:       make(map[string]struct{}),
	}
}

// ApplyCommit applies a single commit to a stream on its executionQ slot and
// returns the running state after the transition.
func (m *StateManager) ApplyCommit(ctx context.Context, streamId string, commit *models.Commit) (*RunningState, error) {
	future := m.executionQ.Run(ctx, streamId, func(taskCtx context.Context) (*RunningState, error) {
		state, err := m.loadState(taskCtx, streamId)
		if err != nil {
			return nil, err
		}
		if err = m.applyToRunning(taskCtx, state, commit); err != nil {
			return nil, err
		}
		return state, nil
	})
	return future.Get(ctx)
}

// applyToRunning computes the candidate next state, arbitrates against the
// current log if the commit does not linearly extend it, and emits the
// winner. Must be called with the stream's executionQ slot held.
func (m *StateManager) applyToRunning(ctx context.Context, state *RunningState, commit *models.Commit) error {
	current := state.State()
	handler, err := m.handlers.HandlerFor(current.Type)
	if err != nil {
		return err
	}
	candidate, err := handler.ApplyCommit(ctx, &models.CommitData{Commit: commit}, current)
	if err != nil {
		return err
	}
	candidate.Id = state.Id()
	next := candidate
	if !extendsLog(current, candidate) {
		winner, err := m.conflictResolution.Resolve(current, candidate)
		if err != nil {
			return err
		}
		m.metricService.Count(ctx, models.MetricName_ConflictResolved, 1)
		next = winner
	}
	if state.Next(next) {
		m.metricService.Count(ctx, models.MetricName_CommitApplied, 1)
	}
	if state.IsPinned() {
		if err = m.pinStore.StateStore().Save(ctx, state.State()); err != nil {
			m.logger.Errorf("manager: failed to persist pinned stream %s: %v", state.Id(), err)
		}
	}
	return nil
}

// extendsLog reports whether candidate's log strictly extends (or equals)
// current's log: same prefix plus appended entries.
func extendsLog(current, candidate *models.StreamState) bool {
	if len(candidate.Log) < len(current.Log) {
		return false
	}
	for idx := range current.Log {
		if current.Log[idx].Cid != candidate.Log[idx].Cid {
			return false
		}
	}
	return true
}

// Sync brings a running state up to the network tip, bounded by timeout. On
// timeout it returns with whatever progress was made. The sync goroutine is
// not cancelled: it keeps running after Sync returns and can still advance
// the running state. The caller's loadingQ slot is released when its load
// returns, so a later load can start another sync of the same stream while
// the first one is still running.
func (m *StateManager) Sync(ctx context.Context, state *RunningState, timeout time.Duration, hintTip string) {
	if timeout <= 0 {
		timeout = models.DefaultSyncTimeout
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.doSync(ctx, state, hintTip)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		m.metricService.Count(ctx, models.MetricName_SyncTimeout, 1)
		m.logger.Warnf("manager: sync timed out for stream %s, returning partial progress", state.Id())
	}
}

func (m *StateManager) doSync(ctx context.Context, state *RunningState, hintTip string) {
	tip, err := m.dispatcher.FetchTip(ctx, state.Id())
	if err != nil {
		m.logger.Warnf("manager: tip query failed for stream %s: %v", state.Id(), err)
	}
	if tip != "" && tip != state.Tip() {
		m.applyTip(ctx, state, tip)
	}
	// A locally-known tip the network has not seen yet still has to be
	// considered by conflict resolution.
	if hintTip != "" && hintTip != state.Tip() {
		m.applyTip(ctx, state, hintTip)
	}
}

// applyTip fetches the commit chain behind tip down to the known log, builds
// the candidate state, and applies it through conflict resolution. Fetch
// failures are recoverable: they are logged and leave the state at
// last-known-good.
func (m *StateManager) applyTip(ctx context.Context, state *RunningState, tip string) {
	current := state.State()
	logIndex := make(map[string]int, len(current.Log))
	for idx, entry := range current.Log {
		logIndex[entry.Cid] = idx
	}
	if _, known := logIndex[tip]; known {
		return
	}
	newCommits, forkCid, err := m.fetchChain(ctx, tip, logIndex)
	if err != nil {
		m.metricService.Count(ctx, models.MetricName_SyncCommitFetchFailed, 1)
		m.logger.Warnf("manager: commit fetch failed while syncing stream %s to tip %s: %v", state.Id(), tip, err)
		return
	}
	candidateCids := make([]string, 0, len(current.Log)+len(newCommits))
	if forkCid != "" {
		for idx := 0; idx <= logIndex[forkCid]; idx++ {
			candidateCids = append(candidateCids, current.Log[idx].Cid)
		}
	}
	for _, commit := range newCommits {
		candidateCids = append(candidateCids, commit.Cid)
	}
	candidate, err := m.replay(ctx, current.Type, candidateCids)
	if err != nil {
		m.logger.Warnf("manager: replay failed while syncing stream %s: %v", state.Id(), err)
		return
	}
	candidate.Id = state.Id()
	next := candidate
	if !extendsLog(current, candidate) {
		if next, err = m.conflictResolution.Resolve(current, candidate); err != nil {
			m.logger.Warnf("manager: conflict resolution failed for stream %s: %v", state.Id(), err)
			return
		}
		m.metricService.Count(ctx, models.MetricName_ConflictResolved, 1)
	}
	state.Next(next)
	if state.IsPinned() {
		if err = m.pinStore.StateStore().Save(ctx, state.State()); err != nil {
			m.logger.Errorf("manager: failed to persist pinned stream %s: %v", state.Id(), err)
		}
	}
}

// fetchChain walks prev pointers from tip until it reaches a commit already
// present in the log (returned as forkCid) or a genesis commit. The returned
// commits are ordered oldest first.
func (m *StateManager) fetchChain(ctx context.Context, tip string, logIndex map[string]int) ([]*models.Commit, string, error) {
	commits := make([]*models.Commit, 0)
	cursor := tip
	for {
		commit, err := m.dispatcher.FetchCommit(ctx, cursor)
		if err != nil {
			return nil, "", err
		}
		if commit == nil {
			return nil, "", fmt.Errorf("commit %s unavailable", cursor)
		}
		commits = append([]*models.Commit{commit}, commits...)
		if commit.Prev == nil {
			return commits, "", nil
		}
		if _, known := logIndex[*commit.Prev]; known {
			return commits, *commit.Prev, nil
		}
		cursor = *commit.Prev
	}
}

// replay materializes a state by fetching and applying the given commit CIDs
// in order. Capability timechecks are disabled; the caller enforces them on
// the final state.
func (m *StateManager) replay(ctx context.Context, streamType models.StreamType, cids []string) (*models.StreamState, error) {
	handler, err := m.handlers.HandlerFor(streamType)
	if err != nil {
		return nil, err
	}
	var state *models.StreamState
	for _, commitCid := range cids {
		commit, err := m.dispatcher.FetchCommit(ctx, commitCid)
		if err != nil {
			return nil, err
		}
		if commit == nil {
			return nil, fmt.Errorf("commit %s unavailable", commitCid)
		}
		if state, err = handler.ApplyCommit(ctx, &models.CommitData{Commit: commit, DisableTimecheck: true}, state); err != nil {
			return nil, err
		}
	}
	if state == nil {
		return nil, fmt.Errorf("replay produced no state")
	}
	return state, nil
}

// AtCommit replays the stream from genesis to the requested commit and
// returns an immutable snapshot. A commit outside the canonical history that
// loses conflict resolution fails with ErrCommitNotInLog.
func (m *StateManager) AtCommit(ctx context.Context, base *RunningState, commitId models.CommitId) (*models.StreamState, error) {
	current := base.State()
	logIndex := make(map[string]int, len(current.Log))
	for idx, entry := range current.Log {
		logIndex[entry.Cid] = idx
	}
	if idx, found := logIndex[commitId.Cid]; found {
		cids := make([]string, 0, idx+1)
		for i := 0; i <= idx; i++ {
			cids = append(cids, current.Log[i].Cid)
		}
		snapshot, err := m.replay(ctx, current.Type, cids)
		if err != nil {
			return nil, err
		}
		snapshot.Id = base.Id()
		return snapshot, nil
	}
	// The commit is not in the canonical log; it is acceptable only if its
	// chain attaches to the log and wins conflict resolution.
	newCommits, forkCid, err := m.fetchChain(ctx, commitId.Cid, logIndex)
	if err != nil {
		return nil, fmt.Errorf("commit %s: %w", commitId.Cid, models.ErrCommitNotInLog)
	}
	candidateCids := make([]string, 0)
	if forkCid != "" {
		for i := 0; i <= logIndex[forkCid]; i++ {
			candidateCids = append(candidateCids, current.Log[i].Cid)
		}
	} else if newCommits[0].Cid != current.GenesisCid() {
		return nil, fmt.Errorf("commit %s: %w", commitId.Cid, models.ErrCommitNotInLog)
	}
	for _, commit := range newCommits {
		candidateCids = append(candidateCids, commit.Cid)
	}
	candidate, err := m.replay(ctx, current.Type, candidateCids)
	if err != nil {
		return nil, err
	}
	candidate.Id = base.Id()
	winner, err := m.conflictResolution.Resolve(current, candidate)
	if err != nil {
		return nil, err
	}
	if winner != candidate {
		return nil, fmt.Errorf("commit %s rejected by conflict resolution: %w", commitId.Cid, models.ErrCommitNotInLog)
	}
	return candidate, nil
}

// AtTime locates the latest anchor commit with timestamp at or before
// atTime and replays up to it.
func (m *StateManager) AtTime(ctx context.Context, base *RunningState, atTime time.Time) (*models.StreamState, error) {
	current := base.State()
	anchorIdx := -1
	for idx, entry := range current.Log {
		if entry.Type == models.CommitType_Anchor && entry.Timestamp != nil && !entry.Timestamp.After(atTime) {
			anchorIdx = idx
		}
	}
	if anchorIdx < 0 {
		return nil, fmt.Errorf("no anchor commit at or before %s: %w", atTime.Format(time.RFC3339), models.ErrCommitNotInLog)
	}
	cids := make([]string, 0, anchorIdx+1)
	for i := 0; i <= anchorIdx; i++ {
		cids = append(cids, current.Log[i].Cid)
	}
	snapshot, err := m.replay(ctx, current.Type, cids)
	if err != nil {
		return nil, err
	}
	snapshot.Id = base.Id()
	return snapshot, nil
}

// RequestAnchor persists an anchor request record and subscribes the running
// state to the anchor service's status updates.
func (m *StateManager) RequestAnchor(ctx context.Context, state *RunningState) error {
	record := &models.AnchorRequestRecord{
		Id:        models.NewRequestId(),
		StreamId:  state.Id(),
		Cid:       state.Tip(),
		CreatedAt: time.Now(),
	}
	if err := m.anchorRequestStore.Save(ctx, state.Id(), record); err != nil {
		return err
	}
	updates, err := m.anchorService.RequestAnchor(ctx, record)
	if err != nil {
		return err
	}
	m.metricService.Count(ctx, models.MetricName_AnchorRequested, 1)
	m.emitAnchorStatus(state, models.AnchorStatus_Pending)
	m.processAnchorUpdates(state, updates)
	return nil
}

// ConfirmAnchorResponse reattaches a previously persisted anchor request to
// a freshly loaded running state.
func (m *StateManager) ConfirmAnchorResponse(ctx context.Context, state *RunningState, commitCid string) error {
	updates, err := m.anchorService.Confirm(ctx, state.Id(), commitCid)
	if err != nil {
		return err
	}
	m.emitAnchorStatus(state, models.AnchorStatus_Pending)
	m.processAnchorUpdates(state, updates)
	return nil
}

// processAnchorUpdates consumes anchor status updates and routes each one
// through the executionQ so the running state is only mutated while the
// stream's slot is held.
func (m *StateManager) processAnchorUpdates(state *RunningState, updates <-chan models.AnchorStatusUpdate) {
	streamLogger := loggers.ForStream(m.logger, state.Id())
	go func() {
		for update := range updates {
			update := update
			m.executionQ.Run(context.Background(), state.Id(), func(taskCtx context.Context) (*RunningState, error) {
				switch update.Status {
				case models.AnchorStatus_Pending, models.AnchorStatus_Processing:
					m.emitAnchorStatus(state, update.Status)
				case models.AnchorStatus_Anchored:
					if update.AnchorCommit != nil {
						if err := m.applyToRunning(taskCtx, state, update.AnchorCommit); err != nil {
							streamLogger.Errorf("manager: failed to apply anchor commit %s: %v", update.AnchorCommit.Cid, err)
							return state, nil
						}
					} else {
						m.emitAnchorStatus(state, models.AnchorStatus_Anchored)
					}
					m.metricService.Count(taskCtx, models.MetricName_AnchorConfirmed, 1)
					if err := m.anchorRequestStore.Delete(taskCtx, state.Id()); err != nil {
						streamLogger.Warnf("manager: failed to delete anchor request: %v", err)
					}
				case models.AnchorStatus_Failed:
					m.emitAnchorStatus(state, models.AnchorStatus_Failed)
					if err := m.anchorRequestStore.Delete(taskCtx, state.Id()); err != nil {
						streamLogger.Warnf("manager: failed to delete anchor request: %v", err)
					}
				}
				return state, nil
			})
		}
	}()
}

func (m *StateManager) emitAnchorStatus(state *RunningState, status models.AnchorStatus) {
	next := state.State().Clone()
	next.AnchorStatus = status
	state.Next(next)
}

// PublishTip asks the dispatcher to gossip the stream's current tip.
func (m *StateManager) PublishTip(ctx context.Context, state *RunningState) {
	if err := m.dispatcher.PublishTip(ctx, state.Id(), state.Tip()); err != nil {
		m.metricService.Count(ctx, models.MetricName_DispatcherPublishError, 1)
		m.logger.Warnf("manager: failed to publish tip for stream %s: %v", state.Id(), err)
		return
	}
	m.metricService.Count(ctx, models.MetricName_TipPublished, 1)
}

func (m *StateManager) MarkPinnedAndSynced(streamId string) {
	m.syncedMu.Lock()
	defer m.syncedMu.Unlock()
	m.syncedPinned[streamId] = struct{}{}
}

func (m *StateManager) MarkUnpinned(streamId string) {
	m.syncedMu.Lock()
	defer m.syncedMu.Unlock()
	delete(m.syncedPinned, streamId)
}

func (m *StateManager) WasPinnedStreamSynced(streamId string) bool {
	m.syncedMu.Lock()
	defer m.syncedMu.Unlock()
	_, found := m.syncedPinned[streamId]
	return found
}
