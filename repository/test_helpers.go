package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/ceramicnetwork/go-ceramic-repo/ceramic"
	"github.com/ceramicnetwork/go-ceramic-repo/common/loggers"
	"github.com/ceramicnetwork/go-ceramic-repo/models"
)

type FakeDispatcher struct {
	mu        sync.Mutex
	commits   map[string]*models.Commit
	tips      map[string]string
	published []string
}

func NewFakeDispatcher() *FakeDispatcher {
	return &FakeDispatcher{
		commits: make(map[string]*models.Commit),
		tips:    make(map[string]string),
	}
}

func (f *FakeDispatcher) AddCommit(commit *models.Commit) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits[commit.Cid] = commit
}

func (f *FakeDispatcher) SetTip(streamId, tip string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tips[streamId] = tip
}

func (f *FakeDispatcher) FetchCommit(ctx context.Context, commitCid string) (*models.Commit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commits[commitCid], nil
}

func (f *FakeDispatcher) FetchTip(ctx context.Context, streamId string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tips[streamId], nil
}

func (f *FakeDispatcher) PublishTip(ctx context.Context, streamId string, tip string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, streamId+":"+tip)
	return nil
}

func (f *FakeDispatcher) Published() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.published...)
}

type FakeAnchorService struct {
	mu       sync.Mutex
	requests []*models.AnchorRequestRecord
	confirms [][2]string
	channels []chan models.AnchorStatusUpdate
}

func NewFakeAnchorService() *FakeAnchorService {
	return &FakeAnchorService{}
}

func (f *FakeAnchorService) RequestAnchor(ctx context.Context, record *models.AnchorRequestRecord) (<-chan models.AnchorStatusUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, record)
	ch := make(chan models.AnchorStatusUpdate, 8)
	f.channels = append(f.channels, ch)
	return ch, nil
}

func (f *FakeAnchorService) Confirm(ctx context.Context, streamId string, commitCid string) (<-chan models.AnchorStatusUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirms = append(f.confirms, [2]string{streamId, commitCid})
	ch := make(chan models.AnchorStatusUpdate, 8)
	f.channels = append(f.channels, ch)
	return ch, nil
}

func (f *FakeAnchorService) SupportedChains() []string {
	return []string{"test:chain"}
}

func (f *FakeAnchorService) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.channels {
		close(ch)
	}
	f.channels = nil
}

func (f *FakeAnchorService) Confirms() [][2]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][2]string{}, f.confirms...)
}

func (f *FakeAnchorService) Requests() []*models.AnchorRequestRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.AnchorRequestRecord{}, f.requests...)
}

type FakeStateStore struct {
	mu           sync.Mutex
	states       map[string]*models.StreamState
	listOverride []string
}

func NewFakeStateStore() *FakeStateStore {
	return &FakeStateStore{states: make(map[string]*models.StreamState)}
}

func (f *FakeStateStore) Load(ctx context.Context, streamId string) (*models.StreamState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, found := f.states[streamId]
	if !found {
		return nil, nil
	}
	dup := state.Clone()
	dup.Id = streamId
	return dup, nil
}

func (f *FakeStateStore) Save(ctx context.Context, state *models.StreamState) error {
	if state.Id == "" {
		return fmt.Errorf("state without id")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[state.Id] = state.Clone()
	return nil
}

func (f *FakeStateStore) Remove(ctx context.Context, streamId string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.states, streamId)
	return nil
}

func (f *FakeStateStore) ListStoredStreamIds(ctx context.Context, cursor string, limit int) ([]string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listOverride != nil {
		return f.listOverride, "", nil
	}
	ids := make([]string, 0, len(f.states))
	for id := range f.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, "", nil
}

func (f *FakeStateStore) Close() error {
	return nil
}

type FakePinStore struct {
	mu         sync.Mutex
	stateStore *FakeStateStore
	pinned     map[string]bool
	numCloses  int
}

func NewFakePinStore(stateStore *FakeStateStore) *FakePinStore {
	return &FakePinStore{stateStore: stateStore, pinned: make(map[string]bool)}
}

func (f *FakePinStore) Open(kv models.KVStore) error {
	return nil
}

func (f *FakePinStore) Add(ctx context.Context, state *models.StreamState, force bool) error {
	f.mu.Lock()
	f.pinned[state.Id] = true
	f.mu.Unlock()
	return f.stateStore.Save(ctx, state)
}

func (f *FakePinStore) Rm(ctx context.Context, state *models.StreamState) error {
	f.mu.Lock()
	delete(f.pinned, state.Id)
	f.mu.Unlock()
	return f.stateStore.Remove(ctx, state.Id)
}

func (f *FakePinStore) Ls(ctx context.Context, streamId *string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if streamId != nil {
		if f.pinned[*streamId] {
			return []string{*streamId}, nil
		}
		return []string{}, nil
	}
	ids := make([]string, 0, len(f.pinned))
	for id := range f.pinned {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *FakePinStore) StateStore() models.StateStore {
	return f.stateStore
}

func (f *FakePinStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.numCloses++
	return nil
}

func (f *FakePinStore) IsPinned(streamId string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pinned[streamId]
}

type FakeAnchorRequestStore struct {
	mu      sync.Mutex
	records map[string]*models.AnchorRequestRecord
}

func NewFakeAnchorRequestStore() *FakeAnchorRequestStore {
	return &FakeAnchorRequestStore{records: make(map[string]*models.AnchorRequestRecord)}
}

func (f *FakeAnchorRequestStore) Open(kv models.KVStore) error {
	return nil
}

func (f *FakeAnchorRequestStore) Load(ctx context.Context, streamId string) (*models.AnchorRequestRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[streamId], nil
}

func (f *FakeAnchorRequestStore) Save(ctx context.Context, streamId string, record *models.AnchorRequestRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[streamId] = record
	return nil
}

func (f *FakeAnchorRequestStore) Delete(ctx context.Context, streamId string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, streamId)
	return nil
}

func (f *FakeAnchorRequestStore) Iterate(ctx context.Context, fn func(streamId string, record *models.AnchorRequestRecord) bool) error {
	f.mu.Lock()
	records := make(map[string]*models.AnchorRequestRecord, len(f.records))
	for id, record := range f.records {
		records[id] = record
	}
	f.mu.Unlock()
	for id, record := range records {
		if !fn(id, record) {
			return nil
		}
	}
	return nil
}

type FakeIndexApi struct {
	mu        sync.Mutex
	models    map[string]bool
	records   []*models.StreamIndexRecord
	numCloses int
}

func NewFakeIndexApi(indexedModels ...string) *FakeIndexApi {
	indexed := make(map[string]bool, len(indexedModels))
	for _, model := range indexedModels {
		indexed[model] = true
	}
	return &FakeIndexApi{models: indexed}
}

func (f *FakeIndexApi) Init(ctx context.Context) error {
	return nil
}

func (f *FakeIndexApi) ShouldIndexStream(model string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.models[model]
}

func (f *FakeIndexApi) IndexStream(ctx context.Context, record *models.StreamIndexRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, record)
	return nil
}

func (f *FakeIndexApi) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.numCloses++
	return nil
}

type CountingMetricService struct {
	mu     sync.Mutex
	counts map[models.MetricName]int
}

func NewCountingMetricService() *CountingMetricService {
	return &CountingMetricService{counts: make(map[models.MetricName]int)}
}

func (f *CountingMetricService) Count(ctx context.Context, name models.MetricName, val int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[name] += val
	return nil
}

func (f *CountingMetricService) Gauge(ctx context.Context, name models.MetricName, monitor models.ResourceMonitor) error {
	return nil
}

func (f *CountingMetricService) Distribution(ctx context.Context, name models.MetricName, val int) error {
	return nil
}

func (f *CountingMetricService) Shutdown(ctx context.Context) {
}

func (f *CountingMetricService) CountOf(name models.MetricName) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[name]
}

// SpyConflictResolution wraps the real arbiter and records the tips it was
// asked to arbitrate.
type SpyConflictResolution struct {
	mu    sync.Mutex
	inner models.ConflictResolution
	seen  [][2]string
}

func NewSpyConflictResolution(inner models.ConflictResolution) *SpyConflictResolution {
	return &SpyConflictResolution{inner: inner}
}

func (s *SpyConflictResolution) Resolve(current *models.StreamState, candidate *models.StreamState) (*models.StreamState, error) {
	s.mu.Lock()
	s.seen = append(s.seen, [2]string{current.Tip(), candidate.Tip()})
	s.mu.Unlock()
	return s.inner.Resolve(current, candidate)
}

func (s *SpyConflictResolution) Seen() [][2]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][2]string{}, s.seen...)
}

type testFixture struct {
	repo          *Repository
	dispatcher    *FakeDispatcher
	anchorService *FakeAnchorService
	stateStore    *FakeStateStore
	pinStore      *FakePinStore
	requestStore  *FakeAnchorRequestStore
	indexApi      *FakeIndexApi
	metrics       *CountingMetricService
	conflicts     *SpyConflictResolution
}

func newTestFixture(cacheLimit int, indexedModels ...string) *testFixture {
	stateStore := NewFakeStateStore()
	fixture := &testFixture{
		dispatcher:    NewFakeDispatcher(),
		anchorService: NewFakeAnchorService(),
		stateStore:    stateStore,
		pinStore:      NewFakePinStore(stateStore),
		requestStore:  NewFakeAnchorRequestStore(),
		indexApi:      NewFakeIndexApi(indexedModels...),
		metrics:       NewCountingMetricService(),
		conflicts:     NewSpyConflictResolution(ceramic.NewArbiter()),
	}
	repo, err := NewRepository(RepositoryOpts{
		Logger:        loggers.NewTestLogger(),
		MetricService: fixture.metrics,
		CacheLimit:    cacheLimit,
	})
	if err != nil {
		panic(err)
	}
	repo.SetDeps(RepositoryDeps{
		Dispatcher:         fixture.dispatcher,
		Handlers:           ceramic.NewRegistry(ceramic.NewTileHandler()),
		ConflictResolution: fixture.conflicts,
		AnchorService:      fixture.anchorService,
		AnchorRequestStore: fixture.requestStore,
		PinStore:           fixture.pinStore,
		IndexApi:           fixture.indexApi,
	})
	fixture.repo = repo
	return fixture
}

func testCid(seed string) string {
	hash, err := multihash.Sum([]byte(seed), multihash.SHA2_256, -1)
	if err != nil {
		panic(err)
	}
	return cid.NewCidV1(cid.Raw, hash).String()
}

func testGenesisCommit(seed string, controllers []string, model *string) *models.Commit {
	header, err := json.Marshal(struct {
		Controllers []string `json:"controllers"`
		Model       *string  `json:"model,omitempty"`
	}{controllers, model})
	if err != nil {
		panic(err)
	}
	return &models.Commit{
		Cid:      testCid(seed),
		Type:     models.CommitType_Genesis,
		Payload:  json.RawMessage(`{"seed":"` + seed + `"}`),
		Envelope: header,
	}
}

func testSignedCommit(seed, prev string, capability *models.Capability) *models.Commit {
	return &models.Commit{
		Cid:        testCid(seed),
		Type:       models.CommitType_Signed,
		Payload:    json.RawMessage(`{"seed":"` + seed + `"}`),
		Prev:       &prev,
		Capability: capability,
	}
}

// seedStream registers a genesis commit with the fake dispatcher and returns
// the stream ID it resolves to.
func (f *testFixture) seedStream(seed string, model *string) (string, *models.Commit) {
	genesis := testGenesisCommit(seed, []string{"did:key:controller"}, model)
	f.dispatcher.AddCommit(genesis)
	streamId, err := ceramic.StreamId(models.StreamType_Tile, genesis.Cid)
	if err != nil {
		panic(err)
	}
	return streamId, genesis
}

func mustStreamId(genesisCid string) string {
	streamId, err := ceramic.StreamId(models.StreamType_Tile, genesisCid)
	if err != nil {
		panic(err)
	}
	return streamId
}

func mustCommitId(genesisCid, commitCid string) string {
	commitId, err := ceramic.CommitId(models.StreamType_Tile, genesisCid, commitCid)
	if err != nil {
		panic(err)
	}
	return commitId
}
