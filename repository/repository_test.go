package repository

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/ceramicnetwork/go-ceramic-repo/models"
)

func TestCreateDefaultsToPinned(t *testing.T) {
	fixture := newTestFixture(10)
	streamId, _ := fixture.seedStream("create-default", nil)

	state, err := fixture.repo.ApplyCreateOpts(context.Background(), streamId, models.LoadOpts{}, models.WriteOpts{})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if !state.IsPinned() {
		t.Errorf("created stream should be pinned by default")
	}
	if !fixture.pinStore.IsPinned(streamId) {
		t.Errorf("created stream should be in the pin store")
	}
}

func TestUnpinnedCreateAllowed(t *testing.T) {
	fixture := newTestFixture(10)
	streamId, _ := fixture.seedStream("create-unpinned", nil)

	noPin := false
	state, err := fixture.repo.ApplyCreateOpts(context.Background(), streamId, models.LoadOpts{}, models.WriteOpts{Pin: &noPin})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if state.IsPinned() {
		t.Errorf("explicitly unpinned create should not be pinned")
	}
}

func TestNoPinChangeOnUpdate(t *testing.T) {
	fixture := newTestFixture(10)
	streamId, genesis := fixture.seedStream("no-pin-change", nil)

	if _, err := fixture.repo.ApplyCreateOpts(context.Background(), streamId, models.LoadOpts{}, models.WriteOpts{}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	noPin := false
	update := testSignedCommit("no-pin-change-c1", genesis.Cid, nil)
	state, err := fixture.repo.ApplyCommit(context.Background(), streamId, update, models.WriteOpts{Pin: &noPin})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if !state.IsPinned() {
		t.Errorf("update must not unpin a pinned stream")
	}
	if fixture.metrics.CountOf(models.MetricName_PinPolicyWarning) != 1 {
		t.Errorf("expected exactly one pin policy warning, got %d", fixture.metrics.CountOf(models.MetricName_PinPolicyWarning))
	}
}

func TestIndexedStreamAlwaysPinned(t *testing.T) {
	fixture := newTestFixture(10, "model-a")
	model := "model-a"
	streamId, _ := fixture.seedStream("indexed", &model)

	noPin := false
	state, err := fixture.repo.ApplyCreateOpts(context.Background(), streamId, models.LoadOpts{}, models.WriteOpts{Pin: &noPin})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if !state.IsPinned() {
		t.Errorf("indexed stream must be pinned regardless of pin option")
	}
	if len(fixture.indexApi.records) == 0 {
		t.Errorf("indexed stream should have been written to the index")
	}
}

func TestUnpin(t *testing.T) {
	fixture := newTestFixture(10, "model-a")
	model := "model-a"
	indexedId, _ := fixture.seedStream("unpin-indexed", &model)
	plainId, _ := fixture.seedStream("unpin-plain", nil)

	indexed, err := fixture.repo.ApplyCreateOpts(context.Background(), indexedId, models.LoadOpts{}, models.WriteOpts{})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	plain, err := fixture.repo.ApplyCreateOpts(context.Background(), plainId, models.LoadOpts{}, models.WriteOpts{})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err = fixture.repo.Unpin(context.Background(), indexed, models.UnpinOpts{}); !errors.Is(err, models.ErrCannotUnpinIndexed) {
		t.Errorf("expected ErrCannotUnpinIndexed, got %v", err)
	}
	if err = fixture.repo.Unpin(context.Background(), plain, models.UnpinOpts{PublishTip: true}); err != nil {
		t.Fatalf("unpin failed: %v", err)
	}
	if fixture.pinStore.IsPinned(plainId) {
		t.Errorf("stream should have been removed from the pin store")
	}
	if published := fixture.dispatcher.Published(); len(published) != 1 {
		t.Errorf("expected exactly one tip publish, got %d", len(published))
	}
}

func TestEvictionAndRehydration(t *testing.T) {
	fixture := newTestFixture(1)
	streamA, _ := fixture.seedStream("evict-a", nil)
	streamB, _ := fixture.seedStream("evict-b", nil)

	stateA, err := fixture.repo.ApplyCreateOpts(context.Background(), streamA, models.LoadOpts{}, models.WriteOpts{})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	originalLog := append([]models.LogEntry{}, stateA.State().Log...)

	// Creating B with cacheLimit=1 evicts A.
	if _, err = fixture.repo.ApplyCreateOpts(context.Background(), streamB, models.LoadOpts{}, models.WriteOpts{}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if !stateA.IsCompleted() {
		t.Errorf("evicted state should have been completed")
	}
	if _, found := fixture.repo.cache.Get(streamA); found {
		t.Errorf("stream A should have been evicted from the cache")
	}

	// Reload rehydrates from the pin store with an identical log.
	reloaded, err := fixture.repo.Load(context.Background(), streamA, models.LoadOpts{})
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if !reflect.DeepEqual(reloaded.State().Log, originalLog) {
		t.Errorf("rehydrated log differs: expected %v, got %v", originalLog, reloaded.State().Log)
	}
	if hits := fixture.metrics.CountOf(models.MetricName_CacheHitLocal); hits != 1 {
		t.Errorf("expected one local cache hit, got %d", hits)
	}
}

func TestEnduranceUnderCachePressure(t *testing.T) {
	fixture := newTestFixture(1)
	streamA, _ := fixture.seedStream("endure-a", nil)

	stateA, err := fixture.repo.ApplyCreateOpts(context.Background(), streamA, models.LoadOpts{}, models.WriteOpts{})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	updates, unsubscribe, err := fixture.repo.Updates(context.Background(), stateA.State())
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	<-updates // initial emission

	// Load several other streams, each forcing an eviction.
	for _, seed := range []string{"endure-b", "endure-c", "endure-d"} {
		streamId, _ := fixture.seedStream(seed, nil)
		if _, err = fixture.repo.ApplyCreateOpts(context.Background(), streamId, models.LoadOpts{}, models.WriteOpts{}); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}
	if stateA.IsCompleted() {
		t.Fatalf("subscribed stream must not be evicted under cache pressure")
	}
	if _, found := fixture.repo.cache.Get(streamA); !found {
		t.Fatalf("subscribed stream must stay cached")
	}

	// After the last observer lets go, the next insertion may evict it.
	unsubscribe()
	streamE, _ := fixture.seedStream("endure-e", nil)
	if _, err = fixture.repo.ApplyCreateOpts(context.Background(), streamE, models.LoadOpts{}, models.WriteOpts{}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if !stateA.IsCompleted() {
		t.Errorf("unsubscribed stream should have become evictable")
	}
}

func TestSequentialApplies(t *testing.T) {
	fixture := newTestFixture(10)
	streamId, genesis := fixture.seedStream("sequential", nil)

	state, err := fixture.repo.ApplyCreateOpts(context.Background(), streamId, models.LoadOpts{}, models.WriteOpts{})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	sub, cancel := state.Subscribe()
	defer cancel()
	initial := <-sub.Ch()
	if len(initial.Log) != 1 {
		t.Fatalf("expected genesis-only log, got %d entries", len(initial.Log))
	}

	commit1 := testSignedCommit("sequential-c1", genesis.Cid, nil)
	if _, err = fixture.repo.ApplyCommit(context.Background(), streamId, commit1, models.WriteOpts{}); err != nil {
		t.Fatalf("apply c1 failed: %v", err)
	}
	first := <-sub.Ch()
	if len(first.Log) != 2 {
		t.Errorf("expected log length 2 after c1, got %d", len(first.Log))
	}

	commit2 := testSignedCommit("sequential-c2", commit1.Cid, nil)
	if _, err = fixture.repo.ApplyCommit(context.Background(), streamId, commit2, models.WriteOpts{}); err != nil {
		t.Fatalf("apply c2 failed: %v", err)
	}
	second := <-sub.Ch()
	if len(second.Log) != 3 {
		t.Errorf("expected log length 3 after c2, got %d", len(second.Log))
	}
	if second.Tip() != commit2.Cid {
		t.Errorf("expected tip %s, got %s", commit2.Cid, second.Tip())
	}
}

func TestSyncAlwaysRetainsLocalTip(t *testing.T) {
	fixture := newTestFixture(10)
	streamId, genesis := fixture.seedStream("sync-always", nil)

	localCommit := testSignedCommit("sync-always-local", genesis.Cid, nil)
	netCommit := testSignedCommit("sync-always-net", genesis.Cid, nil)
	fixture.dispatcher.AddCommit(localCommit)
	fixture.dispatcher.AddCommit(netCommit)
	fixture.dispatcher.SetTip(streamId, netCommit.Cid)

	localState := &models.StreamState{
		Id:   streamId,
		Type: models.StreamType_Tile,
		Metadata: models.StreamMetadata{
			Controllers: []string{"did:key:controller"},
		},
		Log: []models.LogEntry{
			{Cid: genesis.Cid, Type: models.CommitType_Genesis},
			{Cid: localCommit.Cid, Type: models.CommitType_Signed},
		},
	}
	if err := fixture.stateStore.Save(context.Background(), localState); err != nil {
		t.Fatalf("failed to seed state store: %v", err)
	}

	state, err := fixture.repo.Load(context.Background(), streamId, models.LoadOpts{
		Sync:        models.SyncOption_SyncAlways,
		SyncTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	expectedTip := localCommit.Cid
	if netCommit.Cid < expectedTip {
		expectedTip = netCommit.Cid
	}
	if state.Tip() != expectedTip {
		t.Errorf("expected conflict resolution winner %s, got %s", expectedTip, state.Tip())
	}
	seen := fixture.conflicts.Seen()
	if len(seen) == 0 {
		t.Fatalf("conflict resolution should have been consulted")
	}
	sawBoth := false
	for _, pair := range seen {
		if (pair[0] == localCommit.Cid && pair[1] == netCommit.Cid) ||
			(pair[0] == netCommit.Cid && pair[1] == localCommit.Cid) {
			sawBoth = true
		}
	}
	if !sawBoth {
		t.Errorf("conflict resolution should have seen both tips, saw %v", seen)
	}
}

func TestAnchorRequestRehydration(t *testing.T) {
	fixture := newTestFixture(10)
	streamId, genesis := fixture.seedStream("rehydrate", nil)

	stored := &models.StreamState{
		Id:   streamId,
		Type: models.StreamType_Tile,
		Metadata: models.StreamMetadata{
			Controllers: []string{"did:key:controller"},
		},
		Log: []models.LogEntry{{Cid: genesis.Cid, Type: models.CommitType_Genesis}},
	}
	if err := fixture.stateStore.Save(context.Background(), stored); err != nil {
		t.Fatalf("failed to seed state store: %v", err)
	}
	record := &models.AnchorRequestRecord{
		Id:        models.NewRequestId(),
		StreamId:  streamId,
		Cid:       genesis.Cid,
		CreatedAt: time.Now(),
	}
	if err := fixture.requestStore.Save(context.Background(), streamId, record); err != nil {
		t.Fatalf("failed to seed anchor request store: %v", err)
	}

	state, err := fixture.repo.Load(context.Background(), streamId, models.LoadOpts{})
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	confirms := fixture.anchorService.Confirms()
	if len(confirms) != 1 || confirms[0] != [2]string{streamId, genesis.Cid} {
		t.Errorf("expected one confirm for %s/%s, got %v", streamId, genesis.Cid, confirms)
	}
	if state.State().AnchorStatus != models.AnchorStatus_Pending {
		t.Errorf("expected anchor status PENDING after rehydration, got %d", state.State().AnchorStatus)
	}
}

func TestCapabilityExpirationDeferral(t *testing.T) {
	fixture := newTestFixture(10)
	expired := time.Now().Add(-time.Hour)
	genesis := testGenesisCommit("cacao", []string{"did:key:controller"}, nil)
	genesis.Capability = &models.Capability{Expiration: &expired}
	fixture.dispatcher.AddCommit(genesis)
	streamId := mustStreamId(genesis.Cid)

	// The guarded check is deferred while loading.
	if _, err := fixture.repo.Load(context.Background(), streamId, models.LoadOpts{SkipCacaoExpirationChecks: true}); err != nil {
		t.Fatalf("deferred load should not raise: %v", err)
	}
	// An unguarded load of a state with an expired, uncovered capability
	// raises.
	if _, err := fixture.repo.Load(context.Background(), streamId, models.LoadOpts{}); !errors.Is(err, models.ErrCapabilityExpired) {
		t.Errorf("expected ErrCapabilityExpired, got %v", err)
	}
}

func TestInvalidSyncOption(t *testing.T) {
	fixture := newTestFixture(10)
	streamId, _ := fixture.seedStream("bad-sync", nil)

	if _, err := fixture.repo.Load(context.Background(), streamId, models.LoadOpts{Sync: models.SyncOption(42)}); !errors.Is(err, models.ErrInvalidSyncOption) {
		t.Errorf("expected ErrInvalidSyncOption, got %v", err)
	}
}

func TestStreamNotFound(t *testing.T) {
	fixture := newTestFixture(10)
	genesis := testGenesisCommit("missing", []string{"did:key:controller"}, nil)
	streamId := mustStreamId(genesis.Cid)

	if _, err := fixture.repo.Load(context.Background(), streamId, models.LoadOpts{}); !errors.Is(err, models.ErrStreamNotFound) {
		t.Errorf("expected ErrStreamNotFound, got %v", err)
	}
}

func TestPinStoreContractViolation(t *testing.T) {
	fixture := newTestFixture(10)
	fixture.stateStore.listOverride = []string{"stream-a", "stream-b"}

	if _, err := fixture.repo.RandomPinnedStreamState(context.Background()); !errors.Is(err, models.ErrPinStoreContractViolation) {
		t.Errorf("expected ErrPinStoreContractViolation, got %v", err)
	}
}

func TestIdempotentClose(t *testing.T) {
	fixture := newTestFixture(10)
	streamId, _ := fixture.seedStream("close", nil)

	if _, err := fixture.repo.ApplyCreateOpts(context.Background(), streamId, models.LoadOpts{}, models.WriteOpts{}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := fixture.repo.Close(context.Background()); err != nil {
		t.Fatalf("first close failed: %v", err)
	}
	if err := fixture.repo.Close(context.Background()); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
	if fixture.pinStore.numCloses != 1 {
		t.Errorf("pin store should have been closed exactly once, got %d", fixture.pinStore.numCloses)
	}
	if fixture.indexApi.numCloses != 1 {
		t.Errorf("index api should have been closed exactly once, got %d", fixture.indexApi.numCloses)
	}
	if _, err := fixture.repo.Load(context.Background(), streamId, models.LoadOpts{}); !errors.Is(err, models.ErrQueueClosed) {
		t.Errorf("expected ErrQueueClosed after close, got %v", err)
	}
}

func TestLoadAtCommit(t *testing.T) {
	fixture := newTestFixture(10)
	streamId, genesis := fixture.seedStream("at-commit", nil)

	commit1 := testSignedCommit("at-commit-c1", genesis.Cid, nil)
	fixture.dispatcher.AddCommit(commit1)
	if _, err := fixture.repo.ApplyCreateOpts(context.Background(), streamId, models.LoadOpts{}, models.WriteOpts{}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := fixture.repo.ApplyCommit(context.Background(), streamId, commit1, models.WriteOpts{}); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	commitId := mustCommitId(genesis.Cid, genesis.Cid)
	snapshot, err := fixture.repo.LoadAtCommit(context.Background(), commitId, models.LoadOpts{})
	if err != nil {
		t.Fatalf("loadAtCommit failed: %v", err)
	}
	if len(snapshot.Log) != 1 || snapshot.Tip() != genesis.Cid {
		t.Errorf("snapshot should stop at genesis, got log %v", snapshot.Log)
	}

	unknown := testSignedCommit("at-commit-unknown", testCid("someone-else"), nil)
	fixture.dispatcher.AddCommit(unknown)
	badCommitId := mustCommitId(genesis.Cid, unknown.Cid)
	if _, err = fixture.repo.LoadAtCommit(context.Background(), badCommitId, models.LoadOpts{}); !errors.Is(err, models.ErrCommitNotInLog) {
		t.Errorf("expected ErrCommitNotInLog, got %v", err)
	}
}
