package ceramic

import (
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/ceramicnetwork/go-ceramic-repo/models"
)

func makeCid(t *testing.T, seed string) string {
	t.Helper()
	hash, err := multihash.Sum([]byte(seed), multihash.SHA2_256, -1)
	if err != nil {
		t.Fatalf("failed to hash seed: %v", err)
	}
	return cid.NewCidV1(cid.Raw, hash).String()
}

func TestStreamIdRoundtrip(t *testing.T) {
	genesisCid := makeCid(t, "genesis")
	streamId, err := StreamId(models.StreamType_Tile, genesisCid)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if streamId[0] != 'k' {
		t.Errorf("base36 stream id should start with k, got %s", streamId)
	}
	streamType, parsedGenesis, err := ParseStreamId(streamId)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if streamType != models.StreamType_Tile {
		t.Errorf("expected tile type, got %d", streamType)
	}
	if parsedGenesis != genesisCid {
		t.Errorf("expected genesis %s, got %s", genesisCid, parsedGenesis)
	}
}

func TestCommitIdRoundtrip(t *testing.T) {
	genesisCid := makeCid(t, "genesis")
	commitCid := makeCid(t, "commit")
	commitId, err := CommitId(models.StreamType_Tile, genesisCid, commitCid)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	parsed, streamType, err := ParseCommitId(commitId)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if streamType != models.StreamType_Tile {
		t.Errorf("expected tile type, got %d", streamType)
	}
	if parsed.Cid != commitCid {
		t.Errorf("expected commit %s, got %s", commitCid, parsed.Cid)
	}
	expectedStreamId, _ := StreamId(models.StreamType_Tile, genesisCid)
	if parsed.StreamId != expectedStreamId {
		t.Errorf("expected stream %s, got %s", expectedStreamId, parsed.StreamId)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, _, err := ParseStreamId("not-a-stream-id"); err == nil {
		t.Errorf("expected parse failure")
	}
	if _, _, err := ParseStreamId(""); err == nil {
		t.Errorf("expected parse failure for empty id")
	}
}
