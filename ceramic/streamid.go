package ceramic

import (
	"bytes"
	"fmt"

	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-varint"

	"github.com/ipfs/go-cid"

	"github.com/ceramicnetwork/go-ceramic-repo/models"
)

// Multicodec for Ceramic stream IDs
const streamIdCodec = 206

// StreamId derives the stream identifier from the genesis commit CID and the
// stream type tag: multibase(base36, varint(0xce) || varint(type) || cid).
func StreamId(streamType models.StreamType, genesisCid string) (string, error) {
	genesis, err := cid.Parse(genesisCid)
	if err != nil {
		return "", fmt.Errorf("streamid: invalid genesis cid %s: %w", genesisCid, err)
	}
	buf := bytes.Buffer{}
	buf.Write(varint.ToUvarint(streamIdCodec))
	buf.Write(varint.ToUvarint(uint64(streamType)))
	buf.Write(genesis.Bytes())
	return multibase.Encode(multibase.Base36, buf.Bytes())
}

// CommitId addresses one commit within a stream's log.
func CommitId(streamType models.StreamType, genesisCid, commitCid string) (string, error) {
	genesis, err := cid.Parse(genesisCid)
	if err != nil {
		return "", fmt.Errorf("commitid: invalid genesis cid %s: %w", genesisCid, err)
	}
	commit, err := cid.Parse(commitCid)
	if err != nil {
		return "", fmt.Errorf("commitid: invalid commit cid %s: %w", commitCid, err)
	}
	buf := bytes.Buffer{}
	buf.Write(varint.ToUvarint(streamIdCodec))
	buf.Write(varint.ToUvarint(uint64(streamType)))
	buf.Write(genesis.Bytes())
	buf.Write(commit.Bytes())
	return multibase.Encode(multibase.Base36, buf.Bytes())
}

// StreamIdFromState is a convenience over StreamId for a materialized state.
func StreamIdFromState(state *models.StreamState) (string, error) {
	if len(state.Log) == 0 {
		return "", fmt.Errorf("streamid: state has an empty log")
	}
	return StreamId(state.Type, state.Log[0].Cid)
}

// ParseStreamId decodes a stream ID into its type tag and genesis CID.
func ParseStreamId(streamId string) (models.StreamType, string, error) {
	_, data, err := multibase.Decode(streamId)
	if err != nil {
		return 0, "", fmt.Errorf("streamid: undecodable id %s: %w", streamId, err)
	}
	codec, n, err := varint.FromUvarint(data)
	if err != nil || codec != streamIdCodec {
		return 0, "", fmt.Errorf("streamid: %s is not a stream id", streamId)
	}
	data = data[n:]
	streamType, n, err := varint.FromUvarint(data)
	if err != nil {
		return 0, "", fmt.Errorf("streamid: missing type tag in %s", streamId)
	}
	data = data[n:]
	_, genesis, err := cid.CidFromBytes(data)
	if err != nil {
		return 0, "", fmt.Errorf("streamid: invalid genesis cid in %s: %w", streamId, err)
	}
	return models.StreamType(streamType), genesis.String(), nil
}

// ParseCommitId decodes a commit ID into the stream it belongs to and the
// addressed commit CID.
func ParseCommitId(commitId string) (models.CommitId, models.StreamType, error) {
	_, data, err := multibase.Decode(commitId)
	if err != nil {
		return models.CommitId{}, 0, fmt.Errorf("commitid: undecodable id %s: %w", commitId, err)
	}
	codec, n, err := varint.FromUvarint(data)
	if err != nil || codec != streamIdCodec {
		return models.CommitId{}, 0, fmt.Errorf("commitid: %s is not a stream id", commitId)
	}
	data = data[n:]
	streamType, n, err := varint.FromUvarint(data)
	if err != nil {
		return models.CommitId{}, 0, fmt.Errorf("commitid: missing type tag in %s", commitId)
	}
	data = data[n:]
	consumed, genesis, err := cid.CidFromBytes(data)
	if err != nil {
		return models.CommitId{}, 0, fmt.Errorf("commitid: invalid genesis cid in %s: %w", commitId, err)
	}
	data = data[consumed:]
	commit := genesis
	if len(data) > 0 {
		if _, commit, err = cid.CidFromBytes(data); err != nil {
			return models.CommitId{}, 0, fmt.Errorf("commitid: invalid commit cid in %s: %w", commitId, err)
		}
	}
	streamId, err := StreamId(models.StreamType(streamType), genesis.String())
	if err != nil {
		return models.CommitId{}, 0, err
	}
	return models.CommitId{StreamId: streamId, Cid: commit.String()}, models.StreamType(streamType), nil
}
