package store

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"

	"github.com/ceramicnetwork/go-ceramic-repo/models"
)

func TestDynamoStateItemRoundtrip(t *testing.T) {
	original := storedState("dynamo-stream", "genesis", "c1", "c2")
	original.AnchorStatus = models.AnchorStatus_Anchored

	item, err := encodeStateItem(original, time.Now().Round(0))
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	// Through the same attributevalue marshaling the live store uses.
	attributeValues, err := attributevalue.MarshalMapWithOptions(item)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	stored := dynamoStateItem{}
	if err = attributevalue.UnmarshalMapWithOptions(attributeValues, &stored); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	decoded, err := decodeStateItem(&stored)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.Id != original.Id {
		t.Errorf("expected id %s, got %s", original.Id, decoded.Id)
	}
	if !reflect.DeepEqual(decoded.Log, original.Log) {
		t.Errorf("decoded log differs: %v vs %v", decoded.Log, original.Log)
	}
	if decoded.AnchorStatus != original.AnchorStatus {
		t.Errorf("anchor status lost in roundtrip")
	}
}

func TestPinStoreWithExternalStateStore(t *testing.T) {
	external := NewKVStateStore(NewMemKV())
	pins := NewPinsWithStateStore(external)
	pinKv := NewMemKV()
	if err := pins.Open(pinKv); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if pins.StateStore() != models.StateStore(external) {
		t.Fatalf("open must not replace an externally provided state store")
	}

	state := storedState("external-stream", "genesis")
	if err := pins.Add(context.Background(), state, false); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	// The state lands in the external backend, the pin flag in the KVStore.
	if stored, _ := external.Load(context.Background(), "external-stream"); stored == nil {
		t.Errorf("state should be persisted in the external state store")
	}
	if flag, _ := pinKv.Get(context.Background(), pinPrefix+"external-stream"); flag == nil {
		t.Errorf("pin flag should be persisted in the kv store")
	}
}
