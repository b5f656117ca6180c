package store

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/ceramicnetwork/go-ceramic-repo/common"
	"github.com/ceramicnetwork/go-ceramic-repo/models"
)

// DynamoStateStore keeps stream states in DynamoDB for nodes that persist
// state in AWS instead of on local disk.
type DynamoStateStore struct {
	client     *dynamodb.Client
	stateTable string
}

type dynamoStateItem struct {
	Id        string    `dynamodbav:"id"`
	State     []byte    `dynamodbav:"state"`
	UpdatedAt time.Time `dynamodbav:"ts,unixtime"`
}

func NewDynamoStateStore(ctx context.Context, client *dynamodb.Client) *DynamoStateStore {
	env := os.Getenv("ENV")
	return &DynamoStateStore{
		client:     client,
		stateTable: "ceramic-repo-" + env + "-state",
	}
}

func (s *DynamoStateStore) Load(ctx context.Context, streamId string) (*models.StreamState, error) {
	httpCtx, cancel := context.WithTimeout(ctx, common.DefaultRpcWaitTime)
	defer cancel()

	getItemIn := dynamodb.GetItemInput{
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: streamId},
		},
		TableName: aws.String(s.stateTable),
	}
	getItemOut, err := s.client.GetItem(httpCtx, &getItemIn)
	if err != nil {
		return nil, err
	}
	if getItemOut.Item == nil {
		return nil, nil
	}
	item := dynamoStateItem{}
	if err = attributevalue.UnmarshalMapWithOptions(getItemOut.Item, &item); err != nil {
		return nil, err
	}
	return decodeStateItem(&item)
}

func encodeStateItem(state *models.StreamState, updatedAt time.Time) (*dynamoStateItem, error) {
	encoded, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	return &dynamoStateItem{Id: state.Id, State: encoded, UpdatedAt: updatedAt}, nil
}

func decodeStateItem(item *dynamoStateItem) (*models.StreamState, error) {
	state := new(models.StreamState)
	if err := json.Unmarshal(item.State, state); err != nil {
		return nil, err
	}
	state.Id = item.Id
	return state, nil
}

func (s *DynamoStateStore) Save(ctx context.Context, state *models.StreamState) error {
	item, err := encodeStateItem(state, time.Now())
	if err != nil {
		return err
	}
	if attributeValues, err := attributevalue.MarshalMapWithOptions(item); err != nil {
		return err
	} else {
		httpCtx, cancel := context.WithTimeout(ctx, common.DefaultRpcWaitTime)
		defer cancel()

		_, err = s.client.PutItem(httpCtx, &dynamodb.PutItemInput{
			TableName: aws.String(s.stateTable),
			Item:      attributeValues,
		})
		return err
	}
}

func (s *DynamoStateStore) Remove(ctx context.Context, streamId string) error {
	httpCtx, cancel := context.WithTimeout(ctx, common.DefaultRpcWaitTime)
	defer cancel()

	_, err := s.client.DeleteItem(httpCtx, &dynamodb.DeleteItemInput{
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: streamId},
		},
		TableName: aws.String(s.stateTable),
	})
	return err
}

func (s *DynamoStateStore) ListStoredStreamIds(ctx context.Context, cursor string, limit int) ([]string, string, error) {
	if limit <= 0 {
		limit = models.DefaultListLimit
	}
	scanIn := dynamodb.ScanInput{
		TableName:            aws.String(s.stateTable),
		Limit:                aws.Int32(int32(limit)),
		ProjectionExpression: aws.String("id"),
	}
	if cursor != "" {
		scanIn.ExclusiveStartKey = map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: cursor},
		}
	}
	httpCtx, cancel := context.WithTimeout(ctx, common.DefaultRpcWaitTime)
	defer cancel()

	scanOut, err := s.client.Scan(httpCtx, &scanIn)
	if err != nil {
		return nil, "", err
	}
	ids := make([]string, 0, len(scanOut.Items))
	for _, item := range scanOut.Items {
		partial := struct {
			Id string `dynamodbav:"id"`
		}{}
		if err = attributevalue.UnmarshalMapWithOptions(item, &partial); err != nil {
			return nil, "", err
		}
		ids = append(ids, partial.Id)
	}
	next := ""
	if scanOut.LastEvaluatedKey != nil && len(ids) > 0 {
		next = ids[len(ids)-1]
	}
	return ids, next, nil
}

func (s *DynamoStateStore) Close() error {
	return nil
}
