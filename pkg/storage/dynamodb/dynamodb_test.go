package dynamodb

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"github.com/streamcache/streamcache/internal/keys"
	"github.com/streamcache/streamcache/pkg/storage"
	"github.com/streamcache/streamcache/pkg/storage/test"
)

// fakeClient is an in-memory table that understands the expressions the store issues.
type fakeClient struct {
	mu     sync.Mutex
	items  map[string]map[string]types.AttributeValue
	tables map[string]bool
	ttl    map[string]string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		items:  map[string]map[string]types.AttributeValue{},
		tables: map[string]bool{},
		ttl:    map[string]string{},
	}
}

func keyOf(key map[string]types.AttributeValue) string {
	return key[attrFingerprint].(*types.AttributeValueMemberS).Value
}

func number(item map[string]types.AttributeValue, attr string) int64 {
	v, ok := item[attr].(*types.AttributeValueMemberN)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(v.Value, 10, 64)
	return n
}

// conditionHolds evaluates the two condition expressions the store uses.
func conditionHolds(expr *string, item map[string]types.AttributeValue, values map[string]types.AttributeValue) bool {
	if expr == nil {
		return true
	}

	now := number(values, ":now")
	live := item != nil && number(item, attrExpiresAtMillis) > now

	switch *expr {
	case condBeginInProgress:
		if item == nil || !live {
			return true
		}
		inProgress, _ := item[attrInProgress].(*types.AttributeValueMemberBOOL)
		return inProgress == nil || !inProgress.Value
	case condLive:
		return live
	default:
		panic("unexpected condition " + *expr)
	}
}

func conditionFailed() error {
	return &types.ConditionalCheckFailedException{Message: aws.String("condition failed")}
}

func (f *fakeClient) GetItem(_ context.Context, params *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return &dynamodb.GetItemOutput{Item: f.items[keyOf(params.Key)]}, nil
}

func (f *fakeClient) PutItem(_ context.Context, params *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	k := keyOf(params.Item)
	if !conditionHolds(params.ConditionExpression, f.items[k], params.ExpressionAttributeValues) {
		return nil, conditionFailed()
	}

	f.items[k] = params.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeClient) UpdateItem(_ context.Context, params *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	k := keyOf(params.Key)
	existing := f.items[k]
	if !conditionHolds(params.ConditionExpression, existing, params.ExpressionAttributeValues) {
		return nil, conditionFailed()
	}

	item := map[string]types.AttributeValue{attrFingerprint: params.Key[attrFingerprint]}
	for attr, v := range existing {
		item[attr] = v
	}

	set, remove, _ := strings.Cut(strings.TrimPrefix(*params.UpdateExpression, "SET "), " REMOVE ")
	for _, clause := range strings.Split(set, ", ") {
		name, value, _ := strings.Cut(clause, " = ")
		item[params.ExpressionAttributeNames[name]] = params.ExpressionAttributeValues[value]
	}
	if remove != "" {
		for _, name := range strings.Split(remove, ", ") {
			delete(item, params.ExpressionAttributeNames[name])
		}
	}

	f.items[k] = item
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeClient) DeleteItem(_ context.Context, params *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.items, keyOf(params.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeClient) CreateTable(_ context.Context, params *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name := aws.ToString(params.TableName)
	if f.tables[name] {
		return nil, &types.ResourceInUseException{Message: aws.String("table exists")}
	}
	f.tables[name] = true
	return &dynamodb.CreateTableOutput{}, nil
}

func (f *fakeClient) UpdateTimeToLive(_ context.Context, params *dynamodb.UpdateTimeToLiveInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateTimeToLiveOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.ttl[aws.ToString(params.TableName)] = aws.ToString(params.TimeToLiveSpecification.AttributeName)
	return &dynamodb.UpdateTimeToLiveOutput{}, nil
}

func newTestStore(t *testing.T, client Client) *CacheStore {
	cs, err := New(context.Background(), WithClient(client), WithTableName("test-cache"))
	require.NoError(t, err)
	t.Cleanup(cs.Close)
	return cs
}

func TestDynamoDBCacheStore(t *testing.T) {
	cs := newTestStore(t, newFakeClient())
	test.RunCacheStoreTests(t, cs)
}

func TestEnsureTable(t *testing.T) {
	client := newFakeClient()
	cs := newTestStore(t, client)

	require.NoError(t, cs.EnsureTable(context.Background()))
	require.True(t, client.tables["test-cache"])
	require.Equal(t, attrExpiresAt, client.ttl["test-cache"])

	// existing tables are left alone
	require.NoError(t, cs.EnsureTable(context.Background()))
}

func TestExpiryAttributes(t *testing.T) {
	client := newFakeClient()
	cs := newTestStore(t, client)

	now := time.UnixMilli(1_700_000_000_123)
	cs.now = func() time.Time { return now }

	fp := keys.Fingerprint(99)
	require.NoError(t, cs.BeginInProgress(context.Background(), fp, "instance-a", time.Minute))

	item := client.items[fp.String()]
	require.Equal(t, now.Add(time.Minute).Unix(), number(item, attrExpiresAt))
	require.Equal(t, now.Add(time.Minute).UnixMilli(), number(item, attrExpiresAtMillis))

	// past the expiry the item is absent even before the table TTL removes it
	cs.now = func() time.Time { return now.Add(2 * time.Minute) }
	_, err := cs.Get(context.Background(), fp)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDecodeItemRejectsMissingExpiry(t *testing.T) {
	_, err := decodeItem(keys.Fingerprint(1), map[string]types.AttributeValue{
		attrInProgress: &types.AttributeValueMemberBOOL{Value: true},
	})
	require.Error(t, err)
}
