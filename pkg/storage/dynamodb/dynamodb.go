// Package dynamodb provides a [storage.CacheStore] on a DynamoDB table. The in-progress claim
// is a conditional PutItem and expired items are removed by the table's TTL.
//
// Table schema:
//   - Partition key: fingerprint (string)
//   - TTL attribute: expires_at (number, unix seconds)
//
// EnsureTable creates it with:
//
//	aws dynamodb create-table \
//	  --table-name streamcache-cache \
//	  --attribute-definitions AttributeName=fingerprint,AttributeType=S \
//	  --key-schema AttributeName=fingerprint,KeyType=HASH \
//	  --billing-mode PAY_PER_REQUEST
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/streamcache/streamcache/internal/keys"
	"github.com/streamcache/streamcache/pkg/storage"
)

var tracer = otel.Tracer("streamcache/pkg/storage/dynamodb")

const (
	DefaultTableName = "streamcache-cache"

	attrFingerprint = "fingerprint"
	attrInProgress  = "in_progress"
	attrFailed      = "failed"
	attrResult      = "result"
	attrOwner       = "owner"
	// attrExpiresAt is the table TTL attribute, in seconds as DynamoDB requires.
	attrExpiresAt = "expires_at"
	// attrExpiresAtMillis is what reads compare against, since TTL deletion lags.
	attrExpiresAtMillis = "expires_at_ms"

	condBeginInProgress = "attribute_not_exists(fingerprint) OR in_progress = :false OR expires_at_ms <= :now"
	condLive            = "attribute_exists(fingerprint) AND expires_at_ms > :now"
)

// Client is the subset of the DynamoDB API the store uses.
type Client interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	UpdateTimeToLive(ctx context.Context, params *dynamodb.UpdateTimeToLiveInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateTimeToLiveOutput, error)
}

type Option func(*CacheStore)

// WithTableName overrides DefaultTableName.
func WithTableName(name string) Option {
	return func(s *CacheStore) {
		s.tableName = name
	}
}

// WithClient uses an existing client instead of loading the default AWS configuration.
func WithClient(client Client) Option {
	return func(s *CacheStore) {
		s.client = client
	}
}

// WithRegion sets the AWS region used when loading the default configuration.
func WithRegion(region string) Option {
	return func(s *CacheStore) {
		s.region = region
	}
}

// WithEndpoint points the client at a non-AWS endpoint such as DynamoDB Local.
func WithEndpoint(endpoint string) Option {
	return func(s *CacheStore) {
		s.endpoint = endpoint
	}
}

// CacheStore stores one item per fingerprint.
type CacheStore struct {
	client    Client
	tableName string
	region    string
	endpoint  string
	now       func() time.Time
}

var _ storage.CacheStore = (*CacheStore)(nil)

// New creates a DynamoDB cache store. Unless WithClient is given, the client is built from the
// default AWS credential chain.
func New(ctx context.Context, opts ...Option) (*CacheStore, error) {
	s := &CacheStore{
		tableName: DefaultTableName,
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.client != nil {
		return s, nil
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if s.region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(s.region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	s.client = dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if s.endpoint != "" {
			o.BaseEndpoint = aws.String(s.endpoint)
		}
	})

	return s, nil
}

// EnsureTable creates the table and enables its TTL attribute. An existing table is left as is.
func (s *CacheStore) EnsureTable(ctx context.Context) error {
	_, err := s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.tableName),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(attrFingerprint), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(attrFingerprint), KeyType: types.KeyTypeHash},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		var inUse *types.ResourceInUseException
		if errors.As(err, &inUse) {
			return nil
		}
		return fmt.Errorf("create table %s: %w", s.tableName, err)
	}

	_, err = s.client.UpdateTimeToLive(ctx, &dynamodb.UpdateTimeToLiveInput{
		TableName: aws.String(s.tableName),
		TimeToLiveSpecification: &types.TimeToLiveSpecification{
			AttributeName: aws.String(attrExpiresAt),
			Enabled:       aws.Bool(true),
		},
	})
	if err != nil {
		return fmt.Errorf("enable ttl on %s: %w", s.tableName, err)
	}

	return nil
}

func (s *CacheStore) startTrace(ctx context.Context, op string, fp keys.Fingerprint) (context.Context, trace.Span) {
	return tracer.Start(ctx, "dynamodb."+op, trace.WithAttributes(attribute.String("fingerprint", fp.String())))
}

func (s *CacheStore) itemKey(fp keys.Fingerprint) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrFingerprint: &types.AttributeValueMemberS{Value: fp.String()},
	}
}

func expiryAttributes(expiresAt time.Time) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrExpiresAt:       numberAttr(expiresAt.Unix()),
		attrExpiresAtMillis: numberAttr(expiresAt.UnixMilli()),
	}
}

func numberAttr(n int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func isConditionFailed(err error) bool {
	var condErr *types.ConditionalCheckFailedException
	return errors.As(err, &condErr)
}

// updateInput builds an UpdateItem call that sets every attribute of set and removes remove.
func (s *CacheStore) updateInput(fp keys.Fingerprint, set map[string]types.AttributeValue, remove ...string) *dynamodb.UpdateItemInput {
	names := make(map[string]string, len(set)+len(remove))
	values := make(map[string]types.AttributeValue, len(set))

	clauses := make([]string, 0, len(set))
	for _, attr := range slices.Sorted(maps.Keys(set)) {
		names["#"+attr] = attr
		values[":"+attr] = set[attr]
		clauses = append(clauses, fmt.Sprintf("#%s = :%s", attr, attr))
	}

	expr := "SET " + strings.Join(clauses, ", ")
	if len(remove) > 0 {
		removed := make([]string, 0, len(remove))
		for _, attr := range remove {
			names["#"+attr] = attr
			removed = append(removed, "#"+attr)
		}
		expr += " REMOVE " + strings.Join(removed, ", ")
	}

	return &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tableName),
		Key:                       s.itemKey(fp),
		UpdateExpression:          aws.String(expr),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	}
}

// Get see [storage.CacheStore].Get.
func (s *CacheStore) Get(ctx context.Context, fp keys.Fingerprint) (*storage.CacheEntry, error) {
	ctx, span := s.startTrace(ctx, "Get", fp)
	defer span.End()

	return s.read(ctx, fp)
}

func (s *CacheStore) read(ctx context.Context, fp keys.Fingerprint) (*storage.CacheEntry, error) {
	resp, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            s.itemKey(fp),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb get item: %w", err)
	}

	if len(resp.Item) == 0 {
		return nil, storage.ErrNotFound
	}

	entry, err := decodeItem(fp, resp.Item)
	if err != nil {
		return nil, err
	}

	if !entry.ExpiresAt.After(s.now()) {
		return nil, storage.ErrNotFound
	}

	return entry, nil
}

func decodeItem(fp keys.Fingerprint, item map[string]types.AttributeValue) (*storage.CacheEntry, error) {
	entry := &storage.CacheEntry{Fingerprint: fp}

	if v, ok := item[attrInProgress].(*types.AttributeValueMemberBOOL); ok {
		entry.InProgress = v.Value
	}
	if v, ok := item[attrFailed].(*types.AttributeValueMemberBOOL); ok {
		entry.Failed = v.Value
	}
	if v, ok := item[attrOwner].(*types.AttributeValueMemberS); ok {
		entry.Owner = v.Value
	}
	if v, ok := item[attrResult].(*types.AttributeValueMemberB); ok {
		entry.Result = v.Value
	}

	ms, ok := item[attrExpiresAtMillis].(*types.AttributeValueMemberN)
	if !ok {
		return nil, fmt.Errorf("invalid %s attribute in item %s", attrExpiresAtMillis, fp)
	}
	n, err := strconv.ParseInt(ms.Value, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", attrExpiresAtMillis, err)
	}
	entry.ExpiresAt = time.UnixMilli(n)

	return entry, nil
}

// GetCompleted see [storage.CacheStore].GetCompleted.
func (s *CacheStore) GetCompleted(ctx context.Context, fp keys.Fingerprint) (*storage.CacheEntry, error) {
	ctx, span := s.startTrace(ctx, "GetCompleted", fp)
	defer span.End()

	entry, err := s.read(ctx, fp)
	if err != nil {
		return nil, err
	}

	if entry.InProgress {
		return nil, storage.ErrNotFound
	}

	return entry, nil
}

// BeginInProgress see [storage.CacheStore].BeginInProgress.
func (s *CacheStore) BeginInProgress(ctx context.Context, fp keys.Fingerprint, owner string, ttl time.Duration) error {
	ctx, span := s.startTrace(ctx, "BeginInProgress", fp)
	defer span.End()

	now := s.now()
	item := expiryAttributes(now.Add(ttl))
	item[attrFingerprint] = &types.AttributeValueMemberS{Value: fp.String()}
	item[attrInProgress] = &types.AttributeValueMemberBOOL{Value: true}
	item[attrFailed] = &types.AttributeValueMemberBOOL{Value: false}
	item[attrOwner] = &types.AttributeValueMemberS{Value: owner}

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String(condBeginInProgress),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":false": &types.AttributeValueMemberBOOL{Value: false},
			":now":   numberAttr(now.UnixMilli()),
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return storage.ErrCollision
		}
		return fmt.Errorf("dynamodb begin in progress: %w", err)
	}

	return nil
}

// Complete see [storage.CacheStore].Complete.
func (s *CacheStore) Complete(ctx context.Context, fp keys.Fingerprint, result []byte, ttl time.Duration) error {
	ctx, span := s.startTrace(ctx, "Complete", fp)
	defer span.End()

	if result == nil {
		result = []byte{}
	}

	set := expiryAttributes(s.now().Add(ttl))
	set[attrInProgress] = &types.AttributeValueMemberBOOL{Value: false}
	set[attrFailed] = &types.AttributeValueMemberBOOL{Value: false}
	set[attrResult] = &types.AttributeValueMemberB{Value: result}

	if _, err := s.client.UpdateItem(ctx, s.updateInput(fp, set)); err != nil {
		return fmt.Errorf("dynamodb complete: %w", err)
	}

	return nil
}

// Fail see [storage.CacheStore].Fail.
func (s *CacheStore) Fail(ctx context.Context, fp keys.Fingerprint, ttl time.Duration) error {
	ctx, span := s.startTrace(ctx, "Fail", fp)
	defer span.End()

	set := expiryAttributes(s.now().Add(ttl))
	set[attrInProgress] = &types.AttributeValueMemberBOOL{Value: false}
	set[attrFailed] = &types.AttributeValueMemberBOOL{Value: true}

	if _, err := s.client.UpdateItem(ctx, s.updateInput(fp, set, attrResult)); err != nil {
		return fmt.Errorf("dynamodb fail: %w", err)
	}

	return nil
}

// Delete see [storage.CacheStore].Delete.
func (s *CacheStore) Delete(ctx context.Context, fp keys.Fingerprint) error {
	ctx, span := s.startTrace(ctx, "Delete", fp)
	defer span.End()

	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.itemKey(fp),
	})
	if err != nil {
		return fmt.Errorf("dynamodb delete: %w", err)
	}

	return nil
}

// RenewExpiry see [storage.CacheStore].RenewExpiry.
func (s *CacheStore) RenewExpiry(ctx context.Context, fp keys.Fingerprint, ttl time.Duration) error {
	ctx, span := s.startTrace(ctx, "RenewExpiry", fp)
	defer span.End()

	now := s.now()
	input := s.updateInput(fp, expiryAttributes(now.Add(ttl)))
	input.ConditionExpression = aws.String(condLive)
	input.ExpressionAttributeValues[":now"] = numberAttr(now.UnixMilli())

	if _, err := s.client.UpdateItem(ctx, input); err != nil {
		if isConditionFailed(err) {
			return nil
		}
		return fmt.Errorf("dynamodb renew expiry: %w", err)
	}

	return nil
}

// Close see [storage.CacheStore].Close. The AWS client holds no resources to release.
func (s *CacheStore) Close() {}
