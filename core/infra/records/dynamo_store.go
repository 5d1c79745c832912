package records

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/cordum/stash/core/infra/logging"
	"github.com/cordum/stash/core/record"
)

const (
	attrSlug        = "slug"
	attrRemaining   = "remaining"
	attrExpiresAtMs = "expires_at_ms"
)

// DynamoAPI is the subset of *dynamodb.Client used by DynamoStore.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// dynamoItem is the table layout. The partition key is slug. expires_at holds
// epoch seconds for DynamoDB TTL; expires_at_ms is the exact expiry checked by
// reads and conditional writes.
type dynamoItem struct {
	Slug        string `dynamodbav:"slug"`
	Kind        string `dynamodbav:"kind"`
	Path        string `dynamodbav:"path,omitempty"`
	Name        string `dynamodbav:"name,omitempty"`
	Target      string `dynamodbav:"target,omitempty"`
	Body        string `dynamodbav:"body,omitempty"`
	Remaining   *int64 `dynamodbav:"remaining,omitempty"`
	ExpiresAt   int64  `dynamodbav:"expires_at,omitempty"`
	ExpiresAtMs int64  `dynamodbav:"expires_at_ms,omitempty"`
}

func itemFromDocument(slug string, doc record.Document) dynamoItem {
	item := dynamoItem{
		Slug:      slug,
		Kind:      doc.Kind,
		Path:      doc.Path,
		Name:      doc.Name,
		Target:    doc.Target,
		Body:      doc.Body,
		Remaining: doc.Remaining,
	}
	if doc.ExpiresAt > 0 {
		item.ExpiresAtMs = doc.ExpiresAt
		item.ExpiresAt = (doc.ExpiresAt + 999) / 1000
	}
	return item
}

func (it dynamoItem) document() record.Document {
	doc := record.Document{
		Kind:      it.Kind,
		Path:      it.Path,
		Name:      it.Name,
		Target:    it.Target,
		Body:      it.Body,
		Remaining: it.Remaining,
		ExpiresAt: it.ExpiresAtMs,
	}
	if doc.ExpiresAt == 0 && it.ExpiresAt > 0 {
		doc.ExpiresAt = it.ExpiresAt * 1000
	}
	return doc
}

// DynamoOptions tunes a DynamoStore. Zero values select defaults.
type DynamoOptions struct {
	OpTimeout time.Duration
	Remover   PayloadRemover
	Now       func() time.Time
}

// DynamoStore keeps records in a DynamoDB table keyed by slug. A consume is a
// conditional decrement; the caller that observes zero deletes the item. Reads
// treat a zero counter as absent, so the window between the two writes is never
// visible.
type DynamoStore struct {
	api       DynamoAPI
	table     string
	opTimeout time.Duration
	remover   PayloadRemover
	now       func() time.Time
}

func NewDynamoStore(api DynamoAPI, table string, opts DynamoOptions) (*DynamoStore, error) {
	if api == nil {
		return nil, fmt.Errorf("dynamodb client required")
	}
	if table == "" {
		return nil, fmt.Errorf("dynamodb table required")
	}
	s := &DynamoStore{
		api:       api,
		table:     table,
		opTimeout: opts.OpTimeout,
		remover:   opts.Remover,
		now:       opts.Now,
	}
	if s.opTimeout <= 0 {
		s.opTimeout = defaultOpTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

func (s *DynamoStore) itemKey(slug string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrSlug: &types.AttributeValueMemberS{Value: slug},
	}
}

func (s *DynamoStore) Fetch(ctx context.Context, slug string) (*record.Record, error) {
	if slug == "" {
		return nil, nil
	}
	opCtx, cancel := opContext(ctx, s.opTimeout)
	defer cancel()

	out, err := s.api.GetItem(opCtx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            s.itemKey(slug),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, backendErr(ctx, "fetch", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	rec, err := decodeItem(slug, out.Item)
	if err != nil {
		return nil, err
	}
	if !rec.Available(s.now()) {
		return nil, nil
	}
	return rec, nil
}

func (s *DynamoStore) Consume(ctx context.Context, rec *record.Record) (Consumption, error) {
	if rec == nil || rec.Slug == "" {
		return Consumption{}, fmt.Errorf("%w: record without slug", record.ErrMalformedRecord)
	}
	if !rec.Bounded() {
		return Consumption{Unlimited: true}, nil
	}
	expr, err := consumeExpression(s.now())
	if err != nil {
		return Consumption{}, fmt.Errorf("build consume expression: %w", err)
	}
	opCtx, cancel := opContext(ctx, s.opTimeout)
	defer cancel()

	out, err := s.api.UpdateItem(opCtx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       s.itemKey(rec.Slug),
		ConditionExpression:       expr.Condition(),
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return Consumption{}, record.NotFound(rec.Slug)
		}
		return Consumption{}, backendErr(ctx, "consume", err)
	}

	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Attributes, &item); err != nil {
		return Consumption{}, fmt.Errorf("record %q: %w: %v", rec.Slug, record.ErrMalformedRecord, err)
	}
	if item.Remaining == nil {
		return Consumption{}, fmt.Errorf("record %q: %w: counter vanished", rec.Slug, record.ErrMalformedRecord)
	}
	left := *item.Remaining
	if left > 0 {
		return Consumption{Remaining: left}, nil
	}

	// This caller took the last access; only it reaches the delete.
	if err := s.deleteExhausted(opCtx, rec.Slug); err != nil {
		logging.Warn(logComponent, "exhausted record not deleted", "slug", rec.Slug, "error", err)
	}
	removePayload(ctx, s.remover, rec.Slug, item.Path)
	return Consumption{Deleted: true}, nil
}

func consumeExpression(now time.Time) (expression.Expression, error) {
	remaining := expression.Name(attrRemaining)
	expiresAt := expression.Name(attrExpiresAtMs)
	cond := expression.AttributeExists(expression.Name(attrSlug)).
		And(remaining.GreaterThan(expression.Value(0))).
		And(expression.Or(
			expression.AttributeNotExists(expiresAt),
			expiresAt.GreaterThan(expression.Value(now.UnixMilli())),
		))
	update := expression.Set(remaining, remaining.Minus(expression.Value(1)))
	return expression.NewBuilder().WithCondition(cond).WithUpdate(update).Build()
}

func (s *DynamoStore) deleteExhausted(ctx context.Context, slug string) error {
	cond := expression.Name(attrRemaining).LessThanEqual(expression.Value(0))
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return err
	}
	_, err = s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                 aws.String(s.table),
		Key:                       s.itemKey(slug),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	return err
}

func (s *DynamoStore) Put(ctx context.Context, rec *record.Record) error {
	if rec == nil || rec.Slug == "" {
		return fmt.Errorf("%w: record without slug", record.ErrMalformedRecord)
	}
	doc, err := record.ToDocument(rec)
	if err != nil {
		return err
	}
	av, err := attributevalue.MarshalMap(itemFromDocument(rec.Slug, doc))
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}
	opCtx, cancel := opContext(ctx, s.opTimeout)
	defer cancel()

	if _, err := s.api.PutItem(opCtx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      av,
	}); err != nil {
		return backendErr(ctx, "put", err)
	}
	return nil
}

func (s *DynamoStore) Delete(ctx context.Context, slug string) (*record.Record, error) {
	if slug == "" {
		return nil, nil
	}
	opCtx, cancel := opContext(ctx, s.opTimeout)
	defer cancel()

	out, err := s.api.DeleteItem(opCtx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(s.table),
		Key:          s.itemKey(slug),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return nil, backendErr(ctx, "delete", err)
	}
	if len(out.Attributes) == 0 {
		return nil, nil
	}
	rec, err := decodeItem(slug, out.Attributes)
	if err != nil {
		removePayload(ctx, s.remover, slug, rawPath(out.Attributes))
		return nil, err
	}
	if path, ok := rec.PayloadPath(); ok {
		removePayload(ctx, s.remover, slug, path)
	}
	logging.Info(logComponent, "record deleted", "slug", slug, "kind", rec.Data.Kind())
	return rec, nil
}

// rawPath reads the path attribute of an item that may not decode as a record.
func rawPath(item map[string]types.AttributeValue) string {
	if v, ok := item[record.FieldPath].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func (s *DynamoStore) Ping(ctx context.Context) error {
	opCtx, cancel := opContext(ctx, s.opTimeout)
	defer cancel()
	if _, err := s.api.DescribeTable(opCtx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.table),
	}); err != nil {
		return backendErr(ctx, "ping", err)
	}
	return nil
}

// Close is a no-op; the SDK client holds no connections that need releasing.
func (s *DynamoStore) Close() error { return nil }

func decodeItem(slug string, av map[string]types.AttributeValue) (*record.Record, error) {
	var item dynamoItem
	if err := attributevalue.UnmarshalMap(av, &item); err != nil {
		return nil, fmt.Errorf("record %q: %w: %v", slug, record.ErrMalformedRecord, err)
	}
	rec, err := item.document().Record(slug)
	if err != nil {
		return nil, fmt.Errorf("record %q: %w", slug, err)
	}
	return rec, nil
}
