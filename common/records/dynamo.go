package records

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/anthive/orchestrator/common/faults"
)

// DynamoStore backs the record primitive with a DynamoDB table keyed by
// (partition, key). The table needs partition key "partition" (S) and
// sort key "key" (S). Conditional writes carry the revision CAS.
type DynamoStore struct {
	client *dynamodb.Client
	table  string
}

// NewDynamoStore creates a DynamoDB-backed record store
func NewDynamoStore(client *dynamodb.Client, table string) *DynamoStore {
	return &DynamoStore{client: client, table: table}
}

// dynamoRecord is the stored item shape. Doc travels as a JSON string;
// timestamps are RFC 3339.
type dynamoRecord struct {
	Partition string `dynamodbav:"partition"`
	Key       string `dynamodbav:"key"`
	Doc       string `dynamodbav:"doc"`
	Revision  int64  `dynamodbav:"revision"`
	CreatedAt string `dynamodbav:"created_at"`
	UpdatedAt string `dynamodbav:"updated_at"`
}

func (d dynamoRecord) toRecord() *Record {
	created, _ := time.Parse(time.RFC3339Nano, d.CreatedAt)
	updated, _ := time.Parse(time.RFC3339Nano, d.UpdatedAt)
	return &Record{
		Partition: d.Partition,
		Key:       d.Key,
		Doc:       []byte(d.Doc),
		Revision:  d.Revision,
		CreatedAt: created,
		UpdatedAt: updated,
	}
}

// Put inserts a new record at revision 1
func (s *DynamoStore) Put(ctx context.Context, partition, key string, doc []byte) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	item, err := attributevalue.MarshalMap(dynamoRecord{
		Partition: partition,
		Key:       key,
		Doc:       string(doc),
		Revision:  1,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return faults.Permanent(err, "marshal record %s/%s", partition, key)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(#p)"),
		ExpressionAttributeNames: map[string]string{
			"#p": "partition",
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return faults.Conflict("record %s/%s already exists", partition, key)
		}
		return faults.Transient(err, "put record %s/%s", partition, key)
	}
	return nil
}

// Get returns the record or not_found
func (s *DynamoStore) Get(ctx context.Context, partition, key string) (*Record, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"partition": &types.AttributeValueMemberS{Value: partition},
			"key":       &types.AttributeValueMemberS{Value: key},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, faults.Transient(err, "get record %s/%s", partition, key)
	}
	if len(out.Item) == 0 {
		return nil, faults.NotFound("record %s/%s not found", partition, key)
	}

	var d dynamoRecord
	if err := attributevalue.UnmarshalMap(out.Item, &d); err != nil {
		return nil, faults.Permanent(err, "unmarshal record %s/%s", partition, key)
	}
	return d.toRecord(), nil
}

// Update replaces the document iff the stored revision matches
func (s *DynamoStore) Update(ctx context.Context, partition, key string, doc []byte, expectedRevision int64) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"partition": &types.AttributeValueMemberS{Value: partition},
			"key":       &types.AttributeValueMemberS{Value: key},
		},
		UpdateExpression:    aws.String("SET doc = :doc, revision = revision + :one, updated_at = :now"),
		ConditionExpression: aws.String("revision = :expected"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":doc":      &types.AttributeValueMemberS{Value: string(doc)},
			":one":      &types.AttributeValueMemberN{Value: "1"},
			":now":      &types.AttributeValueMemberS{Value: now},
			":expected": &types.AttributeValueMemberN{Value: formatInt(expectedRevision)},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			// Row absent or revision moved; disambiguate for the caller.
			if _, getErr := s.Get(ctx, partition, key); getErr != nil {
				return 0, getErr
			}
			return 0, faults.Conflict("record %s/%s moved past revision %d", partition, key, expectedRevision)
		}
		return 0, faults.Transient(err, "update record %s/%s", partition, key)
	}

	var updated struct {
		Revision int64 `dynamodbav:"revision"`
	}
	if err := attributevalue.UnmarshalMap(out.Attributes, &updated); err != nil {
		return 0, faults.Permanent(err, "unmarshal updated revision for %s/%s", partition, key)
	}
	return updated.Revision, nil
}

// List returns up to limit records in a partition. DynamoDB orders by
// sort key, so recency ordering is applied client-side.
func (s *DynamoStore) List(ctx context.Context, partition string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}

	var out []*Record
	var startKey map[string]types.AttributeValue

	for {
		resp, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			KeyConditionExpression: aws.String("#p = :p"),
			ExpressionAttributeNames: map[string]string{
				"#p": "partition",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":p": &types.AttributeValueMemberS{Value: partition},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, faults.Transient(err, "list records in %s", partition)
		}

		for _, item := range resp.Items {
			var d dynamoRecord
			if err := attributevalue.UnmarshalMap(item, &d); err != nil {
				return nil, faults.Permanent(err, "unmarshal record in %s", partition)
			}
			out = append(out, d.toRecord())
		}

		if resp.LastEvaluatedKey == nil {
			break
		}
		startKey = resp.LastEvaluatedKey
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Partitions lists the known partitions via a projected scan
func (s *DynamoStore) Partitions(ctx context.Context) ([]string, error) {
	seen := map[string]bool{}
	var startKey map[string]types.AttributeValue

	for {
		resp, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:            aws.String(s.table),
			ProjectionExpression: aws.String("#p"),
			ExpressionAttributeNames: map[string]string{
				"#p": "partition",
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, faults.Transient(err, "scan partitions")
		}

		for _, item := range resp.Items {
			if v, ok := item["partition"].(*types.AttributeValueMemberS); ok {
				seen[v.Value] = true
			}
		}

		if resp.LastEvaluatedKey == nil {
			break
		}
		startKey = resp.LastEvaluatedKey
	}

	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// Health reports backend reachability
func (s *DynamoStore) Health(ctx context.Context) error {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.table),
	})
	if err != nil {
		return faults.Transient(err, "describe table %s", s.table)
	}
	return nil
}

func formatInt(n int64) string {
	return strconv.FormatInt(n, 10)
}
