// Package ddbstore implements pkg/storage.MetadataStore against a single
// DynamoDB table keyed by (PK, SK).
package ddbstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/rlm-rs/orchestrator/pkg/rlmerr"
	"github.com/rlm-rs/orchestrator/pkg/storage"
)

const (
	attrPK      = "pk"
	attrSK      = "sk"
	attrVersion = "version"
	attrData    = "data"
)

// Store wraps a dynamodb.Client bound to one table.
type Store struct {
	client *dynamodb.Client
	table  string
}

// New returns a Store bound to table. cli is normally built from
// config.LoadDefaultConfig at startup.
func New(cli *dynamodb.Client, table string) *Store {
	return &Store{client: cli, table: table}
}

func (s *Store) PutItem(ctx context.Context, item storage.Item) error {
	av, err := toAttributeValues(item)
	if err != nil {
		return rlmerr.Wrap(rlmerr.CodeInternalError, "marshal item", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      av,
	})
	if err != nil {
		return rlmerr.Wrap(rlmerr.CodeInternalError, fmt.Sprintf("put %s/%s", item.PK, item.SK), err)
	}
	return nil
}

func (s *Store) GetItem(ctx context.Context, pk, sk string) (storage.Item, bool, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			attrPK: &types.AttributeValueMemberS{Value: pk},
			attrSK: &types.AttributeValueMemberS{Value: sk},
		},
	})
	if err != nil {
		return storage.Item{}, false, rlmerr.Wrap(rlmerr.CodeInternalError, fmt.Sprintf("get %s/%s", pk, sk), err)
	}
	if out.Item == nil {
		return storage.Item{}, false, nil
	}
	item, err := fromAttributeValues(out.Item)
	if err != nil {
		return storage.Item{}, false, rlmerr.Wrap(rlmerr.CodeInternalError, "unmarshal item", err)
	}
	return item, true, nil
}

// UpdateIf performs a conditional write: it
// succeeds only when the stored version matches expectedVersion (0 meaning
// "item must not already exist"), and bumps the version by one.
func (s *Store) UpdateIf(ctx context.Context, pk, sk string, expectedVersion int64, next map[string]any) (storage.Item, error) {
	item := storage.Item{PK: pk, SK: sk, Version: expectedVersion + 1, Data: next}
	av, err := toAttributeValues(item)
	if err != nil {
		return storage.Item{}, rlmerr.Wrap(rlmerr.CodeInternalError, "marshal item", err)
	}

	var condExpr string
	exprAttrVals := map[string]types.AttributeValue{}
	if expectedVersion == 0 {
		condExpr = "attribute_not_exists(#pk)"
	} else {
		condExpr = "#v = :expected"
		exprAttrVals[":expected"] = &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", expectedVersion)}
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(s.table),
		Item:                     av,
		ConditionExpression:      aws.String(condExpr),
		ExpressionAttributeNames: map[string]string{"#pk": attrPK, "#v": attrVersion},
		ExpressionAttributeValues: func() map[string]types.AttributeValue {
			if len(exprAttrVals) == 0 {
				return nil
			}
			return exprAttrVals
		}(),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			actual, _, getErr := s.GetItem(ctx, pk, sk)
			actualVersion := int64(0)
			if getErr == nil {
				actualVersion = actual.Version
			}
			return storage.Item{}, &storage.ErrConditionFailed{
				PK: pk, SK: sk, ExpectedVersion: expectedVersion, ActualVersion: actualVersion,
			}
		}
		return storage.Item{}, rlmerr.Wrap(rlmerr.CodeInternalError, fmt.Sprintf("update_if %s/%s", pk, sk), err)
	}
	return item, nil
}

func (s *Store) Query(ctx context.Context, pk, skPrefix string) ([]storage.Item, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("#pk = :pk AND begins_with(#sk, :prefix)"),
		ExpressionAttributeNames: map[string]string{
			"#pk": attrPK,
			"#sk": attrSK,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: pk},
			":prefix": &types.AttributeValueMemberS{Value: skPrefix},
		},
	})
	if err != nil {
		return nil, rlmerr.Wrap(rlmerr.CodeInternalError, fmt.Sprintf("query %s/%s*", pk, skPrefix), err)
	}
	items := make([]storage.Item, 0, len(out.Items))
	for _, raw := range out.Items {
		item, err := fromAttributeValues(raw)
		if err != nil {
			return nil, rlmerr.Wrap(rlmerr.CodeInternalError, "unmarshal item", err)
		}
		items = append(items, item)
	}
	return items, nil
}

func (s *Store) DeleteItem(ctx context.Context, pk, sk string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			attrPK: &types.AttributeValueMemberS{Value: pk},
			attrSK: &types.AttributeValueMemberS{Value: sk},
		},
	})
	if err != nil {
		return rlmerr.Wrap(rlmerr.CodeInternalError, fmt.Sprintf("delete %s/%s", pk, sk), err)
	}
	return nil
}

func toAttributeValues(item storage.Item) (map[string]types.AttributeValue, error) {
	dataAV, err := attributevalue.MarshalMap(item.Data)
	if err != nil {
		return nil, err
	}
	return map[string]types.AttributeValue{
		attrPK:      &types.AttributeValueMemberS{Value: item.PK},
		attrSK:      &types.AttributeValueMemberS{Value: item.SK},
		attrVersion: &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", item.Version)},
		attrData:    &types.AttributeValueMemberM{Value: dataAV},
	}, nil
}

func fromAttributeValues(av map[string]types.AttributeValue) (storage.Item, error) {
	var item storage.Item
	if pk, ok := av[attrPK].(*types.AttributeValueMemberS); ok {
		item.PK = pk.Value
	}
	if sk, ok := av[attrSK].(*types.AttributeValueMemberS); ok {
		item.SK = sk.Value
	}
	if v, ok := av[attrVersion].(*types.AttributeValueMemberN); ok {
		var parsed int64
		if _, err := fmt.Sscanf(v.Value, "%d", &parsed); err != nil {
			return storage.Item{}, err
		}
		item.Version = parsed
	}
	if data, ok := av[attrData].(*types.AttributeValueMemberM); ok {
		var out map[string]any
		if err := attributevalue.UnmarshalMap(data.Value, &out); err != nil {
			return storage.Item{}, err
		}
		item.Data = out
	}
	return item, nil
}
