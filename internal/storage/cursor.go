package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/amillerrr/vod-packager/pkg/models"
)

// Listing limits
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// EncodeCursor turns a DynamoDB LastEvaluatedKey into an opaque, URL-safe
// cursor. An empty key yields an empty cursor.
func EncodeCursor(key map[string]types.AttributeValue) (string, error) {
	if len(key) == 0 {
		return "", nil
	}
	var flat map[string]string
	if err := attributevalue.UnmarshalMap(key, &flat); err != nil {
		return "", fmt.Errorf("failed to flatten cursor: %w", err)
	}
	data, err := json.Marshal(flat)
	if err != nil {
		return "", fmt.Errorf("failed to encode cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeCursor reverses EncodeCursor.
func DecodeCursor(cursor string) (map[string]types.AttributeValue, error) {
	if cursor == "" {
		return nil, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor: %w", err)
	}
	var flat map[string]string
	if err := json.Unmarshal(data, &flat); err != nil {
		return nil, fmt.Errorf("invalid cursor: %w", err)
	}
	key, err := attributevalue.MarshalMap(flat)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor: %w", err)
	}
	return key, nil
}

// ListJobPage lists jobs newest first using an opaque cursor.
func (r *JobRepository) ListJobPage(ctx context.Context, limit int, cursor string) ([]models.JobRecord, string, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	limit = min(limit, MaxPageSize)

	startKey, err := DecodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}

	jobs, lastKey, err := r.ListJobs(ctx, int32(limit), startKey)
	if err != nil {
		return nil, "", err
	}

	next, err := EncodeCursor(lastKey)
	if err != nil {
		return nil, "", err
	}
	return jobs, next, nil
}
