package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/amillerrr/vod-packager/pkg/models"
)

// Key layout
const (
	jobKeyPrefix = "JOB#"
	jobSortKey   = "STATUS"
	allJobsKey   = "ALL_JOBS"
	latestPK     = "LATEST"
	latestSK     = "JOB"
)

// DynamoAPI is the subset of the DynamoDB client used by JobRepository.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// JobRepository stores job status in DynamoDB.
type JobRepository struct {
	client    DynamoAPI
	tableName string
	now       func() time.Time
}

// NewJobRepository creates a JobRepository over client.
func NewJobRepository(client DynamoAPI, tableName string) (*JobRepository, error) {
	if tableName == "" {
		return nil, errors.New("DynamoDB table name is required")
	}
	return &JobRepository{
		client:    client,
		tableName: tableName,
		now:       time.Now,
	}, nil
}

func jobKey(id models.JobID) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: jobKeyPrefix + string(id)},
		"sk": &types.AttributeValueMemberS{Value: jobSortKey},
	}
}

func (r *JobRepository) timestamp() string {
	return r.now().UTC().Format(time.RFC3339)
}

// CreateJob writes the initial record for a freshly ingested upload.
func (r *JobRepository) CreateJob(ctx context.Context, id models.JobID, filename, sourcePath string, fileSizeBytes int64) (*models.JobRecord, error) {
	now := r.timestamp()

	rec := &models.JobRecord{
		PK:            jobKeyPrefix + string(id),
		SK:            jobSortKey,
		GSI1PK:        allJobsKey,
		GSI1SK:        fmt.Sprintf("%s#%s", now, id),
		JobID:         string(id),
		Filename:      filename,
		SourcePath:    sourcePath,
		FileSizeBytes: fileSizeBytes,
		State:         models.StateUploading,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return nil, fmt.Errorf("job already exists: %s", id)
		}
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	return rec, nil
}

// RecordState writes the job's current state, rendition summaries, failure
// and playback URL. A Published job also moves the LATEST pointer.
func (r *JobRepository) RecordState(ctx context.Context, job *models.Job) error {
	snap := job.Snapshot()
	now := r.timestamp()

	renditions, err := attributevalue.Marshal(snap.Summaries())
	if err != nil {
		return fmt.Errorf("failed to marshal renditions: %w", err)
	}

	expr := "SET #state = :state, job_id = :job_id, updated_at = :updated_at, renditions = :renditions"
	values := map[string]types.AttributeValue{
		":state":      &types.AttributeValueMemberS{Value: string(snap.State)},
		":job_id":     &types.AttributeValueMemberS{Value: string(snap.ID)},
		":updated_at": &types.AttributeValueMemberS{Value: now},
		":renditions": renditions,
	}

	if f := snap.Failure; f != nil {
		expr += ", failure_stage = :failure_stage, failure_kind = :failure_kind, failure_detail = :failure_detail"
		values[":failure_stage"] = &types.AttributeValueMemberS{Value: string(f.Stage)}
		values[":failure_kind"] = &types.AttributeValueMemberS{Value: f.Kind}
		values[":failure_detail"] = &types.AttributeValueMemberS{Value: f.Detail}
	}
	if snap.State == models.StatePublished {
		expr += ", playback_url = :playback_url, object_prefix = :object_prefix, published_at = :published_at"
		values[":playback_url"] = &types.AttributeValueMemberS{Value: snap.PlaybackURL}
		values[":object_prefix"] = &types.AttributeValueMemberS{Value: fmt.Sprintf("videos/%s/", snap.ID)}
		values[":published_at"] = &types.AttributeValueMemberS{Value: now}
	}

	_, err = r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(r.tableName),
		Key:              jobKey(snap.ID),
		UpdateExpression: aws.String(expr),
		ExpressionAttributeNames: map[string]string{
			"#state": "state",
		},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return fmt.Errorf("failed to record job state: %w", err)
	}

	if snap.State != models.StatePublished {
		return nil
	}

	latestItem := map[string]types.AttributeValue{
		"pk":           &types.AttributeValueMemberS{Value: latestPK},
		"sk":           &types.AttributeValueMemberS{Value: latestSK},
		"job_id":       &types.AttributeValueMemberS{Value: string(snap.ID)},
		"playback_url": &types.AttributeValueMemberS{Value: snap.PlaybackURL},
		"published_at": &types.AttributeValueMemberS{Value: now},
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      latestItem,
	})
	if err != nil {
		return fmt.Errorf("failed to update latest pointer: %w", err)
	}

	return nil
}

// GetJob retrieves a job record by id.
func (r *JobRepository) GetJob(ctx context.Context, id models.JobID) (*models.JobRecord, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key:       jobKey(id),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	if result.Item == nil {
		return nil, models.ErrJobNotFound
	}

	var rec models.JobRecord
	if err := attributevalue.UnmarshalMap(result.Item, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	return &rec, nil
}

// GetLatestJob retrieves the most recently published job.
func (r *JobRepository) GetLatestJob(ctx context.Context) (*models.JobRecord, error) {
	result, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: latestPK},
			"sk": &types.AttributeValueMemberS{Value: latestSK},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get latest job pointer: %w", err)
	}

	if result.Item == nil {
		return nil, models.ErrJobNotFound
	}

	idAttr, ok := result.Item["job_id"].(*types.AttributeValueMemberS)
	if !ok {
		return nil, models.ErrJobNotFound
	}

	id, err := models.ParseJobID(idAttr.Value)
	if err != nil {
		return nil, fmt.Errorf("latest pointer holds invalid job id: %w", err)
	}
	return r.GetJob(ctx, id)
}

// ListJobs retrieves jobs newest first.
func (r *JobRepository) ListJobs(ctx context.Context, limit int32, startKey map[string]types.AttributeValue) ([]models.JobRecord, map[string]types.AttributeValue, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		IndexName:              aws.String("GSI1"),
		KeyConditionExpression: aws.String("gsi1pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: allJobsKey},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(limit),
	}

	if startKey != nil {
		input.ExclusiveStartKey = startKey
	}

	result, err := r.client.Query(ctx, input)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	var jobs []models.JobRecord
	if err := attributevalue.UnmarshalListOfMaps(result.Items, &jobs); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal jobs: %w", err)
	}

	return jobs, result.LastEvaluatedKey, nil
}
