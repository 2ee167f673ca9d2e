package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/amillerrr/vod-packager/pkg/models"
)

// fakeDynamo keeps items keyed by pk|sk.
type fakeDynamo struct {
	items   map[string]map[string]types.AttributeValue
	updates []*dynamodb.UpdateItemInput
	err     error
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue)}
}

func itemKey(item map[string]types.AttributeValue) string {
	pk := item["pk"].(*types.AttributeValueMemberS).Value
	sk := item["sk"].(*types.AttributeValueMemberS).Value
	return pk + "|" + sk
}

func (f *fakeDynamo) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	k := itemKey(in.Item)
	if in.ConditionExpression != nil && f.items[k] != nil {
		return nil, &types.ConditionalCheckFailedException{}
	}
	f.items[k] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &dynamodb.GetItemOutput{Item: f.items[itemKey(in.Key)]}, nil
}

// UpdateItem applies the SET values by attribute name taken from the
// expression placeholders.
func (f *fakeDynamo) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.updates = append(f.updates, in)
	k := itemKey(in.Key)
	item := f.items[k]
	if item == nil {
		item = map[string]types.AttributeValue{"pk": in.Key["pk"], "sk": in.Key["sk"]}
		f.items[k] = item
	}
	for placeholder, v := range in.ExpressionAttributeValues {
		name := strings.TrimPrefix(placeholder, ":")
		item[name] = v
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeDynamo) Query(ctx context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []map[string]types.AttributeValue
	for _, item := range f.items {
		if v, ok := item["gsi1pk"].(*types.AttributeValueMemberS); ok && v.Value == allJobsKey {
			out = append(out, item)
		}
	}
	return &dynamodb.QueryOutput{Items: out}, nil
}

func newTestRepo(t *testing.T, db *fakeDynamo) *JobRepository {
	t.Helper()
	repo, err := NewJobRepository(db, "jobs")
	if err != nil {
		t.Fatal(err)
	}
	repo.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return repo
}

func TestNewJobRepositoryRequiresTable(t *testing.T) {
	if _, err := NewJobRepository(newFakeDynamo(), ""); err == nil {
		t.Error("NewJobRepository() error = nil for empty table")
	}
}

func TestCreateAndGetJob(t *testing.T) {
	db := newFakeDynamo()
	repo := newTestRepo(t, db)
	ctx := context.Background()

	rec, err := repo.CreateJob(ctx, "job-1", "clip.mp4", "/uploads/job-1.mp4", 1024)
	if err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if rec.State != models.StateUploading || rec.GSI1SK != "2026-01-02T03:04:05Z#job-1" {
		t.Errorf("CreateJob() = %+v", rec)
	}

	if _, err := repo.CreateJob(ctx, "job-1", "clip.mp4", "/uploads/job-1.mp4", 1024); err == nil {
		t.Error("CreateJob() for an existing id succeeded")
	}

	got, err := repo.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.JobID != "job-1" || got.Filename != "clip.mp4" || got.FileSizeBytes != 1024 {
		t.Errorf("GetJob() = %+v", got)
	}

	if _, err := repo.GetJob(ctx, "missing"); !errors.Is(err, models.ErrJobNotFound) {
		t.Errorf("GetJob(missing) error = %v, want ErrJobNotFound", err)
	}
}

func TestRecordStateFailed(t *testing.T) {
	db := newFakeDynamo()
	repo := newTestRepo(t, db)
	ctx := context.Background()

	job := models.NewJob("job-1", "/uploads/job-1.mp4")
	job.Renditions = []*models.Rendition{{Name: "high", QualityParam: 23, Status: models.RenditionFailed}}
	job.Fail(models.Failure{Stage: models.StateTranscoding, Kind: models.KindToolFailed, Detail: "exit 1"})

	if err := repo.RecordState(ctx, job); err != nil {
		t.Fatalf("RecordState() error = %v", err)
	}

	got, err := repo.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if got.State != models.StateFailed || got.FailureStage != models.StateTranscoding || got.FailureKind != models.KindToolFailed {
		t.Errorf("record = %+v", got)
	}
	if len(got.Renditions) != 1 || got.Renditions[0].Status != models.RenditionFailed {
		t.Errorf("renditions = %+v", got.Renditions)
	}
	if got.PlaybackURL != "" {
		t.Error("failed job has a playback URL")
	}
	if _, err := repo.GetLatestJob(ctx); !errors.Is(err, models.ErrJobNotFound) {
		t.Errorf("GetLatestJob() error = %v, want ErrJobNotFound", err)
	}
}

func TestRecordStatePublishedMovesLatest(t *testing.T) {
	db := newFakeDynamo()
	repo := newTestRepo(t, db)
	ctx := context.Background()

	if _, err := repo.CreateJob(ctx, "job-1", "clip.mp4", "/uploads/job-1.mp4", 1); err != nil {
		t.Fatal(err)
	}
	job := models.NewJob("job-1", "/uploads/job-1.mp4")
	job.Update(func(j *models.Job) {
		j.State = models.StatePublished
		j.PlaybackURL = "https://cdn.example.com/videos/job-1/master.m3u8"
	})

	if err := repo.RecordState(ctx, job); err != nil {
		t.Fatalf("RecordState() error = %v", err)
	}

	latest, err := repo.GetLatestJob(ctx)
	if err != nil {
		t.Fatalf("GetLatestJob() error = %v", err)
	}
	if latest.JobID != "job-1" || latest.PlaybackURL != job.PlaybackURL || latest.ObjectPrefix != "videos/job-1/" {
		t.Errorf("GetLatestJob() = %+v", latest)
	}
	if latest.Filename != "clip.mp4" {
		t.Error("RecordState() dropped attributes written at creation")
	}
}

func TestRecordStateStoreError(t *testing.T) {
	db := newFakeDynamo()
	db.err = errors.New("ProvisionedThroughputExceeded")
	repo := newTestRepo(t, db)

	if err := repo.RecordState(context.Background(), models.NewJob("job-1", "/x")); err == nil {
		t.Error("RecordState() error = nil")
	}
}

func TestListJobs(t *testing.T) {
	db := newFakeDynamo()
	repo := newTestRepo(t, db)
	ctx := context.Background()

	for _, id := range []models.JobID{"a", "b"} {
		if _, err := repo.CreateJob(ctx, id, "f.mp4", "/x", 1); err != nil {
			t.Fatal(err)
		}
	}
	// A LATEST pointer must not show up in listings.
	latest, _ := attributevalue.MarshalMap(map[string]string{"pk": latestPK, "sk": latestSK, "job_id": "a"})
	db.items[latestPK+"|"+latestSK] = latest

	jobs, _, err := repo.ListJobs(ctx, 10, nil)
	if err != nil {
		t.Fatalf("ListJobs() error = %v", err)
	}
	if len(jobs) != 2 {
		t.Errorf("ListJobs() returned %d jobs, want 2", len(jobs))
	}
}

type fakeBucket struct{ err error }

func (f fakeBucket) HeadBucket(ctx context.Context, in *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if aws.ToString(in.Bucket) == "" {
		return nil, errors.New("bucket required")
	}
	return &s3.HeadBucketOutput{}, f.err
}

func TestCheckBucket(t *testing.T) {
	if err := CheckBucket(context.Background(), fakeBucket{}, "vod"); err != nil {
		t.Errorf("CheckBucket() error = %v", err)
	}
	if err := CheckBucket(context.Background(), fakeBucket{err: errors.New("NotFound")}, "vod"); err == nil {
		t.Error("CheckBucket() error = nil for missing bucket")
	}
}
